package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"playdeck/audio"
	appConfig "playdeck/config"
	"playdeck/controller"
	"playdeck/database"
	"playdeck/engine"
	"playdeck/handlers"
	"playdeck/prefetch"
	"playdeck/sentry"
	"playdeck/smartqueue"
)

// maxPrefetchBytes caps a single prefetched source.
const maxPrefetchBytes = 64 * 1024 * 1024

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warnf("Error loading .env file: %v", err)
	}
	appConfig.NewConfig()
	setupLogging(appConfig.Config.Options.LogLevel)

	if appConfig.Config.Sentry.IsEnabled() {
		sentry.Init(appConfig.Config.Sentry)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(level string) {
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		FieldsOrder:     []string{"module", "session"},
		TimestampFormat: time.RFC3339,
	})
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown LOG_LEVEL %q, using info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

func run(ctx context.Context) error {
	cfg := appConfig.Config

	db, err := database.New(cfg.Options.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	opts := engine.OptionsFromConfig(cfg)
	opts.Primary = audio.NewVirtualPrimitive("primary", audio.WithProber(audio.HTTPProber(nil)))
	opts.Secondary = audio.NewVirtualPrimitive("secondary", audio.WithProber(audio.HTTPProber(nil)))
	opts.Storage = db.KV()
	opts.Cache = db.BlobCache(cfg.Prefetch.CacheMaxBytes)
	opts.Fetcher = prefetch.NewHTTPFetcher(nil, maxPrefetchBytes)

	history := db.PlayHistory()
	if cfg.SmartQueue.Enabled {
		opts.Catalog = history
		if cfg.Gemini.IsEnabled() {
			ranker, err := smartqueue.NewGeminiRanker(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
			if err != nil {
				log.Warnf("Gemini ranking disabled: %v", err)
			} else {
				opts.Ranker = ranker
			}
		}
	}

	player := engine.New(opts)
	defer player.Close()
	sentry.SetContext("player", map[string]interface{}{
		"session_id": player.SessionID(),
	})
	player.Subscribe(recordPlays(ctx, history))
	player.Start()

	router := gin.Default()
	router.Use(sentry.GetSentryGin())
	handlers.NewManager(player).Register(router)

	server := &http.Server{Addr: ":" + cfg.Options.Port, Handler: router}
	go func() {
		<-ctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("server shutdown: %v", err)
		}
	}()

	log.Infof("Starting server on :%s", cfg.Options.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// recordPlays stores every track that starts playing in the play history the
// smart queue draws from.
func recordPlays(ctx context.Context, history *database.PlayHistory) func(engine.Event) {
	logger := log.WithFields(log.Fields{"module": "history"})
	return func(ev engine.Event) {
		changed, ok := ev.(engine.StateChanged)
		if !ok || changed.Change != controller.ChangeSwitched || !changed.State.IsPlaying || changed.State.ActiveTrack == nil {
			return
		}
		track := *changed.State.ActiveTrack
		go func() {
			if err := history.RecordPlay(ctx, track); err != nil {
				logger.Warnf("recording play of %s: %v", track.ID, err)
			}
		}()
	}
}
