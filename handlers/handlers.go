// Package handlers exposes the engine over HTTP: the read model, one route per
// player command and a server-sent event stream for the UI layer.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"playdeck/audio"
	"playdeck/engine"
	"playdeck/models"
	"playdeck/sentryhelper"
)

// eventBuffer bounds how far a slow SSE client may fall behind before events
// are dropped for it.
const eventBuffer = 256

type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &requestError{err: fmt.Errorf(format, args...)}
}

type PlayRequest struct {
	Track *models.Track `json:"track"`
}

type SeekRequest struct {
	Position *float64 `json:"position" binding:"required"`
}

type VolumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

type QueueRequest struct {
	Tracks []models.Track `json:"tracks" binding:"required"`
}

type ReorderRequest struct {
	From *int `json:"from" binding:"required"`
	To   *int `json:"to" binding:"required"`
}

type ModeRequest struct {
	Mode models.PlayerMode `json:"mode" binding:"required"`
}

type Manager struct {
	Engine *engine.Engine
	logger *log.Entry
}

func NewManager(e *engine.Engine) *Manager {
	return &Manager{
		Engine: e,
		logger: log.WithFields(log.Fields{
			"module": "handlers",
		}),
	}
}

func (manager *Manager) Register(router gin.IRouter) {
	router.GET("/healthz", manager.handleHealth)

	player := router.Group("/player")
	player.GET("", manager.handleView)
	player.GET("/events", manager.handleEvents)
	player.POST("/play", manager.command("play", manager.handlePlay))
	player.POST("/pause", manager.command("pause", manager.handlePause))
	player.POST("/seek", manager.command("seek", manager.handleSeek))
	player.POST("/volume", manager.command("volume", manager.handleVolume))
	player.POST("/next", manager.command("next", manager.handleNext))
	player.POST("/previous", manager.command("previous", manager.handlePrevious))
	player.POST("/queue", manager.command("queue", manager.handleQueue))
	player.DELETE("/queue/:index", manager.command("remove", manager.handleRemove))
	player.POST("/queue/reorder", manager.command("reorder", manager.handleReorder))
	player.POST("/shuffle", manager.command("shuffle", manager.handleShuffle))
	player.POST("/repeat", manager.command("repeat", manager.handleRepeat))
	player.POST("/undo", manager.command("undo", manager.handleUndo))
	player.POST("/redo", manager.command("redo", manager.handleRedo))
	player.POST("/mode", manager.command("mode", manager.handleMode))
	player.POST("/metrics/reset", manager.command("metrics_reset", manager.handleResetMetrics))
}

// command wraps a handler in a sentry transaction and renders its result, or
// the read model when the handler has nothing more specific to say.
func (manager *Manager) command(name string, handle func(c *gin.Context) (any, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := sentryhelper.StartCommandTransaction(c.Request.Context(), name, manager.Engine.SessionID())
		sentryhelper.AddBreadcrumb(ctx, &sentry.Breadcrumb{
			Category: "command",
			Message:  name,
			Level:    sentry.LevelInfo,
		})
		result, err := handle(c)
		sentryhelper.FinishCommand(span, err)

		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				manager.logger.Errorf("command %s failed: %v", name, err)
				sentryhelper.CaptureException(ctx, err)
			} else {
				manager.logger.Debugf("command %s rejected: %v", name, err)
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if result == nil {
			result = manager.Engine.ReadModel()
		}
		c.JSON(http.StatusOK, result)
	}
}

func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, engine.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidIndex):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNothingToUndo),
		errors.Is(err, engine.ErrNothingToRedo),
		errors.Is(err, engine.ErrNoActiveTrack),
		errors.Is(err, audio.ErrNoSource):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func validateTrack(track models.Track) error {
	if track.ID == "" {
		return badRequest("track id is required")
	}
	if len(track.Sources()) == 0 {
		return badRequest("track %s has no source url", track.ID)
	}
	return nil
}

func (manager *Manager) handleHealth(c *gin.Context) {
	rm := manager.Engine.ReadModel()
	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"session":         rm.SessionID,
		"storageDegraded": rm.StorageDegraded,
	})
}

func (manager *Manager) handleView(c *gin.Context) {
	c.JSON(http.StatusOK, manager.Engine.ReadModel())
}

func (manager *Manager) handlePlay(c *gin.Context) (any, error) {
	var req PlayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, badRequest("invalid play request: %v", err)
		}
	}
	if req.Track != nil {
		if err := validateTrack(*req.Track); err != nil {
			return nil, err
		}
	}
	manager.Engine.Play(req.Track)
	return nil, nil
}

func (manager *Manager) handlePause(c *gin.Context) (any, error) {
	manager.Engine.Pause()
	return nil, nil
}

func (manager *Manager) handleSeek(c *gin.Context) (any, error) {
	var req SeekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, badRequest("invalid seek request: %v", err)
	}
	position := time.Duration(*req.Position * float64(time.Second))
	if err := manager.Engine.Seek(position); err != nil {
		return nil, err
	}
	return nil, nil
}

func (manager *Manager) handleVolume(c *gin.Context) (any, error) {
	var req VolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, badRequest("invalid volume request: %v", err)
	}
	manager.Engine.SetVolume(*req.Volume)
	return nil, nil
}

func (manager *Manager) handleNext(c *gin.Context) (any, error) {
	moved := manager.Engine.Next()
	return gin.H{"moved": moved, "player": manager.Engine.ReadModel()}, nil
}

func (manager *Manager) handlePrevious(c *gin.Context) (any, error) {
	moved := manager.Engine.Previous()
	return gin.H{"moved": moved, "player": manager.Engine.ReadModel()}, nil
}

func (manager *Manager) handleQueue(c *gin.Context) (any, error) {
	var req QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, badRequest("invalid queue request: %v", err)
	}
	if len(req.Tracks) == 0 {
		return nil, badRequest("no tracks to add")
	}
	for _, track := range req.Tracks {
		if err := validateTrack(track); err != nil {
			return nil, err
		}
	}
	manager.Engine.AddTrack(req.Tracks...)
	return nil, nil
}

func (manager *Manager) handleRemove(c *gin.Context) (any, error) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return nil, badRequest("invalid index %q", c.Param("index"))
	}
	if err := manager.Engine.RemoveTrack(index); err != nil {
		return nil, err
	}
	return nil, nil
}

func (manager *Manager) handleReorder(c *gin.Context) (any, error) {
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, badRequest("invalid reorder request: %v", err)
	}
	if err := manager.Engine.Reorder(*req.From, *req.To); err != nil {
		return nil, err
	}
	return nil, nil
}

func (manager *Manager) handleShuffle(c *gin.Context) (any, error) {
	manager.Engine.ToggleShuffle()
	return nil, nil
}

func (manager *Manager) handleRepeat(c *gin.Context) (any, error) {
	manager.Engine.ToggleRepeat()
	return nil, nil
}

func (manager *Manager) handleUndo(c *gin.Context) (any, error) {
	return nil, manager.Engine.Undo()
}

func (manager *Manager) handleRedo(c *gin.Context) (any, error) {
	return nil, manager.Engine.Redo()
}

func (manager *Manager) handleMode(c *gin.Context) (any, error) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, badRequest("invalid mode request: %v", err)
	}
	return nil, manager.Engine.SetPlayerMode(req.Mode)
}

func (manager *Manager) handleResetMetrics(c *gin.Context) (any, error) {
	return manager.Engine.ResetMetrics(), nil
}

// handleEvents streams engine events as server-sent events. The first event is
// always the full read model.
func (manager *Manager) handleEvents(c *gin.Context) {
	events := make(chan engine.Event, eventBuffer)
	unsubscribe := manager.Engine.Subscribe(func(ev engine.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	manager.logger.Debug("event stream opened")
	c.Header("Cache-Control", "no-cache")
	c.SSEvent("snapshot", manager.Engine.ReadModel())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev := <-events:
			name, payload := encodeEvent(ev)
			c.SSEvent(name, payload)
			return true
		}
	})
	manager.logger.Debug("event stream closed")
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func encodeEvent(ev engine.Event) (string, any) {
	switch ev := ev.(type) {
	case engine.StateChanged:
		return "state", gin.H{"seq": ev.Seq, "change": ev.Change, "state": ev.State}
	case engine.TimeUpdate:
		return "time", gin.H{
			"trackId":     ev.TrackID,
			"currentTime": ev.CurrentTime.Seconds(),
			"duration":    ev.Duration.Seconds(),
			"provisional": ev.Provisional,
		}
	case engine.BufferChanged:
		return "buffer", ev.State
	case engine.MetricsUpdated:
		return "metrics", ev.Metrics
	case engine.TrackUnplayable:
		return "unplayable", gin.H{"trackId": ev.TrackID, "error": errorText(ev.Err)}
	case engine.PlaybackFailed:
		return "error", gin.H{"trackId": ev.TrackID, "error": errorText(ev.Err)}
	default:
		return "unknown", nil
	}
}
