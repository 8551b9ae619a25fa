package sentry

import (
	sentry "github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"playdeck/config"
)

func Init(cfg config.SentryConfig) {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Release:          cfg.Release,
		TracesSampleRate: 1.0,
	}); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
}

func GetSentryGin() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{Repanic: true})
}

func ReportError(err error) {
	sentry.CaptureException(err)
}

// SetContext attaches name to every event reported by this process.
func SetContext(name string, value map[string]interface{}) {
	sentry.CurrentHub().ConfigureScope(func(scope *sentry.Scope) {
		scope.SetContext(name, value)
	})
}
