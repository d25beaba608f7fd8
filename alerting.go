package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

// initSentry is a no-op without a DSN; capture calls then drop events.
func initSentry(cfg SentryConfig) error {
	if cfg.DSN == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
}

func flushSentry() {
	sentry.Flush(2 * time.Second)
}

func reportFatal(err error, d Delivery) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("message_id", d.ID)
		scope.SetExtra("receive_count", d.ReceiveCount)
		var pe *ProcessingError
		if errors.As(err, &pe) {
			scope.SetTag("stage", string(pe.Stage))
			scope.SetTag("kind", pe.Kind.String())
		}
		sentry.CaptureException(err)
	})
}

func reportPanic(r any, d Delivery) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("message_id", d.ID)
		sentry.CaptureException(fmt.Errorf("panic while handling message: %v", r))
	})
}
