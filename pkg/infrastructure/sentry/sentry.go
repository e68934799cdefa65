// Package sentry reports hard pipeline failures to Sentry. Every call is a
// no-op until Init succeeds with a DSN.
package sentry

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

type Config struct {
	DSN              string
	Environment      string
	Release          string
	ServerName       string
	TracesSampleRate float64
}

var enabled atomic.Bool

// Init initializes Sentry. Safe to call multiple times.
func Init(cfg Config, logger *slog.Logger) error {
	if cfg.DSN == "" {
		logger.Warn("Sentry DSN not configured - error tracking disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       cfg.ServerName,
		TracesSampleRate: cfg.TracesSampleRate,
		BeforeSend:       scrub,
	})
	if err != nil {
		logger.Error("Failed to initialize Sentry", "error", err)
		return fmt.Errorf("sentry init: %w", err)
	}

	enabled.Store(true)
	logger.Info("Sentry initialized", "environment", cfg.Environment)
	return nil
}

// Enabled reports whether events are being sent.
func Enabled() bool {
	return enabled.Load()
}

func scrub(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event.Request != nil && event.Request.Headers != nil {
		delete(event.Request.Headers, "Authorization")
		delete(event.Request.Headers, "Cookie")
	}
	return event
}

// CaptureException reports err with the given tags on an isolated scope.
func CaptureException(err error, tags map[string]string, logger *slog.Logger) {
	if err == nil || !Enabled() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
	logger.Debug("Exception captured in Sentry", "error", err.Error())
}

// Flush waits for buffered events. Call before the process exits.
func Flush(timeout time.Duration) bool {
	if !Enabled() {
		return true
	}
	return sentry.Flush(timeout)
}

// RecoverAndCapture reports a panic and re-panics.
func RecoverAndCapture(logger *slog.Logger) {
	if r := recover(); r != nil {
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", r)
		}
		CaptureException(err, nil, logger)
		Flush(2 * time.Second)
		panic(r)
	}
}
