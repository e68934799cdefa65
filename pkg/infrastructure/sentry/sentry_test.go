package sentry

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/getsentry/sentry-go"
)

func TestInitWithoutDSN(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Init(Config{}, logger); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Enabled() {
		t.Error("expected Sentry to stay disabled without a DSN")
	}
	// Disabled capture must not panic.
	CaptureException(errors.New("boom"), map[string]string{"service": "test"}, logger)
	if !Flush(0) {
		t.Error("expected Flush to report success while disabled")
	}
}

func TestScrubRemovesCredentials(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{Headers: map[string]string{
		"Authorization": "Bearer abc",
		"Cookie":        "session=1",
		"Accept":        "application/json",
	}}}
	got := scrub(event, nil)
	if _, ok := got.Request.Headers["Authorization"]; ok {
		t.Error("Authorization header not removed")
	}
	if _, ok := got.Request.Headers["Cookie"]; ok {
		t.Error("Cookie header not removed")
	}
	if got.Request.Headers["Accept"] != "application/json" {
		t.Error("unrelated header removed")
	}
}
