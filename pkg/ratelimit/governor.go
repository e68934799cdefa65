// Package ratelimit tracks the two-window call budget of a remote API.
//
// The budget is persisted so that it survives restarts. Windows reset lazily:
// every admission check compares the clock with the next 15-minute and UTC
// midnight boundaries after the stored reset timestamps, so no background
// timer is needed. Calls made during a run are accumulated in memory with
// Commit and written once with Flush.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fitglue/stravasync/pkg/observability"
	"github.com/fitglue/stravasync/pkg/types"
)

// ShortWindow is the length of the short rate-limit window.
const ShortWindow = 15 * time.Minute

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// StatusStore persists RateLimitStatus records. Get returns nil, nil when
// the service has no record yet.
type StatusStore interface {
	GetRateLimitStatus(ctx context.Context, service string) (*types.RateLimitStatus, error)
	SetRateLimitStatus(ctx context.Context, status *types.RateLimitStatus) error
}

// Limits are the configured window sizes.
type Limits struct {
	Short int
	Daily int
}

// Admission is the result of an admission check.
type Admission struct {
	Admitted       bool
	CallsAvailable int
	NextResetAt    time.Time
}

// Governor is constructed per process and injected into the pipeline stages.
// It is safe for concurrent use.
type Governor struct {
	store   StatusStore
	service string
	limits  Limits
	clock   Clock
	logger  *slog.Logger

	mu      sync.Mutex
	pending int
}

func NewGovernor(store StatusStore, service string, limits Limits, clock Clock, logger *slog.Logger) *Governor {
	if clock == nil {
		clock = SystemClock
	}
	return &Governor{
		store:   store,
		service: service,
		limits:  limits,
		clock:   clock,
		logger:  logger.With("component", "ratelimit", "rate_service", service),
	}
}

// Service is the name of the governed remote service.
func (g *Governor) Service() string {
	return g.service
}

// CheckAdmission reports whether callsNeeded calls fit into the remaining
// budget of both windows. Calls committed but not yet flushed count as used.
func (g *Governor) CheckAdmission(ctx context.Context, callsNeeded int) (*Admission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	status, err := g.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	shortRemaining := status.ShortWindowLimit - status.ShortWindowCount - g.pending
	dailyRemaining := status.DailyLimit - status.DailyCount - g.pending
	available := max(0, min(shortRemaining, dailyRemaining))
	observability.RecordRateLimit(g.service, max(0, shortRemaining), max(0, dailyRemaining))

	// The short boundary is reported only when the short window alone gates
	// admission; otherwise the daily boundary applies.
	adm := &Admission{
		CallsAvailable: available,
		NextResetAt:    nextDailyReset(status.DailyResetAt),
	}
	if shortRemaining < callsNeeded && dailyRemaining >= callsNeeded {
		adm.NextResetAt = nextShortReset(status.ShortWindowResetAt)
	}

	if callsNeeded > status.ShortWindowLimit || callsNeeded > status.DailyLimit {
		g.logger.Warn("Admission request exceeds window limits", "calls_needed", callsNeeded,
			"short_limit", status.ShortWindowLimit, "daily_limit", status.DailyLimit)
		return adm, nil
	}

	adm.Admitted = available-callsNeeded >= 0
	g.logger.Debug("Admission checked", "calls_needed", callsNeeded, "calls_available", available, "admitted", adm.Admitted)
	return adm, nil
}

// Commit records n calls made during the current run.
func (g *Governor) Commit(n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.pending += n
	g.mu.Unlock()
}

// Pending returns the calls committed since the last flush.
func (g *Governor) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Flush adds the accumulated calls to both windows and persists them. Counts
// never exceed the limits; overshoot is clamped and logged.
func (g *Governor) Flush(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == 0 {
		return nil
	}

	status, err := g.loadLocked(ctx)
	if err != nil {
		return err
	}

	status.ShortWindowCount += g.pending
	status.DailyCount += g.pending
	if status.ShortWindowCount > status.ShortWindowLimit || status.DailyCount > status.DailyLimit {
		g.logger.Warn("Committed calls exceed window limits, clamping",
			"short_count", status.ShortWindowCount, "short_limit", status.ShortWindowLimit,
			"daily_count", status.DailyCount, "daily_limit", status.DailyLimit)
		status.ShortWindowCount = min(status.ShortWindowCount, status.ShortWindowLimit)
		status.DailyCount = min(status.DailyCount, status.DailyLimit)
	}

	if err := g.store.SetRateLimitStatus(ctx, status); err != nil {
		return fmt.Errorf("flush rate limit status: %w", err)
	}
	g.logger.Info("Rate limit usage flushed", "calls", g.pending,
		"short_count", status.ShortWindowCount, "daily_count", status.DailyCount)
	g.pending = 0
	return nil
}

// Status returns the current persisted budget after applying lazy resets.
func (g *Governor) Status(ctx context.Context) (*types.RateLimitStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loadLocked(ctx)
}

// Saturate marks the short window as exhausted. It is used when the remote
// API rejects a request with 429 even though the local budget had room.
func (g *Governor) Saturate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	status, err := g.loadLocked(ctx)
	if err != nil {
		return err
	}
	status.ShortWindowCount = status.ShortWindowLimit
	g.logger.Warn("Remote quota exhausted, saturating short window", "next_reset_at", nextShortReset(status.ShortWindowResetAt))
	return g.store.SetRateLimitStatus(ctx, status)
}

// loadLocked reads the status, initializes it when absent and applies the
// lazy reset. Changes are persisted before returning.
func (g *Governor) loadLocked(ctx context.Context) (*types.RateLimitStatus, error) {
	now := g.clock.Now().UTC()

	status, err := g.store.GetRateLimitStatus(ctx, g.service)
	if err != nil {
		return nil, fmt.Errorf("load rate limit status: %w", err)
	}

	dirty := false
	if status == nil {
		status = &types.RateLimitStatus{
			ServiceName:        g.service,
			ShortWindowResetAt: now.Truncate(ShortWindow),
			DailyResetAt:       midnight(now),
		}
		dirty = true
	}
	if status.ShortWindowLimit != g.limits.Short || status.DailyLimit != g.limits.Daily {
		status.ShortWindowLimit = g.limits.Short
		status.DailyLimit = g.limits.Daily
		dirty = true
	}

	if !now.Before(nextShortReset(status.ShortWindowResetAt)) {
		status.ShortWindowCount = 0
		status.ShortWindowResetAt = now.Truncate(ShortWindow)
		dirty = true
	}
	if !now.Before(nextDailyReset(status.DailyResetAt)) {
		status.DailyCount = 0
		status.DailyResetAt = midnight(now)
		dirty = true
	}

	// A lowered limit may leave counts above it until the next reset.
	status.ShortWindowCount = max(0, status.ShortWindowCount)
	status.DailyCount = max(0, status.DailyCount)

	if dirty {
		if err := g.store.SetRateLimitStatus(ctx, status); err != nil {
			return nil, fmt.Errorf("persist rate limit status: %w", err)
		}
	}
	return status, nil
}

func nextShortReset(last time.Time) time.Time {
	return last.UTC().Truncate(ShortWindow).Add(ShortWindow)
}

func nextDailyReset(last time.Time) time.Time {
	return midnight(last).AddDate(0, 0, 1)
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
