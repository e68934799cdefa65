// Package singleflight guards a logical job against concurrent executions
// with a persisted running flag.
package singleflight

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fitglue/stravasync/pkg/observability"
	"github.com/fitglue/stravasync/pkg/types"
)

// DefaultLease bounds how long a crashed holder can block the job.
const DefaultLease = 30 * time.Minute

// StatusStore persists RunningStatus records. UpdateRunningStatus must run fn
// as an atomic read-modify-write.
type StatusStore interface {
	GetRunningStatus(ctx context.Context, job string) (*types.RunningStatus, error)
	UpdateRunningStatus(ctx context.Context, job string, fn func(*types.RunningStatus) (*types.RunningStatus, error)) error
	SetRunningStatus(ctx context.Context, status *types.RunningStatus) error
}

// Guard hands out the running flag of a job to at most one caller at a time.
// A zero lease disables expiry, in which case a holder that never releases
// blocks the job until Reset.
type Guard struct {
	store  StatusStore
	lease  time.Duration
	owner  string
	now    func() time.Time
	logger *slog.Logger
}

func NewGuard(store StatusStore, lease time.Duration, logger *slog.Logger) *Guard {
	return &Guard{
		store:  store,
		lease:  lease,
		owner:  uuid.NewString(),
		now:    time.Now,
		logger: logger.With("component", "singleflight"),
	}
}

// TryAcquire sets the running flag of job and returns true, or returns false
// without modification when another execution holds it.
func (g *Guard) TryAcquire(ctx context.Context, job string) (bool, error) {
	var acquired, reclaimed bool
	var previousOwner string

	err := g.store.UpdateRunningStatus(ctx, job, func(cur *types.RunningStatus) (*types.RunningStatus, error) {
		now := g.now().UTC()
		acquired, reclaimed, previousOwner = false, false, ""

		if cur != nil && cur.IsRunning {
			if g.lease <= 0 || cur.LeaseExpiresAt.IsZero() || now.Before(cur.LeaseExpiresAt) {
				return nil, nil
			}
			reclaimed = true
			previousOwner = cur.Owner
		}

		acquired = true
		next := &types.RunningStatus{
			JobName:     job,
			IsRunning:   true,
			LastUpdated: now,
			Owner:       g.owner,
		}
		if g.lease > 0 {
			next.LeaseExpiresAt = now.Add(g.lease)
		}
		return next, nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", job, err)
	}

	switch {
	case reclaimed:
		observability.GuardAcquisitions.WithLabelValues(job, "reclaimed").Inc()
		g.logger.Warn("Reclaimed expired run guard", "job", job, "previous_owner", previousOwner)
	case acquired:
		observability.GuardAcquisitions.WithLabelValues(job, "acquired").Inc()
		g.logger.Info("Acquired run guard", "job", job)
	default:
		observability.GuardAcquisitions.WithLabelValues(job, "contended").Inc()
		g.logger.Info("Run guard already held", "job", job)
	}
	return acquired, nil
}

// Release clears the running flag held by this guard. A flag that was
// reclaimed by another owner after this guard's lease expired is left alone.
func (g *Guard) Release(ctx context.Context, job string) error {
	var foreignOwner string
	err := g.store.UpdateRunningStatus(ctx, job, func(cur *types.RunningStatus) (*types.RunningStatus, error) {
		foreignOwner = ""
		if cur != nil && cur.IsRunning && cur.Owner != "" && cur.Owner != g.owner {
			foreignOwner = cur.Owner
			return nil, nil
		}
		return &types.RunningStatus{
			JobName:     job,
			IsRunning:   false,
			LastUpdated: g.now().UTC(),
		}, nil
	})
	if err != nil {
		g.logger.Error("Failed to release run guard", "job", job, "error", err)
		return fmt.Errorf("release %s: %w", job, err)
	}
	if foreignOwner != "" {
		g.logger.Warn("Run guard was reclaimed by another owner, leaving it held", "job", job, "owner", foreignOwner)
		return nil
	}
	g.logger.Info("Released run guard", "job", job)
	return nil
}

// Reset is the administrative release of a wedged guard. It clears the flag
// whoever holds it.
func (g *Guard) Reset(ctx context.Context, job string) (*types.RunningStatus, error) {
	prev, err := g.store.GetRunningStatus(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("reset %s: %w", job, err)
	}
	err = g.store.SetRunningStatus(ctx, &types.RunningStatus{
		JobName:     job,
		IsRunning:   false,
		LastUpdated: g.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("reset %s: %w", job, err)
	}
	g.logger.Warn("Run guard reset by operator", "job", job)
	return prev, nil
}

// Status returns the persisted flag, or nil if the job never ran.
func (g *Guard) Status(ctx context.Context, job string) (*types.RunningStatus, error) {
	return g.store.GetRunningStatus(ctx, job)
}
