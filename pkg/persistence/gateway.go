// Package persistence wraps a storage.Store with jittered exponential backoff.
package persistence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fitglue/stravasync/pkg/observability"
	"github.com/fitglue/stravasync/pkg/storage"
	"github.com/fitglue/stravasync/pkg/syncerrors"
)

const (
	DefaultMaxRetries = 5

	// Delays are drawn uniformly from [0, 2*interval), so the first is below
	// one second and none exceeds five.
	initialInterval = 500 * time.Millisecond
	maxInterval     = 2500 * time.Millisecond
)

// Gateway is the only path from the pipeline to the document store. Every
// operation is retried with backoff and exhaustion surfaces a
// syncerrors.PersistenceError.
type Gateway struct {
	store      storage.Store
	logger     *slog.Logger
	maxRetries int

	// NewBackOff builds the retry schedule for one operation. Tests replace it
	// to avoid sleeping.
	NewBackOff func() backoff.BackOff
}

func NewGateway(store storage.Store, logger *slog.Logger, maxRetries int) *Gateway {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Gateway{
		store:      store,
		logger:     logger.With("component", "persistence"),
		maxRetries: maxRetries,
		NewBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.RandomizationFactor = 1
	b.Multiplier = 2
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	return b
}

// Store exposes the underlying store for callers that need no retries, such
// as health checks.
func (g *Gateway) Store() storage.Store {
	return g.store
}

// Upsert writes item as a single document. The write is all-or-nothing for
// the item.
func (g *Gateway) Upsert(ctx context.Context, collection, id string, item storage.Document) error {
	return g.retry(ctx, "upsert", collection, id, func() error {
		return g.store.Set(ctx, collection, id, item)
	})
}

// Get returns storage.ErrNotFound unwrapped and unretried when the key is
// absent.
func (g *Gateway) Get(ctx context.Context, collection, id string) (storage.Document, error) {
	var doc storage.Document
	err := g.retry(ctx, "get", collection, id, func() error {
		var err error
		doc, err = g.store.Get(ctx, collection, id)
		return err
	})
	return doc, err
}

func (g *Gateway) Read(ctx context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	var docs []storage.Document
	err := g.retry(ctx, "read", collection, "", func() error {
		var err error
		docs, err = g.store.Query(ctx, collection, q)
		return err
	})
	return docs, err
}

// Update runs a transactional read-modify-write. Errors returned by fn are
// treated as permanent.
func (g *Gateway) Update(ctx context.Context, collection, id string, fn storage.UpdateFunc) error {
	return g.retry(ctx, "update", collection, id, func() error {
		var fnErr error
		err := g.store.Update(ctx, collection, id, func(cur storage.Document) (storage.Document, error) {
			next, err := fn(cur)
			fnErr = err
			return next, err
		})
		if fnErr != nil {
			return backoff.Permanent(&callerError{fnErr})
		}
		return err
	})
}

func (g *Gateway) retry(ctx context.Context, op, collection, id string, fn func() error) error {
	attempts := 0
	operation := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(errors.Join(ctxErr, err))
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		observability.PersistenceRetries.WithLabelValues(op, collection).Inc()
		g.logger.Warn("Persistence operation failed, retrying",
			"op", op, "collection", collection, "id", id,
			"attempt", attempts, "delay", delay, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(g.NewBackOff(), uint64(g.maxRetries)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		if attempts > 1 {
			g.logger.Info("Persistence operation succeeded after retry", "op", op, "collection", collection, "id", id, "attempts", attempts)
		}
		return nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	var ce *callerError
	if errors.As(err, &ce) {
		return ce.err
	}
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}

	observability.PersistenceFailures.WithLabelValues(op, collection).Inc()
	g.logger.Error("Persistence operation failed", "op", op, "collection", collection, "id", id, "attempts", attempts, "error", err)
	return &syncerrors.PersistenceError{Op: op, Collection: collection, Attempts: attempts, Err: err}
}

// callerError carries an error returned by an UpdateFunc through the retry
// loop so it reaches the caller unchanged.
type callerError struct {
	err error
}

func (e *callerError) Error() string { return e.err.Error() }
func (e *callerError) Unwrap() error { return e.err }

// Set and Query let the gateway stand in for a storage.Store, so typed
// collections get retries transparently.
func (g *Gateway) Set(ctx context.Context, collection, id string, doc storage.Document) error {
	return g.Upsert(ctx, collection, id, doc)
}

func (g *Gateway) Query(ctx context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	return g.Read(ctx, collection, q)
}

func (g *Gateway) Close() error {
	return g.store.Close()
}

var _ storage.Store = (*Gateway)(nil)
