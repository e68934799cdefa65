// Package kafka carries enrichment messages over Kafka: a consumer loop
// that feeds queue.Handler and a CloudEvents publisher.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/fitglue/stravasync/pkg/queue"
	"github.com/fitglue/stravasync/pkg/syncerrors"
)

// Reader describes the kafka.Reader functions the consumer interacts with.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Consumer redelivers each message to the handler in-process until the
// handler acknowledges it, then commits the offset. Kafka has no per-message
// redelivery, so attempts are counted here.
type Consumer struct {
	reader  Reader
	handler *queue.Handler
	logger  *slog.Logger

	// MaxQuotaWait bounds a single wait for a rate-limit window to reset.
	MaxQuotaWait time.Duration
	newBackOff   func() backoff.BackOff
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

func NewConsumer(reader Reader, handler *queue.Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:       reader,
		handler:      handler,
		logger:       logger.With("component", "kafka-consumer"),
		MaxQuotaWait: 15 * time.Minute,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		sleep: sleepContext,
		now:   time.Now,
	}
}

// Run consumes messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.Warn("Fetch failed", "error", err)
			continue
		}

		if err := c.deliver(ctx, msg); err != nil {
			// Cancelled mid-delivery: leave the offset uncommitted so the
			// message is redelivered after restart.
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("Commit failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) error {
	b := c.newBackOff()
	attempt := 1
	for {
		err := c.handler.Handle(ctx, msg.Value, attempt)
		if err == nil {
			return nil
		}

		var wait time.Duration
		var quota *syncerrors.QuotaExceededError
		if errors.As(err, &quota) {
			// Deferral is not a failed attempt.
			wait = min(max(quota.NextResetAt.Sub(c.now()), time.Second), c.MaxQuotaWait)
		} else {
			attempt++
			wait = b.NextBackOff()
		}
		c.logger.Info("Redelivering message", "topic", msg.Topic, "offset", msg.Offset,
			"attempt", attempt, "wait", wait.String(), "reason", err.Error())
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
