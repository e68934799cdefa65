package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fitglue/stravasync/pkg/observability"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

// DefaultMaxAttempts is the number of deliveries after which a failing
// message is dead-lettered.
const DefaultMaxAttempts = 5

// Processor handles one decoded message.
type Processor interface {
	Process(ctx context.Context, msg types.EnrichmentMessage) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg types.EnrichmentMessage) error

func (f ProcessorFunc) Process(ctx context.Context, msg types.EnrichmentMessage) error {
	return f(ctx, msg)
}

// PoisonSink records dead-lettered messages.
type PoisonSink interface {
	SetPoisonRecord(ctx context.Context, record *types.PoisonRecord) error
}

// Handler applies the delivery policy shared by every transport: invalid
// messages and messages that keep failing are recorded in the poison sink
// and acknowledged; other failures are returned so the transport redelivers.
type Handler struct {
	processor   Processor
	sink        PoisonSink
	queue       string
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewHandler(processor Processor, sink PoisonSink, queue string, maxAttempts int, logger *slog.Logger) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Handler{
		processor:   processor,
		sink:        sink,
		queue:       queue,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "queue", "queue", queue),
		now:         time.Now,
	}
}

// MaxAttempts is the configured delivery limit.
func (h *Handler) MaxAttempts() int {
	return h.maxAttempts
}

// Handle processes one delivery. attempt is 1-based. A nil return means the
// message may be acknowledged.
func (h *Handler) Handle(ctx context.Context, data []byte, attempt int) error {
	msg, err := Decode(data)
	if err != nil {
		h.logger.Warn("Rejecting invalid message", "error", err)
		return h.poison(ctx, msg, data, attempt, err)
	}

	logger := h.logger.With("activity_id", msg.ActivityID, "user_id", msg.UserID, "attempt", attempt)
	err = h.processor.Process(ctx, msg)
	switch {
	case err == nil:
		logger.Info("Message processed")
		return nil
	case syncerrors.IsExpected(err):
		logger.Info("Message deferred", "reason", err.Error())
		return err
	case attempt >= h.maxAttempts:
		logger.Error("Message failed permanently", "error", err)
		return h.poison(ctx, msg, data, attempt, err)
	default:
		logger.Warn("Message failed, will retry", "error", err)
		return err
	}
}

func (h *Handler) poison(ctx context.Context, msg types.EnrichmentMessage, data []byte, attempt int, cause error) error {
	record := &types.PoisonRecord{
		ID:         uuid.NewString(),
		Status:     "failed",
		Message:    cause.Error(),
		UserID:     msg.UserID,
		ActivityID: msg.ActivityID,
		Timestamp:  h.now().UTC(),
		Queue:      h.queue,
		Attempts:   attempt,
		Payload:    string(data),
	}
	if err := h.sink.SetPoisonRecord(context.WithoutCancel(ctx), record); err != nil {
		h.logger.Error("Failed to record poison message", "error", err)
		return fmt.Errorf("record poison message: %w", errors.Join(err, cause))
	}
	observability.PoisonMessages.WithLabelValues(h.queue).Inc()
	return nil
}
