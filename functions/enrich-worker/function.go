package enrichworker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitglue/stravasync/pkg/bootstrap"
	"github.com/fitglue/stravasync/pkg/framework"
)

var (
	svc     *bootstrap.Service
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("ProcessEnrichmentMessage", ProcessEnrichmentMessage)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	svcOnce.Do(func() {
		svc, svcErr = bootstrap.NewService(ctx, "enrich-worker")
		if svcErr != nil {
			slog.Error("Failed to initialize service", "error", svcErr)
		}
	})
	return svc, svcErr
}

// ProcessEnrichmentMessage is the entry point for the enrichment
// subscription.
func ProcessEnrichmentMessage(ctx context.Context, e event.Event) error {
	svc, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %v", err)
	}
	return framework.WrapCloudEvent("enrich-worker", svc, workerHandler(svc.EnrichmentHandler()))(ctx, e)
}

// MessageHandler handles one raw queue message. A returned error asks for
// redelivery.
type MessageHandler interface {
	Handle(ctx context.Context, data []byte, attempt int) error
}

// workerHandler passes the message payload and the Pub/Sub delivery attempt
// to the queue handler, which dead-letters poison messages itself.
func workerHandler(h MessageHandler) framework.HandlerFunc {
	return func(ctx context.Context, e event.Event, fwCtx *framework.FrameworkContext) (interface{}, error) {
		attempt := max(fwCtx.DeliveryAttempt, 1)
		if err := h.Handle(ctx, e.Data(), attempt); err != nil {
			return map[string]interface{}{"status": "deferred", "attempt": attempt}, err
		}
		return map[string]interface{}{"status": "success", "attempt": attempt}, nil
	}
}
