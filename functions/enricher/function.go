package enricher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/bootstrap"
	"github.com/fitglue/stravasync/pkg/enrich"
	"github.com/fitglue/stravasync/pkg/framework"
	"github.com/fitglue/stravasync/pkg/syncerrors"
)

var (
	svc     *bootstrap.Service
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("EnrichActivities", EnrichActivities)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	svcOnce.Do(func() {
		svc, svcErr = bootstrap.NewService(ctx, "enricher")
		if svcErr != nil {
			slog.Error("Failed to initialize service", "error", svcErr)
		}
	})
	return svc, svcErr
}

// EnrichActivities is the entry point
func EnrichActivities(ctx context.Context, e event.Event) error {
	svc, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %v", err)
	}
	return framework.WrapCloudEvent("enricher", svc, enrichHandler(svc.Enricher(), svc.Pub))(ctx, e)
}

// Runner is the enricher surface used by the function.
type Runner interface {
	Enrich(ctx context.Context) (*enrich.Result, error)
	FanOut(ctx context.Context, publisher shared.Publisher, topic string) (*enrich.FanOutResult, error)
}

// Modes of the scheduled trigger.
const (
	ModeInline = "inline"
	ModeFanOut = "fanout"
)

// EnrichRequest is the optional trigger payload.
type EnrichRequest struct {
	Mode  string `json:"mode"`
	Topic string `json:"topic"`
}

// enrichHandler runs one batch, either inline or by publishing one queue
// message per pending activity.
func enrichHandler(runner Runner, publisher shared.Publisher) framework.HandlerFunc {
	return func(ctx context.Context, e event.Event, fwCtx *framework.FrameworkContext) (interface{}, error) {
		req := EnrichRequest{Mode: ModeInline}
		if data := e.Data(); len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				fwCtx.Logger.Warn("Ignoring malformed enrich request", "error", err)
				req = EnrichRequest{Mode: ModeInline}
			}
		}

		var (
			res interface{}
			err error
		)
		switch req.Mode {
		case ModeFanOut:
			topic := req.Topic
			if topic == "" {
				topic = shared.TopicEnrichJob
			}
			fwCtx.Logger.Info("Starting enrichment fan-out", "topic", topic)
			res, err = runner.FanOut(ctx, publisher, topic)
		default:
			fwCtx.Logger.Info("Starting enrichment batch")
			res, err = runner.Enrich(ctx)
		}

		if err != nil && syncerrors.IsExpected(err) {
			fwCtx.Logger.Info("Enrichment deferred", "reason", err.Error())
			return res, nil
		}
		return res, err
	}
}
