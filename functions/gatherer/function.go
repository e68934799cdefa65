package gatherer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitglue/stravasync/pkg/bootstrap"
	"github.com/fitglue/stravasync/pkg/framework"
	"github.com/fitglue/stravasync/pkg/gather"
	"github.com/fitglue/stravasync/pkg/syncerrors"
)

var (
	svc     *bootstrap.Service
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("GatherActivities", GatherActivities)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	svcOnce.Do(func() {
		svc, svcErr = bootstrap.NewService(ctx, "gatherer")
		if svcErr != nil {
			slog.Error("Failed to initialize service", "error", svcErr)
		}
	})
	return svc, svcErr
}

// GatherActivities is the entry point
func GatherActivities(ctx context.Context, e event.Event) error {
	svc, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %v", err)
	}
	return framework.WrapCloudEvent("gatherer", svc, gatherHandler(svc.Gatherer()))(ctx, e)
}

// Runner runs one gather for a user.
type Runner interface {
	Gather(ctx context.Context, userID string) (*gather.Result, error)
}

// GatherRequest is the trigger payload.
type GatherRequest struct {
	UserID string `json:"userId"`
}

// gatherHandler contains the business logic. A deferred run is acknowledged
// so the scheduler, not redelivery, decides when to try again.
func gatherHandler(runner Runner) framework.HandlerFunc {
	return func(ctx context.Context, e event.Event, fwCtx *framework.FrameworkContext) (interface{}, error) {
		var req GatherRequest
		if err := json.Unmarshal(e.Data(), &req); err != nil || req.UserID == "" {
			vErr := &syncerrors.ValidationError{Field: "userId", Reason: "missing or malformed gather request", Err: err}
			fwCtx.Logger.Warn("Dropping gather request", "error", vErr)
			return map[string]interface{}{"status": string(syncerrors.OutcomeFailed), "error": vErr.Error()}, nil
		}

		fwCtx.Logger.Info("Starting gather", "user_id", req.UserID)
		res, err := runner.Gather(ctx, req.UserID)
		if err != nil && syncerrors.IsExpected(err) {
			return res, nil
		}
		return res, err
	}
}
