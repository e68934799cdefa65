package framework

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitglue/stravasync/pkg/bootstrap"
	"github.com/fitglue/stravasync/pkg/execution"
	"github.com/fitglue/stravasync/pkg/infrastructure/sentry"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

// FrameworkContext contains dependencies injected by the framework
type FrameworkContext struct {
	Service     *bootstrap.Service
	Logger      *slog.Logger
	ExecutionID string
	// DeliveryAttempt is the Pub/Sub delivery attempt, starting at 1. It is
	// 1 for triggers that do not report attempts.
	DeliveryAttempt int
}

// HandlerFunc is the signature for a cloud function handler
type HandlerFunc func(ctx context.Context, e event.Event, fwCtx *FrameworkContext) (interface{}, error)

// WrapCloudEvent wraps a handler with execution logging. Pub/Sub envelopes
// carrying a binary-mode CloudEvent are unwrapped so the handler sees the
// published event.
func WrapCloudEvent(serviceName string, svc *bootstrap.Service, handler HandlerFunc) func(context.Context, event.Event) error {
	return func(ctx context.Context, e event.Event) error {
		inner, attempt := unwrapPubSub(e)
		userID, testRunID := extractEventMetadata(e, inner)

		triggerType := "pubsub"
		if e.Type() == "google.cloud.functions.http" {
			triggerType = "http"
		}

		logger := svc.Logger
		if logger == nil {
			logger = bootstrap.NewLogger(serviceName, slog.LevelInfo)
		}
		logger = logger.With("function", serviceName)
		if userID != "" {
			logger = logger.With("user_id", userID)
		}

		execID, err := execution.LogStart(ctx, svc.DB, serviceName, execution.ExecutionOptions{
			UserID:      userID,
			TestRunID:   testRunID,
			TriggerType: triggerType,
		})
		if err != nil {
			// Execution tracking must not block the pipeline
			logger.Error("Failed to log execution start", "error", err)
		}

		logger = logger.With("execution_id", execID)
		logger.Info("Function started", "event_type", inner.Type(), "attempt", attempt)

		fwCtx := &FrameworkContext{
			Service:         svc,
			Logger:          logger,
			ExecutionID:     execID,
			DeliveryAttempt: attempt,
		}

		outputs, handlerErr := handler(ctx, inner, fwCtx)

		if handlerErr != nil {
			if syncerrors.IsExpected(handlerErr) {
				logger.Info("Function deferred", "reason", handlerErr.Error())
				if logErr := execution.LogExecutionStatus(ctx, svc.DB, execID, types.ExecutionDeferred, outputs); logErr != nil {
					logger.Warn("Failed to log execution status", "error", logErr)
				}
				return handlerErr
			}
			logger.Error("Function failed", "error", handlerErr)
			sentry.CaptureException(handlerErr, map[string]string{
				"function":     serviceName,
				"execution_id": execID,
			}, logger)
			sentry.Flush(2 * time.Second)
			if logErr := execution.LogFailure(ctx, svc.DB, execID, handlerErr, outputs); logErr != nil {
				logger.Warn("Failed to log execution failure", "error", logErr)
			}
			return handlerErr
		}

		if custom := outputStatus(outputs); custom != "" {
			status, ok := execution.StatusFromOutcome(custom)
			if !ok {
				logger.Warn("Unknown custom status returned", "status", custom)
				status = types.ExecutionSuccess
			}
			logger.Info("Function completed", "status", status)
			if logErr := execution.LogExecutionStatus(ctx, svc.DB, execID, status, outputs); logErr != nil {
				logger.Warn("Failed to log execution status", "error", logErr)
			}
			return nil
		}

		logger.Info("Function completed successfully")
		if logErr := execution.LogSuccess(ctx, svc.DB, execID, outputs); logErr != nil {
			logger.Warn("Failed to log execution success", "error", logErr)
		}
		return nil
	}
}

// outputStatus reads the "status" field of a handler's outputs, which may be
// a map or any JSON-serializable result.
func outputStatus(outputs interface{}) string {
	switch o := outputs.(type) {
	case nil:
		return ""
	case map[string]interface{}:
		s, _ := o["status"].(string)
		return s
	}
	raw, err := json.Marshal(outputs)
	if err != nil {
		return ""
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.Status
}

// unwrapPubSub returns the CloudEvent carried in a Pub/Sub envelope in
// binary mode (ce-* attributes) or structured mode (JSON event as data),
// along with the delivery attempt. Events that are not Pub/Sub envelopes are
// returned unchanged.
func unwrapPubSub(e event.Event) (event.Event, int) {
	var msg types.PubSubMessage
	if !strings.Contains(e.Type(), "pubsub") || e.DataAs(&msg) != nil {
		return e, 1
	}
	attempt := max(msg.DeliveryAttempt, 1)

	if attrs := msg.Message.Attributes; attrs["ce-type"] != "" {
		inner := event.New()
		inner.SetID(attrs["ce-id"])
		inner.SetType(attrs["ce-type"])
		inner.SetSource(attrs["ce-source"])
		if sv := attrs["ce-specversion"]; sv != "" {
			inner.SetSpecVersion(sv)
		}
		ct := attrs["content-type"]
		if ct == "" {
			ct = event.ApplicationJSON
		}
		inner.SetDataContentType(ct)
		inner.DataEncoded = msg.Message.Data
		return inner, attempt
	}

	var inner event.Event
	if err := json.Unmarshal(msg.Message.Data, &inner); err == nil && inner.Type() != "" {
		return inner, attempt
	}

	// Plain message: keep the envelope but expose the raw payload as data.
	plain := e.Clone()
	if err := plain.SetData(event.ApplicationJSON, msg.Message.Data); err != nil {
		return e, attempt
	}
	return plain, attempt
}

// extractEventMetadata extracts user_id and test_run_id from the event
func extractEventMetadata(outer, inner event.Event) (userID string, testRunID string) {
	var payload map[string]interface{}
	if err := json.Unmarshal(inner.Data(), &payload); err == nil {
		if uid, ok := payload["user_id"].(string); ok {
			userID = uid
		}
		if uid, ok := payload["userId"].(string); ok {
			userID = uid
		}
	}

	var msg types.PubSubMessage
	if err := outer.DataAs(&msg); err == nil && msg.Message.Attributes != nil {
		testRunID = msg.Message.Attributes["test_run_id"]
	}

	// HTTP headers are mapped to extensions by the Functions Framework
	if testRunID == "" {
		for _, key := range []string{"test_run_id", "testrunid"} {
			if trid, ok := inner.Extensions()[key].(string); ok {
				testRunID = trid
			}
		}
	}
	return userID, testRunID
}
