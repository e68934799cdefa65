// Package execution records the lifecycle of every function invocation so a
// run can be traced from trigger to outcome.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

// ExecutionOptions carries optional metadata for LogStart.
type ExecutionOptions struct {
	UserID      string
	TestRunID   string
	TriggerType string
}

var now = time.Now

// LogStart writes a STARTED execution record and returns its id.
func LogStart(ctx context.Context, db shared.Database, service string, opts ExecutionOptions) (string, error) {
	id := uuid.NewString()
	if opts.TestRunID != "" {
		id = opts.TestRunID + "-" + id
	}
	record := &types.ExecutionRecord{
		ID:          id,
		Service:     service,
		UserID:      opts.UserID,
		TriggerType: opts.TriggerType,
		Status:      types.ExecutionStarted,
		StartedAt:   now().UTC(),
	}
	if err := db.SetExecution(ctx, record); err != nil {
		return id, fmt.Errorf("set execution %s: %w", id, err)
	}
	return id, nil
}

// LogSuccess marks the execution as SUCCESS.
func LogSuccess(ctx context.Context, db shared.Database, execID string, outputs interface{}) error {
	return LogExecutionStatus(ctx, db, execID, types.ExecutionSuccess, outputs)
}

// LogFailure marks the execution as FAILED and stores the error text.
func LogFailure(ctx context.Context, db shared.Database, execID string, cause error, outputs interface{}) error {
	data, err := completion(types.ExecutionFailed, outputs)
	if err != nil {
		return err
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	return update(ctx, db, execID, data)
}

// LogExecutionStatus marks the execution as finished with the given status.
func LogExecutionStatus(ctx context.Context, db shared.Database, execID string, status types.ExecutionStatus, outputs interface{}) error {
	data, err := completion(status, outputs)
	if err != nil {
		return err
	}
	return update(ctx, db, execID, data)
}

// StatusFromOutcome maps a run outcome, or an execution status name, to an
// execution status. The second result is false for unknown outcomes.
func StatusFromOutcome(outcome string) (types.ExecutionStatus, bool) {
	switch syncerrors.Outcome(outcome) {
	case syncerrors.OutcomeSuccess:
		return types.ExecutionSuccess, true
	case syncerrors.OutcomeNothingToDo:
		return types.ExecutionSkipped, true
	case syncerrors.OutcomeDeferred:
		return types.ExecutionDeferred, true
	case syncerrors.OutcomeFailed:
		return types.ExecutionFailed, true
	}
	switch s := types.ExecutionStatus(outcome); s {
	case types.ExecutionSuccess, types.ExecutionSkipped, types.ExecutionDeferred, types.ExecutionFailed:
		return s, true
	}
	return "", false
}

func completion(status types.ExecutionStatus, outputs interface{}) (map[string]interface{}, error) {
	data := map[string]interface{}{
		"status":   string(status),
		"ended_at": now().UTC(),
	}
	if outputs != nil {
		raw, err := json.Marshal(outputs)
		if err != nil {
			return nil, fmt.Errorf("marshal outputs: %w", err)
		}
		data["outputs_json"] = string(raw)
	}
	return data, nil
}

func update(ctx context.Context, db shared.Database, execID string, data map[string]interface{}) error {
	if execID == "" {
		return fmt.Errorf("execution id is empty")
	}
	if err := db.UpdateExecution(ctx, execID, data); err != nil {
		return fmt.Errorf("update execution %s: %w", execID, err)
	}
	return nil
}
