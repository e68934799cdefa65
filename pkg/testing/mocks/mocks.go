package mocks

import (
	"context"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

// --- Mock Database ---
type MockDatabase struct {
	GetUserFunc                         func(ctx context.Context, id string) (*types.UserSettings, error)
	SetUserFunc                         func(ctx context.Context, user *types.UserSettings) error
	SetSyncCursorFunc                   func(ctx context.Context, userID string, cursor types.SyncCursor) error
	AdvanceSyncCursorFunc               func(ctx context.Context, userID string, cursor types.SyncCursor) (types.SyncCursor, error)
	UpdateStravaCredentialsFunc         func(ctx context.Context, userID string, creds *types.StravaCredentials) error
	UpsertActivitySummaryFunc           func(ctx context.Context, activity *types.Activity) (bool, error)
	SetActivityFunc                     func(ctx context.Context, activity *types.Activity) error
	GetActivityFunc                     func(ctx context.Context, id string) (*types.Activity, error)
	GetLatestActivityFunc               func(ctx context.Context, userID string) (*types.Activity, error)
	ListActivitiesPendingEnrichmentFunc func(ctx context.Context, limit int) ([]*types.Activity, error)
	RecordEnrichmentFailureFunc         func(ctx context.Context, id, message string, permanent bool, maxAttempts int) (int, bool, error)
	ListActivitiesInRangeFunc           func(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error)
	SetStreamFunc                       func(ctx context.Context, stream *types.Stream) error
	GetStreamFunc                       func(ctx context.Context, activityID string) (*types.Stream, error)
	GetRateLimitStatusFunc              func(ctx context.Context, service string) (*types.RateLimitStatus, error)
	SetRateLimitStatusFunc              func(ctx context.Context, status *types.RateLimitStatus) error
	GetRunningStatusFunc                func(ctx context.Context, job string) (*types.RunningStatus, error)
	UpdateRunningStatusFunc             func(ctx context.Context, job string, fn func(*types.RunningStatus) (*types.RunningStatus, error)) error
	SetRunningStatusFunc                func(ctx context.Context, status *types.RunningStatus) error
	SetPoisonRecordFunc                 func(ctx context.Context, record *types.PoisonRecord) error
	ListPoisonRecordsFunc               func(ctx context.Context, queue string) ([]*types.PoisonRecord, error)
	SetExecutionFunc                    func(ctx context.Context, record *types.ExecutionRecord) error
	UpdateExecutionFunc                 func(ctx context.Context, id string, data map[string]interface{}) error
	GetExecutionFunc                    func(ctx context.Context, id string) (*types.ExecutionRecord, error)
	SetSyncCheckpointFunc               func(ctx context.Context, checkpoint *types.SyncCheckpoint) error
	GetSyncCheckpointFunc               func(ctx context.Context, userID string) (*types.SyncCheckpoint, error)
}

func (m *MockDatabase) GetUser(ctx context.Context, id string) (*types.UserSettings, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, id)
	}
	return nil, &syncerrors.UserNotFoundError{UserID: id}
}
func (m *MockDatabase) SetUser(ctx context.Context, user *types.UserSettings) error {
	if m.SetUserFunc != nil {
		return m.SetUserFunc(ctx, user)
	}
	return nil
}
func (m *MockDatabase) SetSyncCursor(ctx context.Context, userID string, cursor types.SyncCursor) error {
	if m.SetSyncCursorFunc != nil {
		return m.SetSyncCursorFunc(ctx, userID, cursor)
	}
	return nil
}
func (m *MockDatabase) AdvanceSyncCursor(ctx context.Context, userID string, cursor types.SyncCursor) (types.SyncCursor, error) {
	if m.AdvanceSyncCursorFunc != nil {
		return m.AdvanceSyncCursorFunc(ctx, userID, cursor)
	}
	return cursor, nil
}
func (m *MockDatabase) UpdateStravaCredentials(ctx context.Context, userID string, creds *types.StravaCredentials) error {
	if m.UpdateStravaCredentialsFunc != nil {
		return m.UpdateStravaCredentialsFunc(ctx, userID, creds)
	}
	return nil
}
func (m *MockDatabase) UpsertActivitySummary(ctx context.Context, activity *types.Activity) (bool, error) {
	if m.UpsertActivitySummaryFunc != nil {
		return m.UpsertActivitySummaryFunc(ctx, activity)
	}
	return true, nil
}
func (m *MockDatabase) SetActivity(ctx context.Context, activity *types.Activity) error {
	if m.SetActivityFunc != nil {
		return m.SetActivityFunc(ctx, activity)
	}
	return nil
}
func (m *MockDatabase) GetActivity(ctx context.Context, id string) (*types.Activity, error) {
	if m.GetActivityFunc != nil {
		return m.GetActivityFunc(ctx, id)
	}
	return nil, nil
}
func (m *MockDatabase) GetLatestActivity(ctx context.Context, userID string) (*types.Activity, error) {
	if m.GetLatestActivityFunc != nil {
		return m.GetLatestActivityFunc(ctx, userID)
	}
	return nil, nil
}
func (m *MockDatabase) ListActivitiesPendingEnrichment(ctx context.Context, limit int) ([]*types.Activity, error) {
	if m.ListActivitiesPendingEnrichmentFunc != nil {
		return m.ListActivitiesPendingEnrichmentFunc(ctx, limit)
	}
	return nil, nil
}
func (m *MockDatabase) RecordEnrichmentFailure(ctx context.Context, id, message string, permanent bool, maxAttempts int) (int, bool, error) {
	if m.RecordEnrichmentFailureFunc != nil {
		return m.RecordEnrichmentFailureFunc(ctx, id, message, permanent, maxAttempts)
	}
	return 0, false, nil
}
func (m *MockDatabase) ListActivitiesInRange(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error) {
	if m.ListActivitiesInRangeFunc != nil {
		return m.ListActivitiesInRangeFunc(ctx, userID, from, to)
	}
	return nil, nil
}
func (m *MockDatabase) SetStream(ctx context.Context, stream *types.Stream) error {
	if m.SetStreamFunc != nil {
		return m.SetStreamFunc(ctx, stream)
	}
	return nil
}
func (m *MockDatabase) GetStream(ctx context.Context, activityID string) (*types.Stream, error) {
	if m.GetStreamFunc != nil {
		return m.GetStreamFunc(ctx, activityID)
	}
	return nil, nil
}
func (m *MockDatabase) GetRateLimitStatus(ctx context.Context, service string) (*types.RateLimitStatus, error) {
	if m.GetRateLimitStatusFunc != nil {
		return m.GetRateLimitStatusFunc(ctx, service)
	}
	return nil, nil
}
func (m *MockDatabase) SetRateLimitStatus(ctx context.Context, status *types.RateLimitStatus) error {
	if m.SetRateLimitStatusFunc != nil {
		return m.SetRateLimitStatusFunc(ctx, status)
	}
	return nil
}
func (m *MockDatabase) GetRunningStatus(ctx context.Context, job string) (*types.RunningStatus, error) {
	if m.GetRunningStatusFunc != nil {
		return m.GetRunningStatusFunc(ctx, job)
	}
	return nil, nil
}
func (m *MockDatabase) UpdateRunningStatus(ctx context.Context, job string, fn func(*types.RunningStatus) (*types.RunningStatus, error)) error {
	if m.UpdateRunningStatusFunc != nil {
		return m.UpdateRunningStatusFunc(ctx, job, fn)
	}
	_, err := fn(nil)
	return err
}
func (m *MockDatabase) SetRunningStatus(ctx context.Context, status *types.RunningStatus) error {
	if m.SetRunningStatusFunc != nil {
		return m.SetRunningStatusFunc(ctx, status)
	}
	return nil
}
func (m *MockDatabase) SetPoisonRecord(ctx context.Context, record *types.PoisonRecord) error {
	if m.SetPoisonRecordFunc != nil {
		return m.SetPoisonRecordFunc(ctx, record)
	}
	return nil
}
func (m *MockDatabase) ListPoisonRecords(ctx context.Context, queue string) ([]*types.PoisonRecord, error) {
	if m.ListPoisonRecordsFunc != nil {
		return m.ListPoisonRecordsFunc(ctx, queue)
	}
	return nil, nil
}
func (m *MockDatabase) SetExecution(ctx context.Context, record *types.ExecutionRecord) error {
	if m.SetExecutionFunc != nil {
		return m.SetExecutionFunc(ctx, record)
	}
	return nil
}
func (m *MockDatabase) UpdateExecution(ctx context.Context, id string, data map[string]interface{}) error {
	if m.UpdateExecutionFunc != nil {
		return m.UpdateExecutionFunc(ctx, id, data)
	}
	return nil
}
func (m *MockDatabase) GetExecution(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	if m.GetExecutionFunc != nil {
		return m.GetExecutionFunc(ctx, id)
	}
	return nil, nil
}
func (m *MockDatabase) SetSyncCheckpoint(ctx context.Context, checkpoint *types.SyncCheckpoint) error {
	if m.SetSyncCheckpointFunc != nil {
		return m.SetSyncCheckpointFunc(ctx, checkpoint)
	}
	return nil
}
func (m *MockDatabase) GetSyncCheckpoint(ctx context.Context, userID string) (*types.SyncCheckpoint, error) {
	if m.GetSyncCheckpointFunc != nil {
		return m.GetSyncCheckpointFunc(ctx, userID)
	}
	return nil, nil
}

// --- Mock Publisher ---
type MockPublisher struct {
	PublishCloudEventFunc func(ctx context.Context, topic string, e event.Event) (string, error)
}

func (m *MockPublisher) PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error) {
	if m.PublishCloudEventFunc != nil {
		return m.PublishCloudEventFunc(ctx, topic, e)
	}
	return "msg-id", nil
}

// --- Mock Storage ---
type MockBlobStore struct {
	WriteFunc func(ctx context.Context, bucket, object string, data []byte) error
	ReadFunc  func(ctx context.Context, bucket, object string) ([]byte, error)
}

func (m *MockBlobStore) Write(ctx context.Context, bucket, object string, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, bucket, object, data)
	}
	return nil
}
func (m *MockBlobStore) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, bucket, object)
	}
	return []byte("mock-data"), nil
}
