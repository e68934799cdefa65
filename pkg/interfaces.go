package shared

import (
	"context"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitglue/stravasync/pkg/types"
)

// --- Persistence Interfaces ---

type Database interface {
	// Users
	GetUser(ctx context.Context, id string) (*types.UserSettings, error)
	SetUser(ctx context.Context, user *types.UserSettings) error
	SetSyncCursor(ctx context.Context, userID string, cursor types.SyncCursor) error
	AdvanceSyncCursor(ctx context.Context, userID string, cursor types.SyncCursor) (types.SyncCursor, error)
	UpdateStravaCredentials(ctx context.Context, userID string, creds *types.StravaCredentials) error

	// Activities
	UpsertActivitySummary(ctx context.Context, activity *types.Activity) (bool, error)
	SetActivity(ctx context.Context, activity *types.Activity) error
	GetActivity(ctx context.Context, id string) (*types.Activity, error)
	GetLatestActivity(ctx context.Context, userID string) (*types.Activity, error)
	ListActivitiesPendingEnrichment(ctx context.Context, limit int) ([]*types.Activity, error)
	RecordEnrichmentFailure(ctx context.Context, id, message string, permanent bool, maxAttempts int) (int, bool, error)
	ListActivitiesInRange(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error)

	// Streams
	SetStream(ctx context.Context, stream *types.Stream) error
	GetStream(ctx context.Context, activityID string) (*types.Stream, error)

	// Rate limits
	GetRateLimitStatus(ctx context.Context, service string) (*types.RateLimitStatus, error)
	SetRateLimitStatus(ctx context.Context, status *types.RateLimitStatus) error

	// Running status (single-flight)
	GetRunningStatus(ctx context.Context, job string) (*types.RunningStatus, error)
	UpdateRunningStatus(ctx context.Context, job string, fn func(*types.RunningStatus) (*types.RunningStatus, error)) error
	SetRunningStatus(ctx context.Context, status *types.RunningStatus) error

	// Poison sink
	SetPoisonRecord(ctx context.Context, record *types.PoisonRecord) error
	ListPoisonRecords(ctx context.Context, queue string) ([]*types.PoisonRecord, error)

	// Executions
	SetExecution(ctx context.Context, record *types.ExecutionRecord) error
	UpdateExecution(ctx context.Context, id string, data map[string]interface{}) error
	GetExecution(ctx context.Context, id string) (*types.ExecutionRecord, error)

	// Gather checkpoints
	SetSyncCheckpoint(ctx context.Context, checkpoint *types.SyncCheckpoint) error
	GetSyncCheckpoint(ctx context.Context, userID string) (*types.SyncCheckpoint, error)
}

// --- Messaging Interfaces ---

type Publisher interface {
	PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error)
}

// --- Storage Interfaces ---

type BlobStore interface {
	Write(ctx context.Context, bucket, object string, data []byte) error
	Read(ctx context.Context, bucket, object string) ([]byte, error)
}
