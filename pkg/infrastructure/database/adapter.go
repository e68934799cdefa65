package database

import (
	"context"
	"errors"
	"time"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/storage"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

// Adapter provides typed database operations over any storage.Store. In
// production the store is a persistence.Gateway so every call is retried.
type Adapter struct {
	store storage.Store
}

func NewAdapter(store storage.Store) *Adapter {
	return &Adapter{store: store}
}

var _ shared.Database = (*Adapter)(nil)

func (a *Adapter) users() *storage.Collection[types.UserSettings] {
	return &storage.Collection[types.UserSettings]{
		Store:        a.store,
		Name:         shared.CollectionUsers,
		ToDocument:   UserToDocument,
		FromDocument: DocumentToUser,
	}
}

func (a *Adapter) activities() *storage.Collection[types.Activity] {
	return &storage.Collection[types.Activity]{
		Store:        a.store,
		Name:         shared.CollectionActivities,
		ToDocument:   ActivityToDocument,
		FromDocument: DocumentToActivity,
	}
}

func (a *Adapter) streams() *storage.Collection[types.Stream] {
	return &storage.Collection[types.Stream]{
		Store:        a.store,
		Name:         shared.CollectionStreams,
		ToDocument:   StreamToDocument,
		FromDocument: DocumentToStream,
	}
}

func (a *Adapter) rateLimits() *storage.Collection[types.RateLimitStatus] {
	return &storage.Collection[types.RateLimitStatus]{
		Store:        a.store,
		Name:         shared.CollectionRateLimits,
		ToDocument:   RateLimitToDocument,
		FromDocument: DocumentToRateLimit,
	}
}

func (a *Adapter) runningStatus() *storage.Collection[types.RunningStatus] {
	return &storage.Collection[types.RunningStatus]{
		Store:        a.store,
		Name:         shared.CollectionRunningStatus,
		ToDocument:   RunningStatusToDocument,
		FromDocument: DocumentToRunningStatus,
	}
}

func (a *Adapter) poison() *storage.Collection[types.PoisonRecord] {
	return &storage.Collection[types.PoisonRecord]{
		Store:        a.store,
		Name:         shared.CollectionPoisonMessages,
		ToDocument:   PoisonToDocument,
		FromDocument: DocumentToPoison,
	}
}

func (a *Adapter) executions() *storage.Collection[types.ExecutionRecord] {
	return &storage.Collection[types.ExecutionRecord]{
		Store:        a.store,
		Name:         shared.CollectionExecutions,
		ToDocument:   ExecutionToDocument,
		FromDocument: DocumentToExecution,
	}
}

func (a *Adapter) checkpoints() *storage.Collection[types.SyncCheckpoint] {
	return &storage.Collection[types.SyncCheckpoint]{
		Store:        a.store,
		Name:         shared.CollectionSyncRuns,
		ToDocument:   CheckpointToDocument,
		FromDocument: DocumentToCheckpoint,
	}
}

// getOrNil maps storage.ErrNotFound to a nil record.
func getOrNil[T any](ctx context.Context, ref *storage.DocumentRef[T]) (*T, error) {
	v, err := ref.Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// --- Users ---

func (a *Adapter) GetUser(ctx context.Context, id string) (*types.UserSettings, error) {
	u, err := a.users().Doc(id).Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &syncerrors.UserNotFoundError{UserID: id}
	}
	if err != nil {
		return nil, err
	}
	if u.UserID == "" {
		u.UserID = id
	}
	return u, nil
}

func (a *Adapter) SetUser(ctx context.Context, user *types.UserSettings) error {
	return a.users().Doc(user.UserID).Set(ctx, user)
}

func (a *Adapter) SetSyncCursor(ctx context.Context, userID string, cursor types.SyncCursor) error {
	return a.users().Doc(userID).Merge(ctx, storage.Document{
		"sync_cursor": CursorToDocument(cursor),
	})
}

// AdvanceSyncCursor moves the stored cursor forward to cursor inside a
// transaction and returns the cursor that was persisted. A stored cursor that
// is already further ahead, written by a concurrent run, is kept.
func (a *Adapter) AdvanceSyncCursor(ctx context.Context, userID string, cursor types.SyncCursor) (types.SyncCursor, error) {
	persisted := cursor
	err := a.store.Update(ctx, shared.CollectionUsers, userID, func(cur storage.Document) (storage.Document, error) {
		if cur == nil {
			return nil, &syncerrors.UserNotFoundError{UserID: userID}
		}
		persisted = cursor
		if stored, ok := cur["sync_cursor"].(map[string]interface{}); ok {
			persisted = DocumentToCursor(stored).Furthest(cursor)
		}
		return storage.Document{"sync_cursor": CursorToDocument(persisted)}, nil
	})
	return persisted, err
}

func (a *Adapter) UpdateStravaCredentials(ctx context.Context, userID string, creds *types.StravaCredentials) error {
	return a.users().Doc(userID).Merge(ctx, storage.Document{
		"strava": map[string]interface{}{
			"athlete_id":    creds.AthleteID,
			"access_token":  creds.AccessToken,
			"refresh_token": creds.RefreshToken,
			"expires_at":    creds.ExpiresAt.UTC(),
		},
	})
}

// --- Activities ---

// UpsertActivitySummary writes a summary record. An existing record keeps its
// derived fields and enrichment state. Returns true when the record is new.
func (a *Adapter) UpsertActivitySummary(ctx context.Context, activity *types.Activity) (bool, error) {
	var created bool
	err := a.store.Update(ctx, shared.CollectionActivities, activity.ID, func(cur storage.Document) (storage.Document, error) {
		if cur == nil {
			created = true
			return ActivityToDocument(activity), nil
		}
		created = false
		return ActivitySummaryDocument(activity), nil
	})
	return created, err
}

func (a *Adapter) SetActivity(ctx context.Context, activity *types.Activity) error {
	return a.activities().Doc(activity.ID).Set(ctx, activity)
}

func (a *Adapter) GetActivity(ctx context.Context, id string) (*types.Activity, error) {
	return getOrNil(ctx, a.activities().Doc(id))
}

// GetLatestActivity returns the user's most recent activity by start date.
func (a *Adapter) GetLatestActivity(ctx context.Context, userID string) (*types.Activity, error) {
	list, err := a.activities().Query(ctx, storage.Query{}.
		Where("userId", storage.OpEqual, userID).
		Order("start_date", true).
		Take(1))
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// ListActivitiesPendingEnrichment returns up to limit activities with
// full_data=false, newest first. A non-positive limit returns all of them.
func (a *Adapter) ListActivitiesPendingEnrichment(ctx context.Context, limit int) ([]*types.Activity, error) {
	q := storage.Query{}.
		Where("full_data", storage.OpEqual, false).
		Where("enrich_abandoned", storage.OpEqual, false).
		Order("start_date", true)
	if limit > 0 {
		q = q.Take(limit)
	}
	return a.activities().Query(ctx, q)
}

// ListActivitiesInRange returns the user's activities with from <= start < to.
// RecordEnrichmentFailure counts a failed enrichment attempt. The activity is
// abandoned when permanent is set or once maxAttempts failures are recorded.
// Returns the updated attempt count and whether the activity was abandoned;
// an unknown activity is left absent.
func (a *Adapter) RecordEnrichmentFailure(ctx context.Context, id, message string, permanent bool, maxAttempts int) (int, bool, error) {
	var attempts int
	var abandoned bool
	err := a.store.Update(ctx, shared.CollectionActivities, id, func(cur storage.Document) (storage.Document, error) {
		if cur == nil {
			attempts, abandoned = 0, false
			return nil, nil
		}
		attempts = getInt(cur, "enrich_attempts") + 1
		abandoned = permanent || (maxAttempts > 0 && attempts >= maxAttempts)
		return storage.Document{
			"enrich_attempts":  attempts,
			"enrich_error":     message,
			"enrich_abandoned": abandoned,
		}, nil
	})
	return attempts, abandoned, err
}

func (a *Adapter) ListActivitiesInRange(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error) {
	return a.activities().Query(ctx, storage.Query{}.
		Where("userId", storage.OpEqual, userID).
		Where("start_date", storage.OpGreaterOrEqual, from.UTC().Format(time.RFC3339)).
		Where("start_date", storage.OpLess, to.UTC().Format(time.RFC3339)).
		Order("start_date", false))
}

// --- Streams ---

func (a *Adapter) SetStream(ctx context.Context, stream *types.Stream) error {
	return a.streams().Doc(stream.ActivityID).Set(ctx, stream)
}

func (a *Adapter) GetStream(ctx context.Context, activityID string) (*types.Stream, error) {
	return getOrNil(ctx, a.streams().Doc(activityID))
}

// --- Rate limits ---

func (a *Adapter) GetRateLimitStatus(ctx context.Context, service string) (*types.RateLimitStatus, error) {
	return getOrNil(ctx, a.rateLimits().Doc(service))
}

func (a *Adapter) SetRateLimitStatus(ctx context.Context, status *types.RateLimitStatus) error {
	return a.rateLimits().Doc(status.ServiceName).Set(ctx, status)
}

// --- Running status ---

func (a *Adapter) GetRunningStatus(ctx context.Context, job string) (*types.RunningStatus, error) {
	return getOrNil(ctx, a.runningStatus().Doc(job))
}

// UpdateRunningStatus runs fn as an atomic read-modify-write of the job's
// running flag.
func (a *Adapter) UpdateRunningStatus(ctx context.Context, job string, fn func(*types.RunningStatus) (*types.RunningStatus, error)) error {
	return a.runningStatus().Doc(job).Update(ctx, fn)
}

func (a *Adapter) SetRunningStatus(ctx context.Context, status *types.RunningStatus) error {
	return a.runningStatus().Doc(status.JobName).Set(ctx, status)
}

// --- Poison records ---

func (a *Adapter) SetPoisonRecord(ctx context.Context, record *types.PoisonRecord) error {
	return a.poison().Doc(record.ID).Set(ctx, record)
}

func (a *Adapter) ListPoisonRecords(ctx context.Context, queue string) ([]*types.PoisonRecord, error) {
	return a.poison().Query(ctx, storage.Query{}.Where("queue", storage.OpEqual, queue))
}

// --- Executions ---

func (a *Adapter) SetExecution(ctx context.Context, record *types.ExecutionRecord) error {
	return a.executions().Doc(record.ID).Set(ctx, record)
}

func (a *Adapter) UpdateExecution(ctx context.Context, id string, data map[string]interface{}) error {
	return a.executions().Doc(id).Merge(ctx, data)
}

func (a *Adapter) GetExecution(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	return getOrNil(ctx, a.executions().Doc(id))
}

// --- Sync checkpoints ---

// SetSyncCheckpoint stores the latest gather checkpoint for the user.
func (a *Adapter) SetSyncCheckpoint(ctx context.Context, checkpoint *types.SyncCheckpoint) error {
	return a.checkpoints().Doc(checkpoint.UserID).Set(ctx, checkpoint)
}

func (a *Adapter) GetSyncCheckpoint(ctx context.Context, userID string) (*types.SyncCheckpoint, error) {
	return getOrNil(ctx, a.checkpoints().Doc(userID))
}
