package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/infrastructure/database"
	"github.com/fitglue/stravasync/pkg/ratelimit"
	"github.com/fitglue/stravasync/pkg/singleflight"
	"github.com/fitglue/stravasync/pkg/storage/memory"
	"github.com/fitglue/stravasync/pkg/strava"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/testing/mocks"
	"github.com/fitglue/stravasync/pkg/types"
)

var now = time.Date(2024, 3, 1, 10, 2, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type fakeAPI struct {
	GetActivityFunc func(id string) (*strava.DetailedActivity, error)
	GetStreamsFunc  func(id string) (strava.StreamSet, error)

	inFlight    int32
	maxInFlight int32
	delay       time.Duration
}

func (f *fakeAPI) ListActivities(ctx context.Context, params strava.ListParams) ([]strava.SummaryActivity, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) GetActivity(ctx context.Context, id string) (*strava.DetailedActivity, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxInFlight, m, n) {
			break
		}
	}
	time.Sleep(f.delay)
	if f.GetActivityFunc != nil {
		return f.GetActivityFunc(id)
	}
	return detail(id), nil
}

func (f *fakeAPI) GetStreams(ctx context.Context, id string, keys []string) (strava.StreamSet, error) {
	if f.GetStreamsFunc != nil {
		return f.GetStreamsFunc(id)
	}
	return streams(), nil
}

func detail(id string) *strava.DetailedActivity {
	n, _ := strconv.ParseInt(id, 10, 64)
	hr := 150.0
	return &strava.DetailedActivity{
		SummaryActivity: strava.SummaryActivity{
			ID: n, Name: "Run " + id, Type: "Run", StartDate: "2024-02-28T06:00:00Z",
			MovingTime: 40, ElapsedTime: 40, Distance: 120, AverageSpeed: 3,
			AverageHeartrate: &hr, HasHeartrate: true,
		},
		Laps: []strava.LapPayload{
			{Name: "Lap 1", LapIndex: 1, ElapsedTime: 20, StartDate: "2024-02-28T06:00:00Z"},
			{Name: "Lap 2", LapIndex: 2, ElapsedTime: 20, StartDate: "2024-02-28T06:00:20Z"},
		},
	}
}

func streams() strava.StreamSet {
	return strava.StreamSet{
		types.ChannelTime:      {Data: json.RawMessage(`[0,10,20,30,40]`), OriginalSize: 5},
		types.ChannelHeartrate: {Data: json.RawMessage(`[100,110,120,130,140]`), OriginalSize: 5},
	}
}

type harness struct {
	enricher *Enricher
	db       *database.Adapter
	mem      *memory.Store
	guard    *singleflight.Guard
	api      *fakeAPI
}

func newHarness(t *testing.T, limits ratelimit.Limits, cfg Config, archiver Archiver) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := memory.New()
	db := database.NewAdapter(mem)
	governor := ratelimit.NewGovernor(db, shared.ServiceStrava, limits, fixedClock{}, logger)
	guard := singleflight.NewGuard(db, time.Hour, logger)
	api := &fakeAPI{}
	factory := strava.ClientFactoryFunc(func(ctx context.Context, userID string) (strava.API, error) {
		return api, nil
	})
	e := NewEnricher(db, factory, governor, guard, archiver, cfg, logger)
	e.now = func() time.Time { return now }

	require.NoError(t, db.SetUser(context.Background(), &types.UserSettings{
		UserID: "u1", MaxHeartrate: 190, RestingHeartrate: 60, ThresholdPace: 3.5, Gender: types.GenderMale,
	}))
	return &harness{enricher: e, db: db, mem: mem, guard: guard, api: api}
}

func (h *harness) seedPending(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		start := now.AddDate(0, 0, -i)
		_, err := h.db.UpsertActivitySummary(context.Background(), &types.Activity{
			ID: strconv.Itoa(i), UserID: "u1", StartDate: start.Format(time.RFC3339), StartTime: start, SyncedAt: now,
		})
		require.NoError(t, err)
	}
}

func (h *harness) shortCount(t *testing.T) int {
	t.Helper()
	status, err := h.db.GetRateLimitStatus(context.Background(), shared.ServiceStrava)
	require.NoError(t, err)
	return status.ShortWindowCount
}

func (h *harness) pendingCount(t *testing.T) int {
	t.Helper()
	list, err := h.db.ListActivitiesPendingEnrichment(context.Background(), 0)
	require.NoError(t, err)
	return len(list)
}

func TestEnrichBatch(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{Concurrency: 2}, nil)
	h.seedPending(t, 3)

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncerrors.OutcomeSuccess, res.Status)
	assert.Equal(t, 3, res.ActivitiesEnhanced)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Details, 3)
	assert.Equal(t, StatusEnriched, res.Details[0].Status)

	assert.Zero(t, h.pendingCount(t))
	assert.Equal(t, 6, h.shortCount(t))

	a, err := h.db.GetActivity(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, a.FullData)
	require.NotNil(t, a.EnrichedAt)
	require.NotNil(t, a.HRTrimp)
	assert.NotEmpty(t, a.TrainingLoadZone)
	assert.Equal(t, now, a.SyncedAt)
	require.Len(t, a.Laps, 2)
	require.NotNil(t, a.Laps[0].AverageHeartrate)
	assert.Equal(t, 105.0, *a.Laps[0].AverageHeartrate)
	assert.Equal(t, 2, *a.Laps[1].StartIndex)

	s, err := h.db.GetStream(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 5, s.Len())

	status, err := h.guard.Status(context.Background(), shared.JobEnrichment)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
}

func TestEnrichBatchIsBoundedByQuota(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 5, Daily: 1000}, Config{Concurrency: 4}, nil)
	h.seedPending(t, 3)

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.ActivitiesEnhanced)
	assert.Equal(t, 5, res.CallsAvailable)
	assert.Equal(t, 1, h.pendingCount(t))
	assert.Equal(t, 4, h.shortCount(t))
}

func TestEnrichBatchIsBoundedByBatchMax(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{Concurrency: 4, BatchMax: 1}, nil)
	h.seedPending(t, 3)

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ActivitiesEnhanced)
	assert.Equal(t, 2, h.pendingCount(t))
}

func TestEnrichIsolatesItemFailures(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{Concurrency: 3}, nil)
	h.seedPending(t, 3)
	h.api.GetStreamsFunc = func(id string) (strava.StreamSet, error) {
		if id == "2" {
			return nil, &syncerrors.RemoteFetchError{Op: "get_streams", StatusCode: 404}
		}
		return streams(), nil
	}

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncerrors.OutcomeSuccess, res.Status)
	assert.Equal(t, 2, res.ActivitiesEnhanced)
	assert.Equal(t, 1, res.Failed)

	for _, d := range res.Details {
		if d.ActivityID == "2" {
			assert.Equal(t, StatusFailed, d.Status)
			assert.Contains(t, d.Error, "get_streams")
		}
	}

	a, err := h.db.GetActivity(context.Background(), "2")
	require.NoError(t, err)
	assert.False(t, a.FullData)
	assert.True(t, a.EnrichAbandoned, "a 404 is not retried")
	s, err := h.db.GetStream(context.Background(), "2")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, 6, h.shortCount(t))
}

func TestEnrichAllItemsFailing(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{}, nil)
	h.seedPending(t, 2)
	h.api.GetActivityFunc = func(id string) (*strava.DetailedActivity, error) {
		return nil, &syncerrors.RemoteFetchError{Op: "get_activity", StatusCode: 500}
	}

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncerrors.OutcomeFailed, res.Status)
	assert.Equal(t, 2, res.Failed)
}

func TestEnrichRespectsConcurrencyLimit(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{Concurrency: 2}, nil)
	h.seedPending(t, 6)
	h.api.delay = 20 * time.Millisecond

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.ActivitiesEnhanced)
	assert.LessOrEqual(t, atomic.LoadInt32(&h.api.maxInFlight), int32(2))
}

func TestEnrichAlreadyRunning(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{}, nil)
	h.seedPending(t, 1)
	ok, err := h.guard.TryAcquire(context.Background(), shared.JobEnrichment)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.enricher.Enrich(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrAlreadyRunning)
	assert.Equal(t, syncerrors.OutcomeDeferred, res.Status)
	assert.Equal(t, 1, h.pendingCount(t))

	status, err := h.guard.Status(context.Background(), shared.JobEnrichment)
	require.NoError(t, err)
	assert.True(t, status.IsRunning, "a refused run must not release another run's guard")
}

func TestEnrichQuotaRefusalReleasesGuard(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 1, Daily: 1000}, Config{}, nil)
	h.seedPending(t, 1)

	res, err := h.enricher.Enrich(context.Background())
	var quota *syncerrors.QuotaExceededError
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, syncerrors.OutcomeDeferred, res.Status)
	require.NotNil(t, res.NextResetAt)

	ok, err := h.guard.TryAcquire(context.Background(), shared.JobEnrichment)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnrichNothingToDo(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{}, nil)

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncerrors.OutcomeNothingToDo, res.Status)
	assert.Empty(t, res.Details)
}

func TestEnrichSaturatesOnRemoteRateLimit(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{Concurrency: 1}, nil)
	h.seedPending(t, 2)
	h.api.GetActivityFunc = func(id string) (*strava.DetailedActivity, error) {
		return nil, &syncerrors.QuotaExceededError{Service: "strava", NextResetAt: now.Add(13 * time.Minute)}
	}

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 100, h.shortCount(t))

	// A quota rejection says nothing about the activity itself.
	a, err := h.db.GetActivity(context.Background(), "1")
	require.NoError(t, err)
	assert.Zero(t, a.EnrichAttempts)
	assert.False(t, a.EnrichAbandoned)
}

func TestEnrichAbandonsActivityMissingOnStrava(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{Concurrency: 1, BatchMax: 1}, nil)
	h.seedPending(t, 3)
	h.api.GetActivityFunc = func(id string) (*strava.DetailedActivity, error) {
		if id == "1" {
			return nil, &syncerrors.RemoteFetchError{Op: "get_activity", StatusCode: 404}
		}
		return detail(id), nil
	}

	var enhanced []string
	for run := 0; run < 5; run++ {
		res, err := h.enricher.Enrich(context.Background())
		require.NoError(t, err)
		for _, d := range res.Details {
			switch d.Status {
			case StatusEnriched:
				enhanced = append(enhanced, d.ActivityID)
			case StatusFailed:
				assert.Equal(t, "1", d.ActivityID)
				assert.True(t, d.Abandoned)
			}
		}
	}

	assert.Equal(t, []string{"2", "3"}, enhanced)
	assert.Zero(t, h.pendingCount(t))
	assert.Equal(t, 5, h.shortCount(t), "the missing activity costs one call, once")

	a, err := h.db.GetActivity(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, a.FullData)
	assert.True(t, a.EnrichAbandoned)
	assert.Equal(t, 1, a.EnrichAttempts)
	assert.Contains(t, a.EnrichError, "status 404")
}

func TestEnrichAbandonsAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{MaxAttempts: 2}, nil)
	h.seedPending(t, 1)
	h.api.GetStreamsFunc = func(id string) (strava.StreamSet, error) {
		return nil, &syncerrors.RemoteFetchError{Op: "get_streams", StatusCode: 503}
	}

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	assert.False(t, res.Details[0].Abandoned)
	assert.Equal(t, 1, h.pendingCount(t))

	res, err = h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	assert.True(t, res.Details[0].Abandoned)
	assert.Zero(t, h.pendingCount(t))

	a, err := h.db.GetActivity(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 2, a.EnrichAttempts)
}

func TestEnrichDoesNotCountBrokenAccountLink(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{MaxAttempts: 1}, nil)
	h.seedPending(t, 1)
	h.api.GetActivityFunc = func(id string) (*strava.DetailedActivity, error) {
		return nil, &syncerrors.RemoteFetchError{Op: "get_activity", Err: &syncerrors.AuthError{UserID: "u1", Err: errors.New("invalid_grant")}}
	}

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Details[0].Abandoned)
	assert.Equal(t, 1, h.pendingCount(t))
}

type failingPendingStore struct {
	*database.Adapter
	err error
}

func (s failingPendingStore) ListActivitiesPendingEnrichment(ctx context.Context, limit int) ([]*types.Activity, error) {
	return nil, s.err
}

func TestEnrichPendingReadFailureReleasesGuard(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{}, nil)
	h.seedPending(t, 1)
	boom := errors.New("activities unavailable")
	h.enricher.store = failingPendingStore{Adapter: h.db, err: boom}

	res, err := h.enricher.Enrich(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, syncerrors.OutcomeFailed, res.Status)

	ok, err := h.guard.TryAcquire(context.Background(), shared.JobEnrichment)
	require.NoError(t, err)
	assert.True(t, ok)
}

type archiverFunc func(ctx context.Context, s *types.Stream) (string, error)

func (f archiverFunc) Archive(ctx context.Context, s *types.Stream) (string, error) { return f(ctx, s) }

func TestEnrichArchivesStreams(t *testing.T) {
	var mu sync.Mutex
	var archived []string
	archiver := archiverFunc(func(ctx context.Context, s *types.Stream) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		archived = append(archived, s.ActivityID)
		if s.ActivityID == "2" {
			return "", errors.New("bucket unavailable")
		}
		return "gs://bucket/streams/u1/" + s.ActivityID + ".parquet", nil
	})
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{}, archiver)
	h.seedPending(t, 2)

	res, err := h.enricher.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.ActivitiesEnhanced, "archive failures do not fail the item")
	assert.ElementsMatch(t, []string{"1", "2"}, archived)

	s, err := h.db.GetStream(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/streams/u1/1.parquet", s.ArchiveURI)
}

func TestEnrichActivity(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{}, nil)
	h.seedPending(t, 1)

	d, err := h.enricher.EnrichActivity(context.Background(), "u1", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusEnriched, d.Status)
	assert.Equal(t, 2, h.shortCount(t))

	d, err = h.enricher.EnrichActivity(context.Background(), "u1", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, d.Status)
	assert.Equal(t, 2, h.shortCount(t))
}

func TestEnrichActivityUnknownToStore(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{}, nil)

	d, err := h.enricher.EnrichActivity(context.Background(), "u1", "77")
	require.NoError(t, err)
	assert.Equal(t, StatusEnriched, d.Status)

	a, err := h.db.GetActivity(context.Background(), "77")
	require.NoError(t, err)
	assert.True(t, a.FullData)
	assert.Equal(t, now, a.SyncedAt)
}

func TestEnrichActivityDeferredByQuota(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 1, Daily: 1000}, Config{}, nil)
	h.seedPending(t, 1)

	_, err := h.enricher.EnrichActivity(context.Background(), "u1", "1")
	assert.True(t, syncerrors.IsExpected(err))
}

func TestFanOutPublishesPendingActivities(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, Config{}, nil)
	h.seedPending(t, 3)

	var published []types.EnrichmentMessage
	pub := &mocks.MockPublisher{
		PublishCloudEventFunc: func(ctx context.Context, topic string, e event.Event) (string, error) {
			assert.Equal(t, shared.TopicEnrichJob, topic)
			var m types.EnrichmentMessage
			require.NoError(t, json.Unmarshal(e.Data(), &m))
			published = append(published, m)
			if m.ActivityID == "3" {
				return "", errors.New("publish failed")
			}
			return "msg-" + m.ActivityID, nil
		},
	}

	res, err := h.enricher.FanOut(context.Background(), pub, shared.TopicEnrichJob)
	require.NoError(t, err)
	assert.Equal(t, syncerrors.OutcomeSuccess, res.Status)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, published, 3)
	assert.Equal(t, "u1", published[0].UserID)

	// Nothing is fetched inline and nothing is enriched yet.
	assert.Equal(t, 3, h.pendingCount(t))
}
