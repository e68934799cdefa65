package gather

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/infrastructure/database"
	"github.com/fitglue/stravasync/pkg/ratelimit"
	"github.com/fitglue/stravasync/pkg/storage/memory"
	"github.com/fitglue/stravasync/pkg/strava"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeAPI struct {
	ListActivitiesFunc func(params strava.ListParams) ([]strava.SummaryActivity, error)
	calls              []strava.ListParams
}

func (f *fakeAPI) ListActivities(ctx context.Context, params strava.ListParams) ([]strava.SummaryActivity, error) {
	f.calls = append(f.calls, params)
	return f.ListActivitiesFunc(params)
}

func (f *fakeAPI) GetActivity(ctx context.Context, id string) (*strava.DetailedActivity, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) GetStreams(ctx context.Context, id string, keys []string) (strava.StreamSet, error) {
	return nil, errors.New("not implemented")
}

type harness struct {
	gatherer *Gatherer
	db       *database.Adapter
	mem      *memory.Store
	governor *ratelimit.Governor
	api      *fakeAPI
}

var now = time.Date(2024, 3, 1, 10, 2, 0, 0, time.UTC)

func newHarness(t *testing.T, limits ratelimit.Limits, pageSize int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := memory.New()
	db := database.NewAdapter(mem)
	governor := ratelimit.NewGovernor(db, shared.ServiceStrava, limits, &fixedClock{now: now}, logger)
	api := &fakeAPI{}
	factory := strava.ClientFactoryFunc(func(ctx context.Context, userID string) (strava.API, error) {
		return api, nil
	})
	g := NewGatherer(db, factory, governor, pageSize, logger)
	g.now = func() time.Time { return now }
	return &harness{gatherer: g, db: db, mem: mem, governor: governor, api: api}
}

func (h *harness) seedUser(t *testing.T, cursor *types.SyncCursor) {
	t.Helper()
	require.NoError(t, h.db.SetUser(context.Background(), &types.UserSettings{UserID: "u1", SyncCursor: cursor}))
}

func (h *harness) cursor(t *testing.T) types.SyncCursor {
	t.Helper()
	u, err := h.db.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	return u.Cursor()
}

func (h *harness) shortCount(t *testing.T) int {
	t.Helper()
	status, err := h.db.GetRateLimitStatus(context.Background(), shared.ServiceStrava)
	require.NoError(t, err)
	require.NotNil(t, status)
	return status.ShortWindowCount
}

func summaries(firstID int64, n int, start time.Time) []strava.SummaryActivity {
	out := make([]strava.SummaryActivity, n)
	for i := range out {
		out[i] = strava.SummaryActivity{
			ID:        firstID + int64(i),
			Name:      "Run " + strconv.Itoa(i),
			Type:      "Run",
			StartDate: start.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
		}
	}
	return out
}

func ptr(c types.SyncCursor) *types.SyncCursor { return &c }

func TestGatherIncrementalFromAllSynced(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, 200)
	h.seedUser(t, ptr(types.AllSynced()))
	last := time.Date(2024, 2, 27, 7, 0, 0, 0, time.UTC)
	require.NoError(t, h.db.SetActivity(context.Background(), &types.Activity{
		ID: "1", UserID: "u1", StartDate: last.Format(time.RFC3339), StartTime: last, FullData: true,
	}))

	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		return summaries(10, 3, last.Add(24*time.Hour)), nil
	}

	res, err := h.gatherer.Gather(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncerrors.OutcomeSuccess, res.Status)
	assert.Equal(t, 3, res.ActivitiesAdded)
	assert.Equal(t, 1, res.CallsMade)
	assert.Equal(t, "all", res.Cursor)

	require.Len(t, h.api.calls, 1)
	assert.Equal(t, last.Unix(), h.api.calls[0].After)
	assert.Equal(t, 1, h.api.calls[0].Page)

	assert.Equal(t, types.AllSynced(), h.cursor(t))
	assert.Equal(t, 1, h.shortCount(t))
	assert.Equal(t, 4, h.mem.Count(shared.CollectionActivities))

	cp, err := h.db.GetSyncCheckpoint(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, types.StepDone, cp.Step)
	assert.Equal(t, 3, cp.ActivitiesAdded)
}

func TestGatherResumesAfterStoredPage(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, 2)
	h.seedUser(t, ptr(types.Page(2)))

	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		assert.Zero(t, params.After)
		switch params.Page {
		case 3:
			return summaries(30, 2, now.AddDate(0, -2, 0)), nil
		case 4:
			return summaries(40, 1, now.AddDate(0, -3, 0)), nil
		}
		t.Fatalf("unexpected page %d", params.Page)
		return nil, nil
	}

	res, err := h.gatherer.Gather(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ActivitiesAdded)
	assert.Equal(t, 2, res.PagesFetched)
	assert.Equal(t, types.AllSynced(), h.cursor(t))
	assert.Equal(t, 2, h.shortCount(t))
}

func TestGatherKeepsCursorAdvancedByConcurrentRun(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 1, Daily: 1000}, 2)
	h.seedUser(t, ptr(types.Page(2)))

	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		// Another run for the same user finishes page 6 meanwhile.
		_, err := h.db.AdvanceSyncCursor(context.Background(), "u1", types.Page(6))
		require.NoError(t, err)
		return summaries(30, 2, now.AddDate(0, -2, 0)), nil
	}

	res, err := h.gatherer.Gather(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.PagesFetched)
	assert.Equal(t, "page:6", res.Cursor)
	assert.Equal(t, types.Page(6), h.cursor(t))
}

func TestGatherStopsWhenBudgetExhausted(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 2, Daily: 1000}, 2)
	h.seedUser(t, nil)

	page := int64(0)
	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		page++
		return summaries(page*100, 2, now.AddDate(0, 0, -int(page))), nil
	}

	res, err := h.gatherer.Gather(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.CallsMade)
	assert.Equal(t, 4, res.ActivitiesAdded)
	assert.Equal(t, types.Page(2), h.cursor(t))
	assert.Equal(t, 2, h.shortCount(t))

	// The window is now exhausted; the next run is deferred without fetching.
	h.api.calls = nil
	res, err = h.gatherer.Gather(context.Background(), "u1")
	var quota *syncerrors.QuotaExceededError
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, syncerrors.OutcomeDeferred, res.Status)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), quota.NextResetAt)
	assert.Empty(t, h.api.calls)
	assert.Equal(t, types.Page(2), h.cursor(t))
}

func TestGatherKeepsProgressOnFetchError(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, 2)
	h.seedUser(t, ptr(types.Page(4)))

	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		if params.Page == 5 {
			return summaries(50, 2, now.AddDate(0, -1, 0)), nil
		}
		return nil, &syncerrors.RemoteFetchError{Op: "list_activities", StatusCode: 502}
	}

	res, err := h.gatherer.Gather(context.Background(), "u1")
	var remote *syncerrors.RemoteFetchError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, syncerrors.OutcomeFailed, res.Status)
	assert.Equal(t, 2, res.ActivitiesAdded)
	assert.Equal(t, types.Page(5), h.cursor(t))
	assert.Equal(t, 2, h.shortCount(t), "failed calls still count against the budget")

	cp, err := h.db.GetSyncCheckpoint(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, types.StepFailed, cp.Step)
	assert.NotEmpty(t, cp.Error)
}

func TestGatherSaturatesOnRemoteRateLimit(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, 200)
	h.seedUser(t, ptr(types.AllSynced()))

	reset := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		return nil, &syncerrors.QuotaExceededError{Service: "strava", NextResetAt: reset}
	}

	res, err := h.gatherer.Gather(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, syncerrors.OutcomeDeferred, res.Status)
	require.NotNil(t, res.NextResetAt)
	assert.Equal(t, reset, *res.NextResetAt)
	assert.Equal(t, 100, h.shortCount(t))
	assert.Equal(t, types.AllSynced(), h.cursor(t))
}

func TestGatherUnknownUser(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, 200)

	res, err := h.gatherer.Gather(context.Background(), "ghost")
	var notFound *syncerrors.UserNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, syncerrors.OutcomeFailed, res.Status)
	assert.Zero(t, h.mem.Count(shared.CollectionSyncRuns))
}

func TestGatherIsIdempotent(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, 200)
	h.seedUser(t, nil)
	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		return summaries(1, 3, now.AddDate(0, 0, -3)), nil
	}

	_, err := h.gatherer.Gather(context.Background(), "u1")
	require.NoError(t, err)
	before, err := h.db.GetActivity(context.Background(), "2")
	require.NoError(t, err)

	res, err := h.gatherer.Gather(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncerrors.OutcomeNothingToDo, res.Status)
	assert.Equal(t, 3, res.ActivitiesSeen)
	assert.Equal(t, 3, h.mem.Count(shared.CollectionActivities))

	after, err := h.db.GetActivity(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGatherNeverDowngradesEnrichedActivities(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, 200)
	h.seedUser(t, nil)
	start := now.AddDate(0, 0, -1)
	require.NoError(t, h.db.SetActivity(context.Background(), &types.Activity{
		ID: "7", UserID: "u1", StartDate: start.Format(time.RFC3339), StartTime: start,
		HRTrimp: types.Float(88), FullData: true,
	}))
	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		return summaries(7, 1, start), nil
	}

	res, err := h.gatherer.Gather(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, res.ActivitiesAdded)

	got, err := h.db.GetActivity(context.Background(), "7")
	require.NoError(t, err)
	assert.True(t, got.FullData)
	require.NotNil(t, got.HRTrimp)
	assert.Equal(t, 88.0, *got.HRTrimp)
	assert.Equal(t, "Run 0", got.Name)
}

func TestGatherSkipsMalformedItems(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 100, Daily: 1000}, 200)
	h.seedUser(t, nil)
	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		items := summaries(1, 2, now.AddDate(0, 0, -2))
		items[1].StartDate = "not a date"
		return items, nil
	}

	res, err := h.gatherer.Gather(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ActivitiesAdded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, types.AllSynced(), h.cursor(t))
}

func TestCursorNeverRegresses(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Short: 1000, Daily: 10000}, 2)
	h.seedUser(t, nil)

	// Pages 1..6 exist; every third request fails.
	requests := 0
	h.api.ListActivitiesFunc = func(params strava.ListParams) ([]strava.SummaryActivity, error) {
		requests++
		if requests%3 == 0 {
			return nil, &syncerrors.RemoteFetchError{Op: "list_activities"}
		}
		if params.Page > 6 {
			return nil, nil
		}
		return summaries(int64(params.Page)*10, 2, now.AddDate(0, 0, -params.Page)), nil
	}

	var lastPage int
	for i := 0; i < 10; i++ {
		_, _ = h.gatherer.Gather(context.Background(), "u1")
		cur := h.cursor(t)
		if cur.AllSynced {
			break
		}
		assert.GreaterOrEqual(t, cur.Page, lastPage)
		lastPage = cur.Page
	}
	assert.Equal(t, types.AllSynced(), h.cursor(t))
	assert.Equal(t, 12, h.mem.Count(shared.CollectionActivities))
}
