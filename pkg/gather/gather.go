// Package gather pulls activity summaries from Strava into the store,
// paging through the athlete's history under the shared call budget.
//
// A run is a small state machine:
//
//	FETCH_USER_SETTINGS -> CHECK_QUOTA -> FETCH_ACTIVITIES -> PERSIST -> DONE
//
// FETCH_ACTIVITIES and PERSIST alternate once per page. A checkpoint is
// written after every transition and the user's SyncCursor after every
// persisted page, so an interrupted run resumes at the next unfetched page.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/observability"
	"github.com/fitglue/stravasync/pkg/ratelimit"
	"github.com/fitglue/stravasync/pkg/strava"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

// Store is the persistence surface the gatherer needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*types.UserSettings, error)
	AdvanceSyncCursor(ctx context.Context, userID string, cursor types.SyncCursor) (types.SyncCursor, error)
	UpsertActivitySummary(ctx context.Context, activity *types.Activity) (bool, error)
	GetLatestActivity(ctx context.Context, userID string) (*types.Activity, error)
	SetSyncCheckpoint(ctx context.Context, checkpoint *types.SyncCheckpoint) error
}

// Budget is the rate-limit surface the gatherer needs.
type Budget interface {
	CheckAdmission(ctx context.Context, callsNeeded int) (*ratelimit.Admission, error)
	Commit(n int)
	Flush(ctx context.Context) error
	Saturate(ctx context.Context) error
}

// Result summarizes one gather run.
type Result struct {
	Status          syncerrors.Outcome `json:"status"`
	RunID           string             `json:"runId"`
	UserID          string             `json:"userId"`
	ActivitiesAdded int                `json:"activitiesAdded"`
	ActivitiesSeen  int                `json:"activitiesSeen"`
	Skipped         int                `json:"skipped"`
	PagesFetched    int                `json:"pagesFetched"`
	CallsMade       int                `json:"callsMade"`
	Cursor          string             `json:"cursor"`
	NextResetAt     *time.Time         `json:"nextResetAt,omitempty"`
	Error           string             `json:"error,omitempty"`
}

type Gatherer struct {
	store    Store
	clients  strava.ClientFactory
	budget   Budget
	logger   *slog.Logger
	pageSize int
	now      func() time.Time
}

func NewGatherer(store Store, clients strava.ClientFactory, budget Budget, pageSize int, logger *slog.Logger) *Gatherer {
	if pageSize <= 0 || pageSize > strava.MaxPerPage {
		pageSize = strava.MaxPerPage
	}
	return &Gatherer{
		store:    store,
		clients:  clients,
		budget:   budget,
		logger:   logger.With("component", "gather"),
		pageSize: pageSize,
		now:      time.Now,
	}
}

// run carries the state of one Gather call between steps.
type run struct {
	userID     string
	logger     *slog.Logger
	checkpoint types.SyncCheckpoint
	result     *Result

	settings *types.UserSettings
	api      strava.API
	budget   int
	cursor   types.SyncCursor
	page     int
	after    int64
	items    []strava.SummaryActivity
}

// Gather fetches new activity summaries for userID until the remote history
// is exhausted or the call budget runs out. The accumulated call count is
// flushed to the governor exactly once, whatever the outcome.
func (g *Gatherer) Gather(ctx context.Context, userID string) (res *Result, err error) {
	runID := uuid.NewString()
	r := &run{
		userID: userID,
		logger: g.logger.With("user_id", userID, "run_id", runID),
		checkpoint: types.SyncCheckpoint{
			UserID: userID,
			RunID:  runID,
		},
		result: &Result{RunID: runID, UserID: userID},
	}

	defer func() {
		if flushErr := g.budget.Flush(context.WithoutCancel(ctx)); flushErr != nil {
			r.logger.Error("Failed to flush rate limit usage", "error", flushErr)
			if err == nil {
				err = flushErr
			}
		}
		res = g.finish(ctx, r, err)
		observability.RunOutcomes.WithLabelValues("gather", string(res.Status)).Inc()
	}()

	step := types.StepFetchUserSettings
	for step != types.StepDone {
		r.checkpoint.Step = step
		var next types.SyncStep
		switch step {
		case types.StepFetchUserSettings:
			next, err = g.fetchUserSettings(ctx, r)
		case types.StepCheckQuota:
			next, err = g.checkQuota(ctx, r)
		case types.StepFetchActivities:
			next, err = g.fetchActivities(ctx, r)
		case types.StepPersist:
			next, err = g.persist(ctx, r)
		default:
			err = fmt.Errorf("unknown gather step %q", step)
		}
		if err != nil {
			return r.result, err
		}
		step = next
		if cpErr := g.saveCheckpoint(ctx, r, step, nil); cpErr != nil {
			return r.result, cpErr
		}
	}
	return r.result, nil
}

func (g *Gatherer) fetchUserSettings(ctx context.Context, r *run) (types.SyncStep, error) {
	settings, err := g.store.GetUser(ctx, r.userID)
	if err != nil {
		return "", err
	}
	r.settings = settings
	r.cursor = settings.Cursor()

	api, err := g.clients.ForUser(ctx, r.userID)
	if err != nil {
		return "", fmt.Errorf("build strava client: %w", err)
	}
	r.api = api
	return types.StepCheckQuota, nil
}

func (g *Gatherer) checkQuota(ctx context.Context, r *run) (types.SyncStep, error) {
	adm, err := g.budget.CheckAdmission(ctx, 1)
	if err != nil {
		return "", err
	}
	if !adm.Admitted {
		reset := adm.NextResetAt
		r.result.NextResetAt = &reset
		return "", &syncerrors.QuotaExceededError{Service: shared.ServiceStrava, NextResetAt: adm.NextResetAt}
	}
	r.budget = adm.CallsAvailable

	if r.cursor.AllSynced {
		latest, err := g.store.GetLatestActivity(ctx, r.userID)
		if err != nil {
			return "", err
		}
		if latest != nil && !latest.StartTime.IsZero() {
			r.after = latest.StartTime.Unix()
		}
		r.page = 1
	} else {
		r.page = r.cursor.Page + 1
	}
	r.logger.Info("Gather starting", "cursor", r.cursor.String(), "page", r.page, "after", r.after, "budget", r.budget)
	return types.StepFetchActivities, nil
}

func (g *Gatherer) fetchActivities(ctx context.Context, r *run) (types.SyncStep, error) {
	if r.result.CallsMade >= r.budget {
		r.logger.Info("Call budget exhausted", "calls_made", r.result.CallsMade, "cursor", r.cursor.String())
		return types.StepDone, g.setCursor(ctx, r, r.cursor)
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Join(err, g.setCursor(ctx, r, r.cursor))
	}

	r.checkpoint.Page = r.page
	items, err := r.api.ListActivities(ctx, strava.ListParams{After: r.after, Page: r.page, PerPage: g.pageSize})
	g.budget.Commit(1)
	r.result.CallsMade++
	r.checkpoint.CallsMade = r.result.CallsMade
	if err != nil {
		var quota *syncerrors.QuotaExceededError
		if errors.As(err, &quota) {
			if satErr := g.budget.Saturate(ctx); satErr != nil {
				r.logger.Warn("Failed to saturate rate limit window", "error", satErr)
			}
			reset := quota.NextResetAt
			r.result.NextResetAt = &reset
		}
		r.logger.Warn("Page fetch failed, keeping progress", "page", r.page, "cursor", r.cursor.String(), "error", err)
		return "", errors.Join(err, g.setCursor(ctx, r, r.cursor))
	}

	observability.PagesFetched.Inc()
	r.result.PagesFetched++
	r.items = items
	return types.StepPersist, nil
}

func (g *Gatherer) persist(ctx context.Context, r *run) (types.SyncStep, error) {
	syncedAt := g.now().UTC()
	for _, item := range r.items {
		activity, err := strava.NormalizeSummary(r.userID, item, syncedAt)
		if err != nil {
			r.logger.Warn("Skipping malformed activity", "activity_id", item.ID, "error", err)
			r.result.Skipped++
			continue
		}
		created, err := g.store.UpsertActivitySummary(ctx, activity)
		if err != nil {
			return "", errors.Join(err, g.setCursor(ctx, r, r.cursor))
		}
		r.result.ActivitiesSeen++
		if created {
			r.result.ActivitiesAdded++
			observability.ActivitiesGathered.Inc()
		}
	}
	r.checkpoint.ActivitiesAdded = r.result.ActivitiesAdded

	terminal := len(r.items) < g.pageSize
	r.logger.Info("Page persisted", "page", r.page, "items", len(r.items), "terminal", terminal)
	r.items = nil

	switch {
	case terminal:
		return types.StepDone, g.setCursor(ctx, r, types.AllSynced())
	case !r.cursor.AllSynced:
		if err := g.setCursor(ctx, r, r.cursor.Advance(r.page)); err != nil {
			return "", err
		}
	}
	r.page++
	return types.StepFetchActivities, nil
}

// setCursor persists cursor when it differs from the stored one. The store
// keeps a cursor a concurrent run has already moved further ahead.
func (g *Gatherer) setCursor(ctx context.Context, r *run, cursor types.SyncCursor) error {
	r.result.Cursor = cursor.String()
	if r.settings == nil {
		return nil
	}
	stored := r.settings.Cursor()
	if r.settings.SyncCursor != nil && stored == cursor {
		r.cursor = cursor
		return nil
	}
	persisted, err := g.store.AdvanceSyncCursor(context.WithoutCancel(ctx), r.userID, cursor)
	if err != nil {
		r.logger.Error("Failed to persist sync cursor", "cursor", cursor.String(), "error", err)
		return err
	}
	if persisted != cursor {
		r.logger.Warn("Stored sync cursor is ahead of this run", "cursor", cursor.String(), "stored", persisted.String())
	}
	r.result.Cursor = persisted.String()
	r.cursor = persisted
	r.settings.SyncCursor = &persisted
	return nil
}

func (g *Gatherer) saveCheckpoint(ctx context.Context, r *run, step types.SyncStep, runErr error) error {
	r.checkpoint.Step = step
	r.checkpoint.UpdatedAt = g.now().UTC()
	r.checkpoint.Error = ""
	if runErr != nil {
		r.checkpoint.Error = runErr.Error()
	}
	cp := r.checkpoint
	return g.store.SetSyncCheckpoint(context.WithoutCancel(ctx), &cp)
}

func (g *Gatherer) finish(ctx context.Context, r *run, err error) *Result {
	res := r.result
	if res.Cursor == "" {
		res.Cursor = r.cursor.String()
	}

	switch {
	case err == nil && res.ActivitiesAdded == 0:
		res.Status = syncerrors.OutcomeNothingToDo
	case err == nil:
		res.Status = syncerrors.OutcomeSuccess
		observability.RecordGatherSuccess(g.now())
	default:
		res.Status = syncerrors.Classify(err)
		res.Error = err.Error()
		if r.settings == nil {
			break
		}
		if cpErr := g.saveCheckpoint(ctx, r, types.StepFailed, err); cpErr != nil {
			r.logger.Warn("Failed to record failed checkpoint", "error", cpErr)
		}
	}

	attrs := []any{"status", res.Status, "activities_added", res.ActivitiesAdded, "pages", res.PagesFetched,
		"calls", res.CallsMade, "cursor", res.Cursor}
	switch {
	case err == nil:
		r.logger.Info("Gather finished", attrs...)
	case syncerrors.IsExpected(err):
		r.logger.Info("Gather deferred", append(attrs, "reason", err.Error())...)
	default:
		r.logger.Error("Gather failed", append(attrs, "error", err)...)
	}
	return res
}
