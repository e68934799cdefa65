// Package enrich upgrades summary activities to full records: detail and
// streams are fetched from Strava, training metrics are computed and the
// result is persisted with full_data set.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/observability"
	"github.com/fitglue/stravasync/pkg/ratelimit"
	"github.com/fitglue/stravasync/pkg/strava"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/training"
	"github.com/fitglue/stravasync/pkg/types"
)

// Store is the persistence surface the enricher needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*types.UserSettings, error)
	GetActivity(ctx context.Context, id string) (*types.Activity, error)
	SetActivity(ctx context.Context, activity *types.Activity) error
	SetStream(ctx context.Context, stream *types.Stream) error
	ListActivitiesPendingEnrichment(ctx context.Context, limit int) ([]*types.Activity, error)
	RecordEnrichmentFailure(ctx context.Context, id, message string, permanent bool, maxAttempts int) (int, bool, error)
}

// Budget is the rate-limit surface the enricher needs.
type Budget interface {
	CheckAdmission(ctx context.Context, callsNeeded int) (*ratelimit.Admission, error)
	Commit(n int)
	Flush(ctx context.Context) error
	Saturate(ctx context.Context) error
}

// Guard serializes batch runs.
type Guard interface {
	TryAcquire(ctx context.Context, job string) (bool, error)
	Release(ctx context.Context, job string) error
}

// Archiver stores a copy of the stream and returns its URI.
type Archiver interface {
	Archive(ctx context.Context, s *types.Stream) (string, error)
}

type Config struct {
	// Concurrency bounds the activities enriched at once.
	Concurrency int
	// BatchMax caps the activities taken per run regardless of quota.
	BatchMax int
	// MaxAttempts is the number of failed enrichments after which an
	// activity stops being listed as pending.
	MaxAttempts int
}

// DefaultMaxAttempts applies when Config.MaxAttempts is unset.
const DefaultMaxAttempts = 3

// Item statuses reported in Detail.
const (
	StatusEnriched  = "enriched"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusPublished = "published"
	StatusAbandoned = "abandoned"
)

// Detail is the per-activity outcome of a run.
type Detail struct {
	ActivityID string `json:"activityId"`
	UserID     string `json:"userId"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Abandoned  bool   `json:"abandoned,omitempty"`
}

// Result summarizes a batch run.
type Result struct {
	Status             syncerrors.Outcome `json:"status"`
	ActivitiesEnhanced int                `json:"activitiesEnhanced"`
	Failed             int                `json:"failed"`
	CallsAvailable     int                `json:"callsAvailable"`
	NextResetAt        *time.Time         `json:"nextResetAt,omitempty"`
	Details            []Detail           `json:"details"`
}

type Enricher struct {
	store    Store
	clients  strava.ClientFactory
	budget   Budget
	guard    Guard
	archiver Archiver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEnricher wires an enricher. archiver may be nil to skip stream archiving.
func NewEnricher(store Store, clients strava.ClientFactory, budget Budget, guard Guard, archiver Archiver, cfg Config, logger *slog.Logger) *Enricher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = shared.DefaultEnrichBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Enricher{
		store:    store,
		clients:  clients,
		budget:   budget,
		guard:    guard,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With("component", "enrich"),
		now:      time.Now,
	}
}

// admit checks the budget for one activity and returns the batch size the
// remaining budget allows.
func (e *Enricher) admit(ctx context.Context) (int, *ratelimit.Admission, error) {
	adm, err := e.budget.CheckAdmission(ctx, shared.CallsPerEnrichment)
	if err != nil {
		return 0, nil, err
	}
	if !adm.Admitted {
		return 0, adm, &syncerrors.QuotaExceededError{Service: shared.ServiceStrava, NextResetAt: adm.NextResetAt}
	}
	return min(adm.CallsAvailable/shared.CallsPerEnrichment, e.cfg.BatchMax), adm, nil
}

// Enrich processes one quota-sized batch of pending activities. Only one run
// per job executes at a time; a concurrent call fails with
// syncerrors.ErrAlreadyRunning. Item failures are reported in the result
// and do not fail the run.
func (e *Enricher) Enrich(ctx context.Context) (res *Result, err error) {
	res = &Result{Details: []Detail{}}
	defer func() {
		if err != nil {
			res.Status = syncerrors.Classify(err)
		}
		observability.RunOutcomes.WithLabelValues("enrich", string(res.Status)).Inc()
	}()

	acquired, err := e.guard.TryAcquire(ctx, shared.JobEnrichment)
	if err != nil {
		return res, err
	}
	if !acquired {
		e.logger.Info("Enrichment already running, skipping")
		return res, syncerrors.ErrAlreadyRunning
	}
	defer func() {
		if relErr := e.guard.Release(context.WithoutCancel(ctx), shared.JobEnrichment); relErr != nil {
			e.logger.Error("Failed to release enrichment guard", "error", relErr)
			if err == nil {
				err = relErr
			}
		}
	}()

	batch, adm, err := e.admit(ctx)
	if adm != nil {
		res.CallsAvailable = adm.CallsAvailable
	}
	if err != nil {
		if adm != nil {
			reset := adm.NextResetAt
			res.NextResetAt = &reset
			e.logger.Info("Enrichment deferred by rate limit", "next_reset_at", reset, "calls_available", adm.CallsAvailable)
		}
		return res, err
	}

	pending, err := e.store.ListActivitiesPendingEnrichment(ctx, batch)
	if err != nil {
		return res, err
	}
	if len(pending) == 0 {
		res.Status = syncerrors.OutcomeNothingToDo
		e.logger.Info("No activities pending enrichment")
		return res, nil
	}

	defer func() {
		if flushErr := e.budget.Flush(context.WithoutCancel(ctx)); flushErr != nil {
			e.logger.Error("Failed to flush rate limit usage", "error", flushErr)
			if err == nil {
				err = flushErr
			}
		}
	}()

	e.logger.Info("Enrichment batch starting", "batch", len(pending), "calls_available", adm.CallsAvailable, "concurrency", e.cfg.Concurrency)

	res.Details = make([]Detail, len(pending))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, activity := range pending {
		g.Go(func() error {
			res.Details[i] = e.process(ctx, activity)
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range res.Details {
		switch d.Status {
		case StatusEnriched:
			res.ActivitiesEnhanced++
		case StatusFailed:
			res.Failed++
		}
	}
	switch {
	case res.ActivitiesEnhanced > 0:
		res.Status = syncerrors.OutcomeSuccess
	case res.Failed > 0:
		res.Status = syncerrors.OutcomeFailed
	default:
		res.Status = syncerrors.OutcomeNothingToDo
	}
	e.logger.Info("Enrichment batch finished", "enhanced", res.ActivitiesEnhanced, "failed", res.Failed, "status", res.Status)
	return res, nil
}

// process enriches one activity, turning any failure into a Detail. Work is
// not started once ctx is cancelled.
func (e *Enricher) process(ctx context.Context, activity *types.Activity) Detail {
	d := Detail{ActivityID: activity.ID, UserID: activity.UserID}
	if err := ctx.Err(); err != nil {
		d.Status, d.Error = StatusSkipped, err.Error()
		observability.ActivitiesEnriched.WithLabelValues(StatusSkipped).Inc()
		return d
	}

	logger := e.logger.With("activity_id", activity.ID, "user_id", activity.UserID)
	if err := e.enrichOne(ctx, logger, activity); err != nil {
		logger.Warn("Activity enrichment failed", "error", err)
		d.Status, d.Error = StatusFailed, err.Error()
		d.Abandoned = e.recordFailure(ctx, logger, activity.ID, err)
		observability.ActivitiesEnriched.WithLabelValues(StatusFailed).Inc()
		return d
	}
	d.Status = StatusEnriched
	observability.ActivitiesEnriched.WithLabelValues(StatusEnriched).Inc()
	return d
}

// enrichOne fetches, computes and persists. The stream is written before the
// activity so full_data=true implies the stream exists.
func (e *Enricher) enrichOne(ctx context.Context, logger *slog.Logger, summary *types.Activity) error {
	settings, err := e.store.GetUser(ctx, summary.UserID)
	if err != nil {
		return err
	}
	api, err := e.clients.ForUser(ctx, summary.UserID)
	if err != nil {
		return fmt.Errorf("build strava client: %w", err)
	}

	detail, err := api.GetActivity(ctx, summary.ID)
	e.budget.Commit(1)
	if err != nil {
		return e.remoteFailure(ctx, err)
	}
	set, err := api.GetStreams(ctx, summary.ID, types.StreamKeys)
	e.budget.Commit(1)
	if err != nil {
		return e.remoteFailure(ctx, err)
	}

	activity, err := strava.NormalizeDetail(summary.UserID, detail, summary.SyncedAt)
	if err != nil {
		return err
	}
	stream, err := strava.NormalizeStreams(activity.ID, activity.UserID, set)
	if err != nil {
		return err
	}

	metrics := training.Compute(activity, stream, settings)
	for _, gap := range metrics.Gaps {
		logger.Warn("Lap boundary does not match accumulated elapsed time",
			"lap_index", gap.LapIndex, "expected_offset_s", gap.ExpectedOffset, "recorded_offset_s", gap.RecordedOffset)
	}
	metrics.Apply(activity)

	// A started unit is completed even if the caller goes away.
	persistCtx := context.WithoutCancel(ctx)
	if e.archiver != nil {
		uri, err := e.archiver.Archive(persistCtx, stream)
		if err != nil {
			logger.Warn("Stream archive failed, continuing without it", "error", err)
		} else {
			stream.ArchiveURI = uri
		}
	}
	if err := e.store.SetStream(persistCtx, stream); err != nil {
		return err
	}

	enrichedAt := e.now().UTC()
	activity.FullData = true
	activity.EnrichedAt = &enrichedAt
	if activity.SyncedAt.IsZero() {
		activity.SyncedAt = enrichedAt
	}
	if err := e.store.SetActivity(persistCtx, activity); err != nil {
		return err
	}
	logger.Info("Activity enriched", "laps", len(activity.Laps), "samples", stream.Len(), "zone", activity.TrainingLoadZone)
	return nil
}

// recordFailure counts a failed attempt against the activity and reports
// whether it has been abandoned. Quota deferrals, cancellations and broken
// account links say nothing about the activity and are not counted.
func (e *Enricher) recordFailure(ctx context.Context, logger *slog.Logger, activityID string, cause error) bool {
	permanent := syncerrors.IsPermanent(cause)
	var quota *syncerrors.QuotaExceededError
	var auth *syncerrors.AuthError
	if errors.As(cause, &quota) || errors.Is(cause, context.Canceled) || (errors.As(cause, &auth) && !permanent) {
		return false
	}
	attempts, abandoned, err := e.store.RecordEnrichmentFailure(context.WithoutCancel(ctx), activityID, cause.Error(), permanent, e.cfg.MaxAttempts)
	if err != nil {
		logger.Error("Failed to record enrichment failure", "error", err)
		return false
	}
	if abandoned {
		observability.ActivitiesEnriched.WithLabelValues(StatusAbandoned).Inc()
		logger.Warn("Activity abandoned for enrichment", "attempts", attempts, "permanent", permanent)
	}
	return abandoned
}

// remoteFailure saturates the local budget when Strava reports its quota
// exhausted, so the rest of the batch and the next run back off.
func (e *Enricher) remoteFailure(ctx context.Context, err error) error {
	var quota *syncerrors.QuotaExceededError
	if errors.As(err, &quota) {
		if satErr := e.budget.Saturate(context.WithoutCancel(ctx)); satErr != nil {
			e.logger.Warn("Failed to saturate rate limit window", "error", satErr)
		}
	}
	return err
}

// EnrichActivity enriches a single activity outside a batch run, as driven
// by the queue consumer. Already enriched activities are skipped.
func (e *Enricher) EnrichActivity(ctx context.Context, userID, activityID string) (d *Detail, err error) {
	d = &Detail{ActivityID: activityID, UserID: userID}
	logger := e.logger.With("activity_id", activityID, "user_id", userID)

	stored, err := e.store.GetActivity(ctx, activityID)
	if err != nil {
		return d, err
	}
	if stored != nil && stored.FullData {
		logger.Info("Activity already enriched, skipping")
		d.Status = StatusSkipped
		return d, nil
	}
	if stored == nil {
		stored = &types.Activity{ID: activityID, UserID: userID}
	}

	if _, _, err := e.admit(ctx); err != nil {
		return d, err
	}
	defer func() {
		if flushErr := e.budget.Flush(context.WithoutCancel(ctx)); flushErr != nil {
			logger.Error("Failed to flush rate limit usage", "error", flushErr)
			if err == nil {
				err = flushErr
			}
		}
	}()

	if err := e.enrichOne(ctx, logger, stored); err != nil {
		d.Status, d.Error = StatusFailed, err.Error()
		d.Abandoned = e.recordFailure(ctx, logger, activityID, err)
		observability.ActivitiesEnriched.WithLabelValues(StatusFailed).Inc()
		return d, err
	}
	d.Status = StatusEnriched
	observability.ActivitiesEnriched.WithLabelValues(StatusEnriched).Inc()
	return d, nil
}
