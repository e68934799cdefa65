// Package api exposes the pipeline stages over HTTP for manual triggers,
// schedulers that speak HTTP, and operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/enrich"
	"github.com/fitglue/stravasync/pkg/gather"
	"github.com/fitglue/stravasync/pkg/infrastructure/pubsub"
	"github.com/fitglue/stravasync/pkg/report"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

// Gatherer runs one gather for a user.
type Gatherer interface {
	Gather(ctx context.Context, userID string) (*gather.Result, error)
}

// Enricher runs enrichment batches and single activities.
type Enricher interface {
	Enrich(ctx context.Context) (*enrich.Result, error)
	FanOut(ctx context.Context, publisher shared.Publisher, topic string) (*enrich.FanOutResult, error)
	EnrichActivity(ctx context.Context, userID, activityID string) (*enrich.Detail, error)
}

// RateLimits reports the persisted call budget.
type RateLimits interface {
	Status(ctx context.Context) (*types.RateLimitStatus, error)
}

// Jobs reports single-flight state.
type Jobs interface {
	Status(ctx context.Context, job string) (*types.RunningStatus, error)
}

// Reporter builds training-load reports.
type Reporter interface {
	Report(ctx context.Context, userID string, from, to time.Time) (*report.TrainingLoad, error)
}

// Handler serves the pipeline routes.
type Handler struct {
	Gatherer  Gatherer
	Enricher  Enricher
	Limits    RateLimits
	Jobs      Jobs
	Reporter  Reporter
	Publisher shared.Publisher
	Logger    *slog.Logger

	now func() time.Time
}

func NewHandler(g Gatherer, e Enricher, limits RateLimits, jobs Jobs, r Reporter, pub shared.Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		Gatherer:  g,
		Enricher:  e,
		Limits:    limits,
		Jobs:      jobs,
		Reporter:  r,
		Publisher: pub,
		Logger:    logger.With("component", "api"),
		now:       time.Now,
	}
}

// Routes returns the router with every endpoint mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/users/{userID}/gather", h.gather)
	r.Get("/users/{userID}/training-load", h.trainingLoad)
	r.Post("/users/{userID}/activities/{activityID}/enrich", h.enrichActivity)
	r.Post("/enrich", h.enrich)
	r.Post("/enrich/fan-out", h.fanOut)
	r.Get("/enrich/status", h.enrichStatus)
	r.Get("/rate-limit", h.rateLimit)
	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Logger.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// gather runs a gather inline, or publishes a gather request when
// ?async=true.
func (h *Handler) gather(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		e, err := pubsub.NewCloudEvent(pubsub.SourceServer, pubsub.EventTypeGatherRequested, map[string]string{"userId": userID})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "event_error", err.Error())
			return
		}
		msgID, err := h.Publisher.PublishCloudEvent(r.Context(), shared.TopicGatherJob, e)
		if err != nil {
			h.Logger.Error("Failed to publish gather request", "user_id", userID, "error", err)
			writeError(w, http.StatusBadGateway, "publish_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "messageId": msgID})
		return
	}

	res, err := h.Gatherer.Gather(r.Context(), userID)
	if res == nil {
		h.writeResult(w, nil, err)
		return
	}
	h.writeResult(w, res, err)
}

func (h *Handler) enrich(w http.ResponseWriter, r *http.Request) {
	res, err := h.Enricher.Enrich(r.Context())
	if res == nil {
		h.writeResult(w, nil, err)
		return
	}
	h.writeResult(w, res, err)
}

func (h *Handler) fanOut(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = shared.TopicEnrichJob
	}
	res, err := h.Enricher.FanOut(r.Context(), h.Publisher, topic)
	if res == nil {
		h.writeResult(w, nil, err)
		return
	}
	h.writeResult(w, res, err)
}

func (h *Handler) enrichActivity(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Enricher.EnrichActivity(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "activityID"))
	if detail == nil {
		h.writeResult(w, nil, err)
		return
	}
	h.writeResult(w, detail, err)
}

func (h *Handler) enrichStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Jobs.Status(r.Context(), shared.JobEnrichment)
	if err != nil {
		writeError(w, syncerrors.HTTPStatus(err), "status_unavailable", err.Error())
		return
	}
	if status == nil {
		status = &types.RunningStatus{JobName: shared.JobEnrichment}
	}
	writeJSON(w, http.StatusOK, status)
}

// RateLimitView is the /rate-limit response.
type RateLimitView struct {
	types.RateLimitStatus
	ShortRemaining int `json:"shortRemaining"`
	DailyRemaining int `json:"dailyRemaining"`
}

func (h *Handler) rateLimit(w http.ResponseWriter, r *http.Request) {
	status, err := h.Limits.Status(r.Context())
	if err != nil {
		writeError(w, syncerrors.HTTPStatus(err), "status_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RateLimitView{
		RateLimitStatus: *status,
		ShortRemaining:  max(status.ShortWindowLimit-status.ShortWindowCount, 0),
		DailyRemaining:  max(status.DailyLimit-status.DailyCount, 0),
	})
}

func (h *Handler) trainingLoad(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := report.ParseRange(q.Get("from"), q.Get("to"), h.now())
	if err != nil {
		writeError(w, syncerrors.HTTPStatus(err), "invalid_range", err.Error())
		return
	}
	load, err := h.Reporter.Report(r.Context(), chi.URLParam(r, "userID"), from, to)
	if err != nil {
		writeError(w, syncerrors.HTTPStatus(err), "report_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, load)
}

// writeResult writes a run result with the status code of its error. Quota
// deferrals carry a Retry-After header.
func (h *Handler) writeResult(w http.ResponseWriter, result interface{}, err error) {
	status := syncerrors.HTTPStatus(err)
	var quota *syncerrors.QuotaExceededError
	if errors.As(err, &quota) && !quota.NextResetAt.IsZero() {
		secs := math.Ceil(quota.NextResetAt.Sub(h.now()).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(int(max(secs, 1))))
	}
	if err != nil && status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed", "error", err, "status", status)
	}
	switch {
	case result != nil:
		writeJSON(w, status, result)
	case err != nil:
		writeError(w, status, "request_failed", err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
