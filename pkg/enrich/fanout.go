package enrich

import (
	"context"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/infrastructure/pubsub"
	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

// FanOutResult summarizes a fan-out run.
type FanOutResult struct {
	Status    syncerrors.Outcome `json:"status"`
	Published int                `json:"published"`
	Failed    int                `json:"failed"`
	Details   []Detail           `json:"details"`
}

// FanOut publishes one enrichment message per pending activity in a
// quota-sized batch instead of enriching inline. Workers consuming the topic
// admit and commit their own calls. It holds the same single-flight job as
// Enrich so the two never pick the same batch.
func (e *Enricher) FanOut(ctx context.Context, publisher shared.Publisher, topic string) (res *FanOutResult, err error) {
	res = &FanOutResult{Details: []Detail{}}

	acquired, err := e.guard.TryAcquire(ctx, shared.JobEnrichment)
	if err != nil {
		return res, err
	}
	if !acquired {
		res.Status = syncerrors.OutcomeDeferred
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

	batch, _, err := e.admit(ctx)
	if err != nil {
		res.Status = syncerrors.Classify(err)
		return res, err
	}
	pending, err := e.store.ListActivitiesPendingEnrichment(ctx, batch)
	if err != nil {
		res.Status = syncerrors.OutcomeFailed
		return res, err
	}

	for _, a := range pending {
		d := Detail{ActivityID: a.ID, UserID: a.UserID}
		ev, err := pubsub.NewCloudEvent(pubsub.SourceEnricher, pubsub.EventTypeEnrichmentRequested,
			types.EnrichmentMessage{ActivityID: a.ID, UserID: a.UserID})
		if err == nil {
			_, err = publisher.PublishCloudEvent(ctx, topic, ev)
		}
		if err != nil {
			e.logger.Warn("Failed to publish enrichment message", "activity_id", a.ID, "error", err)
			d.Status, d.Error = StatusFailed, err.Error()
			res.Failed++
		} else {
			d.Status = StatusPublished
			res.Published++
		}
		res.Details = append(res.Details, d)
	}

	switch {
	case res.Published > 0:
		res.Status = syncerrors.OutcomeSuccess
	case res.Failed > 0:
		res.Status = syncerrors.OutcomeFailed
	default:
		res.Status = syncerrors.OutcomeNothingToDo
	}
	e.logger.Info("Enrichment fan-out finished", "published", res.Published, "failed", res.Failed, "topic", topic)
	return res, nil
}
