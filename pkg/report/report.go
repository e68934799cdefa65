// Package report builds a user's ATL/CTL/TSB history from enriched
// activities.
package report

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/training"
	"github.com/fitglue/stravasync/pkg/types"
)

// Store is the persistence surface the report needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*types.UserSettings, error)
	ListActivitiesInRange(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error)
}

// TrainingLoad is the report for [From, To].
type TrainingLoad struct {
	UserID     string          `json:"userId"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Activities int             `json:"activities"`
	Days       []training.Load `json:"days"`
	Summary    string          `json:"summary"`
}

type Reporter struct {
	store Store
	tag   language.Tag
}

func NewReporter(store Store) *Reporter {
	return &Reporter{store: store, tag: language.English}
}

// Report returns one Load per day in [from, to]. Loads are warmed up over
// the chronic window preceding from, so the first reported day is already
// meaningful.
func (r *Reporter) Report(ctx context.Context, userID string, from, to time.Time) (*TrainingLoad, error) {
	if to.Before(from) {
		return nil, &syncerrors.ValidationError{Field: "to", Reason: "range end is before its start"}
	}
	if _, err := r.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	warmup := from.AddDate(0, 0, -training.ChronicDays)
	activities, err := r.store.ListActivitiesInRange(ctx, userID, dayStart(warmup), dayStart(to).AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	series := training.TrainingLoadSeries(training.BuildDailySeries(activities, warmup, to))
	out := &TrainingLoad{UserID: userID, From: dayStart(from), To: dayStart(to), Days: []training.Load{}}
	for _, d := range series {
		if !d.Date.Before(out.From) {
			out.Days = append(out.Days, d)
		}
	}
	for _, a := range activities {
		if !a.StartTime.Before(out.From) {
			out.Activities++
		}
	}
	out.Summary = r.summarize(out)
	return out, nil
}

func (r *Reporter) summarize(t *TrainingLoad) string {
	p := message.NewPrinter(r.tag)
	if len(t.Days) == 0 {
		return p.Sprintf("No training load data for %s", t.UserID)
	}
	var total float64
	for _, d := range t.Days {
		total += d.TSS
	}
	last := t.Days[len(t.Days)-1]
	return p.Sprintf("%d activities over %d days, total load %.0f. Fitness (CTL) %.1f, fatigue (ATL) %.1f, form (TSB) %s",
		t.Activities, len(t.Days), total, last.CTL, last.ATL, formatSigned(p, last.TSB))
}

func formatSigned(p *message.Printer, v float64) string {
	if v > 0 {
		return "+" + p.Sprintf("%.1f", v)
	}
	return p.Sprintf("%.1f", v)
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseRange reads "YYYY-MM-DD" bounds, defaulting to the 28 days ending
// today.
func ParseRange(fromRaw, toRaw string, now time.Time) (time.Time, time.Time, error) {
	to := dayStart(now)
	if toRaw != "" {
		t, err := time.Parse(time.DateOnly, toRaw)
		if err != nil {
			return time.Time{}, time.Time{}, &syncerrors.ValidationError{Field: "to", Reason: fmt.Sprintf("invalid date %q", toRaw), Err: err}
		}
		to = t
	}
	from := to.AddDate(0, 0, -27)
	if fromRaw != "" {
		t, err := time.Parse(time.DateOnly, fromRaw)
		if err != nil {
			return time.Time{}, time.Time{}, &syncerrors.ValidationError{Field: "from", Reason: fmt.Sprintf("invalid date %q", fromRaw), Err: err}
		}
		from = t
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, &syncerrors.ValidationError{Field: "to", Reason: "range end is before its start"}
	}
	return from, to, nil
}
