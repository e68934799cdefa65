package strava

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fitglue/stravasync/pkg/syncerrors"
	"github.com/fitglue/stravasync/pkg/types"
)

// dateLayouts are tried in order; dates without a zone are taken as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// NormalizeDate parses a remote timestamp and returns it in ISO-8601 UTC
// with second precision.
func NormalizeDate(raw string) (string, time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC().Truncate(time.Second)
			return t.Format(time.RFC3339), t, nil
		}
	}
	return "", time.Time{}, &syncerrors.ValidationError{Field: "start_date", Reason: fmt.Sprintf("unparseable date %q", raw)}
}

// NormalizeSummary maps a listing item to a summary Activity with every
// derived field unset and FullData false.
func NormalizeSummary(userID string, s SummaryActivity, syncedAt time.Time) (*types.Activity, error) {
	if s.ID == 0 {
		return nil, &syncerrors.ValidationError{Field: "id", Reason: "missing activity id"}
	}
	date, start, err := NormalizeDate(s.StartDate)
	if err != nil {
		return nil, err
	}

	return &types.Activity{
		ID:               strconv.FormatInt(s.ID, 10),
		UserID:           userID,
		Name:             s.Name,
		Type:             s.Type,
		SportType:        s.SportType,
		StartDate:        date,
		StartTime:        start,
		MovingTime:       s.MovingTime,
		ElapsedTime:      s.ElapsedTime,
		Distance:         s.Distance,
		AverageSpeed:     s.AverageSpeed,
		AverageHeartrate: s.AverageHeartrate,
		MaxHeartrate:     s.MaxHeartrate,
		HasHeartrate:     s.HasHeartrate && s.AverageHeartrate != nil,
		Laps:             []types.Lap{},
		FullData:         false,
		SyncedAt:         syncedAt.UTC(),
	}, nil
}

// NormalizeDetail maps a detailed activity. Laps keep their remote order;
// sample indices are left for the enricher to compute.
func NormalizeDetail(userID string, d *DetailedActivity, syncedAt time.Time) (*types.Activity, error) {
	a, err := NormalizeSummary(userID, d.SummaryActivity, syncedAt)
	if err != nil {
		return nil, err
	}
	for i, l := range d.Laps {
		lapDate := l.StartDate
		if normalized, _, err := NormalizeDate(l.StartDate); err == nil {
			lapDate = normalized
		}
		index := l.LapIndex
		if index == 0 {
			index = i + 1
		}
		a.Laps = append(a.Laps, types.Lap{
			Index:            index,
			Name:             l.Name,
			ElapsedTime:      l.ElapsedTime,
			MovingTime:       l.MovingTime,
			Distance:         l.Distance,
			AverageSpeed:     l.AverageSpeed,
			StartDate:        lapDate,
			AverageHeartrate: l.AverageHeartrate,
		})
	}
	return a, nil
}

// NormalizeStreams converts a keyed streams response. The time channel is
// required since every other channel is aligned to it.
func NormalizeStreams(activityID, userID string, set StreamSet) (*types.Stream, error) {
	timePayload, ok := set[types.ChannelTime]
	if !ok {
		return nil, &syncerrors.ValidationError{Field: "streams", Reason: "missing time channel"}
	}

	s := &types.Stream{
		ActivityID:   activityID,
		UserID:       userID,
		Channels:     make(map[string][]float64, len(set)),
		OriginalSize: timePayload.OriginalSize,
	}
	for key, payload := range set {
		if key == types.ChannelLatLng {
			if err := json.Unmarshal(payload.Data, &s.LatLng); err != nil {
				return nil, &syncerrors.ValidationError{Field: key, Reason: "malformed latlng channel", Err: err}
			}
			continue
		}
		var data []float64
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return nil, &syncerrors.ValidationError{Field: key, Reason: "malformed channel", Err: err}
		}
		s.Channels[key] = data
	}
	if s.OriginalSize == 0 {
		s.OriginalSize = s.Len()
	}
	return s, nil
}
