// Package types holds the domain records shared by the sync and enrichment
// pipeline. Records are plain structs; the storage layer converts them to
// documents.
package types

import "time"

// Activity is a Strava activity in the internal schema. Summary records are
// written by the gatherer with FullData=false; the enricher fills the derived
// fields and flips FullData.
type Activity struct {
	ID          string    `json:"_id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	SportType   string    `json:"sport_type"`
	StartDate   string    `json:"start_date"`
	StartTime   time.Time `json:"-"`
	MovingTime  int       `json:"moving_time"`
	ElapsedTime int       `json:"elapsed_time"`
	Distance    float64   `json:"distance"`

	AverageSpeed     float64  `json:"average_speed"`
	AverageHeartrate *float64 `json:"average_heartrate"`
	MaxHeartrate     *float64 `json:"max_heartrate"`
	HasHeartrate     bool     `json:"has_heartrate"`

	HRReserve        *float64 `json:"hr_reserve"`
	PaceReserve      *float64 `json:"pace_reserve"`
	HRTrimp          *float64 `json:"hr_trimp"`
	PaceTrimp        *float64 `json:"pace_trimp"`
	HRMaxPercentage  *float64 `json:"hr_max_percentage"`
	VO2MaxEstimate   *float64 `json:"vo2max_estimate"`
	TrainingLoadZone string   `json:"training_load_zone,omitempty"`

	Laps       []Lap      `json:"laps"`
	FullData   bool       `json:"full_data"`
	SyncedAt   time.Time  `json:"synced_at"`
	EnrichedAt *time.Time `json:"enriched_at,omitempty"`

	// Failed enrichment attempts. An abandoned activity is no longer listed
	// as pending.
	EnrichAttempts  int    `json:"enrich_attempts"`
	EnrichError     string `json:"enrich_error,omitempty"`
	EnrichAbandoned bool   `json:"enrich_abandoned"`
}

// Lap is one entry of an activity's ordered lap list. StartIndex/EndIndex
// are sample indices into the activity stream, set once enriched.
type Lap struct {
	Index            int      `json:"lap_index"`
	Name             string   `json:"name"`
	ElapsedTime      int      `json:"elapsed_time"`
	MovingTime       int      `json:"moving_time"`
	Distance         float64  `json:"distance"`
	AverageSpeed     float64  `json:"average_speed"`
	StartDate        string   `json:"start_date"`
	StartIndex       *int     `json:"start_index"`
	EndIndex         *int     `json:"end_index"`
	AverageHeartrate *float64 `json:"average_heartrate"`
}

// Float returns a pointer to v. Derived fields use nil for "not yet known".
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}
