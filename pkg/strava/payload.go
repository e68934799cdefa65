package strava

import "encoding/json"

// SummaryActivity is one item of the athlete activity listing.
type SummaryActivity struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	SportType        string   `json:"sport_type"`
	StartDate        string   `json:"start_date"`
	MovingTime       int      `json:"moving_time"`
	ElapsedTime      int      `json:"elapsed_time"`
	Distance         float64  `json:"distance"`
	AverageSpeed     float64  `json:"average_speed"`
	AverageHeartrate *float64 `json:"average_heartrate"`
	MaxHeartrate     *float64 `json:"max_heartrate"`
	HasHeartrate     bool     `json:"has_heartrate"`
}

// DetailedActivity is the response of the activity detail endpoint.
type DetailedActivity struct {
	SummaryActivity
	Laps []LapPayload `json:"laps"`
}

// LapPayload is a lap of a DetailedActivity.
type LapPayload struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	LapIndex         int      `json:"lap_index"`
	ElapsedTime      int      `json:"elapsed_time"`
	MovingTime       int      `json:"moving_time"`
	Distance         float64  `json:"distance"`
	AverageSpeed     float64  `json:"average_speed"`
	StartDate        string   `json:"start_date"`
	StartIndex       int      `json:"start_index"`
	EndIndex         int      `json:"end_index"`
	AverageHeartrate *float64 `json:"average_heartrate"`
}

// StreamPayload is one channel of a streams response requested with
// key_by_type=true. Data holds numbers, or [lat, lng] pairs for latlng.
type StreamPayload struct {
	Data         json.RawMessage `json:"data"`
	SeriesType   string          `json:"series_type"`
	OriginalSize int             `json:"original_size"`
	Resolution   string          `json:"resolution"`
}

// StreamSet maps channel name to payload.
type StreamSet map[string]StreamPayload
