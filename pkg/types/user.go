package types

import (
	"strconv"
	"time"
)

// Gender selects the TRIMP weighting constant.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// SyncCursor is either "all pages synced" or "synced through page N".
// The zero value is Page(0): nothing synced yet.
type SyncCursor struct {
	AllSynced bool `json:"all_synced"`
	Page      int  `json:"page"`
}

// AllSynced returns the sentinel cursor marking a completed full sync.
func AllSynced() SyncCursor {
	return SyncCursor{AllSynced: true}
}

// Page returns a cursor marking page n as the last fetched page.
func Page(n int) SyncCursor {
	return SyncCursor{Page: n}
}

// Advance moves a page cursor forward to n. It never regresses and never
// leaves the all-synced state.
func (c SyncCursor) Advance(n int) SyncCursor {
	if c.AllSynced || n <= c.Page {
		return c
	}
	return Page(n)
}

// Furthest returns whichever of c and other marks more progress. All synced
// is ahead of every page.
func (c SyncCursor) Furthest(other SyncCursor) SyncCursor {
	if c.AllSynced || other.AllSynced {
		return AllSynced()
	}
	return Page(max(c.Page, other.Page))
}

func (c SyncCursor) String() string {
	if c.AllSynced {
		return "all"
	}
	return "page:" + strconv.Itoa(c.Page)
}

// StravaCredentials are the OAuth tokens for the user's Strava link.
type StravaCredentials struct {
	AthleteID    string    `json:"athlete_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// UserSettings are the per-user physiological constants plus the sync
// cursor. Owned by the account-settings subsystem; the gatherer only writes
// the cursor.
type UserSettings struct {
	UserID             string             `json:"userId"`
	MaxHeartrate       float64            `json:"max_hr"`
	RestingHeartrate   float64            `json:"resting_hr"`
	ThresholdHeartrate float64            `json:"threshold_hr"`
	ThresholdPace      float64            `json:"threshold_pace"`
	Gender             Gender             `json:"gender"`
	SyncCursor         *SyncCursor        `json:"sync_cursor,omitempty"`
	Strava             *StravaCredentials `json:"strava,omitempty"`
}

// Cursor returns the stored cursor or Page(0) when the user never synced.
func (u *UserSettings) Cursor() SyncCursor {
	if u == nil || u.SyncCursor == nil {
		return Page(0)
	}
	return *u.SyncCursor
}
