package types

import "time"

// RateLimitStatus is the persisted two-window call budget of one remote
// service.
type RateLimitStatus struct {
	ServiceName        string    `json:"serviceName"`
	ShortWindowCount   int       `json:"shortWindowCount"`
	DailyCount         int       `json:"dailyCount"`
	ShortWindowLimit   int       `json:"shortWindowLimit"`
	DailyLimit         int       `json:"dailyLimit"`
	ShortWindowResetAt time.Time `json:"shortWindowResetAt"`
	DailyResetAt       time.Time `json:"dailyResetAt"`
}

// RunningStatus is the persisted single-flight flag of a job.
type RunningStatus struct {
	JobName        string    `json:"jobName"`
	IsRunning      bool      `json:"isRunning"`
	LastUpdated    time.Time `json:"lastUpdated"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`
	Owner          string    `json:"owner,omitempty"`
}

// PoisonRecord is written for a queue message that could not be processed.
type PoisonRecord struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	UserID     string    `json:"userId"`
	ActivityID string    `json:"activityId"`
	Timestamp  time.Time `json:"timestamp"`
	Queue      string    `json:"queue"`
	Attempts   int       `json:"attempts"`
	Payload    string    `json:"payload,omitempty"`
}

// ExecutionStatus is the lifecycle state of a function execution.
type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "PENDING"
	ExecutionStarted  ExecutionStatus = "STARTED"
	ExecutionSuccess  ExecutionStatus = "SUCCESS"
	ExecutionDeferred ExecutionStatus = "DEFERRED"
	ExecutionSkipped  ExecutionStatus = "SKIPPED"
	ExecutionFailed   ExecutionStatus = "FAILED"
)

// ExecutionRecord tracks one invocation of a pipeline entry point.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	Service     string          `json:"service"`
	UserID      string          `json:"userId,omitempty"`
	TriggerType string          `json:"trigger_type"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	OutputsJSON string          `json:"outputs_json,omitempty"`
}

// SyncStep is a state of the gather state machine.
type SyncStep string

const (
	StepFetchUserSettings SyncStep = "FETCH_USER_SETTINGS"
	StepCheckQuota        SyncStep = "CHECK_QUOTA"
	StepFetchActivities   SyncStep = "FETCH_ACTIVITIES"
	StepPersist           SyncStep = "PERSIST"
	StepDone              SyncStep = "DONE"
	StepFailed            SyncStep = "FAILED"
)

// SyncCheckpoint is the serialized state of a gather run, written after each
// step so operators can see where an interrupted run stopped.
type SyncCheckpoint struct {
	UserID          string    `json:"userId"`
	RunID           string    `json:"runId"`
	Step            SyncStep  `json:"step"`
	Page            int       `json:"page"`
	ActivitiesAdded int       `json:"activitiesAdded"`
	CallsMade       int       `json:"callsMade"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Error           string    `json:"error,omitempty"`
}

// EnrichmentMessage is the queue payload asking for one activity to be
// enriched.
type EnrichmentMessage struct {
	ActivityID string `json:"activityId"`
	UserID     string `json:"userId"`
}
