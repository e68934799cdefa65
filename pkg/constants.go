package shared

const (
	ProjectID = "fitglue-project" // Can be overridden by env var in main if needed

	// Rate-limited remote service and single-flight job names double as
	// persistence keys.
	ServiceStrava   = "strava"
	JobEnrichment   = "enrichment"
	TopicEnrichJob  = "topic-activity-enrichment"
	TopicGatherJob  = "topic-activity-gather"
	QueueEnrichment = "activity-enrichment"

	CollectionUsers          = "users"
	CollectionActivities     = "activities"
	CollectionStreams        = "streams"
	CollectionRateLimits     = "rate_limits"
	CollectionRunningStatus  = "running_status"
	CollectionPoisonMessages = "poison_messages"
	CollectionExecutions     = "executions"
	CollectionSyncRuns       = "sync_runs"

	DefaultArtifactBucket = "fitglue-artifacts"
	StreamArchivePrefix   = "streams"

	CallsPerEnrichment     = 2
	MaxActivitiesPageSize  = 200
	DefaultEnrichBatchSize = 50
)
