package pubsub

// CloudEvent types and sources emitted by the pipeline.
const (
	EventTypeEnrichmentRequested = "com.fitglue.stravasync.activity.enrichment.requested"
	EventTypeGatherRequested     = "com.fitglue.stravasync.activity.gather.requested"

	SourceEnricher = "/stravasync/enricher"
	SourceServer   = "/stravasync/server"
)
