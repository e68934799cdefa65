package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/ratelimit"
)

// Store backends.
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
)

// Queue backends.
const (
	QueuePubSub = "pubsub"
	QueueKafka  = "kafka"
	QueueLog    = "log"
)

// Config holds standard configuration for all services
type Config struct {
	ProjectID       string
	CredentialsFile string
	Environment     string

	StoreBackend      string
	PostgresURL       string
	PersistMaxRetries int

	EnablePublish bool
	QueueBackend  string
	KafkaBrokers  []string

	GCSArtifactBucket string

	StravaClientID     string
	StravaClientSecret string
	StravaBaseURL      string
	StravaTokenURL     string

	RateLimitService string
	RateLimits       ratelimit.Limits

	SyncPageSize      int
	EnrichConcurrency int
	EnrichBatchMax    int
	EnrichMaxAttempts int
	GuardLease        time.Duration

	SentryDSN   string
	HTTPAddress string
	LogLevel    slog.Level
}

// LoadDotEnv loads a .env file from the working directory when present.
// Variables already set in the environment win.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load .env", "error", err)
	}
}

// LoadConfig reads configuration from environment variables
func LoadConfig() (*Config, error) {
	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		projectID = shared.ProjectID // Fallback
	}

	cfg := &Config{
		ProjectID:          projectID,
		CredentialsFile:    os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Environment:        envOr("ENVIRONMENT", "development"),
		StoreBackend:       strings.ToLower(envOr("STORE_BACKEND", BackendFirestore)),
		PostgresURL:        os.Getenv("POSTGRES_URL"),
		EnablePublish:      os.Getenv("ENABLE_PUBLISH") == "true",
		QueueBackend:       strings.ToLower(os.Getenv("QUEUE_BACKEND")),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		GCSArtifactBucket:  os.Getenv("GCS_ARTIFACT_BUCKET"),
		StravaClientID:     os.Getenv("STRAVA_CLIENT_ID"),
		StravaClientSecret: os.Getenv("STRAVA_CLIENT_SECRET"),
		StravaBaseURL:      os.Getenv("STRAVA_BASE_URL"),
		StravaTokenURL:     os.Getenv("STRAVA_TOKEN_URL"),
		RateLimitService:   envOr("RATE_LIMIT_SERVICE", shared.ServiceStrava),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
		HTTPAddress:        envOr("HTTP_ADDRESS", ":8080"),
		LogLevel:           ParseLogLevel(os.Getenv("LOG_LEVEL")),
	}

	if cfg.QueueBackend == "" {
		cfg.QueueBackend = QueueLog
		if cfg.EnablePublish {
			cfg.QueueBackend = QueuePubSub
		}
	}

	var err error
	if cfg.RateLimits.Short, err = envInt("RATE_LIMIT_SHORT", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimits.Daily, err = envInt("RATE_LIMIT_DAILY", 1000); err != nil {
		return nil, err
	}
	if cfg.SyncPageSize, err = envInt("SYNC_PAGE_SIZE", shared.MaxActivitiesPageSize); err != nil {
		return nil, err
	}
	cfg.SyncPageSize = min(cfg.SyncPageSize, shared.MaxActivitiesPageSize)
	if cfg.EnrichConcurrency, err = envInt("ENRICH_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.EnrichBatchMax, err = envInt("ENRICH_BATCH_MAX", shared.DefaultEnrichBatchSize); err != nil {
		return nil, err
	}
	if cfg.EnrichMaxAttempts, err = envInt("ENRICH_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.PersistMaxRetries, err = envInt("PERSIST_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.GuardLease, err = envDuration("GUARD_LEASE", 30*time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combinations LoadConfig cannot default.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendFirestore, BackendMemory:
	case BackendPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires POSTGRES_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.QueueBackend {
	case QueuePubSub, QueueLog:
	case QueueKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("QUEUE_BACKEND=kafka requires KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.RateLimits.Short <= 0 || c.RateLimits.Daily <= 0 {
		return fmt.Errorf("rate limits must be positive, got short=%d daily=%d", c.RateLimits.Short, c.RateLimits.Daily)
	}
	return nil
}

// ParseLogLevel maps LOG_LEVEL values to slog levels, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
