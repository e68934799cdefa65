// Package bootstrap wires the pipeline dependencies shared by every entry
// point from environment configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/archive"
	"github.com/fitglue/stravasync/pkg/enrich"
	"github.com/fitglue/stravasync/pkg/gather"
	"github.com/fitglue/stravasync/pkg/infrastructure/database"
	"github.com/fitglue/stravasync/pkg/infrastructure/oauth"
	infrapubsub "github.com/fitglue/stravasync/pkg/infrastructure/pubsub"
	"github.com/fitglue/stravasync/pkg/infrastructure/sentry"
	infrastorage "github.com/fitglue/stravasync/pkg/infrastructure/storage"
	"github.com/fitglue/stravasync/pkg/persistence"
	"github.com/fitglue/stravasync/pkg/queue"
	"github.com/fitglue/stravasync/pkg/queue/kafka"
	"github.com/fitglue/stravasync/pkg/ratelimit"
	"github.com/fitglue/stravasync/pkg/report"
	"github.com/fitglue/stravasync/pkg/singleflight"
	"github.com/fitglue/stravasync/pkg/storage"
	fsstore "github.com/fitglue/stravasync/pkg/storage/firestore"
	"github.com/fitglue/stravasync/pkg/storage/memory"
	pgstore "github.com/fitglue/stravasync/pkg/storage/postgres"
	"github.com/fitglue/stravasync/pkg/strava"
	"github.com/fitglue/stravasync/pkg/types"
)

// Service holds initialized dependencies
type Service struct {
	DB       shared.Database
	Blobs    shared.BlobStore
	Pub      shared.Publisher
	Governor *ratelimit.Governor
	Guard    *singleflight.Guard
	Clients  strava.ClientFactory
	Archiver *archive.Archiver
	Config   *Config
	Logger   *slog.Logger

	closers []func() error
}

// NewService initializes all standard dependencies
func NewService(ctx context.Context, serviceName string) (*Service, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := InitLogger(serviceName, cfg.LogLevel)
	return NewServiceWithConfig(ctx, cfg, logger)
}

// NewServiceWithConfig builds a Service from an explicit configuration.
func NewServiceWithConfig(ctx context.Context, cfg *Config, logger *slog.Logger) (*Service, error) {
	logger.Info("Initializing service",
		"project_id", cfg.ProjectID,
		"store_backend", cfg.StoreBackend,
		"queue_backend", cfg.QueueBackend,
	)
	svc := &Service{Config: cfg, Logger: logger}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	store, err := svc.openStore(ctx, opts)
	if err != nil {
		svc.Close()
		return nil, err
	}
	gateway := persistence.NewGateway(store, logger, cfg.PersistMaxRetries)
	svc.closers = append(svc.closers, gateway.Close)
	db := database.NewAdapter(gateway)
	svc.DB = db

	if err := svc.openBlobs(ctx, opts); err != nil {
		svc.Close()
		return nil, err
	}
	if err := svc.openPublisher(ctx, opts); err != nil {
		svc.Close()
		return nil, err
	}

	if err := sentry.Init(sentry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		ServerName:       cfg.ProjectID,
		TracesSampleRate: 0.1,
	}, logger); err != nil {
		// Error tracking is optional
		logger.Warn("Continuing without Sentry", "error", err)
	}

	svc.Governor = ratelimit.NewGovernor(db, cfg.RateLimitService, cfg.RateLimits, ratelimit.SystemClock, logger)
	svc.Guard = singleflight.NewGuard(db, cfg.GuardLease, logger)
	svc.Clients = &strava.OAuthFactory{
		Credentials: db,
		Config:      oauth.NewStravaConfig(cfg.StravaClientID, cfg.StravaClientSecret, cfg.StravaTokenURL),
		BaseURL:     cfg.StravaBaseURL,
		Logger:      logger,
	}
	return svc, nil
}

func (s *Service) openStore(ctx context.Context, opts []option.ClientOption) (storage.Store, error) {
	switch s.Config.StoreBackend {
	case BackendMemory:
		s.Logger.Warn("Store: MEMORY (data is lost on exit)")
		return memory.New(), nil
	case BackendPostgres:
		pg, err := pgstore.Connect(ctx, s.Config.PostgresURL)
		if err != nil {
			s.Logger.Error("Postgres init failed", "error", err)
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		s.Logger.Info("Store: POSTGRES")
		return pg, nil
	default:
		fsClient, err := firestore.NewClient(ctx, s.Config.ProjectID, opts...)
		if err != nil {
			s.Logger.Error("Firestore init failed", "error", err)
			return nil, fmt.Errorf("firestore init: %w", err)
		}
		s.Logger.Info("Store: FIRESTORE")
		return fsstore.NewClient(fsClient), nil
	}
}

func (s *Service) openBlobs(ctx context.Context, opts []option.ClientOption) error {
	bucket := s.Config.GCSArtifactBucket
	if bucket == "" {
		s.Logger.Info("Stream archive disabled (GCS_ARTIFACT_BUCKET not set)")
		return nil
	}
	if s.Config.StoreBackend == BackendMemory {
		s.Blobs = infrastorage.NewMemoryBlobStore()
	} else {
		gcsClient, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			s.Logger.Error("Storage init failed", "error", err)
			return fmt.Errorf("storage init: %w", err)
		}
		adapter := &infrastorage.StorageAdapter{Client: gcsClient}
		s.closers = append(s.closers, adapter.Close)
		s.Blobs = adapter
	}
	s.Archiver = archive.NewArchiver(s.Blobs, bucket)
	return nil
}

func (s *Service) openPublisher(ctx context.Context, opts []option.ClientOption) error {
	switch s.Config.QueueBackend {
	case QueuePubSub:
		psClient, err := pubsub.NewClient(ctx, s.Config.ProjectID, opts...)
		if err != nil {
			s.Logger.Error("PubSub init failed", "error", err)
			return fmt.Errorf("pubsub init: %w", err)
		}
		s.closers = append(s.closers, psClient.Close)
		s.Pub = &infrapubsub.PubSubAdapter{Client: psClient}
		s.Logger.Info("Queue: PUBSUB")
	case QueueKafka:
		pub := kafka.NewPublisher(s.Config.KafkaBrokers)
		s.closers = append(s.closers, pub.Close)
		s.Pub = pub
		s.Logger.Info("Queue: KAFKA", "brokers", s.Config.KafkaBrokers)
	default:
		s.Pub = &infrapubsub.LogPublisher{Logger: s.Logger}
		s.Logger.Info("Queue: MOCK (LogPublisher)")
	}
	return nil
}

// Gatherer builds the summary gatherer.
func (s *Service) Gatherer() *gather.Gatherer {
	return gather.NewGatherer(s.DB, s.Clients, s.Governor, s.Config.SyncPageSize, s.Logger)
}

// Enricher builds the enricher. Streams are archived only when a bucket is
// configured.
func (s *Service) Enricher() *enrich.Enricher {
	var archiver enrich.Archiver
	if s.Archiver != nil {
		archiver = s.Archiver
	}
	return enrich.NewEnricher(s.DB, s.Clients, s.Governor, s.Guard, archiver, enrich.Config{
		Concurrency: s.Config.EnrichConcurrency,
		BatchMax:    s.Config.EnrichBatchMax,
		MaxAttempts: s.Config.EnrichMaxAttempts,
	}, s.Logger)
}

// Reporter builds the training-load reporter.
func (s *Service) Reporter() *report.Reporter {
	return report.NewReporter(s.DB)
}

// EnrichmentHandler builds the queue handler that enriches one activity per
// message.
func (s *Service) EnrichmentHandler() *queue.Handler {
	enricher := s.Enricher()
	processor := queue.ProcessorFunc(func(ctx context.Context, msg types.EnrichmentMessage) error {
		_, err := enricher.EnrichActivity(ctx, msg.UserID, msg.ActivityID)
		return err
	})
	return queue.NewHandler(processor, s.DB, shared.QueueEnrichment, queue.DefaultMaxAttempts, s.Logger)
}

// Close releases clients in reverse order of creation.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
