package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/bootstrap"
	kafkaqueue "github.com/fitglue/stravasync/pkg/queue/kafka"
)

func main() {
	topic := flag.String("topic", shared.TopicEnrichJob, "Kafka topic carrying enrichment messages")
	group := flag.String("group", "stravasync-enrich-worker", "consumer group id")
	metricsAddr := flag.String("metrics-address", ":9090", "address of the /metrics listener")
	flag.Parse()

	bootstrap.LoadDotEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := bootstrap.NewService(ctx, "enrich-worker")
	if err != nil {
		log.Fatalf("service init failed: %v", err)
	}
	defer svc.Close()

	if len(svc.Config.KafkaBrokers) == 0 {
		log.Fatalf("KAFKA_BROKERS is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         svc.Config.KafkaBrokers,
		GroupID:         *group,
		Topic:           *topic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	go func() {
		svc.Logger.Info("Worker metrics listening", "address", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svc.Logger.Error("Metrics server error", "error", err)
		}
	}()

	consumer := kafkaqueue.NewConsumer(reader, svc.EnrichmentHandler(), svc.Logger)
	svc.Logger.Info("Consumer started", "topic", *topic, "group", *group)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		svc.Logger.Error("Consumer stopped with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		svc.Logger.Error("Metrics server shutdown error", "error", err)
	}
}
