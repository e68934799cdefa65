package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitglue/stravasync/pkg/api"
	"github.com/fitglue/stravasync/pkg/bootstrap"
	"github.com/fitglue/stravasync/pkg/infrastructure/sentry"
)

func main() {
	bootstrap.LoadDotEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := bootstrap.NewService(ctx, "server")
	if err != nil {
		log.Fatalf("service init failed: %v", err)
	}
	defer svc.Close()
	defer sentry.Flush(2 * time.Second)

	handler := api.NewHandler(svc.Gatherer(), svc.Enricher(), svc.Governor, svc.Guard, svc.Reporter(), svc.Pub, svc.Logger)
	srv := &http.Server{
		Addr:         svc.Config.HTTPAddress,
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		svc.Logger.Info("HTTP server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svc.Logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	svc.Logger.Info("Shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		svc.Logger.Error("HTTP server shutdown error", "error", err)
	}
}
