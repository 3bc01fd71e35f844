// The server binary runs the full ingestion service: webhook intake, Cloud
// Tasks callbacks, and everything they depend on.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rolandd/midpen-tracker/pkg/bootstrap"
	"github.com/rolandd/midpen-tracker/pkg/infrastructure/sentry"
	"github.com/rolandd/midpen-tracker/pkg/ingest"
	"github.com/rolandd/midpen-tracker/pkg/oidc"
	"github.com/rolandd/midpen-tracker/pkg/preserve"
	"github.com/rolandd/midpen-tracker/pkg/server"
	"github.com/rolandd/midpen-tracker/pkg/strava"
	"github.com/rolandd/midpen-tracker/pkg/vault"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.NewService(ctx)
	if err != nil {
		slog.Error("Service initialization failed", "error", err)
		os.Exit(1)
	}
	cfg := svc.Config

	if err := sentry.Init(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: "production",
	}, slog.Default()); err != nil {
		slog.Warn("Sentry init failed, continuing without error tracking", "error", err)
	}
	defer sentry.Flush(2 * time.Second)

	index, err := preserve.Load()
	if err != nil {
		slog.Error("Preserve dataset failed to load", "error", err)
		os.Exit(1)
	}

	stravaClient := strava.NewClient(cfg.StravaClientID, cfg.StravaClientSecret)
	tokenVault := vault.New(svc.DB, svc.Keys, stravaClient)
	verifier := oidc.New(cfg.APIBaseURL, cfg.ProjectID)

	processor := ingest.NewProcessor(svc.DB, tokenVault, stravaClient, index)
	backfiller := ingest.NewBackfiller(svc.DB, svc.Queue, tokenVault, stravaClient,
		cfg.BackfillAfter, cfg.MaxBackfillPages)

	srv := server.New(cfg, svc.DB, svc.Queue, tokenVault, verifier, processor, backfiller, stravaClient)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}()

	slog.Info("Listening", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
