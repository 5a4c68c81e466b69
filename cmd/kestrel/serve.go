package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/idempotency"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// shutdownTimeout bounds how long in-flight requests may drain.
const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the audit worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"idempotency", cfg.Idempotency.Path != "",
	)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var idem domain.IdempotencyStore
	if cfg.Idempotency.Path != "" {
		store, err := idempotency.Open(cfg.Idempotency.Path, cfg.Idempotency.TTL)
		if err != nil {
			busImpl.Close()
			return fmt.Errorf("failed to open idempotency store: %w", err)
		}
		defer store.Close()
		if n, err := store.Purge(ctx); err != nil {
			slog.Warn("failed to purge expired idempotency keys", "error", err)
		} else if n > 0 {
			slog.Info("purged expired idempotency keys", "count", n)
		}
		idem = store
	}

	auditWorker := worker.NewWorker(busImpl, repo)
	if err := auditWorker.Start(); err != nil {
		busImpl.Close()
		return fmt.Errorf("failed to start audit worker: %w", err)
	}

	srv, err := api.NewServer(api.Config{
		Server:  cfg.Server,
		Session: cfg.Session,
		Version: Version,
	}, api.Dependencies{
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Idempotency: idem,
	})
	if err != nil {
		auditWorker.Stop()
		busImpl.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("kestrel is ready", "addr", srv.Addr())

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Closing the bus drains buffered events into the worker before it stops.
	if err := busImpl.Close(); err != nil {
		slog.Error("failed to close event bus", "error", err)
	}
	if err := auditWorker.Stop(); err != nil {
		slog.Error("failed to stop audit worker", "error", err)
	}

	slog.Info("kestrel shutdown complete", "events", auditWorker.GetStats().Processed)
	return serveErr
}
