// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/funnelline/ingest/internal/config"
	"github.com/funnelline/ingest/internal/hooks"
	"github.com/funnelline/ingest/internal/logging"
	"github.com/funnelline/ingest/internal/metrics"
	"github.com/funnelline/ingest/internal/person"
	"github.com/funnelline/ingest/internal/persistence/postgres"
	"github.com/funnelline/ingest/internal/pipeline"
	"github.com/funnelline/ingest/internal/pipeline/steps"
	"github.com/funnelline/ingest/internal/plugins"
	"github.com/funnelline/ingest/internal/repository"
	httptransport "github.com/funnelline/ingest/internal/transport/http"
	"github.com/funnelline/ingest/internal/transport/middleware"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, "api")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
	}

	stats := metrics.Default()

	teamRepo := repository.NewTeamRepository(pool, logger)
	teams := repository.NewTeamCache(teamRepo, cfg.TeamCacheSize, cfg.TeamCacheTTL)
	personRepo := repository.NewPersonRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)
	bufferRepo := repository.NewBufferRepository(pool, logger)
	deadLetterRepo := repository.NewDeadLetterRepository(pool, logger)
	pluginConfigRepo := repository.NewPluginConfigRepository(pool, logger)

	runner := pipeline.NewRunner(pipeline.Deps{
		Steps: steps.New(steps.Deps{
			Teams:       teams,
			Buffer:      bufferRepo,
			Plugins:     plugins.NewRegistry(pluginConfigRepo, logger),
			Persons:     person.NewResolver(personRepo, logger),
			PersonStore: personRepo,
			Events:      eventRepo,
			Hooks:       hooks.NewDispatcher(logger, nil, cfg.WebhookTimeout),
			Stats:       stats,
			Logger:      logger,
			BufferDelay: cfg.BufferDelay,
		}),
		Stats:      stats,
		DeadLetter: deadLetterRepo,
		Logger:     logger,
		Boundary:   pipeline.ParseBoundary(cfg.DLQBoundary),
	})

	handler := httptransport.NewRouter(httptransport.Deps{
		Teams:               teams,
		Pipeline:            pipeline.New(runner),
		DeadLetters:         deadLetterRepo,
		Buffer:              bufferRepo,
		Health:              postgres.NewSchemaHealthChecker(pool),
		Limiter:             middleware.NewRateLimiter(),
		Stats:               stats,
		Logger:              logger,
		AdminToken:          cfg.AdminToken,
		CaptureEventsPerMin: cfg.CaptureEventsPerMin,
		Version:             Version,
		Commit:              Commit,
		BuildDate:           BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
