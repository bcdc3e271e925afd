package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

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
	"github.com/funnelline/ingest/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, "worker")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	// The api owns migrations; the worker only refuses to start against a
	// database that does not have the schema yet.
	if err := postgres.SchemaReady(ctx, pool); err != nil {
		log.Fatalf("schema not ready: %v", err)
	}

	stats := metrics.Default()

	teamRepo := repository.NewTeamRepository(pool, logger)
	personRepo := repository.NewPersonRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)
	bufferRepo := repository.NewBufferRepository(pool, logger)
	deadLetterRepo := repository.NewDeadLetterRepository(pool, logger)
	pluginConfigRepo := repository.NewPluginConfigRepository(pool, logger)

	runner := pipeline.NewRunner(pipeline.Deps{
		Steps: steps.New(steps.Deps{
			Teams:       repository.NewTeamCache(teamRepo, cfg.TeamCacheSize, cfg.TeamCacheTTL),
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

	w := worker.New(worker.Deps{
		Buffer:       bufferRepo,
		Pipeline:     pipeline.New(runner),
		Stats:        stats,
		Logger:       logger,
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.WorkerBatchSize,
		Lease:        cfg.WorkerLease,
	})

	w.Run(ctx)
}
