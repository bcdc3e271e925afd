//go:build integration

// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/hooks"
	"github.com/funnelline/ingest/internal/person"
	"github.com/funnelline/ingest/internal/pipeline"
	"github.com/funnelline/ingest/internal/pipeline/steps"
	"github.com/funnelline/ingest/internal/plugins"
	"github.com/funnelline/ingest/internal/repository"
)

func TestWorkerDrainsBufferedEventsEndToEnd(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	teamRepo := repository.NewTeamRepository(pool, logger)
	team, err := teamRepo.CreateTeam(ctx, domain.Team{
		Name:     "worker-" + uuid.NewString()[:8],
		APIToken: "phc_" + uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	bufferRepo := repository.NewBufferRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)
	personRepo := repository.NewPersonRepository(pool, logger)
	pipe := workerIntegrationPipeline(pool, logger, teamRepo, bufferRepo, eventRepo, personRepo)

	eventUUID := uuid.New()
	if err := bufferRepo.Enqueue(ctx, domain.ResolvedEvent{
		UUID:       eventUUID,
		Event:      "purchase",
		DistinctID: "buyer-1",
		TeamID:     team.ID,
		Now:        time.Now().UTC(),
		Properties: map[string]any{
			"price": 42.5,
			"$set":  map[string]any{"plan": "pro"},
		},
	}, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(Deps{
		Buffer:   bufferRepo,
		Pipeline: pipe,
		Stats:    &recordingStats{},
		Logger:   logger,
	})

	n, err := w.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 processed event, got %d", n)
	}

	stored, err := eventRepo.EventByUUID(ctx, eventUUID)
	if err != nil {
		t.Fatalf("event by uuid: %v", err)
	}
	if stored.Event != "purchase" || stored.TeamID != team.ID {
		t.Fatalf("unexpected stored event %+v", stored)
	}

	p, err := personRepo.FetchPerson(ctx, team.ID, "buyer-1")
	if err != nil {
		t.Fatalf("fetch person: %v", err)
	}
	if p.Properties["plan"] != "pro" {
		t.Fatalf("expected $set to apply plan=pro, got %v", p.Properties["plan"])
	}

	depth, err := bufferRepo.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected drained buffer, got depth %d", depth)
	}

	// Nothing left to claim on the next poll.
	n, err = w.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("process once on empty buffer: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty poll, got %d", n)
	}
}

func TestWorkerCompletesRowsWhenPipelineDeadLetters(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	teamRepo := repository.NewTeamRepository(pool, logger)
	bufferRepo := repository.NewBufferRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)
	personRepo := repository.NewPersonRepository(pool, logger)
	dlqRepo := repository.NewDeadLetterRepository(pool, logger)
	pipe := workerIntegrationPipeline(pool, logger, teamRepo, bufferRepo, eventRepo, personRepo)

	// No such team exists, so the person write inside resolve_person hits the
	// persons.team_id foreign key and the pipeline dead-letters the event.
	eventUUID := uuid.New()
	if err := bufferRepo.Enqueue(ctx, domain.ResolvedEvent{
		UUID:       eventUUID,
		Event:      "purchase",
		DistinctID: "ghost-1",
		TeamID:     999999,
		Now:        time.Now().UTC(),
		Properties: map[string]any{"$set": map[string]any{"plan": "pro"}},
	}, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(Deps{
		Buffer:   bufferRepo,
		Pipeline: pipe,
		Stats:    &recordingStats{},
		Logger:   logger,
	})

	n, err := w.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 processed event, got %d", n)
	}

	// The pipeline absorbed the failure, so the row must not stay behind for
	// an endless reclaim loop.
	depth, err := bufferRepo.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected completed row despite failure, got depth %d", depth)
	}

	letters, err := dlqRepo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].FailedStep != "resolve_person" {
		t.Fatalf("expected failure in resolve_person, got %s", letters[0].FailedStep)
	}
	if !strings.Contains(letters[0].Error, "create person") {
		t.Fatalf("expected create person error, got %q", letters[0].Error)
	}
	if letters[0].Event.UUID != eventUUID {
		t.Fatalf("expected original event in dead letter, got %+v", letters[0].Event)
	}

	if _, err := eventRepo.EventByUUID(ctx, eventUUID); !errors.Is(err, domain.ErrEventNotFound) {
		t.Fatalf("expected no stored event, got %v", err)
	}
}

func workerIntegrationPipeline(
	pool *pgxpool.Pool,
	logger *slog.Logger,
	teamRepo *repository.TeamRepository,
	bufferRepo *repository.BufferRepository,
	eventRepo *repository.EventRepository,
	personRepo *repository.PersonRepository,
) *pipeline.Pipeline {
	registry := plugins.NewRegistry(repository.NewPluginConfigRepository(pool, logger), logger)
	stats := &recordingStats{}
	set := steps.New(steps.Deps{
		Teams:       repository.NewTeamCache(teamRepo, 128, time.Minute),
		Buffer:      bufferRepo,
		Plugins:     registry,
		Persons:     person.NewResolver(personRepo, logger),
		PersonStore: personRepo,
		Events:      eventRepo,
		Hooks:       hooks.NewDispatcher(logger, nil, 5*time.Second),
		Stats:       stats,
		Logger:      logger,
	})
	runner := pipeline.NewRunner(pipeline.Deps{
		Steps:      set,
		Stats:      stats,
		DeadLetter: repository.NewDeadLetterRepository(pool, logger),
		Logger:     logger,
	})
	return pipeline.New(runner)
}

func workerTruncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE events, buffered_events, dead_letter_events, plugin_configs,
		               person_distinct_ids, persons, teams
		RESTART IDENTITY CASCADE
	`)
	return err
}

func workerIntegrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	return pool
}
