// SPDX-License-Identifier: Apache-2.0

// Package steps implements the seven pipeline steps behind a single
// executor the runner dispatches continuations to.
package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/person"
	"github.com/funnelline/ingest/internal/pipeline"
)

// TeamStore resolves teams by API token or id.
type TeamStore interface {
	TeamByToken(ctx context.Context, token string) (*domain.Team, error)
	TeamByID(ctx context.Context, id int64) (*domain.Team, error)
}

// BufferProducer parks a resolved event until processAt.
type BufferProducer interface {
	Enqueue(ctx context.Context, ev domain.ResolvedEvent, processAt time.Time) error
}

// EventProcessor is the plugin surface: the transform chain before person
// resolution and the observe-only hooks after creation.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev domain.ResolvedEvent) (*domain.ResolvedEvent, error)
	OnEvent(ctx context.Context, ev domain.PreparedEvent) error
}

// PersonResolver applies an event's identity side effects and returns the
// container downstream steps read from.
type PersonResolver interface {
	Resolve(ctx context.Context, ev domain.ResolvedEvent) (*person.Container, error)
}

// EventWriter persists prepared events. created is false when the event was
// already stored (idempotent insert).
type EventWriter interface {
	InsertEvent(ctx context.Context, ev domain.PreparedEvent, p *domain.Person) (created bool, err error)
}

// WebhookDispatcher delivers the processed-event webhook for a team.
type WebhookDispatcher interface {
	DeliverEventWebhook(ctx context.Context, team domain.Team, ev domain.PreparedEvent) error
}

// Deps carries the step collaborators. Every field is an interface so tests
// substitute fakes per step.
type Deps struct {
	Teams       TeamStore
	Buffer      BufferProducer
	Plugins     EventProcessor
	Persons     PersonResolver
	PersonStore person.Store
	Events      EventWriter
	Hooks       WebhookDispatcher
	Stats       pipeline.Stats
	Logger      *slog.Logger

	// BufferDelay is how long emit_to_buffer parks an event before the
	// worker re-injects it.
	BufferDelay time.Duration
}
