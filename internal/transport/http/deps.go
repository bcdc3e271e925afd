// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"log/slog"
	"time"

	"github.com/funnelline/ingest/internal/deadletter"
	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/repository"
	"github.com/funnelline/ingest/internal/transport/middleware"
)

// EventPipeline accepts capture events whose team the handler already
// resolved. It never reports failure to the caller; the pipeline absorbs and
// accounts for its own errors.
type EventPipeline interface {
	RunResolvedEventPipeline(ctx context.Context, ev domain.ResolvedEvent)
}

// TeamResolver maps a capture token to its team.
type TeamResolver interface {
	TeamByToken(ctx context.Context, token string) (*domain.Team, error)
}

// DeadLetterLister exposes recent dead letter messages for the admin surface.
type DeadLetterLister interface {
	ListRecent(ctx context.Context, limit int) ([]deadletter.Message, error)
}

// BufferInspector exposes the conversion buffer backlog for the admin surface.
type BufferInspector interface {
	Depth(ctx context.Context) (int64, error)
	ListUpcoming(ctx context.Context, limit int) ([]repository.BufferEntry, error)
}

// Stats is the capture-side slice of the metrics client.
type Stats interface {
	Timing(name string, d time.Duration)
	Increment(name string, tags map[string]string)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

type Deps struct {
	Teams       TeamResolver
	Pipeline    EventPipeline
	DeadLetters DeadLetterLister
	Buffer      BufferInspector
	Health      HealthChecker
	Limiter     *middleware.RateLimiter
	Stats       Stats
	Logger      *slog.Logger

	AdminToken          string
	CaptureEventsPerMin int

	Version   string
	Commit    string
	BuildDate string
}
