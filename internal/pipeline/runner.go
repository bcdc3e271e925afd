// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/funnelline/ingest/internal/deadletter"
	"github.com/funnelline/ingest/internal/domain"
)

// Executor resolves a continuation to its step implementation and runs it.
// A nil next continuation with nil error means the pipeline stops here
// intentionally.
type Executor interface {
	Execute(ctx context.Context, c Continuation) (Continuation, error)
}

// Stats is the slice of the metrics client the runner records through.
type Stats interface {
	Timing(name string, d time.Duration)
	Increment(name string, tags map[string]string)
}

// DeadLetterProducer publishes messages for events that failed before the
// dead-letter boundary.
type DeadLetterProducer interface {
	Produce(ctx context.Context, msg deadletter.Message) error
}

// Deps are the runner's collaborators. All are injected so tests can
// substitute fakes and no global state is shared between runners.
type Deps struct {
	Steps      Executor
	Stats      Stats
	DeadLetter DeadLetterProducer
	Logger     *slog.Logger

	// Boundary overrides DefaultDeadLetterBoundary when it names a known
	// step.
	Boundary StepName
}

// Runner drives one event at a time through the step chain. Within a run,
// steps execute strictly sequentially; concurrent runs for different events
// share nothing but the injected collaborators.
type Runner struct {
	steps      Executor
	stats      Stats
	deadLetter DeadLetterProducer
	logger     *slog.Logger
	boundary   StepName
}

func NewRunner(deps Deps) *Runner {
	boundary := deps.Boundary
	if !KnownStep(boundary) {
		boundary = DefaultDeadLetterBoundary
	}
	return &Runner{
		steps:      deps.Steps,
		stats:      deps.Stats,
		deadLetter: deps.DeadLetter,
		logger:     deps.Logger,
		boundary:   boundary,
	}
}

// Run executes the chain from start until a step stops it or fails. It
// never returns an error: failures are counted, escalated to the dead
// letter queue when eligible, and absorbed, so a broken event cannot take
// down the consumer loop that submitted it. original is the event as first
// submitted; it is what a dead letter message carries.
func (r *Runner) Run(ctx context.Context, original domain.IngestEvent, start Continuation) {
	current := start
	for current != nil {
		step := current.StepName()
		began := time.Now()

		next, err := r.steps.Execute(ctx, current)
		if err != nil {
			r.stats.Increment("event_pipeline.step.error", map[string]string{"step": string(step)})
			r.logger.Error("pipeline step failed",
				"step", string(step),
				"team_id", current.TeamID(),
				"event_uuid", original.UUID,
				"error", err,
			)
			if EscalatesToDeadLetter(step, r.boundary) {
				r.escalate(ctx, original, step, err)
			}
			return
		}

		r.stats.Timing("event_pipeline."+string(step), time.Since(began))
		r.stats.Increment("event_pipeline.step", map[string]string{"step": string(step)})

		if next == nil {
			r.stats.Increment("event_pipeline.step.last", map[string]string{
				"step":    string(step),
				"team_id": strconv.FormatInt(current.TeamID(), 10),
			})
			r.logger.Debug("pipeline finished",
				"last_step", string(step),
				"team_id", current.TeamID(),
				"event_uuid", original.UUID,
			)
			return
		}
		current = next
	}
}

func (r *Runner) escalate(ctx context.Context, original domain.IngestEvent, step StepName, cause error) {
	msg := deadletter.NewMessage(original, string(step), cause)
	if err := r.deadLetter.Produce(ctx, msg); err != nil {
		// Losing the escalation is logged, never raised.
		r.logger.Error("dead letter produce failed",
			"step", string(step),
			"event_uuid", original.UUID,
			"error", err,
		)
		return
	}
	r.stats.Increment("events_added_to_dead_letter_queue", nil)
}
