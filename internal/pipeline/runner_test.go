// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/funnelline/ingest/internal/deadletter"
	"github.com/funnelline/ingest/internal/domain"
)

type recordedCount struct {
	name string
	tags map[string]string
}

type recordingStats struct {
	timings []string
	counts  []recordedCount
}

func (s *recordingStats) Timing(name string, d time.Duration) {
	s.timings = append(s.timings, name)
}

func (s *recordingStats) Increment(name string, tags map[string]string) {
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	s.counts = append(s.counts, recordedCount{name: name, tags: copied})
}

func (s *recordingStats) countsOf(name string) []map[string]string {
	var out []map[string]string
	for _, c := range s.counts {
		if c.name == name {
			out = append(out, c.tags)
		}
	}
	return out
}

type recordingDeadLetter struct {
	messages []deadletter.Message
	err      error
}

func (d *recordingDeadLetter) Produce(ctx context.Context, msg deadletter.Message) error {
	if d.err != nil {
		return d.err
	}
	d.messages = append(d.messages, msg)
	return nil
}

// scriptedExecutor walks the declared order unless a step has an override.
type scriptedExecutor struct {
	calls     []StepName
	overrides map[StepName]func(c Continuation) (Continuation, error)
}

func (e *scriptedExecutor) Execute(ctx context.Context, c Continuation) (Continuation, error) {
	e.calls = append(e.calls, c.StepName())
	if fn, ok := e.overrides[c.StepName()]; ok {
		return fn(c)
	}
	return defaultNext(c), nil
}

const testTeamID int64 = 42

// defaultNext forwards along the declared order, carrying the event through
// the variant shapes the way real steps do.
func defaultNext(c Continuation) Continuation {
	switch v := c.(type) {
	case ResolveTeam:
		return EmitToBuffer{Event: domain.ResolvedEvent{
			UUID:       v.Event.UUID,
			Event:      v.Event.Event,
			DistinctID: v.Event.DistinctID,
			TeamID:     testTeamID,
			Now:        v.Event.Now,
			Properties: v.Event.Properties,
		}}
	case EmitToBuffer:
		return RunPlugins{Event: v.Event}
	case RunPlugins:
		return ResolvePerson{Event: v.Event}
	case ResolvePerson:
		return PrepareEvent{Event: v.Event}
	case PrepareEvent:
		return CreateEvent{Event: domain.PreparedEvent{
			UUID:       v.Event.UUID,
			Event:      v.Event.Event,
			DistinctID: v.Event.DistinctID,
			TeamID:     v.Event.TeamID,
			Timestamp:  v.Event.Now,
			Properties: v.Event.Properties,
		}, Person: v.Person}
	case CreateEvent:
		return RunAsyncHandlers{Event: v.Event}
	default:
		return nil
	}
}

func stopAt(step StepName) map[StepName]func(Continuation) (Continuation, error) {
	return map[StepName]func(Continuation) (Continuation, error){
		step: func(Continuation) (Continuation, error) { return nil, nil },
	}
}

func failAt(step StepName, err error) map[StepName]func(Continuation) (Continuation, error) {
	return map[StepName]func(Continuation) (Continuation, error){
		step: func(Continuation) (Continuation, error) { return nil, err },
	}
}

type runnerFixture struct {
	runner   *Runner
	executor *scriptedExecutor
	stats    *recordingStats
	dlq      *recordingDeadLetter
}

func newFixture(overrides map[StepName]func(Continuation) (Continuation, error), boundary StepName) *runnerFixture {
	executor := &scriptedExecutor{overrides: overrides}
	stats := &recordingStats{}
	dlq := &recordingDeadLetter{}
	runner := NewRunner(Deps{
		Steps:      executor,
		Stats:      stats,
		DeadLetter: dlq,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Boundary:   boundary,
	})
	return &runnerFixture{runner: runner, executor: executor, stats: stats, dlq: dlq}
}

func rawEvent() domain.IngestEvent {
	return domain.IngestEvent{
		UUID:       uuid.New(),
		Event:      "$pageview",
		DistinctID: "user-1",
		Token:      "phc_test",
		Now:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func assertSteps(t *testing.T, got []StepName, want ...StepName) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d step executions %v, got %v", len(want), want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected step %d to be %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRunFullChain(t *testing.T) {
	f := newFixture(nil, "")
	original := rawEvent()

	f.runner.Run(context.Background(), original, ResolveTeam{Event: original})

	assertSteps(t, f.executor.calls, DeclaredOrder...)

	if len(f.stats.timings) != 7 {
		t.Fatalf("expected 7 timing calls, got %d: %v", len(f.stats.timings), f.stats.timings)
	}
	for i, name := range f.stats.timings {
		want := "event_pipeline." + string(DeclaredOrder[i])
		if name != want {
			t.Fatalf("expected timing %d to be %s, got %s", i, want, name)
		}
	}

	attempted := f.stats.countsOf("event_pipeline.step")
	if len(attempted) != 7 {
		t.Fatalf("expected 7 attempted counts, got %d", len(attempted))
	}
	for i, tags := range attempted {
		if tags["step"] != string(DeclaredOrder[i]) {
			t.Fatalf("expected attempted count %d tagged %s, got %v", i, DeclaredOrder[i], tags)
		}
	}

	last := f.stats.countsOf("event_pipeline.step.last")
	if len(last) != 1 {
		t.Fatalf("expected one last-step count, got %d", len(last))
	}
	if last[0]["step"] != string(StepRunAsyncHandlers) || last[0]["team_id"] != "42" {
		t.Fatalf("unexpected last-step tags: %v", last[0])
	}

	if errs := f.stats.countsOf("event_pipeline.step.error"); len(errs) != 0 {
		t.Fatalf("expected no error counts, got %v", errs)
	}
	if len(f.dlq.messages) != 0 {
		t.Fatalf("expected no dead letter messages, got %d", len(f.dlq.messages))
	}
}

func TestRunStopsEarlyOnTerminalSignal(t *testing.T) {
	f := newFixture(stopAt(StepRunPlugins), "")
	original := rawEvent()

	f.runner.Run(context.Background(), original, ResolveTeam{Event: original})

	assertSteps(t, f.executor.calls, StepResolveTeam, StepEmitToBuffer, StepRunPlugins)

	if len(f.stats.timings) != 3 {
		t.Fatalf("expected 3 timing calls, got %d", len(f.stats.timings))
	}
	if attempted := f.stats.countsOf("event_pipeline.step"); len(attempted) != 3 {
		t.Fatalf("expected 3 attempted counts, got %d", len(attempted))
	}

	last := f.stats.countsOf("event_pipeline.step.last")
	if len(last) != 1 {
		t.Fatalf("expected one last-step count, got %d", len(last))
	}
	if last[0]["step"] != string(StepRunPlugins) {
		t.Fatalf("expected last step run_plugins, got %v", last[0])
	}
	if last[0]["team_id"] != "42" {
		t.Fatalf("expected team tag 42, got %v", last[0])
	}
}

func TestRunFailureBeforeCreationDeadLetters(t *testing.T) {
	cause := errors.New("normalize exploded")
	f := newFixture(failAt(StepPrepareEvent, cause), "")
	original := rawEvent()

	f.runner.Run(context.Background(), original, ResolveTeam{Event: original})

	assertSteps(t, f.executor.calls,
		StepResolveTeam, StepEmitToBuffer, StepRunPlugins, StepResolvePerson, StepPrepareEvent)

	// The failing step records neither timing nor an attempted count.
	if len(f.stats.timings) != 4 {
		t.Fatalf("expected 4 timing calls, got %d", len(f.stats.timings))
	}
	attempted := f.stats.countsOf("event_pipeline.step")
	if len(attempted) != 4 {
		t.Fatalf("expected 4 attempted counts, got %d", len(attempted))
	}
	for _, tags := range attempted {
		if tags["step"] == string(StepPrepareEvent) {
			t.Fatal("failing step must not count as attempted")
		}
	}

	errCounts := f.stats.countsOf("event_pipeline.step.error")
	if len(errCounts) != 1 || errCounts[0]["step"] != string(StepPrepareEvent) {
		t.Fatalf("expected one error count for prepare_event, got %v", errCounts)
	}
	if last := f.stats.countsOf("event_pipeline.step.last"); len(last) != 0 {
		t.Fatalf("expected no last-step count, got %v", last)
	}

	if len(f.dlq.messages) != 1 {
		t.Fatalf("expected one dead letter message, got %d", len(f.dlq.messages))
	}
	msg := f.dlq.messages[0]
	if msg.Event.UUID != original.UUID {
		t.Fatalf("dead letter must carry the original event, got %s", msg.Event.UUID)
	}
	if msg.Event.Token != original.Token {
		t.Fatalf("original token lost: %q", msg.Event.Token)
	}
	if msg.FailedStep != string(StepPrepareEvent) {
		t.Fatalf("unexpected failed step %s", msg.FailedStep)
	}
	if msg.Error != "normalize exploded" {
		t.Fatalf("unexpected error text %q", msg.Error)
	}

	if added := f.stats.countsOf("events_added_to_dead_letter_queue"); len(added) != 1 {
		t.Fatalf("expected one dead-letter counter increment, got %d", len(added))
	}
}

func TestRunFailureAtCreationIsNotDeadLettered(t *testing.T) {
	f := newFixture(failAt(StepCreateEvent, errors.New("insert failed")), "")
	original := rawEvent()

	f.runner.Run(context.Background(), original, ResolveTeam{Event: original})

	errCounts := f.stats.countsOf("event_pipeline.step.error")
	if len(errCounts) != 1 || errCounts[0]["step"] != string(StepCreateEvent) {
		t.Fatalf("expected one error count for create_event, got %v", errCounts)
	}
	if len(f.dlq.messages) != 0 {
		t.Fatalf("creation failures must not dead-letter, got %d messages", len(f.dlq.messages))
	}
	if added := f.stats.countsOf("events_added_to_dead_letter_queue"); len(added) != 0 {
		t.Fatalf("expected no dead-letter counter increment, got %d", len(added))
	}
}

func TestRunFailureAtAsyncDispatchIsNotDeadLettered(t *testing.T) {
	f := newFixture(failAt(StepRunAsyncHandlers, errors.New("webhook down")), "")
	original := rawEvent()

	f.runner.Run(context.Background(), original, ResolveTeam{Event: original})

	assertSteps(t, f.executor.calls, DeclaredOrder...)

	errCounts := f.stats.countsOf("event_pipeline.step.error")
	if len(errCounts) != 1 || errCounts[0]["step"] != string(StepRunAsyncHandlers) {
		t.Fatalf("expected one error count for run_async_handlers, got %v", errCounts)
	}
	if len(f.dlq.messages) != 0 {
		t.Fatalf("async dispatch failures must not dead-letter, got %d messages", len(f.dlq.messages))
	}
	// The six earlier steps all count as attempted.
	if attempted := f.stats.countsOf("event_pipeline.step"); len(attempted) != 6 {
		t.Fatalf("expected 6 attempted counts, got %d", len(attempted))
	}
}

func TestRunBoundaryOverrideIncludesCreation(t *testing.T) {
	f := newFixture(failAt(StepCreateEvent, errors.New("insert failed")), StepRunAsyncHandlers)
	original := rawEvent()

	f.runner.Run(context.Background(), original, ResolveTeam{Event: original})

	if len(f.dlq.messages) != 1 {
		t.Fatalf("expected creation failure to dead-letter under moved boundary, got %d", len(f.dlq.messages))
	}
	if f.dlq.messages[0].FailedStep != string(StepCreateEvent) {
		t.Fatalf("unexpected failed step %s", f.dlq.messages[0].FailedStep)
	}
}

func TestRunUnknownBoundaryFallsBack(t *testing.T) {
	f := newFixture(failAt(StepCreateEvent, errors.New("insert failed")), StepName("bogus"))
	original := rawEvent()

	f.runner.Run(context.Background(), original, ResolveTeam{Event: original})

	// Default boundary excludes create_event.
	if len(f.dlq.messages) != 0 {
		t.Fatalf("expected default boundary behavior, got %d messages", len(f.dlq.messages))
	}
}

func TestRunDeadLetterProduceFailureIsAbsorbed(t *testing.T) {
	f := newFixture(failAt(StepRunPlugins, errors.New("plugin exploded")), "")
	f.dlq.err = errors.New("queue unavailable")
	original := rawEvent()

	f.runner.Run(context.Background(), original, ResolveTeam{Event: original})

	if len(f.dlq.messages) != 0 {
		t.Fatalf("expected no stored messages, got %d", len(f.dlq.messages))
	}
	if added := f.stats.countsOf("events_added_to_dead_letter_queue"); len(added) != 0 {
		t.Fatalf("counter must not increment when produce fails, got %d", len(added))
	}
	// The step error is still counted.
	if errCounts := f.stats.countsOf("event_pipeline.step.error"); len(errCounts) != 1 {
		t.Fatalf("expected one error count, got %v", errCounts)
	}
}

func TestRunStartingMidChain(t *testing.T) {
	f := newFixture(nil, "")
	resolved := domain.ResolvedEvent{
		UUID:       uuid.New(),
		Event:      "purchase",
		DistinctID: "user-2",
		TeamID:     42,
		Now:        time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}

	f.runner.Run(context.Background(), resolved.AsIngest(), RunPlugins{Event: resolved})

	assertSteps(t, f.executor.calls,
		StepRunPlugins, StepResolvePerson, StepPrepareEvent, StepCreateEvent, StepRunAsyncHandlers)
}
