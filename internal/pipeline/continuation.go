// SPDX-License-Identifier: Apache-2.0

// Package pipeline contains the event pipeline core: the step catalog, the
// typed continuations steps hand back, the runner that drives an event
// through the chain, and the entry points production code feeds events
// through.
package pipeline

import (
	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/person"
)

// StepName identifies one processing step in the catalog.
type StepName string

const (
	StepResolveTeam      StepName = "resolve_team"
	StepEmitToBuffer     StepName = "emit_to_buffer"
	StepRunPlugins       StepName = "run_plugins"
	StepResolvePerson    StepName = "resolve_person"
	StepPrepareEvent     StepName = "prepare_event"
	StepCreateEvent      StepName = "create_event"
	StepRunAsyncHandlers StepName = "run_async_handlers"
)

// Continuation is the typed (step, arguments) pair a step returns to keep an
// event moving. The variant set is closed: exactly one struct per catalog
// step, each carrying that step's argument bundle, so a continuation can
// only ever name a step whose arguments it actually holds.
type Continuation interface {
	StepName() StepName
	// TeamID is the team of the event this continuation carries, 0 while
	// the team is still unresolved.
	TeamID() int64

	sealed()
}

// ResolveTeam starts team resolution for a raw capture event.
type ResolveTeam struct {
	Event domain.IngestEvent
}

func (ResolveTeam) StepName() StepName { return StepResolveTeam }
func (c ResolveTeam) TeamID() int64 {
	if c.Event.TeamID != nil {
		return *c.Event.TeamID
	}
	return 0
}
func (ResolveTeam) sealed() {}

// EmitToBuffer asks the buffer decision step whether the event should be
// parked before person resolution.
type EmitToBuffer struct {
	Event domain.ResolvedEvent
}

func (EmitToBuffer) StepName() StepName { return StepEmitToBuffer }
func (c EmitToBuffer) TeamID() int64    { return c.Event.TeamID }
func (EmitToBuffer) sealed()            {}

// RunPlugins hands the event to the team's plugin chain.
type RunPlugins struct {
	Event domain.ResolvedEvent
}

func (RunPlugins) StepName() StepName { return StepRunPlugins }
func (c RunPlugins) TeamID() int64    { return c.Event.TeamID }
func (RunPlugins) sealed()            {}

// ResolvePerson applies the event's identity side effects.
type ResolvePerson struct {
	Event domain.ResolvedEvent
}

func (ResolvePerson) StepName() StepName { return StepResolvePerson }
func (c ResolvePerson) TeamID() int64    { return c.Event.TeamID }
func (ResolvePerson) sealed()            {}

// PrepareEvent normalizes the event into its internal representation.
type PrepareEvent struct {
	Event  domain.ResolvedEvent
	Person *person.Container
}

func (PrepareEvent) StepName() StepName { return StepPrepareEvent }
func (c PrepareEvent) TeamID() int64    { return c.Event.TeamID }
func (PrepareEvent) sealed()            {}

// CreateEvent durably stores the prepared event.
type CreateEvent struct {
	Event  domain.PreparedEvent
	Person *person.Container
}

func (CreateEvent) StepName() StepName { return StepCreateEvent }
func (c CreateEvent) TeamID() int64    { return c.Event.TeamID }
func (CreateEvent) sealed()            {}

// RunAsyncHandlers dispatches post-creation side effects.
type RunAsyncHandlers struct {
	Event domain.PreparedEvent
}

func (RunAsyncHandlers) StepName() StepName { return StepRunAsyncHandlers }
func (c RunAsyncHandlers) TeamID() int64    { return c.Event.TeamID }
func (RunAsyncHandlers) sealed()            {}
