// SPDX-License-Identifier: Apache-2.0

package pipeline

// DeclaredOrder lists every dispatchable step in pipeline order. The order
// is load-bearing: dead-letter eligibility is decided by position relative
// to the configured boundary.
var DeclaredOrder = []StepName{
	StepResolveTeam,
	StepEmitToBuffer,
	StepRunPlugins,
	StepResolvePerson,
	StepPrepareEvent,
	StepCreateEvent,
	StepRunAsyncHandlers,
}

var stepPosition = func() map[StepName]int {
	positions := make(map[StepName]int, len(DeclaredOrder))
	for i, name := range DeclaredOrder {
		positions[name] = i
	}
	return positions
}()

// KnownStep reports whether name is in the declared catalog.
func KnownStep(name StepName) bool {
	_, ok := stepPosition[name]
	return ok
}

// DefaultDeadLetterBoundary is the first step whose failures are not
// escalated to the dead letter queue. From this step on the event may
// already be durably persisted, and requeuing it risks duplicate creation.
const DefaultDeadLetterBoundary = StepCreateEvent

// EscalatesToDeadLetter reports whether a failure in step should be
// published to the dead letter queue: true for every step strictly before
// boundary in declared order.
func EscalatesToDeadLetter(step, boundary StepName) bool {
	stepPos, ok := stepPosition[step]
	if !ok {
		return false
	}
	boundaryPos, ok := stepPosition[boundary]
	if !ok {
		return false
	}
	return stepPos < boundaryPos
}

// ParseBoundary maps a configured boundary name onto a catalog step,
// falling back to the default for empty or unknown values.
func ParseBoundary(raw string) StepName {
	name := StepName(raw)
	if KnownStep(name) {
		return name
	}
	return DefaultDeadLetterBoundary
}
