// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/funnelline/ingest/internal/pipeline"
)

// ErrUnknownContinuation reports a continuation the step set cannot
// dispatch. Hitting it at runtime is an integration defect; the catalog
// tests keep the variant set and this switch in lockstep.
var ErrUnknownContinuation = errors.New("unknown continuation")

// Set implements pipeline.Executor over the seven step implementations.
type Set struct {
	deps Deps
}

func New(deps Deps) *Set {
	return &Set{deps: deps}
}

func (s *Set) Execute(ctx context.Context, c pipeline.Continuation) (pipeline.Continuation, error) {
	switch v := c.(type) {
	case pipeline.ResolveTeam:
		return s.resolveTeam(ctx, v)
	case pipeline.EmitToBuffer:
		return s.emitToBuffer(ctx, v)
	case pipeline.RunPlugins:
		return s.runPlugins(ctx, v)
	case pipeline.ResolvePerson:
		return s.resolvePerson(ctx, v)
	case pipeline.PrepareEvent:
		return s.prepareEvent(ctx, v)
	case pipeline.CreateEvent:
		return s.createEvent(ctx, v)
	case pipeline.RunAsyncHandlers:
		return s.runAsyncHandlers(ctx, v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownContinuation, c)
	}
}
