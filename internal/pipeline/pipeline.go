// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"

	"github.com/funnelline/ingest/internal/domain"
)

// Pipeline exposes the four entry points over one shared runner. Each entry
// point only selects the start step and shapes the initial arguments.
type Pipeline struct {
	runner *Runner
}

func New(runner *Runner) *Pipeline {
	return &Pipeline{runner: runner}
}

// RunEventPipeline ingests a raw capture event, starting at team
// resolution.
func (p *Pipeline) RunEventPipeline(ctx context.Context, ev domain.IngestEvent) {
	p.runner.Run(ctx, ev, ResolveTeam{Event: ev})
}

// RunResolvedEventPipeline continues an event whose team the caller already
// resolved, starting at the buffer decision.
func (p *Pipeline) RunResolvedEventPipeline(ctx context.Context, ev domain.ResolvedEvent) {
	p.runner.Run(ctx, ev.AsIngest(), EmitToBuffer{Event: ev})
}

// RunBufferedEventPipeline re-injects an event after its buffering delay,
// starting at plugin processing.
func (p *Pipeline) RunBufferedEventPipeline(ctx context.Context, ev domain.ResolvedEvent) {
	p.runner.Run(ctx, ev.AsIngest(), RunPlugins{Event: ev})
}

// RunAsyncHandlersPipeline replays side-effect dispatch for an event whose
// core processing already completed.
func (p *Pipeline) RunAsyncHandlersPipeline(ctx context.Context, ev domain.PreparedEvent) {
	p.runner.Run(ctx, ev.AsIngest(), RunAsyncHandlers{Event: ev})
}
