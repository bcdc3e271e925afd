// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"

	"github.com/funnelline/ingest/internal/pipeline"
)

// runAsyncHandlers dispatches post-creation side effects: plugin on-event
// hooks first, then the team webhook. The event is already durable; a
// failure here surfaces as an error metric and nothing is requeued.
func (s *Set) runAsyncHandlers(ctx context.Context, c pipeline.RunAsyncHandlers) (pipeline.Continuation, error) {
	ev := c.Event

	if err := s.deps.Plugins.OnEvent(ctx, ev); err != nil {
		return nil, err
	}

	team, err := s.deps.Teams.TeamByID(ctx, ev.TeamID)
	if err != nil {
		return nil, fmt.Errorf("load team for async dispatch: %w", err)
	}
	if err := s.deps.Hooks.DeliverEventWebhook(ctx, *team, ev); err != nil {
		return nil, err
	}
	return nil, nil
}
