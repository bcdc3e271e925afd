// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"strconv"

	"github.com/funnelline/ingest/internal/pipeline"
)

// runPlugins applies the team's transform chain. A plugin dropping the
// event ends the pipeline intentionally.
func (s *Set) runPlugins(ctx context.Context, c pipeline.RunPlugins) (pipeline.Continuation, error) {
	processed, err := s.deps.Plugins.ProcessEvent(ctx, c.Event)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		s.deps.Stats.Increment("plugins.events_dropped", map[string]string{
			"team_id": strconv.FormatInt(c.Event.TeamID, 10),
		})
		return nil, nil
	}
	return pipeline.ResolvePerson{Event: *processed}, nil
}
