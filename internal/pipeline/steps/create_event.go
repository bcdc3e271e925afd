// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"

	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/pipeline"
)

// createEvent durably stores the prepared event, attributed to the person
// if one exists. The insert is idempotent on (team, uuid); a duplicate is
// not an error.
func (s *Set) createEvent(ctx context.Context, c pipeline.CreateEvent) (pipeline.Continuation, error) {
	ev := c.Event

	var p *domain.Person
	if c.Person != nil {
		var err error
		p, err = c.Person.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("load person for event creation: %w", err)
		}
	}

	created, err := s.deps.Events.InsertEvent(ctx, ev, p)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if !created {
		s.deps.Logger.Debug("duplicate event skipped",
			"team_id", ev.TeamID,
			"event_uuid", ev.UUID,
		)
	}
	return pipeline.RunAsyncHandlers{Event: ev}, nil
}
