// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/pipeline"
)

// resolveTeam maps the event's token (or pre-set team id) onto a team.
// Events that belong to no team are dropped, not failed: a bad token is the
// submitter's problem, not a pipeline fault.
func (s *Set) resolveTeam(ctx context.Context, c pipeline.ResolveTeam) (pipeline.Continuation, error) {
	ev := c.Event

	var (
		team *domain.Team
		err  error
	)
	if ev.TeamID != nil {
		team, err = s.deps.Teams.TeamByID(ctx, *ev.TeamID)
	} else {
		team, err = s.deps.Teams.TeamByToken(ctx, ev.Token)
	}
	if err != nil {
		if errors.Is(err, domain.ErrTeamNotFound) {
			s.deps.Stats.Increment("event_pipeline.skipped", map[string]string{
				"reason": "invalid_token",
			})
			s.deps.Logger.Warn("dropping event with no team",
				"event_uuid", ev.UUID,
				"token", ev.Token,
			)
			return nil, nil
		}
		return nil, fmt.Errorf("resolve team: %w", err)
	}

	resolved := domain.ResolvedEvent{
		UUID:       ev.UUID,
		Event:      ev.Event,
		DistinctID: ev.DistinctID,
		IP:         ev.IP,
		SiteURL:    ev.SiteURL,
		TeamID:     team.ID,
		Now:        ev.Now,
		SentAt:     ev.SentAt,
		Timestamp:  ev.Timestamp,
		Properties: ev.Properties,
	}
	return pipeline.EmitToBuffer{Event: resolved}, nil
}
