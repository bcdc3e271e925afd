// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/person"
	"github.com/funnelline/ingest/internal/pipeline"
)

// emitToBuffer parks first-touch events from not-yet-known users so a
// racing $identify gets a chance to create the person before the event is
// attributed. Parked events stop here; the buffer worker re-injects them at
// run_plugins after the delay.
func (s *Set) emitToBuffer(ctx context.Context, c pipeline.EmitToBuffer) (pipeline.Continuation, error) {
	ev := c.Event

	buffer, err := s.shouldBuffer(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !buffer {
		return pipeline.RunPlugins{Event: ev}, nil
	}

	processAt := time.Now().Add(s.deps.BufferDelay)
	if err := s.deps.Buffer.Enqueue(ctx, ev, processAt); err != nil {
		return nil, fmt.Errorf("enqueue buffered event: %w", err)
	}

	s.deps.Stats.Increment("ingestion_buffer.events_parked", map[string]string{
		"team_id": strconv.FormatInt(ev.TeamID, 10),
	})
	s.deps.Logger.Debug("event parked in conversion buffer",
		"team_id", ev.TeamID,
		"event_uuid", ev.UUID,
		"process_at", processAt,
	)
	return nil, nil
}

func (s *Set) shouldBuffer(ctx context.Context, ev domain.ResolvedEvent) (bool, error) {
	// Identify-class events are what the buffer waits for; never park them.
	if person.IsIdentifyClass(ev.Event) {
		return false, nil
	}

	team, err := s.deps.Teams.TeamByID(ctx, ev.TeamID)
	if err != nil {
		return false, fmt.Errorf("load team for buffer decision: %w", err)
	}
	if !team.ConversionBufferEnabled {
		return false, nil
	}

	// Anonymous traffic never converts to an existing user; no point waiting.
	if deviceID, ok := ev.Properties["$device_id"].(string); ok && deviceID == ev.DistinctID {
		return false, nil
	}

	_, err = s.deps.PersonStore.FetchPerson(ctx, ev.TeamID, ev.DistinctID)
	if err != nil {
		if errors.Is(err, domain.ErrPersonNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("check person for buffer decision: %w", err)
	}
	return false, nil
}
