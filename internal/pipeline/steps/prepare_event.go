// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/pipeline"
)

// futureEventTolerance caps how far ahead of receipt a client-claimed
// timestamp may land before it is replaced with the receipt time.
const futureEventTolerance = 23 * time.Hour

var errEmptyEventName = errors.New("event name is empty")

// prepareEvent normalizes the resolved event into the internal shape:
// reconciled timestamp, decoded UI elements, IP handling per team policy.
func (s *Set) prepareEvent(ctx context.Context, c pipeline.PrepareEvent) (pipeline.Continuation, error) {
	ev := c.Event

	name := strings.TrimSpace(ev.Event)
	if name == "" {
		return nil, errEmptyEventName
	}

	team, err := s.deps.Teams.TeamByID(ctx, ev.TeamID)
	if err != nil {
		return nil, fmt.Errorf("load team for normalization: %w", err)
	}

	eventUUID := ev.UUID
	if eventUUID == uuid.Nil {
		eventUUID = uuid.New()
	}

	properties := make(map[string]any, len(ev.Properties))
	for k, v := range ev.Properties {
		properties[k] = v
	}

	elements := decodeElements(properties["$elements"])
	delete(properties, "$elements")

	ip := ev.IP
	if team.AnonymizeIPs {
		ip = ""
		delete(properties, "$ip")
	} else if ip != "" {
		if _, ok := properties["$ip"]; !ok {
			properties["$ip"] = ip
		}
	}

	prepared := domain.PreparedEvent{
		UUID:       eventUUID,
		Event:      name,
		DistinctID: ev.DistinctID,
		IP:         ip,
		TeamID:     ev.TeamID,
		Timestamp:  s.reconcileTimestamp(ev),
		Properties: properties,
		Elements:   elements,
	}
	return pipeline.CreateEvent{Event: prepared, Person: c.Person}, nil
}

// reconcileTimestamp derives the event time from the client claim, the
// client send time and the server receipt time. With both timestamp and
// sent_at present, the client clock cancels out:
// receipt + (timestamp - sent_at).
func (s *Set) reconcileTimestamp(ev domain.ResolvedEvent) time.Time {
	now := ev.Now
	ts := now
	if ev.Timestamp != nil {
		ts = *ev.Timestamp
		if ev.SentAt != nil {
			ts = now.Add(ev.Timestamp.Sub(*ev.SentAt))
		}
	}
	if ts.After(now.Add(futureEventTolerance)) {
		s.deps.Logger.Warn("event timestamp too far in the future, using receipt time",
			"team_id", ev.TeamID,
			"event_uuid", ev.UUID,
			"claimed", ts,
			"received", now,
		)
		ts = now
	}
	return ts.UTC()
}

// decodeElements turns an autocaptured $elements payload into structured
// elements. Entries that are not objects are skipped.
func decodeElements(raw any) []domain.Element {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil
	}

	elements := make([]domain.Element, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}

		el := domain.Element{Order: i}
		el.TagName, _ = m["tag_name"].(string)
		if text, ok := m["$el_text"].(string); ok {
			el.Text = text
		} else {
			el.Text, _ = m["text"].(string)
		}
		el.NthChild = intFromJSON(m["nth_child"])
		el.NthOfType = intFromJSON(m["nth_of_type"])

		for key, value := range m {
			if !strings.HasPrefix(key, "attr__") {
				continue
			}
			str, ok := value.(string)
			if !ok {
				continue
			}
			attr := strings.TrimPrefix(key, "attr__")
			switch attr {
			case "href":
				el.Href = str
			case "id":
				el.AttrID = str
			case "class":
				el.AttrClass = strings.Fields(str)
			default:
				if el.Attributes == nil {
					el.Attributes = map[string]string{}
				}
				el.Attributes[attr] = str
			}
		}
		elements = append(elements, el)
	}
	if len(elements) == 0 {
		return nil
	}
	return elements
}

func intFromJSON(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
