// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// IngestEvent is an analytics event as received at the capture boundary.
// The team is not resolved yet; the token is the only tenancy hint.
// Instances are immutable once handed to the pipeline.
type IngestEvent struct {
	UUID       uuid.UUID      `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	IP         string         `json:"ip,omitempty"`
	SiteURL    string         `json:"site_url,omitempty"`
	Token      string         `json:"token,omitempty"`
	TeamID     *int64         `json:"team_id,omitempty"`
	Now        time.Time      `json:"now"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ResolvedEvent is an IngestEvent after team resolution: the team id is
// mandatory and the token has been dropped.
type ResolvedEvent struct {
	UUID       uuid.UUID      `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	IP         string         `json:"ip,omitempty"`
	SiteURL    string         `json:"site_url,omitempty"`
	TeamID     int64          `json:"team_id"`
	Now        time.Time      `json:"now"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// AsIngest converts back to the capture shape, used when a resolved event
// has to be reported (dead letter payloads) or re-injected.
func (e ResolvedEvent) AsIngest() IngestEvent {
	teamID := e.TeamID
	return IngestEvent{
		UUID:       e.UUID,
		Event:      e.Event,
		DistinctID: e.DistinctID,
		IP:         e.IP,
		SiteURL:    e.SiteURL,
		TeamID:     &teamID,
		Now:        e.Now,
		SentAt:     e.SentAt,
		Timestamp:  e.Timestamp,
		Properties: e.Properties,
	}
}

// PreparedEvent is the normalized internal representation produced by the
// prepare step and consumed by event creation and async handlers.
type PreparedEvent struct {
	UUID       uuid.UUID      `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	IP         string         `json:"ip,omitempty"`
	TeamID     int64          `json:"team_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
	Elements   []Element      `json:"elements,omitempty"`
}

// AsIngest degrades to the capture shape for attribution. The site URL is
// gone at this point; identity and properties survive.
func (e PreparedEvent) AsIngest() IngestEvent {
	teamID := e.TeamID
	ts := e.Timestamp
	return IngestEvent{
		UUID:       e.UUID,
		Event:      e.Event,
		DistinctID: e.DistinctID,
		IP:         e.IP,
		TeamID:     &teamID,
		Now:        e.Timestamp,
		Timestamp:  &ts,
		Properties: e.Properties,
	}
}

// Element is one decoded UI element from an autocaptured event's
// $elements property.
type Element struct {
	TagName    string            `json:"tag_name,omitempty"`
	Text       string            `json:"text,omitempty"`
	Href       string            `json:"href,omitempty"`
	AttrID     string            `json:"attr_id,omitempty"`
	AttrClass  []string          `json:"attr_class,omitempty"`
	NthChild   int               `json:"nth_child,omitempty"`
	NthOfType  int               `json:"nth_of_type,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Order      int               `json:"order"`
}

// BufferedEvent is a resolved event parked in the conversion buffer until
// its process_at deadline.
type BufferedEvent struct {
	ID        int64         `json:"id"`
	Event     ResolvedEvent `json:"event"`
	ProcessAt time.Time     `json:"process_at"`
	Attempts  int           `json:"attempts"`
}
