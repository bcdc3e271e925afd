// SPDX-License-Identifier: Apache-2.0

package person

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/funnelline/ingest/internal/domain"
)

// Identify-class event names that force a person to exist.
const (
	EventIdentify         = "$identify"
	EventCreateAlias      = "$create_alias"
	EventMergeDangerously = "$merge_dangerously"
	EventGroupIdentify    = "$groupidentify"
)

// IsIdentifyClass reports whether name is one of the identity events the
// conversion buffer waits for.
func IsIdentifyClass(name string) bool {
	switch name {
	case EventIdentify, EventCreateAlias, EventMergeDangerously, EventGroupIdentify:
		return true
	}
	return false
}

// maxPropertyUpdateAttempts bounds the optimistic-concurrency loop when two
// events race on the same person's properties.
const maxPropertyUpdateAttempts = 3

// MutationStore is the full identity-store surface the resolver needs.
type MutationStore interface {
	Store

	// CreatePerson inserts p and claims distinctID for it, returning the
	// stored person. A distinct id claimed concurrently surfaces as
	// domain.ErrConcurrentPersonUpdate.
	CreatePerson(ctx context.Context, p *domain.Person, distinctID string) (*domain.Person, error)

	// UpdatePersonProperties persists p's property state, guarded by
	// p.Version. A stale version surfaces as
	// domain.ErrConcurrentPersonUpdate.
	UpdatePersonProperties(ctx context.Context, p *domain.Person) (*domain.Person, error)

	// LinkDistinctID attaches distinctID to the person; attaching an id
	// that is already linked somewhere is a no-op.
	LinkDistinctID(ctx context.Context, teamID, personID int64, distinctID string) error
}

// Resolver owns person mutation for the pipeline. Steps hand it a resolved
// event; it decides whether the event needs a person created or updated and
// returns a container for downstream steps.
type Resolver struct {
	store  MutationStore
	logger *slog.Logger
}

func NewResolver(store MutationStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve applies the event's identity side effects and returns the person
// container downstream steps read from. Plain events without person
// properties return a lazy container and perform no store I/O here.
func (r *Resolver) Resolve(ctx context.Context, ev domain.ResolvedEvent) (*Container, error) {
	setProps := asPropertyMap(ev.Properties["$set"])
	setOnceProps := asPropertyMap(ev.Properties["$set_once"])
	identify := ev.Event == EventIdentify
	alias := ev.Event == EventCreateAlias

	if !identify && !alias && len(setProps) == 0 && len(setOnceProps) == 0 {
		return NewContainer(ev.TeamID, ev.DistinctID, r.store), nil
	}

	eventTime := ev.Now
	if ev.Timestamp != nil {
		eventTime = *ev.Timestamp
	}

	p, created, err := r.ensurePerson(ctx, ev, setProps, setOnceProps, identify, eventTime)
	if err != nil {
		return nil, err
	}

	if !created {
		p, err = r.updateProperties(ctx, ev, p, setProps, setOnceProps, identify, eventTime)
		if err != nil {
			return nil, err
		}
	}

	if identify {
		if anon, ok := ev.Properties["$anon_distinct_id"].(string); ok && anon != "" && anon != ev.DistinctID {
			if err := r.store.LinkDistinctID(ctx, ev.TeamID, p.ID, anon); err != nil {
				return nil, fmt.Errorf("link anonymous distinct id: %w", err)
			}
		}
	}
	if alias {
		if aliasID, ok := ev.Properties["alias"].(string); ok && aliasID != "" && aliasID != ev.DistinctID {
			if err := r.store.LinkDistinctID(ctx, ev.TeamID, p.ID, aliasID); err != nil {
				return nil, fmt.Errorf("link alias distinct id: %w", err)
			}
		}
	}

	return NewLoadedContainer(ev.TeamID, ev.DistinctID, r.store, p), nil
}

func (r *Resolver) ensurePerson(ctx context.Context, ev domain.ResolvedEvent, setProps, setOnceProps map[string]any, identify bool, eventTime time.Time) (*domain.Person, bool, error) {
	p, err := r.store.FetchPerson(ctx, ev.TeamID, ev.DistinctID)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, domain.ErrPersonNotFound) {
		return nil, false, fmt.Errorf("fetch person: %w", err)
	}

	fresh := &domain.Person{
		UUID:                    uuid.New(),
		TeamID:                  ev.TeamID,
		Properties:              map[string]any{},
		PropertiesLastUpdatedAt: map[string]time.Time{},
		PropertiesLastOperation: map[string]string{},
		IsIdentified:            identify,
		CreatedAt:               eventTime,
	}
	applyProperties(fresh, setProps, setOnceProps, eventTime)

	created, err := r.store.CreatePerson(ctx, fresh, ev.DistinctID)
	if err == nil {
		r.logger.Debug("created person", "team_id", ev.TeamID, "distinct_id", ev.DistinctID, "person_uuid", fresh.UUID)
		return created, true, nil
	}
	if !errors.Is(err, domain.ErrConcurrentPersonUpdate) {
		return nil, false, fmt.Errorf("create person: %w", err)
	}

	// Lost a creation race; the winner's row is authoritative.
	p, err = r.store.FetchPerson(ctx, ev.TeamID, ev.DistinctID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch person after create race: %w", err)
	}
	return p, false, nil
}

func (r *Resolver) updateProperties(ctx context.Context, ev domain.ResolvedEvent, p *domain.Person, setProps, setOnceProps map[string]any, identify bool, eventTime time.Time) (*domain.Person, error) {
	var lastErr error
	for attempt := 0; attempt < maxPropertyUpdateAttempts; attempt++ {
		// Apply onto a copy so a failed CAS leaves the fetched person
		// untouched for the retry.
		candidate := clonePerson(p)
		changed := applyProperties(candidate, setProps, setOnceProps, eventTime)
		if identify && !candidate.IsIdentified {
			candidate.IsIdentified = true
			changed = true
		}
		if !changed {
			return p, nil
		}

		updated, err := r.store.UpdatePersonProperties(ctx, candidate)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, domain.ErrConcurrentPersonUpdate) {
			return nil, fmt.Errorf("update person properties: %w", err)
		}
		lastErr = err

		p, err = r.store.FetchPerson(ctx, ev.TeamID, ev.DistinctID)
		if err != nil {
			return nil, fmt.Errorf("fetch person after version conflict: %w", err)
		}
	}
	return nil, fmt.Errorf("update person properties for team %d: %w", ev.TeamID, lastErr)
}

// clonePerson copies p including its property maps, so property application
// never writes through to the caller's instance.
func clonePerson(p *domain.Person) *domain.Person {
	c := *p
	c.Properties = make(map[string]any, len(p.Properties))
	for k, v := range p.Properties {
		c.Properties[k] = v
	}
	c.PropertiesLastUpdatedAt = make(map[string]time.Time, len(p.PropertiesLastUpdatedAt))
	for k, v := range p.PropertiesLastUpdatedAt {
		c.PropertiesLastUpdatedAt[k] = v
	}
	c.PropertiesLastOperation = make(map[string]string, len(p.PropertiesLastOperation))
	for k, v := range p.PropertiesLastOperation {
		c.PropertiesLastOperation[k] = v
	}
	return &c
}

// applyProperties merges $set and $set_once into p, stamping per-property
// bookkeeping. Returns whether anything changed.
func applyProperties(p *domain.Person, setProps, setOnceProps map[string]any, eventTime time.Time) bool {
	if p.Properties == nil {
		p.Properties = map[string]any{}
	}
	if p.PropertiesLastUpdatedAt == nil {
		p.PropertiesLastUpdatedAt = map[string]time.Time{}
	}
	if p.PropertiesLastOperation == nil {
		p.PropertiesLastOperation = map[string]string{}
	}

	changed := false
	for k, v := range setOnceProps {
		if _, ok := p.Properties[k]; ok {
			continue
		}
		p.Properties[k] = v
		p.PropertiesLastUpdatedAt[k] = eventTime
		p.PropertiesLastOperation[k] = "set_once"
		changed = true
	}
	for k, v := range setProps {
		if cur, ok := p.Properties[k]; ok && reflect.DeepEqual(cur, v) {
			continue
		}
		p.Properties[k] = v
		p.PropertiesLastUpdatedAt[k] = eventTime
		p.PropertiesLastOperation[k] = "set"
		changed = true
	}
	return changed
}

func asPropertyMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
