// SPDX-License-Identifier: Apache-2.0

// Package person carries identity handling for the ingestion pipeline: a
// lazy person handle passed between steps, and the resolver that owns all
// person mutation.
package person

import (
	"context"
	"errors"
	"sync"

	"github.com/funnelline/ingest/internal/domain"
)

// Store is the read side of the identity store.
type Store interface {
	FetchPerson(ctx context.Context, teamID int64, distinctID string) (*domain.Person, error)
}

// Container gives steps access to the person behind one (team, distinct id)
// pair without forcing a fetch until somebody asks. Absence is cached the
// same way a hit is, so repeated Get calls cost one store read at most.
type Container struct {
	TeamID     int64
	DistinctID string

	store Store

	mu     sync.Mutex
	loaded bool
	person *domain.Person
}

func NewContainer(teamID int64, distinctID string, store Store) *Container {
	return &Container{TeamID: teamID, DistinctID: distinctID, store: store}
}

// NewLoadedContainer wraps an already-resolved person; Get never touches
// the store. The person may be nil for a confirmed-absent identity.
func NewLoadedContainer(teamID int64, distinctID string, store Store, p *domain.Person) *Container {
	return &Container{TeamID: teamID, DistinctID: distinctID, store: store, loaded: true, person: p}
}

// Get returns the person, fetching on first use. An absent person yields
// (nil, nil); only store failures surface as errors.
func (c *Container) Get(ctx context.Context) (*domain.Person, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.person, nil
	}

	p, err := c.store.FetchPerson(ctx, c.TeamID, c.DistinctID)
	if err != nil {
		if errors.Is(err, domain.ErrPersonNotFound) {
			c.loaded = true
			c.person = nil
			return nil, nil
		}
		return nil, err
	}
	c.loaded = true
	c.person = p
	return p, nil
}

// Override replaces the cached person after a mutation elsewhere.
func (c *Container) Override(p *domain.Person) {
	c.mu.Lock()
	c.loaded = true
	c.person = p
	c.mu.Unlock()
}
