// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/funnelline/ingest/internal/domain"
)

// TeamSource is the uncached lookup surface TeamCache wraps.
type TeamSource interface {
	TeamByToken(ctx context.Context, token string) (*domain.Team, error)
	TeamByID(ctx context.Context, id int64) (*domain.Team, error)
}

// TeamCache memoizes team lookups in front of a TeamSource. Teams change
// rarely but are read on every event, so entries live for a short TTL and
// expire on their own; nothing invalidates them eagerly. Lookup failures,
// including unknown tokens, are never cached.
type TeamCache struct {
	source  TeamSource
	byToken *expirable.LRU[string, *domain.Team]
	byID    *expirable.LRU[int64, *domain.Team]
}

func NewTeamCache(source TeamSource, size int, ttl time.Duration) *TeamCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	return &TeamCache{
		source:  source,
		byToken: expirable.NewLRU[string, *domain.Team](size, nil, ttl),
		byID:    expirable.NewLRU[int64, *domain.Team](size, nil, ttl),
	}
}

func (c *TeamCache) TeamByToken(ctx context.Context, token string) (*domain.Team, error) {
	if team, ok := c.byToken.Get(token); ok {
		return team, nil
	}

	team, err := c.source.TeamByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	c.store(team)
	return team, nil
}

func (c *TeamCache) TeamByID(ctx context.Context, id int64) (*domain.Team, error) {
	if team, ok := c.byID.Get(id); ok {
		return team, nil
	}

	team, err := c.source.TeamByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(team)
	return team, nil
}

// store indexes the team under both keys so a token lookup also warms the
// id path the worker uses.
func (c *TeamCache) store(team *domain.Team) {
	c.byToken.Add(team.APIToken, team)
	c.byID.Add(team.ID, team)
}
