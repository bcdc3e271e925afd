// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelline/ingest/internal/domain"
)

func TestNewTeamRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *pgxpool.Pool

	repo := NewTeamRepository(pool, logger)
	if repo == nil {
		t.Fatal("expected team repository instance")
	}
	if repo.pool != pool {
		t.Fatal("expected pool reference to be preserved")
	}
	if repo.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
}

func TestNewPersonRepositoryDefaultsLogger(t *testing.T) {
	repo := NewPersonRepository(nil, nil)
	if repo == nil {
		t.Fatal("expected person repository instance")
	}
	if repo.logger == nil {
		t.Fatal("expected a fallback logger")
	}
}

type fakeTeamSource struct {
	team *domain.Team

	tokenCalls int
	idCalls    int
}

func (s *fakeTeamSource) TeamByToken(ctx context.Context, token string) (*domain.Team, error) {
	s.tokenCalls++
	if s.team != nil && s.team.APIToken == token {
		return s.team, nil
	}
	return nil, domain.ErrTeamNotFound
}

func (s *fakeTeamSource) TeamByID(ctx context.Context, id int64) (*domain.Team, error) {
	s.idCalls++
	if s.team != nil && s.team.ID == id {
		return s.team, nil
	}
	return nil, domain.ErrTeamNotFound
}

func cachedTeam() *domain.Team {
	return &domain.Team{ID: 42, Name: "acme", APIToken: "phc_acme"}
}

func TestTeamCacheServesRepeatLookupsFromCache(t *testing.T) {
	source := &fakeTeamSource{team: cachedTeam()}
	cache := NewTeamCache(source, 8, time.Minute)

	for i := 0; i < 3; i++ {
		team, err := cache.TeamByToken(context.Background(), "phc_acme")
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if team.ID != 42 {
			t.Fatalf("expected team 42, got %d", team.ID)
		}
	}

	if source.tokenCalls != 1 {
		t.Fatalf("expected 1 source call, got %d", source.tokenCalls)
	}
}

func TestTeamCacheTokenLookupWarmsIDIndex(t *testing.T) {
	source := &fakeTeamSource{team: cachedTeam()}
	cache := NewTeamCache(source, 8, time.Minute)

	if _, err := cache.TeamByToken(context.Background(), "phc_acme"); err != nil {
		t.Fatalf("token lookup: %v", err)
	}
	if _, err := cache.TeamByID(context.Background(), 42); err != nil {
		t.Fatalf("id lookup: %v", err)
	}

	if source.idCalls != 0 {
		t.Fatalf("expected id lookup to hit the cache, got %d source calls", source.idCalls)
	}
}

func TestTeamCacheDoesNotCacheUnknownToken(t *testing.T) {
	source := &fakeTeamSource{}
	cache := NewTeamCache(source, 8, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cache.TeamByToken(context.Background(), "phc_missing"); !errors.Is(err, domain.ErrTeamNotFound) {
			t.Fatalf("lookup %d: expected ErrTeamNotFound, got %v", i, err)
		}
	}

	if source.tokenCalls != 2 {
		t.Fatalf("expected misses to reach the source every time, got %d calls", source.tokenCalls)
	}
}
