// SPDX-License-Identifier: Apache-2.0

// Package auth carries the resolved team identity across request handling.
// Capture tokens are public project identifiers, not secrets; resolving one
// yields the owning team and nothing else.
package auth

import (
	"context"

	"github.com/funnelline/ingest/internal/domain"
)

type teamContextKey struct{}

var ctxTeamKey teamContextKey

// WithTeam stores the resolved team on the request context.
func WithTeam(ctx context.Context, team *domain.Team) context.Context {
	return context.WithValue(ctx, ctxTeamKey, team)
}

// TeamFromContext reads the resolved team from context.
func TeamFromContext(ctx context.Context) (*domain.Team, bool) {
	team, ok := ctx.Value(ctxTeamKey).(*domain.Team)
	if !ok || team == nil {
		return nil, false
	}
	return team, true
}

// TeamIDFromContext reads just the team id, for log fields.
func TeamIDFromContext(ctx context.Context) (int64, bool) {
	team, ok := TeamFromContext(ctx)
	if !ok {
		return 0, false
	}
	return team.ID, true
}
