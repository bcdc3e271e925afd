// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelline/ingest/internal/domain"
)

type TeamRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewTeamRepository(pool *pgxpool.Pool, logger *slog.Logger) *TeamRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &TeamRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *TeamRepository) TeamByToken(ctx context.Context, token string) (*domain.Team, error) {
	if token == "" {
		return nil, domain.ErrTeamNotFound
	}

	row := r.pool.QueryRow(ctx, `
		SELECT id, name, api_token, anonymize_ips, ingested_event,
		       conversion_buffer_enabled, webhook_url, webhook_secret, created_at
		FROM teams
		WHERE api_token=$1
	`, token)

	team, err := scanTeam(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTeamNotFound
		}
		r.logger.Error("team lookup by token failed", "error", err)
		return nil, err
	}
	return team, nil
}

func (r *TeamRepository) TeamByID(ctx context.Context, id int64) (*domain.Team, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, api_token, anonymize_ips, ingested_event,
		       conversion_buffer_enabled, webhook_url, webhook_secret, created_at
		FROM teams
		WHERE id=$1
	`, id)

	team, err := scanTeam(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTeamNotFound
		}
		r.logger.Error("team lookup by id failed", "team_id", id, "error", err)
		return nil, err
	}
	return team, nil
}

// CreateTeam inserts a new team. Used by the ops CLI to bootstrap projects;
// the ingestion path never creates teams.
func (r *TeamRepository) CreateTeam(ctx context.Context, team domain.Team) (*domain.Team, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO teams (name, api_token, anonymize_ips, conversion_buffer_enabled, webhook_url, webhook_secret)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		team.Name,
		team.APIToken,
		team.AnonymizeIPs,
		team.ConversionBufferEnabled,
		team.WebhookURL,
		team.WebhookSecret,
	).Scan(&team.ID, &team.CreatedAt)
	if err != nil {
		r.logger.Error("create team failed", "name", team.Name, "error", err)
		return nil, err
	}

	r.logger.Info("team created", "team_id", team.ID, "name", team.Name)
	return &team, nil
}

func scanTeam(row pgx.Row) (*domain.Team, error) {
	var t domain.Team
	if err := row.Scan(
		&t.ID,
		&t.Name,
		&t.APIToken,
		&t.AnonymizeIPs,
		&t.IngestedEvent,
		&t.ConversionBufferEnabled,
		&t.WebhookURL,
		&t.WebhookSecret,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}
