// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelline/ingest/internal/domain"
)

type PluginConfigRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPluginConfigRepository(pool *pgxpool.Pool, logger *slog.Logger) *PluginConfigRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PluginConfigRepository{
		pool:   pool,
		logger: logger,
	}
}

// ListPluginConfigs returns the team's enabled configs in run order.
func (r *PluginConfigRepository) ListPluginConfigs(ctx context.Context, teamID int64) ([]domain.PluginConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, team_id, kind, run_order, config
		FROM plugin_configs
		WHERE team_id=$1 AND enabled
		ORDER BY run_order ASC, id ASC
	`, teamID)
	if err != nil {
		r.logger.Error("list plugin configs failed", "team_id", teamID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PluginConfig, 0, 4)
	for rows.Next() {
		var (
			cfg       domain.PluginConfig
			configRaw []byte
		)
		if err := rows.Scan(&cfg.ID, &cfg.TeamID, &cfg.Kind, &cfg.Order, &configRaw); err != nil {
			r.logger.Error("scan plugin config failed", "team_id", teamID, "error", err)
			return nil, err
		}
		if err := json.Unmarshal(configRaw, &cfg.Config); err != nil {
			return nil, fmt.Errorf("decode plugin config %d: %w", cfg.ID, err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("plugin configs iteration failed", "team_id", teamID, "error", err)
		return nil, err
	}
	return out, nil
}
