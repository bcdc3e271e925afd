// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelline/ingest/internal/deadletter"
)

// DeadLetterRepository stores pipeline failures in dead_letter_events. The
// runner only needs Produce; the admin surface reads the table back for
// inspection and replay.
type DeadLetterRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewDeadLetterRepository(pool *pgxpool.Pool, logger *slog.Logger) *DeadLetterRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &DeadLetterRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *DeadLetterRepository) Produce(ctx context.Context, msg deadletter.Message) error {
	payload, err := json.Marshal(msg.Event)
	if err != nil {
		return fmt.Errorf("encode dead letter event: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letter_events (id, event, failed_step, error, failed_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		msg.ID,
		payload,
		msg.FailedStep,
		msg.Error,
		msg.FailedAt,
	); err != nil {
		r.logger.Error("insert dead letter event failed",
			"dead_letter_id", msg.ID,
			"step", msg.FailedStep,
			"error", err,
		)
		return err
	}
	return nil
}

// ListRecent returns the newest failures first.
func (r *DeadLetterRepository) ListRecent(ctx context.Context, limit int) ([]deadletter.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event, failed_step, error, failed_at
		FROM dead_letter_events
		ORDER BY failed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		r.logger.Error("list dead letter events failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]deadletter.Message, 0, limit)
	for rows.Next() {
		var (
			msg     deadletter.Message
			payload []byte
		)
		if err := rows.Scan(&msg.ID, &payload, &msg.FailedStep, &msg.Error, &msg.FailedAt); err != nil {
			r.logger.Error("scan dead letter event failed", "error", err)
			return nil, err
		}
		if err := json.Unmarshal(payload, &msg.Event); err != nil {
			return nil, fmt.Errorf("decode dead letter event %s: %w", msg.ID, err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
