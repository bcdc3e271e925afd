// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelline/ingest/internal/domain"
)

// BufferRepository is the Postgres conversion buffer. Parked events wait in
// buffered_events until their process_at deadline; workers claim due rows
// with a lease so a crashed worker's claims become due again on their own.
type BufferRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewBufferRepository(pool *pgxpool.Pool, logger *slog.Logger) *BufferRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &BufferRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *BufferRepository) Enqueue(ctx context.Context, ev domain.ResolvedEvent, processAt time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode buffered event: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO buffered_events (team_id, event, process_at)
		VALUES ($1, $2, $3)
	`,
		ev.TeamID,
		payload,
		processAt,
	); err != nil {
		r.logger.Error("enqueue buffered event failed",
			"team_id", ev.TeamID,
			"event_uuid", ev.UUID,
			"error", err,
		)
		return err
	}

	r.logger.Debug("event parked in buffer",
		"team_id", ev.TeamID,
		"event_uuid", ev.UUID,
		"process_at", processAt,
	)
	return nil
}

// ClaimDue locks up to limit due rows, pushes their process_at forward by
// lease, and returns them. Rows not completed before the lease expires are
// claimed again by the next poll.
func (r *BufferRepository) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]domain.BufferedEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event, process_at, attempts
		FROM buffered_events
		WHERE process_at <= NOW()
		ORDER BY process_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		r.logger.Error("claim buffered events query failed", "error", err)
		return nil, err
	}

	claimed := make([]domain.BufferedEvent, 0, limit)
	for rows.Next() {
		var (
			be      domain.BufferedEvent
			payload []byte
		)
		if err := rows.Scan(&be.ID, &payload, &be.ProcessAt, &be.Attempts); err != nil {
			rows.Close()
			r.logger.Error("scan buffered event failed", "error", err)
			return nil, err
		}
		if err := json.Unmarshal(payload, &be.Event); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode buffered event %d: %w", be.ID, err)
		}
		claimed = append(claimed, be)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		r.logger.Error("buffered events iteration failed", "error", err)
		return nil, err
	}

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(claimed))
	for i := range claimed {
		claimed[i].Attempts++
		ids = append(ids, claimed[i].ID)
	}

	// Every claim counts as an attempt; the lease doubles as the retry
	// backoff when a worker dies mid-batch.
	if _, err := tx.Exec(ctx, `
		UPDATE buffered_events
		SET attempts = attempts + 1,
		    process_at = NOW() + $2
		WHERE id = ANY($1)
	`, ids, lease); err != nil {
		r.logger.Error("lease buffered events failed", "error", err)
		return nil, err
	}

	return claimed, tx.Commit(ctx)
}

// Complete removes a processed row.
func (r *BufferRepository) Complete(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `
		DELETE FROM buffered_events
		WHERE id=$1
	`, id); err != nil {
		r.logger.Error("complete buffered event failed", "buffered_id", id, "error", err)
		return err
	}
	return nil
}

// Depth counts parked events, due or not.
func (r *BufferRepository) Depth(ctx context.Context) (int64, error) {
	var depth int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM buffered_events`,
	).Scan(&depth); err != nil {
		r.logger.Error("buffer depth query failed", "error", err)
		return 0, err
	}
	return depth, nil
}

// BufferEntry is the flattened admin view of one parked event.
type BufferEntry struct {
	ID         int64     `json:"id"`
	TeamID     int64     `json:"team_id"`
	Event      string    `json:"event"`
	DistinctID string    `json:"distinct_id"`
	ProcessAt  time.Time `json:"process_at"`
	Attempts   int       `json:"attempts"`
}

// ListUpcoming returns the next rows due for processing, soonest first.
func (r *BufferRepository) ListUpcoming(ctx context.Context, limit int) ([]BufferEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, team_id, event->>'event', event->>'distinct_id', process_at, attempts
		FROM buffered_events
		ORDER BY process_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		r.logger.Error("list buffered events failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]BufferEntry, 0, limit)
	for rows.Next() {
		var entry BufferEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.TeamID,
			&entry.Event,
			&entry.DistinctID,
			&entry.ProcessAt,
			&entry.Attempts,
		); err != nil {
			r.logger.Error("scan buffer entry failed", "error", err)
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
