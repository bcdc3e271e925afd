// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelline/ingest/internal/domain"
)

type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventRepository{
		pool:   pool,
		logger: logger,
	}
}

// InsertEvent stores the prepared event. The (team_id, uuid) unique index
// makes the insert idempotent; created reports whether this call stored a
// new row. The team's first stored event also flips teams.ingested_event.
func (r *EventRepository) InsertEvent(ctx context.Context, ev domain.PreparedEvent, p *domain.Person) (bool, error) {
	props, err := json.Marshal(orEmptyProperties(ev.Properties))
	if err != nil {
		return false, fmt.Errorf("encode event properties: %w", err)
	}

	var elements []byte
	if len(ev.Elements) > 0 {
		elements, err = json.Marshal(ev.Elements)
		if err != nil {
			return false, fmt.Errorf("encode event elements: %w", err)
		}
	}

	var personID *int64
	if p != nil {
		personID = &p.ID
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO events (uuid, team_id, name, distinct_id, properties, elements, person_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (team_id, uuid) DO NOTHING
	`,
		ev.UUID,
		ev.TeamID,
		ev.Event,
		ev.DistinctID,
		props,
		elements,
		personID,
		ev.Timestamp,
	)
	if err != nil {
		r.logger.Error("insert event failed",
			"team_id", ev.TeamID,
			"event_uuid", ev.UUID,
			"error", err,
		)
		return false, err
	}

	created := tag.RowsAffected() > 0
	if created {
		if _, err := tx.Exec(ctx, `
			UPDATE teams
			SET ingested_event=TRUE
			WHERE id=$1 AND NOT ingested_event
		`, ev.TeamID); err != nil {
			r.logger.Error("mark team ingested failed", "team_id", ev.TeamID, "error", err)
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit insert event failed",
			"team_id", ev.TeamID,
			"event_uuid", ev.UUID,
			"error", err,
		)
		return false, err
	}

	return created, nil
}

// EventByUUID rebuilds the prepared event for a stored row, used to replay
// the async handlers for an already-created event.
func (r *EventRepository) EventByUUID(ctx context.Context, eventUUID uuid.UUID) (domain.PreparedEvent, error) {
	var (
		ev          domain.PreparedEvent
		propsRaw    []byte
		elementsRaw []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT uuid, team_id, name, distinct_id, properties, elements, timestamp
		FROM events
		WHERE uuid=$1
	`, eventUUID).Scan(
		&ev.UUID,
		&ev.TeamID,
		&ev.Event,
		&ev.DistinctID,
		&propsRaw,
		&elementsRaw,
		&ev.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PreparedEvent{}, domain.ErrEventNotFound
		}
		r.logger.Error("event lookup failed", "event_uuid", eventUUID, "error", err)
		return domain.PreparedEvent{}, err
	}

	if err := json.Unmarshal(propsRaw, &ev.Properties); err != nil {
		return domain.PreparedEvent{}, fmt.Errorf("decode event properties: %w", err)
	}
	if len(elementsRaw) > 0 {
		if err := json.Unmarshal(elementsRaw, &ev.Elements); err != nil {
			return domain.PreparedEvent{}, fmt.Errorf("decode event elements: %w", err)
		}
	}
	return ev, nil
}
