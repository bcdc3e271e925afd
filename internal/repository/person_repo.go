// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelline/ingest/internal/domain"
)

// PersonRepository is the Postgres identity store. Property state lives in
// jsonb columns; concurrent writers are serialized through the version
// column rather than row locks, so readers never block the hot path.
type PersonRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPersonRepository(pool *pgxpool.Pool, logger *slog.Logger) *PersonRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PersonRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *PersonRepository) FetchPerson(ctx context.Context, teamID int64, distinctID string) (*domain.Person, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT p.id, p.uuid, p.team_id, p.properties, p.properties_last_updated_at,
		       p.properties_last_operation, p.is_user_id, p.is_identified,
		       p.created_at, p.version
		FROM persons p
		JOIN person_distinct_ids d ON d.person_id = p.id
		WHERE d.team_id=$1 AND d.distinct_id=$2
	`, teamID, distinctID)

	p, err := scanPerson(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPersonNotFound
		}
		r.logger.Error("fetch person failed",
			"team_id", teamID,
			"distinct_id", distinctID,
			"error", err,
		)
		return nil, err
	}
	return p, nil
}

// CreatePerson inserts the person and claims distinctID for it in one
// transaction. Losing the claim to a concurrent writer surfaces as
// domain.ErrConcurrentPersonUpdate so the caller refetches the winner.
func (r *PersonRepository) CreatePerson(ctx context.Context, p *domain.Person, distinctID string) (*domain.Person, error) {
	props, lastUpdated, lastOp, err := marshalPersonColumns(p)
	if err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	stored := *p
	if err := tx.QueryRow(ctx, `
		INSERT INTO persons (uuid, team_id, properties, properties_last_updated_at,
		                     properties_last_operation, is_user_id, is_identified, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
		RETURNING id
	`,
		p.UUID,
		p.TeamID,
		props,
		lastUpdated,
		lastOp,
		p.IsUserID,
		p.IsIdentified,
		p.CreatedAt,
	).Scan(&stored.ID); err != nil {
		r.logger.Error("insert person failed", "team_id", p.TeamID, "error", err)
		return nil, err
	}
	stored.Version = 0

	tag, err := tx.Exec(ctx, `
		INSERT INTO person_distinct_ids (team_id, distinct_id, person_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, distinct_id) DO NOTHING
	`,
		p.TeamID,
		distinctID,
		stored.ID,
	)
	if err != nil {
		r.logger.Error("claim distinct id failed", "team_id", p.TeamID, "error", err)
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		// Someone else claimed the distinct id first; the rollback
		// discards our person row.
		return nil, domain.ErrConcurrentPersonUpdate
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit create person failed", "team_id", p.TeamID, "error", err)
		return nil, err
	}

	return &stored, nil
}

// UpdatePersonProperties writes the person's property state guarded by its
// version. A stale version means another event won the race; the caller
// refetches and reapplies.
func (r *PersonRepository) UpdatePersonProperties(ctx context.Context, p *domain.Person) (*domain.Person, error) {
	props, lastUpdated, lastOp, err := marshalPersonColumns(p)
	if err != nil {
		return nil, err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE persons
		SET properties=$3,
		    properties_last_updated_at=$4,
		    properties_last_operation=$5,
		    is_identified=$6,
		    version=version+1
		WHERE id=$1 AND version=$2
	`,
		p.ID,
		p.Version,
		props,
		lastUpdated,
		lastOp,
		p.IsIdentified,
	)
	if err != nil {
		r.logger.Error("update person properties failed",
			"team_id", p.TeamID,
			"person_id", p.ID,
			"error", err,
		)
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrConcurrentPersonUpdate
	}

	updated := *p
	updated.Version = p.Version + 1
	return &updated, nil
}

func (r *PersonRepository) LinkDistinctID(ctx context.Context, teamID, personID int64, distinctID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO person_distinct_ids (team_id, distinct_id, person_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, distinct_id) DO NOTHING
	`,
		teamID,
		distinctID,
		personID,
	)
	if err != nil {
		r.logger.Error("link distinct id failed",
			"team_id", teamID,
			"person_id", personID,
			"error", err,
		)
		return err
	}
	return nil
}

func scanPerson(row pgx.Row) (*domain.Person, error) {
	var (
		p                domain.Person
		propsRaw         []byte
		lastUpdatedRaw   []byte
		lastOperationRaw []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.UUID,
		&p.TeamID,
		&propsRaw,
		&lastUpdatedRaw,
		&lastOperationRaw,
		&p.IsUserID,
		&p.IsIdentified,
		&p.CreatedAt,
		&p.Version,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(propsRaw, &p.Properties); err != nil {
		return nil, fmt.Errorf("decode person properties: %w", err)
	}
	if err := json.Unmarshal(lastUpdatedRaw, &p.PropertiesLastUpdatedAt); err != nil {
		return nil, fmt.Errorf("decode properties_last_updated_at: %w", err)
	}
	if err := json.Unmarshal(lastOperationRaw, &p.PropertiesLastOperation); err != nil {
		return nil, fmt.Errorf("decode properties_last_operation: %w", err)
	}
	return &p, nil
}

func marshalPersonColumns(p *domain.Person) (props, lastUpdated, lastOp []byte, err error) {
	props, err = json.Marshal(orEmptyProperties(p.Properties))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode person properties: %w", err)
	}
	lastUpdated, err = json.Marshal(p.PropertiesLastUpdatedAt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode properties_last_updated_at: %w", err)
	}
	lastOp, err = json.Marshal(p.PropertiesLastOperation)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode properties_last_operation: %w", err)
	}
	return props, lastUpdated, lastOp, nil
}

func orEmptyProperties(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
