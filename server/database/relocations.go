package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/setv/ultrascan/server/models"
)

// RelocationRepository is the durable relocation outbox.
type RelocationRepository struct {
	pool *pgxpool.Pool
}

func NewRelocationRepository(pool *pgxpool.Pool) *RelocationRepository {
	return &RelocationRepository{pool: pool}
}

const relocationColumns = `id, visit_id, kind, bucket, source, destination, state,
	resume_from, attempts, last_error, url, created_at, updated_at`

func (r *RelocationRepository) Create(ctx context.Context, rel *models.Relocation) error {
	query := `INSERT INTO relocations (` + relocationColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err := r.pool.Exec(ctx, query,
		rel.ID, rel.VisitID, string(rel.Kind), rel.Bucket, rel.Source, rel.Destination,
		string(rel.State), string(rel.ResumeFrom), rel.Attempts, rel.LastError, rel.URL,
		rel.CreatedAt, rel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert relocation: %w", err)
	}
	return nil
}

func (r *RelocationRepository) Update(ctx context.Context, rel *models.Relocation) error {
	query := `
		UPDATE relocations SET
			state=$2, resume_from=$3, attempts=$4, last_error=$5, url=$6, updated_at=$7
		WHERE id=$1`

	tag, err := r.pool.Exec(ctx, query,
		rel.ID, string(rel.State), string(rel.ResumeFrom), rel.Attempts,
		rel.LastError, rel.URL, rel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update relocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: relocation %s", ErrNotFound, rel.ID)
	}
	return nil
}

func (r *RelocationRepository) Get(ctx context.Context, id string) (*models.Relocation, error) {
	query := `SELECT ` + relocationColumns + ` FROM relocations WHERE id=$1`
	rows, err := r.list(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: relocation %s", ErrNotFound, id)
	}
	return &rows[0], nil
}

func (r *RelocationRepository) ListPending(ctx context.Context, maxAttempts int) ([]models.Relocation, error) {
	query := `SELECT ` + relocationColumns + ` FROM relocations
		WHERE state IN ('pending', 'copied', 'failed') AND attempts < $1
		ORDER BY created_at, id`
	return r.list(ctx, query, maxAttempts)
}

func (r *RelocationRepository) ListByVisit(ctx context.Context, visitID string) ([]models.Relocation, error) {
	query := `SELECT ` + relocationColumns + ` FROM relocations
		WHERE visit_id=$1
		ORDER BY created_at, id`
	return r.list(ctx, query, visitID)
}

func (r *RelocationRepository) list(ctx context.Context, query string, args ...any) ([]models.Relocation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relocations: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Relocation, error) {
		var rel models.Relocation
		var kind, state, resumeFrom string
		err := row.Scan(
			&rel.ID, &rel.VisitID, &kind, &rel.Bucket, &rel.Source, &rel.Destination, &state,
			&resumeFrom, &rel.Attempts, &rel.LastError, &rel.URL, &rel.CreatedAt, &rel.UpdatedAt,
		)
		rel.Kind = models.RelocationKind(kind)
		rel.State = models.RelocationState(state)
		rel.ResumeFrom = models.RelocationState(resumeFrom)
		return rel, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan relocations: %w", err)
	}
	if out == nil {
		out = make([]models.Relocation, 0)
	}
	return out, nil
}
