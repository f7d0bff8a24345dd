package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IDRepository stores the final visit id allocated for each temp id.
type IDRepository struct {
	pool *pgxpool.Pool
}

func NewIDRepository(pool *pgxpool.Pool) *IDRepository {
	return &IDRepository{pool: pool}
}

// Allocate stores candidate as the final id of tempID unless one is already
// stored, and returns the stored value.
func (r *IDRepository) Allocate(ctx context.Context, tempID, candidate string) (string, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO visit_ids (temp_id, final_id) VALUES ($1, $2) ON CONFLICT (temp_id) DO NOTHING`,
		tempID, candidate)
	if err != nil {
		return "", fmt.Errorf("allocate final id: %w", err)
	}

	return r.Lookup(ctx, tempID)
}

func (r *IDRepository) Lookup(ctx context.Context, tempID string) (string, error) {
	var finalID string
	err := r.pool.QueryRow(ctx, `SELECT final_id FROM visit_ids WHERE temp_id=$1`, tempID).Scan(&finalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: final id for %s", ErrNotFound, tempID)
	}
	if err != nil {
		return "", fmt.Errorf("find final id: %w", err)
	}
	return finalID, nil
}
