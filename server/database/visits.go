package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/setv/ultrascan/server/models"
)

// VisitFilter narrows a visit listing. Dates are inclusive YYYY-MM-DD bounds
// and empty fields match everything.
type VisitFilter struct {
	PatientID string
	From      string
	To        string
	Limit     int
}

type VisitRepository struct {
	pool *pgxpool.Pool
}

func NewVisitRepository(pool *pgxpool.Pool) *VisitRepository {
	return &VisitRepository{pool: pool}
}

func (r *VisitRepository) Create(ctx context.Context, v *models.Visit) error {
	query := `
		INSERT INTO visits (
			visit_id, temp_id, patient_id, patient_name, patient_age,
			patient_number, gender, video_url, report_url,
			visit_date, visit_time, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err := r.pool.Exec(ctx, query,
		v.VisitID, v.TempID, v.PatientID, v.PatientName, v.PatientAge,
		v.PatientNumber, v.Gender, v.VideoURL, v.ReportURL,
		v.VisitDate, v.VisitTime, v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateVisit, v.VisitID)
	}
	if err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	return nil
}

func (r *VisitRepository) Get(ctx context.Context, visitID string) (*models.Visit, error) {
	query := `
		SELECT visit_id, temp_id, patient_id, patient_name, patient_age,
			patient_number, gender, video_url, report_url,
			visit_date, visit_time, created_at
		FROM visits WHERE visit_id=$1`

	v, err := scanVisit(r.pool.QueryRow(ctx, query, visitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: visit %s", ErrNotFound, visitID)
	}
	if err != nil {
		return nil, fmt.Errorf("find visit: %w", err)
	}
	return v, nil
}

// List returns the visits matching filter, newest first.
func (r *VisitRepository) List(ctx context.Context, filter VisitFilter) ([]models.Visit, error) {
	var (
		where []string
		args  []any
	)
	if filter.PatientID != "" {
		args = append(args, filter.PatientID)
		where = append(where, fmt.Sprintf("patient_id=$%d", len(args)))
	}
	if filter.From != "" {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("visit_date>=$%d", len(args)))
	}
	if filter.To != "" {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("visit_date<=$%d", len(args)))
	}

	query := `
		SELECT visit_id, temp_id, patient_id, patient_name, patient_age,
			patient_number, gender, video_url, report_url,
			visit_date, visit_time, created_at
		FROM visits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, visit_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	visits := make([]models.Visit, 0)
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	return visits, nil
}

func (r *VisitRepository) SetVideoURL(ctx context.Context, visitID, url string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE visits SET video_url=$2 WHERE visit_id=$1`, visitID, url)
	if err != nil {
		return fmt.Errorf("update visit video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: visit %s", ErrNotFound, visitID)
	}
	return nil
}

func scanVisit(row pgx.Row) (*models.Visit, error) {
	v := &models.Visit{}
	err := row.Scan(
		&v.VisitID, &v.TempID, &v.PatientID, &v.PatientName, &v.PatientAge,
		&v.PatientNumber, &v.Gender, &v.VideoURL, &v.ReportURL,
		&v.VisitDate, &v.VisitTime, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}
