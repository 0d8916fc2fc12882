package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/banditlabs/bandgate/internal/model"
	"github.com/jmoiron/sqlx"
)

// PostgresAssignmentRepo persists assignments. The unique
// (experiment_id, visitor_id) constraint is what makes stickiness hold under
// concurrent first visits: the losing insert reads back the winner.
type PostgresAssignmentRepo struct {
	db *sqlx.DB
}

func NewPostgresAssignmentRepo(db *sqlx.DB) *PostgresAssignmentRepo {
	repo := &PostgresAssignmentRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresAssignmentRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS assignments (
			id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			element_id TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			segment_key TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			converted_at TIMESTAMPTZ,
			UNIQUE (experiment_id, visitor_id)
		)
	`)
	return err
}

func (r *PostgresAssignmentRepo) Put(ctx context.Context, a *model.Assignment) (*model.Assignment, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO assignments (id, experiment_id, element_id, visitor_id, variant_id, segment_key, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (experiment_id, visitor_id) DO NOTHING
	`, a.ID, a.ExperimentID, a.ElementID, a.VisitorID, a.VariantID, a.SegmentKey, a.Status, a.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		snap := *a
		return &snap, true, nil
	}
	existing, err := r.Get(ctx, a.ExperimentID, a.VisitorID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresAssignmentRepo) Replace(ctx context.Context, a *model.Assignment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO assignments (id, experiment_id, element_id, visitor_id, variant_id, segment_key, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (experiment_id, visitor_id) DO UPDATE SET
			id = EXCLUDED.id,
			element_id = EXCLUDED.element_id,
			variant_id = EXCLUDED.variant_id,
			segment_key = EXCLUDED.segment_key,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at,
			converted_at = NULL
	`, a.ID, a.ExperimentID, a.ElementID, a.VisitorID, a.VariantID, a.SegmentKey, a.Status, a.CreatedAt)
	return err
}

const assignmentColumns = `id, experiment_id, element_id, visitor_id, variant_id, segment_key, status, created_at, converted_at`

func scanAssignment(row sqlx.ColScanner) (*model.Assignment, error) {
	var a model.Assignment
	var convAt sql.NullTime
	if err := row.Scan(&a.ID, &a.ExperimentID, &a.ElementID, &a.VisitorID, &a.VariantID,
		&a.SegmentKey, &a.Status, &a.CreatedAt, &convAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if convAt.Valid {
		t := convAt.Time.UTC()
		a.ConvertedAt = &t
	}
	return &a, nil
}

func (r *PostgresAssignmentRepo) Get(ctx context.Context, experimentID, visitorID string) (*model.Assignment, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments WHERE experiment_id = $1 AND visitor_id = $2
	`, experimentID, visitorID)
	return scanAssignment(row)
}

func (r *PostgresAssignmentRepo) GetByID(ctx context.Context, assignmentID string) (*model.Assignment, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments WHERE id = $1
	`, assignmentID)
	return scanAssignment(row)
}

func (r *PostgresAssignmentRepo) MarkConverted(ctx context.Context, assignmentID string, at time.Time) (*model.Assignment, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE assignments SET status = $2, converted_at = $3
		WHERE id = $1 AND status = $4
	`, assignmentID, model.AssignmentConverted, at.UTC(), model.AssignmentAssigned)
	if err != nil {
		return nil, false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, false, nil
	}
	a, err := r.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (r *PostgresAssignmentRepo) Expire(ctx context.Context, before time.Time) ([]*model.Assignment, error) {
	rows, err := r.db.QueryxContext(ctx, `
		UPDATE assignments SET status = $1
		WHERE status = $2 AND created_at < $3
		RETURNING `+assignmentColumns+`
	`, model.AssignmentExpired, model.AssignmentAssigned, before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var expired []*model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, a)
	}
	return expired, rows.Err()
}
