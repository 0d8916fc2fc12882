package repository

import (
	"context"
	"time"

	"github.com/banditlabs/bandgate/internal/engine"
	"github.com/jmoiron/sqlx"
)

// PostgresStateRepo implements engine.StateStore on a single table keyed by
// (variant_id, segment_key). Updates are single-statement upsert-increments,
// so atomicity per key comes from the storage layer and different keys never
// block each other.
type PostgresStateRepo struct {
	db           *sqlx.DB
	warmStartMin int64
}

func NewPostgresStateRepo(db *sqlx.DB, warmStartMin int64) *PostgresStateRepo {
	repo := &PostgresStateRepo{db: db, warmStartMin: warmStartMin}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresStateRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS variant_states (
			variant_id TEXT NOT NULL,
			segment_key TEXT NOT NULL,
			successes_param DOUBLE PRECISION NOT NULL DEFAULT 1,
			failures_param DOUBLE PRECISION NOT NULL DEFAULT 1,
			visits BIGINT NOT NULL DEFAULT 0,
			conversions BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (variant_id, segment_key)
		)
	`)
	return err
}

func (r *PostgresStateRepo) scanState(ctx context.Context, variantID, segmentKey string) (*engine.VariantState, error) {
	var st engine.VariantState
	err := r.db.QueryRowxContext(ctx, `
		SELECT variant_id, segment_key, successes_param, failures_param, visits, conversions, updated_at
		FROM variant_states WHERE variant_id = $1 AND segment_key = $2
	`, variantID, segmentKey).Scan(&st.VariantID, &st.SegmentKey, &st.Alpha, &st.Beta, &st.Visits, &st.Conversions, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *PostgresStateRepo) GetOrCreate(ctx context.Context, variantID, segmentKey string) (*engine.VariantState, error) {
	if st, err := r.scanState(ctx, variantID, segmentKey); err == nil {
		return st, nil
	}

	alpha, beta := 1.0, 1.0
	if segmentKey != engine.GlobalSegment {
		if g, err := r.scanState(ctx, variantID, engine.GlobalSegment); err == nil && g.Visits >= r.warmStartMin {
			alpha, beta = g.Alpha, g.Beta
		}
	}

	// DO NOTHING keeps a concurrent creator's row; the SELECT below reads
	// whichever insert won.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO variant_states (variant_id, segment_key, successes_param, failures_param, visits, conversions, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5)
		ON CONFLICT (variant_id, segment_key) DO NOTHING
	`, variantID, segmentKey, alpha, beta, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return r.scanState(ctx, variantID, segmentKey)
}

func (r *PostgresStateRepo) Eligible(ctx context.Context, variantIDs []string, segmentKey string) ([]*engine.VariantState, error) {
	out := make([]*engine.VariantState, 0, len(variantIDs))
	for _, id := range variantIDs {
		st, err := r.GetOrCreate(ctx, id, segmentKey)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (r *PostgresStateRepo) Update(ctx context.Context, variantID, segmentKey string, converted bool) (*engine.VariantState, error) {
	// Row must exist so the warm start applies before the first increment.
	if _, err := r.GetOrCreate(ctx, variantID, segmentKey); err != nil {
		return nil, err
	}

	var query string
	if converted {
		query = `
			UPDATE variant_states
			SET successes_param = successes_param + 1,
			    conversions = conversions + 1,
			    updated_at = GREATEST(updated_at, $3)
			WHERE variant_id = $1 AND segment_key = $2
			RETURNING variant_id, segment_key, successes_param, failures_param, visits, conversions, updated_at`
	} else {
		query = `
			UPDATE variant_states
			SET failures_param = failures_param + 1,
			    visits = visits + 1,
			    updated_at = GREATEST(updated_at, $3)
			WHERE variant_id = $1 AND segment_key = $2
			RETURNING variant_id, segment_key, successes_param, failures_param, visits, conversions, updated_at`
	}

	var st engine.VariantState
	err := r.db.QueryRowxContext(ctx, query, variantID, segmentKey, time.Now().UTC()).
		Scan(&st.VariantID, &st.SegmentKey, &st.Alpha, &st.Beta, &st.Visits, &st.Conversions, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *PostgresStateRepo) Reset(ctx context.Context, variantIDs []string, segmentKey string) error {
	query, args, err := sqlx.In(`
		UPDATE variant_states
		SET successes_param = 1, failures_param = 1, visits = 0, conversions = 0, updated_at = NOW()
		WHERE segment_key = ? AND variant_id IN (?)
	`, segmentKey, variantIDs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	return err
}

func (r *PostgresStateRepo) Aggregate(ctx context.Context, variantIDs []string) (*engine.AggregateCounts, error) {
	if len(variantIDs) == 0 {
		return &engine.AggregateCounts{}, nil
	}
	query, args, err := sqlx.In(`
		SELECT COALESCE(SUM(visits), 0), COALESCE(SUM(conversions), 0)
		FROM variant_states
		WHERE segment_key = ? AND variant_id IN (?)
	`, engine.GlobalSegment, variantIDs)
	if err != nil {
		return nil, err
	}
	agg := &engine.AggregateCounts{}
	err = r.db.QueryRowxContext(ctx, r.db.Rebind(query), args...).Scan(&agg.Visits, &agg.Conversions)
	if err != nil {
		return nil, err
	}
	return agg, nil
}
