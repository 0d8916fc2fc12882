package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/service"
	"github.com/banditlabs/bandgate/internal/signer"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// PostgresLedgerRepo persists the hash chains. Sequence allocation is a
// durable fetch-and-increment: the append transaction locks the experiment's
// audit_chains row, takes the next sequence and head hash, inserts the
// record and advances the head. Two appends to the same experiment serialize
// on the row lock; different experiments proceed in parallel.
type PostgresLedgerRepo struct {
	db *sqlx.DB
}

func NewPostgresLedgerRepo(db *sqlx.DB) *PostgresLedgerRepo {
	repo := &PostgresLedgerRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresLedgerRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_chains (
			experiment_id TEXT PRIMARY KEY,
			next_sequence BIGINT NOT NULL DEFAULT 0,
			head_hash TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_records (
			experiment_id TEXT NOT NULL,
			sequence_number BIGINT NOT NULL,
			assignment_id TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			segment_key TEXT NOT NULL,
			decision_at TIMESTAMPTZ NOT NULL,
			decision_hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			conversion_observed BOOLEAN NOT NULL DEFAULT FALSE,
			conversion_at TIMESTAMPTZ,
			conversion_value NUMERIC,
			PRIMARY KEY (experiment_id, sequence_number)
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_records_assignment ON audit_records(assignment_id)`)
	return nil
}

func (r *PostgresLedgerRepo) AppendDecision(ctx context.Context, entry *service.DecisionEntry) (*model.AuditRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Ensure the chain row exists, then lock it for this append.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_chains (experiment_id, next_sequence, head_hash)
		VALUES ($1, 0, $2)
		ON CONFLICT (experiment_id) DO NOTHING
	`, entry.ExperimentID, signer.GenesisHash); err != nil {
		return nil, err
	}

	var seq uint64
	var prevHash string
	if err := tx.QueryRowxContext(ctx, `
		SELECT next_sequence, head_hash FROM audit_chains
		WHERE experiment_id = $1 FOR UPDATE
	`, entry.ExperimentID).Scan(&seq, &prevHash); err != nil {
		return nil, err
	}

	decisionAt := entry.DecisionAt.UTC().Truncate(time.Microsecond)
	hash := signer.RecordHash(seq, entry.VisitorID, entry.VariantID, decisionAt, prevHash)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_records (
			experiment_id, sequence_number, assignment_id, visitor_id, variant_id,
			segment_key, decision_at, decision_hash, prev_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ExperimentID, int64(seq), entry.AssignmentID, entry.VisitorID, entry.VariantID,
		entry.SegmentKey, decisionAt, hash, prevHash); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE audit_chains SET next_sequence = $2, head_hash = $3
		WHERE experiment_id = $1
	`, entry.ExperimentID, int64(seq+1), hash); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &model.AuditRecord{
		ExperimentID: entry.ExperimentID,
		Sequence:     seq,
		AssignmentID: entry.AssignmentID,
		VisitorID:    entry.VisitorID,
		VariantID:    entry.VariantID,
		SegmentKey:   entry.SegmentKey,
		DecisionAt:   decisionAt,
		DecisionHash: hash,
		PrevHash:     prevHash,
	}, nil
}

func (r *PostgresLedgerRepo) AppendConversion(ctx context.Context, assignmentID string, at time.Time, value decimal.Decimal) (*model.AuditRecord, bool, error) {
	convertedAt := at.UTC().Truncate(time.Microsecond)

	// append-once guard in the predicate: an already-populated record is
	// left untouched
	res, err := r.db.ExecContext(ctx, `
		UPDATE audit_records
		SET conversion_observed = TRUE, conversion_at = $2, conversion_value = $3
		WHERE assignment_id = $1 AND conversion_observed = FALSE
	`, assignmentID, convertedAt, value)
	if err != nil {
		return nil, false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// distinguish "unknown assignment" from "already converted"
		rec, err := r.byAssignment(ctx, assignmentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return rec, true, nil
	}
	rec, err := r.byAssignment(ctx, assignmentID)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

const recordColumns = `experiment_id, sequence_number, assignment_id, visitor_id, variant_id,
	segment_key, decision_at, decision_hash, prev_hash, conversion_observed, conversion_at, conversion_value`

func scanRecord(row sqlx.ColScanner) (*model.AuditRecord, error) {
	var rec model.AuditRecord
	var seq int64
	var convAt sql.NullTime
	var convVal decimal.NullDecimal
	if err := row.Scan(&rec.ExperimentID, &seq, &rec.AssignmentID, &rec.VisitorID, &rec.VariantID,
		&rec.SegmentKey, &rec.DecisionAt, &rec.DecisionHash, &rec.PrevHash,
		&rec.ConversionObserved, &convAt, &convVal); err != nil {
		return nil, err
	}
	rec.Sequence = uint64(seq)
	rec.DecisionAt = rec.DecisionAt.UTC()
	if convAt.Valid {
		t := convAt.Time.UTC()
		rec.ConversionAt = &t
	}
	if convVal.Valid {
		rec.ConversionValue = &convVal.Decimal
	}
	return &rec, nil
}

func (r *PostgresLedgerRepo) byAssignment(ctx context.Context, assignmentID string) (*model.AuditRecord, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE assignment_id = $1`, assignmentID)
	return scanRecord(row)
}

func (r *PostgresLedgerRepo) Trail(ctx context.Context, experimentID string, limit, offset int) ([]*model.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+recordColumns+` FROM audit_records
		WHERE experiment_id = $1
		ORDER BY sequence_number ASC
		LIMIT $2 OFFSET $3
	`, experimentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows, limit)
}

// Snapshot reads the full chain inside a repeatable-read read-only
// transaction, so verification sees a consistent cut even while appends
// continue.
func (r *PostgresLedgerRepo) Snapshot(ctx context.Context, experimentID string) ([]*model.AuditRecord, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, `
		SELECT `+recordColumns+` FROM audit_records
		WHERE experiment_id = $1
		ORDER BY sequence_number ASC
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records, err := collectRecords(rows, 0)
	if err != nil {
		return nil, err
	}
	return records, tx.Commit()
}

func collectRecords(rows *sqlx.Rows, capacity int) ([]*model.AuditRecord, error) {
	records := make([]*model.AuditRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresLedgerRepo) Counts(ctx context.Context, experimentID string) (int64, int64, decimal.Decimal, error) {
	var decisions, conversions int64
	var value decimal.NullDecimal
	err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE conversion_observed),
		       COALESCE(SUM(conversion_value), 0)
		FROM audit_records WHERE experiment_id = $1
	`, experimentID).Scan(&decisions, &conversions, &value)
	if err != nil {
		return 0, 0, decimal.Zero, err
	}
	total := decimal.Zero
	if value.Valid {
		total = value.Decimal
	}
	return decisions, conversions, total, nil
}

func (r *PostgresLedgerRepo) Head(ctx context.Context, experimentID string) (string, error) {
	var head string
	err := r.db.QueryRowxContext(ctx, `SELECT head_hash FROM audit_chains WHERE experiment_id = $1`, experimentID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return signer.GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return head, nil
}
