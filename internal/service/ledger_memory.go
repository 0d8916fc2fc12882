package service

import (
	"context"
	"sync"
	"time"

	"github.com/banditlabs/bandgate/internal/manager"
	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/signer"
	"github.com/shopspring/decimal"
)

// MemoryLedgerRepo keeps the hash chains in process memory: one append-only
// slice per experiment plus an assignment index for conversion writes.
// Sequence allocation and chain-head tracking go through the SequenceManager
// so appends to one experiment are strictly serialized.
type MemoryLedgerRepo struct {
	mu           sync.RWMutex
	chains       map[string][]*model.AuditRecord
	byAssignment map[string]*model.AuditRecord
	seq          *manager.SequenceManager
}

func NewMemoryLedgerRepo() *MemoryLedgerRepo {
	return &MemoryLedgerRepo{
		chains:       make(map[string][]*model.AuditRecord),
		byAssignment: make(map[string]*model.AuditRecord),
		seq:          manager.NewSequenceManager(),
	}
}

func (r *MemoryLedgerRepo) AppendDecision(ctx context.Context, entry *DecisionEntry) (*model.AuditRecord, error) {
	seq, prevHash := r.seq.Next(entry.ExperimentID)

	// Truncate to microseconds so a Postgres round-trip of the same record
	// reproduces the hash input exactly.
	decisionAt := entry.DecisionAt.UTC().Truncate(time.Microsecond)
	hash := signer.RecordHash(seq, entry.VisitorID, entry.VariantID, decisionAt, prevHash)

	rec := &model.AuditRecord{
		ExperimentID: entry.ExperimentID,
		Sequence:     seq,
		AssignmentID: entry.AssignmentID,
		VisitorID:    entry.VisitorID,
		VariantID:    entry.VariantID,
		SegmentKey:   entry.SegmentKey,
		DecisionAt:   decisionAt,
		DecisionHash: hash,
		PrevHash:     prevHash,
	}

	r.mu.Lock()
	r.chains[entry.ExperimentID] = append(r.chains[entry.ExperimentID], rec)
	r.byAssignment[entry.AssignmentID] = rec
	r.mu.Unlock()

	r.seq.Commit(entry.ExperimentID, hash)
	snap := *rec
	return &snap, nil
}

func (r *MemoryLedgerRepo) AppendConversion(ctx context.Context, assignmentID string, at time.Time, value decimal.Decimal) (*model.AuditRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byAssignment[assignmentID]
	if !ok {
		return nil, false, nil
	}
	if rec.ConversionObserved {
		// append-once: the first conversion wins
		snap := *rec
		return &snap, true, nil
	}
	t := at.UTC().Truncate(time.Microsecond)
	v := value
	rec.ConversionObserved = true
	rec.ConversionAt = &t
	rec.ConversionValue = &v
	snap := *rec
	return &snap, true, nil
}

func (r *MemoryLedgerRepo) Trail(ctx context.Context, experimentID string, limit, offset int) ([]*model.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.chains[experimentID]
	if offset >= len(chain) {
		return []*model.AuditRecord{}, nil
	}
	end := offset + limit
	if end > len(chain) {
		end = len(chain)
	}
	out := make([]*model.AuditRecord, 0, end-offset)
	for _, rec := range chain[offset:end] {
		snap := *rec
		out = append(out, &snap)
	}
	return out, nil
}

func (r *MemoryLedgerRepo) Snapshot(ctx context.Context, experimentID string) ([]*model.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.chains[experimentID]
	out := make([]*model.AuditRecord, 0, len(chain))
	for _, rec := range chain {
		snap := *rec
		out = append(out, &snap)
	}
	return out, nil
}

func (r *MemoryLedgerRepo) Counts(ctx context.Context, experimentID string) (int64, int64, decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var decisions, conversions int64
	value := decimal.Zero
	for _, rec := range r.chains[experimentID] {
		decisions++
		if rec.ConversionObserved {
			conversions++
			if rec.ConversionValue != nil {
				value = value.Add(*rec.ConversionValue)
			}
		}
	}
	return decisions, conversions, value, nil
}

func (r *MemoryLedgerRepo) Head(ctx context.Context, experimentID string) (string, error) {
	return r.seq.Head(experimentID), nil
}
