package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banditlabs/bandgate/internal/engine"
	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/pkg/apperrors"
	"github.com/banditlabs/bandgate/internal/pkg/logger"
	"github.com/banditlabs/bandgate/internal/pkg/metrics"
	"github.com/banditlabs/bandgate/internal/signer"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Orchestrator sequences every allocation and conversion. It is the only
// caller of the state store, the allocator and the ledger, and it owns the
// ordering rule the audit protocol depends on: the ledger is written only
// after the assignment is durable, and conversion entries only for existing
// decisions.
type Orchestrator struct {
	registry    *Registry
	states      engine.StateStore
	allocator   *engine.Allocator
	assignments AssignmentStore
	ledger      *LedgerService
	verifier    *Verifier
	attestor    *signer.Attestor

	frozen atomic.Bool
	now    func() time.Time
}

func NewOrchestrator(registry *Registry, states engine.StateStore, allocator *engine.Allocator, assignments AssignmentStore, ledger *LedgerService, verifier *Verifier, attestor *signer.Attestor) *Orchestrator {
	return &Orchestrator{
		registry:    registry,
		states:      states,
		allocator:   allocator,
		assignments: assignments,
		ledger:      ledger,
		verifier:    verifier,
		attestor:    attestor,
		now:         time.Now,
	}
}

// Allocate routes one visitor. An existing assignment for the
// (visitor, experiment) pair is returned unchanged: the same visitor must
// always see the same variant. The returned bool reports that sticky path.
func (o *Orchestrator) Allocate(ctx context.Context, experimentID, elementID, visitorID, segmentKey string, reassign bool) (*model.Assignment, bool, error) {
	if o.frozen.Load() {
		return nil, false, apperrors.New(apperrors.ErrFrozen, "allocations are frozen", nil)
	}
	if visitorID == "" {
		return nil, false, apperrors.NewInvalidRequest("visitor_id is required")
	}
	if segmentKey == "" {
		segmentKey = engine.GlobalSegment
	}

	exp, ok := o.registry.Experiment(experimentID)
	if !ok {
		metrics.ConfigRejects.WithLabelValues("unknown_experiment").Inc()
		return nil, false, apperrors.NewNotFound(fmt.Sprintf("unknown experiment %q", experimentID))
	}

	if !reassign {
		existing, err := o.assignments.Get(ctx, experimentID, visitorID)
		if err != nil {
			return nil, false, apperrors.Wrap(err)
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	if !exp.Active() {
		metrics.ConfigRejects.WithLabelValues("inactive_experiment").Inc()
		return nil, false, apperrors.NewConfig(fmt.Sprintf("experiment %s is %s, not active", experimentID, exp.Status))
	}

	el, ok := o.registry.Element(experimentID, elementID)
	if !ok {
		metrics.ConfigRejects.WithLabelValues("unknown_element").Inc()
		return nil, false, apperrors.NewNotFound(fmt.Sprintf("experiment %s: cannot resolve element %q", experimentID, elementID))
	}
	eligible := o.registry.EligibleVariants(el)
	if len(eligible) < 2 {
		metrics.ConfigRejects.WithLabelValues("too_few_variants").Inc()
		return nil, false, apperrors.NewConfig(fmt.Sprintf("experiment %s: element %s has %d eligible variants, need at least 2", experimentID, el.ID, len(eligible)))
	}

	variantID, err := o.selectVariant(ctx, exp, eligible, segmentKey)
	if err != nil {
		return nil, false, err
	}

	assignment := &model.Assignment{
		ID:           uuid.New().String(),
		ExperimentID: experimentID,
		ElementID:    el.ID,
		VisitorID:    visitorID,
		VariantID:    variantID,
		SegmentKey:   segmentKey,
		Status:       model.AssignmentAssigned,
		CreatedAt:    o.now().UTC().Truncate(time.Microsecond),
	}

	if reassign {
		if err := o.assignments.Replace(ctx, assignment); err != nil {
			return nil, false, apperrors.Wrap(err)
		}
	} else {
		winner, created, err := o.assignments.Put(ctx, assignment)
		if err != nil {
			return nil, false, apperrors.Wrap(err)
		}
		if !created {
			// Lost a concurrent race for the same visitor; the winner's
			// decision is the one on the ledger.
			return winner, true, nil
		}
	}

	// The visit is recorded as a failure-by-default outcome; a conversion
	// later upgrades it. Keeps state visit counts equal to ledger decision
	// counts at every point in time.
	if err := o.updateState(ctx, variantID, segmentKey, false); err != nil {
		logger.Error("state update failed after assignment persisted",
			"assignment_id", assignment.ID, "error", err)
	}

	// Ledger write strictly after the assignment is durable. Asynchronous:
	// a caller abandoning the request cannot cancel it anymore.
	o.ledger.LogDecision(&DecisionEntry{
		ExperimentID: experimentID,
		AssignmentID: assignment.ID,
		VisitorID:    visitorID,
		VariantID:    variantID,
		SegmentKey:   segmentKey,
		DecisionAt:   assignment.CreatedAt,
	})

	metrics.AllocationsTotal.WithLabelValues(experimentID, string(exp.Mode)).Inc()
	return assignment, false, nil
}

func (o *Orchestrator) selectVariant(ctx context.Context, exp *model.Experiment, eligible []model.Variant, segmentKey string) (string, error) {
	if exp.Mode == model.ModeFixed {
		// Fixed-weight mode never reads learning state.
		weights := make([]engine.WeightedVariant, 0, len(eligible))
		for _, v := range eligible {
			weights = append(weights, engine.WeightedVariant{VariantID: v.ID, Weight: v.Weight})
		}
		return o.allocator.SelectWeighted(exp.ID, weights)
	}

	ids := make([]string, 0, len(eligible))
	for _, v := range eligible {
		ids = append(ids, v.ID)
	}
	states, err := o.states.Eligible(ctx, ids, segmentKey)
	if err != nil {
		return "", apperrors.New(apperrors.ErrConflict, "state snapshot failed", err)
	}
	candidates := make([]engine.Candidate, 0, len(states))
	for _, st := range states {
		candidates = append(candidates, engine.Candidate{VariantID: st.VariantID, Alpha: st.Alpha, Beta: st.Beta})
	}
	return o.allocator.Select(exp.ID, candidates)
}

// updateState applies one visitor event to the segment state and, for
// non-global segments, mirrors it into the global state the warm start and
// the stats cross-check read.
func (o *Orchestrator) updateState(ctx context.Context, variantID, segmentKey string, converted bool) error {
	if _, err := o.states.Update(ctx, variantID, segmentKey, converted); err != nil {
		return err
	}
	if segmentKey != engine.GlobalSegment {
		if _, err := o.states.Update(ctx, variantID, engine.GlobalSegment, converted); err != nil {
			return err
		}
	}
	return nil
}

// RecordConversion resolves an assignment to CONVERTED. A missing assignment
// is an expected no-op, not an error: conversions legitimately arrive for
// visitors outside any experiment. Conversions against paused or completed
// experiments are still recorded for historical accuracy.
func (o *Orchestrator) RecordConversion(ctx context.Context, assignmentID string, value *decimal.Decimal, at *time.Time) (bool, error) {
	assignment, err := o.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return false, apperrors.Wrap(err)
	}
	if assignment == nil {
		metrics.ConversionsTotal.WithLabelValues("unknown", "noop").Inc()
		return false, nil
	}

	convertedAt := o.now().UTC()
	if at != nil {
		convertedAt = at.UTC()
	}
	convertedAt = convertedAt.Truncate(time.Microsecond)
	if !convertedAt.After(assignment.CreatedAt) {
		return false, apperrors.NewInvalidRequest("conversion timestamp must be after the decision timestamp")
	}

	updated, ok, err := o.assignments.MarkConverted(ctx, assignmentID, convertedAt)
	if err != nil {
		return false, apperrors.Wrap(err)
	}
	if !ok {
		// already converted or expired; append-once holds
		metrics.ConversionsTotal.WithLabelValues(assignment.ExperimentID, "noop").Inc()
		return false, nil
	}

	if err := o.updateState(ctx, updated.VariantID, updated.SegmentKey, true); err != nil {
		logger.Error("state update failed for conversion",
			"assignment_id", assignmentID, "error", err)
	}

	val := decimal.Zero
	if value != nil {
		val = *value
	}
	o.ledger.LogConversion(assignmentID, convertedAt, val)

	metrics.ConversionsTotal.WithLabelValues(updated.ExperimentID, "recorded").Inc()
	return true, nil
}

// ExpireAssignments transitions assignments older than the cutoff from
// ASSIGNED to EXPIRED, closing the conversion window. Learning state needs no
// correction: the failure outcome was already presumed at allocation time.
func (o *Orchestrator) ExpireAssignments(ctx context.Context, before time.Time) (int, error) {
	expired, err := o.assignments.Expire(ctx, before)
	if err != nil {
		return 0, apperrors.Wrap(err)
	}
	if len(expired) > 0 {
		logger.Info("expired assignments past conversion window", "count", len(expired))
	}
	return len(expired), nil
}

// Stats builds the ledger-derived statistics with the state-store
// cross-check.
func (o *Orchestrator) Stats(ctx context.Context, experimentID string) (*model.LedgerStats, error) {
	if _, ok := o.registry.Experiment(experimentID); !ok {
		return nil, apperrors.NewNotFound(fmt.Sprintf("unknown experiment %q", experimentID))
	}
	agg, err := o.states.Aggregate(ctx, o.registry.VariantIDs(experimentID))
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return o.ledger.Stats(ctx, experimentID, agg)
}

// Trail pages through the audit records of a known experiment.
func (o *Orchestrator) Trail(ctx context.Context, experimentID string, limit, offset int) ([]*model.AuditRecord, error) {
	if _, ok := o.registry.Experiment(experimentID); !ok {
		return nil, apperrors.NewNotFound(fmt.Sprintf("unknown experiment %q", experimentID))
	}
	return o.ledger.Trail(ctx, experimentID, limit, offset)
}

// Verify runs the integrity verifier for one experiment.
func (o *Orchestrator) Verify(ctx context.Context, experimentID string) (*model.IntegrityReport, error) {
	if _, ok := o.registry.Experiment(experimentID); !ok {
		return nil, apperrors.NewNotFound(fmt.Sprintf("unknown experiment %q", experimentID))
	}
	return o.verifier.VerifyChain(ctx, experimentID)
}

// Proof bundles the integrity report with summary evidence and, when an
// attestor key is configured, signs the canonical JSON of the bundle.
func (o *Orchestrator) Proof(ctx context.Context, experimentID string) (*model.FairnessProof, error) {
	report, err := o.Verify(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	stats, err := o.Stats(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	proof := &model.FairnessProof{
		Report:      report,
		Stats:       stats,
		HeadHash:    report.HeadHash,
		GeneratedAt: o.now().UTC().Truncate(time.Microsecond),
	}
	if o.attestor != nil {
		bundle, err := json.Marshal(proof)
		if err != nil {
			return nil, apperrors.Wrap(err)
		}
		sig, err := o.attestor.Sign(bundle)
		if err != nil {
			return nil, apperrors.Wrap(err)
		}
		proof.Attestor = o.attestor.Address().Hex()
		proof.Signature = sig
	}
	return proof, nil
}

// Freeze stops new allocations without touching the audit read surface.
func (o *Orchestrator) Freeze()      { o.frozen.Store(true) }
func (o *Orchestrator) Unfreeze()    { o.frozen.Store(false) }
func (o *Orchestrator) Frozen() bool { return o.frozen.Load() }

// ResetState restores the uniform prior for every variant of an experiment
// under one segment key. Admin surface only.
func (o *Orchestrator) ResetState(ctx context.Context, experimentID, segmentKey string) error {
	ids := o.registry.VariantIDs(experimentID)
	if len(ids) == 0 {
		return apperrors.NewNotFound(fmt.Sprintf("unknown experiment %q", experimentID))
	}
	if segmentKey == "" {
		segmentKey = engine.GlobalSegment
	}
	if err := o.states.Reset(ctx, ids, segmentKey); err != nil {
		return apperrors.Wrap(err)
	}
	return nil
}
