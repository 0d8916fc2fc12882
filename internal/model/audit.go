package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditRecord is one entry of the hash-chained decision ledger. It carries
// everything a third party needs to verify that the decision preceded its
// outcome, and deliberately nothing about how the decision was made: no
// posterior parameters, no sampled values, no probabilities.
//
// Decision fields never change after creation. The conversion fields
// transition from empty to populated exactly once.
type AuditRecord struct {
	ExperimentID string `json:"experiment_id"`
	// Sequence is strictly increasing and gapless per experiment,
	// starting at 0.
	Sequence     uint64    `json:"sequence_number"`
	AssignmentID string    `json:"assignment_id"`
	VisitorID    string    `json:"visitor_id"`
	VariantID    string    `json:"variant_id"`
	SegmentKey   string    `json:"segment_key"`
	DecisionAt   time.Time `json:"decision_timestamp"`
	DecisionHash string    `json:"decision_hash"`
	PrevHash     string    `json:"previous_hash"`

	ConversionObserved bool             `json:"conversion_observed"`
	ConversionAt       *time.Time       `json:"conversion_timestamp,omitempty"`
	ConversionValue    *decimal.Decimal `json:"conversion_value,omitempty"`
}

// IntegrityReport is the result of a full chain verification for one
// experiment. Violations are reported verbatim, never auto-corrected.
type IntegrityReport struct {
	ExperimentID       string    `json:"experiment_id"`
	ChainIntegrity     bool      `json:"chain_integrity"`
	TimestampOrder     bool      `json:"timestamp_order"`
	SequenceContinuity bool      `json:"sequence_continuity"`
	CountsConsistent   bool      `json:"counts_consistent"`
	RecordCount        int       `json:"record_count"`
	InvalidSequences   []uint64  `json:"invalid_records"`
	HeadHash           string    `json:"head_hash"`
	CheckedAt          time.Time `json:"checked_at"`
}

func (r *IntegrityReport) Clean() bool {
	return r.ChainIntegrity && r.TimestampOrder && r.SequenceContinuity && r.CountsConsistent
}

// LedgerStats is derived purely from audit records. CountsConsistent compares
// it against the VariantState aggregates; a divergence is itself an integrity
// signal.
type LedgerStats struct {
	ExperimentID     string          `json:"experiment_id"`
	TotalDecisions   int64           `json:"total_decisions"`
	TotalConversions int64           `json:"total_conversions"`
	ConversionRate   float64         `json:"conversion_rate"`
	TotalValue       decimal.Decimal `json:"total_value"`
	CountsConsistent bool            `json:"counts_consistent"`
}

// FairnessProof bundles the integrity result with summary evidence for a
// compliance report. Signature is the operator's secp256k1 attestation over
// the canonical JSON of the bundle (empty when no attestor key is
// configured).
type FairnessProof struct {
	Report      *IntegrityReport `json:"report"`
	Stats       *LedgerStats     `json:"stats"`
	HeadHash    string           `json:"head_hash"`
	GeneratedAt time.Time        `json:"generated_at"`
	Attestor    string           `json:"attestor,omitempty"`
	Signature   string           `json:"signature,omitempty"`
}
