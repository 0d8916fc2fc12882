package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocateRequest is the incoming JSON body for an allocation call. The
// segment key arrives pre-derived by the feature-extraction collaborator; the
// engine treats it as an opaque string.
type AllocateRequest struct {
	VisitorID  string `json:"visitor_id" binding:"required"`
	ElementID  string `json:"element_id,omitempty"`
	SegmentKey string `json:"segment_key,omitempty"`
	Reassign   bool   `json:"reassign,omitempty"`
}

type AllocateResponse struct {
	AssignmentID string    `json:"assignment_id"`
	ExperimentID string    `json:"experiment_id"`
	ElementID    string    `json:"element_id"`
	VariantID    string    `json:"variant_id"`
	SegmentKey   string    `json:"segment_key"`
	Sticky       bool      `json:"sticky"` // true when an existing assignment was returned
	AssignedAt   time.Time `json:"assigned_at"`
}

type ConversionRequest struct {
	AssignmentID string           `json:"assignment_id" binding:"required"`
	Value        *decimal.Decimal `json:"value,omitempty"`
	At           *time.Time       `json:"at,omitempty"`
}

type ConversionResponse struct {
	Recorded     bool   `json:"recorded"`
	AssignmentID string `json:"assignment_id"`
}
