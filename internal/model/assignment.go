package model

import "time"

// AssignmentStatus is the per (visitor, experiment) lifecycle:
// NEW -> ASSIGNED -> (CONVERTED | EXPIRED).
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentConverted AssignmentStatus = "converted"
	AssignmentExpired   AssignmentStatus = "expired"
)

// Assignment pins a visitor to a variant for one experiment. Created once per
// (visitor, experiment) unless re-assignment is explicitly requested;
// immutable afterwards except for the conversion back-reference.
type Assignment struct {
	ID           string           `json:"id"`
	ExperimentID string           `json:"experiment_id"`
	ElementID    string           `json:"element_id"`
	VisitorID    string           `json:"visitor_id"`
	VariantID    string           `json:"variant_id"`
	SegmentKey   string           `json:"segment_key"`
	Status       AssignmentStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	ConvertedAt  *time.Time       `json:"converted_at,omitempty"`
}
