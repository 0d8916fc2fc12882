package model

// ExperimentStatus is the lifecycle state of an experiment. Experiment
// definitions are owned by an external management surface; the engine treats
// them as read-only reference data.
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusActive    ExperimentStatus = "active"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
)

// AllocationMode selects how traffic is split across variants.
type AllocationMode string

const (
	// ModeAdaptive routes by Thompson sampling over per-variant posteriors.
	ModeAdaptive AllocationMode = "adaptive"
	// ModeFixed routes by configured static weights and never reads
	// learning state.
	ModeFixed AllocationMode = "fixed"
)

// Experiment is a testable unit of content with competing variants.
type Experiment struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Status   ExperimentStatus `json:"status"`
	Mode     AllocationMode   `json:"mode"`
	Elements []Element        `json:"elements"`
}

// Element owns an ordered set of variants, minimum 2, exactly one control.
type Element struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Variants []Variant `json:"variants"`
}

// Variant is immutable once its experiment is active, except for soft
// deactivation.
type Variant struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Control     bool    `json:"control"`
	Weight      float64 `json:"weight,omitempty"` // fixed mode only
	Deactivated bool    `json:"deactivated,omitempty"`
}

func (e *Experiment) Active() bool {
	return e.Status == StatusActive
}

// RateLimitConfig caps a client's request rate on the HTTP surface.
type RateLimitConfig struct {
	QPS   float64 `json:"qps"`
	Burst int     `json:"burst"`
}

// Client is an accessor of the allocation and audit surface (a site, an SDK
// integration, a compliance reviewer).
type Client struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	APIKey string          `json:"api_key"`
	Rate   RateLimitConfig `json:"rate_limit"`
}
