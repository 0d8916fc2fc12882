package service

import (
	"context"
	"sync"
	"time"

	"github.com/banditlabs/bandgate/internal/model"
)

// AssignmentStore persists visitor-variant assignments. Put enforces the
// (experiment, visitor) uniqueness invariant that makes stickiness and
// at-most-once state updates possible.
type AssignmentStore interface {
	// Put stores the assignment unless one already exists for the same
	// (experiment, visitor) pair. Returns the winning assignment and
	// whether the caller's one was stored.
	Put(ctx context.Context, a *model.Assignment) (*model.Assignment, bool, error)

	// Replace overwrites any existing assignment for the pair. Only used
	// for explicit re-assignment requests.
	Replace(ctx context.Context, a *model.Assignment) error

	Get(ctx context.Context, experimentID, visitorID string) (*model.Assignment, error)
	GetByID(ctx context.Context, assignmentID string) (*model.Assignment, error)

	// MarkConverted flips an assignment to CONVERTED exactly once. False
	// when the assignment is missing, already converted, or expired.
	MarkConverted(ctx context.Context, assignmentID string, at time.Time) (*model.Assignment, bool, error)

	// Expire transitions every still-ASSIGNED assignment created before
	// the cutoff to EXPIRED and returns the affected ones.
	Expire(ctx context.Context, before time.Time) ([]*model.Assignment, error)
}

// MemoryAssignmentStore is the in-process AssignmentStore.
type MemoryAssignmentStore struct {
	mu     sync.RWMutex
	byPair map[string]*model.Assignment // key: experimentID|visitorID
	byID   map[string]*model.Assignment
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{
		byPair: make(map[string]*model.Assignment),
		byID:   make(map[string]*model.Assignment),
	}
}

func pairKey(experimentID, visitorID string) string {
	return experimentID + "|" + visitorID
}

func (s *MemoryAssignmentStore) Put(ctx context.Context, a *model.Assignment) (*model.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(a.ExperimentID, a.VisitorID)
	if existing, ok := s.byPair[key]; ok {
		snap := *existing
		return &snap, false, nil
	}
	cp := *a
	s.byPair[key] = &cp
	s.byID[cp.ID] = &cp
	snap := cp
	return &snap, true, nil
}

func (s *MemoryAssignmentStore) Replace(ctx context.Context, a *model.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(a.ExperimentID, a.VisitorID)
	if existing, ok := s.byPair[key]; ok {
		delete(s.byID, existing.ID)
	}
	cp := *a
	s.byPair[key] = &cp
	s.byID[cp.ID] = &cp
	return nil
}

func (s *MemoryAssignmentStore) Get(ctx context.Context, experimentID, visitorID string) (*model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.byPair[pairKey(experimentID, visitorID)]; ok {
		snap := *a
		return &snap, nil
	}
	return nil, nil
}

func (s *MemoryAssignmentStore) GetByID(ctx context.Context, assignmentID string) (*model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.byID[assignmentID]; ok {
		snap := *a
		return &snap, nil
	}
	return nil, nil
}

func (s *MemoryAssignmentStore) MarkConverted(ctx context.Context, assignmentID string, at time.Time) (*model.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[assignmentID]
	if !ok || a.Status != model.AssignmentAssigned {
		return nil, false, nil
	}
	a.Status = model.AssignmentConverted
	t := at
	a.ConvertedAt = &t
	snap := *a
	return &snap, true, nil
}

func (s *MemoryAssignmentStore) Expire(ctx context.Context, before time.Time) ([]*model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*model.Assignment
	for _, a := range s.byID {
		if a.Status == model.AssignmentAssigned && a.CreatedAt.Before(before) {
			a.Status = model.AssignmentExpired
			snap := *a
			expired = append(expired, &snap)
		}
	}
	return expired, nil
}
