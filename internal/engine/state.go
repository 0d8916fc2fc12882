package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// GlobalSegment is the segment key for the unsegmented population. New
// segment states warm-start from it once it has enough observations.
const GlobalSegment = "global"

// VariantState is the learning state for one (variant, segment) pair: a
// Beta(Alpha, Beta) posterior over the variant's true conversion rate plus
// raw counters.
//
// This struct never crosses the API boundary. It carries no serialization
// tags on purpose: audit-facing types live in internal/model and contain none
// of these fields.
type VariantState struct {
	VariantID   string
	SegmentKey  string
	Alpha       float64 // successes + prior
	Beta        float64 // failures + prior
	Visits      int64
	Conversions int64
	UpdatedAt   time.Time
}

// AggregateCounts is the cross-check surface for the stats endpoint.
type AggregateCounts struct {
	Visits      int64
	Conversions int64
}

// StateStore owns all VariantState mutation. Updates to the same
// (variant, segment) pair are atomic; updates to different pairs never block
// each other.
type StateStore interface {
	// GetOrCreate returns the state for (variantID, segmentKey), creating
	// it on first sight. A novel non-global segment warm-starts from the
	// current global posterior when the global state has at least the
	// configured minimum observation count, otherwise from the uniform
	// prior Alpha=Beta=1.
	GetOrCreate(ctx context.Context, variantID, segmentKey string) (*VariantState, error)

	// Eligible returns a snapshot of the states for the given variants
	// under one segment key, in input order.
	Eligible(ctx context.Context, variantIDs []string, segmentKey string) ([]*VariantState, error)

	// Update applies exactly one visitor event: converted=true adds one
	// success (Alpha+1, Conversions+1), converted=false adds one failure
	// (Beta+1, Visits+1). The visit is counted when the failure-by-default
	// outcome is recorded at allocation time; a later conversion upgrades
	// the outcome without recounting the visit, so ledger decision counts
	// and state visit counts stay equal at all times.
	Update(ctx context.Context, variantID, segmentKey string, converted bool) (*VariantState, error)

	// Reset restores the uniform prior for the given variants under one
	// segment key. The only sanctioned non-monotonic transition.
	Reset(ctx context.Context, variantIDs []string, segmentKey string) error

	// Aggregate sums visits and conversions over the global segment for
	// the given variants.
	Aggregate(ctx context.Context, variantIDs []string) (*AggregateCounts, error)
}

const stateShards = 32

type stateShard struct {
	mu     sync.RWMutex
	states map[string]*VariantState
}

// MemoryStateStore is the in-process StateStore: a sharded mutex map keyed by
// (variant, segment). There is no global lock; contention is per shard and in
// practice per key.
type MemoryStateStore struct {
	shards       [stateShards]*stateShard
	warmStartMin int64
	now          func() time.Time
}

func NewMemoryStateStore(warmStartMin int64) *MemoryStateStore {
	s := &MemoryStateStore{
		warmStartMin: warmStartMin,
		now:          time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &stateShard{states: make(map[string]*VariantState)}
	}
	return s
}

func stateKey(variantID, segmentKey string) string {
	return variantID + "|" + segmentKey
}

func (s *MemoryStateStore) shardFor(key string) *stateShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%stateShards]
}

func (s *MemoryStateStore) GetOrCreate(ctx context.Context, variantID, segmentKey string) (*VariantState, error) {
	key := stateKey(variantID, segmentKey)
	shard := s.shardFor(key)

	shard.mu.RLock()
	if st, ok := shard.states[key]; ok {
		snap := *st
		shard.mu.RUnlock()
		return &snap, nil
	}
	shard.mu.RUnlock()

	// Read the global state before taking the write lock; global may live
	// on another shard and lock order must stay single-shard.
	seed := s.warmStartSeed(variantID, segmentKey)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if st, ok := shard.states[key]; ok {
		snap := *st
		return &snap, nil
	}
	st := &VariantState{
		VariantID:  variantID,
		SegmentKey: segmentKey,
		Alpha:      seed.alpha,
		Beta:       seed.beta,
		UpdatedAt:  s.now(),
	}
	shard.states[key] = st
	snap := *st
	return &snap, nil
}

type priorSeed struct {
	alpha float64
	beta  float64
}

func (s *MemoryStateStore) warmStartSeed(variantID, segmentKey string) priorSeed {
	uniform := priorSeed{alpha: 1, beta: 1}
	if segmentKey == GlobalSegment {
		return uniform
	}
	gkey := stateKey(variantID, GlobalSegment)
	shard := s.shardFor(gkey)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	g, ok := shard.states[gkey]
	if !ok || g.Visits < s.warmStartMin {
		return uniform
	}
	return priorSeed{alpha: g.Alpha, beta: g.Beta}
}

func (s *MemoryStateStore) Eligible(ctx context.Context, variantIDs []string, segmentKey string) ([]*VariantState, error) {
	out := make([]*VariantState, 0, len(variantIDs))
	for _, id := range variantIDs {
		st, err := s.GetOrCreate(ctx, id, segmentKey)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *MemoryStateStore) Update(ctx context.Context, variantID, segmentKey string, converted bool) (*VariantState, error) {
	key := stateKey(variantID, segmentKey)
	shard := s.shardFor(key)

	seed := s.warmStartSeed(variantID, segmentKey)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	st, ok := shard.states[key]
	if !ok {
		st = &VariantState{
			VariantID:  variantID,
			SegmentKey: segmentKey,
			Alpha:      seed.alpha,
			Beta:       seed.beta,
		}
		shard.states[key] = st
	}
	if converted {
		st.Alpha++
		st.Conversions++
	} else {
		st.Beta++
		st.Visits++
	}
	now := s.now()
	if now.After(st.UpdatedAt) {
		st.UpdatedAt = now
	}
	snap := *st
	return &snap, nil
}

func (s *MemoryStateStore) Reset(ctx context.Context, variantIDs []string, segmentKey string) error {
	for _, id := range variantIDs {
		key := stateKey(id, segmentKey)
		shard := s.shardFor(key)
		shard.mu.Lock()
		shard.states[key] = &VariantState{
			VariantID:  id,
			SegmentKey: segmentKey,
			Alpha:      1,
			Beta:       1,
			UpdatedAt:  s.now(),
		}
		shard.mu.Unlock()
	}
	return nil
}

func (s *MemoryStateStore) Aggregate(ctx context.Context, variantIDs []string) (*AggregateCounts, error) {
	agg := &AggregateCounts{}
	for _, id := range variantIDs {
		key := stateKey(id, GlobalSegment)
		shard := s.shardFor(key)
		shard.mu.RLock()
		if st, ok := shard.states[key]; ok {
			agg.Visits += st.Visits
			agg.Conversions += st.Conversions
		}
		shard.mu.RUnlock()
	}
	return agg, nil
}
