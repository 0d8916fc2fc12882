package engine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/banditlabs/bandgate/internal/pkg/apperrors"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Candidate is one eligible variant's posterior snapshot handed to the
// allocator. The allocator is a pure function of these snapshots plus its
// random source; it never touches the store.
type Candidate struct {
	VariantID string
	Alpha     float64
	Beta      float64
}

// WeightedVariant is one entry of a fixed-weight split.
type WeightedVariant struct {
	VariantID string
	Weight    float64
}

// Allocator selects a variant per request. Thompson sampling for adaptive
// experiments, a cumulative-weight draw for fixed ones. The random source is
// statistical, not cryptographic; seedable so tests can fix it.
type Allocator struct {
	mu  sync.Mutex
	src *exprand.Rand
}

// NewAllocator builds an allocator over the given seed. Seed 0 pulls entropy
// from crypto/rand, the production path.
func NewAllocator(seed uint64) *Allocator {
	if seed == 0 {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err == nil {
			seed = binary.LittleEndian.Uint64(buf[:])
		}
		if seed == 0 {
			seed = 1
		}
	}
	return &Allocator{src: exprand.New(exprand.NewSource(seed))}
}

// Select runs one round of Thompson sampling: a single Beta(alpha, beta) draw
// per candidate, highest sample wins. Exact ties go to the lowest variant id
// so tests are deterministic.
func (a *Allocator) Select(experimentID string, candidates []Candidate) (string, error) {
	if len(candidates) < 2 {
		return "", apperrors.NewConfig(fmt.Sprintf("experiment %s: %d eligible variants, need at least 2", experimentID, len(candidates)))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	samples := make([]float64, len(candidates))
	for i, c := range candidates {
		dist := distuv.Beta{Alpha: c.Alpha, Beta: c.Beta, Src: a.src}
		samples[i] = dist.Rand()
	}
	return candidates[argMaxSample(candidates, samples)].VariantID, nil
}

// SelectWeighted performs the fixed-weight draw. It reads no learning state.
func (a *Allocator) SelectWeighted(experimentID string, weights []WeightedVariant) (string, error) {
	if len(weights) < 2 {
		return "", apperrors.NewConfig(fmt.Sprintf("experiment %s: %d weighted variants, need at least 2", experimentID, len(weights)))
	}
	total := 0.0
	for _, w := range weights {
		if w.Weight <= 0 {
			return "", apperrors.NewConfig(fmt.Sprintf("experiment %s: variant %s has non-positive weight", experimentID, w.VariantID))
		}
		total += w.Weight
	}

	a.mu.Lock()
	u := a.src.Float64() * total
	a.mu.Unlock()

	cum := 0.0
	for _, w := range weights {
		cum += w.Weight
		if u < cum {
			return w.VariantID, nil
		}
	}
	// u == total can occur at the float boundary
	return weights[len(weights)-1].VariantID, nil
}

// argMaxSample returns the index of the highest sample, breaking exact ties
// by the lowest variant id.
func argMaxSample(candidates []Candidate, samples []float64) int {
	best := 0
	for i := 1; i < len(samples); i++ {
		if samples[i] > samples[best] {
			best = i
			continue
		}
		if samples[i] == samples[best] && candidates[i].VariantID < candidates[best].VariantID {
			best = i
		}
	}
	return best
}
