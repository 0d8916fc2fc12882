package manager

import (
	"sync"

	"github.com/banditlabs/bandgate/internal/signer"
)

// SequenceManager hands out strictly monotonic, gapless sequence numbers and
// tracks the chain head hash, one chain per experiment. It is the single
// serialization point of the ledger: Next locks the experiment's chain and
// the lock is held until Commit or Abort, so two appends to the same
// experiment can never interleave. Chains of different experiments proceed
// independently.
//
// The Postgres ledger performs the equivalent fetch-and-increment inside its
// append transaction under a row lock; this manager backs the in-memory
// ledger.
type SequenceManager struct {
	mu     sync.Mutex
	chains map[string]*chain
}

type chain struct {
	mu   sync.Mutex
	next uint64
	head string
}

func NewSequenceManager() *SequenceManager {
	return &SequenceManager{chains: make(map[string]*chain)}
}

func (m *SequenceManager) chainFor(experimentID string) *chain {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[experimentID]
	if !ok {
		c = &chain{head: signer.GenesisHash}
		m.chains[experimentID] = c
	}
	return c
}

// Next reserves the next sequence number for the experiment and returns it
// together with the current head hash. The chain stays locked until the
// caller invokes Commit or Abort.
func (m *SequenceManager) Next(experimentID string) (uint64, string) {
	c := m.chainFor(experimentID)
	c.mu.Lock()
	return c.next, c.head
}

// Commit advances the chain head after a successful append and releases the
// chain.
func (m *SequenceManager) Commit(experimentID string, hash string) {
	c := m.chainFor(experimentID)
	c.next++
	c.head = hash
	c.mu.Unlock()
}

// Abort releases the chain without advancing, so a failed append reuses the
// same sequence number and the chain stays gapless.
func (m *SequenceManager) Abort(experimentID string) {
	c := m.chainFor(experimentID)
	c.mu.Unlock()
}

// Head returns the current head hash without reserving a sequence.
func (m *SequenceManager) Head(experimentID string) string {
	c := m.chainFor(experimentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}
