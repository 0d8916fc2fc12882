package manager

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/banditlabs/bandgate/internal/signer"
)

func TestSequencesAreGaplessUnderConcurrency(t *testing.T) {
	m := NewSequenceManager()

	const appends = 200
	var mu sync.Mutex
	var seqs []uint64

	var wg sync.WaitGroup
	for i := 0; i < appends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, prev := m.Next("exp-1")
			if prev == "" {
				t.Error("empty prev hash")
			}
			hash := fmt.Sprintf("%064d", seq)
			m.Commit("exp-1", hash)
			mu.Lock()
			seqs = append(seqs, seq)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seqs) != appends {
		t.Fatalf("got %d sequences, want %d", len(seqs), appends)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		if s != uint64(i) {
			t.Fatalf("sequence gap: position %d holds %d", i, s)
		}
	}
}

func TestAbortReusesSequence(t *testing.T) {
	m := NewSequenceManager()

	seq, prev := m.Next("exp-1")
	if seq != 0 || prev != signer.GenesisHash {
		t.Fatalf("fresh chain: got seq=%d prev=%s", seq, prev)
	}
	m.Abort("exp-1")

	seq, prev = m.Next("exp-1")
	if seq != 0 {
		t.Fatalf("aborted sequence not reused: got %d", seq)
	}
	if prev != signer.GenesisHash {
		t.Fatalf("head moved on abort: %s", prev)
	}
	m.Commit("exp-1", "aaaa")

	seq, prev = m.Next("exp-1")
	if seq != 1 || prev != "aaaa" {
		t.Fatalf("after commit: got seq=%d prev=%s", seq, prev)
	}
	m.Abort("exp-1")
}

func TestChainsAreIndependent(t *testing.T) {
	m := NewSequenceManager()

	seqA, _ := m.Next("exp-a")
	m.Commit("exp-a", "hash-a")
	seqB, prevB := m.Next("exp-b")
	m.Commit("exp-b", "hash-b")

	if seqA != 0 || seqB != 0 {
		t.Fatalf("chains share counters: a=%d b=%d", seqA, seqB)
	}
	if prevB != signer.GenesisHash {
		t.Fatalf("chain b saw chain a's head: %s", prevB)
	}
	if m.Head("exp-a") != "hash-a" || m.Head("exp-b") != "hash-b" {
		t.Fatalf("heads crossed: a=%s b=%s", m.Head("exp-a"), m.Head("exp-b"))
	}
}
