package signer

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
)

func newTestAttestor(t *testing.T) *Attestor {
	t.Helper()
	key, _ := crypto.GenerateKey()
	keyHex := hexutil.Encode(crypto.FromECDSA(key))[2:]

	a, err := NewAttestor(keyHex)
	if err != nil {
		t.Fatalf("attestor from generated key: %v", err)
	}
	return a
}

func TestAttestorSignAndVerify(t *testing.T) {
	a := newTestAttestor(t)
	bundle := []byte(`{"experiment_id":"exp-1","head_hash":"abc"}`)

	sig, err := a.Sign(bundle)
	assert.NoError(t, err)
	assert.Equal(t, 132, len(sig)) // 0x + 65 bytes hex

	assert.True(t, VerifyProof(bundle, sig, a.Address()))
}

func TestVerifyProofRejectsTamperedBundle(t *testing.T) {
	a := newTestAttestor(t)
	bundle := []byte(`{"experiment_id":"exp-1"}`)

	sig, err := a.Sign(bundle)
	assert.NoError(t, err)

	tampered := []byte(`{"experiment_id":"exp-2"}`)
	assert.False(t, VerifyProof(tampered, sig, a.Address()))
}

func TestVerifyProofRejectsWrongAddress(t *testing.T) {
	a := newTestAttestor(t)
	other := newTestAttestor(t)
	bundle := []byte(`{"experiment_id":"exp-1"}`)

	sig, err := a.Sign(bundle)
	assert.NoError(t, err)

	assert.False(t, VerifyProof(bundle, sig, other.Address()))
}

func TestVerifyProofRejectsGarbageSignature(t *testing.T) {
	a := newTestAttestor(t)
	assert.False(t, VerifyProof([]byte("bundle"), "0xdeadbeef", a.Address()))
}

func TestNewAttestorRejectsBadKey(t *testing.T) {
	if _, err := NewAttestor(""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := NewAttestor("zz"); err == nil {
		t.Fatal("expected error for invalid hex key")
	}
}
