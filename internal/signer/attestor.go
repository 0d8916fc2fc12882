package signer

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Attestor signs proof-of-fairness bundles with the operator's secp256k1 key
// so a client can verify a compliance report offline against a published
// address.
type Attestor struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewAttestor(privateKeyHex string) (*Attestor, error) {
	if privateKeyHex == "" {
		return nil, fmt.Errorf("attestor private key is required")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid attestor key: %v", err)
	}
	publicKey, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}
	return &Attestor{
		key:     key,
		address: crypto.PubkeyToAddress(*publicKey),
	}, nil
}

// Sign hashes the canonical bundle bytes with keccak256 and signs the digest.
// Returns the 65-byte signature hex encoded with the 0x prefix, V adjusted to
// 27/28.
func (a *Attestor) Sign(bundle []byte) (string, error) {
	digest := crypto.Keccak256(bundle)
	signature, err := crypto.Sign(digest, a.key)
	if err != nil {
		return "", err
	}
	if signature[64] < 27 {
		signature[64] += 27
	}
	return "0x" + common.Bytes2Hex(signature), nil
}

func (a *Attestor) Address() common.Address {
	return a.address
}

// VerifyProof recovers the signer of a bundle signature and compares it to
// the expected address. Usable standalone by auditors holding only the
// published operator address.
func VerifyProof(bundle []byte, signatureHex string, expected common.Address) bool {
	sig := common.FromHex(signatureHex)
	if len(sig) != 65 {
		return false
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := crypto.Keccak256(bundle)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == expected
}
