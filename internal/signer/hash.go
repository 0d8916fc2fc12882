package signer

import (
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// GenesisHash is the previous-hash sentinel for the first record of a chain.
var GenesisHash = strings.Repeat("0", 64)

// RecordHash computes the decision hash of one audit record:
//
//	keccak256(seq || keccak256(visitor_id) || keccak256(variant_id) || decision_ts_us || prev_hash)
//
// All inputs occupy fixed 32-byte slots, so the encoding is unambiguous
// without delimiters. String fields are hashed into their slot; the sequence
// number and the microsecond decision timestamp are encoded as uint256. The
// timestamp is truncated to microseconds at record creation so a database
// round-trip reproduces the identical input.
//
// The hash input deliberately covers every decision field and nothing else:
// no posterior parameters, no sampled values. Returned as 64 lowercase hex
// characters, matching GenesisHash.
func RecordHash(sequence uint64, visitorID, variantID string, decisionAt time.Time, prevHash string) string {
	data := make([]byte, 32*5)

	copy(data[0:32], math.U256Bytes(new(big.Int).SetUint64(sequence)))
	copy(data[32:64], crypto.Keccak256([]byte(visitorID)))
	copy(data[64:96], crypto.Keccak256([]byte(variantID)))
	copy(data[96:128], math.U256Bytes(big.NewInt(decisionAt.UTC().UnixMicro())))

	prev, err := hex.DecodeString(prevHash)
	if err != nil || len(prev) != 32 {
		// Malformed prev hashes still hash deterministically; the chain
		// verifier flags the record either way.
		prev = crypto.Keccak256([]byte(prevHash))
	}
	copy(data[128:160], prev)

	return hex.EncodeToString(crypto.Keccak256(data))
}
