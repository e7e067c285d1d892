package engine

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ComputeCommitment binds a hidden choice to a position:
//
//	SHA256(market_id LE8 || user || outcome byte || salt)
//
// The salt must be 32 random bytes, single-use. The engine only ever sees
// the digest until reveal time.
func ComputeCommitment(marketID uint64, user solana.PublicKey, outcome Outcome, salt [32]byte) [32]byte {
	var marketIDBytes [8]byte
	binary.LittleEndian.PutUint64(marketIDBytes[:], marketID)

	hasher := sha256.New()
	hasher.Write(marketIDBytes[:])
	hasher.Write(user.Bytes())
	hasher.Write([]byte{byte(outcome)})
	hasher.Write(salt[:])

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// VerifyCommitment recomputes the digest from the revealed preimage and
// compares it against the stored commitment in constant time.
func VerifyCommitment(stored [32]byte, marketID uint64, user solana.PublicKey, outcome Outcome, salt [32]byte) bool {
	computed := ComputeCommitment(marketID, user, outcome, salt)
	return subtle.ConstantTimeCompare(computed[:], stored[:]) == 1
}

// NewSalt draws a fresh 32-byte salt from crypto/rand.
func NewSalt() ([32]byte, error) {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return [32]byte{}, fmt.Errorf("generate commitment salt: %w", err)
	}
	return salt, nil
}
