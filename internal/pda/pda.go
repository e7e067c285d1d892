package pda

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Account addresses are pure functions of fixed string tags plus the market
// id (little-endian u64) and, for positions, the user key. No registry is
// needed: any party can recompute where a record lives.

func DeriveConfigPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("config")}, programID)
}

func DeriveMarketPDA(programID solana.PublicKey, marketID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("market"), u64LE(marketID)}, programID)
}

func DeriveVaultPDA(programID solana.PublicKey, marketID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("vault"), u64LE(marketID)}, programID)
}

func DerivePositionPDA(programID solana.PublicKey, marketID uint64, user solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("position"), u64LE(marketID), user.Bytes()}, programID)
}

func MustDeriveVaultPDA(programID solana.PublicKey, marketID uint64) solana.PublicKey {
	pk, _, err := DeriveVaultPDA(programID, marketID)
	if err != nil {
		panic(fmt.Errorf("derive vault PDA: %w", err))
	}
	return pk
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
