package engine

import (
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestCommitmentBindsEveryInput(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()
	salt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	otherSalt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}

	base := ComputeCommitment(7, user, OutcomeYes, salt)

	if got := ComputeCommitment(7, user, OutcomeYes, salt); got != base {
		t.Error("commitment must be deterministic")
	}
	if got := ComputeCommitment(8, user, OutcomeYes, salt); got == base {
		t.Error("market id must change the commitment")
	}
	if got := ComputeCommitment(7, other, OutcomeYes, salt); got == base {
		t.Error("user must change the commitment")
	}
	if got := ComputeCommitment(7, user, OutcomeNo, salt); got == base {
		t.Error("outcome must change the commitment")
	}
	if got := ComputeCommitment(7, user, OutcomeYes, otherSalt); got == base {
		t.Error("salt must change the commitment")
	}
}

func TestVerifyCommitment(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	salt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	commitment := ComputeCommitment(3, user, OutcomeNo, salt)

	if !VerifyCommitment(commitment, 3, user, OutcomeNo, salt) {
		t.Error("matching preimage must verify")
	}
	if VerifyCommitment(commitment, 3, user, OutcomeYes, salt) {
		t.Error("wrong outcome must not verify")
	}
	if VerifyCommitment(commitment, 4, user, OutcomeNo, salt) {
		t.Error("wrong market must not verify")
	}
}
