package token

import (
	"errors"
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestMintAndTransfer(t *testing.T) {
	ledger := NewLedger(solana.NewWallet().PublicKey(), 6)
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()

	if err := ledger.MintTo(a, 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(a, b, 400); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := ledger.Balance(a); got != 600 {
		t.Errorf("a = %d, want 600", got)
	}
	if got := ledger.Balance(b); got != 400 {
		t.Errorf("b = %d, want 400", got)
	}
}

func TestTransferIsAllOrNothing(t *testing.T) {
	ledger := NewLedger(solana.NewWallet().PublicKey(), 6)
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()

	if err := ledger.MintTo(a, 100); err != nil {
		t.Fatal(err)
	}
	err := ledger.Transfer(a, b, 101)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if ledger.Balance(a) != 100 || ledger.Balance(b) != 0 {
		t.Error("failed transfer moved funds")
	}

	if !ledger.CanTransfer(a, 100) {
		t.Error("CanTransfer(100) = false, want true")
	}
	if ledger.CanTransfer(a, 101) {
		t.Error("CanTransfer(101) = true, want false")
	}
}

func TestMintOverflow(t *testing.T) {
	ledger := NewLedger(solana.NewWallet().PublicKey(), 6)
	a := solana.NewWallet().PublicKey()

	if err := ledger.MintTo(a, math.MaxUint64); err != nil {
		t.Fatal(err)
	}
	if err := ledger.MintTo(a, 1); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("got %v, want ErrAmountOverflow", err)
	}
}

func TestTransferOverflowOnReceiver(t *testing.T) {
	ledger := NewLedger(solana.NewWallet().PublicKey(), 6)
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()

	if err := ledger.MintTo(a, 10); err != nil {
		t.Fatal(err)
	}
	if err := ledger.MintTo(b, math.MaxUint64-5); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Transfer(a, b, 10); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("got %v, want ErrAmountOverflow", err)
	}
	if ledger.Balance(a) != 10 {
		t.Error("failed transfer debited the sender")
	}
}

func TestBalancesSnapshotAndRestore(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	ledger := NewLedger(mint, 9)
	a := solana.NewWallet().PublicKey()
	if err := ledger.MintTo(a, 777); err != nil {
		t.Fatal(err)
	}

	snapshot := ledger.Balances()

	restored := NewLedger(mint, 9)
	for pubkey, amount := range snapshot {
		restored.SetBalance(pubkey, amount)
	}
	if got := restored.Balance(a); got != 777 {
		t.Errorf("restored balance = %d, want 777", got)
	}
}
