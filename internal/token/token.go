// Package token is a minimal escrow ledger for a single mint. It stands in
// for the SPL token program at the engine's boundary: accounts are keyed by
// address, every transfer is checked, and a failed transfer leaves both
// balances untouched.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrInsufficientFunds = errors.New("insufficient token balance")
	ErrUnknownAccount    = errors.New("unknown token account")
	ErrAmountOverflow    = errors.New("token amount overflow")
)

// Ledger tracks balances of one mint.
type Ledger struct {
	mu       sync.RWMutex
	mint     solana.PublicKey
	decimals uint8
	balances map[solana.PublicKey]uint64
}

func NewLedger(mint solana.PublicKey, decimals uint8) *Ledger {
	return &Ledger{
		mint:     mint,
		decimals: decimals,
		balances: make(map[solana.PublicKey]uint64),
	}
}

func (l *Ledger) Mint() solana.PublicKey { return l.mint }

func (l *Ledger) Decimals() uint8 { return l.decimals }

// Balance returns the current balance of an account. Accounts that never
// received funds report zero.
func (l *Ledger) Balance(account solana.PublicKey) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// MintTo credits freshly minted tokens to an account.
func (l *Ledger) MintTo(account solana.PublicKey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.balances[account]
	next := current + amount
	if next < current {
		return fmt.Errorf("mint to %s: %w", account, ErrAmountOverflow)
	}
	l.balances[account] = next
	return nil
}

// Transfer moves amount from one account to another, all or nothing.
func (l *Ledger) Transfer(from, to solana.PublicKey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fromBalance := l.balances[from]
	if fromBalance < amount {
		return fmt.Errorf("transfer %d from %s: %w (have %d)", amount, from, ErrInsufficientFunds, fromBalance)
	}
	toBalance := l.balances[to]
	next := toBalance + amount
	if next < toBalance {
		return fmt.Errorf("transfer %d to %s: %w", amount, to, ErrAmountOverflow)
	}

	l.balances[from] = fromBalance - amount
	l.balances[to] = next
	return nil
}

// CanTransfer reports whether a transfer would succeed, without moving funds.
// Handlers use it to validate before mutating any state.
func (l *Ledger) CanTransfer(from solana.PublicKey, amount uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[from] >= amount
}

// Balances returns a copy of every non-zero balance, for persistence.
func (l *Ledger) Balances() map[solana.PublicKey]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[solana.PublicKey]uint64, len(l.balances))
	for account, balance := range l.balances {
		if balance == 0 {
			continue
		}
		out[account] = balance
	}
	return out
}

// SetBalance overwrites an account balance. Used when restoring ledger
// state from the store at boot.
func (l *Ledger) SetBalance(account solana.PublicKey, balance uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if balance == 0 {
		delete(l.balances, account)
		return
	}
	l.balances[account] = balance
}
