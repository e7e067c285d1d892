// Package engine implements the settlement core of a binary, oracle-resolved
// prediction market with a commit-reveal betting scheme and escrowed token
// accounting. Each operation is atomic: every precondition is validated
// before any mutation, so a failed call never leaves partial state behind.
package engine

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/prediction/backend/internal/pda"
	"github.com/coldbell/prediction/backend/internal/token"
)

const (
	// MaxQuestionLength bounds market question text.
	MaxQuestionLength = 200

	// MaxFeeBpsLimit caps any configured fee, in basis points.
	MaxFeeBpsLimit = 10_000

	// FixedOddsMultiplier is the flat payout multiple for a correct reveal.
	// Vault solvency under this multiple is the market operator's problem,
	// not the engine's: the vault must carry enough liquidity to cover the
	// worst case where every winner reveals.
	FixedOddsMultiplier = 5

	// RevealWindow is how long revealers have after resolution.
	RevealWindow = 14 * 24 * time.Hour

	// MaxOracleStaleness bounds the age of a price reading at resolution.
	MaxOracleStaleness = 60 * time.Second
)

// Clock supplies ledger time. The engine never reads the wall clock itself.
type Clock interface {
	Now() int64
}

// SystemClock reads the host's clock, for production processes.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().Unix() }

type positionKey struct {
	marketID uint64
	user     solana.PublicKey
}

// Engine holds the full account state of one deployment. A single mutex
// serializes instruction application, standing in for the ledger's
// account-locking model; handlers themselves are written single-threaded.
type Engine struct {
	mu sync.Mutex

	programID solana.PublicKey
	clock     Clock
	tokens    *token.Ledger

	config    *Config
	configKey solana.PublicKey
	markets   map[uint64]*Market
	positions map[positionKey]*UserPosition
}

func New(programID solana.PublicKey, clock Clock, tokens *token.Ledger) *Engine {
	return &Engine{
		programID: programID,
		clock:     clock,
		tokens:    tokens,
		markets:   make(map[uint64]*Market),
		positions: make(map[positionKey]*UserPosition),
	}
}

func (e *Engine) ProgramID() solana.PublicKey { return e.programID }

// VaultAddress is the escrow address for one market's staked funds.
func (e *Engine) VaultAddress(marketID uint64) solana.PublicKey {
	return pda.MustDeriveVaultPDA(e.programID, marketID)
}

// VaultBalance reports the escrowed total for a market.
func (e *Engine) VaultBalance(marketID uint64) uint64 {
	return e.tokens.Balance(e.VaultAddress(marketID))
}

// Initialize creates the Config singleton and records the caller as admin.
func (e *Engine) Initialize(admin, feeRecipient solana.PublicKey, maxFeeBps uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config != nil {
		return ErrAlreadyInitialized
	}
	if maxFeeBps > MaxFeeBpsLimit {
		return ErrInvalidFee
	}
	if admin.IsZero() || feeRecipient.IsZero() {
		return ErrInvalidFeeRecipient
	}

	configKey, bump, err := pda.DeriveConfigPDA(e.programID)
	if err != nil {
		return fmt.Errorf("derive config PDA: %w", err)
	}

	e.configKey = configKey
	e.config = &Config{
		Admin:         admin,
		FeeRecipient:  feeRecipient,
		TokenMint:     e.tokens.Mint(),
		TokenDecimals: e.tokens.Decimals(),
		MaxFeeBps:     maxFeeBps,
		MarketCounter: 0,
		Paused:        false,
		Bump:          bump,
	}
	return nil
}

// UpdateConfig replaces the fee recipient and fee cap. Admin only.
func (e *Engine) UpdateConfig(caller, feeRecipient solana.PublicKey, maxFeeBps uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if e.config.Paused {
		return ErrPaused
	}
	if maxFeeBps > MaxFeeBpsLimit {
		return ErrInvalidFee
	}
	if feeRecipient.IsZero() {
		return ErrInvalidFeeRecipient
	}

	e.config.FeeRecipient = feeRecipient
	e.config.MaxFeeBps = maxFeeBps
	return nil
}

// Pause flips the global kill switch. Pausing twice is an error so that a
// no-op cannot mask an operational mistake.
func (e *Engine) Pause(caller solana.PublicKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if e.config.Paused {
		return ErrPaused
	}
	e.config.Paused = true
	return nil
}

func (e *Engine) Unpause(caller solana.PublicKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if !e.config.Paused {
		return ErrNotPaused
	}
	e.config.Paused = false
	return nil
}

// CreateMarket registers a new market. Any identity may call; the id comes
// from the config counter, never from the caller. A priceThreshold > 0
// binds the market to the SOL/USD oracle feed; zero means manual
// resolution by the admin.
func (e *Engine) CreateMarket(creator solana.PublicKey, question string, resolutionTime int64, feeAmount uint64, priceThreshold int64) (*Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config == nil {
		return nil, ErrMarketNotFound
	}
	if e.config.Paused {
		return nil, ErrPaused
	}
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if len(question) > MaxQuestionLength {
		return nil, ErrQuestionTooLong
	}
	now := e.clock.Now()
	if resolutionTime <= now {
		return nil, ErrInvalidResolutionTime
	}
	if priceThreshold < 0 {
		return nil, ErrInvalidOutcome
	}
	nextID := e.config.MarketCounter + 1
	if nextID == 0 {
		return nil, ErrOverflow
	}
	if feeAmount > 0 && !e.tokens.CanTransfer(creator, feeAmount) {
		return nil, fmt.Errorf("creation fee: %w", token.ErrInsufficientFunds)
	}

	_, bump, err := pda.DeriveMarketPDA(e.programID, nextID)
	if err != nil {
		return nil, fmt.Errorf("derive market PDA: %w", err)
	}
	_, vaultBump, err := pda.DeriveVaultPDA(e.programID, nextID)
	if err != nil {
		return nil, fmt.Errorf("derive vault PDA: %w", err)
	}

	if feeAmount > 0 {
		if err := e.tokens.Transfer(creator, e.config.FeeRecipient, feeAmount); err != nil {
			return nil, err
		}
	}

	e.config.MarketCounter = nextID
	market := &Market{
		ID:                 nextID,
		Question:           question,
		ResolutionTime:     resolutionTime,
		State:              MarketStateActive,
		WinningOutcome:     OutcomeNone,
		CreationFee:        feeAmount,
		Creator:            creator,
		CreatedAt:          now,
		ConfigFeeRecipient: e.config.FeeRecipient,
		ConfigMaxFeeBps:    e.config.MaxFeeBps,
		Bump:               bump,
		VaultBump:          vaultBump,
		RevealDeadline:     0,
	}
	if priceThreshold > 0 {
		feedID := SolUSDFeedID
		threshold := priceThreshold
		market.PythPriceFeedID = &feedID
		market.PriceThreshold = &threshold
	}
	e.markets[nextID] = market
	return market.Clone(), nil
}

// StakeAndCommit escrows a stake behind a commitment hash. Exactly one
// commit per (market, user); the hidden side is only reflected in the
// aggregate commit counters.
func (e *Engine) StakeAndCommit(bettor solana.PublicKey, marketID uint64, amount uint64, commitment [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config == nil {
		return ErrMarketNotFound
	}
	if e.config.Paused {
		return ErrPaused
	}
	market, ok := e.markets[marketID]
	if !ok {
		return ErrMarketNotFound
	}
	if market.State != MarketStateActive {
		return ErrMarketNotActive
	}
	if e.clock.Now() >= market.ResolutionTime {
		return ErrMarketExpired
	}
	if amount == 0 {
		return ErrZeroAmount
	}

	key := positionKey{marketID: marketID, user: bettor}
	existing := e.positions[key]
	if existing != nil && (existing.CommittedAmount > 0 || existing.Revealed || existing.Claimed) {
		return ErrAlreadyCommitted
	}

	newTotal := market.TotalCommitted + amount
	if newTotal < market.TotalCommitted {
		return ErrOverflow
	}
	if !e.tokens.CanTransfer(bettor, amount) {
		return fmt.Errorf("stake: %w", token.ErrInsufficientFunds)
	}

	if err := e.tokens.Transfer(bettor, e.VaultAddress(marketID), amount); err != nil {
		return err
	}

	market.TotalCommitted = newTotal
	market.CommitCount++

	if existing == nil {
		_, posBump, err := pda.DerivePositionPDA(e.programID, marketID, bettor)
		if err != nil {
			return fmt.Errorf("derive position PDA: %w", err)
		}
		existing = &UserPosition{
			MarketID: marketID,
			User:     bettor,
			Bump:     posBump,
		}
		e.positions[key] = existing
	}
	existing.Commitment = commitment
	existing.CommittedAmount = amount
	existing.Revealed = false
	existing.RevealedOutcome = OutcomeNone
	return nil
}

// PlaceBet is the superseded pari-mutuel strategy, kept alongside
// commit-reveal: the side is public and payouts are proportional to the
// opposing pool at claim time.
func (e *Engine) PlaceBet(bettor solana.PublicKey, marketID uint64, outcome Outcome, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config == nil {
		return ErrMarketNotFound
	}
	if e.config.Paused {
		return ErrPaused
	}
	market, ok := e.markets[marketID]
	if !ok {
		return ErrMarketNotFound
	}
	if market.State != MarketStateActive {
		return ErrMarketNotActive
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	if outcome != OutcomeYes && outcome != OutcomeNo {
		return ErrInvalidOutcome
	}
	if e.clock.Now() >= market.ResolutionTime {
		return ErrMarketExpired
	}

	key := positionKey{marketID: marketID, user: bettor}
	existing := e.positions[key]

	var newYesPool, newNoPool, newYesBet, newNoBet uint64
	newYesPool, newNoPool = market.YesPool, market.NoPool
	if existing != nil {
		newYesBet, newNoBet = existing.YesBet, existing.NoBet
	}
	if outcome == OutcomeYes {
		newYesPool = market.YesPool + amount
		newYesBet += amount
		if newYesPool < market.YesPool || newYesBet < amount {
			return ErrOverflow
		}
	} else {
		newNoPool = market.NoPool + amount
		newNoBet += amount
		if newNoPool < market.NoPool || newNoBet < amount {
			return ErrOverflow
		}
	}
	if !e.tokens.CanTransfer(bettor, amount) {
		return fmt.Errorf("bet: %w", token.ErrInsufficientFunds)
	}

	if err := e.tokens.Transfer(bettor, e.VaultAddress(marketID), amount); err != nil {
		return err
	}

	market.YesPool, market.NoPool = newYesPool, newNoPool
	if existing == nil {
		_, posBump, err := pda.DerivePositionPDA(e.programID, marketID, bettor)
		if err != nil {
			return fmt.Errorf("derive position PDA: %w", err)
		}
		existing = &UserPosition{
			MarketID: marketID,
			User:     bettor,
			Bump:     posBump,
		}
		e.positions[key] = existing
	}
	existing.YesBet, existing.NoBet = newYesBet, newNoBet
	return nil
}

// ResolveMarket finalizes an expired market. When the market is bound to an
// oracle feed the supplied reading decides the outcome and the manual
// outcome argument is ignored; otherwise the admin's outcome is taken as
// is. A market nobody bet against cannot be settled.
func (e *Engine) ResolveMarket(caller solana.PublicKey, marketID uint64, outcome Outcome, reading *PriceReading) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if e.config.Paused {
		return ErrPaused
	}
	market, ok := e.markets[marketID]
	if !ok {
		return ErrMarketNotFound
	}
	if market.State != MarketStateActive {
		return ErrMarketAlreadyFinalized
	}
	now := e.clock.Now()
	if now < market.ResolutionTime {
		return ErrMarketNotExpired
	}
	if err := e.requireOpposition(market); err != nil {
		return err
	}

	winning := outcome
	if market.PythPriceFeedID != nil {
		if err := ValidateReading(reading, *market.PythPriceFeedID, now, int64(MaxOracleStaleness/time.Second)); err != nil {
			return err
		}
		winning = OutcomeFromReading(reading, *market.PriceThreshold)
	} else if winning != OutcomeYes && winning != OutcomeNo {
		return ErrInvalidOutcome
	}

	market.State = MarketStateResolved
	market.WinningOutcome = winning
	market.RevealDeadline = market.ResolutionTime + int64(RevealWindow/time.Second)
	return nil
}

// CancelMarket voids an expired market. Stakers recover their funds in
// full through the claim path.
func (e *Engine) CancelMarket(caller solana.PublicKey, marketID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if e.config.Paused {
		return ErrPaused
	}
	market, ok := e.markets[marketID]
	if !ok {
		return ErrMarketNotFound
	}
	if market.State != MarketStateActive {
		return ErrMarketAlreadyFinalized
	}
	if e.clock.Now() < market.ResolutionTime {
		return ErrMarketNotExpired
	}

	market.State = MarketStateCancelled
	return nil
}

// RevealAndClaim discloses the committed choice and settles the position.
// The revealed preimage must hash to the stored commitment exactly; a
// mismatch changes nothing. A winning reveal pays FixedOddsMultiplier
// times the stake, a losing reveal pays zero, and a reveal on a cancelled
// market refunds the stake. Either way the position is claimed exactly
// once.
func (e *Engine) RevealAndClaim(user solana.PublicKey, marketID uint64, outcome Outcome, salt [32]byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config == nil {
		return 0, ErrMarketNotFound
	}
	if e.config.Paused {
		return 0, ErrPaused
	}
	market, ok := e.markets[marketID]
	if !ok {
		return 0, ErrMarketNotFound
	}
	if market.State == MarketStateActive {
		return 0, ErrMarketNotFinalized
	}

	position := e.positions[positionKey{marketID: marketID, user: user}]
	if position == nil {
		return 0, ErrNoPosition
	}
	if position.CommittedAmount == 0 {
		return 0, ErrNotCommitted
	}
	// Claimed wins over Revealed: a settled position (revealed or swept by
	// forfeiture) always reports AlreadyClaimed.
	if position.Claimed {
		return 0, ErrAlreadyClaimed
	}
	if position.Revealed {
		return 0, ErrAlreadyRevealed
	}

	now := e.clock.Now()
	if market.State == MarketStateResolved {
		if market.RevealDeadline == 0 {
			return 0, ErrMarketNotFinalized
		}
		if now > market.RevealDeadline {
			return 0, ErrRevealDeadlineExpired
		}
	}

	if !VerifyCommitment(position.Commitment, marketID, user, outcome, salt) {
		return 0, ErrInvalidCommitment
	}

	var payout uint64
	switch {
	case market.State == MarketStateCancelled:
		payout = position.CommittedAmount
	case market.WinningOutcome == outcome:
		payout = position.CommittedAmount * FixedOddsMultiplier
		if payout/FixedOddsMultiplier != position.CommittedAmount {
			return 0, ErrOverflow
		}
	}
	if payout > 0 && !e.tokens.CanTransfer(e.VaultAddress(marketID), payout) {
		return 0, fmt.Errorf("payout: %w", token.ErrInsufficientFunds)
	}

	position.Revealed = true
	position.RevealedOutcome = outcome
	position.Claimed = true

	if payout > 0 {
		if err := e.tokens.Transfer(e.VaultAddress(marketID), user, payout); err != nil {
			return 0, err
		}
	}
	return payout, nil
}

// ClaimWinnings settles a pari-mutuel position: stake plus a proportional
// share of the losing pool on a win, zero on a loss, full refund on a
// cancelled market.
func (e *Engine) ClaimWinnings(user solana.PublicKey, marketID uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config == nil {
		return 0, ErrMarketNotFound
	}
	if e.config.Paused {
		return 0, ErrPaused
	}
	market, ok := e.markets[marketID]
	if !ok {
		return 0, ErrMarketNotFound
	}
	if market.State == MarketStateActive {
		return 0, ErrMarketNotFinalized
	}

	position := e.positions[positionKey{marketID: marketID, user: user}]
	if position == nil || (position.YesBet == 0 && position.NoBet == 0) {
		return 0, ErrNoPosition
	}
	if position.Claimed {
		return 0, ErrAlreadyClaimed
	}

	var payout uint64
	var err error
	if market.State == MarketStateResolved {
		switch {
		case market.WinningOutcome == OutcomeYes && position.YesBet > 0:
			payout, err = pariMutuelPayout(position.YesBet, market.YesPool, market.NoPool)
		case market.WinningOutcome == OutcomeNo && position.NoBet > 0:
			payout, err = pariMutuelPayout(position.NoBet, market.NoPool, market.YesPool)
		}
		if err != nil {
			return 0, err
		}
	} else {
		payout = position.YesBet + position.NoBet
		if payout < position.YesBet {
			return 0, ErrOverflow
		}
	}
	if payout > 0 && !e.tokens.CanTransfer(e.VaultAddress(marketID), payout) {
		return 0, fmt.Errorf("payout: %w", token.ErrInsufficientFunds)
	}

	position.Claimed = true
	if payout > 0 {
		if err := e.tokens.Transfer(e.VaultAddress(marketID), user, payout); err != nil {
			return 0, err
		}
	}
	return payout, nil
}

// ForfeitUnrevealed sweeps a stake whose owner never revealed before the
// deadline to the fee recipient. Marking the position claimed closes the
// door on a late reveal double-spending the same stake.
func (e *Engine) ForfeitUnrevealed(caller solana.PublicKey, marketID uint64, user solana.PublicKey) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return 0, err
	}
	if e.config.Paused {
		return 0, ErrPaused
	}
	market, ok := e.markets[marketID]
	if !ok {
		return 0, ErrMarketNotFound
	}
	if market.State != MarketStateResolved || market.RevealDeadline == 0 {
		return 0, ErrMarketNotFinalized
	}
	if e.clock.Now() <= market.RevealDeadline {
		return 0, ErrRevealDeadlineNotPassed
	}

	position := e.positions[positionKey{marketID: marketID, user: user}]
	if position == nil || position.CommittedAmount == 0 {
		return 0, ErrNoUnrevealedStakes
	}
	if position.Revealed {
		return 0, ErrAlreadyRevealed
	}
	if position.Claimed {
		return 0, ErrAlreadyClaimed
	}

	forfeited := position.CommittedAmount
	if !e.tokens.CanTransfer(e.VaultAddress(marketID), forfeited) {
		return 0, fmt.Errorf("forfeit sweep: %w", token.ErrInsufficientFunds)
	}

	position.Revealed = true
	position.RevealedOutcome = OutcomeNone
	position.Claimed = true

	if err := e.tokens.Transfer(e.VaultAddress(marketID), market.ConfigFeeRecipient, forfeited); err != nil {
		return 0, err
	}
	return forfeited, nil
}

func (e *Engine) requireAdmin(caller solana.PublicKey) error {
	if e.config == nil {
		return ErrInvalidAdmin
	}
	if !caller.Equals(e.config.Admin) {
		return ErrInvalidAdmin
	}
	return nil
}

// requireOpposition rejects settlement of one-sided markets. Commit-reveal
// stakes hide their side, so for committed markets the engine can only
// require more than one independent commitment; public pari-mutuel pools
// must both be funded.
func (e *Engine) requireOpposition(market *Market) error {
	if market.CommitCount > 0 {
		if market.CommitCount < 2 {
			return ErrNoOpposition
		}
		return nil
	}
	if market.YesPool == 0 || market.NoPool == 0 {
		return ErrNoOpposition
	}
	return nil
}

func pariMutuelPayout(bet, winningPool, losingPool uint64) (uint64, error) {
	if winningPool == 0 {
		return 0, ErrOverflow
	}
	share := new(big.Int).SetUint64(bet)
	share.Mul(share, new(big.Int).SetUint64(losingPool))
	share.Div(share, new(big.Int).SetUint64(winningPool))
	if !share.IsUint64() {
		return 0, ErrOverflow
	}
	payout := bet + share.Uint64()
	if payout < bet {
		return 0, ErrOverflow
	}
	return payout, nil
}

// --- read-side accessors (copies only) ---

func (e *Engine) Config() *Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config == nil {
		return nil
	}
	return e.config.Clone()
}

func (e *Engine) Market(marketID uint64) (*Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	market, ok := e.markets[marketID]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return market.Clone(), nil
}

func (e *Engine) Markets() []*Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Market, 0, len(e.markets))
	for _, market := range e.markets {
		out = append(out, market.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Position(marketID uint64, user solana.PublicKey) (*UserPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	position, ok := e.positions[positionKey{marketID: marketID, user: user}]
	if !ok {
		return nil, ErrNoPosition
	}
	return position.Clone(), nil
}

func (e *Engine) Positions(marketID uint64) []*UserPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*UserPosition, 0)
	for key, position := range e.positions {
		if key.marketID != marketID {
			continue
		}
		out = append(out, position.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].User.String() < out[j].User.String()
	})
	return out
}

// Restore loads previously persisted state, replacing whatever the engine
// holds. Used once at boot by the host process.
func (e *Engine) Restore(config *Config, markets []*Market, positions []*UserPosition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if config != nil {
		configKey, _, err := pda.DeriveConfigPDA(e.programID)
		if err != nil {
			return fmt.Errorf("derive config PDA: %w", err)
		}
		e.configKey = configKey
		e.config = config.Clone()
	}
	e.markets = make(map[uint64]*Market, len(markets))
	for _, market := range markets {
		e.markets[market.ID] = market.Clone()
	}
	e.positions = make(map[positionKey]*UserPosition, len(positions))
	for _, position := range positions {
		e.positions[positionKey{marketID: position.MarketID, user: position.User}] = position.Clone()
	}
	return nil
}
