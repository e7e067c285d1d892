package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/prediction/backend/internal/token"
)

type fakeClock struct {
	now int64
}

func (c *fakeClock) Now() int64 { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now += int64(d / time.Second) }

type testFixture struct {
	engine *Engine
	ledger *token.Ledger
	clock  *fakeClock

	admin        solana.PublicKey
	feeRecipient solana.PublicKey
	alice        solana.PublicKey
	bob          solana.PublicKey
	carol        solana.PublicKey
}

const startingBalance = uint64(1_000_000)

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	mint := solana.NewWallet().PublicKey()
	ledger := token.NewLedger(mint, 6)
	clock := &fakeClock{now: 1_700_000_000}
	programID := solana.NewWallet().PublicKey()

	f := &testFixture{
		engine:       New(programID, clock, ledger),
		ledger:       ledger,
		clock:        clock,
		admin:        solana.NewWallet().PublicKey(),
		feeRecipient: solana.NewWallet().PublicKey(),
		alice:        solana.NewWallet().PublicKey(),
		bob:          solana.NewWallet().PublicKey(),
		carol:        solana.NewWallet().PublicKey(),
	}

	for _, user := range []solana.PublicKey{f.alice, f.bob, f.carol} {
		if err := ledger.MintTo(user, startingBalance); err != nil {
			t.Fatalf("mint to user: %v", err)
		}
	}
	if err := f.engine.Initialize(f.admin, f.feeRecipient, 500); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return f
}

func (f *testFixture) createMarket(t *testing.T, threshold int64) *Market {
	t.Helper()
	market, err := f.engine.CreateMarket(f.carol, "will it settle?", f.clock.now+3600, 0, threshold)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return market
}

// fundVault stocks the escrow with house liquidity so fixed-odds payouts
// can exceed the staked total.
func (f *testFixture) fundVault(t *testing.T, marketID uint64, amount uint64) {
	t.Helper()
	if err := f.ledger.MintTo(f.engine.VaultAddress(marketID), amount); err != nil {
		t.Fatalf("fund vault: %v", err)
	}
}

func (f *testFixture) commit(t *testing.T, user solana.PublicKey, marketID uint64, outcome Outcome, amount uint64) [32]byte {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	commitment := ComputeCommitment(marketID, user, outcome, salt)
	if err := f.engine.StakeAndCommit(user, marketID, amount, commitment); err != nil {
		t.Fatalf("stake and commit: %v", err)
	}
	return salt
}

func (f *testFixture) totalSupply() uint64 {
	var total uint64
	for _, amount := range f.ledger.Balances() {
		total += amount
	}
	return total
}

func TestInitializeRejectsSecondCall(t *testing.T) {
	f := newTestFixture(t)
	if err := f.engine.Initialize(f.admin, f.feeRecipient, 100); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second initialize: got %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitializeRejectsExcessiveFee(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	eng := New(solana.NewWallet().PublicKey(), &fakeClock{now: 1}, token.NewLedger(mint, 6))
	err := eng.Initialize(solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 10_001)
	if !errors.Is(err, ErrInvalidFee) {
		t.Fatalf("got %v, want ErrInvalidFee", err)
	}
}

func TestAdminGating(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)
	f.clock.advance(2 * time.Hour)

	if err := f.engine.Pause(f.alice); !errors.Is(err, ErrInvalidAdmin) {
		t.Errorf("pause by non-admin: got %v, want ErrInvalidAdmin", err)
	}
	if err := f.engine.UpdateConfig(f.alice, f.alice, 100); !errors.Is(err, ErrInvalidAdmin) {
		t.Errorf("update config by non-admin: got %v, want ErrInvalidAdmin", err)
	}
	if err := f.engine.ResolveMarket(f.alice, market.ID, OutcomeYes, nil); !errors.Is(err, ErrInvalidAdmin) {
		t.Errorf("resolve by non-admin: got %v, want ErrInvalidAdmin", err)
	}
	if err := f.engine.CancelMarket(f.alice, market.ID); !errors.Is(err, ErrInvalidAdmin) {
		t.Errorf("cancel by non-admin: got %v, want ErrInvalidAdmin", err)
	}
	if _, err := f.engine.ForfeitUnrevealed(f.alice, market.ID, f.bob); !errors.Is(err, ErrInvalidAdmin) {
		t.Errorf("forfeit by non-admin: got %v, want ErrInvalidAdmin", err)
	}
}

func TestPauseGatesMutationsButNotUnpause(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	if err := f.engine.Pause(f.admin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.engine.Pause(f.admin); !errors.Is(err, ErrPaused) {
		t.Errorf("double pause: got %v, want ErrPaused", err)
	}

	if _, err := f.engine.CreateMarket(f.alice, "q", f.clock.now+10, 0, 0); !errors.Is(err, ErrPaused) {
		t.Errorf("create market while paused: got %v, want ErrPaused", err)
	}
	if err := f.engine.StakeAndCommit(f.alice, market.ID, 10, [32]byte{1}); !errors.Is(err, ErrPaused) {
		t.Errorf("commit while paused: got %v, want ErrPaused", err)
	}
	if err := f.engine.PlaceBet(f.alice, market.ID, OutcomeYes, 10); !errors.Is(err, ErrPaused) {
		t.Errorf("bet while paused: got %v, want ErrPaused", err)
	}
	if _, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeYes, [32]byte{}); !errors.Is(err, ErrPaused) {
		t.Errorf("reveal while paused: got %v, want ErrPaused", err)
	}

	if err := f.engine.Unpause(f.admin); err != nil {
		t.Fatalf("unpause while paused must succeed: %v", err)
	}
	if err := f.engine.Unpause(f.admin); !errors.Is(err, ErrNotPaused) {
		t.Errorf("unpause while running: got %v, want ErrNotPaused", err)
	}
}

func TestCreateMarketValidation(t *testing.T) {
	f := newTestFixture(t)

	if _, err := f.engine.CreateMarket(f.alice, "", f.clock.now+10, 0, 0); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("empty question: got %v, want ErrEmptyQuestion", err)
	}

	long := make([]byte, MaxQuestionLength+1)
	for i := range long {
		long[i] = 'q'
	}
	if _, err := f.engine.CreateMarket(f.alice, string(long), f.clock.now+10, 0, 0); !errors.Is(err, ErrQuestionTooLong) {
		t.Errorf("long question: got %v, want ErrQuestionTooLong", err)
	}

	if _, err := f.engine.CreateMarket(f.alice, "q", f.clock.now, 0, 0); !errors.Is(err, ErrInvalidResolutionTime) {
		t.Errorf("resolution at now: got %v, want ErrInvalidResolutionTime", err)
	}
	if _, err := f.engine.CreateMarket(f.alice, "q", f.clock.now-1, 0, 0); !errors.Is(err, ErrInvalidResolutionTime) {
		t.Errorf("resolution in past: got %v, want ErrInvalidResolutionTime", err)
	}
}

func TestCreateMarketChargesFeeAndAssignsIDs(t *testing.T) {
	f := newTestFixture(t)

	first, err := f.engine.CreateMarket(f.alice, "first", f.clock.now+100, 250, 0)
	if err != nil {
		t.Fatalf("create first market: %v", err)
	}
	second, err := f.engine.CreateMarket(f.bob, "second", f.clock.now+100, 0, 0)
	if err != nil {
		t.Fatalf("create second market: %v", err)
	}

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("market ids = %d, %d; want 1, 2", first.ID, second.ID)
	}
	if got := f.ledger.Balance(f.alice); got != startingBalance-250 {
		t.Errorf("creator balance = %d, want %d", got, startingBalance-250)
	}
	if got := f.ledger.Balance(f.feeRecipient); got != 250 {
		t.Errorf("fee recipient balance = %d, want 250", got)
	}
}

func TestCreateMarketOracleBinding(t *testing.T) {
	f := newTestFixture(t)

	manual := f.createMarket(t, 0)
	if manual.PythPriceFeedID != nil || manual.PriceThreshold != nil {
		t.Error("manual market must carry no oracle binding")
	}

	bound := f.createMarket(t, 150_00000000)
	if bound.PythPriceFeedID == nil || *bound.PythPriceFeedID != SolUSDFeedID {
		t.Error("oracle market must bind the SOL/USD feed")
	}
	if bound.PriceThreshold == nil || *bound.PriceThreshold != 150_00000000 {
		t.Error("oracle market must record the threshold")
	}
}

func TestStakeAndCommitEscrowsExactlyOnce(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	f.commit(t, f.alice, market.ID, OutcomeYes, 1000)

	if got := f.ledger.Balance(f.alice); got != startingBalance-1000 {
		t.Errorf("alice balance = %d, want %d", got, startingBalance-1000)
	}
	if got := f.engine.VaultBalance(market.ID); got != 1000 {
		t.Errorf("vault balance = %d, want 1000", got)
	}

	err := f.engine.StakeAndCommit(f.alice, market.ID, 500, [32]byte{9})
	if !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("second commit: got %v, want ErrAlreadyCommitted", err)
	}

	updated, err := f.engine.Market(market.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.CommitCount != 1 || updated.TotalCommitted != 1000 {
		t.Errorf("aggregates = (%d, %d), want (1, 1000)", updated.CommitCount, updated.TotalCommitted)
	}
}

func TestStakeAndCommitRejections(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	if err := f.engine.StakeAndCommit(f.alice, market.ID, 0, [32]byte{1}); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("zero amount: got %v, want ErrZeroAmount", err)
	}
	if err := f.engine.StakeAndCommit(f.alice, 999, 10, [32]byte{1}); !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("unknown market: got %v, want ErrMarketNotFound", err)
	}
	if err := f.engine.StakeAndCommit(f.alice, market.ID, startingBalance+1, [32]byte{1}); !errors.Is(err, token.ErrInsufficientFunds) {
		t.Errorf("overdraft: got %v, want ErrInsufficientFunds", err)
	}
	if got := f.ledger.Balance(f.alice); got != startingBalance {
		t.Errorf("failed commit moved funds: balance = %d", got)
	}

	f.clock.advance(2 * time.Hour)
	if err := f.engine.StakeAndCommit(f.alice, market.ID, 10, [32]byte{1}); !errors.Is(err, ErrMarketExpired) {
		t.Errorf("commit after expiry: got %v, want ErrMarketExpired", err)
	}
}

func TestResolveRequiresExpiryAndOpposition(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)
	f.commit(t, f.alice, market.ID, OutcomeYes, 100)
	f.commit(t, f.bob, market.ID, OutcomeNo, 100)

	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeYes, nil); !errors.Is(err, ErrMarketNotExpired) {
		t.Fatalf("early resolve: got %v, want ErrMarketNotExpired", err)
	}

	lonely := f.createMarket(t, 0)
	f.commit(t, f.carol, lonely.ID, OutcomeYes, 100)
	f.clock.advance(2 * time.Hour)
	if err := f.engine.ResolveMarket(f.admin, lonely.ID, OutcomeYes, nil); !errors.Is(err, ErrNoOpposition) {
		t.Fatalf("single-commit resolve: got %v, want ErrNoOpposition", err)
	}

	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeYes, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeNo, nil); !errors.Is(err, ErrMarketAlreadyFinalized) {
		t.Fatalf("double resolve: got %v, want ErrMarketAlreadyFinalized", err)
	}

	resolved, err := f.engine.Market(market.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantDeadline := resolved.ResolutionTime + int64(RevealWindow/time.Second)
	if resolved.RevealDeadline != wantDeadline {
		t.Errorf("reveal deadline = %d, want %d", resolved.RevealDeadline, wantDeadline)
	}
}

func TestResolveManualRequiresConcreteOutcome(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)
	f.commit(t, f.alice, market.ID, OutcomeYes, 100)
	f.commit(t, f.bob, market.ID, OutcomeNo, 100)
	f.clock.advance(2 * time.Hour)

	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeNone, nil); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("resolve with none: got %v, want ErrInvalidOutcome", err)
	}
}

func TestOracleResolution(t *testing.T) {
	f := newTestFixture(t)
	threshold := int64(150_00000000)
	market := f.createMarket(t, threshold)
	f.commit(t, f.alice, market.ID, OutcomeYes, 100)
	f.commit(t, f.bob, market.ID, OutcomeNo, 100)
	f.clock.advance(2 * time.Hour)

	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeNone, nil); !errors.Is(err, ErrPythPriceUpdateRequired) {
		t.Fatalf("resolve without reading: got %v, want ErrPythPriceUpdateRequired", err)
	}

	wrongFeed := &PriceReading{FeedID: [32]byte{1}, Price: threshold, Expo: -8, PublishTime: f.clock.now}
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeNone, wrongFeed); !errors.Is(err, ErrPythFeedIDMismatch) {
		t.Fatalf("wrong feed: got %v, want ErrPythFeedIDMismatch", err)
	}

	stale := &PriceReading{FeedID: SolUSDFeedID, Price: threshold, Expo: -8, PublishTime: f.clock.now - 61}
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeNone, stale); !errors.Is(err, ErrPythPriceTooOld) {
		t.Fatalf("stale reading: got %v, want ErrPythPriceTooOld", err)
	}

	future := &PriceReading{FeedID: SolUSDFeedID, Price: threshold, Expo: -8, PublishTime: f.clock.now + 5}
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeNone, future); !errors.Is(err, ErrPythPriceTooOld) {
		t.Fatalf("future reading: got %v, want ErrPythPriceTooOld", err)
	}

	atThreshold := &PriceReading{FeedID: SolUSDFeedID, Price: threshold, Expo: -8, PublishTime: f.clock.now}
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeNo, atThreshold); err != nil {
		t.Fatalf("resolve with reading: %v", err)
	}

	resolved, err := f.engine.Market(market.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Price at the threshold resolves Yes; the manual argument is ignored.
	if resolved.WinningOutcome != OutcomeYes {
		t.Errorf("winning outcome = %s, want yes", resolved.WinningOutcome)
	}
}

func TestOracleResolutionBelowThreshold(t *testing.T) {
	f := newTestFixture(t)
	threshold := int64(150_00000000)
	market := f.createMarket(t, threshold)
	f.commit(t, f.alice, market.ID, OutcomeYes, 100)
	f.commit(t, f.bob, market.ID, OutcomeNo, 100)
	f.clock.advance(2 * time.Hour)

	below := &PriceReading{FeedID: SolUSDFeedID, Price: threshold - 1, Expo: -8, PublishTime: f.clock.now}
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeNone, below); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resolved, err := f.engine.Market(market.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.WinningOutcome != OutcomeNo {
		t.Errorf("winning outcome = %s, want no", resolved.WinningOutcome)
	}
}

// Two stakers on opposite sides, fixed odds. The winner reveals for five
// times the stake, the loser reveals for nothing, and every token stays
// inside the ledger.
func TestCommitRevealFixedOddsScenario(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	aliceSalt := f.commit(t, f.alice, market.ID, OutcomeYes, 100)
	bobSalt := f.commit(t, f.bob, market.ID, OutcomeNo, 100)
	f.fundVault(t, market.ID, 1000)

	supplyBefore := f.totalSupply()

	f.clock.advance(2 * time.Hour)
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeYes, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	payout, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeYes, aliceSalt)
	if err != nil {
		t.Fatalf("alice reveal: %v", err)
	}
	if payout != 500 {
		t.Errorf("alice payout = %d, want 500", payout)
	}
	if got := f.ledger.Balance(f.alice); got != startingBalance-100+500 {
		t.Errorf("alice balance = %d, want %d", got, startingBalance+400)
	}

	payout, err = f.engine.RevealAndClaim(f.bob, market.ID, OutcomeNo, bobSalt)
	if err != nil {
		t.Fatalf("bob reveal: %v", err)
	}
	if payout != 0 {
		t.Errorf("bob payout = %d, want 0", payout)
	}

	if _, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeYes, aliceSalt); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("double reveal: got %v, want ErrAlreadyClaimed", err)
	}

	if got := f.totalSupply(); got != supplyBefore {
		t.Errorf("supply changed: %d -> %d", supplyBefore, got)
	}
}

func TestRevealRejectsWrongPreimage(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	salt := f.commit(t, f.alice, market.ID, OutcomeYes, 100)
	f.commit(t, f.bob, market.ID, OutcomeNo, 100)
	f.fundVault(t, market.ID, 1000)
	f.clock.advance(2 * time.Hour)
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeYes, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Claiming the winning side with a commitment made for the other side
	// must not pass verification.
	if _, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeNo, salt); !errors.Is(err, ErrInvalidCommitment) {
		t.Fatalf("wrong outcome reveal: got %v, want ErrInvalidCommitment", err)
	}
	var wrongSalt [32]byte
	if _, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeYes, wrongSalt); !errors.Is(err, ErrInvalidCommitment) {
		t.Fatalf("wrong salt reveal: got %v, want ErrInvalidCommitment", err)
	}

	position, err := f.engine.Position(market.ID, f.alice)
	if err != nil {
		t.Fatal(err)
	}
	if position.Revealed || position.Claimed {
		t.Error("failed reveal mutated the position")
	}

	payout, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeYes, salt)
	if err != nil || payout != 500 {
		t.Fatalf("correct reveal after failures: payout=%d err=%v", payout, err)
	}
}

func TestRevealBeforeResolution(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)
	salt := f.commit(t, f.alice, market.ID, OutcomeYes, 100)

	if _, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeYes, salt); !errors.Is(err, ErrMarketNotFinalized) {
		t.Fatalf("reveal on active market: got %v, want ErrMarketNotFinalized", err)
	}
}

func TestRevealDeadlineAndForfeit(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	aliceSalt := f.commit(t, f.alice, market.ID, OutcomeYes, 300)
	bobSalt := f.commit(t, f.bob, market.ID, OutcomeNo, 200)
	f.fundVault(t, market.ID, 2000)

	f.clock.advance(2 * time.Hour)
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeYes, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Premature forfeit.
	if _, err := f.engine.ForfeitUnrevealed(f.admin, market.ID, f.alice); !errors.Is(err, ErrRevealDeadlineNotPassed) {
		t.Fatalf("early forfeit: got %v, want ErrRevealDeadlineNotPassed", err)
	}

	if _, err := f.engine.RevealAndClaim(f.bob, market.ID, OutcomeNo, bobSalt); err != nil {
		t.Fatalf("bob reveal: %v", err)
	}

	f.clock.advance(RevealWindow + time.Hour)

	if _, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeYes, aliceSalt); !errors.Is(err, ErrRevealDeadlineExpired) {
		t.Fatalf("late reveal: got %v, want ErrRevealDeadlineExpired", err)
	}

	feeBefore := f.ledger.Balance(f.feeRecipient)
	forfeited, err := f.engine.ForfeitUnrevealed(f.admin, market.ID, f.alice)
	if err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	if forfeited != 300 {
		t.Errorf("forfeited = %d, want 300", forfeited)
	}
	if got := f.ledger.Balance(f.feeRecipient); got != feeBefore+300 {
		t.Errorf("fee recipient balance = %d, want %d", got, feeBefore+300)
	}

	if _, err := f.engine.ForfeitUnrevealed(f.admin, market.ID, f.alice); !errors.Is(err, ErrAlreadyRevealed) {
		t.Errorf("double forfeit: got %v, want ErrAlreadyRevealed", err)
	}
	if _, err := f.engine.ForfeitUnrevealed(f.admin, market.ID, f.bob); !errors.Is(err, ErrAlreadyRevealed) {
		t.Errorf("forfeit of revealed position: got %v, want ErrAlreadyRevealed", err)
	}
	if _, err := f.engine.ForfeitUnrevealed(f.admin, market.ID, f.carol); !errors.Is(err, ErrNoUnrevealedStakes) {
		t.Errorf("forfeit of absent position: got %v, want ErrNoUnrevealedStakes", err)
	}

	position, err := f.engine.Position(market.ID, f.alice)
	if err != nil {
		t.Fatal(err)
	}
	if !position.Revealed || !position.Claimed || position.RevealedOutcome != OutcomeNone {
		t.Error("forfeited position must be revealed, claimed, outcome none")
	}
}

// A forfeited stake is gone for good: even with the correct preimage the
// late reveal reports the position as claimed.
func TestForfeitedStakeCannotRevealLate(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	aliceSalt := f.commit(t, f.alice, market.ID, OutcomeYes, 100)
	f.commit(t, f.bob, market.ID, OutcomeNo, 100)
	f.fundVault(t, market.ID, 1000)

	f.clock.advance(2 * time.Hour)
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeYes, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.clock.advance(RevealWindow + time.Hour)

	if _, err := f.engine.ForfeitUnrevealed(f.admin, market.ID, f.alice); err != nil {
		t.Fatalf("forfeit: %v", err)
	}

	aliceBefore := f.ledger.Balance(f.alice)
	if _, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeYes, aliceSalt); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("reveal after forfeit: got %v, want ErrAlreadyClaimed", err)
	}
	if got := f.ledger.Balance(f.alice); got != aliceBefore {
		t.Errorf("failed reveal moved funds: balance = %d, want %d", got, aliceBefore)
	}
}

func TestCancelledMarketRefundsCommits(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	salt := f.commit(t, f.alice, market.ID, OutcomeYes, 400)

	f.clock.advance(2 * time.Hour)
	if err := f.engine.CancelMarket(f.admin, market.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	payout, err := f.engine.RevealAndClaim(f.alice, market.ID, OutcomeYes, salt)
	if err != nil {
		t.Fatalf("reveal on cancelled market: %v", err)
	}
	if payout != 400 {
		t.Errorf("refund = %d, want 400", payout)
	}
	if got := f.ledger.Balance(f.alice); got != startingBalance {
		t.Errorf("alice balance = %d, want %d", got, startingBalance)
	}
}

func TestPariMutuelScenario(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	if err := f.engine.PlaceBet(f.alice, market.ID, OutcomeYes, 100); err != nil {
		t.Fatalf("alice bet: %v", err)
	}
	if err := f.engine.PlaceBet(f.bob, market.ID, OutcomeNo, 300); err != nil {
		t.Fatalf("bob bet: %v", err)
	}

	f.clock.advance(2 * time.Hour)
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeYes, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	payout, err := f.engine.ClaimWinnings(f.alice, market.ID)
	if err != nil {
		t.Fatalf("alice claim: %v", err)
	}
	// Stake plus the whole losing pool: 100 + 100*300/100.
	if payout != 400 {
		t.Errorf("alice payout = %d, want 400", payout)
	}

	payout, err = f.engine.ClaimWinnings(f.bob, market.ID)
	if err != nil {
		t.Fatalf("bob claim: %v", err)
	}
	if payout != 0 {
		t.Errorf("bob payout = %d, want 0", payout)
	}

	if _, err := f.engine.ClaimWinnings(f.alice, market.ID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("double claim: got %v, want ErrAlreadyClaimed", err)
	}
	if got := f.engine.VaultBalance(market.ID); got != 0 {
		t.Errorf("vault residue = %d, want 0", got)
	}
}

func TestPariMutuelProportionalShare(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	if err := f.engine.PlaceBet(f.alice, market.ID, OutcomeYes, 100); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.PlaceBet(f.carol, market.ID, OutcomeYes, 200); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.PlaceBet(f.bob, market.ID, OutcomeNo, 90); err != nil {
		t.Fatal(err)
	}

	f.clock.advance(2 * time.Hour)
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeYes, nil); err != nil {
		t.Fatal(err)
	}

	alicePayout, err := f.engine.ClaimWinnings(f.alice, market.ID)
	if err != nil {
		t.Fatal(err)
	}
	carolPayout, err := f.engine.ClaimWinnings(f.carol, market.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Shares floor: alice 100+30, carol 200+60.
	if alicePayout != 130 || carolPayout != 260 {
		t.Errorf("payouts = (%d, %d), want (130, 260)", alicePayout, carolPayout)
	}
}

func TestPariMutuelCancelRefund(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	if err := f.engine.PlaceBet(f.alice, market.ID, OutcomeYes, 150); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.PlaceBet(f.alice, market.ID, OutcomeNo, 50); err != nil {
		t.Fatal(err)
	}

	f.clock.advance(2 * time.Hour)
	if err := f.engine.CancelMarket(f.admin, market.ID); err != nil {
		t.Fatal(err)
	}

	payout, err := f.engine.ClaimWinnings(f.alice, market.ID)
	if err != nil {
		t.Fatal(err)
	}
	if payout != 200 {
		t.Errorf("refund = %d, want 200", payout)
	}
	if got := f.ledger.Balance(f.alice); got != startingBalance {
		t.Errorf("alice balance = %d, want %d", got, startingBalance)
	}
}

func TestPariMutuelOneSidedCannotResolve(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 0)

	if err := f.engine.PlaceBet(f.alice, market.ID, OutcomeYes, 100); err != nil {
		t.Fatal(err)
	}
	f.clock.advance(2 * time.Hour)
	if err := f.engine.ResolveMarket(f.admin, market.ID, OutcomeYes, nil); !errors.Is(err, ErrNoOpposition) {
		t.Fatalf("one-sided resolve: got %v, want ErrNoOpposition", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newTestFixture(t)
	market := f.createMarket(t, 100)
	f.commit(t, f.alice, market.ID, OutcomeYes, 250)

	cfg := f.engine.Config()
	markets := f.engine.Markets()
	positions := f.engine.Positions(market.ID)

	restored := New(f.engine.ProgramID(), f.clock, f.ledger)
	if err := restored.Restore(cfg, markets, positions); err != nil {
		t.Fatalf("restore: %v", err)
	}

	gotMarket, err := restored.Market(market.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotMarket.TotalCommitted != 250 || gotMarket.CommitCount != 1 {
		t.Errorf("restored aggregates = (%d, %d), want (250, 1)", gotMarket.TotalCommitted, gotMarket.CommitCount)
	}
	gotPosition, err := restored.Position(market.ID, f.alice)
	if err != nil {
		t.Fatal(err)
	}
	if gotPosition.CommittedAmount != 250 {
		t.Errorf("restored committed = %d, want 250", gotPosition.CommittedAmount)
	}

	// The counter restores too: the next market continues the sequence.
	next, err := restored.CreateMarket(f.bob, "next", f.clock.now+100, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != market.ID+1 {
		t.Errorf("next market id = %d, want %d", next.ID, market.ID+1)
	}
}
