package apiserver

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/prediction/backend/internal/engine"
	"github.com/coldbell/prediction/backend/internal/oracle"
	"github.com/coldbell/prediction/backend/internal/store"
)

type initializeRequest struct {
	Admin        string `json:"admin"`
	FeeRecipient string `json:"fee_recipient"`
	MaxFeeBps    uint16 `json:"max_fee_bps"`
}

type updateConfigRequest struct {
	Caller       string `json:"caller"`
	FeeRecipient string `json:"fee_recipient"`
	MaxFeeBps    uint16 `json:"max_fee_bps"`
}

type pauseRequest struct {
	Caller string `json:"caller"`
}

type createMarketRequest struct {
	Creator        string `json:"creator"`
	Question       string `json:"question"`
	ResolutionTime int64  `json:"resolution_time"`
	FeeAmount      string `json:"fee_amount"`
	PriceThreshold int64  `json:"price_threshold"`
}

type stakeAndCommitRequest struct {
	Bettor     string `json:"bettor"`
	MarketID   uint64 `json:"market_id"`
	Amount     string `json:"amount"`
	Commitment string `json:"commitment"`
}

type placeBetRequest struct {
	Bettor   string `json:"bettor"`
	MarketID uint64 `json:"market_id"`
	Outcome  string `json:"outcome"`
	Amount   string `json:"amount"`
}

type priceReadingPayload struct {
	FeedID      string `json:"feed_id"`
	Price       int64  `json:"price"`
	Conf        uint64 `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type resolveMarketRequest struct {
	Caller   string `json:"caller"`
	MarketID uint64 `json:"market_id"`
	Outcome  string `json:"outcome,omitempty"`

	// Oracle-bound markets take the price either parsed or as a raw
	// base64 PriceUpdateV2 account payload.
	Price              *priceReadingPayload `json:"price,omitempty"`
	PriceUpdateAccount string               `json:"price_update_account,omitempty"`
}

type cancelMarketRequest struct {
	Caller   string `json:"caller"`
	MarketID uint64 `json:"market_id"`
}

type revealAndClaimRequest struct {
	User     string `json:"user"`
	MarketID uint64 `json:"market_id"`
	Outcome  string `json:"outcome"`
	Salt     string `json:"salt"`
}

type claimWinningsRequest struct {
	User     string `json:"user"`
	MarketID uint64 `json:"market_id"`
}

type forfeitRequest struct {
	Caller   string `json:"caller"`
	MarketID uint64 `json:"market_id"`
	User     string `json:"user"`
}

type mintRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type payoutResponse struct {
	OK       bool   `json:"ok"`
	Payout   string `json:"payout"`
	PayoutUI string `json:"payout_ui"`
}

func (s *Service) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	admin, err := parsePubkey(req.Admin, "admin")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	feeRecipient, err := parsePubkey(req.FeeRecipient, "fee_recipient")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.Initialize(admin, feeRecipient, req.MaxFeeBps); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "initialized",
		UserPubkey: admin.String(),
		Outcome:    engine.OutcomeNone.String(),
		Amount:     "0",
	}, nil, nil)
	s.respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	caller, err := parsePubkey(req.Caller, "caller")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	feeRecipient, err := parsePubkey(req.FeeRecipient, "fee_recipient")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.UpdateConfig(caller, feeRecipient, req.MaxFeeBps); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "config_updated",
		UserPubkey: caller.String(),
		Outcome:    engine.OutcomeNone.String(),
		Amount:     "0",
	}, nil, nil)
	s.respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handlePauseSwitch(w, r, true)
}

func (s *Service) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.handlePauseSwitch(w, r, false)
}

func (s *Service) handlePauseSwitch(w http.ResponseWriter, r *http.Request, pause bool) {
	var req pauseRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	caller, err := parsePubkey(req.Caller, "caller")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	eventType := "paused"
	if pause {
		err = s.engine.Pause(caller)
	} else {
		err = s.engine.Unpause(caller)
		eventType = "unpaused"
	}
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  eventType,
		UserPubkey: caller.String(),
		Outcome:    engine.OutcomeNone.String(),
		Amount:     "0",
	}, nil, nil)
	s.respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	creator, err := parsePubkey(req.Creator, "creator")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	feeAmount, err := parseAmount(req.FeeAmount, "fee_amount")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	market, err := s.engine.CreateMarket(creator, req.Question, req.ResolutionTime, feeAmount, req.PriceThreshold)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "market_created",
		MarketID:   market.ID,
		UserPubkey: creator.String(),
		Outcome:    engine.OutcomeNone.String(),
		Amount:     formatUint(feeAmount),
	}, &market.ID, []solana.PublicKey{creator})
	s.respondJSON(w, http.StatusOK, s.marketView(market))
}

func (s *Service) handleStakeAndCommit(w http.ResponseWriter, r *http.Request) {
	var req stakeAndCommitRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	bettor, err := parsePubkey(req.Bettor, "bettor")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	commitment, err := parseHash32(req.Commitment, "commitment")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.StakeAndCommit(bettor, req.MarketID, amount, commitment); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "stake_committed",
		MarketID:   req.MarketID,
		UserPubkey: bettor.String(),
		Outcome:    engine.OutcomeNone.String(),
		Amount:     formatUint(amount),
	}, &req.MarketID, []solana.PublicKey{bettor})
	s.respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	bettor, err := parsePubkey(req.Bettor, "bettor")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := parseOutcome(req.Outcome)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.PlaceBet(bettor, req.MarketID, outcome, amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "bet_placed",
		MarketID:   req.MarketID,
		UserPubkey: bettor.String(),
		Outcome:    outcome.String(),
		Amount:     formatUint(amount),
	}, &req.MarketID, []solana.PublicKey{bettor})
	s.respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handleResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveMarketRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	caller, err := parsePubkey(req.Caller, "caller")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome := engine.OutcomeNone
	if strings.TrimSpace(req.Outcome) != "" {
		outcome, err = parseOutcome(req.Outcome)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	reading, err := buildPriceReading(&req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.ResolveMarket(caller, req.MarketID, outcome, reading); err != nil {
		s.respondEngineError(w, err)
		return
	}

	market, err := s.engine.Market(req.MarketID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "market_resolved",
		MarketID:   req.MarketID,
		UserPubkey: caller.String(),
		Outcome:    market.WinningOutcome.String(),
		Amount:     "0",
	}, &req.MarketID, nil)
	s.respondJSON(w, http.StatusOK, s.marketView(market))
}

func (s *Service) handleCancelMarket(w http.ResponseWriter, r *http.Request) {
	var req cancelMarketRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	caller, err := parsePubkey(req.Caller, "caller")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.CancelMarket(caller, req.MarketID); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "market_cancelled",
		MarketID:   req.MarketID,
		UserPubkey: caller.String(),
		Outcome:    engine.OutcomeNone.String(),
		Amount:     "0",
	}, &req.MarketID, nil)
	s.respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handleRevealAndClaim(w http.ResponseWriter, r *http.Request) {
	var req revealAndClaimRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	user, err := parsePubkey(req.User, "user")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := parseOutcome(req.Outcome)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	salt, err := parseHash32(req.Salt, "salt")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	payout, err := s.engine.RevealAndClaim(user, req.MarketID, outcome, salt)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "reveal_claimed",
		MarketID:   req.MarketID,
		UserPubkey: user.String(),
		Outcome:    outcome.String(),
		Amount:     formatUint(payout),
	}, &req.MarketID, []solana.PublicKey{user})
	s.respondJSON(w, http.StatusOK, payoutResponse{
		OK:       true,
		Payout:   formatUint(payout),
		PayoutUI: s.uiAmount(payout),
	})
}

func (s *Service) handleClaimWinnings(w http.ResponseWriter, r *http.Request) {
	var req claimWinningsRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	user, err := parsePubkey(req.User, "user")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	payout, err := s.engine.ClaimWinnings(user, req.MarketID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "winnings_claimed",
		MarketID:   req.MarketID,
		UserPubkey: user.String(),
		Outcome:    engine.OutcomeNone.String(),
		Amount:     formatUint(payout),
	}, &req.MarketID, []solana.PublicKey{user})
	s.respondJSON(w, http.StatusOK, payoutResponse{
		OK:       true,
		Payout:   formatUint(payout),
		PayoutUI: s.uiAmount(payout),
	})
}

func (s *Service) handleForfeitUnrevealed(w http.ResponseWriter, r *http.Request) {
	var req forfeitRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	caller, err := parsePubkey(req.Caller, "caller")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := parsePubkey(req.User, "user")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	forfeited, err := s.engine.ForfeitUnrevealed(caller, req.MarketID, user)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistMutation(r.Context(), store.SettlementEvent{
		EventType:  "stake_forfeited",
		MarketID:   req.MarketID,
		UserPubkey: user.String(),
		Outcome:    engine.OutcomeNone.String(),
		Amount:     formatUint(forfeited),
	}, &req.MarketID, []solana.PublicKey{user})
	s.respondJSON(w, http.StatusOK, payoutResponse{
		OK:       true,
		Payout:   formatUint(forfeited),
		PayoutUI: s.uiAmount(forfeited),
	})
}

func (s *Service) handleTokenMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	to, err := parsePubkey(req.To, "to")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.ledger.MintTo(to, amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.persistBalances(r.Context(), to)
	s.respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	pubkey, err := parsePubkey(r.URL.Query().Get("pubkey"), "pubkey")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount := s.ledger.Balance(pubkey)
	s.respondJSON(w, http.StatusOK, map[string]string{
		"pubkey":    pubkey.String(),
		"amount":    formatUint(amount),
		"amount_ui": s.uiAmount(amount),
	})
}

// persistMutation snapshots the touched state and the settlement event in
// one transaction and fans the event out to websocket subscribers. The
// in-memory engine stays authoritative: a persistence failure is logged,
// not surfaced, since the instruction already applied.
func (s *Service) persistMutation(ctx context.Context, event store.SettlementEvent, marketID *uint64, users []solana.PublicKey) {
	event.RecordedAt = time.Now().Unix()

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if cfg := s.engine.Config(); cfg != nil {
			if err := store.UpsertConfig(ctx, tx, cfg); err != nil {
				return err
			}
		}
		if marketID != nil {
			market, err := s.engine.Market(*marketID)
			if err != nil {
				return err
			}
			if err := store.UpsertMarket(ctx, tx, market); err != nil {
				return err
			}
			if err := store.UpsertTokenBalance(ctx, tx, s.engine.VaultAddress(*marketID), s.engine.VaultBalance(*marketID)); err != nil {
				return err
			}
			for _, user := range users {
				position, err := s.engine.Position(*marketID, user)
				if err == nil {
					if err := store.UpsertPosition(ctx, tx, position); err != nil {
						return err
					}
				}
			}
		}
		for _, user := range users {
			if err := store.UpsertTokenBalance(ctx, tx, user, s.ledger.Balance(user)); err != nil {
				return err
			}
		}
		if cfg := s.engine.Config(); cfg != nil {
			if err := store.UpsertTokenBalance(ctx, tx, cfg.FeeRecipient, s.ledger.Balance(cfg.FeeRecipient)); err != nil {
				return err
			}
		}
		return store.InsertSettlementEvent(ctx, tx, event)
	})
	if err != nil {
		s.logger.Error("failed to persist mutation",
			"event_type", event.EventType,
			"market_id", event.MarketID,
			"err", err,
		)
	}

	s.hub.Broadcast(event)
}

func (s *Service) persistBalances(ctx context.Context, pubkeys ...solana.PublicKey) {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, pubkey := range pubkeys {
			if err := store.UpsertTokenBalance(ctx, tx, pubkey, s.ledger.Balance(pubkey)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to persist token balances", "err", err)
	}
}

func (s *Service) decodePost(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return false
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func buildPriceReading(req *resolveMarketRequest) (*engine.PriceReading, error) {
	if strings.TrimSpace(req.PriceUpdateAccount) != "" {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.PriceUpdateAccount))
		if err != nil {
			return nil, fmt.Errorf("invalid price_update_account: %w", err)
		}
		return oracle.DecodePriceUpdate(raw)
	}
	if req.Price == nil {
		return nil, nil
	}
	feedID, err := engine.FeedIDFromHex(req.Price.FeedID)
	if err != nil {
		return nil, err
	}
	return &engine.PriceReading{
		FeedID:      feedID,
		Price:       req.Price.Price,
		Conf:        req.Price.Conf,
		Expo:        req.Price.Expo,
		PublishTime: req.Price.PublishTime,
	}, nil
}

func parsePubkey(raw string, field string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.PublicKey{}, fmt.Errorf("%s is required", field)
	}
	pubkey, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", field, err)
	}
	return pubkey, nil
}

func parseAmount(raw string, field string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return value, nil
}

func parseHash32(raw string, field string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return out, fmt.Errorf("invalid %s: %w", field, err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("invalid %s: got %d bytes, want 32", field, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func parseOutcome(raw string) (engine.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes":
		return engine.OutcomeYes, nil
	case "no":
		return engine.OutcomeNo, nil
	default:
		return engine.OutcomeNone, fmt.Errorf("invalid outcome %q (expected yes|no)", raw)
	}
}
