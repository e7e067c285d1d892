// Package apiserver exposes the settlement engine over HTTP: instruction
// endpoints for every engine operation, read endpoints for markets and
// positions, and a websocket feed of settlement events.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/coldbell/prediction/backend/internal/config"
	"github.com/coldbell/prediction/backend/internal/engine"
	"github.com/coldbell/prediction/backend/internal/store"
	"github.com/coldbell/prediction/backend/internal/token"
)

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	engine           *engine.Engine
	ledger           *token.Ledger
	store            *store.Store
	hub              *Hub
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	st, err := store.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	ledger := token.NewLedger(cfg.Engine.TokenMint, cfg.Engine.TokenDecimals)
	eng := engine.New(cfg.Engine.ProgramID, engine.SystemClock{}, ledger)

	savedConfig, markets, positions, balances, err := st.LoadState(context.Background())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load persisted state: %w", err)
	}
	if savedConfig != nil || len(markets) > 0 {
		if err := eng.Restore(savedConfig, markets, positions); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("restore engine state: %w", err)
		}
		for pubkey, amount := range balances {
			ledger.SetBalance(pubkey, amount)
		}
		logger.Info("restored engine state",
			"markets", len(markets),
			"positions", len(positions),
			"token_accounts", len(balances),
		)
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		engine:           eng,
		ledger:           ledger,
		store:            st,
		hub:              NewHub(logger),
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/config", s.handleConfig)
	mux.HandleFunc("/api/v1/markets", s.handleMarkets)
	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/token/balance", s.handleTokenBalance)
	mux.HandleFunc("/v1/token/mint", s.handleTokenMint)
	mux.HandleFunc("/v1/instructions/initialize", s.handleInitialize)
	mux.HandleFunc("/v1/instructions/update-config", s.handleUpdateConfig)
	mux.HandleFunc("/v1/instructions/pause", s.handlePause)
	mux.HandleFunc("/v1/instructions/unpause", s.handleUnpause)
	mux.HandleFunc("/v1/instructions/create-market", s.handleCreateMarket)
	mux.HandleFunc("/v1/instructions/stake-and-commit", s.handleStakeAndCommit)
	mux.HandleFunc("/v1/instructions/place-bet", s.handlePlaceBet)
	mux.HandleFunc("/v1/instructions/resolve-market", s.handleResolveMarket)
	mux.HandleFunc("/v1/instructions/cancel-market", s.handleCancelMarket)
	mux.HandleFunc("/v1/instructions/reveal-and-claim", s.handleRevealAndClaim)
	mux.HandleFunc("/v1/instructions/claim-winnings", s.handleClaimWinnings)
	mux.HandleFunc("/v1/instructions/forfeit-unrevealed", s.handleForfeitUnrevealed)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"program_id", s.cfg.Engine.ProgramID.String(),
		"token_mint", s.cfg.Engine.TokenMint.String(),
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		s.hub.CloseAll()
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string  `json:"error"`
	Code  *uint32 `json:"code,omitempty"`
}

type configView struct {
	Admin         string `json:"admin"`
	FeeRecipient  string `json:"fee_recipient"`
	TokenMint     string `json:"token_mint"`
	TokenDecimals uint8  `json:"token_decimals"`
	MaxFeeBps     uint16 `json:"max_fee_bps"`
	MarketCounter uint64 `json:"market_counter"`
	Paused        bool   `json:"paused"`
}

type marketView struct {
	MarketID       uint64  `json:"market_id"`
	Question       string  `json:"question"`
	State          string  `json:"state"`
	WinningOutcome string  `json:"winning_outcome"`
	ResolutionTime int64   `json:"resolution_time"`
	RevealDeadline int64   `json:"reveal_deadline,omitempty"`
	Creator        string  `json:"creator"`
	CreatedAt      int64   `json:"created_at"`
	CommitCount    uint32  `json:"commit_count"`
	TotalCommitted string  `json:"total_committed"`
	TotalCommitUI  string  `json:"total_committed_ui"`
	YesPool        string  `json:"yes_pool"`
	NoPool         string  `json:"no_pool"`
	VaultAddress   string  `json:"vault_address"`
	VaultBalance   string  `json:"vault_balance"`
	PythFeedID     string  `json:"pyth_feed_id,omitempty"`
	PriceThreshold *int64  `json:"price_threshold,omitempty"`
}

type positionView struct {
	MarketID        uint64 `json:"market_id"`
	User            string `json:"user"`
	CommittedAmount string `json:"committed_amount"`
	CommittedUI     string `json:"committed_amount_ui"`
	Revealed        bool   `json:"revealed"`
	RevealedOutcome string `json:"revealed_outcome"`
	Claimed         bool   `json:"claimed"`
	YesBet          string `json:"yes_bet"`
	NoBet           string `json:"no_bet"`
}

func (s *Service) marketView(market *engine.Market) marketView {
	view := marketView{
		MarketID:       market.ID,
		Question:       market.Question,
		State:          market.State.String(),
		WinningOutcome: market.WinningOutcome.String(),
		ResolutionTime: market.ResolutionTime,
		RevealDeadline: market.RevealDeadline,
		Creator:        market.Creator.String(),
		CreatedAt:      market.CreatedAt,
		CommitCount:    market.CommitCount,
		TotalCommitted: formatUint(market.TotalCommitted),
		TotalCommitUI:  s.uiAmount(market.TotalCommitted),
		YesPool:        formatUint(market.YesPool),
		NoPool:         formatUint(market.NoPool),
		VaultAddress:   s.engine.VaultAddress(market.ID).String(),
		VaultBalance:   formatUint(s.engine.VaultBalance(market.ID)),
		PriceThreshold: market.PriceThreshold,
	}
	if market.PythPriceFeedID != nil {
		view.PythFeedID = engine.FeedIDHex(*market.PythPriceFeedID)
	}
	return view
}

func (s *Service) positionView(position *engine.UserPosition) positionView {
	return positionView{
		MarketID:        position.MarketID,
		User:            position.User.String(),
		CommittedAmount: formatUint(position.CommittedAmount),
		CommittedUI:     s.uiAmount(position.CommittedAmount),
		Revealed:        position.Revealed,
		RevealedOutcome: position.RevealedOutcome.String(),
		Claimed:         position.Claimed,
		YesBet:          formatUint(position.YesBet),
		NoBet:           formatUint(position.NoBet),
	}
}

// uiAmount renders a base-unit amount in whole tokens.
func (s *Service) uiAmount(amount uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(s.ledger.Decimals())).String()
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	cfg := s.engine.Config()
	if cfg == nil {
		s.respondError(w, http.StatusNotFound, "engine not initialized")
		return
	}
	s.respondJSON(w, http.StatusOK, configView{
		Admin:         cfg.Admin.String(),
		FeeRecipient:  cfg.FeeRecipient.String(),
		TokenMint:     cfg.TokenMint.String(),
		TokenDecimals: cfg.TokenDecimals,
		MaxFeeBps:     cfg.MaxFeeBps,
		MarketCounter: cfg.MarketCounter,
		Paused:        cfg.Paused,
	})
}

func (s *Service) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	marketID, err := parseOptionalUint64(r, "market_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if marketID != nil {
		market, err := s.engine.Market(*marketID)
		if err != nil {
			s.respondEngineError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, s.marketView(market))
		return
	}

	markets := s.engine.Markets()
	items := make([]marketView, 0, len(markets))
	for _, market := range markets {
		items = append(items, s.marketView(market))
	}
	s.respondJSON(w, http.StatusOK, listResponse[marketView]{Items: items})
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	marketID, err := parseOptionalUint64(r, "market_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if marketID == nil {
		s.respondError(w, http.StatusBadRequest, "market_id is required")
		return
	}

	userRaw := strings.TrimSpace(r.URL.Query().Get("user"))
	if userRaw != "" {
		user, err := solana.PublicKeyFromBase58(userRaw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
			return
		}
		position, err := s.engine.Position(*marketID, user)
		if err != nil {
			s.respondEngineError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, s.positionView(position))
		return
	}

	positions := s.engine.Positions(*marketID)
	items := make([]positionView, 0, len(positions))
	for _, position := range positions {
		items = append(items, s.positionView(position))
	}
	s.respondJSON(w, http.StatusOK, listResponse[positionView]{Items: items})
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	marketID, err := parseOptionalUint64(r, "market_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if marketID == nil {
		s.respondError(w, http.StatusBadRequest, "market_id is required")
		return
	}
	limit, err := parseOptionalInt(r, "limit", 100)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.store.ListSettlementEvents(r.Context(), *marketID, limit)
	if err != nil {
		s.logger.Error("list settlement events failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse[store.SettlementEvent]{Items: events})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[strings.TrimSpace(origin)]
	return ok
}

func parseOptionalUint64(r *http.Request, key string) (*uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &value, nil
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

// respondEngineError maps engine error codes onto HTTP statuses, carrying
// the numeric code through for programmatic callers.
func (s *Service) respondEngineError(w http.ResponseWriter, err error) {
	var code engine.ErrorCode
	if !errors.As(err, &code) {
		if errors.Is(err, token.ErrInsufficientFunds) || errors.Is(err, engine.ErrAlreadyInitialized) {
			s.respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error("instruction failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "instruction failed")
		return
	}

	status := http.StatusConflict
	switch code {
	case engine.ErrInvalidAdmin, engine.ErrUnauthorizedCreator:
		status = http.StatusForbidden
	case engine.ErrMarketNotFound, engine.ErrNoPosition:
		status = http.StatusNotFound
	case engine.ErrEmptyQuestion, engine.ErrQuestionTooLong, engine.ErrInvalidResolutionTime,
		engine.ErrInvalidOutcome, engine.ErrZeroAmount, engine.ErrInvalidFee, engine.ErrInvalidFeeRecipient:
		status = http.StatusBadRequest
	}
	numeric := code.Code()
	s.respondJSON(w, status, errorResponse{Error: code.Error(), Code: &numeric})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
