// Package keeper automates settlement housekeeping: it resolves expired
// oracle-bound markets with fresh Hermes prices and sweeps unrevealed
// stakes once the reveal window closes. Manual markets are left to the
// admin.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/coldbell/prediction/backend/internal/config"
	"github.com/coldbell/prediction/backend/internal/engine"
	"github.com/coldbell/prediction/backend/internal/oracle"
)

var errSkipMarket = errors.New("skip market")

type Service struct {
	cfg    config.KeeperConfig
	feedID [32]byte
	api    *apiClient
	hermes *oracle.Client
	logger *slog.Logger
}

func New(cfg config.KeeperConfig, logger *slog.Logger) (*Service, error) {
	feedID, err := engine.FeedIDFromHex(cfg.PythFeedID)
	if err != nil {
		return nil, fmt.Errorf("invalid keeper feed id: %w", err)
	}
	return &Service{
		cfg:    cfg,
		feedID: feedID,
		api:    newAPIClient(cfg.APIBaseURL, cfg.RequestTimeout),
		hermes: oracle.NewClient(cfg.HermesURL, cfg.RequestTimeout),
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"api", s.cfg.APIBaseURL,
		"hermes", s.cfg.HermesURL,
		"admin", s.cfg.AdminKey.String(),
		"poll_interval", s.cfg.PollInterval.String(),
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	markets, err := s.api.listMarkets(ctx)
	if err != nil {
		return err
	}
	if len(markets) == 0 {
		return nil
	}

	now := time.Now().Unix()

	var due []marketRecord
	var sweepable []marketRecord
	for _, market := range markets {
		switch market.State {
		case "active":
			if market.ResolutionTime <= now {
				due = append(due, market)
			}
		case "resolved":
			if market.RevealDeadline > 0 && market.RevealDeadline < now {
				sweepable = append(sweepable, market)
			}
		}
	}
	if len(due) == 0 && len(sweepable) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ResolutionTime < due[j].ResolutionTime })
	limit := s.cfg.MaxMarketsPerTick
	if limit > len(due) {
		limit = len(due)
	}

	resolved := 0
	cancelled := 0
	skipped := 0
	for idx := 0; idx < limit; idx++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		market := due[idx]

		err := s.resolveDueMarket(ctx, market)
		if err == nil {
			resolved++
			continue
		}
		if errors.Is(err, errSkipMarket) {
			skipped++
			s.logger.Warn("market skipped", "market_id", market.MarketID, "reason", err)
			continue
		}
		s.logger.Warn("market resolution failed", "market_id", market.MarketID, "err", err)

		if cancelErr := s.cancelOnFailure(ctx, market, err); cancelErr != nil {
			skipped++
			s.logger.Warn("market cancel-on-failure failed", "market_id", market.MarketID, "err", cancelErr)
			continue
		}
		cancelled++
	}

	forfeited := 0
	for _, market := range sweepable {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		count, err := s.sweepUnrevealed(ctx, market)
		if err != nil {
			s.logger.Warn("forfeit sweep failed", "market_id", market.MarketID, "err", err)
			continue
		}
		forfeited += count
	}

	s.logger.Info("keeper tick complete",
		"due_markets", len(due),
		"attempted", limit,
		"resolved", resolved,
		"cancelled", cancelled,
		"skipped", skipped,
		"forfeited_positions", forfeited,
	)
	return nil
}

func (s *Service) resolveDueMarket(ctx context.Context, market marketRecord) error {
	if market.PythFeedID == "" {
		return fmt.Errorf("%w: manual market awaits admin resolution", errSkipMarket)
	}

	feedID, err := engine.FeedIDFromHex(market.PythFeedID)
	if err != nil {
		return fmt.Errorf("%w: bad feed id %q: %v", errSkipMarket, market.PythFeedID, err)
	}
	if feedID != s.feedID {
		return fmt.Errorf("%w: feed %s is not the configured feed %s", errSkipMarket, market.PythFeedID, s.cfg.PythFeedID)
	}

	reading, err := s.hermes.LatestPrice(ctx, feedID)
	if err != nil {
		return fmt.Errorf("%w: hermes fetch failed: %v", errSkipMarket, err)
	}

	return s.api.resolveMarket(ctx, s.cfg.AdminKey, market.MarketID, reading)
}

// cancelOnFailure voids markets that can never settle, currently only
// those with no opposition.
func (s *Service) cancelOnFailure(ctx context.Context, market marketRecord, cause error) error {
	var apiErr *apiError
	if !errors.As(cause, &apiErr) || apiErr.Code != engine.ErrNoOpposition.Code() {
		return fmt.Errorf("cause is not cancellable: %w", cause)
	}
	return s.api.cancelMarket(ctx, s.cfg.AdminKey, market.MarketID)
}

func (s *Service) sweepUnrevealed(ctx context.Context, market marketRecord) (int, error) {
	positions, err := s.api.listPositions(ctx, market.MarketID)
	if err != nil {
		return 0, err
	}

	forfeited := 0
	for _, position := range positions {
		if position.Revealed || position.Claimed || position.CommittedAmount == "0" || position.CommittedAmount == "" {
			continue
		}
		if err := s.api.forfeitUnrevealed(ctx, s.cfg.AdminKey, market.MarketID, position.User); err != nil {
			s.logger.Warn("forfeit failed",
				"market_id", market.MarketID,
				"user", position.User,
				"err", err,
			)
			continue
		}
		forfeited++
	}
	return forfeited, nil
}
