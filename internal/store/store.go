// Package store persists engine state and settlement events in Postgres.
// Each account row carries the borsh-encoded account bytes next to the
// queryable columns; the encoded form is authoritative on reload.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/prediction/backend/internal/engine"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

// rebindPostgresPlaceholders rewrites ? placeholders to $n, skipping
// string literals.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS engine_config (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			admin TEXT NOT NULL,
			fee_recipient TEXT NOT NULL,
			token_mint TEXT NOT NULL,
			market_counter BIGINT NOT NULL,
			paused INTEGER NOT NULL,
			raw_account BYTEA NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS markets (
			market_id BIGINT PRIMARY KEY,
			question TEXT NOT NULL,
			state TEXT NOT NULL,
			winning_outcome TEXT NOT NULL,
			resolution_time BIGINT NOT NULL,
			reveal_deadline BIGINT NOT NULL,
			creator TEXT NOT NULL,
			commit_count BIGINT NOT NULL,
			total_committed TEXT NOT NULL,
			yes_pool TEXT NOT NULL,
			no_pool TEXT NOT NULL,
			raw_account BYTEA NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_markets_state_resolution ON markets(state, resolution_time);`,
		`CREATE TABLE IF NOT EXISTS positions (
			market_id BIGINT NOT NULL,
			user_pubkey TEXT NOT NULL,
			committed_amount TEXT NOT NULL,
			revealed INTEGER NOT NULL,
			claimed INTEGER NOT NULL,
			yes_bet TEXT NOT NULL,
			no_bet TEXT NOT NULL,
			raw_account BYTEA NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (market_id, user_pubkey)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_pubkey);`,
		`CREATE TABLE IF NOT EXISTS token_balances (
			pubkey TEXT PRIMARY KEY,
			amount TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settlement_events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			market_id BIGINT NOT NULL,
			user_pubkey TEXT NOT NULL,
			outcome TEXT NOT NULL,
			amount TEXT NOT NULL,
			recorded_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_settlement_events_market_time ON settlement_events(market_id, recorded_at DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// UpsertConfig writes the config singleton inside an open transaction.
func UpsertConfig(ctx context.Context, tx *Tx, cfg *engine.Config) error {
	raw, err := engine.MarshalAccount(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO engine_config (id, admin, fee_recipient, token_mint, market_counter, paused, raw_account, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			admin = EXCLUDED.admin,
			fee_recipient = EXCLUDED.fee_recipient,
			token_mint = EXCLUDED.token_mint,
			market_counter = EXCLUDED.market_counter,
			paused = EXCLUDED.paused,
			raw_account = EXCLUDED.raw_account,
			updated_at = EXCLUDED.updated_at`,
		cfg.Admin.String(), cfg.FeeRecipient.String(), cfg.TokenMint.String(),
		int64(cfg.MarketCounter), boolToInt(cfg.Paused), raw, time.Now().Unix(),
	)
	return err
}

func UpsertMarket(ctx context.Context, tx *Tx, market *engine.Market) error {
	raw, err := engine.MarshalAccount(market)
	if err != nil {
		return fmt.Errorf("encode market %d: %w", market.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO markets (market_id, question, state, winning_outcome, resolution_time, reveal_deadline,
			creator, commit_count, total_committed, yes_pool, no_pool, raw_account, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (market_id) DO UPDATE SET
			question = EXCLUDED.question,
			state = EXCLUDED.state,
			winning_outcome = EXCLUDED.winning_outcome,
			resolution_time = EXCLUDED.resolution_time,
			reveal_deadline = EXCLUDED.reveal_deadline,
			creator = EXCLUDED.creator,
			commit_count = EXCLUDED.commit_count,
			total_committed = EXCLUDED.total_committed,
			yes_pool = EXCLUDED.yes_pool,
			no_pool = EXCLUDED.no_pool,
			raw_account = EXCLUDED.raw_account,
			updated_at = EXCLUDED.updated_at`,
		int64(market.ID), market.Question, market.State.String(), market.WinningOutcome.String(),
		market.ResolutionTime, market.RevealDeadline, market.Creator.String(),
		int64(market.CommitCount), formatUint(market.TotalCommitted),
		formatUint(market.YesPool), formatUint(market.NoPool), raw, time.Now().Unix(),
	)
	return err
}

func UpsertPosition(ctx context.Context, tx *Tx, position *engine.UserPosition) error {
	raw, err := engine.MarshalAccount(position)
	if err != nil {
		return fmt.Errorf("encode position (market %d, user %s): %w", position.MarketID, position.User, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (market_id, user_pubkey, committed_amount, revealed, claimed, yes_bet, no_bet, raw_account, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (market_id, user_pubkey) DO UPDATE SET
			committed_amount = EXCLUDED.committed_amount,
			revealed = EXCLUDED.revealed,
			claimed = EXCLUDED.claimed,
			yes_bet = EXCLUDED.yes_bet,
			no_bet = EXCLUDED.no_bet,
			raw_account = EXCLUDED.raw_account,
			updated_at = EXCLUDED.updated_at`,
		int64(position.MarketID), position.User.String(), formatUint(position.CommittedAmount),
		boolToInt(position.Revealed), boolToInt(position.Claimed),
		formatUint(position.YesBet), formatUint(position.NoBet), raw, time.Now().Unix(),
	)
	return err
}

func UpsertTokenBalance(ctx context.Context, tx *Tx, pubkey solana.PublicKey, amount uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_balances (pubkey, amount, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (pubkey) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at`,
		pubkey.String(), formatUint(amount), time.Now().Unix(),
	)
	return err
}

// SettlementEvent is one row of the append-only settlement log.
type SettlementEvent struct {
	ID         int64  `json:"id"`
	EventType  string `json:"event_type"`
	MarketID   uint64 `json:"market_id"`
	UserPubkey string `json:"user_pubkey"`
	Outcome    string `json:"outcome"`
	Amount     string `json:"amount"`
	RecordedAt int64  `json:"recorded_at"`
}

func InsertSettlementEvent(ctx context.Context, tx *Tx, event SettlementEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settlement_events (event_type, market_id, user_pubkey, outcome, amount, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType, int64(event.MarketID), event.UserPubkey,
		event.Outcome, event.Amount, event.RecordedAt,
	)
	return err
}

func (s *Store) ListSettlementEvents(ctx context.Context, marketID uint64, limit int) ([]SettlementEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, market_id, user_pubkey, outcome, amount, recorded_at
		FROM settlement_events
		WHERE market_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, int64(marketID), limit)
	if err != nil {
		return nil, fmt.Errorf("query settlement events: %w", err)
	}
	defer rows.Close()

	out := make([]SettlementEvent, 0, limit)
	for rows.Next() {
		var event SettlementEvent
		var marketIDRaw int64
		if err := rows.Scan(&event.ID, &event.EventType, &marketIDRaw, &event.UserPubkey, &event.Outcome, &event.Amount, &event.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan settlement event: %w", err)
		}
		event.MarketID = uint64(marketIDRaw)
		out = append(out, event)
	}
	return out, rows.Err()
}

// LoadState reads the persisted snapshot for engine restore. The borsh
// raw_account bytes are the source of truth; the flat columns exist for
// SQL queries only.
func (s *Store) LoadState(ctx context.Context) (*engine.Config, []*engine.Market, []*engine.UserPosition, map[solana.PublicKey]uint64, error) {
	var config *engine.Config
	var rawConfig []byte
	err := s.db.QueryRowContext(ctx, `SELECT raw_account FROM engine_config WHERE id = 1`).Scan(&rawConfig)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	default:
		config, err = engine.ParseConfig(rawConfig)
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}

	markets, err := s.loadMarkets(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	positions, err := s.loadPositions(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	balances, err := s.loadTokenBalances(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return config, markets, positions, balances, nil
}

func (s *Store) loadMarkets(ctx context.Context) ([]*engine.Market, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_account FROM markets ORDER BY market_id`)
	if err != nil {
		return nil, fmt.Errorf("query markets: %w", err)
	}
	defer rows.Close()

	var out []*engine.Market
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		market, err := engine.ParseMarket(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, market)
	}
	return out, rows.Err()
}

func (s *Store) loadPositions(ctx context.Context) ([]*engine.UserPosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_account FROM positions ORDER BY market_id, user_pubkey`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []*engine.UserPosition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		position, err := engine.ParseUserPosition(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, position)
	}
	return out, rows.Err()
}

func (s *Store) loadTokenBalances(ctx context.Context) (map[solana.PublicKey]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pubkey, amount FROM token_balances`)
	if err != nil {
		return nil, fmt.Errorf("query token balances: %w", err)
	}
	defer rows.Close()

	out := make(map[solana.PublicKey]uint64)
	for rows.Next() {
		var pubkeyRaw, amountRaw string
		if err := rows.Scan(&pubkeyRaw, &amountRaw); err != nil {
			return nil, fmt.Errorf("scan token balance: %w", err)
		}
		pubkey, err := solana.PublicKeyFromBase58(pubkeyRaw)
		if err != nil {
			return nil, fmt.Errorf("parse token balance pubkey %q: %w", pubkeyRaw, err)
		}
		amount, err := strconv.ParseUint(amountRaw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse token balance amount %q: %w", amountRaw, err)
		}
		out[pubkey] = amount
	}
	return out, rows.Err()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
