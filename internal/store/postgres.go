package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-sim/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT UNIQUE NOT NULL,
			starting_cash NUMERIC NOT NULL,
			current_cash  NUMERIC NOT NULL,
			realized_pnl  NUMERIC NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS trades (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL REFERENCES users(id),
			timestamp          TIMESTAMPTZ NOT NULL,
			side               TEXT NOT NULL,
			strike             NUMERIC NOT NULL,
			quantity           BIGINT NOT NULL,
			price_per_contract NUMERIC NOT NULL,
			signed_cost        NUMERIC NOT NULL,
			underlying_price   DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_user ON trades (user_id, timestamp);
	`)
	return err
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, starting_cash, current_cash, realized_pnl, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET current_cash = EXCLUDED.current_cash,
		     realized_pnl = EXCLUDED.realized_pnl`,
		u.ID, u.Username,
		u.StartingCash.String(), u.CurrentCash.String(), u.RealizedPnL.String(),
		u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	var starting, current, realized string

	err := s.pool.QueryRow(ctx,
		`SELECT id, username,
		        starting_cash::TEXT, current_cash::TEXT, realized_pnl::TEXT,
		        created_at
		 FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &starting, &current, &realized, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}

	u.StartingCash, _ = decimal.NewFromString(starting)
	u.CurrentCash, _ = decimal.NewFromString(current)
	u.RealizedPnL, _ = decimal.NewFromString(realized)

	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username,
		        starting_cash::TEXT, current_cash::TEXT, realized_pnl::TEXT,
		        created_at
		 FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var starting, current, realized string
		if err := rows.Scan(&u.ID, &u.Username, &starting, &current, &realized, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.StartingCash, _ = decimal.NewFromString(starting)
		u.CurrentCash, _ = decimal.NewFromString(current)
		u.RealizedPnL, _ = decimal.NewFromString(realized)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUserCash(ctx context.Context, userID string, cash, realizedPnL decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET current_cash = $2::NUMERIC, realized_pnl = $3::NUMERIC WHERE id = $1`,
		userID, cash.String(), realizedPnL.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, timestamp, side, strike, quantity,
		                     price_per_contract, signed_cost, underlying_price)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.UserID, t.Timestamp, t.Side,
		t.Strike.String(), t.Quantity,
		t.PricePerContract.String(), t.SignedCost.String(),
		t.UnderlyingPrice,
	)
	return err
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, timestamp, side,
		        strike::TEXT, quantity, price_per_contract::TEXT, signed_cost::TEXT,
		        underlying_price
		 FROM trades WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var strike, price, cost string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Timestamp, &t.Side,
			&strike, &t.Quantity, &price, &cost, &t.UnderlyingPrice); err != nil {
			return nil, err
		}
		t.Strike, _ = decimal.NewFromString(strike)
		t.PricePerContract, _ = decimal.NewFromString(price)
		t.SignedCost, _ = decimal.NewFromString(cost)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
