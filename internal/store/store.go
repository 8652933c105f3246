// Package store defines the persistence interface for the trade ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The ledger reconstructs all in-memory User and Position state at startup
// by replaying each user's trades in timestamp order, so the store only
// needs user rows and the append-only trade log.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-sim/internal/model"
)

// ErrNotFound is returned when a requested user does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Writes are bounded-failure: an
// implementation returns an error rather than retrying forever, so the
// ledger can roll back and surface a failed trade.
type Store interface {
	// --- Users ---

	// UpsertUser creates or replaces a user row.
	UpsertUser(ctx context.Context, u *model.User) error

	// GetUserByUsername retrieves a user by unique username.
	// Returns ErrNotFound when absent.
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	// ListUsers returns all users.
	ListUsers(ctx context.Context) ([]model.User, error)

	// UpdateUserCash persists a user's cash balance and realized P&L.
	UpdateUserCash(ctx context.Context, userID string, cash, realizedPnL decimal.Decimal) error

	// --- Immutable trade log ---

	// AppendTrade appends an immutable trade record.
	AppendTrade(ctx context.Context, t *model.Trade) error

	// TradesByUser returns a user's trades ordered by timestamp.
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)
}
