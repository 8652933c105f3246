package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-sim/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertUser(ctx context.Context, u *model.User) error {
	if err := s.primary.UpsertUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) UpdateUserCash(ctx context.Context, userID string, cash, realizedPnL decimal.Decimal) error {
	if err := s.primary.UpdateUserCash(ctx, userID, cash, realizedPnL); err != nil {
		return err
	}
	// Invalidate the cached user row via the reverse id→username key;
	// the next read re-populates from the primary.
	if username, err := s.rdb.Get(ctx, userIDKey(userID)).Result(); err == nil {
		s.rdb.Del(ctx, usernameKey(username))
	}
	s.rdb.Del(ctx, userTradesKey(userID))
	return nil
}

func (s *CachedStore) AppendTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.AppendTrade(ctx, t); err != nil {
		return err
	}
	// Invalidate the trade log for this user.
	s.rdb.Del(ctx, userTradesKey(t.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, usernameKey(username)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	// Cache miss: read from primary.
	u, err := s.primary.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	data, err := s.rdb.Get(ctx, userTradesKey(userID)).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	// Cache miss.
	trades, err := s.primary.TradesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, userTradesKey(userID), data, s.ttl)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, usernameKey(u.Username), data, s.ttl)
	}
	// Reverse mapping so ID-keyed writes can invalidate the username entry.
	s.rdb.Set(ctx, userIDKey(u.ID), u.Username, s.ttl)
}

func usernameKey(username string) string { return fmt.Sprintf("user:name:%s", username) }
func userIDKey(userID string) string     { return fmt.Sprintf("user:id:%s", userID) }
func userTradesKey(userID string) string { return fmt.Sprintf("trades:%s", userID) }
