// Package model defines the core domain types shared across the simulator.
// All monetary values use shopspring/decimal — never float64 for money.
// The underlying price path (0–100 probability scale) stays float64: it is
// the output of transcendental math, not cash.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Position statuses.
const (
	PositionOpen    = "OPEN"
	PositionSettled = "SETTLED"
)

// PricePoint is one emitted sample of the synthetic underlying market.
// Immutable once emitted; consumers always receive copies.
type PricePoint struct {
	Index           int       `json:"index" db:"point_index"`
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
	Price           float64   `json:"price" db:"price"` // 0–100, probability × 100
	Movement        float64   `json:"movement" db:"movement"`
	Volume          int       `json:"volume" db:"volume"`
	BidAskSpread    float64   `json:"bid_ask_spread" db:"bid_ask_spread"`
	ResolvedOutcome *bool     `json:"resolved_outcome,omitempty" db:"resolved_outcome"`
}

// OptionQuote is the tradable bid/ask for one strike, recomputed wholesale
// from the latest PricePoint. A quote set is always replaced as a unit,
// never merged strike-by-strike.
type OptionQuote struct {
	Strike decimal.Decimal `json:"strike"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Mid    decimal.Decimal `json:"mid"`
}

// Trade is an immutable record of a trade execution. Once appended these
// are never modified or deleted; position state is derivable by folding
// a (user, strike) key's trades in timestamp order.
type Trade struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
	Side             string          `json:"side" db:"side"` // BUY or SELL
	Strike           decimal.Decimal `json:"strike" db:"strike"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	PricePerContract decimal.Decimal `json:"price_per_contract" db:"price_per_contract"`
	SignedCost       decimal.Decimal `json:"signed_cost" db:"signed_cost"` // +BUY outflow, −SELL inflow
	UnderlyingPrice  float64         `json:"underlying_price" db:"underlying_price"`
}

// User holds a participant's cash account. CurrentCash moves only with
// trade execution and settlement; RealizedPnL is computed once, at
// resolution, as final cash − starting cash.
type User struct {
	ID           string          `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	StartingCash decimal.Decimal `json:"starting_cash" db:"starting_cash"`
	CurrentCash  decimal.Decimal `json:"current_cash" db:"current_cash"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// PositionView is a portfolio snapshot of one (user, strike) holding,
// marked to the current mid quote.
type PositionView struct {
	Strike        decimal.Decimal `json:"strike"`
	Quantity      int64           `json:"quantity"` // signed, positive = long
	AvgCost       decimal.Decimal `json:"avg_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"` // mid
	PositionValue decimal.Decimal `json:"position_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	Status        string          `json:"status"`
}

// Portfolio aggregates a user's open positions, cash, and P&L.
type Portfolio struct {
	UserID             string          `json:"user_id"`
	Username           string          `json:"username"`
	Cash               decimal.Decimal `json:"cash"`
	Positions          []PositionView  `json:"positions"`
	TotalPositionValue decimal.Decimal `json:"total_position_value"`
	TotalValue         decimal.Decimal `json:"total_value"` // cash + positions
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	TotalPnL           decimal.Decimal `json:"total_pnl"` // unrealized + realized
}
