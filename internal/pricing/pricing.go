// Package pricing converts underlying probability snapshots into decaying
// option bid/ask quotes for a binary prediction market.
//
// The quote model:
//
//	decay = exp(-k * elapsed/(total-1))
//	bid   = yes * (1 - strike) * decay
//	ask   = (1 - no) * (1 - strike) * decay
//
// Under the current single-source feed no = 1 - yes, so the ask term
// algebraically reduces to the bid term. The two probability inputs are
// kept distinct on purpose: a future quote source may feed asymmetric
// yes/no probabilities (fee skew), and the formula must not collapse them.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses float64, with results immediately
// converted to decimal.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/predictlab/market-sim/internal/model"
)

var (
	// ErrNoMarketData is returned when no underlying snapshot exists yet.
	// Distinct from a legitimately zero quote.
	ErrNoMarketData = errors.New("pricing: no market data available")

	// ErrInvalidDecayRate is returned when the decay rate k is negative.
	ErrInvalidDecayRate = errors.New("pricing: decay rate must be non-negative")

	// ErrInvalidStrike is returned when the strike is outside (0, 1).
	ErrInvalidStrike = errors.New("pricing: strike must be in (0, 1)")

	// MinFallbackPrice floors the intrinsic-value fallback estimate.
	MinFallbackPrice = decimal.NewFromFloat(0.001)

	// PriceScale is the number of decimal places for quote rounding.
	PriceScale int32 = 8
)

// Snapshot is the probability view of the latest underlying price point.
// YesProb and NoProb are carried separately (see package comment).
// Elapsed/Total index the simulated clock for time decay.
type Snapshot struct {
	YesProb float64
	NoProb  float64
	Elapsed int
	Total   int
}

// SnapshotFromPoint derives a Snapshot from an emitted price point, with
// totalPoints the full length of the simulated run.
func SnapshotFromPoint(p model.PricePoint, totalPoints int) Snapshot {
	yes := p.Price / 100
	return Snapshot{
		YesProb: yes,
		NoProb:  1 - yes,
		Elapsed: p.Index,
		Total:   totalPoints,
	}
}

// Engine prices option quotes with exponential time decay. It is
// stateless — the market snapshot is passed as an argument, not stored.
type Engine struct {
	decayRate float64
}

// NewEngine creates a pricing engine with decay rate k ≥ 0. Higher k
// decays option value faster as simulated time elapses.
func NewEngine(decayRate float64) (*Engine, error) {
	if decayRate < 0 || math.IsNaN(decayRate) {
		return nil, ErrInvalidDecayRate
	}
	return &Engine{decayRate: decayRate}, nil
}

// DecayRate returns the configured decay rate k.
func (e *Engine) DecayRate() float64 {
	return e.decayRate
}

// DecayMultiplier computes exp(-k * elapsed/(total-1)). With a single
// time sample (total ≤ 1) there is no elapsed fraction to take, so the
// multiplier is 1 rather than a division by zero.
func (e *Engine) DecayMultiplier(elapsed, total int) float64 {
	if total <= 1 {
		return 1
	}
	return math.Exp(-e.decayRate * float64(elapsed) / float64(total-1))
}

// Quote prices one strike from the given snapshot.
//
// Returns ErrNoMarketData when the snapshot carries no usable underlying
// probability (NaN), and ErrInvalidStrike for strikes outside (0, 1).
// A non-finite computed price also surfaces as ErrNoMarketData so the
// caller can fall back — it is never silently returned as a zero quote.
func (e *Engine) Quote(snap Snapshot, strike decimal.Decimal) (model.OptionQuote, error) {
	if math.IsNaN(snap.YesProb) || math.IsNaN(snap.NoProb) {
		return model.OptionQuote{}, ErrNoMarketData
	}
	sf := strike.InexactFloat64()
	if sf <= 0 || sf >= 1 {
		return model.OptionQuote{}, ErrInvalidStrike
	}

	decay := e.DecayMultiplier(snap.Elapsed, snap.Total)

	bid := snap.YesProb * (1 - sf) * decay
	ask := (1 - snap.NoProb) * (1 - sf) * decay

	if !isFinite(bid) || !isFinite(ask) {
		return model.OptionQuote{}, ErrNoMarketData
	}
	if bid < 0 {
		bid = 0
	}
	if ask < bid {
		ask = bid
	}

	bd := decimal.NewFromFloat(bid).Round(PriceScale)
	ad := decimal.NewFromFloat(ask).Round(PriceScale)
	two := decimal.NewFromInt(2)

	return model.OptionQuote{
		Strike: strike,
		Bid:    bd,
		Ask:    ad,
		Mid:    bd.Add(ad).Div(two).Round(PriceScale),
	}, nil
}

// FallbackPrice estimates an option price from intrinsic value plus a
// flat time-value term when the computed quote is unusable:
//
//	max(underlying/100 − strike, 0) + 0.05 * (1 − strike)
//
// floored at MinFallbackPrice. The underlying is on the 0–100 scale.
// Callers must report the fallback rather than trade silently at zero.
func FallbackPrice(underlying float64, strike decimal.Decimal) decimal.Decimal {
	u := decimal.NewFromFloat(underlying).Div(decimal.NewFromInt(100))
	intrinsic := u.Sub(strike)
	if intrinsic.IsNegative() {
		intrinsic = decimal.Zero
	}
	timeValue := decimal.NewFromFloat(0.05).Mul(decimal.NewFromInt(1).Sub(strike))
	price := intrinsic.Add(timeValue).Round(PriceScale)
	if price.LessThan(MinFallbackPrice) {
		return MinFallbackPrice
	}
	return price
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
