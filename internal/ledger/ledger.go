// Package ledger owns user cash accounts, the append-only trade log, and
// per-(user, strike) positions for the synthetic option market. It prices
// trades from a cached quote set that is replaced wholesale on every
// underlying price update, and settles all open positions when the market
// resolves.
//
// A single mutex serializes trade execution, quote replacement, and
// settlement (single-instance scale); business-rule rejections are
// ordinary (ok=false, reason) results, never errors.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-sim/internal/metrics"
	"github.com/predictlab/market-sim/internal/model"
	"github.com/predictlab/market-sim/internal/pricing"
	"github.com/predictlab/market-sim/internal/store"
)

// DefaultStrikes is the fixed strike list quoted on every update.
func DefaultStrikes() []decimal.Decimal {
	raw := []float64{0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	strikes := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		strikes[i] = decimal.NewFromFloat(s)
	}
	return strikes
}

// Config holds the ledger's trading parameters.
type Config struct {
	Strikes             []decimal.Decimal
	DecayRate           float64         // option time-decay rate k
	MaxPositionFraction decimal.Decimal // cash fraction allowed in one strike
	MinLiquidity        int64           // floor of the position limit
	StartingCash        decimal.Decimal // default account funding
	PersistTimeout      time.Duration   // bound on durable-write latency
}

// DefaultConfig mirrors the stock trading parameters.
func DefaultConfig() Config {
	return Config{
		Strikes:             DefaultStrikes(),
		DecayRate:           1.5,
		MaxPositionFraction: decimal.NewFromFloat(0.2),
		MinLiquidity:        10,
		StartingCash:        decimal.NewFromInt(15000),
		PersistTimeout:      5 * time.Second,
	}
}

// position is the fold of one (user, strike) key's trade log. netQty and
// costBasis are never mutated independently of the trades slice — refold
// reconstructs them exactly, which is also how rollback works.
type position struct {
	strike     decimal.Decimal
	netQty     int64
	costBasis  decimal.Decimal
	status     string
	settlement decimal.Decimal
	trades     []model.Trade
}

func newPosition(strike decimal.Decimal) *position {
	return &position{strike: strike, status: model.PositionOpen}
}

func (p *position) applyTrade(t model.Trade) {
	p.trades = append(p.trades, t)
	if t.Side == model.SideBuy {
		p.netQty += t.Quantity
	} else {
		p.netQty -= t.Quantity
	}
	p.costBasis = p.costBasis.Add(t.SignedCost)
}

// dropLastTrade removes the most recent trade and refolds the position.
func (p *position) dropLastTrade() {
	if len(p.trades) == 0 {
		return
	}
	p.trades = p.trades[:len(p.trades)-1]
	p.netQty = 0
	p.costBasis = decimal.Zero
	for _, t := range p.trades {
		if t.Side == model.SideBuy {
			p.netQty += t.Quantity
		} else {
			p.netQty -= t.Quantity
		}
		p.costBasis = p.costBasis.Add(t.SignedCost)
	}
}

// settle pays out the call-option payoff max(final/100 − strike, 0) per
// contract. Settling an already-settled position is a no-op returning the
// stored value.
func (p *position) settle(finalPrice float64) decimal.Decimal {
	if p.status != model.PositionOpen {
		return p.settlement
	}
	finalProb := decimal.NewFromFloat(finalPrice).Div(decimal.NewFromInt(100))
	payoff := finalProb.Sub(p.strike)
	if payoff.IsNegative() {
		payoff = decimal.Zero
	}
	p.settlement = decimal.NewFromInt(p.netQty).Mul(payoff)
	p.status = model.PositionSettled
	return p.settlement
}

// quoteSet is a complete, immutable snapshot of quotes for all strikes,
// derived from one underlying price point. Replaced as a unit, never
// mutated strike-by-strike.
type quoteSet struct {
	underlying float64
	index      int
	quotes     map[string]model.OptionQuote // keyed by strike.String()
}

// Ledger is the portfolio ledger. It exclusively owns User and position
// state; Trade records are immutable facts once appended.
type Ledger struct {
	cfg    Config
	st     store.Store
	pricer *pricing.Engine

	mu          sync.Mutex
	users       map[string]*model.User         // id → user
	byName      map[string]string              // username → id
	positions   map[string]map[string]*position // userID → strike key → position
	quotes      *quoteSet
	totalPoints int
	resolved    bool
	finalPrice  float64
}

// New creates a ledger backed by st and reconstructs all user and
// position state by replaying each user's stored trades in timestamp
// order.
func New(ctx context.Context, cfg Config, st store.Store) (*Ledger, error) {
	pricer, err := pricing.NewEngine(cfg.DecayRate)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:       cfg,
		st:        st,
		pricer:    pricer,
		users:     make(map[string]*model.User),
		byName:    make(map[string]string),
		positions: make(map[string]map[string]*position),
	}
	if err := l.replay(ctx); err != nil {
		return nil, fmt.Errorf("ledger: replay stored state: %w", err)
	}
	return l, nil
}

// replay loads users and rebuilds positions from the trade log.
func (l *Ledger) replay(ctx context.Context) error {
	users, err := l.st.ListUsers(ctx)
	if err != nil {
		return err
	}
	for i := range users {
		u := users[i]
		l.users[u.ID] = &u
		l.byName[u.Username] = u.ID
		l.positions[u.ID] = make(map[string]*position)

		trades, err := l.st.TradesByUser(ctx, u.ID)
		if err != nil {
			return err
		}
		for _, t := range trades {
			key := t.Strike.String()
			pos, ok := l.positions[u.ID][key]
			if !ok {
				pos = newPosition(t.Strike)
				l.positions[u.ID][key] = pos
			}
			pos.applyTrade(t)
		}
	}
	if len(users) > 0 {
		slog.Info("ledger state reconstructed", "users", len(users))
	}
	return nil
}

// SetTotalPoints configures the simulated run length used for quote time
// decay. Zero (the default) disables decay: with no known horizon every
// update is priced as a single time sample.
func (l *Ledger) SetTotalPoints(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalPoints = n
}

// CreateUser provisions a funded account. Idempotent by username: an
// existing username returns the existing user's ID.
func (l *Ledger) CreateUser(ctx context.Context, username string, startingCash decimal.Decimal) (string, error) {
	if username == "" {
		return "", fmt.Errorf("ledger: username must not be empty")
	}
	if startingCash.LessThanOrEqual(decimal.Zero) {
		startingCash = l.cfg.StartingCash
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.byName[username]; ok {
		slog.Info("user already exists, reusing account", "username", username, "user_id", id)
		return id, nil
	}

	pctx, cancel := context.WithTimeout(ctx, l.cfg.PersistTimeout)
	defer cancel()

	// The store may hold an account this ledger has not seen (written
	// after startup replay). Adopt it rather than creating a duplicate.
	if existing, err := l.st.GetUserByUsername(pctx, username); err == nil {
		return l.adoptUser(pctx, existing)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("ledger: look up user %s: %w", username, err)
	}

	u := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		StartingCash: startingCash,
		CurrentCash:  startingCash,
		RealizedPnL:  decimal.Zero,
		CreatedAt:    time.Now().UTC(),
	}

	if err := l.st.UpsertUser(pctx, u); err != nil {
		return "", fmt.Errorf("ledger: persist user: %w", err)
	}

	l.users[u.ID] = u
	l.byName[username] = u.ID
	l.positions[u.ID] = make(map[string]*position)

	slog.Info("user created", "username", username, "user_id", u.ID, "starting_cash", startingCash.String())
	return u.ID, nil
}

// adoptUser folds a store-resident account into the ledger, replaying
// its trade log so positions match. Caller must hold l.mu.
func (l *Ledger) adoptUser(ctx context.Context, u *model.User) (string, error) {
	trades, err := l.st.TradesByUser(ctx, u.ID)
	if err != nil {
		return "", fmt.Errorf("ledger: replay adopted user %s: %w", u.Username, err)
	}

	l.users[u.ID] = u
	l.byName[u.Username] = u.ID
	l.positions[u.ID] = make(map[string]*position)
	for _, t := range trades {
		key := t.Strike.String()
		pos, ok := l.positions[u.ID][key]
		if !ok {
			pos = newPosition(t.Strike)
			l.positions[u.ID][key] = pos
		}
		pos.applyTrade(t)
	}

	slog.Info("user adopted from store", "username", u.Username, "user_id", u.ID, "trades", len(trades))
	return u.ID, nil
}

// UpdateMarket recomputes the full quote set for the fixed strike list
// from the latest underlying price point and swaps it in atomically.
// A strike whose computed price is non-finite falls back to the
// intrinsic-value estimate and is reported — never silently zero.
func (l *Ledger) UpdateMarket(p model.PricePoint) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := pricing.SnapshotFromPoint(p, l.totalPoints)
	quotes := make(map[string]model.OptionQuote, len(l.cfg.Strikes))

	for _, strike := range l.cfg.Strikes {
		q, err := l.pricer.Quote(snap, strike)
		if err != nil {
			fallback := pricing.FallbackPrice(p.Price, strike)
			metrics.PricingFallbacks.Inc()
			slog.Warn("quote unavailable, using intrinsic fallback",
				"strike", strike.String(), "price", fallback.String(), "err", err)
			q = model.OptionQuote{Strike: strike, Bid: fallback, Ask: fallback, Mid: fallback}
		}
		quotes[strike.String()] = q
	}

	// Wholesale replacement: readers always see a complete set.
	l.quotes = &quoteSet{underlying: p.Price, index: p.Index, quotes: quotes}
}

// quoteFor returns the cached quote for a strike. Caller must hold l.mu.
func (l *Ledger) quoteFor(strike decimal.Decimal) (model.OptionQuote, error) {
	if l.quotes == nil {
		return model.OptionQuote{}, pricing.ErrNoMarketData
	}
	q, ok := l.quotes.quotes[strike.String()]
	if !ok {
		return model.OptionQuote{}, fmt.Errorf("ledger: strike %s not available", strike.String())
	}
	return q, nil
}

// PositionLimit computes the maximum contracts a user may hold in one
// strike: max(MinLiquidity, floor(cash × MaxPositionFraction / ask)).
// A zero ask contributes nothing from the cash term.
func (l *Ledger) PositionLimit(userID string, strike decimal.Decimal) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		return 0, fmt.Errorf("ledger: user %s: %w", userID, store.ErrNotFound)
	}
	return l.positionLimit(u, strike)
}

func (l *Ledger) positionLimit(u *model.User, strike decimal.Decimal) (int64, error) {
	q, err := l.quoteFor(strike)
	if err != nil {
		return 0, err
	}

	var maxByCash int64
	if q.Ask.IsPositive() {
		maxByCash = u.CurrentCash.Mul(l.cfg.MaxPositionFraction).Div(q.Ask).IntPart()
	}
	if maxByCash < l.cfg.MinLiquidity {
		return l.cfg.MinLiquidity, nil
	}
	return maxByCash, nil
}

// TradeResult reports the outcome of an execution attempt. Rejections
// carry a human-readable reason and OK=false; Trade is set on success.
type TradeResult struct {
	OK     bool         `json:"ok"`
	Reason string       `json:"reason"`
	Trade  *model.Trade `json:"trade,omitempty"`
}

func reject(reasonClass, format string, args ...any) TradeResult {
	metrics.TradeRejections.WithLabelValues(reasonClass).Inc()
	return TradeResult{OK: false, Reason: fmt.Sprintf(format, args...)}
}

// ExecuteTrade validates and applies one trade atomically against the
// current quote set. Validation order: user exists, market not resolved,
// quantity positive, quote exists; BUY additionally checks the position
// limit and cash solvency, SELL checks owned contracts (no naked shorts).
//
// On success the trade is appended, cash moved, and the position folded,
// then persisted; a persistence failure rolls the in-memory mutation back
// completely and surfaces as a failed trade.
func (l *Ledger) ExecuteTrade(ctx context.Context, userID string, strike decimal.Decimal, quantity int64, side string) TradeResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		return reject("user_not_found", "User not found")
	}
	if l.resolved {
		return reject("market_resolved", "Market has already resolved - no more trading allowed")
	}
	if quantity <= 0 {
		return reject("invalid_quantity", "Quantity must be positive")
	}
	if side != model.SideBuy && side != model.SideSell {
		return reject("invalid_side", "Side must be BUY or SELL")
	}
	if l.quotes == nil {
		return reject("no_market_data", "No market data available for trading")
	}
	quote, err := l.quoteFor(strike)
	if err != nil {
		return reject("strike_unavailable", "Strike %s not available", strike.String())
	}

	key := strike.String()
	pos := l.positions[userID][key]

	var price decimal.Decimal
	if side == model.SideBuy {
		limit, err := l.positionLimit(u, strike)
		if err != nil {
			return reject("no_market_data", "Error calculating position limit: %v", err)
		}
		var held int64
		if pos != nil {
			held = pos.netQty
		}
		if held+quantity > limit {
			return reject("position_limit", "Would exceed position limit of %d contracts", limit)
		}
		price = quote.Ask
	} else {
		var held int64
		if pos != nil {
			held = pos.netQty
		}
		if quantity > held {
			return reject("insufficient_contracts", "Cannot sell %d contracts, only own %d", quantity, held)
		}
		price = quote.Bid
	}

	if price.LessThanOrEqual(decimal.Zero) {
		return reject("invalid_price", "Invalid option price: %s", price.String())
	}

	gross := price.Mul(decimal.NewFromInt(quantity))
	signedCost := gross
	if side == model.SideSell {
		signedCost = gross.Neg()
	}

	if side == model.SideBuy && u.CurrentCash.LessThan(gross) {
		return reject("insufficient_cash", "Insufficient cash. Need $%s, have $%s",
			gross.StringFixed(2), u.CurrentCash.StringFixed(2))
	}

	trade := model.Trade{
		ID:               uuid.New().String(),
		UserID:           userID,
		Timestamp:        time.Now().UTC(),
		Side:             side,
		Strike:           strike,
		Quantity:         quantity,
		PricePerContract: price,
		SignedCost:       signedCost,
		UnderlyingPrice:  l.quotes.underlying,
	}

	// Apply in memory.
	cashBefore := u.CurrentCash
	u.CurrentCash = u.CurrentCash.Sub(signedCost)
	if pos == nil {
		pos = newPosition(strike)
		l.positions[userID][key] = pos
	}
	pos.applyTrade(trade)

	// Persist atomically; a failure rolls everything back.
	pctx, cancel := context.WithTimeout(ctx, l.cfg.PersistTimeout)
	defer cancel()
	if err := l.persistTrade(pctx, u, &trade); err != nil {
		u.CurrentCash = cashBefore
		pos.dropLastTrade()
		slog.Error("trade persistence failed, rolled back",
			"user_id", userID, "strike", key, "err", err)
		return reject("persistence", "Trade could not be saved: %v", err)
	}

	metrics.TradesTotal.WithLabelValues(side).Inc()
	slog.Info("trade executed",
		"trade_id", trade.ID,
		"user_id", userID,
		"side", side,
		"strike", key,
		"quantity", quantity,
		"price", price.String(),
		"cost", signedCost.String(),
	)
	return TradeResult{OK: true, Reason: "Trade executed successfully", Trade: &trade}
}

func (l *Ledger) persistTrade(ctx context.Context, u *model.User, t *model.Trade) error {
	if err := l.st.AppendTrade(ctx, t); err != nil {
		return err
	}
	return l.st.UpdateUserCash(ctx, u.ID, u.CurrentCash, u.RealizedPnL)
}

// GetQuotes returns the current quote set ordered by strike, or
// ErrNoMarketData before the first update.
func (l *Ledger) GetQuotes() ([]model.OptionQuote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quotes == nil {
		return nil, pricing.ErrNoMarketData
	}
	out := make([]model.OptionQuote, 0, len(l.quotes.quotes))
	for _, q := range l.quotes.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike.LessThan(out[j].Strike) })
	return out, nil
}

// GetQuote returns the current quote for one strike.
func (l *Ledger) GetQuote(strike decimal.Decimal) (model.OptionQuote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quoteFor(strike)
}

// GetPortfolio marks every nonzero position to the current mid quote and
// aggregates cash, position value, and P&L.
func (l *Ledger) GetPortfolio(userID string) (model.Portfolio, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		return model.Portfolio{}, fmt.Errorf("ledger: user %s: %w", userID, store.ErrNotFound)
	}

	p := model.Portfolio{
		UserID:             u.ID,
		Username:           u.Username,
		Cash:               u.CurrentCash,
		TotalPositionValue: decimal.Zero,
		UnrealizedPnL:      decimal.Zero,
		RealizedPnL:        u.RealizedPnL,
	}

	keys := make([]string, 0, len(l.positions[userID]))
	for key := range l.positions[userID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		pos := l.positions[userID][key]
		if pos.netQty == 0 {
			continue
		}
		quote, err := l.quoteFor(pos.strike)
		if err != nil {
			return model.Portfolio{}, err
		}

		qty := decimal.NewFromInt(pos.netQty)
		value := qty.Mul(quote.Mid)
		unrealized := decimal.Zero
		if pos.status == model.PositionOpen {
			unrealized = value.Sub(pos.costBasis)
		}
		avgCost := decimal.Zero
		if pos.netQty != 0 {
			avgCost = pos.costBasis.Div(qty.Abs())
		}

		p.Positions = append(p.Positions, model.PositionView{
			Strike:        pos.strike,
			Quantity:      pos.netQty,
			AvgCost:       avgCost,
			CurrentPrice:  quote.Mid,
			PositionValue: value,
			UnrealizedPnL: unrealized,
			CostBasis:     pos.costBasis,
			Status:        pos.status,
		})
		p.TotalPositionValue = p.TotalPositionValue.Add(value)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(unrealized)
	}

	p.TotalValue = p.Cash.Add(p.TotalPositionValue)
	p.TotalPnL = p.UnrealizedPnL.Add(p.RealizedPnL)
	return p, nil
}

// ResolveMarket settles every open nonzero position at the call-option
// payoff for finalPrice (0–100 scale), credits settlements to cash, and
// fixes each user's realized P&L as final cash − starting cash. The
// transition happens once; repeated calls are no-ops. After resolution
// ExecuteTrade rejects all requests.
func (l *Ledger) ResolveMarket(ctx context.Context, finalPrice float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.resolved {
		return nil
	}
	l.resolved = true
	l.finalPrice = finalPrice
	slog.Info("market resolving", "final_price", finalPrice)

	userIDs := make([]string, 0, len(l.users))
	for id := range l.users {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	for _, id := range userIDs {
		u := l.users[id]
		for _, pos := range l.positions[id] {
			if pos.netQty == 0 || pos.status != model.PositionOpen {
				continue
			}
			settlement := pos.settle(finalPrice)
			u.CurrentCash = u.CurrentCash.Add(settlement)
			metrics.SettlementsTotal.Inc()
			slog.Info("position settled",
				"user_id", id,
				"strike", pos.strike.String(),
				"quantity", pos.netQty,
				"settlement", settlement.String(),
			)
		}
		u.RealizedPnL = u.CurrentCash.Sub(u.StartingCash)

		pctx, cancel := context.WithTimeout(ctx, l.cfg.PersistTimeout)
		err := l.st.UpdateUserCash(pctx, id, u.CurrentCash, u.RealizedPnL)
		cancel()
		if err != nil {
			slog.Error("settlement persistence failed", "user_id", id, "err", err)
		}
	}
	return nil
}

// Resolved reports whether the market has resolved, and at what price.
func (l *Ledger) Resolved() (bool, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolved, l.finalPrice
}

// Underlying returns the underlying price backing the current quote set.
func (l *Ledger) Underlying() (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quotes == nil {
		return 0, pricing.ErrNoMarketData
	}
	return l.quotes.underlying, nil
}
