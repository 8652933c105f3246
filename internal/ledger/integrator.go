package ledger

import (
	"log/slog"
	"sync/atomic"

	"github.com/predictlab/market-sim/internal/model"
)

// Integrator bridges the price generator to the ledger: every generated
// point becomes a market update that reprices the option chain.
type Integrator struct {
	ledger  *Ledger
	updates atomic.Int64
}

// NewIntegrator wires l to a generator run of totalPoints steps so that
// quote decay tracks elapsed simulated time.
func NewIntegrator(l *Ledger, totalPoints int) *Integrator {
	l.SetTotalPoints(totalPoints)
	return &Integrator{ledger: l}
}

// OnPrice implements sim.PriceSink.
func (in *Integrator) OnPrice(p model.PricePoint) {
	in.ledger.UpdateMarket(p)
	if n := in.updates.Add(1); n%25 == 0 {
		slog.Info("market repriced", "updates", n, "index", p.Index, "price", p.Price)
	}
}

// Updates returns the number of price points applied so far.
func (in *Integrator) Updates() int64 {
	return in.updates.Load()
}
