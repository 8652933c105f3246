package sim_test

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/predictlab/market-sim/internal/model"
	"github.com/predictlab/market-sim/internal/sim"
)

func testConfig(totalPoints int) sim.Config {
	cfg := sim.DefaultConfig()
	cfg.TotalPoints = totalPoints
	cfg.Seed = 42 // deterministic runs
	return cfg
}

func newTestEngine(t *testing.T, cfg sim.Config) *sim.Engine {
	t.Helper()
	e, err := sim.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// countingSink records every point it receives.
type countingSink struct {
	count atomic.Int64
	last  atomic.Value // model.PricePoint
}

func (s *countingSink) OnPrice(p model.PricePoint) {
	s.count.Add(1)
	s.last.Store(p)
}

// panickingSink always panics; used to verify sink isolation.
type panickingSink struct{}

func (panickingSink) OnPrice(model.PricePoint) { panic("boom") }

// --- Config validation ---

func TestConfigValidate(t *testing.T) {
	bad := []sim.Config{
		{TotalPoints: 0, InitialPrice: 50, Volatility: 1, ThresholdFraction: 0.7, TrendStrength: 0.1, MaxMovement: 4},
		{TotalPoints: 100, InitialPrice: 50, Volatility: -1, ThresholdFraction: 0.7, TrendStrength: 0.1, MaxMovement: 4},
		{TotalPoints: 100, InitialPrice: 50, Volatility: 1, ThresholdFraction: 0, TrendStrength: 0.1, MaxMovement: 4},
		{TotalPoints: 100, InitialPrice: 50, Volatility: 1, ThresholdFraction: 1, TrendStrength: 0.1, MaxMovement: 4},
		{TotalPoints: 100, InitialPrice: 50, Volatility: 1, ThresholdFraction: 0.7, TrendStrength: -0.1, MaxMovement: 4},
		{TotalPoints: 100, InitialPrice: 50, Volatility: 1, ThresholdFraction: 0.7, TrendStrength: 0.1, MaxMovement: 0},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("config %d should be rejected", i)
		}
	}
}

func TestConfigValidate_ClampsInitialPrice(t *testing.T) {
	cfg := testConfig(100)
	cfg.InitialPrice = 5
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.InitialPrice != 15 {
		t.Errorf("expected clamp to 15, got %g", cfg.InitialPrice)
	}

	cfg.InitialPrice = 95
	cfg.Validate()
	if cfg.InitialPrice != 85 {
		t.Errorf("expected clamp to 85, got %g", cfg.InitialPrice)
	}
}

// --- Outcome commitment ---

func TestOutcomeCommittedAtConstruction(t *testing.T) {
	e := newTestEngine(t, testConfig(100))

	if e.ResolvedOutcome() && e.TargetPrice() != 95 {
		t.Errorf("YES outcome should target 95, got %g", e.TargetPrice())
	}
	if !e.ResolvedOutcome() && e.TargetPrice() != 5 {
		t.Errorf("NO outcome should target 5, got %g", e.TargetPrice())
	}

	// Same seed, same commitment.
	e2 := newTestEngine(t, testConfig(100))
	if e.ResolvedOutcome() != e2.ResolvedOutcome() {
		t.Error("same seed should commit the same outcome")
	}
}

// --- Manual stepping ---

func TestStep_FirstPointHasZeroMovement(t *testing.T) {
	cfg := testConfig(100)
	e := newTestEngine(t, cfg)

	p, err := e.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if p.Index != 0 {
		t.Errorf("expected index 0, got %d", p.Index)
	}
	if p.Movement != 0 {
		t.Errorf("seed point should have zero movement, got %g", p.Movement)
	}
	if p.Price != cfg.InitialPrice {
		t.Errorf("seed point should be at the initial price, got %g", p.Price)
	}
	if p.Volume < 50 {
		t.Errorf("volume should be at least the base 50, got %d", p.Volume)
	}
	if p.BidAskSpread < 0.1 {
		t.Errorf("spread below floor: %g", p.BidAskSpread)
	}
	if p.ResolvedOutcome == nil {
		t.Error("point should carry the committed outcome")
	}
}

func TestStep_ManualMode(t *testing.T) {
	e := newTestEngine(t, testConfig(100))

	if err := e.Start(0, sim.ModeManual); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.State() != sim.StatePaused {
		t.Fatalf("manual start should leave engine paused, got %s", e.State())
	}

	for i := 0; i < 3; i++ {
		if _, err := e.Step(); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if e.CurrentIndex() != 3 {
		t.Errorf("expected index 3, got %d", e.CurrentIndex())
	}
	if len(e.History()) != 3 {
		t.Errorf("expected 3 history points, got %d", len(e.History()))
	}
}

func TestStep_ExhaustionCompletesRun(t *testing.T) {
	e := newTestEngine(t, testConfig(5))

	var beforeFinal float64
	for i := 0; i < 5; i++ {
		p, err := e.Step()
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		beforeFinal = p.Price
	}

	if _, err := e.Step(); !errors.Is(err, sim.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if e.State() != sim.StateCompleted {
		t.Errorf("expected COMPLETED, got %s", e.State())
	}

	// Terminal adjustment pulls the last point toward the target.
	hist := e.History()
	final := hist[len(hist)-1].Price
	target := e.TargetPrice()
	if math.Abs(target-final) > math.Abs(target-beforeFinal) {
		t.Errorf("final price %g should be nearer target %g than %g", final, target, beforeFinal)
	}
	if final < 2 || final > 98 {
		t.Errorf("adjusted final price out of [2, 98]: %g", final)
	}

	// Completed engines refuse further control.
	if _, err := e.Step(); !errors.Is(err, sim.ErrCompleted) {
		t.Errorf("expected ErrCompleted, got %v", err)
	}
	if err := e.Start(0, sim.ModeAuto); !errors.Is(err, sim.ErrCompleted) {
		t.Errorf("Start after completion: expected ErrCompleted, got %v", err)
	}
}

// --- Bounds ---

func TestPricesStayWithinBounds(t *testing.T) {
	cfg := testConfig(500)
	cfg.Volatility = 3.5 // stress the bounds
	e := newTestEngine(t, cfg)

	threshold := int(float64(cfg.TotalPoints) * cfg.ThresholdFraction)
	for i := 0; i < cfg.TotalPoints; i++ {
		p, err := e.Step()
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if p.Price < 1 || p.Price > 99 {
			t.Fatalf("point %d out of hard bounds: %g", i, p.Price)
		}
		if i > 0 && i < threshold && (p.Price < 5 || p.Price > 95) {
			t.Fatalf("pre-threshold point %d out of [5, 95]: %g", i, p.Price)
		}
		if math.Abs(p.Movement) > cfg.MaxMovement {
			t.Fatalf("point %d movement %g exceeds clamp %g", i, p.Movement, cfg.MaxMovement)
		}
	}
}

func TestTerminalAdjustmentFormula(t *testing.T) {
	cfg := testConfig(400)
	e := newTestEngine(t, cfg)

	var before float64
	for i := 0; i < cfg.TotalPoints; i++ {
		p, err := e.Step()
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		before = p.Price
	}
	e.Step() // trigger finalization

	// Final point moves 40% of the remaining distance, bounded to [2, 98].
	want := before + (e.TargetPrice()-before)*0.4
	want = math.Max(2, math.Min(98, want))
	want = math.Round(want*100) / 100

	hist := e.History()
	final := hist[len(hist)-1].Price
	if math.Abs(final-want) > 0.011 {
		t.Errorf("expected final ≈ %g, got %g (before adjustment %g)", want, final, before)
	}
}

// --- Auto mode lifecycle ---

func TestAutoMode_RunsToCompletion(t *testing.T) {
	e := newTestEngine(t, testConfig(10))

	if err := e.Start(0, sim.ModeAuto); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for e.State() != sim.StateCompleted {
		select {
		case <-deadline:
			t.Fatalf("run did not complete, state=%s index=%d", e.State(), e.CurrentIndex())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := len(e.History()); got != 10 {
		t.Errorf("expected 10 points, got %d", got)
	}
}

func TestAutoMode_StartTwice(t *testing.T) {
	e := newTestEngine(t, testConfig(100))

	if err := e.Start(time.Hour, sim.ModeAuto); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := e.Start(time.Hour, sim.ModeAuto); !errors.Is(err, sim.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestPauseResumeStop(t *testing.T) {
	e := newTestEngine(t, testConfig(100))

	// Long interval: the first point is generated, then the loop waits.
	if err := e.Start(time.Hour, sim.ModeAuto); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := e.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if e.State() != sim.StatePaused {
		t.Errorf("expected PAUSED, got %s", e.State())
	}
	if err := e.Pause(); !errors.Is(err, sim.ErrNotRunning) {
		t.Errorf("double pause: expected ErrNotRunning, got %v", err)
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if e.State() != sim.StateRunning {
		t.Errorf("expected RUNNING, got %s", e.State())
	}
	if err := e.Resume(); !errors.Is(err, sim.ErrNotPaused) {
		t.Errorf("double resume: expected ErrNotPaused, got %v", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.State() != sim.StateStopped {
		t.Errorf("expected STOPPED after partial run, got %s", e.State())
	}

	if err := e.Stop(); !errors.Is(err, sim.ErrNotRunning) {
		t.Errorf("second stop: expected ErrNotRunning, got %v", err)
	}
}

func TestStop_AppliesTerminalAdjustment(t *testing.T) {
	e := newTestEngine(t, testConfig(100))

	e.Start(0, sim.ModeManual)
	for i := 0; i < 20; i++ {
		if _, err := e.Step(); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	before := e.History()[19].Price

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	after := e.History()[19].Price
	target := e.TargetPrice()
	if math.Abs(target-after) > math.Abs(target-before) {
		t.Errorf("stop should pull final price toward target: before=%g after=%g target=%g",
			before, after, target)
	}
}

func TestStop_HaltIsTerminal(t *testing.T) {
	e := newTestEngine(t, testConfig(30))

	e.Start(0, sim.ModeManual)
	for i := 0; i < 5; i++ {
		if _, err := e.Step(); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	adjusted := e.History()[4].Price

	// The halted run must not be restartable: a restart would run to
	// exhaustion without a second terminal adjustment, leaving the last
	// emitted point un-nudged.
	if err := e.Start(0, sim.ModeManual); !errors.Is(err, sim.ErrFinalized) {
		t.Errorf("Start after halt: expected ErrFinalized, got %v", err)
	}
	if err := e.Start(0, sim.ModeAuto); !errors.Is(err, sim.ErrFinalized) {
		t.Errorf("auto Start after halt: expected ErrFinalized, got %v", err)
	}
	if _, err := e.Step(); !errors.Is(err, sim.ErrFinalized) {
		t.Errorf("Step after halt: expected ErrFinalized, got %v", err)
	}

	// History is frozen with the adjustment intact.
	hist := e.History()
	if len(hist) != 5 {
		t.Fatalf("expected history frozen at 5 points, got %d", len(hist))
	}
	if hist[4].Price != adjusted {
		t.Errorf("adjusted final price changed: %g -> %g", adjusted, hist[4].Price)
	}
}

// --- Subscribers ---

func TestSubscribersReceiveEveryPoint(t *testing.T) {
	e := newTestEngine(t, testConfig(100))
	sink := &countingSink{}
	e.Subscribe(sink)

	for i := 0; i < 5; i++ {
		e.Step()
	}
	if got := sink.count.Load(); got != 5 {
		t.Errorf("expected 5 notifications, got %d", got)
	}
	last := sink.last.Load().(model.PricePoint)
	if last.Index != 4 {
		t.Errorf("expected last index 4, got %d", last.Index)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newTestEngine(t, testConfig(100))
	sink := &countingSink{}
	e.Subscribe(sink)

	e.Step()
	e.Unsubscribe(sink)
	e.Step()

	if got := sink.count.Load(); got != 1 {
		t.Errorf("expected 1 notification after unsubscribe, got %d", got)
	}
}

func TestPanickingSinkIsIsolated(t *testing.T) {
	e := newTestEngine(t, testConfig(100))
	after := &countingSink{}
	e.Subscribe(panickingSink{})
	e.Subscribe(after)

	if _, err := e.Step(); err != nil {
		t.Fatalf("Step should survive a panicking sink: %v", err)
	}
	if got := after.count.Load(); got != 1 {
		t.Errorf("later sink should still be notified, got %d", got)
	}
}

// --- History accessors ---

func TestRecentHistory(t *testing.T) {
	e := newTestEngine(t, testConfig(100))
	for i := 0; i < 10; i++ {
		e.Step()
	}

	recent := e.RecentHistory(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 points, got %d", len(recent))
	}
	if recent[0].Index != 7 || recent[2].Index != 9 {
		t.Errorf("unexpected window: [%d, %d]", recent[0].Index, recent[2].Index)
	}

	// Oversized and non-positive requests return everything.
	if got := len(e.RecentHistory(1000)); got != 10 {
		t.Errorf("oversized request: expected 10, got %d", got)
	}
	if got := len(e.RecentHistory(0)); got != 10 {
		t.Errorf("zero request: expected 10, got %d", got)
	}
}

func TestStats(t *testing.T) {
	e := newTestEngine(t, testConfig(200))
	for i := 0; i < 50; i++ {
		e.Step()
	}

	stats := e.Stats()
	if stats.CurrentIndex != 50 {
		t.Errorf("expected index 50, got %d", stats.CurrentIndex)
	}
	if stats.ProgressPercent != 25 {
		t.Errorf("expected 25%% progress, got %g", stats.ProgressPercent)
	}
	if stats.IsTrending {
		t.Error("should not be trending at 25% of the run")
	}
	if stats.TargetPrice != e.TargetPrice() {
		t.Errorf("stats target mismatch: %g", stats.TargetPrice)
	}
}
