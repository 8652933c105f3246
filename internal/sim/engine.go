// Package sim implements the synthetic prediction-market price process:
// a bounded random walk with momentum that, past a configured threshold,
// trends toward a pre-committed binary resolution target.
//
// The engine is a single-producer state machine
// (STOPPED → RUNNING ⇄ PAUSED → COMPLETED). In auto mode one dedicated
// goroutine generates points on a timer; control calls (Start/Stop/Pause/
// Resume) are safe from any goroutine, and Stop joins the loop — the
// terminal price adjustment is guaranteed complete before Stop returns.
//
// Subscribers are notified synchronously, in registration order, outside
// the engine lock; a panicking subscriber is isolated and reported, never
// aborting price generation.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/predictlab/market-sim/internal/metrics"
	"github.com/predictlab/market-sim/internal/model"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped   State = "STOPPED"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
)

// Mode selects how points are produced after Start.
type Mode string

const (
	// ModeAuto runs a background loop generating a point per interval.
	ModeAuto Mode = "auto"
	// ModeManual leaves the engine paused, awaiting explicit Step calls.
	ModeManual Mode = "manual"
)

var (
	// ErrAlreadyRunning is returned by Start when the engine is running
	// or paused.
	ErrAlreadyRunning = errors.New("sim: simulation already running")

	// ErrNotRunning is returned by Stop/Pause when there is nothing to
	// stop or pause.
	ErrNotRunning = errors.New("sim: simulation not running")

	// ErrNotPaused is returned by Resume when the engine is not paused.
	ErrNotPaused = errors.New("sim: simulation not paused")

	// ErrCompleted is returned when the run has already completed.
	ErrCompleted = errors.New("sim: simulation completed")

	// ErrFinalized is returned by Start/Step once a run has been halted
	// and finalized. The terminal adjustment has been applied and the
	// recorder closed; a halted run cannot be restarted.
	ErrFinalized = errors.New("sim: run already finalized")

	// ErrExhausted signals that all points have been generated.
	ErrExhausted = errors.New("sim: no more data points")
)

// pausePoll is how often the auto loop re-checks a paused engine.
// Also bounds how quickly a paused loop observes cancellation.
const pausePoll = 100 * time.Millisecond

// stepInterval is the simulated time between consecutive points.
const stepInterval = 5 * time.Minute

// PriceSink receives each emitted price point. Implementations must be
// fast and non-blocking; they run synchronously inside the producer's
// step. Register comparable values (pointers) so Unsubscribe can match.
type PriceSink interface {
	OnPrice(p model.PricePoint)
}

// Config holds the price-process parameters. Validate before use.
type Config struct {
	TotalPoints       int     // number of points to generate, > 0
	InitialPrice      float64 // clamped to [15, 85]
	Volatility        float64 // std dev of the random component, ≥ 0
	ThresholdFraction float64 // fraction of the run where trending begins, in (0, 1)
	TrendStrength     float64 // pull toward the resolution target, ≥ 0
	MaxMovement       float64 // per-step movement clamp, > 0
	Seed              int64   // RNG seed; 0 means time-derived
}

// DefaultConfig mirrors the stock simulation parameters.
func DefaultConfig() Config {
	return Config{
		TotalPoints:       1500,
		InitialPrice:      50,
		Volatility:        1.8,
		ThresholdFraction: 0.7,
		TrendStrength:     0.08,
		MaxMovement:       4.0,
	}
}

// Validate checks parameter ranges and clamps InitialPrice to [15, 85].
func (c *Config) Validate() error {
	if c.TotalPoints <= 0 {
		return fmt.Errorf("sim: total points must be positive, got %d", c.TotalPoints)
	}
	if c.Volatility < 0 || math.IsNaN(c.Volatility) {
		return fmt.Errorf("sim: volatility must be non-negative, got %g", c.Volatility)
	}
	if c.ThresholdFraction <= 0 || c.ThresholdFraction >= 1 {
		return fmt.Errorf("sim: threshold fraction must be in (0, 1), got %g", c.ThresholdFraction)
	}
	if c.TrendStrength < 0 || math.IsNaN(c.TrendStrength) {
		return fmt.Errorf("sim: trend strength must be non-negative, got %g", c.TrendStrength)
	}
	if c.MaxMovement <= 0 || math.IsNaN(c.MaxMovement) {
		return fmt.Errorf("sim: max movement must be positive, got %g", c.MaxMovement)
	}
	c.InitialPrice = math.Max(15, math.Min(85, c.InitialPrice))
	return nil
}

// Engine owns the price-process state and point history. Consumers
// receive copies of emitted points, never shared mutable state.
type Engine struct {
	cfg       Config
	threshold int // index where the trend phase begins

	// Committed at construction, before any point is generated,
	// immutable for the engine's lifetime.
	resolvedYes bool
	target      float64

	mu           sync.Mutex
	state        State
	index        int
	price        float64
	prevMovement float64
	history      []model.PricePoint
	sinks        []PriceSink
	startTime    time.Time
	interval     time.Duration
	finalized    bool
	rec          *Recorder
	rng          *rand.Rand

	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewEngine validates cfg, draws the binary resolution outcome, and fixes
// the target price (95 for YES, 5 for NO) for the engine's lifetime.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	e := &Engine{
		cfg:         cfg,
		threshold:   int(float64(cfg.TotalPoints) * cfg.ThresholdFraction),
		resolvedYes: rng.Intn(2) == 1,
		state:       StateStopped,
		price:       cfg.InitialPrice,
		startTime:   time.Now(),
		rng:         rng,
	}
	if e.resolvedYes {
		e.target = 95
	} else {
		e.target = 5
	}

	slog.Info("simulation engine initialized",
		"total_points", cfg.TotalPoints,
		"initial_price", cfg.InitialPrice,
		"threshold_index", e.threshold,
		"resolves_yes", e.resolvedYes,
	)
	return e, nil
}

// ResolvedOutcome reports the pre-committed binary resolution.
func (e *Engine) ResolvedOutcome() bool { return e.resolvedYes }

// TargetPrice returns the committed terminal target (95 or 5).
func (e *Engine) TargetPrice() float64 { return e.target }

// TotalPoints returns the configured run length.
func (e *Engine) TotalPoints() int { return e.cfg.TotalPoints }

// AttachRecorder sets the CSV recorder for this run. Must be called
// before Start; the recorder is closed exactly once when the run ends.
func (e *Engine) AttachRecorder(rec *Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec = rec
}

// Subscribe registers a sink. Sinks are notified synchronously and in
// registration order for every emitted point.
func (e *Engine) Subscribe(sink PriceSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Unsubscribe removes a previously registered sink (matched by equality).
func (e *Engine) Unsubscribe(sink PriceSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.sinks {
		if s == sink {
			e.sinks = append(e.sinks[:i], e.sinks[i+1:]...)
			return
		}
	}
}

// Start begins the run. In auto mode a background loop generates a point
// every interval until stopped or completed; in manual mode the engine
// is left PAUSED awaiting Step calls.
func (e *Engine) Start(interval time.Duration, mode Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRunning, StatePaused:
		return ErrAlreadyRunning
	case StateCompleted:
		return ErrCompleted
	}
	if e.finalized {
		return ErrFinalized
	}

	e.interval = interval
	if mode == ModeManual {
		e.state = StatePaused
		slog.Info("simulation started in manual mode")
		return nil
	}

	e.state = StateRunning
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	go e.runLoop(ctx, e.loopDone)

	slog.Info("simulation started in auto mode", "interval", interval)
	return nil
}

// runLoop is the single producer. It owns point generation until the run
// ends; the terminal adjustment happens before done is closed so that
// Stop's join observes a fully finalized run.
func (e *Engine) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		e.mu.Lock()
		if e.state == StatePaused {
			e.mu.Unlock()
			select {
			case <-ctx.Done():
				e.endRun()
				return
			case <-time.After(pausePoll):
			}
			continue
		}

		point, err := e.generateNext()
		if err != nil {
			e.mu.Unlock()
			e.endRun()
			return
		}
		sinks := append([]PriceSink(nil), e.sinks...)
		e.mu.Unlock()

		e.notify(sinks, point)

		select {
		case <-ctx.Done():
			e.endRun()
			return
		case <-time.After(e.interval):
		}
	}
}

// endRun finalizes the run and records the terminal state.
func (e *Engine) endRun() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalize()
	if e.index >= e.cfg.TotalPoints {
		e.state = StateCompleted
		slog.Info("simulation completed", "points", e.index)
	} else {
		e.state = StateStopped
		slog.Info("simulation stopped", "points", e.index)
	}
}

// Pause suspends auto generation. The loop idles without consuming points.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return ErrNotRunning
	}
	e.state = StatePaused
	slog.Info("simulation paused", "index", e.index)
	return nil
}

// Resume continues a paused run.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return ErrNotPaused
	}
	e.state = StateRunning
	slog.Info("simulation resumed", "index", e.index)
	return nil
}

// Stop halts the run from RUNNING or PAUSED. It cancels the loop, waits
// for it to exit (within one pause-poll tick at worst), and returns only
// after the terminal price adjustment has been applied and the recorder
// closed. A halted run is terminal: Start and Step reject it with
// ErrFinalized.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		e.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := e.cancel, e.loopDone
	e.cancel, e.loopDone = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		return nil
	}

	// Manual mode: no loop to join, finalize inline.
	e.endRun()
	return nil
}

// Step manually generates the next point. Permitted in any state except
// COMPLETED or after a halt; returns ErrExhausted once all points have
// been generated.
func (e *Engine) Step() (model.PricePoint, error) {
	e.mu.Lock()
	if e.state == StateCompleted {
		e.mu.Unlock()
		return model.PricePoint{}, ErrCompleted
	}
	if e.finalized {
		e.mu.Unlock()
		return model.PricePoint{}, ErrFinalized
	}
	point, err := e.generateNext()
	if err != nil {
		e.finalize()
		e.state = StateCompleted
		e.mu.Unlock()
		return model.PricePoint{}, err
	}
	sinks := append([]PriceSink(nil), e.sinks...)
	e.mu.Unlock()

	e.notify(sinks, point)
	return point, nil
}

// generateNext produces one point. Caller must hold e.mu.
func (e *Engine) generateNext() (model.PricePoint, error) {
	if e.index >= e.cfg.TotalPoints {
		return model.PricePoint{}, ErrExhausted
	}

	movement := 0.0
	if e.index > 0 {
		movement = e.nextMovement()
		e.price = e.applySoftBounds(e.price, movement)
		e.prevMovement = movement
	}

	// Market color: volume swells and spreads widen with larger moves.
	absMove := math.Abs(movement)
	baseVolume := 50 + e.rng.Intn(151)
	volume := int(float64(baseVolume) * (1 + 0.5*absMove))
	spread := 0.5 + (e.rng.Float64()*0.4 - 0.2) + 0.1*absMove
	spread = math.Max(0.1, spread)

	outcome := e.resolvedYes
	point := model.PricePoint{
		Index:           e.index,
		Timestamp:       e.startTime.Add(stepInterval * time.Duration(e.index)),
		Price:           round(e.price, 2),
		Movement:        round(movement, 3),
		Volume:          volume,
		BidAskSpread:    round(spread, 2),
		ResolvedOutcome: &outcome,
	}

	e.history = append(e.history, point)
	if e.rec != nil {
		if err := e.rec.Record(point); err != nil {
			slog.Warn("csv record failed", "index", point.Index, "err", err)
		}
	}
	e.index++
	metrics.PointsGenerated.Inc()
	return point, nil
}

// nextMovement computes the per-step movement. Caller must hold e.mu.
//
// Pre-threshold the walk is noise and momentum with a very weak pull
// toward the committed target; post-threshold a progressively stronger
// trend takes over while volatility is scaled down.
func (e *Engine) nextMovement() float64 {
	var movement float64
	if e.index < e.threshold {
		momentum := 0.2 * e.prevMovement
		noise := e.rng.NormFloat64() * e.cfg.Volatility
		weakSignal := 0.01 * (e.target - e.price) / 100
		movement = momentum + noise + weakSignal
	} else {
		progress := float64(e.index-e.threshold) / float64(e.cfg.TotalPoints-e.threshold)
		baseTrend := e.cfg.TrendStrength * (e.target - e.price) / 100
		progressiveTrend := baseTrend * (0.1 + 0.9*progress)

		remaining := float64(e.cfg.TotalPoints-e.index) / float64(e.cfg.TotalPoints-e.threshold)
		scaledVol := e.cfg.Volatility * (0.75 + 0.25*remaining)

		movement = progressiveTrend + e.rng.NormFloat64()*scaledVol + 0.15*e.prevMovement
	}
	return math.Max(-e.cfg.MaxMovement, math.Min(e.cfg.MaxMovement, movement))
}

// applySoftBounds dampens a movement that would land past the comfort
// zone, then hard-clamps as a last-resort safety net. Two deliberate
// stages: gentle dissuasion near the edges first, hard clamp only after.
func (e *Engine) applySoftBounds(price, movement float64) float64 {
	preThreshold := e.index < e.threshold

	comfortLo, comfortHi := 5.0, 95.0
	warnLo, warnHi := 2.0, 98.0
	hardLo, hardHi := 1.0, 99.0
	if preThreshold {
		comfortLo, comfortHi = 12.0, 88.0
		warnLo, warnHi = 8.0, 92.0
		hardLo, hardHi = 5.0, 95.0
	}

	newPrice := price + movement
	switch {
	case newPrice < warnLo && newPrice < comfortLo:
		distance := comfortLo - newPrice
		dampening := math.Min(0.6, distance*0.1)
		newPrice = price + movement*(1-dampening)
	case newPrice > warnHi && newPrice > comfortHi:
		distance := newPrice - comfortHi
		dampening := math.Min(0.6, distance*0.1)
		newPrice = price + movement*(1-dampening)
	}

	return math.Max(hardLo, math.Min(hardHi, newPrice))
}

// finalize applies the one-time terminal adjustment — the last emitted
// point's price moves 40% of the remaining distance toward the target,
// bounded to [2, 98] — and closes the recorder. Caller must hold e.mu.
func (e *Engine) finalize() {
	if e.finalized {
		return
	}
	e.finalized = true

	if len(e.history) > 0 {
		adjusted := e.price + (e.target-e.price)*0.4
		e.price = math.Max(2, math.Min(98, adjusted))
		e.history[len(e.history)-1].Price = round(e.price, 2)
		slog.Info("terminal price adjustment applied",
			"final_price", e.history[len(e.history)-1].Price,
			"target", e.target,
		)
	}

	if e.rec != nil {
		if err := e.rec.Close(); err != nil {
			slog.Warn("csv close failed", "err", err)
		}
		e.rec = nil
	}
}

// notify delivers a point to each sink in registration order. A sink
// panic is isolated and reported; delivery continues to the others.
func (e *Engine) notify(sinks []PriceSink, point model.PricePoint) {
	for _, sink := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.SubscriberErrors.Inc()
					slog.Error("price sink panicked", "index", point.Index, "err", r)
				}
			}()
			sink.OnPrice(point)
		}()
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CurrentPrice returns the latest underlying price.
func (e *Engine) CurrentPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.price
}

// CurrentIndex returns the next point index to be generated.
func (e *Engine) CurrentIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// History returns a copy of all emitted points.
func (e *Engine) History() []model.PricePoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.PricePoint(nil), e.history...)
}

// RecentHistory returns a copy of the most recent n points.
func (e *Engine) RecentHistory(n int) []model.PricePoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.history) {
		n = len(e.history)
	}
	return append([]model.PricePoint(nil), e.history[len(e.history)-n:]...)
}

// Stats is a point-in-time status snapshot of the run.
type Stats struct {
	State           State   `json:"state"`
	CurrentIndex    int     `json:"current_index"`
	TotalPoints     int     `json:"total_points"`
	ProgressPercent float64 `json:"progress_percent"`
	CurrentPrice    float64 `json:"current_price"`
	IsTrending      bool    `json:"is_trending"`
	ResolvesYes     bool    `json:"resolves_yes"`
	TargetPrice     float64 `json:"target_price"`
}

// Stats returns the current run status.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		State:           e.state,
		CurrentIndex:    e.index,
		TotalPoints:     e.cfg.TotalPoints,
		ProgressPercent: 100 * float64(e.index) / float64(e.cfg.TotalPoints),
		CurrentPrice:    e.price,
		IsTrending:      e.index >= e.threshold,
		ResolvesYes:     e.resolvedYes,
		TargetPrice:     e.target,
	}
}

func round(f float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(f*shift) / shift
}
