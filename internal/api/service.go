// Package api provides the HTTP handlers for driving the price
// simulation and trading against the portfolio ledger.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-sim/internal/ledger"
	"github.com/predictlab/market-sim/internal/pricing"
	"github.com/predictlab/market-sim/internal/sim"
	"github.com/predictlab/market-sim/internal/store"
)

// Service exposes the simulation engine and ledger over HTTP.
type Service struct {
	engine *sim.Engine
	ledger *ledger.Ledger
	wsHub  *WSHub // optional hub for real-time broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(engine *sim.Engine, l *ledger.Ledger, hub *WSHub) *Service {
	return &Service{engine: engine, ledger: l, wsHub: hub}
}

// Routes mounts all API endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/market", func(r chi.Router) {
			r.Post("/start", s.StartMarket)
			r.Post("/stop", s.StopMarket)
			r.Post("/pause", s.PauseMarket)
			r.Post("/resume", s.ResumeMarket)
			r.Post("/step", s.StepMarket)
			r.Post("/resolve", s.ResolveMarket)
			r.Get("/status", s.MarketStatus)
			r.Get("/history", s.MarketHistory)
			r.Get("/quotes", s.MarketQuotes)
		})
		r.Post("/users", s.CreateUser)
		r.Post("/trade", s.ExecuteTrade)
		r.Get("/portfolio/{userID}", s.GetPortfolio)
		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// StartMarketRequest is the JSON body for POST /market/start.
type StartMarketRequest struct {
	IntervalSeconds float64 `json:"interval_seconds"` // 0 → as fast as possible
	Mode            string  `json:"mode"`             // "auto" (default) or "manual"
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username     string          `json:"username"`
	StartingCash decimal.Decimal `json:"starting_cash"` // 0 → default funding
}

// CreateUserResponse is returned from POST /users.
type CreateUserResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	UserID   string          `json:"user_id"`
	Strike   decimal.Decimal `json:"strike"`
	Quantity int64           `json:"quantity"`
	Side     string          `json:"side"` // "BUY" or "SELL"
}

// ResolveRequest is the JSON body for POST /market/resolve. A zero
// FinalPrice resolves at the engine's current price.
type ResolveRequest struct {
	FinalPrice float64 `json:"final_price"`
}

// --- Simulation control ---

// StartMarket handles POST /api/v1/market/start
func (s *Service) StartMarket(w http.ResponseWriter, r *http.Request) {
	var req StartMarketRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	mode := sim.ModeAuto
	switch req.Mode {
	case "", string(sim.ModeAuto):
	case string(sim.ModeManual):
		mode = sim.ModeManual
	default:
		writeError(w, "mode must be auto or manual", http.StatusBadRequest)
		return
	}
	if req.IntervalSeconds < 0 {
		writeError(w, "interval_seconds must be non-negative", http.StatusBadRequest)
		return
	}
	interval := time.Duration(req.IntervalSeconds * float64(time.Second))

	if err := s.engine.Start(interval, mode); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("simulation started", "mode", mode, "interval", interval)
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// StopMarket handles POST /api/v1/market/stop
func (s *Service) StopMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// PauseMarket handles POST /api/v1/market/pause
func (s *Service) PauseMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// ResumeMarket handles POST /api/v1/market/resume
func (s *Service) ResumeMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// StepMarket handles POST /api/v1/market/step
// Generates exactly one price point; valid in any non-completed state.
func (s *Service) StepMarket(w http.ResponseWriter, r *http.Request) {
	point, err := s.engine.Step()
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, point)
}

// MarketStatus handles GET /api/v1/market/status
func (s *Service) MarketStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// MarketHistory handles GET /api/v1/market/history
// Returns the full generated series, or the last ?limit=N points.
func (s *Service) MarketHistory(w http.ResponseWriter, r *http.Request) {
	points := s.engine.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		points = s.engine.RecentHistory(limit)
	}
	writeJSON(w, http.StatusOK, points)
}

// MarketQuotes handles GET /api/v1/market/quotes
func (s *Service) MarketQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.ledger.GetQuotes()
	if err != nil {
		if errors.Is(err, pricing.ErrNoMarketData) {
			writeError(w, "no market data yet", http.StatusConflict)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// ResolveMarket handles POST /api/v1/market/resolve
// Stops the simulation if still running, then settles all positions.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	if st := s.engine.State(); st == sim.StateRunning || st == sim.StatePaused {
		if err := s.engine.Stop(); err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}

	finalPrice := req.FinalPrice
	if finalPrice <= 0 {
		finalPrice = s.engine.CurrentPrice()
	}
	if finalPrice <= 0 {
		writeError(w, "no price data to resolve against", http.StatusConflict)
		return
	}

	if err := s.ledger.ResolveMarket(r.Context(), finalPrice); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "market_resolved",
			Price:       finalPrice,
			ResolvesYes: s.engine.ResolvedOutcome(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"final_price":  finalPrice,
		"resolves_yes": s.engine.ResolvedOutcome(),
	})
}

// --- Accounts and trading ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	userID, err := s.ledger.CreateUser(r.Context(), req.Username, req.StartingCash)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, CreateUserResponse{UserID: userID, Username: req.Username})
}

// ExecuteTrade handles POST /api/v1/trade
// Business-rule rejections return 200 with ok=false and a reason;
// only malformed requests are HTTP errors.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	result := s.ledger.ExecuteTrade(r.Context(), req.UserID, req.Strike, req.Quantity, req.Side)

	if result.OK && s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			Strike:   req.Strike.String(),
			Side:     req.Side,
			Quantity: req.Quantity,
			Price:    mustFloat(result.Trade.PricePerContract),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	portfolio, err := s.ledger.GetPortfolio(userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, "user not found", http.StatusNotFound)
		case errors.Is(err, pricing.ErrNoMarketData):
			writeError(w, "no market data yet", http.StatusConflict)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, portfolio)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
