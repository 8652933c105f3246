package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/predictlab/market-sim/internal/api"
	"github.com/predictlab/market-sim/internal/ledger"
	"github.com/predictlab/market-sim/internal/metrics"
	"github.com/predictlab/market-sim/internal/sim"
	"github.com/predictlab/market-sim/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Optional .env for local development; real deployments set env vars.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Simulation engine ---
	simCfg, err := loadSimConfig(os.Getenv)
	if err != nil {
		slog.Error("simulation configuration invalid", "err", err)
		os.Exit(1)
	}

	engine, err := sim.NewEngine(simCfg)
	if err != nil {
		slog.Error("engine configuration invalid", "err", err)
		os.Exit(1)
	}
	slog.Info("simulation engine ready",
		"total_points", simCfg.TotalPoints,
		"initial_price", simCfg.InitialPrice,
		"resolves_yes", engine.ResolvedOutcome(),
	)

	// CSV recorder for the generated series, if a data dir is configured.
	if dir := os.Getenv("MARKET_DATA_DIR"); dir != "" {
		rec, err := sim.NewRecorder(dir, engine.ResolvedOutcome(), simCfg.TotalPoints)
		if err != nil {
			slog.Error("recorder setup failed", "err", err)
			os.Exit(1)
		}
		engine.AttachRecorder(rec)
		slog.Info("recording market data", "dir", dir)
	}

	// --- Portfolio ledger ---
	led, err := ledger.New(context.Background(), ledger.DefaultConfig(), st)
	if err != nil {
		slog.Error("ledger initialization failed", "err", err)
		os.Exit(1)
	}
	engine.Subscribe(ledger.NewIntegrator(led, simCfg.TotalPoints))

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()
	engine.Subscribe(wsHub)

	// --- HTTP service ---
	svc := api.NewService(engine, led, wsHub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-sim"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-sim listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down market-sim...")

	// Stop the generator first so the recorder flushes and closes.
	if state := engine.State(); state == sim.StateRunning || state == sim.StatePaused {
		if err := engine.Stop(); err != nil {
			slog.Error("engine stop error", "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-sim stopped")
}

// loadSimConfig overlays SIM_* environment variables onto the stock
// simulation parameters. lookup is os.Getenv in production.
func loadSimConfig(lookup func(string) string) (sim.Config, error) {
	cfg := sim.DefaultConfig()
	if v := lookup("SIM_TOTAL_POINTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid SIM_TOTAL_POINTS %q: %w", v, err)
		}
		cfg.TotalPoints = n
	}
	for _, p := range []struct {
		name string
		dst  *float64
	}{
		{"SIM_INITIAL_PRICE", &cfg.InitialPrice},
		{"SIM_VOLATILITY", &cfg.Volatility},
		{"SIM_THRESHOLD_FRACTION", &cfg.ThresholdFraction},
		{"SIM_TREND_STRENGTH", &cfg.TrendStrength},
		{"SIM_MAX_MOVEMENT", &cfg.MaxMovement},
	} {
		v := lookup(p.name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s %q: %w", p.name, v, err)
		}
		*p.dst = f
	}
	if v := lookup("SIM_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid SIM_SEED %q: %w", v, err)
		}
		cfg.Seed = seed
	}
	return cfg, nil
}
