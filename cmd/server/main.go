package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/config"
	"github.com/stotra/trade-engine/internal/metrics"
	"github.com/stotra/trade-engine/internal/portfolio"
	"github.com/stotra/trade-engine/internal/quote"
	"github.com/stotra/trade-engine/internal/simulator"
	"github.com/stotra/trade-engine/internal/store"
	"github.com/stotra/trade-engine/internal/stream"
	"github.com/stotra/trade-engine/internal/trade"
)

const (
	demoAccountID = "demo"
	demoCash      = 100000
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Quote cache and adapter ---
	var cache quote.Cache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis_url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cache = quote.NewRedisCache(rdb, cfg.Quote.CacheTTL)
		slog.Info("Redis quote cache enabled")
	} else {
		cache = quote.NewMemoryCache(cfg.Quote.CacheTTL)
	}

	popts, err := cfg.ProviderOptions()
	if err != nil {
		slog.Error("invalid quote settings", "err", err)
		os.Exit(1)
	}
	providers, err := quote.BuildProviders(cfg.Quote.Providers, popts)
	if err != nil {
		slog.Error("invalid quote providers", "err", err)
		os.Exit(1)
	}
	quotes := quote.NewAdapter(providers, cache, cfg.Quote.Timeout)

	// --- Market event simulator ---
	sim := simulator.New(quotes, st, simulator.WithDefaultDuration(cfg.Simulator.DefaultDuration))
	cleanup = append(cleanup, sim.Close)
	if err := sim.Restore(ctx); err != nil {
		slog.Error("restoring market events failed", "err", err)
		os.Exit(1)
	}

	// --- Trading ---
	projector := portfolio.NewProjector(st, sim)
	notifyHub := trade.NewNotifyHub()
	go notifyHub.Run(ctx)
	tradeSvc := trade.NewService(st, sim, projector, notifyHub)

	if cfg.DatabaseURL == "" {
		if _, err := tradeSvc.CreateAccount(ctx, demoAccountID, decimal.NewFromInt(demoCash)); err != nil {
			slog.Error("seeding demo account failed", "err", err)
		}
	}

	// --- Market data stream ---
	streamHub := stream.NewHub(sim, stream.Config{
		Interval: cfg.Stream.Interval,
		Backfill: cfg.Stream.Backfill,
		Jitter:   cfg.Stream.Jitter,
	})
	cleanup = append(cleanup, streamHub.Close)

	operator := simulator.OperatorOnly(cfg.OperatorToken)
	if cfg.OperatorToken == "" {
		slog.Warn("operator_token not set, event endpoints are open")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Operator-Token")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"quotes":         quotes.Status(r.Context()),
				"stream":         streamHub.Stats(),
				"pending_events": sim.Pending(),
			})
		})
		// WebSocket endpoints for market candles and order notifications.
		r.Get("/ws/market", streamHub.HandleWS)

		tradeSvc.Routes(r)
		simulator.NewHandlers(sim).Routes(r, operator)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info("trade-engine listening", "port", cfg.Port, "providers", cfg.Quote.Providers)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("trade-engine stopped")
}
