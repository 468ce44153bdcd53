package main

import (
	"context"
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

	"github.com/ddjk/transaction-engine/internal/api"
	"github.com/ddjk/transaction-engine/internal/audit"
	"github.com/ddjk/transaction-engine/internal/config"
	"github.com/ddjk/transaction-engine/internal/engine"
	"github.com/ddjk/transaction-engine/internal/metrics"
	"github.com/ddjk/transaction-engine/internal/quote"
	"github.com/ddjk/transaction-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Quote source ---
	var quotes quote.Source
	if cfg.QuoteServerAddr != "" {
		quotes = quote.NewServerSource(cfg.QuoteServerAddr)
		slog.Info("using quote server", "addr", cfg.QuoteServerAddr)
	} else {
		slog.Warn("QUOTE_SERVER_ADDR not set, using stub quote source")
		quotes = quote.NewStubSource()
	}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		quotes = quote.NewCachedSource(quotes, rdb, cfg.QuoteLifespan)
		slog.Info("quote cache enabled", "ttl", cfg.QuoteLifespan.String())
	}

	// --- Audit publisher ---
	var pub audit.Publisher
	if cfg.AMQPURL != "" {
		p, err := audit.NewAMQPPublisher(cfg.AMQPURL, cfg.AuditQueue)
		if err != nil {
			slog.Error("audit broker connection failed", "err", err)
			os.Exit(1)
		}
		pub = p
		slog.Info("audit events to AMQP", "queue", cfg.AuditQueue)
	} else {
		slog.Warn("AMQP_URL not set, audit events go to the process log")
		pub = audit.NewLogPublisher(logger)
	}
	defer pub.Close()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine and background loops ---
	expiry := engine.NewExpiryScheduler(st, pub, logger)
	eng := engine.New(st, quotes, pub, wsHub, expiry, cfg.QuoteLifespan, logger)
	serializer := engine.NewSerializer(eng)
	triggers := engine.NewTriggerMaintainer(st, quotes, pub, wsHub, cfg.QuoteLifespan, cfg.TriggerFanout, logger)

	go expiry.Run(ctx)
	go triggers.Run(ctx)

	apiSvc := api.NewService(serializer)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"transaction-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time account updates.
		r.Get("/ws", wsHub.HandleWS)

		apiSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("transaction-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down transaction-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("transaction-engine stopped")
}
