package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	tchttp "github.com/treechat/treechat/internal/adapter/http"
	tcnats "github.com/treechat/treechat/internal/adapter/nats"
	"github.com/treechat/treechat/internal/adapter/natskv"
	"github.com/treechat/treechat/internal/adapter/openrouter"
	"github.com/treechat/treechat/internal/adapter/otel"
	"github.com/treechat/treechat/internal/adapter/postgres"
	"github.com/treechat/treechat/internal/adapter/ristretto"
	"github.com/treechat/treechat/internal/adapter/tiered"
	"github.com/treechat/treechat/internal/adapter/ws"
	"github.com/treechat/treechat/internal/config"
	"github.com/treechat/treechat/internal/logger"
	"github.com/treechat/treechat/internal/middleware"
	"github.com/treechat/treechat/internal/port/cache"
	"github.com/treechat/treechat/internal/port/messagequeue"
	"github.com/treechat/treechat/internal/resilience"
	"github.com/treechat/treechat/internal/secrets"
	"github.com/treechat/treechat/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"autosave_delay", cfg.Autosave.Delay,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownOtel, err := otel.Init(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(shCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS is optional: without it events go straight to the local hub and
	// the cache runs single-tier.
	var queue messagequeue.Queue
	var natsQueue *tcnats.Queue
	if cfg.NATS.URL != "" {
		natsQueue, err = tcnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			slog.Warn("nats unavailable, continuing without event fan-out", "error", err)
		} else {
			queue = natsQueue
			defer func() { _ = natsQueue.Close() }()
		}
	}

	conversationCache, err := buildCache(ctx, cfg.Cache, natsQueue)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	// --- Upstream LLM ---
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	llm := openrouter.NewClient(cfg.OpenRouter)
	llm.SetBreaker(breaker)

	// API key lives in a vault so SIGHUP can rotate it without a restart.
	vault, err := secrets.NewVault(secrets.EnvLoader("OPENROUTER_API_KEY"))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	llm.SetKeyFunc(func() string { return vault.Get("OPENROUTER_API_KEY") })
	slog.Info("secrets loaded", "keys", vault.Keys(), "openrouter_api_key", vault.Redacted("OPENROUTER_API_KEY"))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "openrouter_api_key", vault.Redacted("OPENROUTER_API_KEY"))
		}
	}()

	// --- Services ---
	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	conversations := service.NewConversationService(service.ConversationDeps{
		DB:            store,
		LLM:           llm,
		Hub:           hub,
		Queue:         queue,
		Cache:         conversationCache,
		CacheTTL:      cfg.Cache.TTL,
		Metrics:       metrics,
		AutosaveDelay: cfg.Autosave.Delay,
	})

	stopFanout, err := conversations.StartEventFanout(ctx, hub)
	if err != nil {
		return fmt.Errorf("event fan-out: %w", err)
	}
	defer stopFanout()

	// --- HTTP ---
	handlers := &tchttp.Handlers{
		Conversations: conversations,
		Hub:           hub,
		Pool:          pool,
		Queue:         queue,
		Breaker:       breaker,
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(tchttp.Logger)
	r.Use(tchttp.SecurityHeaders)
	r.Use(tchttp.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(limiter.Handler)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	tchttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long deadline: SSE completions stream for minutes.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// buildCache assembles the conversation read cache: ristretto in-process,
// with a NATS KV second tier when a queue connection exists.
func buildCache(ctx context.Context, cfg config.Cache, natsQueue *tcnats.Queue) (cache.Cache, error) {
	l1, err := ristretto.New(cfg.MaxSizeMB * 1024 * 1024)
	if err != nil {
		return nil, err
	}
	if natsQueue == nil {
		return l1, nil
	}

	kv, err := natsQueue.KeyValue(ctx, "treechat-conversations", cfg.TTL)
	if err != nil {
		slog.Warn("nats kv unavailable, using in-process cache only", "error", err)
		return l1, nil
	}
	return tiered.New(l1, natskv.New(kv), cfg.TTL), nil
}
