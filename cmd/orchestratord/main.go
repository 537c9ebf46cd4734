package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/nuruai/orchestrator/config"
	"github.com/nuruai/orchestrator/internal/adapterhttp/anthropic"
	"github.com/nuruai/orchestrator/internal/adapterhttp/gemini"
	"github.com/nuruai/orchestrator/internal/adapterhttp/openai"
	"github.com/nuruai/orchestrator/internal/auth"
	"github.com/nuruai/orchestrator/internal/budget"
	"github.com/nuruai/orchestrator/internal/health"
	"github.com/nuruai/orchestrator/internal/httpapi"
	"github.com/nuruai/orchestrator/internal/idempotency"
	"github.com/nuruai/orchestrator/internal/orchestrator"
	"github.com/nuruai/orchestrator/internal/registry"
	"github.com/nuruai/orchestrator/internal/seeder"
	"github.com/nuruai/orchestrator/internal/telemetry"
	"github.com/nuruai/orchestrator/internal/usage"
	"github.com/nuruai/orchestrator/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("ai-orchestrator", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Register provider adapters
	reg, err := registry.Build(
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		anthropic.New(cfg.AnthropicAPIKey),
	)
	if err != nil {
		log.Fatalf("failed to build registry: %v", err)
	}

	// 6. Orchestrator components
	tracker := health.NewTracker(health.Config{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		Cooldown:         cfg.BreakerCooldown,
		ProbeSuccesses:   uint32(cfg.BreakerProbeSuccesses),
		WindowSize:       int(cfg.HealthWindowSize),
	}, reg.Providers())

	ledger := budget.NewLedger(cfg.BudgetPeriod, budget.Caps{
		CapMicros:   cfg.DefaultCapMicros,
		CapRequests: cfg.DefaultCapRequests,
	})
	cache := idempotency.NewCache(cfg.IdempotencyTTL, int(cfg.IdempotencyCacheSize))

	usageStore := usage.NewPostgresStore(pool)
	reporter := usage.NewReporter(usageStore, 256)
	defer reporter.Close()

	tracer := otel.GetTracerProvider().Tracer("ai-orchestrator")
	orch := orchestrator.New(reg, tracker, ledger, cache, reporter, tracer,
		orchestrator.Config{MaxAttempts: cfg.MaxAttempts})

	// 7. Auth: resolved keys carry the tenant's caps into the ledger
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, func(key *auth.APIKey) {
		ledger.SetCaps(key.TenantID, budget.Caps{
			CapMicros:   key.CapMicros,
			CapRequests: key.CapRequests,
		})
	})

	// 8. Rate limiter + handler
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)
	handler := httpapi.NewHandler(orch, usageStore, limiter, tracer)

	// 9. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
	}

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"ai-orchestrator"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/inference", handler.HandleSubmit)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("AI orchestrator starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
