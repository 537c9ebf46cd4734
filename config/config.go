package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/nuruai/orchestrator/internal/budget"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate limiting
	DefaultRateLimitRPM int64 // requests per minute per tenant, default: 600

	// Routing
	MaxAttempts int // dispatches per logical request, default: 3

	// Circuit breaking
	BreakerFailureThreshold int64         // consecutive failures to open, default: 3
	BreakerCooldown         time.Duration // open -> half-open, default: 30s
	BreakerProbeSuccesses   int64         // half-open successes to close, default: 2
	HealthWindowSize        int64         // outcomes per provider, default: 64

	// Budgets
	BudgetPeriod         budget.Period // "daily" or "monthly", default: daily
	DefaultCapMicros     int64         // default: 0 (unlimited)
	DefaultCapRequests   int64         // default: 0 (unlimited)
	IdempotencyTTL       time.Duration // default: 5m
	IdempotencyCacheSize int64         // default: 4096
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.DefaultRateLimitRPM, err = getInt("DEFAULT_RATE_LIMIT_RPM", 600); err != nil {
		return nil, err
	}
	maxAttempts, err := getInt("MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	cfg.MaxAttempts = int(maxAttempts)

	if cfg.BreakerFailureThreshold, err = getInt("BREAKER_FAILURE_THRESHOLD", 3); err != nil {
		return nil, err
	}
	if cfg.BreakerCooldown, err = getDuration("BREAKER_COOLDOWN", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.BreakerProbeSuccesses, err = getInt("BREAKER_PROBE_SUCCESSES", 2); err != nil {
		return nil, err
	}
	if cfg.HealthWindowSize, err = getInt("HEALTH_WINDOW_SIZE", 64); err != nil {
		return nil, err
	}

	period := budget.Period(getEnv("BUDGET_PERIOD", string(budget.PeriodDaily)))
	if period != budget.PeriodDaily && period != budget.PeriodMonthly {
		return nil, fmt.Errorf("invalid BUDGET_PERIOD: %s", period)
	}
	cfg.BudgetPeriod = period

	if cfg.DefaultCapMicros, err = getInt("DEFAULT_CAP_MICROS", 0); err != nil {
		return nil, err
	}
	if cfg.DefaultCapRequests, err = getInt("DEFAULT_CAP_REQUESTS", 0); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdempotencyCacheSize, err = getInt("IDEMPOTENCY_CACHE_SIZE", 4096); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
