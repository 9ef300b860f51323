// Package config loads runtime configuration from a local .env file (dev
// convenience) and the environment: cp .env.example .env && edit .env,
// required secrets fail loudly at startup, everything else has a sane
// default.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the resolver, matching, and job subsystems
// read at startup.
type Config struct {
	Port        string
	DatabaseURL string
	AnthropicAPIKey string
	APIAuthToken    string
	AllowedOrigins  string
	EnableSynthetic bool

	Resolver ResolverConfig
	Matching MatchingConfig
	Jobs     JobsConfig
	Breaker  BreakerConfig
}

// ResolverConfig carries the Tiered Resolver's thresholds.
type ResolverConfig struct {
	VectorSimilarityThreshold float64
	VectorMarginThreshold     float64
	SmallLLMMinConfidence     float64
}

// MatchingConfig carries the Matching Engine's thresholds.
type MatchingConfig struct {
	ScoreThreshold       int
	AmbiguityMargin      int
	AutoConfirmThreshold int
	AutoConfirmEnabled   bool
}

// JobsConfig carries the Job Runtime's retry/lease/concurrency knobs.
type JobsConfig struct {
	MaxAttempts          int
	LeaseTTL             time.Duration
	LeaseRenewInterval   time.Duration
	ConcurrencyPerKind   map[string]int
}

// BreakerConfig carries the per-provider circuit breaker thresholds.
type BreakerConfig struct {
	WindowSize       int
	ErrorRateOpen    float64
	TimeoutRateOpen  float64
	HalfOpenAfter    time.Duration
	CloseAfterOK     int
}

// Load reads .env (if present), then the environment, applying the
// documented defaults for anything unset.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] No .env file found, relying on process environment")
	}

	cfg := Config{
		Port:            getEnvOrDefault("PORT", "8080"),
		DatabaseURL:     requireEnv("DATABASE_URL"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		APIAuthToken:    os.Getenv("API_AUTH_TOKEN"),
		AllowedOrigins:  os.Getenv("ALLOWED_ORIGINS"),
		EnableSynthetic: os.Getenv("ENABLE_SYNTHETIC") == "true",

		Resolver: ResolverConfig{
			VectorSimilarityThreshold: getEnvFloat("RESOLVER_VECTOR_SIMILARITY_THRESHOLD", 0.88),
			VectorMarginThreshold:     getEnvFloat("RESOLVER_VECTOR_MARGIN_THRESHOLD", 0.03),
			SmallLLMMinConfidence:     getEnvFloat("RESOLVER_SMALL_LLM_MIN_CONFIDENCE", 0.70),
		},
		Matching: MatchingConfig{
			ScoreThreshold:       getEnvInt("MATCHING_SCORE_THRESHOLD", 70),
			AmbiguityMargin:      getEnvInt("MATCHING_AMBIGUITY_MARGIN", 8),
			AutoConfirmThreshold: getEnvInt("MATCHING_AUTO_CONFIRM_THRESHOLD", 95),
			AutoConfirmEnabled:   os.Getenv("MATCHING_AUTO_CONFIRM_ENABLED") == "true",
		},
		Jobs: JobsConfig{
			MaxAttempts:        getEnvInt("JOBS_MAX_ATTEMPTS", 5),
			LeaseTTL:           time.Duration(getEnvInt("JOBS_LEASE_TTL_SECONDS", 90)) * time.Second,
			LeaseRenewInterval: 30 * time.Second,
			ConcurrencyPerKind: map[string]int{
				"ocr_extract":             getEnvInt("JOBS_CONCURRENCY_OCR_EXTRACT", 4),
				"categorize_transaction":  getEnvInt("JOBS_CONCURRENCY_CATEGORIZE", 2),
				"match_receipt":           getEnvInt("JOBS_CONCURRENCY_MATCH_RECEIPT", 4),
				"generate_report":         getEnvInt("JOBS_CONCURRENCY_GENERATE_REPORT", 1),
				"sync_reference_data":     getEnvInt("JOBS_CONCURRENCY_SYNC_REFERENCE_DATA", 1),
				"warm_cache":              getEnvInt("JOBS_CONCURRENCY_WARM_CACHE", 1),
				"purge_stale_embeddings":  getEnvInt("JOBS_CONCURRENCY_PURGE_EMBEDDINGS", 1),
			},
		},
		Breaker: BreakerConfig{
			WindowSize:      getEnvInt("BREAKER_WINDOW_SIZE", 50),
			ErrorRateOpen:   getEnvFloat("BREAKER_ERROR_RATE_OPEN", 0.30),
			TimeoutRateOpen: getEnvFloat("BREAKER_TIMEOUT_RATE_OPEN", 0.10),
			HalfOpenAfter:   30 * time.Second,
			CloseAfterOK:    3,
		},
	}

	return cfg
}

// requireEnv reads a required environment variable and exits if it is not
// set, carried from cmd/engine/main.go's convention.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
