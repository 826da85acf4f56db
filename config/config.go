/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Client-wide configuration: credential search hints,
             rate-limit profile resolution, and the defaults each
             profile seeds before a caller's per-call overlay is
             merged on top.
Root Cause:  Every admission decision needs a single source of
             truth for budgets, concurrency ceilings, and backoff
             knobs — this is that source.
Context:     Loaded once per client; profiles let a caller pick
             a known-good preset instead of hand-tuning every
             field.
Suitability: L3 — config surface area is wide but mechanical.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// AuthStrategy selects how the client obtains request credentials.
type AuthStrategy string

const (
	AuthDirectKey     AuthStrategy = "direct-key"
	AuthCloudPlatform AuthStrategy = "cloud-platform"
)

// Profile is a named rate-limit preset.
type Profile string

const (
	ProfileDev       Profile = "dev"
	ProfileProd      Profile = "prod"
	ProfileFreeTier  Profile = "free-tier"
	ProfilePaidTier1 Profile = "paid-tier-1"
	ProfilePaidTier2 Profile = "paid-tier-2"
	ProfileCustom    Profile = "custom"
)

// Config holds process-wide client configuration, populated from
// environment variables (with an optional .env file) and overridable
// per call via Overlay.
type Config struct {
	Env string

	// Auth
	Auth               AuthStrategy
	APIKey             string
	ProjectID          string
	Location           string
	ServiceAccountPath string
	ServiceAccountJSON string
	QuotaProjectID     string

	// Shared state backing
	RedisURL string

	// Rate-limit defaults, seeded by Profile and overridable per call.
	Profile                Profile
	MaxConcurrencyPerModel int
	PermitTimeoutMS        int64 // 0 = unbounded
	MaxAttempts            int
	BaseBackoffMS          int64
	MaxBackoffMS           int64
	JitterFactor           float64
	AdaptiveConcurrency    bool
	AdaptiveCeiling        int
	TokenBudgetPerWindow   int64
	WindowDurationMS       int64
	BudgetSafetyMultiplier float64
	MaxBudgetWaitMS        int64
	NonBlocking            bool
	DisableRateLimiter     bool

	LogLevel string
}

// Load reads configuration from the environment and an optional .env
// file in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                getEnv("GEMINI_ENV", "development"),
		Auth:               AuthStrategy(getEnv("GEMINI_AUTH", string(AuthDirectKey))),
		APIKey:             getEnv("GEMINI_API_KEY", ""),
		ProjectID:          getEnv("GOOGLE_CLOUD_PROJECT", ""),
		Location:           getEnv("GEMINI_LOCATION", ""),
		ServiceAccountPath: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		ServiceAccountJSON: getEnv("GEMINI_SERVICE_ACCOUNT_JSON", ""),
		QuotaProjectID:     getEnv("GEMINI_QUOTA_PROJECT_ID", ""),
		RedisURL:           getEnv("GEMINI_STATE_REDIS_URL", ""),
		LogLevel:           getEnv("GEMINI_LOG_LEVEL", "info"),
	}

	ApplyProfile(cfg, Profile(getEnv("GEMINI_RATE_LIMIT_PROFILE", string(ProfileProd))))

	if v := getEnvInt64("GEMINI_MAX_CONCURRENCY_PER_MODEL", 0); v != 0 {
		cfg.MaxConcurrencyPerModel = int(v)
	}
	if v := getEnvInt64("GEMINI_TOKEN_BUDGET_PER_WINDOW", 0); v != 0 {
		cfg.TokenBudgetPerWindow = v
	}
	cfg.DisableRateLimiter = getEnvBool("GEMINI_DISABLE_RATE_LIMITER", cfg.DisableRateLimiter)

	return cfg
}

// ApplyProfile seeds cfg's rate-limit fields from a named preset. Fields
// not owned by the rate limiter (auth, redis, logging) are untouched.
func ApplyProfile(cfg *Config, p Profile) {
	cfg.Profile = p
	switch p {
	case ProfileDev:
		cfg.MaxConcurrencyPerModel = 4
		cfg.MaxAttempts = 2
		cfg.TokenBudgetPerWindow = 50_000
		cfg.AdaptiveConcurrency = false
	case ProfileFreeTier:
		cfg.MaxConcurrencyPerModel = 2
		cfg.MaxAttempts = 3
		cfg.TokenBudgetPerWindow = 32_000
		cfg.AdaptiveConcurrency = true
		cfg.AdaptiveCeiling = 2
	case ProfilePaidTier1:
		cfg.MaxConcurrencyPerModel = 8
		cfg.MaxAttempts = 5
		cfg.TokenBudgetPerWindow = 2_000_000
		cfg.AdaptiveConcurrency = true
		cfg.AdaptiveCeiling = 8
	case ProfilePaidTier2:
		cfg.MaxConcurrencyPerModel = 32
		cfg.MaxAttempts = 6
		cfg.TokenBudgetPerWindow = 8_000_000
		cfg.AdaptiveConcurrency = true
		cfg.AdaptiveCeiling = 32
	case ProfileCustom:
		// caller is expected to set every field explicitly afterward.
	case ProfileProd:
		fallthrough
	default:
		cfg.MaxConcurrencyPerModel = 16
		cfg.MaxAttempts = 5
		cfg.TokenBudgetPerWindow = 4_000_000
		cfg.AdaptiveConcurrency = true
		cfg.AdaptiveCeiling = 16
	}

	cfg.PermitTimeoutMS = 0
	cfg.BaseBackoffMS = 500
	cfg.MaxBackoffMS = 30_000
	cfg.JitterFactor = 0.2
	cfg.WindowDurationMS = 60_000
	cfg.BudgetSafetyMultiplier = 1.0
	cfg.MaxBudgetWaitMS = 10_000
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
