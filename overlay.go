/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Per-call request overlay merged on top of the
             process-wide config.Config to produce the effective
             admission Config the rate-limit manager receives.
             Replaces the source system's dynamically-typed option
             map with a typed struct plus an explicit merge
             (buildEffective).
Root Cause:  Unknown option keys must be a compile error, not a
             silently-ignored map entry; semantically invalid
             combinations must be caught once, at the boundary,
             rather than scattered across every call site.
Context:     Every Client method accepts *Overlay (nil means
             "use the process defaults verbatim").
Suitability: L2 — field-by-field merge, one validation rule.
──────────────────────────────────────────────────────────────
*/

package gemini

import (
	"fmt"

	"github.com/nshkrdotcom/gemini-ex-sub004/config"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/auth"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/ratelimit"
)

// Overlay carries the per-call fields a caller may override. Every field
// is optional; zero values mean "inherit from the client's Config".
type Overlay struct {
	Location string

	Auth               config.AuthStrategy
	APIKey             string
	ProjectID          string
	ServiceAccountPath string
	ServiceAccountJSON string
	QuotaProjectID     string
	AccessToken        string

	Profile                config.Profile
	ConcurrencyKey         string
	MaxConcurrencyPerModel int
	PermitTimeoutMS        int64
	MaxAttempts            int
	BaseBackoffMS          int64
	MaxBackoffMS           int64
	JitterFactor           float64
	AdaptiveConcurrency    *bool
	AdaptiveCeiling        int
	TokenBudgetPerWindow   int64
	WindowDurationMS       int64
	BudgetSafetyMultiplier float64
	MaxBudgetWaitMS        int64
	NonBlocking            *bool
	DisableRateLimiter     *bool
	EstimatedInputTokens   int64
	EstimatedCachedTokens  int64
}

// buildEffective merges ov onto cfg and returns the auth Options and
// ratelimit Config the admission pipeline needs. It rejects the one
// invalid combination the spec calls out explicitly: a profile selected
// together with the rate limiter disabled.
func buildEffective(cfg *config.Config, ov *Overlay) (auth.Options, ratelimit.Config, error) {
	if ov == nil {
		ov = &Overlay{}
	}

	disable := cfg.DisableRateLimiter
	if ov.DisableRateLimiter != nil {
		disable = *ov.DisableRateLimiter
	}
	if disable && ov.Profile != "" {
		return auth.Options{}, ratelimit.Config{}, fmt.Errorf("gemini: overlay selects profile %q while also disabling the rate limiter", ov.Profile)
	}

	// Merge order: process config, then profile seed, then explicit
	// per-call fields on top.
	base := *cfg
	if ov.Profile != "" && ov.Profile != cfg.Profile {
		config.ApplyProfile(&base, ov.Profile)
	}

	rl := ratelimit.Config{
		Location:               firstNonEmpty(ov.Location, base.Location),
		ConcurrencyKey:         ov.ConcurrencyKey,
		MaxConcurrencyPerModel: firstPositiveInt(ov.MaxConcurrencyPerModel, base.MaxConcurrencyPerModel),
		PermitTimeoutMS:        firstPositive64(ov.PermitTimeoutMS, base.PermitTimeoutMS),
		MaxAttempts:            firstPositiveInt(ov.MaxAttempts, base.MaxAttempts),
		BaseBackoffMS:          firstPositive64(ov.BaseBackoffMS, base.BaseBackoffMS),
		MaxBackoffMS:           firstPositive64(ov.MaxBackoffMS, base.MaxBackoffMS),
		JitterFactor:           firstPositiveFloat(ov.JitterFactor, base.JitterFactor),
		AdaptiveConcurrency:    boolOr(ov.AdaptiveConcurrency, base.AdaptiveConcurrency),
		AdaptiveCeiling:        firstPositiveInt(ov.AdaptiveCeiling, base.AdaptiveCeiling),
		TokenBudgetPerWindow:   firstPositive64(ov.TokenBudgetPerWindow, base.TokenBudgetPerWindow),
		WindowDurationMS:       firstPositive64(ov.WindowDurationMS, base.WindowDurationMS),
		BudgetSafetyMultiplier: firstPositiveFloat(ov.BudgetSafetyMultiplier, base.BudgetSafetyMultiplier),
		MaxBudgetWaitMS:        firstPositive64(ov.MaxBudgetWaitMS, base.MaxBudgetWaitMS),
		NonBlocking:            boolOr(ov.NonBlocking, base.NonBlocking),
		DisableRateLimiter:     disable,
		EstimatedInputTokens:   ov.EstimatedInputTokens,
		EstimatedCachedTokens:  ov.EstimatedCachedTokens,
	}

	authOpts := auth.Options{
		Strategy:           auth.Strategy(firstNonEmpty(string(ov.Auth), string(cfg.Auth))),
		APIKey:             firstNonEmpty(ov.APIKey, cfg.APIKey),
		ProjectID:          firstNonEmpty(ov.ProjectID, cfg.ProjectID),
		Location:           firstNonEmpty(ov.Location, cfg.Location),
		ServiceAccountPath: firstNonEmpty(ov.ServiceAccountPath, cfg.ServiceAccountPath),
		ServiceAccountJSON: firstNonEmpty(ov.ServiceAccountJSON, cfg.ServiceAccountJSON),
		QuotaProjectID:     firstNonEmpty(ov.QuotaProjectID, cfg.QuotaProjectID),
		AccessToken:        ov.AccessToken,
	}
	return authOpts, rl, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstPositiveInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

func firstPositive64(a, b int64) int64 {
	if a > 0 {
		return a
	}
	return b
}

func firstPositiveFloat(a, b float64) float64 {
	if a > 0 {
		return a
	}
	return b
}

func boolOr(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}
