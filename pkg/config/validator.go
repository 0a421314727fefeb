package config

import (
	"fmt"
	"strings"
)

// ValidationError describes one invalid configuration field. A reload that
// produces validation errors is rejected before the swap, so the previously
// active configuration stays in effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ValidationErrors aggregates every problem found in one pass so operators
// can fix a config in a single round trip.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Validate checks the configuration for structural problems. It returns a
// ValidationErrors value listing every violation, or nil.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	add := func(field, reason string) {
		errs = append(errs, &ValidationError{Field: field, Reason: reason})
	}

	switch cfg.Compliance.ScoringMethod {
	case "weighted_average", "max", "product":
	default:
		add("compliance.scoring_method",
			fmt.Sprintf("unknown method %q (valid: weighted_average, max, product)", cfg.Compliance.ScoringMethod))
	}

	if cfg.Compliance.BlockThreshold <= 0 || cfg.Compliance.BlockThreshold > 1 {
		add("compliance.block_threshold", "must be in (0, 1]")
	}
	if cfg.Compliance.WarnThreshold <= 0 || cfg.Compliance.WarnThreshold > 1 {
		add("compliance.warn_threshold", "must be in (0, 1]")
	}
	if cfg.Compliance.BlockThreshold <= cfg.Compliance.WarnThreshold {
		add("compliance.block_threshold", "must be strictly greater than warn_threshold")
	}
	if cfg.Compliance.NoiseFloor < 0 || cfg.Compliance.NoiseFloor >= 1 {
		add("compliance.noise_floor", "must be in [0, 1)")
	}
	for name, w := range cfg.Compliance.Weights {
		if w < 0 {
			add("compliance.weights."+name, "must be non-negative")
		}
	}
	switch cfg.Compliance.TimeoutAction {
	case "warn", "block":
	default:
		add("compliance.timeout_action", fmt.Sprintf("unknown action %q (valid: warn, block)", cfg.Compliance.TimeoutAction))
	}

	if cfg.Matcher.DefaultThreshold <= 0 || cfg.Matcher.DefaultThreshold > 1 {
		add("matcher.default_threshold", "must be in (0, 1]")
	}
	for cat, th := range cfg.Matcher.CategoryThresholds {
		if th <= 0 || th > 1 {
			add("matcher.category_thresholds."+cat, "must be in (0, 1]")
		}
	}
	if cfg.Matcher.RecencyCacheSize < 0 {
		add("matcher.recency_cache_size", "must be non-negative")
	}

	switch cfg.Cache.EvictionPolicy {
	case "lru", "lfu", "fifo":
	default:
		add("cache.eviction_policy", fmt.Sprintf("unknown policy %q (valid: lru, lfu, fifo)", cfg.Cache.EvictionPolicy))
	}
	if cfg.Cache.LocalMaxEntries <= 0 {
		add("cache.local_max_entries", "must be positive")
	}
	if cfg.Cache.Redis.Enabled && cfg.Cache.Redis.Address == "" {
		add("cache.redis.address", "required when redis tier is enabled")
	}

	validateRateLimit(&cfg.RateLimit, add)

	seenDetectors := map[string]bool{}
	for i, d := range cfg.Detectors {
		field := fmt.Sprintf("detectors[%d]", i)
		if d.Name == "" {
			add(field+".name", "required")
		} else if seenDetectors[d.Name] {
			add(field+".name", fmt.Sprintf("duplicate detector %q", d.Name))
		}
		seenDetectors[d.Name] = true
		switch d.OnError {
		case "", "treat_as_violation", "ignore":
		default:
			add(field+".on_error", fmt.Sprintf("unknown policy %q (valid: treat_as_violation, ignore)", d.OnError))
		}
	}

	for i, r := range cfg.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			add(field+".id", "required")
		}
		if r.Category == "" {
			add(field+".category", "required")
		}
		if !validSeverities[strings.ToLower(r.Severity)] {
			add(field+".severity", fmt.Sprintf("unknown severity %q (valid: low, medium, high, critical)", r.Severity))
		}
		switch strings.ToLower(r.Match) {
		case "exact", "fuzzy":
		default:
			add(field+".match", fmt.Sprintf("unknown match kind %q (valid: exact, fuzzy)", r.Match))
		}
		if strings.TrimSpace(r.Text) == "" && len(r.Keywords) == 0 {
			add(field, "rule has no matchable representation (text or keywords required)")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateRateLimit(rl *RateLimitConfig, add func(field, reason string)) {
	if rl.RequestsPerMinute <= 0 {
		add("rate_limit.requests_per_minute", "must be positive")
	}
	if rl.RequestsPerHour <= 0 {
		add("rate_limit.requests_per_hour", "must be positive")
	}
	if rl.RequestsPerDay <= 0 {
		add("rate_limit.requests_per_day", "must be positive")
	}
	if rl.BurstCount <= 1 {
		add("rate_limit.burst_count", "must be greater than 1")
	}
	if rl.BurstWindowSeconds <= 0 {
		add("rate_limit.burst_window_seconds", "must be positive")
	}
	if rl.CooldownSeconds <= 0 {
		add("rate_limit.cooldown_seconds", "must be positive")
	}
	if rl.AutoBlockFlaggedCount <= 0 {
		add("rate_limit.auto_block_flagged_count", "must be positive")
	}
	if rl.AutoBlockSeconds <= 0 {
		add("rate_limit.auto_block_seconds", "must be positive")
	}
}
