package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Config is the root configuration for the gateway. It is loaded once at
// startup and replaced atomically on reload; in-flight requests keep the
// snapshot they started with.
type Config struct {
	Listen     ListenConfig     `yaml:"listen,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Compliance ComplianceConfig `yaml:"compliance,omitempty"`
	Matcher    MatcherConfig    `yaml:"matcher,omitempty"`
	Cache      CacheConfig      `yaml:"cache,omitempty"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit,omitempty"`
	Batch      BatchConfig      `yaml:"batch,omitempty"`
	Detectors  []DetectorConfig `yaml:"detectors,omitempty"`
	Rules      []RuleConfig     `yaml:"rules,omitempty"`

	fingerprintOnce sync.Once
	fingerprint     string
}

// ListenConfig configures the HTTP API listener.
type ListenConfig struct {
	Address string `yaml:"address,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level       string `yaml:"level,omitempty"`
	Development bool   `yaml:"development,omitempty"`
}

// ComplianceConfig tunes scoring and the action thresholds.
type ComplianceConfig struct {
	// ScoringMethod is one of weighted_average, max, product.
	ScoringMethod string `yaml:"scoring_method,omitempty"`

	// Weights maps signal names to aggregation weights. Unlisted signals
	// get weight 1.0. Only used by weighted_average.
	Weights map[string]float64 `yaml:"weights,omitempty"`

	BlockThreshold float64 `yaml:"block_threshold,omitempty"`
	WarnThreshold  float64 `yaml:"warn_threshold,omitempty"`

	// NoiseFloor is the minimum per-signal score included in reasoning.
	NoiseFloor float64 `yaml:"noise_floor,omitempty"`

	// MaxTextLength bounds accepted input; longer requests are rejected
	// before any detector runs.
	MaxTextLength int `yaml:"max_text_length,omitempty"`

	// DecisionTimeoutMillis bounds total detector fan-out time.
	DecisionTimeoutMillis int `yaml:"decision_timeout_millis,omitempty"`

	// TimeoutAction applies when the deadline fires with partial signals:
	// "warn" downgrades when at least one signal arrived, "block" always
	// fails closed.
	TimeoutAction string `yaml:"timeout_action,omitempty"`
}

// MatcherConfig tunes the fuzzy rule matcher.
type MatcherConfig struct {
	DefaultThreshold   float64            `yaml:"default_threshold,omitempty"`
	CategoryThresholds map[string]float64 `yaml:"category_thresholds,omitempty"`
	RecencyCacheSize   int                `yaml:"recency_cache_size,omitempty"`
}

// CacheConfig configures the tiered decision cache.
type CacheConfig struct {
	Enabled         bool        `yaml:"enabled"`
	LocalMaxEntries int         `yaml:"local_max_entries,omitempty"`
	TTLSeconds      int         `yaml:"ttl_seconds,omitempty"`
	EvictionPolicy  string      `yaml:"eviction_policy,omitempty"`
	Redis           RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the optional shared cache tier.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address,omitempty"`
	Password  string `yaml:"password,omitempty"`
	Database  int    `yaml:"database,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// RateLimitConfig configures the abuse guard.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
	RequestsPerHour   int `yaml:"requests_per_hour,omitempty"`
	RequestsPerDay    int `yaml:"requests_per_day,omitempty"`

	BurstCount         int `yaml:"burst_count,omitempty"`
	BurstWindowSeconds int `yaml:"burst_window_seconds,omitempty"`
	CooldownSeconds    int `yaml:"cooldown_seconds,omitempty"`

	AutoBlockFlaggedCount int `yaml:"auto_block_flagged_count,omitempty"`
	AutoBlockSeconds      int `yaml:"auto_block_seconds,omitempty"`

	IdleEvictSeconds int `yaml:"idle_evict_seconds,omitempty"`
}

// BatchConfig configures the batch executor.
type BatchConfig struct {
	Workers      int `yaml:"workers,omitempty"`
	MaxBatchSize int `yaml:"max_batch_size,omitempty"`
}

// DetectorConfig enables a registered detector. Listing a detector turns it
// on; unlisted detectors never run.
type DetectorConfig struct {
	Name string `yaml:"name"`

	// OnError is treat_as_violation (default) or ignore.
	OnError string `yaml:"on_error,omitempty"`

	// Options carries detector-specific settings.
	Options map[string]string `yaml:"options,omitempty"`
}

// RuleConfig declares one compliance rule.
type RuleConfig struct {
	ID       string   `yaml:"id"`
	Category string   `yaml:"category"`
	Severity string   `yaml:"severity"`
	Match    string   `yaml:"match,omitempty"`
	Text     string   `yaml:"text,omitempty"`
	Keywords []string `yaml:"keywords,omitempty"`
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Compliance.ScoringMethod == "" {
		c.Compliance.ScoringMethod = "weighted_average"
	}
	if c.Compliance.BlockThreshold == 0 {
		c.Compliance.BlockThreshold = 0.7
	}
	if c.Compliance.WarnThreshold == 0 {
		c.Compliance.WarnThreshold = 0.5
	}
	if c.Compliance.MaxTextLength == 0 {
		c.Compliance.MaxTextLength = 10000
	}
	if c.Compliance.DecisionTimeoutMillis == 0 {
		c.Compliance.DecisionTimeoutMillis = 5000
	}
	if c.Compliance.TimeoutAction == "" {
		c.Compliance.TimeoutAction = "warn"
	}

	if c.Matcher.DefaultThreshold == 0 {
		c.Matcher.DefaultThreshold = 0.8
	}
	if c.Matcher.RecencyCacheSize == 0 {
		c.Matcher.RecencyCacheSize = 1000
	}

	if c.Cache.LocalMaxEntries == 0 {
		c.Cache.LocalMaxEntries = 1000
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 3600
	}
	if c.Cache.EvictionPolicy == "" {
		c.Cache.EvictionPolicy = "lru"
	}

	rl := &c.RateLimit
	if rl.RequestsPerMinute == 0 {
		rl.RequestsPerMinute = 60
	}
	if rl.RequestsPerHour == 0 {
		rl.RequestsPerHour = 1000
	}
	if rl.RequestsPerDay == 0 {
		rl.RequestsPerDay = 10000
	}
	if rl.BurstCount == 0 {
		rl.BurstCount = 10
	}
	if rl.BurstWindowSeconds == 0 {
		rl.BurstWindowSeconds = 5
	}
	if rl.CooldownSeconds == 0 {
		rl.CooldownSeconds = 300
	}
	if rl.AutoBlockFlaggedCount == 0 {
		rl.AutoBlockFlaggedCount = 50
	}
	if rl.AutoBlockSeconds == 0 {
		rl.AutoBlockSeconds = 86400
	}
	if rl.IdleEvictSeconds == 0 {
		rl.IdleEvictSeconds = 3600
	}

	if c.Batch.Workers == 0 {
		c.Batch.Workers = 4
	}
	if c.Batch.MaxBatchSize == 0 {
		c.Batch.MaxBatchSize = 1000
	}

	for i := range c.Detectors {
		if c.Detectors[i].OnError == "" {
			c.Detectors[i].OnError = "treat_as_violation"
		}
	}
	for i := range c.Rules {
		if c.Rules[i].Match == "" {
			c.Rules[i].Match = "fuzzy"
		}
	}
}

// Fingerprint returns a short stable hash of every decision-relevant field.
// Two configs that would produce identical decisions fingerprint identically
// regardless of map ordering. Computed once and cached.
func (c *Config) Fingerprint() string {
	c.fingerprintOnce.Do(func() {
		var b strings.Builder

		fmt.Fprintf(&b, "scoring=%s;block=%g;warn=%g;noise=%g;maxlen=%d;timeout=%d;toact=%s;",
			c.Compliance.ScoringMethod, c.Compliance.BlockThreshold, c.Compliance.WarnThreshold,
			c.Compliance.NoiseFloor, c.Compliance.MaxTextLength, c.Compliance.DecisionTimeoutMillis,
			c.Compliance.TimeoutAction)
		writeSortedFloats(&b, "weight", c.Compliance.Weights)

		fmt.Fprintf(&b, "fuzzy=%g;", c.Matcher.DefaultThreshold)
		writeSortedFloats(&b, "catth", c.Matcher.CategoryThresholds)

		for _, d := range sortedDetectors(c.Detectors) {
			fmt.Fprintf(&b, "det=%s:%s;", d.Name, d.OnError)
			writeSortedStrings(&b, "opt", d.Options)
		}
		for _, r := range sortedRules(c.Rules) {
			fmt.Fprintf(&b, "rule=%s:%s:%s:%s:%s:%s;",
				r.ID, r.Category, strings.ToLower(r.Severity), strings.ToLower(r.Match),
				r.Text, strings.Join(r.Keywords, ","))
		}

		sum := sha256.Sum256([]byte(b.String()))
		c.fingerprint = hex.EncodeToString(sum[:8])
	})
	return c.fingerprint
}

func writeSortedFloats(b *strings.Builder, tag string, m map[string]float64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%s:%g;", tag, k, m[k])
	}
}

func writeSortedStrings(b *strings.Builder, tag string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%s:%s;", tag, k, m[k])
	}
}

func sortedDetectors(in []DetectorConfig) []DetectorConfig {
	out := make([]DetectorConfig, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedRules(in []RuleConfig) []RuleConfig {
	out := make([]RuleConfig, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Weight returns the aggregation weight for a signal name, defaulting to 1.
func (c *ComplianceConfig) Weight(signal string) float64 {
	if w, ok := c.Weights[signal]; ok {
		return w
	}
	return 1.0
}
