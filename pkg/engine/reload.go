package engine

import (
	"context"
	"time"

	"github.com/promptgate/promptgate/pkg/cache"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/match"
	"github.com/promptgate/promptgate/pkg/observability/logging"
	"github.com/promptgate/promptgate/pkg/observability/metrics"
	"github.com/promptgate/promptgate/pkg/ratelimit"
	"github.com/promptgate/promptgate/pkg/types"
)

// ReloadConfiguration parses, validates and atomically activates a new
// configuration. A config that fails validation is rejected in full and the
// previous configuration stays active. In-flight requests finish against the
// snapshot they started with; old cache entries become unreachable through
// the new fingerprint.
func (e *Engine) ReloadConfiguration(path string) error {
	newCfg, err := config.Parse(path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		logging.Errorf("Config reload rejected: %v", err)
		return err
	}

	if err := e.matcher.Reload(newCfg.Rules, newCfg.Matcher); err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		logging.Errorf("Config reload rejected by matcher: %v", err)
		return err
	}

	e.cfg.Store(newCfg)
	config.Replace(newCfg)

	// Entries keyed under the old fingerprint are unreachable now; drop them
	// instead of waiting for TTL expiry.
	if e.cache != nil {
		e.cache.InvalidateAll(context.Background())
	}

	metrics.ConfigReloads.WithLabelValues("applied").Inc()
	logging.Infof("Configuration reloaded, fingerprint=%s", newCfg.Fingerprint())
	return nil
}

// Unblock lifts a block for a raw client identifier. Returns false when the
// guard is disabled or has no record of the client.
func (e *Engine) Unblock(clientID string) bool {
	guard, ok := e.guard.(*ratelimit.Guard)
	if !ok || guard == nil {
		return false
	}
	return guard.Unblock(ratelimit.HashClientID(clientID))
}

// WarmUp primes the decision cache by deciding a list of known-frequent
// texts ahead of traffic. Failures are logged and skipped.
func (e *Engine) WarmUp(ctx context.Context, texts []string) int {
	warmed := 0
	for _, text := range texts {
		// No client identity, so warm-up traffic bypasses the guard.
		req := &types.ComplianceRequest{Text: text}
		if _, err := e.Decide(ctx, req); err != nil {
			logging.Warnf("Cache warm-up skipped entry: %v", err)
			continue
		}
		warmed++
	}
	if warmed > 0 {
		logging.Infof("Cache warm-up complete: %d entries", warmed)
	}
	return warmed
}

// DetectorStat is one detector's aggregate timing snapshot.
type DetectorStat struct {
	Count     uint64        `json:"count"`
	Errors    uint64        `json:"errors"`
	AvgPerOp  time.Duration `json:"avg_per_op_ns"`
	TotalTime time.Duration `json:"total_time_ns"`
}

// Stats is the aggregate operational snapshot served by the stats API.
type Stats struct {
	Decisions uint64                  `json:"decisions"`
	UptimeSec int64                   `json:"uptime_seconds"`
	Cache     *cache.Stats            `json:"cache,omitempty"`
	RateLimit *ratelimit.GuardStats   `json:"rate_limit,omitempty"`
	Matcher   match.Stats             `json:"matcher"`
	Detectors map[string]DetectorStat `json:"detectors"`
}

// Stats returns a point-in-time operational snapshot.
func (e *Engine) Stats() Stats {
	s := Stats{
		Decisions: e.decisions.Load(),
		UptimeSec: int64(time.Since(e.startedAt).Seconds()),
		Matcher:   e.matcher.Stats(),
		Detectors: make(map[string]DetectorStat),
	}
	if e.cache != nil {
		cs := e.cache.Stats()
		s.Cache = &cs
	}
	if guard, ok := e.guard.(*ratelimit.Guard); ok && guard != nil {
		gs := guard.Stats()
		s.RateLimit = &gs
	}
	e.detStats.Range(func(key, value any) bool {
		stat := value.(*detStat)
		count := stat.count.Load()
		total := time.Duration(stat.totalNs.Load())
		ds := DetectorStat{Count: count, Errors: stat.errors.Load(), TotalTime: total}
		if count > 0 {
			ds.AvgPerOp = total / time.Duration(count)
		}
		s.Detectors[key.(string)] = ds
		return true
	})
	return s
}
