package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/observability/logging"
	"github.com/promptgate/promptgate/pkg/observability/metrics"
)

// Guard is the in-process abuse guard. Per-client state lives in a sync.Map
// of mutex-guarded records, so concurrent requests for different clients
// never contend on a shared lock.
//
// Counting uses fixed wall-clock-truncated windows (minute/hour/day) for
// O(1) memory per client. Burst detection keeps a small ring of recent
// arrival timestamps.
type Guard struct {
	limits  limits
	clients sync.Map // clientKey -> *clientRecord

	allowed    atomic.Uint64
	denied     atomic.Uint64
	bursts     atomic.Uint64
	autoBlocks atomic.Uint64

	// now is swappable for tests.
	now func() time.Time
}

type limits struct {
	perMinute int
	perHour   int
	perDay    int

	burstCount  int
	burstWindow time.Duration
	cooldown    time.Duration

	autoBlockFlagged int
	autoBlockFor     time.Duration

	idleEvict time.Duration
}

type window struct {
	start time.Time
	count int
}

// roll resets the window when the wall clock has crossed into a new period.
func (w *window) roll(now time.Time, period time.Duration) {
	t := now.Truncate(period)
	if !t.Equal(w.start) {
		w.start = t
		w.count = 0
	}
}

type clientRecord struct {
	mu sync.Mutex

	minute window
	hour   window
	day    window

	// burstRing holds the last burstCount+1 arrival times, so a burst is
	// detected only when the configured count is exceeded, not merely met.
	burstRing []time.Time
	burstIdx  int
	burstLen  int

	flaggedWindow window // rolling day for auto-block accounting

	cooldownUntil time.Time
	blockedUntil  time.Time

	lastSeen      time.Time
	totalRequests int64
	totalFlagged  int64
}

// NewGuard builds a guard from config.
func NewGuard(cfg config.RateLimitConfig) *Guard {
	return &Guard{
		limits: limits{
			perMinute:        cfg.RequestsPerMinute,
			perHour:          cfg.RequestsPerHour,
			perDay:           cfg.RequestsPerDay,
			burstCount:       cfg.BurstCount,
			burstWindow:      time.Duration(cfg.BurstWindowSeconds) * time.Second,
			cooldown:         time.Duration(cfg.CooldownSeconds) * time.Second,
			autoBlockFlagged: cfg.AutoBlockFlaggedCount,
			autoBlockFor:     time.Duration(cfg.AutoBlockSeconds) * time.Second,
			idleEvict:        time.Duration(cfg.IdleEvictSeconds) * time.Second,
		},
		now: time.Now,
	}
}

// Name identifies the guard in logs and decision reasoning.
func (g *Guard) Name() string {
	return "abuse-guard"
}

func (g *Guard) record(clientKey string) *clientRecord {
	if v, ok := g.clients.Load(clientKey); ok {
		return v.(*clientRecord)
	}
	ringSize := 0
	if g.limits.burstCount > 0 {
		ringSize = g.limits.burstCount + 1
	}
	rec := &clientRecord{burstRing: make([]time.Time, ringSize)}
	actual, _ := g.clients.LoadOrStore(clientKey, rec)
	return actual.(*clientRecord)
}

// CheckAndRecord evaluates one request arrival. Denials name the exhausted
// limit and how long the client should wait.
func (g *Guard) CheckAndRecord(clientKey string) (Result, error) {
	now := g.now()
	rec := g.record(clientKey)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.lastSeen = now

	if now.Before(rec.blockedUntil) {
		return g.deny("client temporarily blocked for repeated violations", rec.blockedUntil.Sub(now)), nil
	}
	if now.Before(rec.cooldownUntil) {
		return g.deny("client in cooldown after burst activity", rec.cooldownUntil.Sub(now)), nil
	}

	// Burst detection runs on raw arrivals, before window accounting, so a
	// client cannot dodge it by tripping a ceiling first.
	rec.pushArrival(now)
	if rec.burstLen == len(rec.burstRing) && rec.burstLen > 0 {
		oldest := rec.oldestArrival()
		if now.Sub(oldest) <= g.limits.burstWindow {
			rec.cooldownUntil = now.Add(g.limits.cooldown)
			g.bursts.Add(1)
			logging.Warnf("Burst detected for client %s: more than %d requests in %v, cooldown %v",
				clientKey, g.limits.burstCount, now.Sub(oldest), g.limits.cooldown)
			return g.deny("burst detected, cooldown applied", g.limits.cooldown), nil
		}
	}

	rec.minute.roll(now, time.Minute)
	rec.hour.roll(now, time.Hour)
	rec.day.roll(now, 24*time.Hour)

	switch {
	case rec.minute.count >= g.limits.perMinute:
		return g.deny(fmt.Sprintf("minute limit exceeded (%d/min)", g.limits.perMinute),
			rec.minute.start.Add(time.Minute).Sub(now)), nil
	case rec.hour.count >= g.limits.perHour:
		return g.deny(fmt.Sprintf("hourly limit exceeded (%d/hr)", g.limits.perHour),
			rec.hour.start.Add(time.Hour).Sub(now)), nil
	case rec.day.count >= g.limits.perDay:
		return g.deny(fmt.Sprintf("daily limit exceeded (%d/day)", g.limits.perDay),
			rec.day.start.Add(24*time.Hour).Sub(now)), nil
	}

	rec.minute.count++
	rec.hour.count++
	rec.day.count++
	rec.totalRequests++

	g.allowed.Add(1)
	metrics.RateLimitChecks.WithLabelValues("allowed").Inc()
	return Result{Allowed: true}, nil
}

func (g *Guard) deny(reason string, retryAfter time.Duration) Result {
	g.denied.Add(1)
	metrics.RateLimitChecks.WithLabelValues("denied").Inc()
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Result{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

func (rec *clientRecord) pushArrival(now time.Time) {
	if len(rec.burstRing) == 0 {
		return
	}
	rec.burstRing[rec.burstIdx] = now
	rec.burstIdx = (rec.burstIdx + 1) % len(rec.burstRing)
	if rec.burstLen < len(rec.burstRing) {
		rec.burstLen++
	}
}

func (rec *clientRecord) oldestArrival() time.Time {
	if rec.burstLen < len(rec.burstRing) {
		return rec.burstRing[0]
	}
	return rec.burstRing[rec.burstIdx]
}

// RecordOutcome books a finished decision. Crossing the flagged-content
// threshold within the rolling day auto-blocks the client; the block always
// lands strictly in the future relative to this update.
func (g *Guard) RecordOutcome(clientKey string, flagged bool) error {
	if !flagged {
		return nil
	}
	now := g.now()
	rec := g.record(clientKey)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.flaggedWindow.roll(now, 24*time.Hour)
	rec.flaggedWindow.count++
	rec.totalFlagged++

	if rec.flaggedWindow.count > g.limits.autoBlockFlagged && now.After(rec.blockedUntil) {
		rec.blockedUntil = now.Add(g.limits.autoBlockFor)
		g.autoBlocks.Add(1)
		metrics.RateLimitChecks.WithLabelValues("auto_blocked").Inc()
		logging.Warnf("Auto-blocking client %s until %v: %d flagged results in rolling day",
			clientKey, rec.blockedUntil, rec.flaggedWindow.count)
	}
	return nil
}

// Unblock clears any block or cooldown for a client. Administrative action.
func (g *Guard) Unblock(clientKey string) bool {
	v, ok := g.clients.Load(clientKey)
	if !ok {
		return false
	}
	rec := v.(*clientRecord)
	rec.mu.Lock()
	rec.blockedUntil = time.Time{}
	rec.cooldownUntil = time.Time{}
	rec.flaggedWindow = window{}
	rec.mu.Unlock()
	logging.Infof("Client %s unblocked by administrative action", clientKey)
	return true
}

// EvictIdle drops client records idle longer than the configured period and
// returns how many were removed. Blocked clients are retained so an eviction
// never shortens a block.
func (g *Guard) EvictIdle() int {
	now := g.now()
	evicted := 0
	g.clients.Range(func(key, value any) bool {
		rec := value.(*clientRecord)
		rec.mu.Lock()
		idle := now.Sub(rec.lastSeen) > g.limits.idleEvict
		blocked := now.Before(rec.blockedUntil) || now.Before(rec.cooldownUntil)
		rec.mu.Unlock()
		if idle && !blocked {
			g.clients.Delete(key)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		logging.Debugf("Evicted %d idle client records", evicted)
	}
	return evicted
}

// Janitor periodically evicts idle client records until ctx is cancelled.
// The sweep interval is a quarter of the idle period, never below a minute.
func (g *Guard) Janitor(ctx context.Context) {
	interval := g.limits.idleEvict / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.EvictIdle()
		case <-ctx.Done():
			return
		}
	}
}

// GuardStats is an aggregate snapshot for the stats API.
type GuardStats struct {
	Allowed        uint64           `json:"allowed"`
	Denied         uint64           `json:"denied"`
	BurstsDetected uint64           `json:"bursts_detected"`
	AutoBlocks     uint64           `json:"auto_blocks"`
	ActiveClients  int              `json:"active_clients"`
	BlockedClients map[string]int64 `json:"blocked_clients,omitempty"` // key -> seconds remaining
}

// Stats returns a snapshot of guard counters and the blocked-client
// inventory.
func (g *Guard) Stats() GuardStats {
	now := g.now()
	stats := GuardStats{
		Allowed:        g.allowed.Load(),
		Denied:         g.denied.Load(),
		BurstsDetected: g.bursts.Load(),
		AutoBlocks:     g.autoBlocks.Load(),
		BlockedClients: make(map[string]int64),
	}
	g.clients.Range(func(key, value any) bool {
		stats.ActiveClients++
		rec := value.(*clientRecord)
		rec.mu.Lock()
		if now.Before(rec.blockedUntil) {
			stats.BlockedClients[key.(string)] = int64(rec.blockedUntil.Sub(now).Seconds())
		}
		rec.mu.Unlock()
		return true
	})
	return stats
}
