package ratelimit

import (
	"testing"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
)

func testLimits() config.RateLimitConfig {
	return config.RateLimitConfig{
		RequestsPerMinute:     60,
		RequestsPerHour:       1000,
		RequestsPerDay:        10000,
		BurstCount:            10,
		BurstWindowSeconds:    5,
		CooldownSeconds:       300,
		AutoBlockFlaggedCount: 50,
		AutoBlockSeconds:      86400,
		IdleEvictSeconds:      3600,
	}
}

// newTestGuard returns a guard with a controllable clock. The clock starts
// at a fixed minute boundary so window rollover is predictable.
func newTestGuard(cfg config.RateLimitConfig) (*Guard, *time.Time) {
	g := NewGuard(cfg)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	return g, &current
}

func TestMinuteCeiling(t *testing.T) {
	g, clock := newTestGuard(testLimits())

	// Spread requests out so burst detection stays quiet.
	for i := 0; i < 60; i++ {
		*clock = clock.Add(900 * time.Millisecond)
		res, err := g.CheckAndRecord("client")
		if err != nil {
			t.Fatalf("CheckAndRecord failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("Request %d unexpectedly denied: %s", i+1, res.Reason)
		}
	}

	*clock = clock.Add(900 * time.Millisecond)
	res, _ := g.CheckAndRecord("client")
	if res.Allowed {
		t.Fatal("61st request within the minute should be denied")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("Expected positive retry-after, got %v", res.RetryAfter)
	}

	// A fresh minute clears the ceiling.
	*clock = clock.Truncate(time.Minute).Add(time.Minute)
	if res, _ := g.CheckAndRecord("client"); !res.Allowed {
		t.Errorf("Request in new minute should be allowed: %s", res.Reason)
	}
}

func TestCeilingDenialDoesNotCooldown(t *testing.T) {
	cfg := testLimits()
	cfg.RequestsPerMinute = 2
	g, clock := newTestGuard(cfg)

	*clock = clock.Add(time.Second)
	g.CheckAndRecord("client")
	*clock = clock.Add(time.Second)
	g.CheckAndRecord("client")
	*clock = clock.Add(time.Second)
	if res, _ := g.CheckAndRecord("client"); res.Allowed {
		t.Fatal("Expected ceiling denial")
	}

	// Next minute: no lingering cooldown from the ceiling denial.
	*clock = clock.Truncate(time.Minute).Add(time.Minute)
	if res, _ := g.CheckAndRecord("client"); !res.Allowed {
		t.Errorf("Ceiling denial must not impose a cooldown: %s", res.Reason)
	}
}

func TestBurstTriggersCooldown(t *testing.T) {
	g, clock := newTestGuard(testLimits())

	// Exactly burst_count rapid requests stay within the allowance; the
	// detector trips only when the count is exceeded.
	for i := 0; i < 10; i++ {
		*clock = clock.Add(100 * time.Millisecond)
		res, _ := g.CheckAndRecord("client")
		if !res.Allowed {
			t.Fatalf("Request %d within the burst allowance denied: %s", i+1, res.Reason)
		}
	}

	*clock = clock.Add(100 * time.Millisecond)
	res, _ := g.CheckAndRecord("client")
	if res.Allowed {
		t.Fatal("11th rapid request should trip the burst detector")
	}
	if res.RetryAfter != 300*time.Second {
		t.Errorf("Expected cooldown retry-after 300s, got %v", res.RetryAfter)
	}

	// Still cooling down a minute later.
	*clock = clock.Add(time.Minute)
	if res, _ := g.CheckAndRecord("client"); res.Allowed {
		t.Error("Expected denial during cooldown")
	}

	// Cooldown expired: allowed again.
	*clock = clock.Add(5 * time.Minute)
	if res, _ := g.CheckAndRecord("client"); !res.Allowed {
		t.Errorf("Expected allow after cooldown: %s", res.Reason)
	}
}

func TestSlowTrafficNeverBursts(t *testing.T) {
	g, clock := newTestGuard(testLimits())

	for i := 0; i < 30; i++ {
		*clock = clock.Add(time.Second)
		res, _ := g.CheckAndRecord("client")
		if !res.Allowed {
			t.Fatalf("Request %d denied at 1 rps: %s", i+1, res.Reason)
		}
	}
}

func TestAutoBlockAfterFlaggedThreshold(t *testing.T) {
	cfg := testLimits()
	cfg.AutoBlockFlaggedCount = 3
	g, clock := newTestGuard(cfg)

	for i := 0; i < 4; i++ {
		if err := g.RecordOutcome("client", true); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}

	res, _ := g.CheckAndRecord("client")
	if res.Allowed {
		t.Fatal("Expected auto-blocked client to be denied")
	}

	// Block outlasts the day it was issued in.
	*clock = clock.Add(12 * time.Hour)
	if res, _ := g.CheckAndRecord("client"); res.Allowed {
		t.Error("Expected denial while auto-block is active")
	}

	*clock = clock.Add(13 * time.Hour)
	if res, _ := g.CheckAndRecord("client"); !res.Allowed {
		t.Errorf("Expected allow after auto-block expiry: %s", res.Reason)
	}
}

func TestCleanOutcomesNeverBlock(t *testing.T) {
	cfg := testLimits()
	cfg.AutoBlockFlaggedCount = 1
	g, _ := newTestGuard(cfg)

	for i := 0; i < 100; i++ {
		g.RecordOutcome("client", false)
	}
	if res, _ := g.CheckAndRecord("client"); !res.Allowed {
		t.Errorf("Clean outcomes must not block: %s", res.Reason)
	}
}

func TestUnblock(t *testing.T) {
	cfg := testLimits()
	cfg.AutoBlockFlaggedCount = 1
	g, _ := newTestGuard(cfg)

	g.RecordOutcome("client", true)
	g.RecordOutcome("client", true)
	if res, _ := g.CheckAndRecord("client"); res.Allowed {
		t.Fatal("Expected auto-block before unblock")
	}

	if !g.Unblock("client") {
		t.Fatal("Unblock reported no record for a known client")
	}
	if res, _ := g.CheckAndRecord("client"); !res.Allowed {
		t.Errorf("Expected allow after unblock: %s", res.Reason)
	}

	if g.Unblock("stranger") {
		t.Error("Unblock of unknown client should report false")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	cfg := testLimits()
	cfg.RequestsPerMinute = 1
	g, clock := newTestGuard(cfg)

	*clock = clock.Add(time.Second)
	g.CheckAndRecord("a")
	*clock = clock.Add(time.Second)
	if res, _ := g.CheckAndRecord("a"); res.Allowed {
		t.Fatal("Expected second request from a denied")
	}
	if res, _ := g.CheckAndRecord("b"); !res.Allowed {
		t.Errorf("Client b must not inherit a's ceiling: %s", res.Reason)
	}
}

func TestEvictIdle(t *testing.T) {
	g, clock := newTestGuard(testLimits())

	*clock = clock.Add(time.Second)
	g.CheckAndRecord("idle-client")

	*clock = clock.Add(2 * time.Hour)
	g.CheckAndRecord("active-client")

	if evicted := g.EvictIdle(); evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", evicted)
	}
	if stats := g.Stats(); stats.ActiveClients != 1 {
		t.Errorf("Expected 1 remaining client, got %d", stats.ActiveClients)
	}
}

func TestEvictIdleKeepsBlockedClients(t *testing.T) {
	cfg := testLimits()
	cfg.AutoBlockFlaggedCount = 1
	g, clock := newTestGuard(cfg)

	g.CheckAndRecord("blocked")
	g.RecordOutcome("blocked", true)
	g.RecordOutcome("blocked", true)

	*clock = clock.Add(2 * time.Hour)
	if evicted := g.EvictIdle(); evicted != 0 {
		t.Errorf("Blocked client must survive idle eviction, evicted=%d", evicted)
	}
}

func TestStatsBlockedInventory(t *testing.T) {
	cfg := testLimits()
	cfg.AutoBlockFlaggedCount = 1
	g, _ := newTestGuard(cfg)

	g.RecordOutcome("bad", true)
	g.RecordOutcome("bad", true)

	stats := g.Stats()
	remaining, ok := stats.BlockedClients["bad"]
	if !ok {
		t.Fatal("Expected blocked client in inventory")
	}
	if remaining <= 0 || remaining > 86400 {
		t.Errorf("Unexpected remaining seconds: %d", remaining)
	}
	if stats.AutoBlocks != 1 {
		t.Errorf("Expected 1 auto-block, got %d", stats.AutoBlocks)
	}
}

func TestHashClientIDStableAndOpaque(t *testing.T) {
	a := HashClientID("alice@example.com")
	b := HashClientID("alice@example.com")
	if a != b {
		t.Error("Hash must be deterministic")
	}
	if a == "alice@example.com" || len(a) != 16 {
		t.Errorf("Expected 16-char hex digest, got %q", a)
	}
	if HashClientID("bob") == a {
		t.Error("Different identities must hash differently")
	}
}
