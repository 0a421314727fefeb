package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/promptgate/promptgate/pkg/types"
)

func testDecision(action types.Action) *types.Decision {
	return &types.Decision{
		Action:            action,
		OverallScore:      0.9,
		Reasoning:         "test",
		Timestamp:         time.Now(),
		ConfigFingerprint: "fp",
	}
}

func TestTieredCacheRoundTrip(t *testing.T) {
	c := New(64, &LRUPolicy{}, nil)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Fatal("Expected miss for absent key")
	}

	c.Set(ctx, "k1", testDecision(types.ActionBlock), time.Minute)
	d, ok := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("Expected hit after Set")
	}
	if d.Action != types.ActionBlock {
		t.Errorf("Expected stored action, got %s", d.Action)
	}

	stats := c.Stats()
	if stats.LocalHits != 1 || stats.LocalMisses != 1 || stats.Size != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestTieredCacheExpiry(t *testing.T) {
	c := New(64, &LRUPolicy{}, nil)
	ctx := context.Background()

	current := time.Now()
	c.now = func() time.Time { return current }

	c.Set(ctx, "k1", testDecision(types.ActionWarn), time.Minute)
	if _, ok := c.Get(ctx, "k1"); !ok {
		t.Fatal("Expected hit before expiry")
	}

	current = current.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("Expected miss after TTL elapsed")
	}
	if c.Stats().Size != 0 {
		t.Error("Expired entry should be removed on lookup")
	}
}

func TestTieredCacheZeroTTLNotStored(t *testing.T) {
	c := New(64, &LRUPolicy{}, nil)
	ctx := context.Background()

	c.Set(ctx, "k1", testDecision(types.ActionAllow), 0)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("Zero TTL entries must not be stored")
	}
}

func TestTieredCacheEviction(t *testing.T) {
	// Capacity below shard count gives one slot per shard; two keys in the
	// same shard force an eviction.
	c := New(shardCount, &LRUPolicy{}, nil)
	ctx := context.Background()

	// Find two keys in the same shard.
	base := "key-0"
	var collide string
	for i := 1; i < 10000; i++ {
		k := fmt.Sprintf("key-%d", i)
		if c.shardFor(k) == c.shardFor(base) {
			collide = k
			break
		}
	}
	if collide == "" {
		t.Fatal("No colliding key found")
	}

	c.Set(ctx, base, testDecision(types.ActionAllow), time.Minute)
	c.Set(ctx, collide, testDecision(types.ActionBlock), time.Minute)

	if c.Stats().Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", c.Stats().Evictions)
	}
	if _, ok := c.Get(ctx, collide); !ok {
		t.Error("Newest entry should survive eviction")
	}
}

func TestInvalidateAll(t *testing.T) {
	c := New(64, &LRUPolicy{}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), testDecision(types.ActionAllow), time.Minute)
	}
	c.InvalidateAll(ctx)
	if c.Stats().Size != 0 {
		t.Errorf("Expected empty cache, size=%d", c.Stats().Size)
	}
}

// fakeShared is an in-memory SharedTier for promotion and failure tests.
type fakeShared struct {
	entries map[string]*Entry
	fail    bool
	sets    int
}

func newFakeShared() *fakeShared {
	return &fakeShared{entries: make(map[string]*Entry)}
}

func (f *fakeShared) Get(_ context.Context, key string) (*Entry, error) {
	if f.fail {
		return nil, errors.New("backend down")
	}
	return f.entries[key], nil
}

func (f *fakeShared) Set(_ context.Context, e *Entry, _ time.Duration) error {
	if f.fail {
		return errors.New("backend down")
	}
	f.entries[e.Key] = e
	f.sets++
	return nil
}

func (f *fakeShared) Purge(context.Context) error {
	f.entries = make(map[string]*Entry)
	return nil
}

func (f *fakeShared) CheckConnection(context.Context) error { return nil }
func (f *fakeShared) Close() error                          { return nil }

func TestSharedTierPromotion(t *testing.T) {
	shared := newFakeShared()
	c := New(64, &LRUPolicy{}, shared)
	ctx := context.Background()

	now := time.Now()
	shared.entries["k1"] = &Entry{
		Key:       "k1",
		Decision:  testDecision(types.ActionBlock),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}

	d, ok := c.Get(ctx, "k1")
	if !ok || d.Action != types.ActionBlock {
		t.Fatalf("Expected shared hit, got ok=%v", ok)
	}

	stats := c.Stats()
	if stats.SharedHits != 1 || stats.Size != 1 {
		t.Errorf("Expected promotion into local tier: %+v", stats)
	}

	// Second lookup is served locally.
	if _, ok := c.Get(ctx, "k1"); !ok {
		t.Fatal("Expected local hit after promotion")
	}
	if c.Stats().LocalHits != 1 {
		t.Errorf("Expected 1 local hit, got %d", c.Stats().LocalHits)
	}
}

func TestSharedTierFailureDegrades(t *testing.T) {
	shared := newFakeShared()
	shared.fail = true
	c := New(64, &LRUPolicy{}, shared)
	ctx := context.Background()

	// Lookups and writes degrade to local-only, never error out.
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Fatal("Expected miss when shared tier is down")
	}
	c.Set(ctx, "k1", testDecision(types.ActionWarn), time.Minute)
	if _, ok := c.Get(ctx, "k1"); !ok {
		t.Fatal("Local tier must keep working when shared tier is down")
	}
	if c.Stats().SharedErrors != 2 {
		t.Errorf("Expected 2 shared errors, got %d", c.Stats().SharedErrors)
	}
}

func TestSetWritesThroughToShared(t *testing.T) {
	shared := newFakeShared()
	c := New(64, &LRUPolicy{}, shared)

	c.Set(context.Background(), "k1", testDecision(types.ActionAllow), time.Minute)
	if shared.sets != 1 {
		t.Errorf("Expected write-through to shared tier, sets=%d", shared.sets)
	}
}
