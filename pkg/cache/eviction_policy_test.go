package cache

import (
	"testing"
	"time"
)

func policyEntries(now time.Time) []*Entry {
	return []*Entry{
		{Key: "a", CreatedAt: now.Add(-3 * time.Second), LastAccessAt: now.Add(-1 * time.Second), HitCount: 5},
		{Key: "b", CreatedAt: now.Add(-1 * time.Second), LastAccessAt: now.Add(-3 * time.Second), HitCount: 1},
		{Key: "c", CreatedAt: now.Add(-2 * time.Second), LastAccessAt: now.Add(-2 * time.Second), HitCount: 1},
	}
}

func TestFIFOPolicy(t *testing.T) {
	policy := &FIFOPolicy{}

	if victim := policy.SelectVictim(nil); victim != -1 {
		t.Errorf("Expected -1 for empty entries, got %d", victim)
	}

	victim := policy.SelectVictim(policyEntries(time.Now()))
	if victim != 0 {
		t.Errorf("Expected oldest creation (index 0), got %d", victim)
	}
}

func TestLRUPolicy(t *testing.T) {
	policy := &LRUPolicy{}

	if victim := policy.SelectVictim(nil); victim != -1 {
		t.Errorf("Expected -1 for empty entries, got %d", victim)
	}

	victim := policy.SelectVictim(policyEntries(time.Now()))
	if victim != 1 {
		t.Errorf("Expected least recently accessed (index 1), got %d", victim)
	}
}

func TestLFUPolicy(t *testing.T) {
	policy := &LFUPolicy{}

	if victim := policy.SelectVictim(nil); victim != -1 {
		t.Errorf("Expected -1 for empty entries, got %d", victim)
	}

	// b and c tie on hit count; least recently accessed of the two wins.
	victim := policy.SelectVictim(policyEntries(time.Now()))
	if victim != 1 {
		t.Errorf("Expected lowest hit count with LRU tiebreak (index 1), got %d", victim)
	}
}

func TestNewEvictionPolicy(t *testing.T) {
	for _, name := range []string{"fifo", "lru", "lfu"} {
		if _, err := NewEvictionPolicy(name); err != nil {
			t.Errorf("NewEvictionPolicy(%q) failed: %v", name, err)
		}
	}
	if _, err := NewEvictionPolicy("random"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLRUBasics(t *testing.T) {
	lru := NewLRU[int](2)

	lru.Add("a", 1)
	lru.Add("b", 2)
	if v, ok := lru.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}

	// "b" is now least recently used and gets evicted.
	lru.Add("c", 3)
	if _, ok := lru.Get("b"); ok {
		t.Error("Expected b evicted")
	}
	if _, ok := lru.Get("a"); !ok {
		t.Error("Expected a retained")
	}
	if lru.Len() != 2 || lru.Evictions() != 1 {
		t.Errorf("len=%d evictions=%d", lru.Len(), lru.Evictions())
	}

	lru.Purge()
	if lru.Len() != 0 {
		t.Errorf("Expected empty after purge, len=%d", lru.Len())
	}
}
