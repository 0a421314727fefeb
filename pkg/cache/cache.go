// Package cache implements the two-tier decision cache: a bounded in-process
// LOCAL tier with pluggable eviction and an optional SHARED Redis tier for
// cross-process reuse. Keys are content fingerprints (never raw text), and
// every entry carries the config fingerprint it was produced under.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/promptgate/promptgate/pkg/observability/logging"
	"github.com/promptgate/promptgate/pkg/observability/metrics"
	"github.com/promptgate/promptgate/pkg/types"
)

const shardCount = 32

// Entry is one cached decision. The JSON form is the cross-process record
// shape stored in the SHARED tier; LastAccessAt and HitCount are local-tier
// bookkeeping and are never serialized, so promotion from SHARED never
// mutates the SHARED copy.
type Entry struct {
	Key       string          `json:"key"`
	Decision  *types.Decision `json:"decision"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`

	LastAccessAt time.Time `json:"-"`
	HitCount     int64     `json:"-"`
}

// Expired reports whether the entry is past its deadline at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	LocalHits    uint64 `json:"local_hits"`
	LocalMisses  uint64 `json:"local_misses"`
	SharedHits   uint64 `json:"shared_hits"`
	SharedMisses uint64 `json:"shared_misses"`
	SharedErrors uint64 `json:"shared_errors"`
	Evictions    uint64 `json:"evictions"`
	Size         int    `json:"size"`
}

// SharedTier is the contract for the cross-process tier. Implementations must
// be safe for concurrent use; errors are absorbed by TieredCache and only
// surface through stats and logs.
type SharedTier interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry, ttl time.Duration) error
	Purge(ctx context.Context) error
	CheckConnection(ctx context.Context) error
	Close() error
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// TieredCache probes LOCAL first, then SHARED; SHARED hits are promoted into
// LOCAL. SHARED unavailability never fails a lookup.
type TieredCache struct {
	shards   [shardCount]*shard
	capacity int // per shard
	policy   EvictionPolicy
	shared   SharedTier

	localHits    atomic.Uint64
	localMisses  atomic.Uint64
	sharedHits   atomic.Uint64
	sharedMisses atomic.Uint64
	sharedErrors atomic.Uint64
	evictions    atomic.Uint64

	now func() time.Time
}

// New creates a TieredCache. shared may be nil for LOCAL-only operation.
func New(localCapacity int, policy EvictionPolicy, shared SharedTier) *TieredCache {
	if localCapacity <= 0 {
		localCapacity = 1000
	}
	perShard := localCapacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	c := &TieredCache{
		capacity: perShard,
		policy:   policy,
		shared:   shared,
		now:      time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return c
}

func (c *TieredCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached decision for key, or nil. It updates recency
// bookkeeping on local hits and promotes shared hits into the local tier.
func (c *TieredCache) Get(ctx context.Context, key string) (*types.Decision, bool) {
	now := c.now()
	sh := c.shardFor(key)

	sh.mu.Lock()
	if e, ok := sh.entries[key]; ok {
		if e.Expired(now) {
			delete(sh.entries, key)
		} else {
			e.LastAccessAt = now
			e.HitCount++
			d := e.Decision
			sh.mu.Unlock()
			c.localHits.Add(1)
			metrics.CacheOperations.WithLabelValues("local", "hit").Inc()
			return d, true
		}
	}
	sh.mu.Unlock()
	c.localMisses.Add(1)
	metrics.CacheOperations.WithLabelValues("local", "miss").Inc()

	if c.shared == nil {
		return nil, false
	}

	e, err := c.shared.Get(ctx, key)
	if err != nil {
		c.sharedErrors.Add(1)
		metrics.SharedCacheErrors.Inc()
		logging.Warnf("Shared cache get failed, degrading to local-only: %v", err)
		return nil, false
	}
	if e == nil || e.Decision == nil || e.Expired(now) {
		c.sharedMisses.Add(1)
		metrics.CacheOperations.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}

	c.sharedHits.Add(1)
	metrics.CacheOperations.WithLabelValues("shared", "hit").Inc()
	c.storeLocal(&Entry{
		Key:       e.Key,
		Decision:  e.Decision,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}, now)
	return e.Decision, true
}

// Set stores a decision in the local tier unconditionally and attempts a
// best-effort write to the shared tier.
func (c *TieredCache) Set(ctx context.Context, key string, d *types.Decision, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.now()
	e := &Entry{
		Key:       key,
		Decision:  d,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	c.storeLocal(e, now)

	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, e, ttl); err != nil {
		c.sharedErrors.Add(1)
		metrics.SharedCacheErrors.Inc()
		logging.Warnf("Shared cache set failed: %v", err)
	}
}

func (c *TieredCache) storeLocal(e *Entry, now time.Time) {
	e.LastAccessAt = now
	sh := c.shardFor(e.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.entries[e.Key]; !exists && len(sh.entries) >= c.capacity {
		c.evictLocked(sh, now)
	}
	sh.entries[e.Key] = e
}

// evictLocked drops one entry: an expired one when available, otherwise the
// policy's victim.
func (c *TieredCache) evictLocked(sh *shard, now time.Time) {
	for k, e := range sh.entries {
		if e.Expired(now) {
			delete(sh.entries, k)
			c.evictions.Add(1)
			metrics.CacheEvictions.Inc()
			return
		}
	}

	entries := make([]*Entry, 0, len(sh.entries))
	for _, e := range sh.entries {
		entries = append(entries, e)
	}
	if idx := c.policy.SelectVictim(entries); idx >= 0 {
		delete(sh.entries, entries[idx].Key)
		c.evictions.Add(1)
		metrics.CacheEvictions.Inc()
	}
}

// InvalidateAll clears the local tier and purges the shared tier
// best-effort.
func (c *TieredCache) InvalidateAll(ctx context.Context) {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*Entry)
		sh.mu.Unlock()
	}
	if c.shared != nil {
		if err := c.shared.Purge(ctx); err != nil {
			c.sharedErrors.Add(1)
			logging.Warnf("Shared cache purge failed: %v", err)
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *TieredCache) Stats() Stats {
	size := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		size += len(sh.entries)
		sh.mu.Unlock()
	}
	return Stats{
		LocalHits:    c.localHits.Load(),
		LocalMisses:  c.localMisses.Load(),
		SharedHits:   c.sharedHits.Load(),
		SharedMisses: c.sharedMisses.Load(),
		SharedErrors: c.sharedErrors.Load(),
		Evictions:    c.evictions.Load(),
		Size:         size,
	}
}

// Close releases the shared tier connection if present.
func (c *TieredCache) Close() error {
	if c.shared != nil {
		return c.shared.Close()
	}
	return nil
}
