// Package match implements the pattern/similarity matcher: exact lookup,
// keyword pre-filtering and fuzzy scoring over the rule library, with a
// bounded recency cache of prior queries. Matching is pure in-memory
// computation with no fatal error states; malformed or empty input simply
// produces zero hits.
package match

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/promptgate/promptgate/pkg/cache"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/observability/metrics"
	"github.com/promptgate/promptgate/pkg/rules"
	"github.com/promptgate/promptgate/pkg/types"
)

// Hit is one matched rule with its confidence and span.
type Hit struct {
	RuleID     string         `json:"rule_id"`
	Category   string         `json:"category"`
	Severity   rules.Severity `json:"severity"`
	Confidence float64        `json:"confidence"`
	Span       types.Span     `json:"span"`
}

// Stats is a snapshot of matcher counters.
type Stats struct {
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
	CacheSize   int    `json:"cache_size"`
	RuleCount   int    `json:"rule_count"`
}

type thresholds struct {
	def   float64
	byCat map[string]float64
}

// Matcher evaluates text against the active rule snapshot. Safe for
// concurrent use; rule snapshots and thresholds are swapped atomically on
// reload, and the recency cache is guarded by its own lock.
type Matcher struct {
	store      *rules.Store
	thresholds atomic.Pointer[thresholds]

	// gen counts rule-set swaps. Callers that key derived state (cached
	// decisions) on a rule generation compare it before and after a
	// computation to detect an overlapping reload.
	gen atomic.Uint64

	recencyMu sync.Mutex
	recency   *cache.LRU[[]Hit]

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// New builds a matcher from config rules. Failing to build the initial rule
// set is fatal for the caller: running with no rules is not an option.
func New(cfgRules []config.RuleConfig, mcfg config.MatcherConfig) (*Matcher, error) {
	snap, err := rules.Build(cfgRules, Normalize, Tokenize)
	if err != nil {
		return nil, err
	}

	m := &Matcher{
		store:   rules.NewStore(snap),
		recency: cache.NewLRU[[]Hit](mcfg.RecencyCacheSize),
	}
	m.thresholds.Store(newThresholds(mcfg))
	return m, nil
}

func newThresholds(mcfg config.MatcherConfig) *thresholds {
	byCat := make(map[string]float64, len(mcfg.CategoryThresholds))
	for k, v := range mcfg.CategoryThresholds {
		byCat[k] = v
	}
	return &thresholds{def: mcfg.DefaultThreshold, byCat: byCat}
}

// Reload atomically swaps in a new rule set and thresholds. In-flight matches
// finish against the generation they started with; the recency cache is
// dropped since its results were produced under the old rules.
func (m *Matcher) Reload(cfgRules []config.RuleConfig, mcfg config.MatcherConfig) error {
	snap, err := rules.Build(cfgRules, Normalize, Tokenize)
	if err != nil {
		return err
	}

	// Bump the generation before the swap: a match that interleaves with the
	// swap sees a changed generation either way and discards derived state.
	m.gen.Add(1)
	m.store.Swap(snap)
	m.thresholds.Store(newThresholds(mcfg))

	m.recencyMu.Lock()
	m.recency = cache.NewLRU[[]Hit](mcfg.RecencyCacheSize)
	m.recencyMu.Unlock()
	return nil
}

// Generation returns the current rule-set generation.
func (m *Matcher) Generation() uint64 {
	return m.gen.Load()
}

func (m *Matcher) threshold(category string) float64 {
	t := m.thresholds.Load()
	if th, ok := t.byCat[category]; ok {
		return th
	}
	return t.def
}

// Match evaluates text against the rule library and returns at most one hit
// per category: first the exact tier (confidence 1.0), then keyword
// pre-filtered fuzzy scoring for categories the exact tier did not satisfy.
// Hits are ordered by category for reproducible output.
func (m *Matcher) Match(text string) []Hit {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	normText := Normalize(text)
	if normText == "" {
		return nil
	}

	m.recencyMu.Lock()
	if hits, ok := m.recency.Get(normText); ok {
		m.recencyMu.Unlock()
		m.cacheHits.Add(1)
		metrics.MatcherRecencyCache.WithLabelValues("hit").Inc()
		return cloneHits(hits)
	}
	m.recencyMu.Unlock()
	m.cacheMisses.Add(1)
	metrics.MatcherRecencyCache.WithLabelValues("miss").Inc()

	hits := m.compute(text, normText)

	m.recencyMu.Lock()
	m.recency.Add(normText, hits)
	m.recencyMu.Unlock()

	return cloneHits(hits)
}

func (m *Matcher) compute(text, normText string) []Hit {
	snap := m.store.Current()
	span := types.Span{Start: 0, End: len(text)}

	best := make(map[string]Hit)
	exactHit := make(map[string]bool)

	for _, r := range snap.ExactLookup(normText) {
		h := Hit{
			RuleID:     r.ID,
			Category:   r.Category,
			Severity:   r.Severity,
			Confidence: 1.0,
			Span:       span,
		}
		updateBest(best, h)
		exactHit[r.Category] = true
	}

	tokens := Tokenize(normText)
	for _, r := range snap.Candidates(tokens) {
		// An exact hit short-circuits the fuzzy tier for its category.
		if exactHit[r.Category] {
			continue
		}
		score := Similarity(normText, r.NormText)
		if score < m.threshold(r.Category) {
			continue
		}
		updateBest(best, Hit{
			RuleID:     r.ID,
			Category:   r.Category,
			Severity:   r.Severity,
			Confidence: score,
			Span:       span,
		})
	}

	if len(best) == 0 {
		return nil
	}

	categories := make([]string, 0, len(best))
	for cat := range best {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	hits := make([]Hit, 0, len(best))
	for _, cat := range categories {
		hits = append(hits, best[cat])
	}
	return hits
}

// updateBest applies the tie-break policy within a category: higher severity
// wins, then higher confidence, then lexically smaller rule ID.
func updateBest(best map[string]Hit, h Hit) {
	cur, ok := best[h.Category]
	if !ok {
		best[h.Category] = h
		return
	}
	if h.Severity != cur.Severity {
		if h.Severity > cur.Severity {
			best[h.Category] = h
		}
		return
	}
	if h.Confidence != cur.Confidence {
		if h.Confidence > cur.Confidence {
			best[h.Category] = h
		}
		return
	}
	if h.RuleID < cur.RuleID {
		best[h.Category] = h
	}
}

func cloneHits(hits []Hit) []Hit {
	if hits == nil {
		return nil
	}
	out := make([]Hit, len(hits))
	copy(out, hits)
	return out
}

// Stats returns matcher counters.
func (m *Matcher) Stats() Stats {
	m.recencyMu.Lock()
	size := m.recency.Len()
	m.recencyMu.Unlock()
	return Stats{
		CacheHits:   m.cacheHits.Load(),
		CacheMisses: m.cacheMisses.Load(),
		CacheSize:   size,
		RuleCount:   m.store.Current().Len(),
	}
}
