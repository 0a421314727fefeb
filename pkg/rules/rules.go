// Package rules holds the pattern library: the MatchRule model and the
// immutable PatternIndex snapshot used for exact lookup and keyword-based
// candidate pre-filtering. Snapshots are read-only after construction and are
// published through an atomically swappable Store, so readers always see one
// consistent generation of rules.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/promptgate/promptgate/pkg/config"
)

// Severity orders rule severities; higher values win tie-breaks.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// ParseSeverity converts a config string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity: %q", s)
}

// MatchKind selects the matching tier a rule participates in.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchFuzzy
)

// Rule is one entry of the pattern library. Read-only during request
// processing.
type Rule struct {
	ID       string
	Category string
	Severity Severity
	Kind     MatchKind

	// Text is the canonical phrase. NormText is its normalized form,
	// precomputed at build time with the same normalizer the matcher applies
	// to inputs.
	Text     string
	NormText string

	// Keywords are the normalized pre-filter tokens for fuzzy rules. A fuzzy
	// rule is only scored when the input shares at least one keyword.
	Keywords []string
}

// Snapshot is an immutable PatternIndex over one generation of rules.
type Snapshot struct {
	rules []*Rule

	exact   map[string][]*Rule // normalized text -> exact rules
	keyword map[string][]*Rule // keyword token -> fuzzy candidate rules
	fuzzy   []*Rule
}

// Normalizer produces the canonical matching form of a text, and Tokenizer
// splits a normalized text into keyword tokens. Both are supplied by the
// matcher so that rules and inputs go through identical preprocessing.
type (
	Normalizer func(string) string
	Tokenizer  func(string) []string
)

// Build compiles config rules into a Snapshot. Duplicate rule IDs with
// identical content are collapsed, so loading the same rule twice never
// changes match results. Conflicting duplicates are an error.
func Build(cfgRules []config.RuleConfig, normalize Normalizer, tokenize Tokenizer) (*Snapshot, error) {
	snap := &Snapshot{
		exact:   make(map[string][]*Rule),
		keyword: make(map[string][]*Rule),
	}

	byID := make(map[string]*Rule)

	for _, rc := range cfgRules {
		sev, err := ParseSeverity(rc.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
		}

		kind := MatchExact
		if strings.EqualFold(rc.Match, "fuzzy") {
			kind = MatchFuzzy
		}

		text := strings.TrimSpace(rc.Text)
		if text == "" && len(rc.Keywords) == 0 {
			return nil, fmt.Errorf("rule %q has no matchable representation", rc.ID)
		}
		if text == "" {
			text = strings.Join(rc.Keywords, " ")
		}

		r := &Rule{
			ID:       rc.ID,
			Category: rc.Category,
			Severity: sev,
			Kind:     kind,
			Text:     text,
			NormText: normalize(text),
		}
		if r.NormText == "" {
			return nil, fmt.Errorf("rule %q normalizes to an empty string", rc.ID)
		}

		if kind == MatchFuzzy {
			r.Keywords = buildKeywords(rc.Keywords, r.NormText, normalize, tokenize)
			if len(r.Keywords) == 0 {
				return nil, fmt.Errorf("rule %q has no usable pre-filter keywords", rc.ID)
			}
		}

		if prev, ok := byID[r.ID]; ok {
			if !sameRule(prev, r) {
				return nil, fmt.Errorf("rule %q declared twice with conflicting content", r.ID)
			}
			continue // identical duplicate, idempotent
		}
		byID[r.ID] = r
		snap.rules = append(snap.rules, r)

		switch kind {
		case MatchExact:
			snap.exact[r.NormText] = append(snap.exact[r.NormText], r)
		case MatchFuzzy:
			snap.fuzzy = append(snap.fuzzy, r)
			for _, kw := range r.Keywords {
				snap.keyword[kw] = append(snap.keyword[kw], r)
			}
		}
	}

	if len(snap.rules) == 0 {
		return nil, fmt.Errorf("rule set is empty")
	}

	// Deterministic iteration order for every lookup path.
	sortRules(snap.rules)
	sortRules(snap.fuzzy)
	for _, rs := range snap.exact {
		sortRules(rs)
	}
	for _, rs := range snap.keyword {
		sortRules(rs)
	}

	return snap, nil
}

func buildKeywords(explicit []string, normText string, normalize Normalizer, tokenize Tokenizer) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tok string) {
		if tok != "" && !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}

	for _, kw := range explicit {
		for _, tok := range tokenize(normalize(kw)) {
			add(tok)
		}
	}
	if len(out) == 0 {
		for _, tok := range tokenize(normText) {
			add(tok)
		}
	}
	sort.Strings(out)
	return out
}

func sameRule(a, b *Rule) bool {
	if a.Category != b.Category || a.Severity != b.Severity || a.Kind != b.Kind || a.NormText != b.NormText {
		return false
	}
	if len(a.Keywords) != len(b.Keywords) {
		return false
	}
	for i := range a.Keywords {
		if a.Keywords[i] != b.Keywords[i] {
			return false
		}
	}
	return true
}

func sortRules(rs []*Rule) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}

// ExactLookup returns the exact rules whose normalized text equals norm.
func (s *Snapshot) ExactLookup(norm string) []*Rule {
	return s.exact[norm]
}

// Candidates returns the fuzzy rules sharing at least one keyword with the
// given input tokens, deduplicated and ordered by rule ID. Rules with an
// empty intersection are skipped entirely; they cannot be rescued by full
// similarity scoring.
func (s *Snapshot) Candidates(tokens []string) []*Rule {
	seen := make(map[string]bool)
	var out []*Rule
	for _, tok := range tokens {
		for _, r := range s.keyword[tok] {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
	}
	sortRules(out)
	return out
}

// Rules returns all rules in ID order.
func (s *Snapshot) Rules() []*Rule {
	return s.rules
}

// Len returns the number of distinct rules.
func (s *Snapshot) Len() int {
	return len(s.rules)
}

// Store publishes snapshots to concurrent readers with a single pointer swap.
type Store struct {
	p atomic.Pointer[Snapshot]
}

// NewStore creates a store holding the given initial snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.p.Store(initial)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Snapshot {
	return s.p.Load()
}

// Swap atomically publishes a new snapshot. In-flight readers keep the
// generation they already loaded.
func (s *Store) Swap(next *Snapshot) {
	s.p.Store(next)
}
