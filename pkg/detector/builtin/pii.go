// Package builtin provides the detectors shipped with the gateway: PII,
// jailbreak, toxicity and locale-specific phrase screening.
package builtin

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/promptgate/promptgate/pkg/detector"
	"github.com/promptgate/promptgate/pkg/types"
)

// piiPattern couples a compiled regex with the weight its hits carry.
// Identifiers that enable identity theft outweigh contact details.
type piiPattern struct {
	name   string
	re     *regexp.Regexp
	weight float64
}

var piiPatterns = []piiPattern{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), 1.0},
	{"credit_card", regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`), 1.0},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`), 0.6},
	{"phone", regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`), 0.5},
	{"ip_address", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), 0.3},
}

// PIIDetector flags personally identifiable information by pattern class.
// The signal carries the most severe class found; spans cover every match in
// the original text.
type PIIDetector struct {
	onError  detector.FailurePolicy
	patterns []piiPattern
}

// NewPIIDetector builds a PII detector. Options may restrict the pattern
// classes via a comma-separated "patterns" entry.
func NewPIIDetector(onError detector.FailurePolicy, options map[string]string) (*PIIDetector, error) {
	patterns := piiPatterns
	if raw, ok := options["patterns"]; ok {
		enabled := map[string]bool{}
		for _, name := range strings.Split(raw, ",") {
			enabled[strings.TrimSpace(name)] = true
		}
		patterns = nil
		for _, p := range piiPatterns {
			if enabled[p.name] {
				patterns = append(patterns, p)
			}
		}
		if len(patterns) == 0 {
			return nil, fmt.Errorf("pii: no known patterns in %q", raw)
		}
	}
	return &PIIDetector{onError: onError, patterns: patterns}, nil
}

func (d *PIIDetector) Descriptor() detector.Descriptor {
	return detector.Descriptor{Name: "pii", Priority: 10, Capability: "regex", OnError: d.onError}
}

func (d *PIIDetector) Detect(ctx context.Context, text string, reqCtx map[string]string) (types.SignalScore, error) {
	score := types.SignalScore{Detector: "pii", Confidence: 1.0}
	if text == "" {
		return score, nil
	}

	var labels []string
	for _, p := range d.patterns {
		matches := p.re.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		if p.weight > score.Score {
			score.Score = p.weight
		}
		labels = append(labels, p.name)
		for _, m := range matches {
			score.Spans = append(score.Spans, types.Span{Start: m[0], End: m[1]})
		}
	}

	if len(labels) > 0 {
		sort.Strings(labels)
		score.Label = strings.Join(labels, ",")
		sort.Slice(score.Spans, func(i, j int) bool { return score.Spans[i].Start < score.Spans[j].Start })
	}
	return score, nil
}
