// Package types holds the core data model shared by the matcher, cache,
// rate limiter, detectors and decision engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Action is the ternary outcome of a compliance decision.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// Rank orders actions by severity: allow < warn < block.
func (a Action) Rank() int {
	switch a {
	case ActionWarn:
		return 1
	case ActionBlock:
		return 2
	default:
		return 0
	}
}

// MaxAction returns the more severe of two actions.
func MaxAction(a, b Action) Action {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseAction converts a string to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return ActionAllow, nil
	case "warn":
		return ActionWarn, nil
	case "block":
		return ActionBlock, nil
	}
	return "", fmt.Errorf("unknown action: %q", s)
}

// Span marks a half-open [Start, End) byte range in the original input.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SignalScore is one detector's contribution to a decision.
type SignalScore struct {
	Detector   string  `json:"detector"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label,omitempty"`
	Spans      []Span  `json:"spans,omitempty"`
}

// ComplianceRequest is a single piece of text to be gated.
// Immutable once created.
type ComplianceRequest struct {
	ID       string            `json:"id,omitempty"`
	Text     string            `json:"text"`
	ClientID string            `json:"client_id"`
	Context  map[string]string `json:"context,omitempty"`
}

// Decision is the finalized result of one request. It is created once and
// never mutated afterwards; cached copies are returned verbatim as long as the
// config fingerprint still matches.
type Decision struct {
	Action            Action        `json:"action"`
	OverallScore      float64       `json:"overall_score"`
	Signals           []SignalScore `json:"signals,omitempty"`
	Reasoning         string        `json:"reasoning"`
	ProcessingTime    time.Duration `json:"processing_time_ns"`
	Timestamp         time.Time     `json:"timestamp"`
	ConfigFingerprint string        `json:"config_fingerprint"`
	Cached            bool          `json:"cached,omitempty"`
}

// Clone returns a deep copy. Cached decisions are cloned before handing them
// to callers so per-request bookkeeping never mutates the stored value.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	out := *d
	if len(d.Signals) > 0 {
		out.Signals = make([]SignalScore, len(d.Signals))
		copy(out.Signals, d.Signals)
		for i := range d.Signals {
			if len(d.Signals[i].Spans) > 0 {
				spans := make([]Span, len(d.Signals[i].Spans))
				copy(spans, d.Signals[i].Spans)
				out.Signals[i].Spans = spans
			}
		}
	}
	return &out
}

// Flagged reports whether the decision is anything other than a clean allow.
func (d *Decision) Flagged() bool {
	return d != nil && d.Action != ActionAllow
}
