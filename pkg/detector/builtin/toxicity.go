package builtin

import (
	"context"
	"strings"

	"github.com/promptgate/promptgate/pkg/detector"
	"github.com/promptgate/promptgate/pkg/match"
	"github.com/promptgate/promptgate/pkg/types"
)

// toxicityLexicon maps normalized terms to per-hit weights. Scores saturate
// via noisy-or so a pile of mild terms can still escalate, while a single
// severe term dominates immediately.
var toxicityLexicon = map[string]float64{
	// threats and violence
	"kill":     0.7,
	"murder":   0.7,
	"attack":   0.4,
	"destroy":  0.3,
	"hurt":     0.4,
	"beat":     0.3,
	"threaten": 0.6,
	"die":      0.4,
	// harassment
	"idiot":      0.3,
	"stupid":     0.25,
	"loser":      0.25,
	"pathetic":   0.3,
	"worthless":  0.4,
	"hate":       0.35,
	"disgusting": 0.3,
	"shut up":    0.3,
}

// ToxicityDetector scores hostile or abusive language with a weighted
// keyword lexicon over normalized tokens.
type ToxicityDetector struct {
	onError detector.FailurePolicy
	lexicon map[string]float64
}

func NewToxicityDetector(onError detector.FailurePolicy) *ToxicityDetector {
	return &ToxicityDetector{onError: onError, lexicon: toxicityLexicon}
}

func (d *ToxicityDetector) Descriptor() detector.Descriptor {
	return detector.Descriptor{Name: "toxicity", Priority: 30, Capability: "keyword", OnError: d.onError}
}

func (d *ToxicityDetector) Detect(ctx context.Context, text string, reqCtx map[string]string) (types.SignalScore, error) {
	score := types.SignalScore{Detector: "toxicity", Confidence: 0.8}
	if text == "" {
		return score, nil
	}

	norm := match.Normalize(text)
	tokens := match.Tokenize(norm)

	hits := 0
	accumulated := 0.0
	for _, tok := range tokens {
		w, ok := d.lexicon[tok]
		if !ok {
			continue
		}
		hits++
		accumulated = accumulated + w - accumulated*w
	}
	// Two-word lexicon entries are probed against the normalized string
	// directly since tokenization splits them.
	for term, w := range d.lexicon {
		if len(match.Tokenize(term)) > 1 && containsPhrase(norm, term) {
			hits++
			accumulated = accumulated + w - accumulated*w
		}
	}

	if hits > 0 {
		score.Score = accumulated
		score.Label = "hostile_language"
	}
	return score, nil
}

// containsPhrase reports whether phrase occurs in norm on token boundaries.
func containsPhrase(norm, phrase string) bool {
	offset := 0
	for {
		i := strings.Index(norm[offset:], phrase)
		if i < 0 {
			return false
		}
		i += offset
		beforeOK := i == 0 || norm[i-1] == ' '
		after := i + len(phrase)
		afterOK := after == len(norm) || norm[after] == ' '
		if beforeOK && afterOK {
			return true
		}
		offset = i + 1
	}
}
