package builtin

import (
	"context"
	"strings"

	"github.com/promptgate/promptgate/pkg/detector"
	"github.com/promptgate/promptgate/pkg/match"
	"github.com/promptgate/promptgate/pkg/types"
)

// localePhrase is a restricted phrasing that only applies under a specific
// locale, e.g. region-specific regulated terms.
type localePhrase struct {
	phrase string
	score  float64
	label  string
}

var localePhrases = map[string][]localePhrase{
	"de": {
		{"verbotene symbole", 0.8, "restricted_symbols"},
		{"volksverhetzung", 0.9, "incitement"},
	},
	"fr": {
		{"contenu haineux", 0.8, "hate_content"},
	},
	"es": {
		{"contenido de odio", 0.8, "hate_content"},
	},
}

// LocaleDetector applies locale-specific phrase lists. The locale comes from
// the request context; requests without a locale (or with an unknown one)
// always score zero.
type LocaleDetector struct {
	onError detector.FailurePolicy
	phrases map[string][]localePhrase
}

func NewLocaleDetector(onError detector.FailurePolicy) *LocaleDetector {
	return &LocaleDetector{onError: onError, phrases: localePhrases}
}

func (d *LocaleDetector) Descriptor() detector.Descriptor {
	return detector.Descriptor{Name: "locale", Priority: 40, Capability: "i18n", OnError: d.onError}
}

func (d *LocaleDetector) Detect(ctx context.Context, text string, reqCtx map[string]string) (types.SignalScore, error) {
	score := types.SignalScore{Detector: "locale", Confidence: 0.9}

	locale := strings.ToLower(reqCtx["locale"])
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	list, ok := d.phrases[locale]
	if !ok || text == "" {
		return score, nil
	}

	norm := match.Normalize(text)
	for _, lp := range list {
		if strings.Contains(norm, lp.phrase) && lp.score > score.Score {
			score.Score = lp.score
			score.Label = lp.label
		}
	}
	return score, nil
}
