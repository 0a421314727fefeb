package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// leetMap decodes common digit/symbol substitutions. Applied per token, and
// only to tokens that mix letters with mappable characters, so plain numbers
// survive untouched.
var leetMap = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's',
	'6': 'g', '7': 't', '8': 'b', '9': 'g',
	'@': 'a', '$': 's', '!': 'i', '|': 'i', '+': 't',
}

// homoglyphMap folds lookalike characters that survive NFKD decomposition,
// mostly Cyrillic and Greek letters used to disguise Latin text.
var homoglyphMap = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x',
	'у': 'y', 'і': 'i', 'ѕ': 's', 'һ': 'h', 'ј': 'j',
	'α': 'a', 'β': 'b', 'ε': 'e', 'ι': 'i', 'ο': 'o',
	'ρ': 'p', 'σ': 's', 'τ': 't', 'υ': 'u', 'χ': 'x',
}

var invisibleChars = map[rune]bool{
	'​': true, // zero width space
	'‌': true, // zero width non-joiner
	'‍': true, // zero width joiner
	'⁠': true, // word joiner
	'\uFEFF': true, // zero width no-break space
	'­': true, // soft hyphen
}

// Fold is the light normalization used for fingerprinting and exact-tier
// probes: case folding plus whitespace collapse. It never rewrites content,
// so two inputs fold equal only when they genuinely contain the same text.
func Fold(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Normalize is the aggressive matching normalization: unicode decomposition,
// invisible-character stripping, homoglyph folding, case folding, per-token
// leet-speak decoding and whitespace collapse. "H0w t0 m4k3 @ b0mb" comes out
// as "how to make a bomb".
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	decomposed := norm.NFKD.String(text)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) || invisibleChars[r] {
			continue
		}
		if folded, ok := homoglyphMap[r]; ok {
			r = folded
		}
		b.WriteRune(unicode.ToLower(r))
	}

	fields := strings.Fields(b.String())
	for i, tok := range fields {
		fields[i] = decodeLeetToken(tok)
	}
	return strings.Join(fields, " ")
}

// decodeLeetToken rewrites leet substitutions inside a single token when the
// token mixes letters with mappable characters. Pure numbers and pure
// punctuation are left alone.
func decodeLeetToken(tok string) string {
	hasLetter := false
	hasMapped := false
	for _, r := range tok {
		if unicode.IsLetter(r) {
			hasLetter = true
		} else if _, ok := leetMap[r]; ok {
			hasMapped = true
		}
	}
	if !hasMapped {
		return tok
	}

	// A token that is only mappable symbols ("@") still decodes; a token of
	// digits without letters ("2024") does not.
	onlyMapped := true
	for _, r := range tok {
		if _, ok := leetMap[r]; !ok {
			onlyMapped = false
			break
		}
	}
	if !hasLetter && !onlyMapped {
		return tok
	}

	var b strings.Builder
	b.Grow(len(tok))
	for _, r := range tok {
		if mapped, ok := leetMap[r]; ok {
			b.WriteRune(mapped)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Tokenize splits a normalized text into alphanumeric word tokens.
func Tokenize(text string) []string {
	var words []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return words
}
