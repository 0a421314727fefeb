package match

// levenshteinDistance computes the edit distance between two strings using
// the Wagner-Fischer dynamic program with O(min(m,n)) space.
func levenshteinDistance(s1, s2 string) int {
	r1 := []rune(s1)
	r2 := []rune(s2)
	len1 := len(r1)
	len2 := len(r2)

	if len1 == 0 {
		return len2
	}
	if len2 == 0 {
		return len1
	}

	if len1 > len2 {
		r1, r2 = r2, r1
		len1, len2 = len2, len1
	}

	prev := make([]int, len1+1)
	curr := make([]int, len1+1)

	for i := 0; i <= len1; i++ {
		prev[i] = i
	}

	for j := 1; j <= len2; j++ {
		curr[0] = j
		for i := 1; i <= len1; i++ {
			cost := 0
			if r1[i-1] != r2[j-1] {
				cost = 1
			}
			curr[i] = min(prev[i]+1, min(curr[i-1]+1, prev[i-1]+cost))
		}
		prev, curr = curr, prev
	}

	return prev[len1]
}

// levenshteinRatio converts edit distance to a similarity in [0, 1].
func levenshteinRatio(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	maxLen := len([]rune(s1))
	if l2 := len([]rune(s2)); l2 > maxLen {
		maxLen = l2
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshteinDistance(s1, s2)
	return 1.0 - float64(dist)/float64(maxLen)
}

// tokenJaccard computes Jaccard similarity over word tokens. More forgiving
// than edit distance when phrases share vocabulary but differ in word order
// or padding.
func tokenJaccard(tokens1, tokens2 []string) float64 {
	if len(tokens1) == 0 || len(tokens2) == 0 {
		return 0.0
	}
	set1 := make(map[string]bool, len(tokens1))
	for _, t := range tokens1 {
		set1[t] = true
	}
	set2 := make(map[string]bool, len(tokens2))
	for _, t := range tokens2 {
		set2[t] = true
	}

	intersection := 0
	for t := range set1 {
		if set2[t] {
			intersection++
		}
	}
	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// Similarity scores two normalized texts in [0, 1]. It takes the better of
// character-level edit similarity and token-set overlap: edit distance
// handles near-verbatim variants, token overlap handles reordered or padded
// phrasings. Monotone in both components.
func Similarity(norm1, norm2 string) float64 {
	lev := levenshteinRatio(norm1, norm2)
	jac := tokenJaccard(Tokenize(norm1), Tokenize(norm2))
	if jac > lev {
		return jac
	}
	return lev
}
