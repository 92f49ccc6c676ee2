package fuzzy

import (
	"sort"
	"strings"

	"github.com/xrash/smetrics"
)

// TokenSortRatio computes similarity of two names in [0, 1]: both sides are
// normalized, tokenized, sorted, rejoined, and compared by normalized edit
// distance. Token order differences ("ROBOTICS ACME" vs "ACME ROBOTICS")
// therefore do not count against the score.
func TokenSortRatio(a, b string) float64 {
	sa := tokenSort(NormalizeName(a))
	sb := tokenSort(NormalizeName(b))
	if sa == "" && sb == "" {
		return 1.0
	}
	if sa == "" || sb == "" {
		return 0.0
	}
	if sa == sb {
		return 1.0
	}
	dist := smetrics.WagnerFischer(sa, sb, 1, 1, 2)
	longest := len(sa)
	if len(sb) > longest {
		longest = len(sb)
	}
	ratio := 1.0 - float64(dist)/float64(longest)
	if ratio < 0 {
		return 0
	}
	return ratio
}

// JaroWinkler computes Jaro-Winkler similarity on normalized names. It
// favours shared prefixes and is preferred over TokenSortRatio for short
// strings where single-character edits dominate.
func JaroWinkler(a, b string) float64 {
	na := NormalizeName(a)
	nb := NormalizeName(b)
	if na == "" && nb == "" {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}
	return smetrics.JaroWinkler(na, nb, 0.7, 4)
}

// Similarity returns the match score used by the fuzzy enrichment strategy:
// token-sort ratio, with Jaro-Winkler taking over for short names where
// token sorting has nothing to work with.
func Similarity(a, b string) float64 {
	na := NormalizeName(a)
	nb := NormalizeName(b)
	if len(na) < 8 || len(nb) < 8 {
		return JaroWinkler(na, nb)
	}
	return TokenSortRatio(na, nb)
}

// ZipPrefixMatch reports whether two normalized postcodes agree on the
// first n digits, the proximity filter's notion of "nearby".
func ZipPrefixMatch(a, b string, n int) bool {
	a = NormalizeZip(a)
	b = NormalizeZip(b)
	if a == "" || b == "" || n <= 0 {
		return false
	}
	if n > 5 {
		n = 5
	}
	return a[:n] == b[:n]
}

func tokenSort(normalized string) string {
	if normalized == "" {
		return ""
	}
	tokens := strings.Split(normalized, " ")
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
