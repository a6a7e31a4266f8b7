// Package textmatch implements string similarity scoring for search
// relevance and duplicate detection. Scores are in 0..100.
package textmatch

import (
	"sort"
	"strings"
)

// Ratio computes the similarity of two strings as a percentage.
// It is the longest-common-subsequence analogue of Python's
// difflib.SequenceMatcher.ratio(): 2*LCS / (len(a)+len(b)) * 100.
func Ratio(a, b string) float64 {
	if a == b {
		return 100
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	lcs := longestCommonSubsequence(a, b)
	return 200 * float64(lcs) / float64(len(a)+len(b))
}

// TokenSetRatio compares the token sets of two strings, ignoring word
// order and repetition. Both strings are normalized (lowercased,
// non-alphanumerics become spaces) and deduplicated; the score is the
// best Ratio among the sorted intersection and the two sorted unions.
// Identical token sets score 100 regardless of ordering.
func TokenSetRatio(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 100
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var common, diffA, diffB []string
	for tok := range ta {
		if tb[tok] {
			common = append(common, tok)
		} else {
			diffA = append(diffA, tok)
		}
	}
	for tok := range tb {
		if !ta[tok] {
			diffB = append(diffB, tok)
		}
	}
	sort.Strings(common)
	sort.Strings(diffA)
	sort.Strings(diffB)

	base := strings.Join(common, " ")
	s1 := joinSections(base, diffA)
	s2 := joinSections(base, diffB)

	best := Ratio(base, s1)
	if r := Ratio(base, s2); r > best {
		best = r
	}
	if r := Ratio(s1, s2); r > best {
		best = r
	}
	return best
}

func joinSections(base string, extra []string) string {
	if len(extra) == 0 {
		return base
	}
	if base == "" {
		return strings.Join(extra, " ")
	}
	return base + " " + strings.Join(extra, " ")
}

func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !isAlnum(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func isAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r > 127
}

// longestCommonSubsequence returns the length of the LCS of two strings.
// Two rolling rows keep memory at O(min side) instead of a full matrix.
func longestCommonSubsequence(a, b string) int {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return 0
	}

	prev := make([]int, n+1)
	curr := make([]int, n+1)

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else {
				curr[j] = max(prev[j], curr[j-1])
			}
		}
		prev, curr = curr, prev
	}

	return prev[n]
}
