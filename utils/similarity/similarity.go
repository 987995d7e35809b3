package similarity

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// Similarity calculates the similarity percentage between two titles using
// Levenshtein distance over runes. Returns a value between 0.0 (completely
// different) and 1.0 (identical).
//
// Titles from Chinese providers mix full-width and half-width forms and
// decorate names with brackets; both strings are normalized before
// comparison. Suffix containment keeps possessive or branded prefixes from
// tanking the score ("某某的作品名" vs "作品名").
func Similarity(s1, s2 string) float64 {
	s1 = Normalize(s1)
	s2 = Normalize(s2)

	if s1 == s2 {
		return 1.0
	}

	r1 := []rune(s1)
	r2 := []rune(s2)
	if len(r1) == 0 || len(r2) == 0 {
		return 0.0
	}

	if score := suffixContainmentScore(r1, r2); score > 0 {
		return score
	}

	distance := levenshtein(r1, r2)
	maxLen := len(r1)
	if len(r2) > maxLen {
		maxLen = len(r2)
	}

	return 1.0 - float64(distance)/float64(maxLen)
}

// suffixContainmentScore returns a high score when the shorter title is a
// substantial (>60%) suffix of the longer one.
func suffixContainmentScore(r1, r2 []rune) float64 {
	longer, shorter := r1, r2
	if len(r1) < len(r2) {
		longer, shorter = r2, r1
	}

	if len(shorter) == 0 || len(shorter) > len(longer) {
		return 0
	}
	offset := len(longer) - len(shorter)
	for i, r := range shorter {
		if longer[offset+i] != r {
			return 0
		}
	}
	if offset > 0 && longer[offset-1] != ' ' {
		return 0
	}

	ratio := float64(len(shorter)) / float64(len(longer))
	if ratio < 0.6 {
		return 0
	}
	return 0.90 + (ratio * 0.10)
}

// Normalize lowercases, folds full-width forms to half-width, and strips
// punctuation so provider titles compare loosely.
func Normalize(s string) string {
	s = width.Narrow.String(s)
	s = strings.ReplaceAll(s, "&", " and ")

	var result strings.Builder
	result.Grow(len(s))

	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			result.WriteRune(r)
		case unicode.IsSpace(r) || r == '.' || r == '-' || r == '_' || r == ':' || r == '：':
			result.WriteRune(' ')
		}
	}

	return strings.TrimSpace(strings.Join(strings.Fields(result.String()), " "))
}

func levenshtein(r1, r2 []rune) int {
	len1 := len(r1)
	len2 := len(r2)

	prev := make([]int, len2+1)
	curr := make([]int, len2+1)
	for j := 0; j <= len2; j++ {
		prev[j] = j
	}

	for i := 1; i <= len1; i++ {
		curr[0] = i
		for j := 1; j <= len2; j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}
			curr[j] = minOf(
				prev[j]+1,
				curr[j-1]+1,
				prev[j-1]+cost,
			)
		}
		prev, curr = curr, prev
	}

	return prev[len2]
}

func minOf(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
