// Package episodes holds small pure helpers for episode lists and danmaku
// buffers shared by the fallback engine and the compat handlers.
package episodes

import (
	"fmt"
	"sort"
	"strings"

	"danmuhub/models"
)

// FormatRanges compresses a list of episode indexes into a compact display
// form: [1,2,3,5,6,7,10] -> "1-3,5-7,10". Singletons render bare, an empty
// list renders "".
func FormatRanges(indexes []int) string {
	if len(indexes) == 0 {
		return ""
	}

	sorted := append([]int(nil), indexes...)
	sort.Ints(sorted)

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, fmt.Sprintf("%d", start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}

	for _, n := range sorted[1:] {
		if n == prev {
			continue
		}
		if n == prev+1 {
			prev = n
			continue
		}
		flush()
		start, prev = n, n
	}
	flush()

	return strings.Join(parts, ",")
}

// SampleEvenly downsamples comments to at most limit entries, preserving
// chronological order. Sampling is deterministic: the same input and limit
// always select the same comments.
func SampleEvenly(comments []models.Comment, limit int) []models.Comment {
	if limit <= 0 || len(comments) <= limit {
		return comments
	}

	out := make([]models.Comment, 0, limit)
	step := float64(len(comments)) / float64(limit)
	for i := 0; i < limit; i++ {
		idx := int(float64(i) * step)
		if idx >= len(comments) {
			idx = len(comments) - 1
		}
		out = append(out, comments[idx])
	}
	return out
}
