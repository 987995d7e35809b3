package episodes

import (
	"testing"

	"danmuhub/models"
)

func TestFormatRanges(t *testing.T) {
	cases := []struct {
		name string
		in   []int
		want string
	}{
		{"empty", nil, ""},
		{"single", []int{4}, "4"},
		{"mixed", []int{1, 2, 3, 5, 6, 7, 10}, "1-3,5-7,10"},
		{"unsorted with duplicates", []int{3, 1, 2, 2}, "1-3"},
		{"all singletons", []int{1, 3, 5}, "1,3,5"},
	}
	for _, tc := range cases {
		if got := FormatRanges(tc.in); got != tc.want {
			t.Errorf("%s: FormatRanges(%v) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestSampleEvenlyKeepsSmallInputs(t *testing.T) {
	comments := makeComments(5)
	got := SampleEvenly(comments, 10)
	if len(got) != 5 {
		t.Fatalf("expected all 5 comments back, got %d", len(got))
	}
}

func TestSampleEvenlyIsDeterministic(t *testing.T) {
	comments := makeComments(100)

	first := SampleEvenly(comments, 30)
	second := SampleEvenly(comments, 30)

	if len(first) != 30 {
		t.Fatalf("expected 30 sampled comments, got %d", len(first))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("sampling not deterministic at index %d: %d vs %d", i, first[i].ID, second[i].ID)
		}
	}
}

func TestSampleEvenlyPreservesOrder(t *testing.T) {
	comments := makeComments(50)
	got := SampleEvenly(comments, 7)
	for i := 1; i < len(got); i++ {
		if got[i].TimeSec < got[i-1].TimeSec {
			t.Fatalf("sampled comments out of order at index %d", i)
		}
	}
}

func makeComments(n int) []models.Comment {
	out := make([]models.Comment, n)
	for i := range out {
		out[i] = models.Comment{ID: int64(i + 1), TimeSec: float64(i)}
	}
	return out
}
