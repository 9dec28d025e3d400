package tokens

import "testing"

func TestCounterIsDeterministic(t *testing.T) {
	c := NewCounter("gpt-4o")

	text := "The quick brown fox jumps over the lazy dog."
	first := c.Count(text)
	if first <= 0 {
		t.Fatalf("Count(%q) = %d, want > 0", text, first)
	}
	for i := 0; i < 5; i++ {
		if got := c.Count(text); got != first {
			t.Fatalf("count changed between calls: %d vs %d", got, first)
		}
	}
}

func TestCounterEmptyText(t *testing.T) {
	c := NewCounter("gpt-4o")
	if got := c.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
}

func TestUnknownModelFallsBack(t *testing.T) {
	c := NewCounter("some-model-nobody-knows")
	if got := c.Count("hello world"); got <= 0 {
		t.Errorf("fallback counter returned %d", got)
	}
}

func TestHeuristic(t *testing.T) {
	h := Heuristic{}
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcdefgh", 2},
		{"abc", 0},
	}
	for _, tc := range cases {
		if got := h.Count(tc.text); got != tc.want {
			t.Errorf("Count(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestCountTurnsAddsOverhead(t *testing.T) {
	got := CountTurns(Heuristic{}, []string{"abcd", "abcdefgh"})
	// 1 + 2 content tokens plus 4 overhead per turn.
	if got != 11 {
		t.Errorf("CountTurns = %d, want 11", got)
	}
}
