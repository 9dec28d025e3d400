// Package tokens provides deterministic token counting for budget
// enforcement. Counts come from the tiktoken encoding of a nominal model so
// that repeated counts of the same text always agree.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used when the configured model has no known encoding.
const fallbackEncoding = "cl100k_base"

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// tiktokenCounter counts with a fixed BPE encoding.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Heuristic approximates ~4 characters per token. It is the fallback when no
// encoding can be loaded and the estimator used for quick budget checks.
type Heuristic struct{}

func (Heuristic) Count(text string) int { return len(text) / 4 }

// NewCounter returns a Counter for the given model. It falls back to the
// cl100k_base encoding for unknown models and to the character heuristic if
// no encoding data is available at all.
func NewCounter(model string) Counter {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return &tiktokenCounter{enc: enc}
	}
	if enc, err := tiktoken.GetEncoding(fallbackEncoding); err == nil {
		return &tiktokenCounter{enc: enc}
	}
	return Heuristic{}
}

// CountTurns sums token counts over (role, content) turns, charging a small
// per-message overhead for role and separators.
func CountTurns(c Counter, contents []string) int {
	total := 0
	for _, content := range contents {
		total += c.Count(content) + 4
	}
	return total
}
