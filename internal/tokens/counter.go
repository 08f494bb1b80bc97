// Package tokens provides exact token counting, truncation, and
// overlapping token-window splitting against a fixed reference encoding.
// All byte budgets elsewhere in the pipeline are expressed in tokens of
// this encoding, so every component agrees on what "fits".
package tokens

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Encoding is the reference tokenization used across the pipeline.
const Encoding = "cl100k_base"

var (
	ErrInvalidOverlap = errors.New("tokens: overlap must be non-negative and strictly less than max")
	ErrInvalidMax     = errors.New("tokens: max tokens must be positive")
)

type Counter struct {
	enc *tiktoken.Tiktoken
}

func NewCounter() (*Counter, error) {
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", Encoding, err)
	}
	return &Counter{enc: enc}, nil
}

// Count returns the number of tokens in text under the reference encoding.
func (c *Counter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Truncate returns a prefix of text whose token count is at most max.
// Text already within budget is returned unchanged.
func (c *Counter) Truncate(text string, max int) (string, error) {
	if max <= 0 {
		return "", ErrInvalidMax
	}
	ids := c.enc.Encode(text, nil, nil)
	if len(ids) <= max {
		return text, nil
	}
	return c.enc.Decode(ids[:max]), nil
}

// Split cuts text into windows of at most max tokens where consecutive
// windows share the trailing overlap tokens of the prior window. Text
// within budget comes back as a single element identical to the input.
func (c *Counter) Split(text string, max, overlap int) ([]string, error) {
	if max <= 0 {
		return nil, ErrInvalidMax
	}
	if overlap < 0 || overlap >= max {
		return nil, ErrInvalidOverlap
	}

	ids := c.enc.Encode(text, nil, nil)
	if len(ids) <= max {
		return []string{text}, nil
	}

	step := max - overlap
	var out []string
	for start := 0; start < len(ids); start += step {
		end := start + max
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, c.enc.Decode(ids[start:end]))
		if end == len(ids) {
			break
		}
	}
	return out, nil
}
