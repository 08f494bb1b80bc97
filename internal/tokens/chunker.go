package tokens

import "fmt"

const (
	// safetyFactor leaves headroom for tokenizer mismatch between this
	// encoding and whatever the embedding model actually uses.
	safetyFactor = 0.9
	// overlapFraction of the usable budget is shared between
	// consecutive chunks so sentences cut at a boundary survive intact
	// in the next chunk.
	overlapFraction = 0.2
)

// Chunk is one token-bounded window of a longer document, tagged with its
// position so downstream metadata can reconstruct ordering.
type Chunk struct {
	Text  string
	Index int
	Total int
}

// Position renders a human-readable locator, e.g. "part 2 of 5".
func (c Chunk) Position() string {
	return fmt.Sprintf("part %d of %d", c.Index+1, c.Total)
}

// Chunker splits documents that exceed an embedding model's context
// window into overlapping windows.
type Chunker struct {
	counter   *Counter
	MaxTokens int
	Overlap   int
}

// ChunkerForBudget derives chunking parameters from a model context
// limit: use 90% of the window, overlap 20% of that.
func ChunkerForBudget(counter *Counter, contextTokens int) (*Chunker, error) {
	if contextTokens <= 1 {
		return nil, ErrInvalidMax
	}
	max := int(float64(contextTokens) * safetyFactor)
	if max < 1 {
		max = 1
	}
	overlap := int(float64(max) * overlapFraction)
	if overlap >= max {
		overlap = max - 1
	}
	return &Chunker{counter: counter, MaxTokens: max, Overlap: overlap}, nil
}

// Fits reports whether text needs no chunking at all.
func (c *Chunker) Fits(text string) bool {
	return c.counter.Count(text) <= c.MaxTokens
}

// Chunk splits text and packages each window with index and total count.
func (c *Chunker) Chunk(text string) ([]Chunk, error) {
	parts, err := c.counter.Split(text, c.MaxTokens, c.Overlap)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{Text: p, Index: i, Total: len(parts)}
	}
	return chunks, nil
}
