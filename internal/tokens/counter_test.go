package tokens_test

import (
	"fmt"
	"strings"
	"testing"

	"corpusd/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounter(t *testing.T) *tokens.Counter {
	t.Helper()
	c, err := tokens.NewCounter()
	require.NoError(t, err)
	return c
}

func TestTruncate_Bound(t *testing.T) {
	c := newCounter(t)
	text := strings.Repeat("the quick brown fox jumps over the lazy dog ", 50)

	for _, max := range []int{1, 5, 17, 100, 10000} {
		got, err := c.Truncate(text, max)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Count(got), max, "max=%d", max)
		assert.True(t, strings.HasPrefix(text, got), "truncation must be a prefix")
	}
}

func TestTruncate_ShortTextUnchanged(t *testing.T) {
	c := newCounter(t)
	text := "short text"
	got, err := c.Truncate(text, 1000)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestTruncate_InvalidMax(t *testing.T) {
	c := newCounter(t)
	_, err := c.Truncate("anything", 0)
	assert.ErrorIs(t, err, tokens.ErrInvalidMax)
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	c := newCounter(t)
	text := "a handful of tokens"
	got, err := c.Split(text, 100, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, text, got[0])
}

func TestSplit_ChunkBounds(t *testing.T) {
	c := newCounter(t)
	text := strings.Repeat("alpha beta gamma delta epsilon ", 100)

	chunks, err := c.Split(text, 50, 10)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.LessOrEqual(t, c.Count(ch), 50, "chunk %d over budget", i)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	c := newCounter(t)
	text := strings.Repeat("one two three four five six seven ", 80)

	first, err := c.Split(text, 40, 8)
	require.NoError(t, err)
	second, err := c.Split(text, 40, 8)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSplit_InvalidOverlap(t *testing.T) {
	c := newCounter(t)
	_, err := c.Split("text", 10, 10)
	assert.ErrorIs(t, err, tokens.ErrInvalidOverlap)
	_, err = c.Split("text", 10, -1)
	assert.ErrorIs(t, err, tokens.ErrInvalidOverlap)
}

func TestChunkerForBudget(t *testing.T) {
	c := newCounter(t)
	ch, err := tokens.ChunkerForBudget(c, 100)
	require.NoError(t, err)
	assert.Equal(t, 90, ch.MaxTokens)
	assert.Equal(t, 18, ch.Overlap)
}

func TestChunker_IndexTotalAndPosition(t *testing.T) {
	c := newCounter(t)
	ch, err := tokens.ChunkerForBudget(c, 40)
	require.NoError(t, err)

	text := strings.Repeat("lorem ipsum dolor sit amet ", 60)
	chunks, err := ch.Chunk(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, len(chunks), chunk.Total)
	}
	assert.Equal(t, fmt.Sprintf("part 1 of %d", len(chunks)), chunks[0].Position())
}

func TestChunker_Fits(t *testing.T) {
	c := newCounter(t)
	ch, err := tokens.ChunkerForBudget(c, 1000)
	require.NoError(t, err)
	assert.True(t, ch.Fits("tiny"))
	assert.False(t, ch.Fits(strings.Repeat("word ", 5000)))
}
