package indexer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkContentSingleChunkAtTarget(t *testing.T) {
	content := strings.Repeat("a", 8)
	chunks := chunkContent(runeTokenizer{}, content, 8, 2)

	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0].Text)
	assert.Equal(t, 8, chunks[0].TokenCount)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 1, chunks[0].EndLine)
}

func TestChunkContentSecondChunkStartsAtTargetMinusOverlap(t *testing.T) {
	content := strings.Repeat("a", 9) // targetTokens + 1
	chunks := chunkContent(runeTokenizer{}, content, 8, 2)

	require.Len(t, chunks, 2)
	assert.Equal(t, content[:8], chunks[0].Text)
	// Second window begins at token 6 = target - overlap.
	assert.Equal(t, content[6:], chunks[1].Text)
	assert.Equal(t, 3, chunks[1].TokenCount)
}

func TestChunkContentLineNumbers(t *testing.T) {
	content := "one\ntwo\nthree\nfour"
	chunks := chunkContent(runeTokenizer{}, content, 10, 0)

	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].StartLine)
	// The first window covers "one\ntwo\nth": ends on line 3.
	assert.Equal(t, 3, chunks[0].EndLine)
	assert.Equal(t, 3, chunks[1].StartLine)
	assert.Equal(t, 4, chunks[1].EndLine)
}

func TestChunkContentEmpty(t *testing.T) {
	assert.Nil(t, chunkContent(runeTokenizer{}, "", 8, 2))
}

func TestChunkContentHashesAreStable(t *testing.T) {
	a := chunkContent(runeTokenizer{}, "stable content here", 8, 2)
	b := chunkContent(runeTokenizer{}, "stable content here", 8, 2)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Hash, b[i].Hash)
	}
}

func TestConfigNormalizedClampsOverlap(t *testing.T) {
	cfg := Config{TargetTokens: 8, OverlapTokens: 12, EmbeddingMaxTokens: 100}.normalized()
	assert.Equal(t, 7, cfg.OverlapTokens, "overlap at or above target clamps to target-1")

	cfg = Config{TargetTokens: 500, OverlapTokens: 50, EmbeddingMaxTokens: 100}.normalized()
	assert.Equal(t, 100, cfg.TargetTokens, "target clamps to the embedding request cap")
}
