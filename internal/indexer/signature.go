package indexer

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// Config holds every parameter that affects chunk boundaries or point
// identity. Its signature hash is stored on each index record; a mismatch
// forces a full reindex.
type Config struct {
	TargetTokens         int
	OverlapTokens        int
	EmbeddingMaxTokens   int
	EmbeddingConcurrency int
	MaxFileBytes         int
	Namespace            uuid.UUID
}

// normalized clamps the window parameters: the window never exceeds the
// embedding request cap, and the overlap always leaves the window moving
// forward.
func (c Config) normalized() Config {
	if c.EmbeddingMaxTokens > 0 && c.TargetTokens > c.EmbeddingMaxTokens {
		c.TargetTokens = c.EmbeddingMaxTokens
	}
	if c.OverlapTokens >= c.TargetTokens {
		c.OverlapTokens = c.TargetTokens - 1
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = 0
	}
	if c.EmbeddingConcurrency <= 0 {
		c.EmbeddingConcurrency = 1
	}
	return c
}

// SignatureHash returns the sha1 of a stable serialization of the chunking
// configuration. json.Marshal sorts map keys, which is the stability
// guarantee.
func (c Config) SignatureHash() string {
	n := c.normalized()
	payload := map[string]any{
		"breakStrategy":        "token-window",
		"embeddingInputFormat": "raw",
		"embeddingMaxTokens":   n.EmbeddingMaxTokens,
		"ignoreSource":         ".codebaseindexignore",
		"lineCounting":         "line-start-offsets",
		"maxFileBytes":         n.MaxFileBytes,
		"overlapTokens":        n.OverlapTokens,
		"targetTokens":         n.TargetTokens,
		"uuidNamespace":        n.Namespace.String(),
	}
	raw, _ := json.Marshal(payload)
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}
