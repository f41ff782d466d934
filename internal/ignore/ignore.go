// Package ignore filters indexed paths through per-repository
// .codebaseindexignore files using gitignore semantics.
package ignore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/First008/codeindex/internal/shell"
)

// FileName is the per-repo ignore file, gitignore syntax.
const FileName = ".codebaseindexignore"

// cacheSize bounds how many compiled matchers are kept across runs.
const cacheSize = 50

// Matcher reports whether a path is excluded from indexing.
type Matcher struct {
	compiled *gitignore.GitIgnore
}

// Matches returns true if path is excluded. A matcher compiled from an
// absent or empty ignore file excludes nothing.
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.compiled == nil {
		return false
	}
	return m.compiled.MatchesPath(path)
}

// Compile builds a matcher from raw ignore-file content.
func Compile(content string) *Matcher {
	lines := strings.Split(content, "\n")
	var patterns []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			patterns = append(patterns, line)
		}
	}
	if len(patterns) == 0 {
		return &Matcher{}
	}
	return &Matcher{compiled: gitignore.CompileIgnoreLines(patterns...)}
}

// Cache caches compiled matchers keyed by (repoRoot, content hash) so
// repeated runs over an unchanged ignore file skip recompilation. Bounded
// LRU, shared across runs.
type Cache struct {
	entries *lru.Cache[string, *Matcher]
}

// NewCache creates the shared matcher cache.
func NewCache() (*Cache, error) {
	entries, err := lru.New[string, *Matcher](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create ignore cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Load reads the repo's ignore file through exec and returns a compiled
// matcher. A missing file yields a matcher that excludes nothing.
func (c *Cache) Load(ctx context.Context, exec shell.Exec, repoRoot string) (*Matcher, error) {
	res, err := exec.Run(ctx, "cat "+shell.Quote(FileName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	content := ""
	if res.ExitCode == 0 {
		content = res.Stdout
	}

	key := cacheKey(repoRoot, content)
	if m, ok := c.entries.Get(key); ok {
		return m, nil
	}
	m := Compile(content)
	c.entries.Add(key, m)
	return m, nil
}

func cacheKey(repoRoot, content string) string {
	sum := sha1.Sum([]byte(content))
	return repoRoot + ":" + hex.EncodeToString(sum[:])
}
