package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/First008/codeindex/internal/embeddings"
	"github.com/First008/codeindex/internal/filetypes"
	"github.com/First008/codeindex/internal/store"
	"github.com/First008/codeindex/internal/vectorstore"
)

// searchExpansion over-fetches so post-filters still fill topK.
const searchExpansion = 4

// defaultTopK applies when the caller leaves TopK unset.
const defaultTopK = 10

// SearchRequest is a query against one collection.
type SearchRequest struct {
	Collection      string
	Query           string
	RepoID          string
	TopK            int
	DirectoryFilter string
	LanguageFilter  string
}

// SearchResult is one ranked code chunk.
type SearchResult struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
}

// SearchCodebase embeds the query and runs a filtered vector search. A
// missing collection yields no results rather than an error: the caller may
// race an index that has not produced points yet.
func (m *Manager) SearchCodebase(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	vectors, err := m.provider.Embed(ctx, m.opts.EmbeddingModel, []string{req.Query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, embeddings.ErrEmbeddingEmpty
	}

	hits, err := m.vectors.Search(ctx, req.Collection, vectors[0], uint64(topK*searchExpansion),
		vectorstore.SearchOptions{
			Filter:      vectorstore.MustMatch(vectorstore.KV{Key: "repo_id", Value: req.RepoID}),
			WithPayload: true,
		})
	if err != nil {
		if errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return []SearchResult{}, nil
		}
		return nil, err
	}
	m.metrics.Searches.Inc()

	dir := normalizeDirFilter(req.DirectoryFilter)

	results := make([]SearchResult, 0, topK)
	for _, hit := range hits {
		r, ok := parseHit(hit)
		if !ok {
			continue
		}
		if dir != "" && r.Path != dir && !strings.HasPrefix(r.Path, dir+"/") {
			continue
		}
		if req.LanguageFilter != "" && !filetypes.MatchesLanguage(r.Path, req.LanguageFilter) {
			continue
		}
		results = append(results, r)
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

// IndexSearchResult pairs search output with the index state it ran
// against.
type IndexSearchResult struct {
	Results []SearchResult
	Partial bool // the index was still in progress when searched
}

// SearchIndex resolves the (repository, branch) index record and searches
// its collection. An in-progress index with data is searchable; results are
// flagged partial.
func (m *Manager) SearchIndex(ctx context.Context, repositoryID, branch, query string, topK int, dirFilter, langFilter string) (*IndexSearchResult, error) {
	entity, err := m.store.GetRepoIndex(ctx, repositoryID, branch)
	if err != nil {
		return nil, err
	}
	if entity.Collection == "" {
		return &IndexSearchResult{Results: []SearchResult{}}, nil
	}
	results, err := m.SearchCodebase(ctx, SearchRequest{
		Collection:      entity.Collection,
		Query:           query,
		RepoID:          entity.RepoURL,
		TopK:            topK,
		DirectoryFilter: dirFilter,
		LanguageFilter:  langFilter,
	})
	if err != nil {
		return nil, err
	}
	return &IndexSearchResult{
		Results: results,
		Partial: entity.Status != store.StatusCompleted,
	}, nil
}

// parseHit validates a payload into a result. Entries missing path or text
// are dropped; a malformed start_line defaults to 1, and a malformed or
// too-small end_line defaults to start_line.
func parseHit(hit vectorstore.ScoredPoint) (SearchResult, bool) {
	path, _ := hit.Payload["path"].(string)
	text, _ := hit.Payload["text"].(string)
	if path == "" || text == "" {
		return SearchResult{}, false
	}

	start := payloadLine(hit.Payload["start_line"], 1)
	end := payloadLine(hit.Payload["end_line"], start)
	if end < start {
		end = start
	}
	return SearchResult{
		Path:      path,
		StartLine: start,
		EndLine:   end,
		Text:      text,
		Score:     hit.Score,
	}, true
}

func payloadLine(v any, fallback int) int {
	switch n := v.(type) {
	case int64:
		if n > 0 {
			return int(n)
		}
	case float64:
		if n > 0 && !math.IsNaN(n) && !math.IsInf(n, 0) {
			return int(n)
		}
	case int:
		if n > 0 {
			return n
		}
	}
	return fallback
}

// normalizeDirFilter canonicalizes a directory prefix: backslashes become
// slashes, surrounding whitespace and slashes are stripped.
func normalizeDirFilter(dir string) string {
	dir = strings.TrimSpace(dir)
	dir = strings.ReplaceAll(dir, "\\", "/")
	return strings.Trim(dir, "/")
}
