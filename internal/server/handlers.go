package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/First008/codeindex/internal/indexer"
	"github.com/First008/codeindex/internal/lifecycle"
	"github.com/First008/codeindex/internal/shell"
	"github.com/First008/codeindex/internal/store"
)

type indexRequest struct {
	RepositoryID string `json:"repository_id"`
	RepoURL      string `json:"repo_url" binding:"required"`
	RepoRoot     string `json:"repo_root" binding:"required"`
	Branch       string `json:"branch" binding:"required"`
	UserID       string `json:"user_id"`
}

type searchRequest struct {
	RepositoryID string `json:"repository_id" binding:"required"`
	Branch       string `json:"branch" binding:"required"`
	Query        string `json:"query" binding:"required"`
	TopK         int    `json:"top_k"`
	Directory    string `json:"directory"`
	Language     string `json:"language"`
}

type reindexRequest struct {
	RepositoryID string `json:"repository_id" binding:"required"`
	Branch       string `json:"branch" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleIndex(c *gin.Context) {
	var req indexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Registration is this layer's write: the manager refuses to index
	// repositories nobody registered.
	owner, repo, provider := lifecycle.ParseRepoURL(req.RepoURL)
	repoRow, err := s.store.EnsureRepository(c.Request.Context(), &store.Repository{
		ID:        req.RepositoryID,
		Owner:     owner,
		Repo:      repo,
		URL:       indexer.DeriveRepoID(req.RepoURL),
		Provider:  provider,
		CreatedBy: req.UserID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result, err := s.manager.GetOrInitIndex(c.Request.Context(), lifecycle.InitRequest{
		RepositoryID: repoRow.ID,
		RepoURL:      req.RepoURL,
		RepoRoot:     req.RepoRoot,
		Branch:       req.Branch,
		Exec:         shell.NewLocal(req.RepoRoot),
		UserID:       req.UserID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("branch", req.Branch).Msg("Index request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":  result.State,
		"entity": entityView(result.Entity),
	})
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.manager.SearchIndex(c.Request.Context(),
		req.RepositoryID, req.Branch, req.Query, req.TopK, req.Directory, req.Language)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "index not found"})
			return
		}
		s.logger.Error().Err(err).Str("branch", req.Branch).Msg("Search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results": result.Results,
		"partial": result.Partial,
	})
}

func (s *Server) handleReindex(c *gin.Context) {
	var req reindexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entity, err := s.manager.TriggerReindex(c.Request.Context(), req.RepositoryID, req.Branch)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "index not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"entity": entityView(entity)})
}

func (s *Server) handleListIndexes(c *gin.Context) {
	indexes, err := s.manager.ListIndexes(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, len(indexes))
	for i, idx := range indexes {
		views[i] = entityView(idx)
	}
	c.JSON(http.StatusOK, gin.H{"indexes": views})
}

// entityView shapes an index record for responses, omitting internals.
func entityView(e *store.RepoIndex) gin.H {
	if e == nil {
		return nil
	}
	return gin.H{
		"id":                  e.ID,
		"repository_id":       e.RepositoryID,
		"branch":              e.Branch,
		"status":              e.Status,
		"collection":          e.Collection,
		"last_indexed_commit": e.LastIndexedCommit,
		"embedding_model":     e.EmbeddingModel,
		"estimated_tokens":    e.EstimatedTokens,
		"indexed_tokens":      e.IndexedTokens,
		"error_message":       e.ErrorMessage,
		"updated_at":          e.UpdatedAt,
	}
}
