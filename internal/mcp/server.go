// Package mcpserver exposes the engine as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/First008/codeindex/internal/indexer"
	"github.com/First008/codeindex/internal/lifecycle"
	"github.com/First008/codeindex/internal/shell"
	"github.com/First008/codeindex/internal/store"
)

// Server wraps the MCP server around the lifecycle manager. Like the HTTP
// server, it is an API surface and owns repository registration.
type Server struct {
	mcpServer *mcp.Server
	manager   *lifecycle.Manager
	store     *store.Store
	logger    zerolog.Logger
}

// SearchToolArgs are the arguments for the search_codebase tool.
type SearchToolArgs struct {
	RepositoryID string `json:"repository_id" jsonschema:"description:Repository id returned by index_repository"`
	Branch       string `json:"branch" jsonschema:"description:Branch whose index to search"`
	Query        string `json:"query" jsonschema:"description:Natural-language description of the code to find"`
	TopK         int    `json:"top_k,omitempty" jsonschema:"description:Maximum number of results"`
	Directory    string `json:"directory,omitempty" jsonschema:"description:Restrict results to this directory prefix"`
	Language     string `json:"language,omitempty" jsonschema:"description:Restrict results to one language, e.g. typescript"`
}

// IndexToolArgs are the arguments for the index_repository tool.
type IndexToolArgs struct {
	RepoURL  string `json:"repo_url" jsonschema:"description:Clone URL of the repository"`
	RepoRoot string `json:"repo_root" jsonschema:"description:Path to the local checkout"`
	Branch   string `json:"branch" jsonschema:"description:Branch to index"`
}

// New creates the MCP server and registers its tools.
func New(manager *lifecycle.Manager, st *store.Store, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		manager: manager,
		store:   st,
		logger:  logger,
	}

	impl := &mcp.Implementation{
		Name:    "codeindex",
		Version: "1.0.0",
	}
	mcpServer := mcp.NewServer(impl, nil)

	mcp.AddTool(
		mcpServer,
		&mcp.Tool{
			Name:        "search_codebase",
			Description: "Semantic search over an indexed repository branch. Returns ranked code chunks with paths and line ranges.",
		},
		s.handleSearchTool,
	)
	mcp.AddTool(
		mcpServer,
		&mcp.Tool{
			Name:        "index_repository",
			Description: "Ensure a repository branch is indexed. Small repositories index immediately; large ones are queued when the manager has a job queue (otherwise they also index immediately) and the call reports progress state.",
		},
		s.handleIndexTool,
	)

	s.mcpServer = mcpServer
	logger.Info().Msg("MCP server initialized")
	return s, nil
}

// ServeStdio runs the server over stdio.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info().Msg("Starting MCP server in stdio mode")
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) handleSearchTool(ctx context.Context, request *mcp.CallToolRequest, args SearchToolArgs) (*mcp.CallToolResult, any, error) {
	result, err := s.manager.SearchIndex(ctx, args.RepositoryID, args.Branch,
		args.Query, args.TopK, args.Directory, args.Language)
	if err != nil {
		return nil, nil, fmt.Errorf("search error: %w", err)
	}

	payload, err := json.MarshalIndent(result.Results, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	text := string(payload)
	if result.Partial {
		text = "(index still in progress, results may be incomplete)\n" + text
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

func (s *Server) handleIndexTool(ctx context.Context, request *mcp.CallToolRequest, args IndexToolArgs) (*mcp.CallToolResult, any, error) {
	owner, repo, provider := lifecycle.ParseRepoURL(args.RepoURL)
	repoRow, err := s.store.EnsureRepository(ctx, &store.Repository{
		Owner:    owner,
		Repo:     repo,
		URL:      indexer.DeriveRepoID(args.RepoURL),
		Provider: provider,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("register repository: %w", err)
	}

	result, err := s.manager.GetOrInitIndex(ctx, lifecycle.InitRequest{
		RepositoryID: repoRow.ID,
		RepoURL:      args.RepoURL,
		RepoRoot:     args.RepoRoot,
		Branch:       args.Branch,
		Exec:         shell.NewLocal(args.RepoRoot),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("index error: %w", err)
	}

	text := fmt.Sprintf("state: %s\nrepository_id: %s\nindexed_tokens: %d/%d",
		result.State, result.Entity.RepositoryID, result.Entity.IndexedTokens, result.Entity.EstimatedTokens)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}
