// Package mcp exposes usagebar over the Model Context Protocol, so AI
// assistants can inspect their own remaining quota before starting long
// work. Served on stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmax-ai/usagebar/pkg/cache"
	"github.com/rmax-ai/usagebar/pkg/fetch"
	"github.com/rmax-ai/usagebar/pkg/provider"
)

// Server adapts the fetch pipeline to MCP.
type Server struct {
	mcpServer *server.MCPServer
	fetcher   *fetch.Fetcher
	providers map[provider.ID]provider.Provider
}

// NewServer creates an MCP server over the given providers.
func NewServer(version string, fetcher *fetch.Fetcher, providers []provider.Provider) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer("usagebar", version),
		fetcher:   fetcher,
		providers: make(map[provider.ID]provider.Provider, len(providers)),
	}
	for _, p := range providers {
		s.providers[p.ID()] = p
	}
	s.registerResources()
	s.registerTools()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"usagebar://usage",
		"AI Assistant Usage",
		mcp.WithResourceDescription("Current usage-window utilization for every configured provider"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadUsage)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"get_usage",
		mcp.WithDescription("Fetch current quota usage for one provider. Returns the 5-hour and 7-day window utilization and reset times."),
		mcp.WithString("provider", mcp.Required(), mcp.Description("Provider id: 'claude' or 'codex'")),
	), s.handleGetUsage)
}

func (s *Server) handleReadUsage(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	entries := make(map[provider.ID]*cache.Entry, len(s.providers))
	for id, prov := range s.providers {
		entries[id] = s.fetcher.Fetch(ctx, prov)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal usage entries: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleGetUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := provider.ID(mcp.ParseString(request, "provider", ""))
	prov, ok := s.providers[id]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown provider: %q", id)), nil
	}

	entry := s.fetcher.Fetch(ctx, prov)
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal usage entry: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
