// Package mcp implements the Model Context Protocol server for Kansoku.
//
// The MCP server exposes the read side of the collector through MCP
// resources, tools and prompts, so an assistant can inspect recorded LLM
// traces the same way the HTTP API does.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/spantext"
)

// TraceService is the subset of the collector service the MCP server uses.
type TraceService interface {
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)
	ListTraces(ctx context.Context, limit, offset int) ([]model.Trace, bool, error)
	GetSpans(ctx context.Context, traceID string) ([]model.Span, error)
	SummarizeSpans(spans []model.Span) (spantext.Summary, error)
}

// Server wraps the MCP server with Kansoku's collector service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       TraceService
	logger    *slog.Logger
	version   string
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(svc TraceService, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:     svc,
		logger:  logger,
		version: version,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kansoku",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("Kansoku records traces of LLM applications. "+
			"Use kansoku_recent_traces to find a trace, kansoku_trace_summary for its input and output, "+
			"and kansoku_span_tree to see how its spans nest."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
