package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/spantree"
)

const (
	recentTracesURI   = "kansoku://traces/recent"
	traceURIPrefix    = "kansoku://traces/"
	recentTracesLimit = 20
)

func (s *Server) registerResources() {
	// kansoku://traces/recent: newest trace summaries.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentTracesURI,
			"Recent Traces",
			mcplib.WithResourceDescription("The most recently recorded trace summaries, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTracesRecent,
	)

	// kansoku://traces/{trace_id}: one trace with its span tree.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			traceURIPrefix+"{trace_id}",
			"Trace",
			mcplib.WithTemplateDescription("A recorded trace summary together with its span tree"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTrace,
	)
}

func (s *Server) handleTracesRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	traces, _, err := s.svc.ListTraces(ctx, recentTracesLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent traces: %w", err)
	}

	compact := make([]map[string]any, len(traces))
	for i, t := range traces {
		compact[i] = compactTrace(t)
	}
	return jsonResource(recentTracesURI, compact)
}

func (s *Server) handleTrace(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	traceID, err := parseTraceURI(uri)
	if err != nil {
		return nil, err
	}

	t, err := s.svc.GetTrace(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("mcp: trace %s: %w", traceID, err)
	}
	spans, err := s.svc.GetSpans(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("mcp: trace %s spans: %w", traceID, err)
	}

	return jsonResource(uri, map[string]any{
		"trace": t,
		"tree":  compactTree(spantree.Build(spans).Tree()),
	})
}

// parseTraceURI extracts the trace id from kansoku://traces/{trace_id}.
func parseTraceURI(uri string) (string, error) {
	traceID, ok := strings.CutPrefix(uri, traceURIPrefix)
	if !ok || uri == recentTracesURI {
		return "", fmt.Errorf("mcp: invalid trace URI: %s", uri)
	}
	if traceID == "" || strings.Contains(traceID, "/") {
		return "", fmt.Errorf("mcp: invalid trace URI: empty or nested trace_id in %s", uri)
	}
	return traceID, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
