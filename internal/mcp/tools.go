package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/collector"
	"github.com/ashita-ai/kansoku/internal/spantree"
	"github.com/ashita-ai/kansoku/internal/storage"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 50
)

func (s *Server) registerTools() {
	// kansoku_trace_summary: the stored summary of one trace.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_trace_summary",
			mcplib.WithDescription(`Get the summary of a recorded trace: its representative input and output
text, timing, token usage, cost and first error.

WHEN TO USE: When you know a trace_id (from kansoku_recent_traces or a log
line) and want to know what the request was about and how it ended.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trace_id",
				mcplib.Description("The trace identifier"),
				mcplib.Required(),
			),
		),
		s.handleTraceSummary,
	)

	// kansoku_summarize_spans: stateless extraction over a span batch.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_summarize_spans",
			mcplib.WithDescription(`Compute the representative input and output of a batch of spans without
storing anything.

The input is taken from the outermost, earliest span that has one; the output
from the top-level span, falling back to the span that finished last.

EXAMPLE: spans='[{"span_id":"a","type":"llm","input":{"type":"text","value":"hi"},"timestamps":{"started_at":1,"finished_at":2}}]'`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("spans",
				mcplib.Description("JSON array of spans in the collector format"),
				mcplib.Required(),
			),
		),
		s.handleSummarizeSpans,
	)

	// kansoku_recent_traces: newest traces first.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_recent_traces",
			mcplib.WithDescription("List the most recently recorded traces, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum traces to return"),
				mcplib.Min(1),
				mcplib.Max(maxRecentLimit),
				mcplib.DefaultNumber(defaultRecentLimit),
			),
		),
		s.handleRecentTraces,
	)

	// kansoku_span_tree: how the spans of a trace nest.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_span_tree",
			mcplib.WithDescription(`Show the spans of a recorded trace.

Without mode, returns the nested span tree. With mode="outside-in" returns the
spans flattened parents-first; mode="inside-out" returns them children-first.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trace_id",
				mcplib.Description("The trace identifier"),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description("Optional flattening order"),
				mcplib.Enum(spantree.OutsideIn.String(), spantree.InsideOut.String()),
			),
		),
		s.handleSpanTree,
	)
}

func (s *Server) handleTraceSummary(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}

	t, err := s.svc.GetTrace(ctx, traceID)
	if err != nil {
		return s.lookupError(traceID, err), nil
	}

	return jsonResult(map[string]any{
		"trace":   compactTrace(t),
		"summary": generateTraceSummary(t),
	})
}

func (s *Server) handleSummarizeSpans(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("spans", "")
	if raw == "" {
		return errorResult("spans is required"), nil
	}

	var spans []model.Span
	if err := json.Unmarshal([]byte(raw), &spans); err != nil {
		return errorResult(fmt.Sprintf("spans is not a valid span array: %v", err)), nil
	}

	sum, err := s.svc.SummarizeSpans(spans)
	if err != nil {
		if errors.Is(err, collector.ErrInvalidInput) {
			return errorResult(err.Error()), nil
		}
		return errorResult(fmt.Sprintf("failed to summarize spans: %v", err)), nil
	}
	return jsonResult(sum)
}

func (s *Server) handleRecentTraces(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", defaultRecentLimit)
	limit = max(1, min(limit, maxRecentLimit))

	traces, hasMore, err := s.svc.ListTraces(ctx, limit, 0)
	if err != nil {
		s.logger.Error("mcp: recent traces", "error", err)
		return errorResult(fmt.Sprintf("failed to list traces: %v", err)), nil
	}

	compact := make([]map[string]any, len(traces))
	for i, t := range traces {
		compact[i] = compactTrace(t)
	}
	return jsonResult(map[string]any{
		"traces":   compact,
		"total":    len(compact),
		"has_more": hasMore,
	})
}

func (s *Server) handleSpanTree(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}
	modeArg := request.GetString("mode", "")
	var mode spantree.Mode
	if modeArg != "" {
		var ok bool
		if mode, ok = spantree.ParseMode(modeArg); !ok {
			return errorResult(fmt.Sprintf("mode must be %q or %q", spantree.OutsideIn, spantree.InsideOut)), nil
		}
	}

	spans, err := s.svc.GetSpans(ctx, traceID)
	if err != nil {
		return s.lookupError(traceID, err), nil
	}

	forest := spantree.Build(spans)
	if modeArg == "" {
		return jsonResult(map[string]any{
			"trace_id": traceID,
			"tree":     compactTree(forest.Tree()),
		})
	}

	flat := forest.Flatten(mode)
	compact := make([]map[string]any, len(flat))
	for i, sp := range flat {
		compact[i] = compactSpan(sp)
	}
	return jsonResult(map[string]any{
		"trace_id": traceID,
		"mode":     mode.String(),
		"spans":    compact,
	})
}

func (s *Server) lookupError(traceID string, err error) *mcplib.CallToolResult {
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult("trace not found: " + traceID)
	}
	s.logger.Error("mcp: trace lookup", "trace_id", traceID, "error", err)
	return errorResult(fmt.Sprintf("failed to load trace %s: %v", traceID, err))
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
