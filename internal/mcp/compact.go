package mcp

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/spantext"
	"github.com/ashita-ai/kansoku/internal/spantree"
)

const maxCompactText = 200

// compactTrace returns a minimal representation of a trace for MCP
// responses. Metadata is reduced to the ids an assistant filters on.
func compactTrace(t model.Trace) map[string]any {
	m := map[string]any{
		"trace_id":    t.TraceID,
		"input":       truncate(t.Input, maxCompactText),
		"output":      truncate(t.Output, maxCompactText),
		"span_count":  t.SpanCount,
		"started_at":  t.Timestamps.StartedAt,
		"inserted_at": t.Timestamps.InsertedAt,
	}
	if t.Metrics.TotalTimeMs != nil {
		m["total_time_ms"] = *t.Metrics.TotalTimeMs
	}
	if t.Metrics.TotalCost != nil {
		m["total_cost"] = *t.Metrics.TotalCost
	}
	if t.Error != nil {
		m["error"] = truncate(t.Error.Message, maxCompactText)
	}
	if t.Metadata.UserID != nil {
		m["user_id"] = *t.Metadata.UserID
	}
	if t.Metadata.ThreadID != nil {
		m["thread_id"] = *t.Metadata.ThreadID
	}
	return m
}

// compactSpan returns one span with its payloads rendered to text.
func compactSpan(s model.Span) map[string]any {
	m := map[string]any{
		"span_id":     s.SpanID,
		"type":        s.Type,
		"duration_ms": s.Timestamps.FinishedAt - s.Timestamps.StartedAt,
	}
	if name := s.DisplayName(); name != "" {
		m["name"] = name
	}
	if spantext.HasContent(s.Input) {
		m["input"] = truncate(spantext.TextOf(s.Input, true), maxCompactText)
	}
	if spantext.HasContent(s.Output) {
		m["output"] = truncate(spantext.TextOf(s.Output, true), maxCompactText)
	}
	if s.Model != nil {
		m["model"] = *s.Model
	}
	if s.Error != nil {
		m["error"] = truncate(s.Error.Message, maxCompactText)
	}
	return m
}

// compactTree converts a span forest into nested compact spans.
func compactTree(nodes []*spantree.SpanNode) []map[string]any {
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		m := compactSpan(n.Span)
		if len(n.Children) > 0 {
			m["children"] = compactTree(n.Children)
		}
		out = append(out, m)
	}
	return out
}

// generateTraceSummary creates a one-paragraph synthesis of a trace.
// Template-based, no LLM dependency.
func generateTraceSummary(t model.Trace) string {
	var parts []string
	line := fmt.Sprintf("%d span(s)", t.SpanCount)
	if t.Metrics.TotalTimeMs != nil {
		line += fmt.Sprintf(" over %dms", *t.Metrics.TotalTimeMs)
	}
	parts = append(parts, line+".")

	if t.Input != "" {
		parts = append(parts, fmt.Sprintf("Input: %q.", truncate(t.Input, 100)))
	} else {
		parts = append(parts, "No input recorded.")
	}
	if t.Output != "" {
		parts = append(parts, fmt.Sprintf("Output: %q.", truncate(t.Output, 100)))
	} else {
		parts = append(parts, "No output recorded.")
	}
	if t.Error != nil {
		parts = append(parts, fmt.Sprintf("Failed: %s.", truncate(t.Error.Message, 100)))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
