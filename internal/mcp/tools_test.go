package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/collector"
	"github.com/ashita-ai/kansoku/internal/spantext"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// fakeService serves a fixed set of traces.
type fakeService struct {
	traces  []model.Trace
	spans   map[string][]model.Span
	listErr error
	limits  []int
}

func (f *fakeService) GetTrace(_ context.Context, id string) (model.Trace, error) {
	for _, t := range f.traces {
		if t.TraceID == id {
			return t, nil
		}
	}
	return model.Trace{}, fmt.Errorf("collector: get trace: %w", storage.ErrNotFound)
}

func (f *fakeService) ListTraces(_ context.Context, limit, offset int) ([]model.Trace, bool, error) {
	f.limits = append(f.limits, limit)
	if f.listErr != nil {
		return nil, false, f.listErr
	}
	end := min(offset+limit, len(f.traces))
	return f.traces[offset:end], end < len(f.traces), nil
}

func (f *fakeService) GetSpans(_ context.Context, id string) ([]model.Span, error) {
	s, ok := f.spans[id]
	if !ok {
		return nil, fmt.Errorf("collector: get spans: %w", storage.ErrNotFound)
	}
	return s, nil
}

func (f *fakeService) SummarizeSpans(spans []model.Span) (spantext.Summary, error) {
	for _, s := range spans {
		if s.SpanID == "" {
			return spantext.Summary{}, fmt.Errorf("%w: spans[0].span_id is required", collector.ErrInvalidInput)
		}
	}
	return spantext.Summarize(spans), nil
}

func ptr[T any](v T) *T { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleService() *fakeService {
	total := int64(900)
	return &fakeService{
		traces: []model.Trace{
			{
				TraceID:   "trace-1",
				Input:     "what is the capital of France?",
				Output:    "Paris",
				SpanCount: 2,
				Metadata:  model.TraceMetadata{UserID: ptr("u-1")},
				Metrics:   model.TraceMetrics{TotalTimeMs: &total},
				Timestamps: model.TraceTimestamps{
					StartedAt: 1000, FinishedAt: 1900, InsertedAt: time.Unix(10, 0).UTC(),
				},
			},
			{TraceID: "trace-2", Error: &model.ErrorCapture{Message: "boom"}},
			{TraceID: "trace-3"},
		},
		spans: map[string][]model.Span{
			"trace-1": {
				{
					SpanID: "llm", ParentID: ptr("chain"), Type: model.SpanTypeLLM, Model: ptr("gpt-4o"),
					Output:     model.TextValue{Value: "Paris"},
					Timestamps: model.SpanTimestamps{StartedAt: 1100, FinishedAt: 1800},
				},
				{
					SpanID: "chain", Type: model.SpanTypeChain, Name: ptr("qa"),
					Input:      model.TextValue{Value: "what is the capital of France?"},
					Timestamps: model.SpanTimestamps{StartedAt: 1000, FinishedAt: 1900},
				},
			},
		},
	}
}

func callTool(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text
}

func parseToolJSON(t *testing.T, result *mcplib.CallToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &out))
	return out
}

func TestNewRegistersServer(t *testing.T) {
	s := New(sampleService(), testLogger(), "test")
	require.NotNil(t, s.MCPServer())
}

func TestTraceSummary(t *testing.T) {
	s := New(sampleService(), testLogger(), "test")

	result, err := s.handleTraceSummary(context.Background(), callTool("kansoku_trace_summary",
		map[string]any{"trace_id": "trace-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	out := parseToolJSON(t, result)
	trace := out["trace"].(map[string]any)
	assert.Equal(t, "trace-1", trace["trace_id"])
	assert.Equal(t, "Paris", trace["output"])
	assert.Equal(t, "u-1", trace["user_id"])
	assert.EqualValues(t, 900, trace["total_time_ms"])
	assert.Contains(t, out["summary"], "2 span(s) over 900ms.")
	assert.Contains(t, out["summary"], `Output: "Paris".`)
}

func TestTraceSummaryErrors(t *testing.T) {
	s := New(sampleService(), testLogger(), "test")

	result, err := s.handleTraceSummary(context.Background(), callTool("kansoku_trace_summary", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "trace_id is required")

	result, err = s.handleTraceSummary(context.Background(), callTool("kansoku_trace_summary",
		map[string]any{"trace_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "trace not found: missing", parseToolText(t, result))
}

func TestSummarizeSpansTool(t *testing.T) {
	s := New(sampleService(), testLogger(), "test")

	spans := `[
		{"span_id": "root", "type": "chain",
		 "input": {"type": "json", "value": {"question": "hello?"}},
		 "output": {"type": "text", "value": "hi there"},
		 "timestamps": {"started_at": 1, "finished_at": 5}}
	]`
	result, err := s.handleSummarizeSpans(context.Background(), callTool("kansoku_summarize_spans",
		map[string]any{"spans": spans}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	out := parseToolJSON(t, result)
	assert.Equal(t, "hello?", out["input"])
	assert.Equal(t, "hi there", out["output"])
}

func TestSummarizeSpansToolRejectsBadInput(t *testing.T) {
	s := New(sampleService(), testLogger(), "test")
	ctx := context.Background()

	tests := []struct {
		name    string
		args    map[string]any
		wantMsg string
	}{
		{"missing", map[string]any{}, "spans is required"},
		{"not json", map[string]any{"spans": "nope"}, "not a valid span array"},
		{"unknown value type", map[string]any{"spans": `[{"span_id":"a","type":"llm","input":{"type":"audio","value":1}}]`}, "unknown typed value type"},
		{"invalid span", map[string]any{"spans": `[{"type":"llm"}]`}, "span_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleSummarizeSpans(ctx, callTool("kansoku_summarize_spans", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.wantMsg)
		})
	}
}

func TestRecentTraces(t *testing.T) {
	svc := sampleService()
	s := New(svc, testLogger(), "test")

	result, err := s.handleRecentTraces(context.Background(), callTool("kansoku_recent_traces",
		map[string]any{"limit": float64(2)}))
	require.NoError(t, err)
	out := parseToolJSON(t, result)
	assert.EqualValues(t, 2, out["total"])
	assert.Equal(t, true, out["has_more"])
	traces := out["traces"].([]any)
	assert.Equal(t, "trace-1", traces[0].(map[string]any)["trace_id"])
	assert.Equal(t, "boom", traces[1].(map[string]any)["error"])

	_, err = s.handleRecentTraces(context.Background(), callTool("kansoku_recent_traces",
		map[string]any{"limit": float64(10_000)}))
	require.NoError(t, err)
	_, err = s.handleRecentTraces(context.Background(), callTool("kansoku_recent_traces", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, []int{2, maxRecentLimit, defaultRecentLimit}, svc.limits)
}

func TestRecentTracesStoreError(t *testing.T) {
	svc := sampleService()
	svc.listErr = errors.New("db down")
	s := New(svc, testLogger(), "test")

	result, err := s.handleRecentTraces(context.Background(), callTool("kansoku_recent_traces", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "db down")
}

func TestSpanTreeNested(t *testing.T) {
	s := New(sampleService(), testLogger(), "test")

	result, err := s.handleSpanTree(context.Background(), callTool("kansoku_span_tree",
		map[string]any{"trace_id": "trace-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	out := parseToolJSON(t, result)
	tree := out["tree"].([]any)
	require.Len(t, tree, 1)
	root := tree[0].(map[string]any)
	assert.Equal(t, "chain", root["span_id"])
	assert.Equal(t, "qa", root["name"])
	assert.Equal(t, "what is the capital of France?", root["input"])
	children := root["children"].([]any)
	require.Len(t, children, 1)
	child := children[0].(map[string]any)
	assert.Equal(t, "llm", child["span_id"])
	assert.Equal(t, "gpt-4o", child["model"])
	assert.EqualValues(t, 700, child["duration_ms"])
	assert.NotContains(t, child, "children")
}

func TestSpanTreeFlattened(t *testing.T) {
	s := New(sampleService(), testLogger(), "test")
	ctx := context.Background()

	ids := func(mode string) []string {
		result, err := s.handleSpanTree(ctx, callTool("kansoku_span_tree",
			map[string]any{"trace_id": "trace-1", "mode": mode}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		out := parseToolJSON(t, result)
		assert.Equal(t, mode, out["mode"])
		var got []string
		for _, sp := range out["spans"].([]any) {
			got = append(got, sp.(map[string]any)["span_id"].(string))
		}
		return got
	}

	assert.Equal(t, []string{"chain", "llm"}, ids("outside-in"))
	assert.Equal(t, []string{"llm", "chain"}, ids("inside-out"))
}

func TestSpanTreeErrors(t *testing.T) {
	s := New(sampleService(), testLogger(), "test")
	ctx := context.Background()

	result, err := s.handleSpanTree(ctx, callTool("kansoku_span_tree",
		map[string]any{"trace_id": "trace-1", "mode": "sideways"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), `"outside-in"`)

	result, err = s.handleSpanTree(ctx, callTool("kansoku_span_tree",
		map[string]any{"trace_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "trace not found: missing", parseToolText(t, result))
}
