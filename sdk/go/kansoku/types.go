package kansoku

import (
	"encoding/json"
	"time"
)

// Span types accepted by the collector.
const (
	SpanTypeSpan      = "span"
	SpanTypeLLM       = "llm"
	SpanTypeChain     = "chain"
	SpanTypeTool      = "tool"
	SpanTypeAgent     = "agent"
	SpanTypeRAG       = "rag"
	SpanTypeTask      = "task"
	SpanTypeWorkflow  = "workflow"
	SpanTypeComponent = "component"
	SpanTypeModule    = "module"
	SpanTypeUnknown   = "unknown"
)

// Value is a span input or output: {"type": ..., "value": ...}.
type Value struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Text returns a text value.
func Text(s string) *Value {
	return mustValue("text", s)
}

// ChatMessages returns a chat_messages value.
func ChatMessages(msgs ...ChatMessage) *Value {
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	return mustValue("chat_messages", msgs)
}

// JSON returns a json value wrapping v.
func JSON(v any) (*Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Value{Type: "json", Value: raw}, nil
}

func mustValue(typ string, v any) *Value {
	// Strings and chat messages always marshal.
	raw, _ := json.Marshal(v)
	return &Value{Type: typ, Value: raw}
}

// ChatMessage is one message of a chat_messages value. Content is a string
// or a list of content parts.
type ChatMessage struct {
	Role       string          `json:"role,omitempty"`
	Content    any             `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// SpanTimestamps are epoch milliseconds.
type SpanTimestamps struct {
	StartedAt    int64  `json:"started_at"`
	FirstTokenAt *int64 `json:"first_token_at,omitempty"`
	FinishedAt   int64  `json:"finished_at,omitempty"`
}

// LLMMetrics is token usage reported by an LLM span.
type LLMMetrics struct {
	PromptTokens     *int     `json:"prompt_tokens,omitempty"`
	CompletionTokens *int     `json:"completion_tokens,omitempty"`
	Cost             *float64 `json:"cost,omitempty"`
}

// SpanError is an error captured on a span.
type SpanError struct {
	Message    string   `json:"message"`
	Stacktrace []string `json:"stacktrace,omitempty"`
}

// Span is one unit of work inside a trace.
type Span struct {
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id"`
	ParentID   *string        `json:"parent_id,omitempty"`
	Type       string         `json:"type"`
	Name       *string        `json:"name,omitempty"`
	Input      *Value         `json:"input,omitempty"`
	Output     *Value         `json:"output,omitempty"`
	Error      *SpanError     `json:"error,omitempty"`
	Timestamps SpanTimestamps `json:"timestamps"`
	Vendor     *string        `json:"vendor,omitempty"`
	Model      *string        `json:"model,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Metrics    *LLMMetrics    `json:"metrics,omitempty"`
}

// TraceMetadata is caller-supplied context attached to a trace.
type TraceMetadata struct {
	UserID      *string  `json:"user_id,omitempty"`
	ThreadID    *string  `json:"thread_id,omitempty"`
	CustomerID  *string  `json:"customer_id,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	SDKVersion  *string  `json:"sdk_version,omitempty"`
	SDKLanguage *string  `json:"sdk_language,omitempty"`
}

// CollectRequest is the full span batch of one trace. Collecting a trace
// again replaces what was stored before.
type CollectRequest struct {
	TraceID  string        `json:"trace_id"`
	Metadata TraceMetadata `json:"metadata"`
	Spans    []Span        `json:"spans"`
}

// Trace is the summary the collector derives from a span batch.
type Trace struct {
	TraceID    string        `json:"trace_id"`
	Metadata   TraceMetadata `json:"metadata"`
	Input      string        `json:"input"`
	Output     string        `json:"output"`
	Timestamps struct {
		StartedAt  int64     `json:"started_at"`
		FinishedAt int64     `json:"finished_at"`
		InsertedAt time.Time `json:"inserted_at"`
	} `json:"timestamps"`
	Metrics struct {
		FirstTokenMs     *int64   `json:"first_token_ms,omitempty"`
		TotalTimeMs      *int64   `json:"total_time_ms,omitempty"`
		PromptTokens     *int     `json:"prompt_tokens,omitempty"`
		CompletionTokens *int     `json:"completion_tokens,omitempty"`
		TotalCost        *float64 `json:"total_cost,omitempty"`
	} `json:"metrics"`
	Error     *SpanError `json:"error,omitempty"`
	SpanCount int        `json:"span_count"`
}

// CollectResponse is returned by Collect.
type CollectResponse struct {
	Message string `json:"message"`
	Trace   Trace  `json:"trace"`
}

// Summary is the representative text of a span batch.
type Summary struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// SpanNode is a span with its children.
type SpanNode struct {
	Span     Span        `json:"span"`
	Children []*SpanNode `json:"children"`
}

// TraceList is one page of ListTraces.
type TraceList struct {
	Traces  []Trace
	HasMore bool
}

// Health is the server health report.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	BufferDepth   int    `json:"buffer_depth"`
	BufferStatus  string `json:"buffer_status"`
	FlushBreaker  string `json:"flush_breaker,omitempty"`
	DroppedTraces int64  `json:"dropped_traces"`
	Uptime        int64  `json:"uptime_seconds"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type listEnvelope struct {
	Data    []Trace `json:"data"`
	HasMore bool    `json:"has_more"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
