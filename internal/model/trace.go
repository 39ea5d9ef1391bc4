// Package model defines the core domain types for Kansoku.
//
// Spans arrive from SDKs as a flat batch per trace. Trace is the summary
// record derived from such a batch and stored alongside its spans.
package model

import "time"

// TraceMetadata is caller-supplied context attached to a trace.
type TraceMetadata struct {
	UserID      *string  `json:"user_id,omitempty" validate:"omitempty,max=256"`
	ThreadID    *string  `json:"thread_id,omitempty" validate:"omitempty,max=256"`
	CustomerID  *string  `json:"customer_id,omitempty" validate:"omitempty,max=256"`
	Labels      []string `json:"labels,omitempty" validate:"omitempty,max=50,dive,max=256"`
	SDKVersion  *string  `json:"sdk_version,omitempty"`
	SDKLanguage *string  `json:"sdk_language,omitempty"`
}

// TraceTimestamps bound the spans of a trace. Epoch milliseconds, except
// InsertedAt which is the server time the summary was computed.
type TraceTimestamps struct {
	StartedAt  int64     `json:"started_at"`
	FinishedAt int64     `json:"finished_at"`
	InsertedAt time.Time `json:"inserted_at"`
}

// TraceMetrics aggregates timing and LLM usage over the spans of a trace.
type TraceMetrics struct {
	FirstTokenMs     *int64   `json:"first_token_ms,omitempty"`
	TotalTimeMs      *int64   `json:"total_time_ms,omitempty"`
	PromptTokens     *int     `json:"prompt_tokens,omitempty"`
	CompletionTokens *int     `json:"completion_tokens,omitempty"`
	TotalCost        *float64 `json:"total_cost,omitempty"`
}

// Trace is the summary of one trace: the representative input and output
// text plus aggregates over its spans.
type Trace struct {
	TraceID    string          `json:"trace_id"`
	Metadata   TraceMetadata   `json:"metadata"`
	Input      string          `json:"input"`
	Output     string          `json:"output"`
	Timestamps TraceTimestamps `json:"timestamps"`
	Metrics    TraceMetrics    `json:"metrics"`
	Error      *ErrorCapture   `json:"error,omitempty"`
	SpanCount  int             `json:"span_count"`
}

// CollectorRequest is the body of POST /api/collector, as sent by SDKs.
// SDKs resend the full span set of a trace each time, so a request
// replaces whatever was stored for the trace before.
type CollectorRequest struct {
	TraceID  string        `json:"trace_id" validate:"required,max=256"`
	Metadata TraceMetadata `json:"metadata"`
	Spans    []Span        `json:"spans" validate:"required,min=1,dive"`
}

// SummarizeRequest is the body of POST /v1/summarize.
type SummarizeRequest struct {
	Spans []Span `json:"spans" validate:"dive"`
}

// SummarizeResponse is the representative input and output of a span batch.
type SummarizeResponse struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}
