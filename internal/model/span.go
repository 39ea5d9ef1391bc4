package model

import (
	"encoding/json"
	"fmt"
)

// SpanType is the kind of work a span records. It is carried through
// storage and the API but never interpreted by the extraction pipeline.
type SpanType string

const (
	SpanTypeSpan      SpanType = "span"
	SpanTypeLLM       SpanType = "llm"
	SpanTypeChain     SpanType = "chain"
	SpanTypeTool      SpanType = "tool"
	SpanTypeAgent     SpanType = "agent"
	SpanTypeRAG       SpanType = "rag"
	SpanTypeTask      SpanType = "task"
	SpanTypeWorkflow  SpanType = "workflow"
	SpanTypeComponent SpanType = "component"
	SpanTypeModule    SpanType = "module"
	SpanTypeUnknown   SpanType = "unknown"
)

// Known reports whether t is one of the span kinds the collector stores.
func (t SpanType) Known() bool {
	switch t {
	case SpanTypeSpan, SpanTypeLLM, SpanTypeChain, SpanTypeTool, SpanTypeAgent, SpanTypeRAG,
		SpanTypeTask, SpanTypeWorkflow, SpanTypeComponent, SpanTypeModule, SpanTypeUnknown:
		return true
	}
	return false
}

// WithPassThroughTypes returns a copy of spans in which a missing type
// becomes "span" and an unrecognised one becomes "unknown". Extraction never
// reads the type, so stateless summaries accept any kind through this.
func WithPassThroughTypes(spans []Span) []Span {
	out := make([]Span, len(spans))
	copy(out, spans)
	for i := range out {
		switch {
		case out[i].Type == "":
			out[i].Type = SpanTypeSpan
		case !out[i].Type.Known():
			out[i].Type = SpanTypeUnknown
		}
	}
	return out
}

// SpanTimestamps are epoch milliseconds. FinishedAt >= StartedAt is not
// guaranteed.
type SpanTimestamps struct {
	StartedAt    int64  `json:"started_at"`
	FirstTokenAt *int64 `json:"first_token_at,omitempty"`
	FinishedAt   int64  `json:"finished_at"`
}

// ErrorCapture is an error recorded by the SDK while the span was running.
type ErrorCapture struct {
	Message    string   `json:"message"`
	Stacktrace []string `json:"stacktrace"`
}

// LLMMetrics holds token usage and cost reported for an LLM span.
type LLMMetrics struct {
	PromptTokens     *int     `json:"prompt_tokens,omitempty"`
	CompletionTokens *int     `json:"completion_tokens,omitempty"`
	Cost             *float64 `json:"cost,omitempty"`
}

// RAGChunk is one retrieved context of a RAG span.
type RAGChunk struct {
	DocumentID *string         `json:"document_id,omitempty"`
	ChunkID    *string         `json:"chunk_id,omitempty"`
	Content    json.RawMessage `json:"content"`
}

// Span is one recorded unit of work in a trace. Immutable once received.
type Span struct {
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id" validate:"required,max=256"`
	ParentID   *string        `json:"parent_id,omitempty" validate:"omitempty,max=256"`
	Type       SpanType       `json:"type" validate:"required,oneof=span llm chain tool agent rag task workflow component module unknown"`
	Name       *string        `json:"name,omitempty"`
	Input      TypedValue     `json:"input,omitempty"`
	Output     TypedValue     `json:"output,omitempty"`
	Error      *ErrorCapture  `json:"error,omitempty"`
	Timestamps SpanTimestamps `json:"timestamps"`

	// LLM spans.
	Vendor  *string        `json:"vendor,omitempty"`
	Model   *string        `json:"model,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Metrics *LLMMetrics    `json:"metrics,omitempty"`

	// RAG spans.
	Contexts []RAGChunk `json:"contexts,omitempty"`
}

// HasParent reports whether the span names a parent span id.
func (s Span) HasParent() bool {
	return s.ParentID != nil && *s.ParentID != ""
}

// DisplayName returns the span name, or "" when unnamed.
func (s Span) DisplayName() string {
	if s.Name == nil {
		return ""
	}
	return *s.Name
}

// spanJSON mirrors Span with the typed payloads left undecoded.
type spanJSON struct {
	TraceID    string          `json:"trace_id"`
	SpanID     string          `json:"span_id"`
	ParentID   *string         `json:"parent_id,omitempty"`
	Type       SpanType        `json:"type"`
	Name       *string         `json:"name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *ErrorCapture   `json:"error,omitempty"`
	Timestamps SpanTimestamps  `json:"timestamps"`
	Vendor     *string         `json:"vendor,omitempty"`
	Model      *string         `json:"model,omitempty"`
	Params     map[string]any  `json:"params,omitempty"`
	Metrics    *LLMMetrics     `json:"metrics,omitempty"`
	Contexts   []RAGChunk      `json:"contexts,omitempty"`
}

// UnmarshalJSON decodes a span, resolving input and output into their
// TypedValue variants.
func (s *Span) UnmarshalJSON(data []byte) error {
	var raw spanJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	input, err := DecodeTypedValue(raw.Input)
	if err != nil {
		return fmt.Errorf("span %q: input: %w", raw.SpanID, err)
	}
	output, err := DecodeTypedValue(raw.Output)
	if err != nil {
		return fmt.Errorf("span %q: output: %w", raw.SpanID, err)
	}
	*s = Span{
		TraceID:    raw.TraceID,
		SpanID:     raw.SpanID,
		ParentID:   raw.ParentID,
		Type:       raw.Type,
		Name:       raw.Name,
		Input:      input,
		Output:     output,
		Error:      raw.Error,
		Timestamps: raw.Timestamps,
		Vendor:     raw.Vendor,
		Model:      raw.Model,
		Params:     raw.Params,
		Metrics:    raw.Metrics,
		Contexts:   raw.Contexts,
	}
	return nil
}

// MarshalJSON encodes a span. Nil payloads are omitted.
func (s Span) MarshalJSON() ([]byte, error) {
	out := spanJSON{
		TraceID:    s.TraceID,
		SpanID:     s.SpanID,
		ParentID:   s.ParentID,
		Type:       s.Type,
		Name:       s.Name,
		Error:      s.Error,
		Timestamps: s.Timestamps,
		Vendor:     s.Vendor,
		Model:      s.Model,
		Params:     s.Params,
		Metrics:    s.Metrics,
		Contexts:   s.Contexts,
	}
	var err error
	if s.Input != nil {
		if out.Input, err = json.Marshal(s.Input); err != nil {
			return nil, fmt.Errorf("span %q: input: %w", s.SpanID, err)
		}
	}
	if s.Output != nil {
		if out.Output, err = json.Marshal(s.Output); err != nil {
			return nil, fmt.Errorf("span %q: output: %w", s.SpanID, err)
		}
	}
	return json.Marshal(out)
}
