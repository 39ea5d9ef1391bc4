package kansoku

import (
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/spantext"
	"github.com/ashita-ai/kansoku/internal/spantree"
)

// Public aliases of the wire types, so embedders and SDK-side Go code can
// build span batches without importing internal packages.
type (
	Span              = model.Span
	SpanType          = model.SpanType
	SpanTimestamps    = model.SpanTimestamps
	TypedValue        = model.TypedValue
	TextValue         = model.TextValue
	ChatMessagesValue = model.ChatMessagesValue
	ChatMessage       = model.ChatMessage
	MessageContent    = model.MessageContent
	JSONValue         = model.JSONValue
	RawValue          = model.RawValue
	Trace             = model.Trace
	TraceMetadata     = model.TraceMetadata
	SpanNode          = spantree.SpanNode
	Summary           = spantext.Summary
	FlattenMode       = spantree.Mode
)

// Flattening orders.
const (
	OutsideIn = spantree.OutsideIn
	InsideOut = spantree.InsideOut
)

// TextContent returns plain string chat message content.
func TextContent(s string) MessageContent {
	return model.TextContent(s)
}

// FirstInputText returns the input text of the outermost, earliest span
// that has an input, or "" when none does.
func FirstInputText(spans []Span) string {
	return spantext.FirstInputText(spans)
}

// LastOutputText returns the output text of the top-level span, falling
// back to the latest-finishing span with an output.
func LastOutputText(spans []Span) string {
	return spantext.LastOutputText(spans)
}

// Summarize returns both texts computed over a single tree build.
func Summarize(spans []Span) Summary {
	return spantext.Summarize(spans)
}

// Tree nests spans under their parents. Spans whose parent is missing, or
// that sit on a parent cycle, become roots.
func Tree(spans []Span) []*SpanNode {
	return spantree.Build(spans).Tree()
}

// Flatten returns the spans in depth-first order.
func Flatten(spans []Span, mode FlattenMode) []Span {
	return spantree.Build(spans).Flatten(mode)
}
