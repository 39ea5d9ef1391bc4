package model_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

const llmSpanJSON = `{
	"trace_id": "trace_1",
	"span_id": "span_1",
	"parent_id": "span_0",
	"type": "llm",
	"name": "ChatOpenAI",
	"vendor": "openai",
	"model": "gpt-4o",
	"params": {"temperature": 0.2},
	"input": {"type": "chat_messages", "value": [
		{"role": "user", "content": [
			{"type": "text", "text": "describe"},
			{"type": "image_url", "image_url": {"url": "https://x/y.png", "detail": "low"}}
		]}
	]},
	"output": {"type": "json", "value": {"z": 1, "a": [true, null]}},
	"metrics": {"prompt_tokens": 12, "completion_tokens": 4, "cost": 0.0003},
	"timestamps": {"started_at": 1700000000000, "first_token_at": 1700000000100, "finished_at": 1700000000500}
}`

func TestSpanDecode(t *testing.T) {
	var s model.Span
	require.NoError(t, json.Unmarshal([]byte(llmSpanJSON), &s))

	assert.Equal(t, "span_1", s.SpanID)
	assert.True(t, s.HasParent())
	assert.Equal(t, "ChatOpenAI", s.DisplayName())
	assert.Equal(t, model.SpanTypeLLM, s.Type)
	require.NotNil(t, s.Metrics)
	assert.Equal(t, 12, *s.Metrics.PromptTokens)
	assert.Equal(t, int64(1700000000100), *s.Timestamps.FirstTokenAt)

	chat, ok := s.Input.(model.ChatMessagesValue)
	require.True(t, ok, "input should decode to chat messages, got %T", s.Input)
	require.Len(t, chat.Messages, 1)
	parts := chat.Messages[0].Content.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "describe", parts[0].Text)
	assert.Equal(t, "image_url", parts[1].Type)

	out, ok := s.Output.(model.JSONValue)
	require.True(t, ok)
	assert.JSONEq(t, `{"z": 1, "a": [true, null]}`, string(out.Value))
}

func TestSpanEncodePreservesPayloads(t *testing.T) {
	var s model.Span
	require.NoError(t, json.Unmarshal([]byte(llmSpanJSON), &s))

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, llmSpanJSON, string(raw))
	// Producer key order survives.
	assert.Contains(t, string(raw), `{"z":1,"a":[true,null]}`)
	assert.Contains(t, string(raw), `{"type":"image_url","image_url":{"url":"https://x/y.png","detail":"low"}}`)
}

func TestSpanWithoutPayloads(t *testing.T) {
	var s model.Span
	require.NoError(t, json.Unmarshal([]byte(`{"span_id": "s", "type": "span", "timestamps": {"started_at": 1, "finished_at": 2}}`), &s))
	assert.Nil(t, s.Input)
	assert.Nil(t, s.Output)
	assert.False(t, s.HasParent())
	assert.Equal(t, "", s.DisplayName())

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"input"`)
	assert.NotContains(t, string(raw), `"output"`)
}

func TestSpanUnknownValueType(t *testing.T) {
	var s model.Span
	err := json.Unmarshal([]byte(`{"span_id": "s", "type": "span", "input": {"type": "image", "value": "x"}}`), &s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnknownValueType))
	assert.Contains(t, err.Error(), `span "s": input`)
}

func TestDecodeTypedValue(t *testing.T) {
	v, err := model.DecodeTypedValue([]byte(`{"type": "text", "value": "hi"}`))
	require.NoError(t, err)
	assert.Equal(t, model.TextValue{Value: "hi"}, v)

	v, err = model.DecodeTypedValue([]byte(`null`))
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = model.DecodeTypedValue([]byte(`{"type": "chat_messages", "value": null}`))
	require.NoError(t, err)
	assert.Equal(t, model.ChatMessagesValue{Messages: []model.ChatMessage{}}, v)

	v, err = model.DecodeTypedValue([]byte(`{"type": "raw", "value": "s"}`))
	require.NoError(t, err)
	assert.Equal(t, model.ValueTypeRaw, v.Type())

	_, err = model.DecodeTypedValue([]byte(`{"type": "text", "value": 5}`))
	require.Error(t, err)
}

func TestMessageContentShapes(t *testing.T) {
	decodeMsg := func(s string) (model.ChatMessage, error) {
		var m model.ChatMessage
		err := json.Unmarshal([]byte(s), &m)
		return m, err
	}

	m, err := decodeMsg(`{"role": "user", "content": "hello"}`)
	require.NoError(t, err)
	assert.True(t, m.Content.IsText())
	assert.False(t, m.Content.IsParts())

	m, err = decodeMsg(`{"role": "user", "content": []}`)
	require.NoError(t, err)
	assert.True(t, m.Content.IsParts())
	assert.Empty(t, m.Content.Parts)

	m, err = decodeMsg(`{"role": "assistant"}`)
	require.NoError(t, err)
	assert.False(t, m.Content.IsText())
	assert.False(t, m.Content.IsParts())

	for _, content := range []string{`12`, `{"k": "v"}`, `true`} {
		m, err = decodeMsg(`{"role": "user", "content": ` + content + `}`)
		require.NoError(t, err, content)
		assert.False(t, m.Content.IsText())
		assert.False(t, m.Content.IsParts())
		assert.NotNil(t, m.Content.Raw)
	}

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"role":"user","content":true}`, string(raw))
}

func TestSpanWithObjectMessageContentDecodes(t *testing.T) {
	var s model.Span
	err := json.Unmarshal([]byte(`{"span_id": "a", "type": "llm",
		"input": {"type": "chat_messages", "value": [{"role": "user", "content": {"k": "v"}}]}}`), &s)
	require.NoError(t, err)
	msgs, ok := s.Input.(model.ChatMessagesValue)
	require.True(t, ok)
	require.Len(t, msgs.Messages, 1)
	assert.JSONEq(t, `{"k":"v"}`, string(msgs.Messages[0].Content.Raw))
}

func TestContentPartNonStringText(t *testing.T) {
	p, err := model.RawContentPart([]byte(`{"type": "text", "text": {"nested": true}}`))
	require.NoError(t, err)
	assert.Equal(t, "", p.Text)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"text","text":{"nested":true}}`, string(raw))
}

func TestContentPartBuiltInCode(t *testing.T) {
	raw, err := json.Marshal(model.PartsContent(model.TextPart("a")))
	require.NoError(t, err)
	assert.Equal(t, `[{"type":"text","text":"a"}]`, string(raw))

	raw, err = json.Marshal(model.TextContent("b"))
	require.NoError(t, err)
	assert.Equal(t, `"b"`, string(raw))
}

func TestValidateCollectorRequest(t *testing.T) {
	req := model.CollectorRequest{
		TraceID: "trace_1",
		Spans: []model.Span{
			{SpanID: "s1", Type: model.SpanTypeLLM},
		},
	}
	assert.NoError(t, model.Validate(req))
}

func TestValidateCollectorRequestErrors(t *testing.T) {
	req := model.CollectorRequest{
		Metadata: model.TraceMetadata{UserID: ptr(strings.Repeat("u", 257))},
		Spans: []model.Span{
			{SpanID: "s1", Type: "banana"},
			{Type: model.SpanTypeTool},
		},
	}
	err := model.Validate(req)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "trace_id is required")
	assert.Contains(t, msg, "metadata.user_id must be at most 256 long")
	assert.Contains(t, msg, "spans[0].type must be one of")
	assert.Contains(t, msg, "spans[1].span_id is required")
}

func TestValidateCollectorRequestNoSpans(t *testing.T) {
	err := model.Validate(model.CollectorRequest{TraceID: "t", Spans: []model.Span{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spans must have at least 1 entries")
}
