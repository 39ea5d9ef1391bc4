package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ChatMessage is one message of a chat_messages payload.
type ChatMessage struct {
	Role         string          `json:"role,omitempty"`
	Content      MessageContent  `json:"content"`
	Name         *string         `json:"name,omitempty"`
	FunctionCall json.RawMessage `json:"function_call,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID   *string         `json:"tool_call_id,omitempty"`
}

// MessageContent is either a string, a list of content parts, or absent.
// Any other JSON shape is kept verbatim in Raw. At most one field is set.
type MessageContent struct {
	Text  *string
	Parts []ContentPart
	Raw   json.RawMessage
}

// TextContent returns string message content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: &s}
}

// PartsContent returns multi-part message content.
func PartsContent(parts ...ContentPart) MessageContent {
	if parts == nil {
		parts = []ContentPart{}
	}
	return MessageContent{Parts: parts}
}

// IsText reports whether the content is a plain string.
func (c MessageContent) IsText() bool { return c.Text != nil }

// IsParts reports whether the content is a list of parts.
func (c MessageContent) IsParts() bool { return c.Text == nil && c.Parts != nil }

// UnmarshalJSON accepts a string, an array of parts, or null. Objects,
// numbers and booleans are retained as Raw.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*c = MessageContent{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c.Text = &s
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []ContentPart{}
		}
		c.Parts = parts
	default:
		var compact bytes.Buffer
		if err := json.Compact(&compact, data); err != nil {
			return fmt.Errorf("model: decode message content: %w", err)
		}
		c.Raw = compact.Bytes()
	}
	return nil
}

// MarshalJSON encodes the content back to its wire shape.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	switch {
	case c.Text != nil:
		return json.Marshal(*c.Text)
	case c.Parts != nil:
		return json.Marshal(c.Parts)
	case c.Raw != nil:
		return c.Raw, nil
	default:
		return []byte("null"), nil
	}
}

// ContentPart is one element of multi-part message content. Text parts
// expose their text; every part keeps its original encoding.
type ContentPart struct {
	Type string
	Text string
	raw  json.RawMessage
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// UnmarshalJSON decodes a part, retaining its bytes for re-serialization.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string          `json:"type"`
		Text json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("model: decode content part: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return fmt.Errorf("model: decode content part: %w", err)
	}
	var text string
	// A non-string text field is left empty.
	_ = json.Unmarshal(head.Text, &text)
	*p = ContentPart{Type: head.Type, Text: text, raw: compact.Bytes()}
	return nil
}

// MarshalJSON returns the part as it was received, or a minimal encoding
// for parts built in code.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	if p.Type == "text" {
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{p.Type, p.Text})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
	}{p.Type})
}

// RawContentPart builds a part from its JSON encoding, as if decoded.
func RawContentPart(data []byte) (ContentPart, error) {
	var p ContentPart
	if err := p.UnmarshalJSON(data); err != nil {
		return ContentPart{}, err
	}
	return p, nil
}
