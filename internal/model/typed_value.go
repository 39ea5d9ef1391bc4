package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ValueType is the discriminator of a TypedValue on the wire.
type ValueType string

const (
	ValueTypeText         ValueType = "text"
	ValueTypeChatMessages ValueType = "chat_messages"
	ValueTypeJSON         ValueType = "json"
	ValueTypeRaw          ValueType = "raw"
)

// ErrUnknownValueType is returned when a payload carries a type tag
// other than text, chat_messages, json or raw.
var ErrUnknownValueType = errors.New("model: unknown typed value type")

// TypedValue is a span input or output payload. The set of variants is
// closed: TextValue, ChatMessagesValue, JSONValue and RawValue.
type TypedValue interface {
	Type() ValueType
	typedValue()
}

// TextValue wraps a plain string.
type TextValue struct {
	Value string
}

// ChatMessagesValue wraps an ordered list of chat messages.
type ChatMessagesValue struct {
	Messages []ChatMessage
}

// JSONValue wraps an arbitrary JSON document, kept as the producer sent it.
type JSONValue struct {
	Value json.RawMessage
}

// RawValue wraps a value with no assumed structure.
type RawValue struct {
	Value json.RawMessage
}

func (TextValue) Type() ValueType         { return ValueTypeText }
func (ChatMessagesValue) Type() ValueType { return ValueTypeChatMessages }
func (JSONValue) Type() ValueType         { return ValueTypeJSON }
func (RawValue) Type() ValueType          { return ValueTypeRaw }

func (TextValue) typedValue()         {}
func (ChatMessagesValue) typedValue() {}
func (JSONValue) typedValue()         {}
func (RawValue) typedValue()          {}

type typedValueWire struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// DecodeTypedValue decodes {"type": ..., "value": ...}. Empty input and
// JSON null decode to a nil TypedValue.
func DecodeTypedValue(data []byte) (TypedValue, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var w typedValueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("model: decode typed value: %w", err)
	}
	switch w.Type {
	case ValueTypeText:
		var s string
		if len(w.Value) > 0 && !bytes.Equal(w.Value, []byte("null")) {
			if err := json.Unmarshal(w.Value, &s); err != nil {
				return nil, fmt.Errorf("model: decode text value: %w", err)
			}
		}
		return TextValue{Value: s}, nil
	case ValueTypeChatMessages:
		var msgs []ChatMessage
		if len(w.Value) > 0 && !bytes.Equal(w.Value, []byte("null")) {
			if err := json.Unmarshal(w.Value, &msgs); err != nil {
				return nil, fmt.Errorf("model: decode chat messages: %w", err)
			}
		}
		if msgs == nil {
			msgs = []ChatMessage{}
		}
		return ChatMessagesValue{Messages: msgs}, nil
	case ValueTypeJSON:
		return JSONValue{Value: cloneRaw(w.Value)}, nil
	case ValueTypeRaw:
		return RawValue{Value: cloneRaw(w.Value)}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownValueType, w.Type)
	}
}

// MarshalJSON encodes the text variant.
func (v TextValue) MarshalJSON() ([]byte, error) {
	value, err := json.Marshal(v.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedValueWire{Type: ValueTypeText, Value: value})
}

// MarshalJSON encodes the chat_messages variant.
func (v ChatMessagesValue) MarshalJSON() ([]byte, error) {
	msgs := v.Messages
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	value, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedValueWire{Type: ValueTypeChatMessages, Value: value})
}

// MarshalJSON encodes the json variant.
func (v JSONValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(typedValueWire{Type: ValueTypeJSON, Value: nullIfEmpty(v.Value)})
}

// MarshalJSON encodes the raw variant.
func (v RawValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(typedValueWire{Type: ValueTypeRaw, Value: nullIfEmpty(v.Value)})
}

// NewJSONValue marshals v and wraps it as a json payload.
func NewJSONValue(v any) (JSONValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return JSONValue{}, fmt.Errorf("model: marshal json value: %w", err)
	}
	return JSONValue{Value: b}, nil
}

// NewRawValue marshals v and wraps it as a raw payload.
func NewRawValue(v any) (RawValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return RawValue{}, fmt.Errorf("model: marshal raw value: %w", err)
	}
	return RawValue{Value: b}, nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func nullIfEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}
