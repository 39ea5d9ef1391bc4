// Package spantext derives plain text from span payloads and picks the
// representative input and output text of a span batch.
package spantext

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/ashita-ai/kansoku/internal/model"
)

// specialKeys are looked up, in order, when extracting text from a JSON
// payload. input_value is emitted by Langflow, content by Chainlit.
var specialKeys = []string{"text", "input", "question", "user_query", "input_value", "output", "content"}

// TextOf renders a payload as a single string. For chat payloads,
// preferLast selects the last message only; otherwise every message is
// concatenated. TextOf never fails: absent or unrepresentable data yields "".
func TextOf(v model.TypedValue, preferLast bool) string {
	switch v := v.(type) {
	case nil:
		return ""
	case model.TextValue:
		return v.Value
	case model.ChatMessagesValue:
		if preferLast {
			return lastMessageText(v.Messages)
		}
		return allMessagesText(v.Messages)
	case model.JSONValue:
		return jsonText(v.Value)
	case model.RawValue:
		return rawText(v.Value)
	default:
		return ""
	}
}

func lastMessageText(msgs []model.ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	last := msgs[len(msgs)-1]
	switch {
	case last.Content.IsText():
		return *last.Content.Text
	case last.Content.IsParts():
		var sb strings.Builder
		for _, p := range last.Content.Parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
				continue
			}
			sb.WriteString(marshalString(p))
		}
		return sb.String()
	default:
		return marshalString(last)
	}
}

func allMessagesText(msgs []model.ChatMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Content.IsText() {
			sb.WriteString(*m.Content.Text)
			continue
		}
		sb.WriteString(marshalString(m))
	}
	return sb.String()
}

func marshalString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// jsonText applies special-key extraction to a JSON payload.
func jsonText(raw json.RawMessage) string {
	value, typ, _, err := jsonparser.Get(raw)
	if err != nil {
		return string(raw)
	}
	if typ == jsonparser.Null {
		return ""
	}
	if typ != jsonparser.Object {
		return stringify(value, typ)
	}
	fields := objectFields(value)
	if s, ok := specialKeyText(fields); ok {
		return s
	}
	if len(fields.keys) == 1 {
		nested := fields.values[fields.keys[0]]
		if nested.typ == jsonparser.Object {
			if s, ok := specialKeyText(objectFields(nested.value)); ok {
				return s
			}
		}
		return stringify(nested.value, nested.typ)
	}
	return stringify(value, typ)
}

type field struct {
	value []byte
	typ   jsonparser.ValueType
}

// fieldSet is a decoded object: distinct keys in first-seen order, each
// mapped to the value of its last occurrence.
type fieldSet struct {
	keys   []string
	values map[string]field
}

func objectFields(obj []byte) fieldSet {
	fs := fieldSet{values: make(map[string]field)}
	_ = jsonparser.ObjectEach(obj, func(k []byte, v []byte, t jsonparser.ValueType, _ int) error {
		key, err := jsonparser.ParseString(k)
		if err != nil {
			key = string(k)
		}
		if _, seen := fs.values[key]; !seen {
			fs.keys = append(fs.keys, key)
		}
		fs.values[key] = field{value: v, typ: t}
		return nil
	})
	return fs
}

// specialKeyText returns the first special key present in fs. A present
// key wins whatever its value, including null and "". A duplicated key
// resolves to its last value.
func specialKeyText(fs fieldSet) (string, bool) {
	for _, key := range specialKeys {
		if f, ok := fs.values[key]; ok {
			return stringify(f.value, f.typ), true
		}
	}
	return "", false
}

// rawText unquotes strings and compacts everything else.
func rawText(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	value, typ, _, err := jsonparser.Get(raw)
	if err != nil {
		return string(raw)
	}
	return stringify(value, typ)
}

// stringify returns strings verbatim and other values as compact JSON,
// falling back to the bytes as received.
func stringify(value []byte, typ jsonparser.ValueType) string {
	if typ == jsonparser.String {
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return string(value)
		}
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return string(value)
	}
	return buf.String()
}
