package spantext

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/buger/jsonparser"

	"github.com/ashita-ai/kansoku/internal/model"
)

// IsEmptyJSON reports whether a JSON payload carries nothing: absent bytes,
// null, the strings "", "null" and "{}", or an object with no keys. Arrays,
// including empty ones, numbers and booleans are never empty.
func IsEmptyJSON(raw json.RawMessage) bool {
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}
	value, typ, _, err := jsonparser.Get(raw)
	if err != nil {
		return false
	}
	switch typ {
	case jsonparser.Null:
		return true
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return false
		}
		return s == "" || s == "null" || s == "{}"
	case jsonparser.Object:
		empty := true
		_ = jsonparser.ObjectEach(value, func(_, _ []byte, _ jsonparser.ValueType, _ int) error {
			empty = false
			return nil
		})
		return empty
	default:
		return false
	}
}

// HasContent reports whether a payload counts as present when choosing a
// representative span: it must exist, hold a truthy value, and for json
// payloads not be empty.
func HasContent(v model.TypedValue) bool {
	switch v := v.(type) {
	case nil:
		return false
	case model.TextValue:
		return v.Value != ""
	case model.ChatMessagesValue:
		return true
	case model.JSONValue:
		return truthy(v.Value) && !IsEmptyJSON(v.Value)
	case model.RawValue:
		return truthy(v.Value)
	default:
		return false
	}
}

// truthy rejects absent bytes, null, false, zero and the empty string.
func truthy(raw json.RawMessage) bool {
	if len(bytes.TrimSpace(raw)) == 0 {
		return false
	}
	value, typ, _, err := jsonparser.Get(raw)
	if err != nil {
		return true
	}
	switch typ {
	case jsonparser.Null:
		return false
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(value)
		return err != nil || b
	case jsonparser.Number:
		f, err := strconv.ParseFloat(string(value), 64)
		return err != nil || f != 0
	case jsonparser.String:
		return len(value) > 0
	default:
		return true
	}
}
