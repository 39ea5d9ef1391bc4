package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kansoku/internal/model"
)

// loadSpans reads a span batch from path. YAML files (.yaml, .yml) are
// converted to JSON first so both formats share the span decoder.
func loadSpans(path string) ([]model.Span, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is a CLI argument
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	spans, err := decodeSpans(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := model.Validate(model.SummarizeRequest{Spans: model.WithPassThroughTypes(spans)}); err != nil {
		return nil, fmt.Errorf("invalid spans in %s: %w", path, err)
	}
	return spans, nil
}

// decodeSpans accepts a bare span array or any object with a "spans" field.
func decodeSpans(data []byte) ([]model.Span, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	var spans []model.Span
	if data[0] == '[' {
		if err := json.Unmarshal(data, &spans); err != nil {
			return nil, err
		}
		return spans, nil
	}
	var batch struct {
		Spans *[]model.Span `json:"spans"`
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	if batch.Spans == nil {
		return nil, fmt.Errorf(`expected a span array or an object with "spans"`)
	}
	return *batch.Spans, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc, err := jsonCompatible(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// jsonCompatible rewrites the map[any]any values YAML produces for
// non-string keys into map[string]any.
func jsonCompatible(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		for k, e := range v {
			c, err := jsonCompatible(e)
			if err != nil {
				return nil, err
			}
			v[k] = c
		}
		return v, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			c, err := jsonCompatible(e)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = c
		}
		return out, nil
	case []any:
		for i, e := range v {
			c, err := jsonCompatible(e)
			if err != nil {
				return nil, err
			}
			v[i] = c
		}
		return v, nil
	default:
		return v, nil
	}
}
