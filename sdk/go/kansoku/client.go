package kansoku

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kansoku server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kansoku API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kansoku: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// Collect sends the full span batch of a trace. The trace is stored
// asynchronously; the returned summary is what will be stored.
func (c *Client) Collect(ctx context.Context, req CollectRequest) (*CollectResponse, error) {
	var resp CollectResponse
	if err := c.post(ctx, "/api/collector", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Summarize returns the input and output text of a span batch without
// storing it.
func (c *Client) Summarize(ctx context.Context, spans []Span) (*Summary, error) {
	if spans == nil {
		spans = []Span{}
	}
	var resp Summary
	if err := c.post(ctx, "/v1/summarize", map[string]any{"spans": spans}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrace returns a stored trace summary.
func (c *Client) GetTrace(ctx context.Context, traceID string) (*Trace, error) {
	var resp Trace
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTraces returns a page of trace summaries, newest first. A zero limit
// uses the server default.
func (c *Client) ListTraces(ctx context.Context, limit, offset int) (*TraceList, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/traces"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("kansoku: decode trace list: %w", err)
	}
	return &TraceList{Traces: env.Data, HasMore: env.HasMore}, nil
}

// GetSpans returns the stored spans of a trace in the order received.
func (c *Client) GetSpans(ctx context.Context, traceID string) ([]Span, error) {
	var spans []Span
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID)+"/spans", &spans); err != nil {
		return nil, err
	}
	return spans, nil
}

// GetSpanTree returns the stored spans of a trace nested under their parents.
func (c *Client) GetSpanTree(ctx context.Context, traceID string) ([]*SpanNode, error) {
	var tree []*SpanNode
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID)+"/tree", &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// Health returns the server health report. A 503 (database unreachable)
// is returned as an *Error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kansoku: marshal request body: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, path, encoded)
	if err != nil {
		return err
	}
	return unwrapData(data, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return unwrapData(data, dest)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("kansoku: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kansoku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kansoku: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, data)
	}
	return data, nil
}

// unwrapData decodes the server's { "data": ... } envelope into dest.
func unwrapData(body []byte, dest any) error {
	if dest == nil {
		return nil
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("kansoku: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("kansoku: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
