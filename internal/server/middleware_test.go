package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/service/collector"
	"github.com/ashita-ai/kansoku/internal/service/trace"
	"github.com/ashita-ai/kansoku/internal/storage"
)

type fakeIngester struct {
	mu      sync.Mutex
	batches []storage.TraceBatch
	err     error
}

func (f *fakeIngester) Append(_ context.Context, b storage.TraceBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, b)
	return nil
}

type emptyStore struct{}

func (emptyStore) GetTrace(context.Context, string) (model.Trace, error) {
	return model.Trace{}, storage.ErrNotFound
}
func (emptyStore) ListTraces(context.Context, int, int) ([]model.Trace, error) { return nil, nil }
func (emptyStore) GetSpansByTrace(context.Context, string) ([]model.Span, error) {
	return nil, storage.ErrNotFound
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeBuffer struct {
	spans int
	state gobreaker.State
}

func (f fakeBuffer) BufferedSpans() int            { return f.spans }
func (f fakeBuffer) Capacity() int                 { return 100 }
func (f fakeBuffer) DroppedTraces() int64          { return 0 }
func (f fakeBuffer) BreakerState() gobreaker.State { return f.state }

func newUnitServer(t *testing.T, cfg ServerConfig, ing collector.Ingester) http.Handler {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.Collector == nil {
		cfg.Collector = collector.New(emptyStore{}, ing, cfg.Logger, 100)
	}
	return New(cfg).Handler()
}

const validPayload = `{
	"trace_id": "trace_abc",
	"spans": [
		{"span_id": "root", "type": "chain",
		 "input": {"type": "json", "value": {"question": "how tall is Everest?"}},
		 "output": {"type": "text", "value": "8849 m"},
		 "timestamps": {"started_at": 1000, "finished_at": 2000}}
	]
}`

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var e model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

func TestCollectAccepted(t *testing.T) {
	ing := &fakeIngester{}
	h := newUnitServer(t, ServerConfig{}, ing)

	rec := do(h, http.MethodPost, "/api/collector", validPayload)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		Data model.CollectorResponse `json:"data"`
		Meta model.ResponseMeta      `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Trace received successfully.", resp.Data.Message)
	assert.Equal(t, "how tall is Everest?", resp.Data.Trace.Input)
	assert.Equal(t, "8849 m", resp.Data.Trace.Output)
	assert.NotEmpty(t, resp.Meta.RequestID)
	require.Len(t, ing.batches, 1)
	assert.Equal(t, "trace_abc", ing.batches[0].Trace.TraceID)
}

func TestCollectErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		ingErr   error
		maxBytes int64
		status   int
		code     string
		contains string
	}{
		{
			name:   "malformed json",
			body:   `{"trace_id":`,
			status: http.StatusBadRequest, code: model.ErrCodeInvalidInput, contains: "invalid request body",
		},
		{
			name:   "unknown value type",
			body:   `{"trace_id":"t","spans":[{"span_id":"a","type":"llm","input":{"type":"audio","value":"x"}}]}`,
			status: http.StatusBadRequest, code: model.ErrCodeInvalidInput, contains: "unknown typed value type",
		},
		{
			name:   "validation failure",
			body:   `{"spans":[{"span_id":"a","type":"llm"}]}`,
			status: http.StatusBadRequest, code: model.ErrCodeInvalidInput, contains: "trace_id is required",
		},
		{
			name:     "body too large",
			body:     validPayload,
			maxBytes: 32,
			status:   http.StatusRequestEntityTooLarge, code: model.ErrCodeInvalidInput, contains: "exceeds 32 bytes",
		},
		{
			name:   "buffer full",
			body:   validPayload,
			ingErr: trace.ErrBufferFull,
			status: http.StatusServiceUnavailable, code: model.ErrCodeUnavailable, contains: "retry",
		},
		{
			name:   "unexpected ingest failure",
			body:   validPayload,
			ingErr: errors.New("disk on fire"),
			status: http.StatusInternalServerError, code: model.ErrCodeInternalError, contains: "failed to collect trace",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newUnitServer(t, ServerConfig{MaxRequestBodyBytes: tt.maxBytes}, &fakeIngester{err: tt.ingErr})
			rec := do(h, http.MethodPost, "/api/collector", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			e := decodeError(t, rec)
			assert.Equal(t, tt.code, e.Error.Code)
			assert.Contains(t, e.Error.Message, tt.contains)
			assert.NotContains(t, e.Error.Message, "disk on fire")
		})
	}
}

func TestCollectBufferFullSetsRetryAfter(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{err: trace.ErrBufferFull})
	rec := do(h, http.MethodPost, "/api/collector", validPayload)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCollectRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()
	h := newUnitServer(t, ServerConfig{Limiter: limiter}, &fakeIngester{})

	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/api/collector", validPayload).Code)
	rec := do(h, http.MethodPost, "/api/collector", validPayload)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, rec).Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Reads are not rate limited.
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/traces", "").Code)
}

func TestSummarizeEndpoint(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{})

	rec := do(h, http.MethodPost, "/v1/summarize", `{"spans": [
		{"span_id": "a", "type": "llm",
		 "input": {"type": "chat_messages", "value": [{"role": "user", "content": "hi"}]},
		 "output": {"type": "text", "value": "hello"},
		 "timestamps": {"started_at": 1, "finished_at": 2}}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data model.SummarizeResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hi", resp.Data.Input)
	assert.Equal(t, "hello", resp.Data.Output)

	// An empty batch summarizes to empty strings.
	rec = do(h, http.MethodPost, "/v1/summarize", `{"spans": []}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"input":"","output":""}`, string(mustField(t, rec.Body.Bytes(), "data")))
}

func TestSummarizeEndpointIgnoresSpanType(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{})

	rec := do(h, http.MethodPost, "/v1/summarize", `{"spans": [
		{"span_id": "a", "input": {"type": "text", "value": "q"}},
		{"span_id": "b", "parent_id": "a", "type": "embedding", "output": {"type": "text", "value": "v"}}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"input":"q","output":"v"}`, string(mustField(t, rec.Body.Bytes(), "data")))
}

func mustField(t *testing.T, body []byte, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	return m[key]
}

func TestTraceNotFound(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{})
	for _, path := range []string{"/v1/traces/nope", "/v1/traces/nope/spans", "/v1/traces/nope/tree"} {
		rec := do(h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, model.ErrCodeNotFound, decodeError(t, rec).Error.Code)
	}
}

func TestListTracesEmpty(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{})
	rec := do(h, http.MethodGet, "/v1/traces?limit=5000&offset=-3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []any{}, resp.Data)
	assert.Equal(t, collector.MaxListLimit, resp.Limit)
	assert.Equal(t, 0, resp.Offset)
	assert.False(t, resp.HasMore)
}

func TestRequestIDMiddleware(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{})

	rec := do(h, http.MethodGet, "/health", "")
	generated := rec.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-supplied", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", maxRequestIDLength+1))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestSecurityHeaders(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{})
	rec := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	h := requestIDMiddleware(recoveryMiddleware(testLogger(), panicky))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeInternalError, e.Error.Code)
	assert.NotContains(t, e.Error.Message, "kaboom")
	assert.NotEmpty(t, e.Meta.RequestID)
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	_, _ = w.Write([]byte("ok"))
	w.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, w.statusCode)
	assert.Equal(t, rec, w.Unwrap())
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		cfg        ServerConfig
		wantCode   int
		wantStatus string
		wantBuffer string
	}{
		{"no deps", ServerConfig{}, http.StatusOK, "healthy", "ok"},
		{"db down", ServerConfig{DB: fakePinger{err: errors.New("down")}}, http.StatusServiceUnavailable, "unhealthy", "ok"},
		{"buffer high", ServerConfig{DB: fakePinger{}, Buffer: fakeBuffer{spans: 60}}, http.StatusOK, "healthy", "high"},
		{"buffer critical", ServerConfig{DB: fakePinger{}, Buffer: fakeBuffer{spans: 80}}, http.StatusOK, "degraded", "critical"},
		{"breaker open", ServerConfig{DB: fakePinger{}, Buffer: fakeBuffer{state: gobreaker.StateOpen}}, http.StatusOK, "degraded", "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newUnitServer(t, tt.cfg, &fakeIngester{})
			rec := do(h, http.MethodGet, "/health", "")
			require.Equal(t, tt.wantCode, rec.Code)
			var resp struct {
				Data model.HealthResponse `json:"data"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Data.Status)
			assert.Equal(t, tt.wantBuffer, resp.Data.BufferStatus)
		})
	}
}

func TestOpenAPISpec(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{})
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/openapi.yaml", "").Code)

	h = newUnitServer(t, ServerConfig{OpenAPISpec: []byte("openapi: 3.1.0\n")}, &fakeIngester{})
	rec := do(h, http.MethodGet, "/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "openapi: 3.1.0\n", rec.Body.String())
}

func TestSubscribeWithoutBroker(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{})
	rec := do(h, http.MethodGet, "/v1/subscribe", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newUnitServer(t, ServerConfig{}, &fakeIngester{})
	rec := do(h, http.MethodGet, "/api/collector", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
