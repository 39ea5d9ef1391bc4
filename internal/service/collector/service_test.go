package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/trace"
	"github.com/ashita-ai/kansoku/internal/spantext"
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

type fakeStore struct {
	traces   map[string]model.Trace
	spans    map[string][]model.Span
	list     []model.Trace
	getCalls atomic.Int32
	gate     chan struct{}
}

func (f *fakeStore) GetTrace(_ context.Context, id string) (model.Trace, error) {
	f.getCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	t, ok := f.traces[id]
	if !ok {
		return model.Trace{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListTraces(_ context.Context, limit, offset int) ([]model.Trace, error) {
	if offset >= len(f.list) {
		return nil, nil
	}
	end := min(offset+limit, len(f.list))
	return f.list[offset:end], nil
}

func (f *fakeStore) GetSpansByTrace(_ context.Context, id string) ([]model.Span, error) {
	s, ok := f.spans[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func ptr[T any](v T) *T { return &v }

func newTestService(store Store, ing Ingester) *Service {
	svc := New(store, ing, testLogger(), 10)
	svc.now = func() time.Time { return time.UnixMilli(5_000) }
	return svc
}

func TestCollectQueuesSummary(t *testing.T) {
	ing := &fakeIngester{}
	svc := newTestService(&fakeStore{}, ing)

	req := model.CollectorRequest{
		TraceID:  "trace_1",
		Metadata: model.TraceMetadata{UserID: ptr("u")},
		Spans: []model.Span{
			{
				SpanID: "root", Type: model.SpanTypeChain,
				Input:      model.JSONValue{Value: json.RawMessage(`{"question": "what?"}`)},
				Timestamps: model.SpanTimestamps{StartedAt: 1000, FinishedAt: 2000},
			},
			{
				SpanID: "llm", ParentID: ptr("root"), Type: model.SpanTypeLLM,
				Output:     model.TextValue{Value: "answer"},
				Metrics:    &model.LLMMetrics{PromptTokens: ptr(10), CompletionTokens: ptr(5), Cost: ptr(0.25)},
				Timestamps: model.SpanTimestamps{StartedAt: 1100, FirstTokenAt: ptr(int64(1300)), FinishedAt: 1900},
			},
		},
	}

	got, err := svc.Collect(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "what?", got.Input)
	assert.Equal(t, "answer", got.Output)
	assert.Equal(t, 2, got.SpanCount)
	assert.Equal(t, int64(1000), got.Timestamps.StartedAt)
	assert.Equal(t, int64(2000), got.Timestamps.FinishedAt)
	assert.Equal(t, int64(1000), *got.Metrics.TotalTimeMs)
	assert.Equal(t, int64(300), *got.Metrics.FirstTokenMs)
	assert.Equal(t, 10, *got.Metrics.PromptTokens)
	assert.Equal(t, 5, *got.Metrics.CompletionTokens)
	assert.InDelta(t, 0.25, *got.Metrics.TotalCost, 1e-9)
	assert.Nil(t, got.Error)
	assert.Equal(t, time.UnixMilli(5_000).UTC(), got.Timestamps.InsertedAt)

	require.Len(t, ing.batches, 1)
	queued := ing.batches[0]
	assert.Equal(t, got, queued.Trace)
	for _, s := range queued.Spans {
		assert.Equal(t, "trace_1", s.TraceID)
	}
}

func TestCollectFillsServerFields(t *testing.T) {
	ing := &fakeIngester{}
	svc := newTestService(&fakeStore{}, ing)

	req := model.CollectorRequest{
		TraceID: "trace_2",
		Spans: []model.Span{
			{Type: model.SpanTypeSpan, Timestamps: model.SpanTimestamps{StartedAt: 100}},
		},
	}
	_, err := svc.Collect(context.Background(), req)
	require.NoError(t, err)

	s := ing.batches[0].Spans[0]
	assert.True(t, strings.HasPrefix(s.SpanID, "span_"), "generated id %q", s.SpanID)
	assert.Equal(t, "trace_2", s.TraceID)
	assert.Equal(t, int64(0), s.Timestamps.FinishedAt)
	// The caller's request is left untouched.
	assert.Equal(t, "", req.Spans[0].SpanID)
}

func TestCollectRejectsInvalidPayload(t *testing.T) {
	ing := &fakeIngester{}
	svc := newTestService(&fakeStore{}, ing)

	_, err := svc.Collect(context.Background(), model.CollectorRequest{
		Spans: []model.Span{{SpanID: "a", Type: "bogus"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "trace_id is required")
	assert.Empty(t, ing.batches)
}

func TestCollectRejectsTooManySpans(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeIngester{})
	spans := make([]model.Span, 11)
	for i := range spans {
		spans[i] = model.Span{SpanID: fmt.Sprintf("s%d", i), Type: model.SpanTypeSpan}
	}
	_, err := svc.Collect(context.Background(), model.CollectorRequest{TraceID: "t", Spans: spans})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "at most 10")
}

func TestCollectPropagatesBackpressure(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeIngester{err: trace.ErrBufferFull})
	_, err := svc.Collect(context.Background(), model.CollectorRequest{
		TraceID: "t",
		Spans:   []model.Span{{SpanID: "a", Type: model.SpanTypeSpan}},
	})
	assert.ErrorIs(t, err, trace.ErrBufferFull)
}

func TestSummarizeFirstErrorOutsideIn(t *testing.T) {
	spans := []model.Span{
		{SpanID: "child", ParentID: ptr("root"), Type: model.SpanTypeTool,
			Error:      &model.ErrorCapture{Message: "inner"},
			Timestamps: model.SpanTimestamps{StartedAt: 10, FinishedAt: 20}},
		{SpanID: "root", Type: model.SpanTypeChain,
			Error:      &model.ErrorCapture{Message: "outer"},
			Timestamps: model.SpanTimestamps{StartedAt: 0, FinishedAt: 30}},
	}
	got := Summarize("t", model.TraceMetadata{}, spans, time.Time{})
	require.NotNil(t, got.Error)
	assert.Equal(t, "outer", got.Error.Message)
	assert.Nil(t, got.Metrics.PromptTokens)
	assert.Nil(t, got.Metrics.TotalCost)
	assert.Nil(t, got.Metrics.FirstTokenMs)
}

func TestSummarizeEmpty(t *testing.T) {
	got := Summarize("t", model.TraceMetadata{}, nil, time.Time{})
	assert.Equal(t, 0, got.SpanCount)
	assert.Equal(t, "", got.Input)
	assert.Nil(t, got.Metrics.TotalTimeMs)
}

func TestSummarizeSpans(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeIngester{})
	sum, err := svc.SummarizeSpans([]model.Span{
		{Type: model.SpanTypeSpan, Input: model.TextValue{Value: "in"}, Output: model.TextValue{Value: "out"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "in", sum.Input)
	assert.Equal(t, "out", sum.Output)

	_, err = svc.SummarizeSpans([]model.Span{{SpanID: strings.Repeat("a", 257), Type: model.SpanTypeSpan}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSummarizeSpansAcceptsAnySpanType(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeIngester{})
	spans := []model.Span{
		{SpanID: "a", Input: model.TextValue{Value: "in"}},
		{SpanID: "b", ParentID: ptr("a"), Type: "retriever", Output: model.TextValue{Value: "out"}},
	}
	sum, err := svc.SummarizeSpans(spans)
	require.NoError(t, err)
	assert.Equal(t, "in", sum.Input)
	assert.Equal(t, "out", sum.Output)
	// The caller's spans keep their types.
	assert.Equal(t, model.SpanType(""), spans[0].Type)
	assert.Equal(t, model.SpanType("retriever"), spans[1].Type)
}

func TestCollectOutputMatchesStatelessExtraction(t *testing.T) {
	ing := &fakeIngester{}
	svc := newTestService(&fakeStore{}, ing)

	// x reports finish 0, which must not be treated as "now" when picking
	// the latest-finishing output.
	spans := []model.Span{
		{SpanID: "x", Type: model.SpanTypeSpan, Output: model.TextValue{Value: "x"},
			Timestamps: model.SpanTimestamps{StartedAt: 0, FinishedAt: 0}},
		{SpanID: "y", Type: model.SpanTypeSpan, Output: model.TextValue{Value: "y"},
			Timestamps: model.SpanTimestamps{StartedAt: 10, FinishedAt: 100}},
		{SpanID: "top", Type: model.SpanTypeChain,
			Timestamps: model.SpanTimestamps{StartedAt: 20, FinishedAt: 30}},
	}

	got, err := svc.Collect(context.Background(), model.CollectorRequest{TraceID: "t", Spans: spans})
	require.NoError(t, err)
	assert.Equal(t, "y", spantext.LastOutputText(spans))
	assert.Equal(t, spantext.LastOutputText(spans), got.Output)

	sum, err := svc.SummarizeSpans(spans)
	require.NoError(t, err)
	assert.Equal(t, sum.Output, got.Output)
	assert.Equal(t, int64(0), ing.batches[0].Spans[0].Timestamps.FinishedAt)
}

func TestGetTraceNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{traces: map[string]model.Trace{}}, &fakeIngester{})
	_, err := svc.GetTrace(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetTraceCollapsesConcurrentLookups(t *testing.T) {
	store := &fakeStore{
		traces: map[string]model.Trace{"t": {TraceID: "t", Input: "hi"}},
		gate:   make(chan struct{}),
	}
	svc := newTestService(store, &fakeIngester{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]model.Trace, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.GetTrace(context.Background(), "t")
		}(i)
	}
	// Let the first lookup block until the others have joined it.
	require.Eventually(t, func() bool { return store.getCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "hi", results[i].Input)
	}
	assert.Less(t, store.getCalls.Load(), int32(callers))
}

func TestListTracesPaging(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 5; i++ {
		store.list = append(store.list, model.Trace{TraceID: fmt.Sprintf("t%d", i)})
	}
	svc := newTestService(store, &fakeIngester{})

	page, more, err := svc.ListTraces(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.True(t, more)

	page, more, err = svc.ListTraces(context.Background(), 2, 4)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.False(t, more)

	page, more, err = svc.ListTraces(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.NotNil(t, page)
	assert.Empty(t, page)
	assert.False(t, more)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, MaxListLimit, ClampLimit(10_000))
	assert.Equal(t, 7, ClampLimit(7))
}

func TestGetSpanTree(t *testing.T) {
	store := &fakeStore{spans: map[string][]model.Span{
		"t": {
			{SpanID: "c", ParentID: ptr("r"), Type: model.SpanTypeLLM, Timestamps: model.SpanTimestamps{StartedAt: 5}},
			{SpanID: "r", Type: model.SpanTypeChain},
		},
	}}
	svc := newTestService(store, &fakeIngester{})

	tree, err := svc.GetSpanTree(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, "r", tree[0].Span.SpanID)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "c", tree[0].Children[0].Span.SpanID)

	_, err = svc.GetSpanTree(context.Background(), "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
