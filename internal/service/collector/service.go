// Package collector provides the trace collection logic shared by the HTTP
// API and the MCP server: validating SDK payloads, deriving the trace
// summary, queueing traces for storage, and reading them back.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/spantext"
	"github.com/ashita-ai/kansoku/internal/spantree"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// ErrInvalidInput wraps every validation failure of a collector payload.
var ErrInvalidInput = errors.New("collector: invalid input")

// Default and maximum page sizes for ListTraces.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Store reads persisted traces.
type Store interface {
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)
	ListTraces(ctx context.Context, limit, offset int) ([]model.Trace, error)
	GetSpansByTrace(ctx context.Context, traceID string) ([]model.Span, error)
}

// Ingester queues traces for asynchronous persistence.
type Ingester interface {
	Append(ctx context.Context, batch storage.TraceBatch) error
}

// Service encapsulates collector logic shared by HTTP and MCP handlers.
type Service struct {
	store            Store
	ingester         Ingester
	logger           *slog.Logger
	maxSpansPerTrace int
	now              func() time.Time

	lookups singleflight.Group

	spansCollected  metric.Int64Counter
	tracesCollected metric.Int64Counter
	summarizeTime   metric.Float64Histogram
}

// New creates a collector Service. maxSpansPerTrace caps the spans accepted
// in one payload.
func New(store Store, ingester Ingester, logger *slog.Logger, maxSpansPerTrace int) *Service {
	meter := telemetry.Meter("kansoku/collector")
	spans, _ := meter.Int64Counter("kansoku.collector.spans",
		metric.WithDescription("Spans accepted by the collector"),
	)
	traces, _ := meter.Int64Counter("kansoku.collector.traces",
		metric.WithDescription("Traces accepted by the collector"),
	)
	summarize, _ := meter.Float64Histogram("kansoku.collector.summarize.duration",
		metric.WithDescription("Time to build the span tree and extract trace text (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:            store,
		ingester:         ingester,
		logger:           logger,
		maxSpansPerTrace: maxSpansPerTrace,
		now:              time.Now,
		spansCollected:   spans,
		tracesCollected:  traces,
		summarizeTime:    summarize,
	}
}

// Collect validates a collector payload, fills in server-assigned fields,
// computes the trace summary and queues the trace for storage. The returned
// trace is the summary that will be stored.
func (s *Service) Collect(ctx context.Context, req model.CollectorRequest) (model.Trace, error) {
	now := s.now().UTC()

	spans := make([]model.Span, len(req.Spans))
	copy(spans, req.Spans)
	for i := range spans {
		if spans[i].SpanID == "" {
			spans[i].SpanID = newSpanID()
		}
		spans[i].TraceID = req.TraceID
	}
	req.Spans = spans

	if err := s.validate(req, req.Spans); err != nil {
		return model.Trace{}, err
	}

	// Timestamps are stored as received: 0 is a valid finish time and the
	// output fallback orders by it.
	start := time.Now()
	trace := Summarize(req.TraceID, req.Metadata, spans, now)
	s.summarizeTime.Record(ctx, float64(time.Since(start).Microseconds())/1000)

	if err := s.ingester.Append(ctx, storage.TraceBatch{Trace: trace, Spans: spans}); err != nil {
		return model.Trace{}, fmt.Errorf("collector: queue trace %s: %w", req.TraceID, err)
	}

	s.tracesCollected.Add(ctx, 1)
	s.spansCollected.Add(ctx, int64(len(spans)))
	s.logger.Debug("collector: trace queued", "trace_id", req.TraceID, "span_count", len(spans))
	return trace, nil
}

// SummarizeSpans returns the representative input and output text of an
// ad-hoc span batch without storing anything. Spans without an id are
// given one so parent links to them cannot collide. The span type is not
// checked: a missing or unrecognised kind is accepted.
func (s *Service) SummarizeSpans(spans []model.Span) (spantext.Summary, error) {
	filled := model.WithPassThroughTypes(spans)
	for i := range filled {
		if filled[i].SpanID == "" {
			filled[i].SpanID = newSpanID()
		}
	}
	if err := s.validate(model.SummarizeRequest{Spans: filled}, filled); err != nil {
		return spantext.Summary{}, err
	}
	return spantext.Summarize(filled), nil
}

func (s *Service) validate(payload any, spans []model.Span) error {
	if err := model.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if s.maxSpansPerTrace > 0 && len(spans) > s.maxSpansPerTrace {
		return fmt.Errorf("%w: spans must have at most %d entries, got %d",
			ErrInvalidInput, s.maxSpansPerTrace, len(spans))
	}
	return nil
}

// GetTrace returns a stored trace summary. Concurrent lookups of the same
// trace share one database query.
func (s *Service) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	// Detach from the first caller's cancellation: singleflight hands that
	// caller's result to every waiter.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	v, err, _ := s.lookups.Do(traceID, func() (any, error) {
		return s.store.GetTrace(lookupCtx, traceID)
	})
	if err != nil {
		return model.Trace{}, fmt.Errorf("collector: get trace: %w", err)
	}
	return v.(model.Trace), nil
}

// ListTraces returns a page of trace summaries, newest first, and whether
// more traces follow. limit is clamped to [1, MaxListLimit].
func (s *Service) ListTraces(ctx context.Context, limit, offset int) ([]model.Trace, bool, error) {
	limit = ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	traces, err := s.store.ListTraces(ctx, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("collector: list traces: %w", err)
	}
	hasMore := len(traces) > limit
	if hasMore {
		traces = traces[:limit]
	}
	if traces == nil {
		traces = []model.Trace{}
	}
	return traces, hasMore, nil
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// GetSpans returns the stored spans of a trace in the order received.
func (s *Service) GetSpans(ctx context.Context, traceID string) ([]model.Span, error) {
	spans, err := s.store.GetSpansByTrace(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("collector: get spans: %w", err)
	}
	return spans, nil
}

// GetSpanTree returns the stored spans of a trace as a nested forest.
func (s *Service) GetSpanTree(ctx context.Context, traceID string) ([]*spantree.SpanNode, error) {
	spans, err := s.GetSpans(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return spantree.Build(spans).Tree(), nil
}

func newSpanID() string {
	return "span_" + uuid.NewString()
}
