// Package trace provides the trace ingestion pipeline: an in-memory buffer
// that batches collected traces and flushes them to storage.
package trace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered spans to prevent OOM.
// When this limit is reached, Append applies backpressure by returning ErrBufferFull.
const maxBufferCapacity = 200_000

// ErrBufferFull is returned by Append when accepting the trace would exceed
// the buffer's capacity. Callers should retry later.
var ErrBufferFull = errors.New("trace: buffer at capacity")

// Store persists flushed batches.
type Store interface {
	InsertTraces(ctx context.Context, batches []storage.TraceBatch) error
}

// BreakerSettings tunes the circuit breaker that guards flushes.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial flush.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings trips after three failed flushes and retries after ten seconds.
var DefaultBreakerSettings = BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: 10 * time.Second}

// Buffer accumulates traces in memory and flushes them to the store when
// either the buffer size or flush timeout is reached.
type Buffer struct {
	store        Store
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration
	breaker      *gobreaker.CircuitBreaker

	mu      sync.Mutex
	batches []storage.TraceBatch
	spans   int // spans held in batches

	droppedTraces atomic.Int64 // total traces dropped due to capacity after flush failure
	started       atomic.Bool
	flushing      sync.Mutex // serializes flushes so a forced Flush cannot race the loop

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
}

// NewBuffer creates a new trace buffer. maxSize is the number of buffered
// traces that triggers an early flush.
func NewBuffer(store Store, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return NewBufferWithBreaker(store, logger, maxSize, flushTimeout, DefaultBreakerSettings)
}

// NewBufferWithBreaker creates a trace buffer with explicit circuit breaker settings.
func NewBufferWithBreaker(store Store, logger *slog.Logger, maxSize int, flushTimeout time.Duration, bs BreakerSettings) *Buffer {
	b := &Buffer{
		store:        store,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kansoku-trace-flush",
		MaxRequests: 1,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("trace: flush breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop. A second call is a no-op.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("trace: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append queues a trace and its spans for the next flush. Returns
// ErrBufferFull if the buffer is at capacity (backpressure).
func (b *Buffer) Append(_ context.Context, batch storage.TraceBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spans+len(batch.Spans) > maxBufferCapacity {
		return ErrBufferFull
	}

	b.batches = append(b.batches, batch)
	b.spans += len(batch.Spans)

	if len(b.batches) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// ctx is already done, so it cannot be used here.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// Flush writes everything currently buffered. It returns the store or
// breaker error, in which case the traces stay buffered.
func (b *Buffer) Flush(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *Buffer) flush(ctx context.Context) error {
	b.flushing.Lock()
	defer b.flushing.Unlock()

	b.mu.Lock()
	if len(b.batches) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch, spans := b.batches, b.spans
	b.batches, b.spans = nil, 0
	b.mu.Unlock()

	start := time.Now()
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.store.InsertTraces(ctx, batch)
	})
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.logger.Debug("trace: flush skipped, breaker open", "batch_size", len(batch))
		} else {
			b.logger.Error("trace: flush failed", "error", err, "batch_size", len(batch))
		}
		b.requeue(batch, spans)
		return err
	}

	b.logger.Info("trace: batch flushed",
		"batch_size", len(batch),
		"span_count", spans,
		"flush_duration_ms", duration.Milliseconds(),
	)
	return nil
}

// requeue puts a failed batch back in front of anything appended since,
// respecting the capacity limit.
func (b *Buffer) requeue(batch []storage.TraceBatch, spans int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spans+spans <= maxBufferCapacity {
		b.batches = append(batch, b.batches...)
		b.spans += spans
		return
	}
	b.droppedTraces.Add(int64(len(batch)))
	b.logger.Error("trace: dropping traces, buffer at capacity after flush failure", "dropped", len(batch))
}

// Drain signals the background flush loop to stop, waits for it to complete
// its final flush, and returns. The ctx parameter controls the maximum time
// to wait for the goroutine to finish and is passed to the final flush so it
// respects the caller's deadline.
func (b *Buffer) Drain(ctx context.Context) {
	if !b.started.Load() {
		_ = b.flush(ctx)
		return
	}
	b.drainCtx = ctx
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("trace: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health monitoring.
// Called from Start() after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kansoku/buffer")

	_, _ = meter.Int64ObservableGauge("kansoku.buffer.depth",
		metric.WithDescription("Current number of traces in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.buffer.dropped_total",
		metric.WithDescription("Total traces dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedTraces())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.buffer.breaker_open",
		metric.WithDescription("1 while the flush circuit breaker is open"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var open int64
			if b.BreakerState() == gobreaker.StateOpen {
				open = 1
			}
			o.Observe(open)
			return nil
		}),
	)
}

// Len returns the current number of buffered traces.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

// Capacity returns the hard limit on buffered spans.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}

// BufferedSpans returns the number of spans across buffered traces.
func (b *Buffer) BufferedSpans() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spans
}

// DroppedTraces returns the total number of traces dropped due to buffer
// capacity exhaustion after a flush failure. A non-zero value indicates data loss.
func (b *Buffer) DroppedTraces() int64 {
	return b.droppedTraces.Load()
}

// BreakerState reports the flush circuit breaker state.
func (b *Buffer) BreakerState() gobreaker.State {
	return b.breaker.State()
}
