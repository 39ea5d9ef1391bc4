package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/collector"
	"github.com/ashita-ai/kansoku/internal/service/trace"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Pinger reports database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BufferStats exposes ingestion buffer health.
type BufferStats interface {
	BufferedSpans() int
	Capacity() int
	DroppedTraces() int64
	BreakerState() gobreaker.State
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	collector           *collector.Service
	db                  Pinger
	buffer              BufferStats
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, Buffer, Broker, OpenAPISpec.
type HandlersDeps struct {
	Collector           *collector.Service
	DB                  Pinger
	Buffer              BufferStats
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		collector:           d.Collector,
		db:                  d.DB,
		buffer:              d.Buffer,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	pgStatus := "not_configured"
	if h.db != nil {
		pgStatus = "connected"
		if err := h.db.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	resp := model.HealthResponse{
		Version:      h.version,
		Postgres:     pgStatus,
		BufferStatus: "ok",
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	if h.buffer != nil {
		depth, capacity := h.buffer.BufferedSpans(), h.buffer.Capacity()
		resp.BufferDepth = depth
		resp.DroppedTraces = h.buffer.DroppedTraces()
		resp.FlushBreaker = h.buffer.BreakerState().String()
		if depth > capacity*3/4 {
			resp.BufferStatus = "critical"
		} else if depth > capacity/2 {
			resp.BufferStatus = "high"
		}
		if status == "healthy" && (resp.BufferStatus == "critical" || h.buffer.BreakerState() == gobreaker.StateOpen) {
			status = "degraded"
		}
	}

	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	resp.Status = status
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps collector and storage errors to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, collector.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
	case errors.Is(err, trace.ErrBufferFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"ingestion buffer is full, retry shortly")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// writeInternalError logs err and writes a 500 without leaking its text.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}
