package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/collector"
)

// HandleListTraces handles GET /v1/traces.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := collector.ClampLimit(queryInt(r, "limit", collector.DefaultListLimit))
	offset := queryOffset(r)

	traces, hasMore, err := h.collector.ListTraces(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "failed to list traces", err)
		return
	}
	writeList(w, r, traces, hasMore, limit, offset)
}

// HandleGetTrace handles GET /v1/traces/{trace_id}.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	t, err := h.collector.GetTrace(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeServiceError(w, r, "failed to get trace", err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleGetSpans handles GET /v1/traces/{trace_id}/spans.
func (h *Handlers) HandleGetSpans(w http.ResponseWriter, r *http.Request) {
	spans, err := h.collector.GetSpans(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeServiceError(w, r, "failed to get spans", err)
		return
	}
	writeJSON(w, r, http.StatusOK, spans)
}

// HandleGetSpanTree handles GET /v1/traces/{trace_id}/tree.
func (h *Handlers) HandleGetSpanTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.collector.GetSpanTree(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.writeServiceError(w, r, "failed to get span tree", err)
		return
	}
	writeJSON(w, r, http.StatusOK, tree)
}

// HandleSubscribe handles GET /v1/subscribe, a Server-Sent Events stream
// announcing each trace as it is committed to storage.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "trace stream not available")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}
	// Long-lived connection: lift the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
