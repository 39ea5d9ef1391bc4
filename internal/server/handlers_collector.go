package server

import (
	"net/http"

	"github.com/ashita-ai/kansoku/internal/model"
)

// HandleCollect handles POST /api/collector. The trace is queued for
// storage and its computed summary is returned with 202 Accepted.
func (h *Handlers) HandleCollect(w http.ResponseWriter, r *http.Request) {
	var req model.CollectorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	t, err := h.collector.Collect(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to collect trace", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.CollectorResponse{
		Message: "Trace received successfully.",
		Trace:   t,
	})
}

// HandleSummarize handles POST /v1/summarize: the representative input and
// output of an ad-hoc span batch. Nothing is stored.
func (h *Handlers) HandleSummarize(w http.ResponseWriter, r *http.Request) {
	var req model.SummarizeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	sum, err := h.collector.SummarizeSpans(req.Spans)
	if err != nil {
		h.writeServiceError(w, r, "failed to summarize spans", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SummarizeResponse{Input: sum.Input, Output: sum.Output})
}
