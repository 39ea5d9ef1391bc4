package collector

import (
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/spantext"
	"github.com/ashita-ai/kansoku/internal/spantree"
)

// Summarize derives the stored summary of a trace from its spans. It is
// pure apart from stamping insertedAt.
func Summarize(traceID string, metadata model.TraceMetadata, spans []model.Span, insertedAt time.Time) model.Trace {
	f := spantree.Build(spans)
	text := spantext.SummarizeForest(f, spans)

	t := model.Trace{
		TraceID:   traceID,
		Metadata:  metadata,
		Input:     text.Input,
		Output:    text.Output,
		SpanCount: len(spans),
	}
	t.Timestamps.InsertedAt = insertedAt

	if len(spans) == 0 {
		return t
	}

	started, finished := spans[0].Timestamps.StartedAt, spans[0].Timestamps.FinishedAt
	var firstToken *int64
	for _, s := range spans {
		started = min(started, s.Timestamps.StartedAt)
		finished = max(finished, s.Timestamps.FinishedAt)
		if ft := s.Timestamps.FirstTokenAt; ft != nil && (firstToken == nil || *ft < *firstToken) {
			v := *ft
			firstToken = &v
		}
	}
	t.Timestamps.StartedAt = started
	t.Timestamps.FinishedAt = finished

	total := finished - started
	t.Metrics.TotalTimeMs = &total
	if firstToken != nil {
		ms := *firstToken - started
		t.Metrics.FirstTokenMs = &ms
	}
	t.Metrics.PromptTokens, t.Metrics.CompletionTokens, t.Metrics.TotalCost = usage(spans)

	for _, s := range f.Flatten(spantree.OutsideIn) {
		if s.Error != nil {
			e := *s.Error
			t.Error = &e
			break
		}
	}
	return t
}

// usage sums token counts and cost over the spans that report them. A total
// is nil when no span reports that figure.
func usage(spans []model.Span) (prompt, completion *int, cost *float64) {
	for _, s := range spans {
		m := s.Metrics
		if m == nil {
			continue
		}
		if m.PromptTokens != nil {
			prompt = addInt(prompt, *m.PromptTokens)
		}
		if m.CompletionTokens != nil {
			completion = addInt(completion, *m.CompletionTokens)
		}
		if m.Cost != nil {
			v := *m.Cost
			if cost != nil {
				v += *cost
			}
			cost = &v
		}
	}
	return prompt, completion, cost
}

func addInt(total *int, n int) *int {
	v := n
	if total != nil {
		v += *total
	}
	return &v
}
