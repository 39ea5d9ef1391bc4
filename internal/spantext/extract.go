package spantext

import (
	"sort"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/spantree"
)

// runnableSequenceName is the span name LangChain gives its sequence
// wrapper. When such a wrapper is the first input candidate but renders to
// nothing, the next candidate is used instead.
const runnableSequenceName = "RunnableSequence"

// Summary is the representative text of a span batch.
type Summary struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// FirstInputText returns the input text of the outermost, earliest span
// that has an input.
func FirstInputText(spans []model.Span) string {
	return firstInput(spantree.Build(spans))
}

// LastOutputText returns the output of the top-level span if it has one,
// otherwise the output of the latest-finishing span that has one.
func LastOutputText(spans []model.Span) string {
	return lastOutput(spantree.Build(spans), spans)
}

// Summarize computes both texts over a single forest build.
func Summarize(spans []model.Span) Summary {
	return SummarizeForest(spantree.Build(spans), spans)
}

// SummarizeForest computes both texts over a forest already built from spans.
func SummarizeForest(f *spantree.Forest, spans []model.Span) Summary {
	return Summary{
		Input:  firstInput(f),
		Output: lastOutput(f, spans),
	}
}

func firstInput(f *spantree.Forest) string {
	var candidates []model.Span
	for _, s := range f.Flatten(spantree.OutsideIn) {
		if HasContent(s.Input) {
			candidates = append(candidates, s)
			if len(candidates) == 2 {
				break
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	text := TextOf(candidates[0].Input, true)
	if text == "" && candidates[0].DisplayName() == runnableSequenceName && len(candidates) > 1 {
		return TextOf(candidates[1].Input, true)
	}
	return text
}

func lastOutput(f *spantree.Forest, spans []model.Span) string {
	// The top-level span is the last one emitted inside-out, which is the
	// last root in forest order rather than necessarily the earliest root.
	if flat := f.Flatten(spantree.InsideOut); len(flat) > 0 {
		top := flat[len(flat)-1]
		if HasContent(top.Output) {
			return TextOf(top.Output, true)
		}
	}

	byFinish := make([]model.Span, len(spans))
	copy(byFinish, spans)
	sort.SliceStable(byFinish, func(i, j int) bool {
		return byFinish[i].Timestamps.FinishedAt > byFinish[j].Timestamps.FinishedAt
	})
	for _, s := range byFinish {
		if HasContent(s.Output) {
			return TextOf(s.Output, true)
		}
	}
	return ""
}
