// Package spantree reconstructs the span forest of a trace from a flat,
// unordered span batch and flattens it in pre-order or post-order.
//
// Nodes live in an arena addressed by index; parent to child links are
// index lists. Building is total: broken parent references become roots,
// and spans caught in parent cycles are detached and promoted to roots, so
// every input span appears exactly once in the forest.
package spantree

import (
	"sort"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Mode selects a flattening order.
type Mode int

const (
	// OutsideIn emits a node before its children (depth-first pre-order).
	OutsideIn Mode = iota
	// InsideOut emits a node after its children (depth-first post-order).
	InsideOut
)

// String returns the mode name used by the CLI and API.
func (m Mode) String() string {
	switch m {
	case OutsideIn:
		return "outside-in"
	case InsideOut:
		return "inside-out"
	default:
		return "unknown"
	}
}

// ParseMode parses "outside-in" or "inside-out".
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "outside-in":
		return OutsideIn, true
	case "inside-out":
		return InsideOut, true
	default:
		return 0, false
	}
}

type node struct {
	span     int // index into Forest.spans
	parent   int // arena index of the parent, -1 for roots
	children []int
}

// Forest is the reconstructed span forest of one batch. It holds the
// caller's spans read-only and is not safe to share across goroutines
// while being built; once returned by Build it is immutable.
type Forest struct {
	spans []model.Span
	nodes []node
	roots []int
}

// Build reconstructs the forest. Spans are ordered by started_at (stable),
// so children and roots are in start-time order with ties kept in input
// order. The input slice is never modified.
func Build(spans []model.Span) *Forest {
	order := make([]int, len(spans))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return spans[order[a]].Timestamps.StartedAt < spans[order[b]].Timestamps.StartedAt
	})

	f := &Forest{
		spans: spans,
		nodes: make([]node, len(spans)),
	}
	byID := make(map[string]int, len(spans))
	for n, idx := range order {
		f.nodes[n] = node{span: idx, parent: -1}
		// A later duplicate id (in start order) wins the lookup.
		byID[spans[idx].SpanID] = n
	}

	for n := range f.nodes {
		s := spans[f.nodes[n].span]
		if !s.HasParent() {
			continue
		}
		p, ok := byID[*s.ParentID]
		if !ok {
			continue
		}
		f.nodes[n].parent = p
		f.nodes[p].children = append(f.nodes[p].children, n)
	}

	f.breakCycles()

	for n := range f.nodes {
		if f.nodes[n].parent < 0 {
			f.roots = append(f.roots, n)
		}
	}
	return f
}

// breakCycles detaches every node that cannot be reached from a natural
// root. Candidates are visited in start order, so the earliest-starting
// span of each cycle becomes its root.
func (f *Forest) breakCycles() {
	reached := make([]bool, len(f.nodes))
	for n := range f.nodes {
		if f.nodes[n].parent < 0 {
			f.mark(n, reached)
		}
	}
	for n := range f.nodes {
		if reached[n] {
			continue
		}
		p := f.nodes[n].parent
		f.nodes[p].children = removeChild(f.nodes[p].children, n)
		f.nodes[n].parent = -1
		f.mark(n, reached)
	}
}

func (f *Forest) mark(root int, reached []bool) {
	stack := []int{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[n] {
			continue
		}
		reached[n] = true
		stack = append(stack, f.nodes[n].children...)
	}
}

func removeChild(children []int, n int) []int {
	out := children[:0:0]
	for _, c := range children {
		if c != n {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of nodes in the forest.
func (f *Forest) Len() int { return len(f.nodes) }

// Roots returns copies of the root spans in forest order.
func (f *Forest) Roots() []model.Span {
	out := make([]model.Span, len(f.roots))
	for i, n := range f.roots {
		out[i] = f.spans[f.nodes[n].span]
	}
	return out
}

// Flatten returns every span of the forest exactly once, in the order
// given by mode. Roots are taken in forest order and siblings in child
// order.
func (f *Forest) Flatten(mode Mode) []model.Span {
	out := make([]model.Span, 0, len(f.nodes))
	f.walk(mode, func(n int) {
		out = append(out, f.spans[f.nodes[n].span])
	})
	return out
}

type frame struct {
	n        int
	expanded bool
}

// walk traverses iteratively; the visited set bounds the walk even if the
// arena were ever handed a cyclic link.
func (f *Forest) walk(mode Mode, visit func(n int)) {
	visited := make([]bool, len(f.nodes))
	for _, root := range f.roots {
		stack := []frame{{n: root}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.expanded {
				visit(top.n)
				continue
			}
			if visited[top.n] {
				continue
			}
			visited[top.n] = true
			if mode == OutsideIn {
				visit(top.n)
			} else {
				stack = append(stack, frame{n: top.n, expanded: true})
			}
			children := f.nodes[top.n].children
			for i := len(children) - 1; i >= 0; i-- {
				if !visited[children[i]] {
					stack = append(stack, frame{n: children[i]})
				}
			}
		}
	}
}

// SpanNode is a span with its ordered children.
type SpanNode struct {
	Span     model.Span  `json:"span"`
	Children []*SpanNode `json:"children"`
}

// Tree returns the forest as nested nodes, roots in forest order.
func (f *Forest) Tree() []*SpanNode {
	built := make([]*SpanNode, len(f.nodes))
	f.walk(InsideOut, func(n int) {
		sn := &SpanNode{
			Span:     f.spans[f.nodes[n].span],
			Children: make([]*SpanNode, 0, len(f.nodes[n].children)),
		}
		for _, c := range f.nodes[n].children {
			if built[c] != nil {
				sn.Children = append(sn.Children, built[c])
			}
		}
		built[n] = sn
	})
	out := make([]*SpanNode, 0, len(f.roots))
	for _, r := range f.roots {
		out = append(out, built[r])
	}
	return out
}

// Depths returns the spans in outside-in order paired with their depth,
// roots at depth zero.
func (f *Forest) Depths() ([]model.Span, []int) {
	depth := make([]int, len(f.nodes))
	spans := make([]model.Span, 0, len(f.nodes))
	depths := make([]int, 0, len(f.nodes))
	f.walk(OutsideIn, func(n int) {
		if p := f.nodes[n].parent; p >= 0 {
			depth[n] = depth[p] + 1
		}
		spans = append(spans, f.spans[f.nodes[n].span])
		depths = append(depths, depth[n])
	})
	return spans, depths
}
