// Package graph resolves declared test dependencies into a DAG and tracks
// prerequisite completion while a run is in progress.
package graph

import (
	"container/heap"
	"slices"
	"strings"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// Edge is a resolved dependency: From depends on To.
type Edge struct {
	From             types.TestID
	To               types.TestID
	ProceedOnFailure bool
}

type node struct {
	desc       *types.TestDescriptor
	prereqs    []Edge // Edges where From is this node
	dependents []Edge // Edges where To is this node
}

// Graph is the resolved dependency graph of one run.
type Graph struct {
	nodes   map[types.TestID]*node
	order   []types.TestID // Discovery order
	invalid map[types.TestID]*types.ConfigurationError
}

// Resolve builds the dependency graph for descs. Descriptors with
// configuration problems stay in the graph so their dependents can be
// notified, but are reported in the returned errors (one per affected test)
// and must never run.
func Resolve(descs []*types.TestDescriptor) (*Graph, []*types.ConfigurationError) {
	g := &Graph{
		nodes:   make(map[types.TestID]*node, len(descs)),
		invalid: make(map[types.TestID]*types.ConfigurationError),
	}

	sorted := slices.Clone(descs)
	slices.SortStableFunc(sorted, func(a, b *types.TestDescriptor) int { return a.Seq - b.Seq })

	index := make(map[string][]*types.TestDescriptor)
	var dupes []*types.TestDescriptor
	for _, d := range sorted {
		if _, exists := g.nodes[d.ID]; exists {
			dupes = append(dupes, d)
			continue
		}
		g.nodes[d.ID] = &node{desc: d}
		g.order = append(g.order, d.ID)
		key := methodKey(d.ClassName, d.Name)
		index[key] = append(index[key], d)
	}
	for _, d := range dupes {
		// The first registration owns the ID; the duplicate is reported against it.
		g.markInvalid(types.NewConfigurationError(d.ID, "duplicate test id (declared again at position %d)", d.Seq))
	}

	for _, id := range g.order {
		n := g.nodes[id]
		edges, err := resolveRefs(n.desc, index)
		if err != nil {
			g.markInvalid(err)
			continue
		}
		for _, e := range edges {
			n.prereqs = append(n.prereqs, e)
			target := g.nodes[e.To]
			target.dependents = append(target.dependents, e)
		}
	}

	g.detectCycles()

	var errs []*types.ConfigurationError
	for _, id := range g.order {
		if err, ok := g.invalid[id]; ok {
			errs = append(errs, err)
		}
	}
	return g, errs
}

func methodKey(class, name string) string {
	return class + "\x00" + name
}

// resolveRefs turns the dependency references of d into edges.
func resolveRefs(d *types.TestDescriptor, index map[string][]*types.TestDescriptor) ([]Edge, *types.ConfigurationError) {
	var edges []Edge
	seen := make(map[types.TestID]depKind)

	for _, ref := range d.Dependencies {
		class := ref.ClassName
		if class == "" {
			class = d.ClassName
		}
		candidates := index[methodKey(class, ref.Name)]
		if ref.ParamTypes != nil {
			candidates = slices.DeleteFunc(slices.Clone(candidates), func(c *types.TestDescriptor) bool {
				return !slices.Equal(c.ParamTypes, ref.ParamTypes)
			})
		}
		if len(candidates) == 0 {
			return nil, types.NewConfigurationError(d.ID, "dependency %s cannot be resolved", ref)
		}
		if ref.ParamTypes == nil && distinctSignatures(candidates) > 1 {
			return nil, types.NewConfigurationError(d.ID, "dependency %s is ambiguous between %d overloads, specify parameter types", ref, distinctSignatures(candidates))
		}

		for _, c := range candidates {
			if c.ID == d.ID {
				return nil, types.NewConfigurationError(d.ID, "test depends on itself via %s", ref)
			}
			kind := depKind{ProceedOnFailure: ref.ProceedOnFailure}
			if prev, dup := seen[c.ID]; dup {
				if prev != kind {
					return nil, types.NewConfigurationError(d.ID, "conflicting declarations for dependency %s (ProceedOnFailure %t and %t)", c.ID, prev.ProceedOnFailure, kind.ProceedOnFailure)
				}
				return nil, types.NewConfigurationError(d.ID, "dependency %s is declared more than once", c.ID)
			}
			seen[c.ID] = kind
			edges = append(edges, Edge{From: d.ID, To: c.ID, ProceedOnFailure: ref.ProceedOnFailure})
		}
	}
	return edges, nil
}

// depKind is the comparable part of a dependency declaration.
type depKind struct {
	ProceedOnFailure bool
}

func distinctSignatures(descs []*types.TestDescriptor) int {
	sigs := make(map[string]struct{})
	for _, d := range descs {
		sigs[strings.Join(d.ParamTypes, ",")] = struct{}{}
	}
	return len(sigs)
}

func (g *Graph) markInvalid(err *types.ConfigurationError) {
	if _, exists := g.invalid[err.Test]; exists {
		return
	}
	g.invalid[err.Test] = err
}

const (
	white = iota
	gray
	black
)

// detectCycles runs a coloring DFS over prerequisite edges. On a back-edge to
// a gray node every node currently on the gray stack is cycle-involved. Tests
// that transitively depend on a cycle are invalid as well.
func (g *Graph) detectCycles() {
	color := make(map[types.TestID]int, len(g.nodes))
	var stack []types.TestID
	var involved []types.TestID

	var visit func(id types.TestID)
	visit = func(id types.TestID) {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range g.nodes[id].prereqs {
			switch color[e.To] {
			case white:
				visit(e.To)
			case gray:
				start := slices.Index(stack, e.To)
				cycle := append(slices.Clone(stack[start:]), e.To)
				for i, onStack := range stack {
					problem := "test depends on a dependency cycle"
					if i >= start {
						problem = "dependency cycle"
					}
					if _, done := g.invalid[onStack]; !done {
						g.invalid[onStack] = &types.ConfigurationError{Test: onStack, Problem: problem, Cycle: cycle}
						involved = append(involved, onStack)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}

	// Everything downstream of a cycle is part of the same configuration problem.
	for len(involved) > 0 {
		id := involved[0]
		involved = involved[1:]
		cause := g.invalid[id]
		for _, e := range g.nodes[id].dependents {
			if _, done := g.invalid[e.From]; done {
				continue
			}
			g.invalid[e.From] = &types.ConfigurationError{
				Test:    e.From,
				Problem: "test depends on " + string(id) + " which is part of a dependency cycle",
				Cycle:   cause.Cycle,
			}
			involved = append(involved, e.From)
		}
	}
}

// Descriptor returns the descriptor registered under id.
func (g *Graph) Descriptor(id types.TestID) *types.TestDescriptor {
	if n, ok := g.nodes[id]; ok {
		return n.desc
	}
	return nil
}

// Descriptors returns all descriptors in discovery order.
func (g *Graph) Descriptors() []*types.TestDescriptor {
	out := make([]*types.TestDescriptor, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].desc)
	}
	return out
}

// Invalid returns the configuration error of id, or nil.
func (g *Graph) Invalid(id types.TestID) *types.ConfigurationError {
	return g.invalid[id]
}

// Prerequisites returns the edges id depends on.
func (g *Graph) Prerequisites(id types.TestID) []Edge {
	if n, ok := g.nodes[id]; ok {
		return n.prereqs
	}
	return nil
}

// Dependents returns the edges pointing at id.
func (g *Graph) Dependents(id types.TestID) []Edge {
	if n, ok := g.nodes[id]; ok {
		return n.dependents
	}
	return nil
}

// DependsOn reports whether from transitively depends on to. It is a
// diagnostic helper; dispatch follows the Tracker.
func (g *Graph) DependsOn(from, to types.TestID) bool {
	seen := make(map[types.TestID]bool)
	queue := []types.TestID{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Prerequisites(id) {
			if e.To == to {
				return true
			}
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}

// Order returns the valid tests in a topological order, prerequisites first,
// breaking ties by discovery order. The runner does not dispatch by it: tests
// start as their prerequisites finish. It serves diagnostics and tests that
// need one deterministic serial order.
func (g *Graph) Order() []types.TestID {
	remaining := make(map[types.TestID]int, len(g.nodes))
	h := &seqHeap{}
	for _, id := range g.order {
		if g.invalid[id] != nil {
			continue
		}
		n := g.nodes[id]
		remaining[id] = len(n.prereqs)
		if len(n.prereqs) == 0 {
			heap.Push(h, n.desc)
		}
	}

	out := make([]types.TestID, 0, len(remaining))
	for h.Len() > 0 {
		d := heap.Pop(h).(*types.TestDescriptor)
		out = append(out, d.ID)
		for _, e := range g.nodes[d.ID].dependents {
			if _, ok := remaining[e.From]; !ok {
				continue
			}
			remaining[e.From]--
			if remaining[e.From] == 0 {
				heap.Push(h, g.nodes[e.From].desc)
			}
		}
	}
	return out
}

type seqHeap []*types.TestDescriptor

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)        { *h = append(*h, x.(*types.TestDescriptor)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Invalidate records a configuration error found by a later validation pass.
// It returns false if the test was already invalid.
func (g *Graph) Invalidate(err *types.ConfigurationError) bool {
	if _, ok := g.nodes[err.Test]; !ok {
		return false
	}
	if _, exists := g.invalid[err.Test]; exists {
		return false
	}
	g.invalid[err.Test] = err
	return true
}
