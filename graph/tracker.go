package graph

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

type nodeState struct {
	remaining atomic.Int32 // Prerequisites not yet terminal
	done      atomic.Bool

	mu      sync.Mutex
	blocked *types.DependencyError // First prerequisite that forbids running
}

// Tracker follows prerequisite completion during a run. All state is held
// per node; there is no lock spanning the whole graph.
type Tracker struct {
	g     *Graph
	state map[types.TestID]*nodeState // Immutable after NewTracker
}

// NewTracker creates a tracker for a resolved graph.
func NewTracker(g *Graph) *Tracker {
	t := &Tracker{
		g:     g,
		state: make(map[types.TestID]*nodeState, len(g.nodes)),
	}
	for id, n := range g.nodes {
		s := &nodeState{}
		s.remaining.Store(int32(len(n.prereqs)))
		t.state[id] = s
	}
	return t
}

// Ready reports whether every prerequisite of id has reached a terminal state.
func (t *Tracker) Ready(id types.TestID) bool {
	s, ok := t.state[id]
	return ok && s.remaining.Load() <= 0
}

// Roots returns valid tests without prerequisites, in discovery order.
func (t *Tracker) Roots() []types.TestID {
	var out []types.TestID
	for _, id := range t.g.order {
		if t.g.invalid[id] == nil && t.Ready(id) {
			out = append(out, id)
		}
	}
	return out
}

// Blocked returns the reason id must be skipped, or nil if it may run.
// It is only meaningful once Ready(id) is true.
func (t *Tracker) Blocked(id types.TestID) *types.DependencyError {
	s, ok := t.state[id]
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// Complete records the terminal status of id and returns the dependents that
// became ready as a consequence. Calling Complete twice for one test is a
// no-op the second time.
func (t *Tracker) Complete(id types.TestID, status types.TestStatus, cause error) []types.TestID {
	s, ok := t.state[id]
	if !ok || !s.done.CompareAndSwap(false, true) {
		return nil
	}

	var ready []types.TestID
	for _, e := range t.g.nodes[id].dependents {
		dep := t.state[e.From]
		if !status.Succeeded() && !e.ProceedOnFailure {
			dep.mu.Lock()
			if dep.blocked == nil {
				dep.blocked = &types.DependencyError{Dependency: id, Status: status, Cause: cause}
			}
			dep.mu.Unlock()
		}
		if dep.remaining.Add(-1) == 0 && t.g.invalid[e.From] == nil {
			ready = append(ready, e.From)
		}
	}
	return ready
}

// Done reports whether id has been completed.
func (t *Tracker) Done(id types.TestID) bool {
	s, ok := t.state[id]
	return ok && s.done.Load()
}
