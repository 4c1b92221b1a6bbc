package parallel

import (
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// Validate reports contradictory constraints: limiter capacity conflicts and
// ordinal orders that cannot be satisfied together with the dependency edges
// (for example an ordered member that depends on a later member of the same
// key). Every returned test must be treated as invalid and retired.
func (c *Controller) Validate() []*types.ConfigurationError {
	errs := append([]*types.ConfigurationError(nil), c.errs...)
	reported := make(map[types.TestID]bool, len(errs))
	for _, err := range errs {
		reported[err.Test] = true
	}

	// Precedence graph over valid tests: prerequisite before dependent, and
	// each ticket before the next ticket of its key.
	succ := make(map[types.TestID][]types.TestID)
	indeg := make(map[types.TestID]int)
	valid := make([]types.TestID, 0)
	for _, d := range c.g.Descriptors() {
		if c.g.Invalid(d.ID) != nil {
			continue
		}
		valid = append(valid, d.ID)
		for _, e := range c.g.Prerequisites(d.ID) {
			if c.g.Invalid(e.To) != nil {
				continue
			}
			succ[e.To] = append(succ[e.To], d.ID)
			indeg[d.ID]++
		}
	}
	for _, k := range c.keys {
		for i := 1; i < len(k.tickets); i++ {
			succ[k.tickets[i-1]] = append(succ[k.tickets[i-1]], k.tickets[i])
			indeg[k.tickets[i]]++
		}
	}

	queue := make([]types.TestID, 0, len(valid))
	for _, id := range valid {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range succ[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	for _, id := range valid {
		if indeg[id] > 0 && !reported[id] {
			errs = append(errs, types.NewConfigurationError(id, "ordering constraints contradict declared dependencies"))
			reported[id] = true
		}
	}
	return errs
}
