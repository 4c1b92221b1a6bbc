// Package fixture owns construction, sharing and disposal of the objects
// injected into tests.
package fixture

import (
	"fmt"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// Handle identifies one shareable fixture instance.
type Handle struct {
	Type  string
	Scope types.SharingScope
	Key   string // Explicit key, class or assembly depending on Scope
}

func (h Handle) String() string {
	if h.Key == "" {
		return fmt.Sprintf("%s/%s", h.Type, h.Scope)
	}
	return fmt.Sprintf("%s/%s/%s", h.Type, h.Scope, h.Key)
}

// Shared reports whether instances behind h outlive a single consumer.
func (h Handle) Shared() bool {
	return h.Scope != types.ScopeNone
}

// HandleFor derives the handle a test uses for req.
func HandleFor(req types.FixtureRequest, desc *types.TestDescriptor) (Handle, error) {
	if req.Spec == nil {
		return Handle{}, fmt.Errorf("fixture request without spec")
	}
	h := Handle{Type: req.Spec.Type, Scope: req.Scope}
	switch req.Scope {
	case types.ScopeNone, types.ScopePerTestSession:
	case types.ScopeKeyed:
		if req.Key == "" {
			return Handle{}, fmt.Errorf("keyed fixture %s requires a key", req.Spec.Type)
		}
		h.Key = req.Key
	case types.ScopePerClass:
		if desc.ClassName == "" {
			return Handle{}, fmt.Errorf("per-class fixture %s requested outside a class", req.Spec.Type)
		}
		h.Key = desc.ClassName
	case types.ScopePerAssembly:
		if desc.Assembly == "" {
			return Handle{}, fmt.Errorf("per-assembly fixture %s requested outside an assembly", req.Spec.Type)
		}
		h.Key = desc.Assembly
	default:
		return Handle{}, fmt.Errorf("fixture %s has unknown sharing scope %s", req.Spec.Type, req.Scope)
	}
	return h, nil
}

// Validate checks every fixture request of desc, including nested ones.
func Validate(desc *types.TestDescriptor) *types.ConfigurationError {
	for _, req := range desc.Fixtures {
		if err := validateRequest(desc, req, nil); err != nil {
			return types.NewConfigurationError(desc.ID, "%v", err)
		}
	}
	return nil
}

// pathEntry is one fixture on the way from a test to a nested request.
type pathEntry struct {
	spec   *types.FixtureSpec
	handle Handle
}

// same reports whether a nested request would resolve to an instance that is
// still being built further up the path. Shared instances are identified by
// handle, unshared ones by spec.
func (p pathEntry) same(spec *types.FixtureSpec, h Handle) bool {
	if h.Shared() {
		return p.handle == h
	}
	return p.spec == spec
}

func validateRequest(desc *types.TestDescriptor, req types.FixtureRequest, path []pathEntry) error {
	h, err := HandleFor(req, desc)
	if err != nil {
		return err
	}
	if req.Spec.New == nil {
		return fmt.Errorf("fixture %s has no constructor", req.Spec.Type)
	}
	for _, p := range path {
		if p.same(req.Spec, h) {
			return fmt.Errorf("fixture %s requires itself", h)
		}
	}
	path = append(path, pathEntry{spec: req.Spec, handle: h})
	for _, nested := range req.Spec.Requests {
		if err := validateRequest(desc, nested, path); err != nil {
			return fmt.Errorf("%s: %w", req.Spec.Type, err)
		}
	}
	return nil
}

// SharedHandles lists every shared handle desc may acquire, nested ones
// included, outermost first. Requests that fail validation are left out.
func SharedHandles(desc *types.TestDescriptor) []Handle {
	var out []Handle
	var walk func(reqs []types.FixtureRequest, depth int)
	walk = func(reqs []types.FixtureRequest, depth int) {
		if depth > maxDepth {
			return
		}
		for _, req := range reqs {
			h, err := HandleFor(req, desc)
			if err != nil {
				continue
			}
			if h.Shared() {
				out = append(out, h)
			}
			walk(req.Spec.Requests, depth+1)
		}
	}
	walk(desc.Fixtures, 0)
	return out
}

// maxDepth bounds walks over fixture trees that were not validated.
const maxDepth = 64

// CheckSharing finds shared fixtures that end up requiring each other through
// specs contributed by different tests. Such a cycle cannot be seen from any
// single test, yet constructing it would never finish. Every test reaching a
// handle on a cycle gets a configuration error. descs are expected to have
// passed Validate.
func CheckSharing(descs []*types.TestDescriptor) []*types.ConfigurationError {
	edges := make(map[Handle]map[Handle]bool)
	reaches := make(map[types.TestID][]Handle)

	var walk func(desc *types.TestDescriptor, reqs []types.FixtureRequest, owner *Handle, depth int)
	walk = func(desc *types.TestDescriptor, reqs []types.FixtureRequest, owner *Handle, depth int) {
		if depth > maxDepth {
			return
		}
		for _, req := range reqs {
			h, err := HandleFor(req, desc)
			if err != nil {
				continue
			}
			next := owner
			if h.Shared() {
				reaches[desc.ID] = append(reaches[desc.ID], h)
				if owner != nil {
					if edges[*owner] == nil {
						edges[*owner] = make(map[Handle]bool)
					}
					edges[*owner][h] = true
				}
				next = &h
			}
			walk(desc, req.Spec.Requests, next, depth+1)
		}
	}
	for _, d := range descs {
		walk(d, d.Fixtures, nil, 0)
	}

	cyclic := cyclicHandles(edges)
	if len(cyclic) == 0 {
		return nil
	}
	var errs []*types.ConfigurationError
	for _, d := range descs {
		for _, h := range reaches[d.ID] {
			if cyclic[h] {
				errs = append(errs, types.NewConfigurationError(d.ID, "shared fixture %s is part of a requirement cycle", h))
				break
			}
		}
	}
	return errs
}

// cyclicHandles returns the handles that can reach themselves.
func cyclicHandles(edges map[Handle]map[Handle]bool) map[Handle]bool {
	cyclic := make(map[Handle]bool)
	for start := range edges {
		seen := make(map[Handle]bool)
		queue := []Handle{start}
		for len(queue) > 0 && !cyclic[start] {
			h := queue[0]
			queue = queue[1:]
			for next := range edges[h] {
				if next == start {
					cyclic[start] = true
					break
				}
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	return cyclic
}

// scopeOf maps a sharing scope onto the hook scope a failure is attached to.
func scopeOf(s types.SharingScope) types.ScopeKind {
	switch s {
	case types.ScopePerClass:
		return types.ScopeClass
	case types.ScopePerAssembly:
		return types.ScopeAssembly
	case types.ScopePerTestSession:
		return types.ScopeSession
	default:
		return types.ScopeTest
	}
}
