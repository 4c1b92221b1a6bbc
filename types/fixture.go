package types

import (
	"context"
	"fmt"
)

// SharingScope controls how widely a fixture instance is shared.
// Scopes are ordered by lifetime breadth.
type SharingScope int

const (
	ScopeNone SharingScope = iota
	ScopeKeyed
	ScopePerClass
	ScopePerAssembly
	ScopePerTestSession
)

// ScopeGlobally is the process-wide scope, identical to ScopePerTestSession.
const ScopeGlobally = ScopePerTestSession

func (s SharingScope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeKeyed:
		return "keyed"
	case ScopePerClass:
		return "per-class"
	case ScopePerAssembly:
		return "per-assembly"
	case ScopePerTestSession:
		return "per-session"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseSharingScope maps a config string onto a SharingScope.
func ParseSharingScope(s string) (SharingScope, error) {
	switch s {
	case "", "none":
		return ScopeNone, nil
	case "keyed":
		return ScopeKeyed, nil
	case "per-class", "class":
		return ScopePerClass, nil
	case "per-assembly", "assembly":
		return ScopePerAssembly, nil
	case "per-session", "session", "global", "globally":
		return ScopePerTestSession, nil
	}
	return ScopeNone, fmt.Errorf("unknown sharing scope %q", s)
}

// FixtureFactory constructs a fixture from its already resolved nested fixtures.
type FixtureFactory func(ctx context.Context, deps []any) (any, error)

// FixtureSpec describes how to build one type of fixture.
type FixtureSpec struct {
	Type     string
	New      FixtureFactory
	Requests []FixtureRequest // Nested fixtures, resolved before New
}

// FixtureRequest asks for a fixture with a given sharing scope.
type FixtureRequest struct {
	Spec  *FixtureSpec
	Scope SharingScope
	Key   string // Required for ScopeKeyed
}

// Initializer is implemented by fixtures needing post-construction setup.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Disposer is implemented by fixtures needing asynchronous teardown.
type Disposer interface {
	Dispose(ctx context.Context) error
}
