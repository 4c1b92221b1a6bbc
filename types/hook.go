package types

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
)

// ScopeKind names a scope boundary hooks can attach to.
type ScopeKind int

const (
	ScopeSession ScopeKind = iota
	ScopeAssembly
	ScopeClass
	ScopeTest
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeSession:
		return "session"
	case ScopeAssembly:
		return "assembly"
	case ScopeClass:
		return "class"
	case ScopeTest:
		return "test"
	}
	return "unknown"
}

// HookStage is either side of a scope boundary.
type HookStage int

const (
	StageBefore HookStage = iota
	StageAfter
)

func (s HookStage) String() string {
	if s == StageBefore {
		return "before"
	}
	return "after"
}

// HookContext is passed to every hook invocation.
type HookContext struct {
	Scope    ScopeKind
	Stage    HookStage
	Assembly string
	Class    string
	Test     *TestContext // Set for test-scoped hooks only
	Log      log.Logger
}

// HookFunc is a registered scope callback. Returning an error built with
// Skip requests the scope be skipped.
type HookFunc func(ctx context.Context, hc *HookContext) error

// Hook is a resolved hook registration.
//
// Class and test hooks declared with an empty Class apply to every class.
// Assembly hooks with an empty Assembly apply to every assembly.
type Hook struct {
	Name     string
	Scope    ScopeKind
	Stage    HookStage
	Order    int
	Class    string
	Assembly string
	Seq      int // Declaration sequence, tie-break for equal Order
	Fn       HookFunc
}
