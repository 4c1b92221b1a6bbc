package types

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// TestID is the stable identity of a schedulable test unit.
type TestID string

// NewTestID derives a stable ID from the declaring class, the method signature
// and the argument / repeat indices. The same inputs always yield the same ID.
func NewTestID(className, method string, paramTypes []string, argIndex, repeatIndex int) TestID {
	var b strings.Builder
	if className != "" {
		b.WriteString(className)
		b.WriteByte('.')
	}
	b.WriteString(method)
	b.WriteByte('(')
	b.WriteString(strings.Join(paramTypes, ","))
	b.WriteByte(')')
	if argIndex > 0 {
		fmt.Fprintf(&b, "[arg:%d]", argIndex)
	}
	if repeatIndex > 0 {
		fmt.Fprintf(&b, "[repeat:%d]", repeatIndex)
	}
	return TestID(b.String())
}

// TestFunc is the body of a test.
type TestFunc func(ctx context.Context, tc *TestContext) error

// DependencyRef references another test the declaring test depends on.
type DependencyRef struct {
	ClassName        string   // Empty means the declaring class
	Name             string   // Method name of the target
	ParamTypes       []string // Nil matches any overload; non-nil must match exactly
	ProceedOnFailure bool     // Run the dependent even if the target fails or is skipped
}

func (d DependencyRef) String() string {
	s := d.Name
	if d.ClassName != "" {
		s = d.ClassName + "." + s
	}
	if d.ParamTypes != nil {
		s += "(" + strings.Join(d.ParamTypes, ",") + ")"
	}
	return s
}

// LimiterRef binds a test to a named capacity limiter.
type LimiterRef struct {
	Key      string
	Capacity int
}

// Constraints holds the parallelism constraints of a test.
type Constraints struct {
	NotInParallel        []string // Exclusivity keys
	Order                *int     // Ordinal within every exclusivity key of the test
	ClassNotInParallel   bool     // Exclusive with every other test of the class
	SessionNotInParallel bool     // Exclusive with every other session-exclusive test
	ParallelLimit        *LimiterRef
}

// RetryPolicy carries the retry overrides visible to a test, nearest scope first.
type RetryPolicy struct {
	Method      *int
	Class       *int
	Assembly    *int
	ShouldRetry func(err error, attempt int) bool
}

// TestDescriptor is the immutable record of one schedulable test. Only the
// result slot is written after discovery, and only once.
type TestDescriptor struct {
	ID          TestID
	Name        string
	ClassName   string
	ClassChain  []string // Outermost ancestor first, concrete class last
	Assembly    string
	ParamTypes  []string
	ArgIndex    int
	RepeatIndex int
	Seq         int // Discovery order

	Dependencies []DependencyRef
	Constraints  Constraints
	Retry        RetryPolicy
	Fixtures     []FixtureRequest
	Timeout      time.Duration
	Body         TestFunc

	result atomic.Pointer[ExecutionResult]
}

// DisplayName returns the class-qualified test name.
func (d *TestDescriptor) DisplayName() string {
	if d.ClassName == "" {
		return d.Name
	}
	return d.ClassName + "." + d.Name
}

// Chain returns the class chain, falling back to the declaring class alone.
func (d *TestDescriptor) Chain() []string {
	if len(d.ClassChain) > 0 {
		return d.ClassChain
	}
	if d.ClassName == "" {
		return nil
	}
	return []string{d.ClassName}
}

// SetResult populates the result slot. It returns false if a result was
// already recorded, in which case the slot is left untouched.
func (d *TestDescriptor) SetResult(r *ExecutionResult) bool {
	return d.result.CompareAndSwap(nil, r)
}

// Result returns the recorded result, or nil while the test is not terminal.
func (d *TestDescriptor) Result() *ExecutionResult {
	return d.result.Load()
}

// TestContext is handed to a test body and its test-scoped hooks.
type TestContext struct {
	Descriptor *TestDescriptor
	Attempt    int   // 1-based
	Fixtures   []any // Resolved in the order of Descriptor.Fixtures
	Log        log.Logger
}

// Fixture returns the i-th resolved fixture, or nil when out of range.
func (tc *TestContext) Fixture(i int) any {
	if i < 0 || i >= len(tc.Fixtures) {
		return nil
	}
	return tc.Fixtures[i]
}
