package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError is a fatal discovery-time problem attached to one test.
// Affected tests never run.
type ConfigurationError struct {
	Test    TestID
	Problem string
	Cycle   []TestID // Set when the problem is a dependency cycle
}

func (e *ConfigurationError) Error() string {
	if len(e.Cycle) > 0 {
		parts := make([]string, len(e.Cycle))
		for i, id := range e.Cycle {
			parts[i] = string(id)
		}
		return fmt.Sprintf("configuration error in %s: %s: %s", e.Test, e.Problem, strings.Join(parts, " -> "))
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Test, e.Problem)
}

// NewConfigurationError creates a new ConfigurationError
func NewConfigurationError(test TestID, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Test: test, Problem: fmt.Sprintf(format, args...)}
}

// IsConfigurationError checks if the error is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return err != nil && errors.As(err, &cfgErr)
}

// SetupError is a hook or fixture failure. The tests of the affected scope
// fail without executing their bodies.
type SetupError struct {
	Scope ScopeKind
	Phase HookStage // StageAfter for teardown and disposal failures
	Name  string    // Scope name, hook or fixture type
	Err   error
}

func (e *SetupError) Error() string {
	what := "setup"
	if e.Phase == StageAfter {
		what = "teardown"
	}
	return fmt.Sprintf("%s %s failed for %s: %v", e.Scope, what, e.Name, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *SetupError) Unwrap() error {
	return e.Err
}

// IsSetupError checks if the error is or wraps a SetupError
func IsSetupError(err error) bool {
	var setupErr *SetupError
	return err != nil && errors.As(err, &setupErr)
}

// ExecutionFailure is an error raised by a test body.
type ExecutionFailure struct {
	Test    TestID
	Attempt int
	Err     error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("test %s failed on attempt %d: %v", e.Test, e.Attempt, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *ExecutionFailure) Unwrap() error {
	return e.Err
}

// SkipError is the distinguished non-retryable skip outcome.
type SkipError struct {
	Reason string
	Cause  error // Set when the skip is inherited, e.g. from a dependency
}

func (e *SkipError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("skipped: %s: %v", e.Reason, e.Cause)
	}
	return "skipped: " + e.Reason
}

// Unwrap implements the errors.Unwrap interface
func (e *SkipError) Unwrap() error {
	return e.Cause
}

// Skip returns an error that marks the current test or scope as skipped.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// IsSkip checks if the error is or wraps a SkipError
func IsSkip(err error) bool {
	var skipErr *SkipError
	return err != nil && errors.As(err, &skipErr)
}

// DependencyError explains why a dependent was not run.
type DependencyError struct {
	Dependency TestID
	Status     TestStatus
	Cause      error
}

func (e *DependencyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dependency %s ended with %s: %v", e.Dependency, e.Status, e.Cause)
	}
	return fmt.Sprintf("dependency %s ended with %s", e.Dependency, e.Status)
}

// Unwrap implements the errors.Unwrap interface
func (e *DependencyError) Unwrap() error {
	return e.Cause
}

// CancellationError is the terminal state imposed by an external stop.
type CancellationError struct {
	Err error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *CancellationError) Unwrap() error {
	return e.Err
}

// IsCancellation checks if the error is or wraps a CancellationError
func IsCancellation(err error) bool {
	var cancelErr *CancellationError
	return err != nil && errors.As(err, &cancelErr)
}

// StatusOf maps an error returned from the execution pipeline onto a terminal
// status. Skips win over everything else because a skip is never retried.
func StatusOf(err error) TestStatus {
	switch {
	case err == nil:
		return TestStatusPass
	case IsSkip(err):
		return TestStatusSkip
	case IsCancellation(err):
		return TestStatusCancel
	case errors.Is(err, context.Canceled):
		return TestStatusCancel
	default:
		return TestStatusFail
	}
}
