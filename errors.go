package opsched

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-scheduler/runner"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// RuntimeError marks a failure of the scheduler rather than of the tests it
// ran: bad flags, an unreadable plan, or a plan with configuration errors.
// The process exits with exitcodes.RuntimeErr for it.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError reports whether err or anything it wraps is a RuntimeError.
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return errors.As(err, &runtimeErr)
}

// TestFailureError reports a finished run that did not pass: some test
// failed or the run was cancelled.
type TestFailureError struct {
	RunID     string
	Status    types.TestStatus
	Failed    int
	Cancelled int
	Summary   string
}

func (e *TestFailureError) Error() string {
	if e.Summary != "" {
		return "test failure: " + e.Summary
	}
	return fmt.Sprintf("test failure: run %s ended with status %s (%d failed, %d cancelled)", e.RunID, e.Status, e.Failed, e.Cancelled)
}

// NewTestFailureError describes a run that did not pass.
func NewTestFailureError(result *runner.RunResult) *TestFailureError {
	return &TestFailureError{
		RunID:     result.RunID,
		Status:    result.Status,
		Failed:    result.Stats.Failed,
		Cancelled: result.Stats.Cancelled,
		Summary:   resultSummary(result),
	}
}

func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return errors.As(err, &testErr)
}
