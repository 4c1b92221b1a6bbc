package types

import (
	"time"
)

// TestStatus represents the possible terminal states of a test execution
type TestStatus string

const (
	TestStatusPass   TestStatus = "pass"
	TestStatusFail   TestStatus = "fail"
	TestStatusSkip   TestStatus = "skip"
	TestStatusCancel TestStatus = "cancel"
)

// Terminal reports whether the status is one a test can end in.
func (s TestStatus) Terminal() bool {
	switch s {
	case TestStatusPass, TestStatusFail, TestStatusSkip, TestStatusCancel:
		return true
	}
	return false
}

// Succeeded reports whether dependents may proceed without ProceedOnFailure.
func (s TestStatus) Succeeded() bool {
	return s == TestStatusPass
}

// ExecutionResult captures the outcome of a single scheduled test
type ExecutionResult struct {
	ID         TestID
	Descriptor *TestDescriptor
	Status     TestStatus
	Err        error // Cause chain, including inherited dependency causes
	Start      time.Time
	End        time.Time
	Attempts   int // Number of attempts actually made, 0 if the body never ran
}

// Duration returns the wall-clock time spent between start and end.
func (r *ExecutionResult) Duration() time.Duration {
	if r.Start.IsZero() || r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Name returns a display name for the result.
func (r *ExecutionResult) Name() string {
	if r.Descriptor != nil && r.Descriptor.Name != "" {
		return r.Descriptor.DisplayName()
	}
	return string(r.ID)
}
