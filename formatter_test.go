package opsched

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-scheduler/runner"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

func sampleResult(class, name string, seq int, status types.TestStatus, err error) *types.ExecutionResult {
	desc := &types.TestDescriptor{
		ID:        types.NewTestID(class, name, nil, 0, 0),
		Name:      name,
		ClassName: class,
		Assembly:  "core",
		Seq:       seq,
	}
	start := time.Unix(1700000000, 0)
	return &types.ExecutionResult{
		ID:         desc.ID,
		Descriptor: desc,
		Status:     status,
		Err:        err,
		Start:      start,
		End:        start.Add(time.Second),
		Attempts:   1,
	}
}

// createSampleResult creates a run with one passing and one failing test
func createSampleResult() *runner.RunResult {
	pass := sampleResult("Accounts", "Create", 0, types.TestStatusPass, nil)
	fail := sampleResult("Accounts", "Delete", 1, types.TestStatusFail, errors.New("assertion failed: balance is 3"))
	fail.Attempts = 2
	loose := sampleResult("", "Standalone", 2, types.TestStatusSkip, types.Skip("not today"))

	return &runner.RunResult{
		RunID: "run-1",
		Assemblies: map[string]*runner.AssemblyResult{
			"core": {
				Name:  "core",
				Tests: map[types.TestID]*types.ExecutionResult{loose.ID: loose},
				Classes: map[string]*runner.ClassResult{
					"Accounts": {
						Name:   "Accounts",
						Tests:  map[types.TestID]*types.ExecutionResult{pass.ID: pass, fail.ID: fail},
						Status: types.TestStatusFail,
						Stats:  runner.ResultStats{Total: 2, Passed: 1, Failed: 1},
					},
				},
				Status: types.TestStatusFail,
				Stats:  runner.ResultStats{Total: 3, Passed: 1, Failed: 1, Skipped: 1},
			},
		},
		Results:       []*types.ExecutionResult{pass, fail, loose},
		Status:        types.TestStatusFail,
		Duration:      3 * time.Second,
		WallClockTime: 2 * time.Second,
		Stats:         runner.ResultStats{Total: 3, Passed: 1, Failed: 1, Skipped: 1},
	}
}

func TestConsoleResultFormatter_FormatResults(t *testing.T) {
	var buf bytes.Buffer
	formatter := NewConsoleResultFormatter(log.NewLogger(log.DiscardHandler()), &buf)

	require.NoError(t, formatter.FormatResults(createSampleResult()))

	out := buf.String()
	assert.Contains(t, out, "Test Run Results (2.0s)")
	assert.Contains(t, out, "core")
	assert.Contains(t, out, "Accounts")
	assert.Contains(t, out, "Create()")
	assert.Contains(t, out, "Delete()")
	assert.Contains(t, out, "Standalone()")
	assert.Contains(t, out, "assertion failed: balance is 3")
	assert.Contains(t, out, "Run run-1 finished with status fail: 3 tests, 1 passed, 1 failed, 1 skipped, 0 cancelled")
}

func TestConsoleResultFormatter_FormatResults_EmptyResult(t *testing.T) {
	var buf bytes.Buffer
	formatter := NewConsoleResultFormatter(log.NewLogger(log.DiscardHandler()), &buf)

	result := &runner.RunResult{
		RunID:      "empty-run",
		Status:     types.TestStatusPass,
		Assemblies: map[string]*runner.AssemblyResult{},
	}
	require.NoError(t, formatter.FormatResults(result))
	assert.Contains(t, buf.String(), "0 tests")

	assert.Error(t, formatter.FormatResults(nil))
}

func TestConsoleResultFormatter_RunErrors(t *testing.T) {
	var buf bytes.Buffer
	formatter := NewConsoleResultFormatter(log.NewLogger(log.DiscardHandler()), &buf)

	result := createSampleResult()
	result.ConfigErrors = []*types.ConfigurationError{
		types.NewConfigurationError("Accounts.Loop()", "dependency cycle"),
	}
	result.TeardownErrors = []error{errors.New("dispose network: connection reset")}
	require.NoError(t, formatter.FormatResults(result))

	out := buf.String()
	assert.Contains(t, out, "Configuration errors:")
	assert.Contains(t, out, "dependency cycle")
	assert.Contains(t, out, "Teardown errors:")
	assert.Contains(t, out, "dispose network: connection reset")
}

func TestSortedTests(t *testing.T) {
	a := sampleResult("C", "A", 2, types.TestStatusPass, nil)
	b := sampleResult("C", "B", 1, types.TestStatusPass, nil)
	c := sampleResult("C", "C", 1, types.TestStatusPass, nil)

	sorted := sortedTests(map[types.TestID]*types.ExecutionResult{a.ID: a, b.ID: b, c.ID: c})
	require.Len(t, sorted, 3)
	assert.Equal(t, []types.TestID{b.ID, c.ID, a.ID}, []types.TestID{sorted[0].ID, sorted[1].ID, sorted[2].ID})
}

func TestExtractKeyErrorMessage(t *testing.T) {
	long := fmt.Sprintf("%0100d", 0)
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: "boom"},
		{name: "panic", err: errors.New("test X failed on attempt 1: test panicked: nil map"), want: "test panicked: nil map"},
		{name: "timeout", err: errors.New("attempt 2: timed out after 1s: context deadline exceeded"), want: "timed out after 1s: context deadline exceeded"},
		{name: "first line", err: errors.New("first\nsecond"), want: "first"},
		{name: "colors", err: errors.New("\x1b[31mred\x1b[0m"), want: "red"},
		{name: "long", err: errors.New(long), want: long[:77] + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractKeyErrorMessage(tt.err))
		})
	}
}

func TestGetResultString(t *testing.T) {
	assert.Equal(t, "✓ pass", getResultString(types.TestStatusPass))
	assert.Equal(t, "✗ fail", getResultString(types.TestStatusFail))
	assert.Equal(t, "- skip", getResultString(types.TestStatusSkip))
	assert.Equal(t, "⊘ cancel", getResultString(types.TestStatusCancel))
}
