package opsched

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-scheduler/runner"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// TestSource supplies a fresh set of test descriptors for every run.
type TestSource interface {
	Descriptors() []*types.TestDescriptor
}

// TestRunner executes one set of test descriptors.
type TestRunner interface {
	Run(ctx context.Context, descs []*types.TestDescriptor) (*runner.RunResult, error)
}

// TestExecutor is responsible for running tests.
type TestExecutor interface {
	RunTests(ctx context.Context) (*runner.RunResult, error)
}

// DefaultTestExecutor implements the TestExecutor interface.
type DefaultTestExecutor struct {
	source TestSource
	runner TestRunner
	logger log.Logger
}

// NewDefaultTestExecutor creates a new DefaultTestExecutor.
func NewDefaultTestExecutor(source TestSource, runner TestRunner, logger log.Logger) *DefaultTestExecutor {
	return &DefaultTestExecutor{
		source: source,
		runner: runner,
		logger: logger,
	}
}

// RunTests runs all tests and returns the results.
func (e *DefaultTestExecutor) RunTests(ctx context.Context) (*runner.RunResult, error) {
	descs := e.source.Descriptors()
	if len(descs) == 0 {
		e.logger.Warn("No tests registered")
	}
	e.logger.Info("Running all tests...", "tests", len(descs))
	result, err := e.runner.Run(ctx, descs)
	if err != nil {
		e.logger.Error("Error running tests", "error", err)
		return nil, err
	}
	e.logger.Info("Test run completed", "run_id", result.RunID, "status", result.Status)
	return result, nil
}
