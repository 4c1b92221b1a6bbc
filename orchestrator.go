package opsched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"go.uber.org/multierr"

	"github.com/ethereum-optimism/infra/op-scheduler/exitcodes"
	"github.com/ethereum-optimism/infra/op-scheduler/logging"
	"github.com/ethereum-optimism/infra/op-scheduler/metrics"
	"github.com/ethereum-optimism/infra/op-scheduler/parallel"
	"github.com/ethereum-optimism/infra/op-scheduler/registry"
	"github.com/ethereum-optimism/infra/op-scheduler/retry"
	"github.com/ethereum-optimism/infra/op-scheduler/runner"
	"github.com/ethereum-optimism/infra/op-scheduler/service"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// orchestrator implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &orchestrator{}

// orchestrator loads a test plan and runs it once or periodically.
type orchestrator struct {
	ctx       context.Context
	config    *Config
	version   string
	registry  *registry.Registry
	executor  TestExecutor
	formatter ResultFormatter
	periodic  TestScheduler
	progress  runner.ProgressIndicator
	service   *service.Service

	mu     sync.Mutex
	result *runner.RunResult

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New loads the plan and sets up the scheduler. Results are printed to out,
// or to stdout if out is nil.
func New(ctx context.Context, config *Config, version string, out io.Writer, shutdownCallback func(error)) (*orchestrator, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		config.Log = log.Root()
	}

	config.Log.Debug("Creating orchestrator with config",
		"plan", config.PlanFile,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"concurrency", config.Concurrency)

	reg, err := registry.NewRegistry(registry.Config{
		Log:      config.Log,
		PlanFile: config.PlanFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	return newWithRegistry(ctx, config, version, reg, out, shutdownCallback)
}

// newWithRegistry wires an orchestrator around an already populated registry.
func newWithRegistry(ctx context.Context, config *Config, version string, reg *registry.Registry, out io.Writer, shutdownCallback func(error)) (*orchestrator, error) {
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	var (
		listeners []any
		progress  runner.ProgressIndicator
	)
	if config.ShowProgress {
		progress = runner.NewConsoleProgressIndicator(config.Log, config.ProgressInterval)
		listeners = append(listeners, progress)
	}

	sched, err := runner.NewScheduler(runner.Config{
		Concurrency:     config.Concurrency,
		DefaultTimeout:  config.DefaultTimeout,
		TeardownTimeout: config.TeardownTimeout,
		Retry: retry.Config{
			DefaultAttempts: config.DefaultRetries + 1,
			InitialInterval: config.RetryBackoff,
			MaxInterval:     config.RetryMaxBackoff,
		},
		Parallel: parallel.Config{
			Capacities:    reg.Limiters(),
			DispatchRate:  config.DispatchRate,
			DispatchBurst: 1,
		},
		Hooks:     reg.Hooks(),
		Listeners: listeners,
		Log:       config.Log,
	})
	if err != nil {
		if progress != nil {
			progress.Stop()
		}
		return nil, fmt.Errorf("failed to create test scheduler: %w", err)
	}
	config.Log.Info("orchestrator.New: created registry and test scheduler",
		"definitions", len(reg.Definitions()),
		"hooks", len(reg.Hooks()),
		"limiters", len(reg.Limiters()))

	o := &orchestrator{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		executor:         NewDefaultTestExecutor(reg, sched, config.Log),
		formatter:        NewConsoleResultFormatter(config.Log, out),
		periodic:         NewDefaultTestScheduler(config.RunInterval, config.RunOnce, config.Log),
		progress:         progress,
		shutdownCallback: shutdownCallback,
	}
	if config.HealthzAddr != "" || config.MetricsAddr != "" {
		o.service = service.New(service.Config{
			HealthzAddr: config.HealthzAddr,
			MetricsAddr: config.MetricsAddr,
			Status:      o.health,
		})
	}
	return o, nil
}

// Start runs the tests immediately, then periodically at the configured
// interval unless running in run-once mode.
// Start implements the cliapp.Lifecycle interface.
func (o *orchestrator) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			o.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	o.ctx = ctx
	o.running.Store(true)

	if o.config.RunOnce {
		o.config.Log.Info("Starting op-scheduler in run-once mode", "version", o.version)
	} else {
		o.config.Log.Info("Starting op-scheduler in continuous mode", "version", o.version, "interval", o.config.RunInterval)
	}

	if o.service != nil {
		o.service.Start(ctx)
	}

	o.periodic.RegisterCallback(o.runTests)
	if err := o.periodic.Start(ctx); err != nil {
		o.config.Log.Error("Runtime error running tests", "error", err)
		return err
	}

	if !o.config.RunOnce {
		o.config.Log.Debug("op-scheduler started successfully")
		return nil
	}

	o.config.Log.Info("Tests completed, exiting (run-once mode)")
	if err := runError(o.Result()); err != nil {
		o.config.Log.Warn("Run-once test run did not pass", "error", err)
		return err
	}

	// Only need to call this when we're in run-once mode and all tests passed
	go func() {
		o.shutdownCallback(nil)
	}()
	return nil
}

// runTests runs all tests and processes the results
func (o *orchestrator) runTests(ctx context.Context) error {
	result, err := o.executor.RunTests(ctx)
	if err != nil {
		// This is a runtime error (not a test failure)
		metrics.RecordErrorDetails("run", err)
		return NewRuntimeError(err)
	}
	o.mu.Lock()
	o.result = result
	o.mu.Unlock()

	if err := o.formatter.FormatResults(result); err != nil {
		o.config.Log.Error("Failed to print results", "error", err)
	}
	if err := o.writeRunLogs(result); err != nil {
		o.config.Log.Error("Failed to write run logs", "run_id", result.RunID, "error", err)
		metrics.RecordErrorDetails("logs", err)
	}
	o.config.Log.Info("Test run completed", "run_id", result.RunID, "status", result.Status)
	return nil
}

// writeRunLogs writes the results of a run to its directory under LogDir.
func (o *orchestrator) writeRunLogs(result *runner.RunResult) error {
	if o.config.LogDir == "" {
		return nil
	}
	fileLogger, err := logging.NewFileLogger(o.config.LogDir, result.RunID)
	if err != nil {
		return err
	}

	var errs error
	for _, res := range result.AllResults() {
		errs = multierr.Append(errs, fileLogger.LogTestResult(res))
	}
	errs = multierr.Append(errs, fileLogger.LogSummary(renderResults(result)))
	errs = multierr.Append(errs, fileLogger.LogConfig(o.config.Snapshot(result.RunID)))
	errs = multierr.Append(errs, fileLogger.Complete())
	if errs == nil {
		o.config.Log.Info("Wrote run logs", "dir", fileLogger.GetDirectory())
	}
	return errs
}

// runError maps the result of a run to the error the process exits with:
// configuration errors are runtime errors, failed runs are test failures.
func runError(result *runner.RunResult) error {
	if result == nil {
		return NewRuntimeError(errors.New("no test run completed"))
	}
	if n := len(result.ConfigErrors); n > 0 {
		return NewRuntimeError(fmt.Errorf("%d tests have configuration errors: %w", n, result.ConfigErrors[0]))
	}
	if result.Status == types.TestStatusFail || result.Status == types.TestStatusCancel {
		return NewTestFailureError(result)
	}
	return nil
}

// Result returns the result of the latest completed run.
func (o *orchestrator) Result() *runner.RunResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// health reports the orchestrator as unhealthy once it has stopped.
func (o *orchestrator) health() error {
	if !o.running.Load() {
		return errors.New("op-scheduler is not running")
	}
	return nil
}

// Stop stops the op-scheduler service.
// Stop implements the cliapp.Lifecycle interface.
func (o *orchestrator) Stop(ctx context.Context) error {
	o.config.Log.Info("Stopping op-scheduler")

	// Check if we're already stopped
	if !o.running.Load() {
		o.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	// Update running state first to prevent new test runs
	o.running.Store(false)

	err := o.periodic.Stop()
	if o.progress != nil {
		o.progress.Stop()
	}
	if o.service != nil {
		o.service.Shutdown()
	}

	o.config.Log.Info("op-scheduler stopped successfully")
	return err
}

// Stopped returns true if the op-scheduler service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (o *orchestrator) Stopped() bool {
	return !o.running.Load()
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (o *orchestrator) WaitForShutdown(ctx context.Context) error {
	return o.periodic.WaitForShutdown(ctx)
}
