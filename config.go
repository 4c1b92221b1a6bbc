package opsched

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-scheduler/flags"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	PlanFile         string        // Absolute path to the test plan
	RunInterval      time.Duration // Interval between test runs
	RunOnce          bool          // Indicates if the service should exit after one test run
	Concurrency      int           // Number of concurrent test workers (0 = auto-determine)
	DefaultRetries   int           // Retries for tests that configure no attempts
	RetryBackoff     time.Duration
	RetryMaxBackoff  time.Duration
	DispatchRate     float64       // Test starts per second, 0 = unlimited
	DefaultTimeout   time.Duration // Default timeout for test bodies, can be overridden per test
	TeardownTimeout  time.Duration
	ShowProgress     bool          // Whether to show periodic progress updates during test execution
	ProgressInterval time.Duration // Interval between progress updates when ShowProgress is 'true'
	LogDir           string        // Directory to store per-run result logs, empty disables them
	HealthzAddr      string
	MetricsAddr      string // Empty when metrics are disabled
	Log              log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	plan := ctx.String(flags.Plan.Name)
	if plan == "" {
		return nil, errors.New("test plan file is required")
	}
	absPlan, err := filepath.Abs(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for plan file '%s': %w", plan, err)
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir != "" {
		logDir, err = filepath.Abs(logDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
		}
	}

	backoff := ctx.Duration(flags.RetryBackoff.Name)
	maxBackoff := ctx.Duration(flags.RetryMaxBackoff.Name)
	if backoff > 0 && maxBackoff > 0 && maxBackoff < backoff {
		return nil, fmt.Errorf("retry-max-backoff (%s) must not be below retry-backoff (%s)", maxBackoff, backoff)
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}
	var metricsAddr string
	if metricsCfg.Enabled {
		metricsAddr = net.JoinHostPort(metricsCfg.ListenAddr, strconv.Itoa(metricsCfg.ListenPort))
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)

	return &Config{
		PlanFile:         absPlan,
		RunInterval:      runInterval,
		RunOnce:          runInterval == 0,
		Concurrency:      ctx.Int(flags.Concurrency.Name),
		DefaultRetries:   ctx.Int(flags.DefaultRetries.Name),
		RetryBackoff:     backoff,
		RetryMaxBackoff:  maxBackoff,
		DispatchRate:     ctx.Float64(flags.DispatchRate.Name),
		DefaultTimeout:   ctx.Duration(flags.DefaultTimeout.Name),
		TeardownTimeout:  ctx.Duration(flags.TeardownTimeout.Name),
		ShowProgress:     ctx.Bool(flags.ShowProgress.Name),
		ProgressInterval: ctx.Duration(flags.ProgressInterval.Name),
		LogDir:           logDir,
		HealthzAddr:      ctx.String(flags.HealthzAddr.Name),
		MetricsAddr:      metricsAddr,
		Log:              log,
	}, nil
}

// Snapshot returns the effective configuration of the run with the given ID.
func (c *Config) Snapshot(runID string) *types.EffectiveConfigSnapshot {
	return &types.EffectiveConfigSnapshot{
		Scheduler: types.SchedulerConfigSnapshot{
			Concurrency:      c.Concurrency,
			DefaultTimeout:   c.DefaultTimeout,
			TeardownTimeout:  c.TeardownTimeout,
			DispatchRate:     c.DispatchRate,
			ShowProgress:     c.ShowProgress,
			ProgressInterval: c.ProgressInterval,
		},
		Retry: types.RetryConfigSnapshot{
			DefaultAttempts: c.DefaultRetries + 1,
			InitialBackoff:  c.RetryBackoff,
			MaxBackoff:      c.RetryMaxBackoff,
		},
		Execution: types.ExecutionConfigSnapshot{
			RunInterval: c.RunInterval,
			RunOnce:     c.RunOnce,
		},
		Paths: types.PathsConfigSnapshot{
			PlanFile: c.PlanFile,
			LogDir:   c.LogDir,
		},
		RunID: runID,
	}
}
