package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_SCHEDULER"

var (
	Plan = &cli.StringFlag{
		Name:     "plan",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "PLAN"),
		Usage:    "Path to the test plan file (eg. 'plan.yaml')",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Number of concurrent test workers. 0 picks a value from the CPU count.",
		Action:  validateNonNegative("concurrency"),
	}
	DefaultRetries = &cli.IntFlag{
		Name:    "default-retries",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEFAULT_RETRIES"),
		Usage:   "Retries for tests whose method, class and assembly set no attempts",
		Action:  validateNonNegative("default-retries"),
	}
	RetryBackoff = &cli.DurationFlag{
		Name:    "retry-backoff",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RETRY_BACKOFF"),
		Usage:   "Initial delay between attempts of a test, growing exponentially. 0 retries immediately.",
	}
	RetryMaxBackoff = &cli.DurationFlag{
		Name:    "retry-max-backoff",
		Value:   10 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RETRY_MAX_BACKOFF"),
		Usage:   "Upper bound of the delay between attempts",
	}
	DispatchRate = &cli.Float64Flag{
		Name:    "dispatch-rate",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DISPATCH_RATE"),
		Usage:   "Maximum test starts per second. 0 disables the limit.",
		Action: func(_ *cli.Context, v float64) error {
			if v < 0 {
				return fmt.Errorf("dispatch-rate must not be negative, got %v", v)
			}
			return nil
		},
	}
	DefaultTimeout = &cli.DurationFlag{
		Name:    "default-timeout",
		Value:   10 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEFAULT_TIMEOUT"),
		Usage:   "Default timeout of a test body without its own timeout. 0 disables it.",
	}
	TeardownTimeout = &cli.DurationFlag{
		Name:    "teardown-timeout",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEARDOWN_TIMEOUT"),
		Usage:   "Timeout for after hooks and fixture disposal",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between test runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	ShowProgress = &cli.BoolFlag{
		Name:    "show-progress",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_PROGRESS"),
		Usage:   "Log periodic progress updates during a run",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress updates when --show-progress is set",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory to store per-run result logs. Empty disables them.",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "0.0.0.0:8080",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Listen address of the healthz server. Empty disables it.",
	}
)

var requiredFlags = []cli.Flag{
	Plan,
}

var optionalFlags = []cli.Flag{
	Concurrency,
	DefaultRetries,
	RetryBackoff,
	RetryMaxBackoff,
	DispatchRate,
	DefaultTimeout,
	TeardownTimeout,
	RunInterval,
	ShowProgress,
	ProgressInterval,
	LogDir,
	HealthzAddr,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}

func validateNonNegative(name string) func(*cli.Context, int) error {
	return func(_ *cli.Context, v int) error {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
		return nil
	}
}
