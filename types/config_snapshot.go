package types

import "time"

// EffectiveConfigSnapshot represents the effective runtime configuration grouped by domain.
type EffectiveConfigSnapshot struct {
	Scheduler SchedulerConfigSnapshot `json:"scheduler"`
	Retry     RetryConfigSnapshot     `json:"retry"`
	Execution ExecutionConfigSnapshot `json:"execution"`
	Paths     PathsConfigSnapshot     `json:"paths"`

	// Metadata
	RunID string `json:"runId,omitempty"`
}

type SchedulerConfigSnapshot struct {
	Concurrency      int           `json:"concurrency"`
	DefaultTimeout   time.Duration `json:"defaultTimeout"`
	TeardownTimeout  time.Duration `json:"teardownTimeout"`
	DispatchRate     float64       `json:"dispatchRate"`
	ShowProgress     bool          `json:"showProgress"`
	ProgressInterval time.Duration `json:"progressInterval"`
}

type RetryConfigSnapshot struct {
	DefaultAttempts int           `json:"defaultAttempts"`
	InitialBackoff  time.Duration `json:"initialBackoff"`
	MaxBackoff      time.Duration `json:"maxBackoff"`
}

type ExecutionConfigSnapshot struct {
	RunInterval time.Duration `json:"runInterval"`
	RunOnce     bool          `json:"runOnce"`
}

type PathsConfigSnapshot struct {
	PlanFile string `json:"planFile"`
	LogDir   string `json:"logDir,omitempty"`
}
