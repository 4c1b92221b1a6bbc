package runner

import "time"

const (
	// DefaultTestTimeout is the default timeout for individual test bodies.
	// Zero means test bodies are only bounded by the run context.
	DefaultTestTimeout = 10 * time.Minute

	// DefaultTeardownTimeout bounds after hooks and fixture releases once the
	// run context is gone.
	DefaultTeardownTimeout = 30 * time.Second

	// MaxReasonableConcurrency caps auto-determined concurrency to avoid resource exhaustion
	MaxReasonableConcurrency = 32
)
