// Package retry resolves how many attempts a test gets and drives the
// attempt loop.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

const DefaultAttempts = 1

// Config holds run-wide retry settings.
type Config struct {
	// DefaultAttempts applies when no scope overrides it. Values below 1 mean 1.
	DefaultAttempts int
	// InitialInterval is the first delay between attempts. Zero disables waiting.
	InitialInterval time.Duration
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
}

// Policy runs attempts of a test until it passes, is skipped, is cancelled or
// runs out of attempts.
type Policy struct {
	cfg Config
	log log.Logger
}

// NewPolicy creates a retry policy.
func NewPolicy(cfg Config, logger log.Logger) *Policy {
	if logger == nil {
		logger = log.Root()
	}
	return &Policy{cfg: cfg, log: logger.New("component", "retry")}
}

// Attempts returns the effective maximum number of attempts for desc: the
// method override wins over the class override, which wins over the assembly
// override, which wins over the configured default.
func (p *Policy) Attempts(desc *types.TestDescriptor) int {
	n := p.cfg.DefaultAttempts
	for _, override := range []*int{desc.Retry.Method, desc.Retry.Class, desc.Retry.Assembly} {
		if override != nil {
			n = *override
			break
		}
	}
	if n < 1 {
		return DefaultAttempts
	}
	return n
}

// Retryable reports whether err may be followed by another attempt.
func Retryable(err error) bool {
	if err == nil || types.IsSkip(err) || types.IsCancellation(err) {
		return false
	}
	return types.StatusOf(err) == types.TestStatusFail && !types.IsConfigurationError(err)
}

// AttemptFunc runs attempt n (1-based) of a test.
type AttemptFunc func(ctx context.Context, n int) error

// Run calls attempt until it succeeds or the policy gives up. It returns the
// number of attempts made and the error of the last one.
func (p *Policy) Run(ctx context.Context, desc *types.TestDescriptor, attempt AttemptFunc) (int, error) {
	maxAttempts := p.Attempts(desc)
	bo := p.newBackOff()

	var err error
	n := 0
	for n < maxAttempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if n == 0 {
				return 0, &types.CancellationError{Err: ctxErr}
			}
			break
		}
		n++
		err = attempt(ctx, n)
		if !Retryable(err) {
			return n, err
		}
		if n >= maxAttempts {
			break
		}
		if should := desc.Retry.ShouldRetry; should != nil && !should(err, n) {
			p.log.Debug("Retry declined by predicate", "test", desc.ID, "attempt", n)
			break
		}

		p.log.Info("Retrying test", "test", desc.ID, "attempt", n, "max", maxAttempts, "err", err)
		if bo == nil {
			continue
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return n, err
		}
	}
	return n, err
}

func (p *Policy) newBackOff() backoff.BackOff {
	if p.cfg.InitialInterval <= 0 {
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialInterval
	if p.cfg.MaxInterval > 0 {
		bo.MaxInterval = p.cfg.MaxInterval
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
