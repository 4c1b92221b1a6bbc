package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-scheduler/fixture"
	"github.com/ethereum-optimism/infra/op-scheduler/hooks"
	"github.com/ethereum-optimism/infra/op-scheduler/retry"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// testExecutor runs one admitted test: scope entry, then every attempt with
// its fixtures, test hooks and body.
type testExecutor struct {
	log             log.Logger
	tracer          trace.Tracer
	pipeline        *hooks.Pipeline
	retry           *retry.Policy
	fixtures        *fixture.Manager
	scopes          *hooks.Scopes
	defaultTimeout  time.Duration
	teardownTimeout time.Duration
	teardownErr     func(error)
}

// execute always returns a terminal result.
func (e *testExecutor) execute(ctx context.Context, desc *types.TestDescriptor) *types.ExecutionResult {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("test %s", desc.DisplayName()))
	defer span.End()

	res := &types.ExecutionResult{
		ID:         desc.ID,
		Descriptor: desc,
		Start:      time.Now(),
	}

	if err := ctx.Err(); err != nil {
		res.Err = &types.CancellationError{Err: err}
	} else if err := e.scopes.Enter(ctx, desc); err != nil {
		res.Err = err
	} else {
		res.Attempts, res.Err = e.retry.Run(ctx, desc, func(ctx context.Context, n int) error {
			return e.attempt(ctx, desc, n)
		})
	}

	res.Status = types.StatusOf(res.Err)
	res.End = time.Now()
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("attempts", res.Attempts),
	)
	return res
}

// attempt runs a single attempt. Fixtures acquired here are released before
// it returns, whatever the outcome.
func (e *testExecutor) attempt(ctx context.Context, desc *types.TestDescriptor, n int) error {
	logger := e.log.New("test", desc.ID, "attempt", n)
	tc := &types.TestContext{Descriptor: desc, Attempt: n, Log: logger}

	var refs []*fixture.Ref
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.teardownTimeout)
		defer cancel()
		for i := len(refs) - 1; i >= 0; i-- {
			if err := e.fixtures.Release(teardownCtx, refs[i]); err != nil {
				logger.Warn("Failed to release fixture", "fixture", refs[i].Handle(), "err", err)
				e.teardownErr(err)
			}
		}
	}()

	for _, req := range desc.Fixtures {
		ref, err := e.fixtures.Acquire(ctx, desc, req)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
		tc.Fixtures = append(tc.Fixtures, ref.Instance())
	}

	hc := &types.HookContext{
		Scope:    types.ScopeTest,
		Assembly: desc.Assembly,
		Class:    desc.ClassName,
		Test:     tc,
		Log:      logger,
	}
	err := e.pipeline.RunBefore(ctx, e.pipeline.ForTest(desc, types.StageBefore), hc)
	if err == nil {
		e.pipeline.NotifyStart(ctx, tc)
		err = e.runBody(ctx, desc, tc)
	}

	if afterErr := e.pipeline.RunAfter(ctx, e.pipeline.ForTest(desc, types.StageAfter), hc); afterErr != nil {
		if err == nil {
			err = afterErr
		} else {
			logger.Warn("Test teardown failed after earlier error", "err", afterErr)
		}
	}
	return err
}

// runBody runs the test body under its timeout. Once the timeout or the run
// context fires, the body's context is cancelled and runBody waits for the
// body to return, so the lease, exclusivity keys and fixtures of the attempt
// are never released under a body that is still running.
func (e *testExecutor) runBody(ctx context.Context, desc *types.TestDescriptor, tc *types.TestContext) error {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	var (
		bodyCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		bodyCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("test panicked: %v", r)
			}
		}()
		done <- desc.Body(bodyCtx, tc)
	}()

	var err error
	select {
	case err = <-done:
	case <-bodyCtx.Done():
		err = e.awaitBody(tc, done, bodyCtx.Err())
	}

	switch {
	case err == nil:
		return nil
	case types.IsSkip(err):
		return err
	case ctx.Err() != nil:
		return &types.CancellationError{Err: err}
	case errors.Is(err, context.DeadlineExceeded) && bodyCtx.Err() != nil:
		return &types.ExecutionFailure{Test: desc.ID, Attempt: tc.Attempt, Err: fmt.Errorf("timed out after %s: %w", timeout, err)}
	default:
		return &types.ExecutionFailure{Test: desc.ID, Attempt: tc.Attempt, Err: err}
	}
}

// awaitBody waits for a body whose context is already done. A body that
// returns nil after that still ends with cause.
func (e *testExecutor) awaitBody(tc *types.TestContext, done <-chan error, cause error) error {
	grace := time.NewTimer(e.teardownTimeout)
	defer grace.Stop()

	var err error
	select {
	case err = <-done:
	case <-grace.C:
		tc.Log.Warn("Test body ignores cancellation, still waiting for it", "err", cause, "waited", e.teardownTimeout)
		err = <-done
	}
	if err == nil {
		return cause
	}
	return err
}
