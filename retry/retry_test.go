package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

func intPtr(i int) *int { return &i }

func newPolicy(cfg Config) *Policy {
	return NewPolicy(cfg, log.NewLogger(log.DiscardHandler()))
}

func TestPolicy_Attempts(t *testing.T) {
	tests := []struct {
		name   string
		def    int
		policy types.RetryPolicy
		want   int
	}{
		{name: "nothing configured", want: 1},
		{name: "configured default", def: 4, want: 4},
		{name: "assembly", def: 4, policy: types.RetryPolicy{Assembly: intPtr(2)}, want: 2},
		{name: "class beats assembly", policy: types.RetryPolicy{Class: intPtr(3), Assembly: intPtr(2)}, want: 3},
		{name: "method beats class", policy: types.RetryPolicy{Method: intPtr(5), Class: intPtr(3), Assembly: intPtr(2)}, want: 5},
		{name: "zero means single attempt", policy: types.RetryPolicy{Method: intPtr(0)}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPolicy(Config{DefaultAttempts: tt.def})
			assert.Equal(t, tt.want, p.Attempts(&types.TestDescriptor{Retry: tt.policy}))
		})
	}
}

func TestPolicy_PassesOnThirdAttempt(t *testing.T) {
	p := newPolicy(Config{})
	desc := &types.TestDescriptor{ID: "T", Retry: types.RetryPolicy{Method: intPtr(3)}}

	var seen []int
	n, err := p.Run(context.Background(), desc, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestPolicy_ExhaustsAttempts(t *testing.T) {
	p := newPolicy(Config{})
	desc := &types.TestDescriptor{ID: "T", Retry: types.RetryPolicy{Method: intPtr(2)}}

	calls := 0
	n, err := p.Run(context.Background(), desc, func(context.Context, int) error {
		calls++
		return errors.New("always")
	})
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, calls)
	assert.Equal(t, types.TestStatusFail, types.StatusOf(err))
}

func TestPolicy_SkipAndCancellationAreNotRetried(t *testing.T) {
	desc := &types.TestDescriptor{ID: "T", Retry: types.RetryPolicy{Method: intPtr(5)}}

	for name, fail := range map[string]error{
		"skip":     types.Skip("not today"),
		"cancel":   &types.CancellationError{Err: context.Canceled},
		"canceled": context.Canceled,
	} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			n, err := newPolicy(Config{}).Run(context.Background(), desc, func(context.Context, int) error {
				calls++
				return fail
			})
			assert.Equal(t, 1, n)
			assert.Equal(t, 1, calls)
			assert.ErrorIs(t, err, fail)
		})
	}
}

func TestPolicy_ShouldRetryPredicate(t *testing.T) {
	permanent := errors.New("permanent")
	desc := &types.TestDescriptor{
		ID: "T",
		Retry: types.RetryPolicy{
			Method:      intPtr(5),
			ShouldRetry: func(err error, _ int) bool { return !errors.Is(err, permanent) },
		},
	}
	n, err := newPolicy(Config{}).Run(context.Background(), desc, func(_ context.Context, attempt int) error {
		if attempt == 2 {
			return permanent
		}
		return errors.New("transient")
	})
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, permanent)
}

func TestPolicy_Backoff(t *testing.T) {
	p := newPolicy(Config{InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond})
	desc := &types.TestDescriptor{ID: "T", Retry: types.RetryPolicy{Method: intPtr(3)}}

	start := time.Now()
	n, err := p.Run(context.Background(), desc, func(context.Context, int) error { return errors.New("x") })
	require.Error(t, err)
	assert.Equal(t, 3, n)
	// Two waits with randomisation factor 0.5 around 5ms and 7.5ms.
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestPolicy_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := newPolicy(Config{}).Run(ctx, &types.TestDescriptor{ID: "T"}, func(context.Context, int) error {
		t.Fatal("attempt must not run")
		return nil
	})
	assert.Zero(t, n)
	assert.True(t, types.IsCancellation(err))
}

func TestPolicy_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newPolicy(Config{InitialInterval: time.Hour, MaxInterval: time.Hour})
	desc := &types.TestDescriptor{ID: "T", Retry: types.RetryPolicy{Method: intPtr(3)}}

	n, err := p.Run(ctx, desc, func(context.Context, int) error {
		cancel()
		return errors.New("x")
	})
	assert.Equal(t, 1, n)
	assert.EqualError(t, err, "x")
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(types.Skip("s")))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(types.NewConfigurationError("T", "bad")))
	assert.True(t, Retryable(errors.New("boom")))
	assert.True(t, Retryable(&types.SetupError{Scope: types.ScopeTest, Err: errors.New("fixture")}))
}
