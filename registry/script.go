package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// Outcomes a script step can produce.
const (
	OutcomePass  = "pass"
	OutcomeFail  = "fail"
	OutcomeSkip  = "skip"
	OutcomePanic = "panic"
)

// ErrScriptedFailure is returned by scripted steps with outcome fail.
var ErrScriptedFailure = errors.New("scripted failure")

// Script simulates the behavior of a test body, hook or fixture setup. Each
// call takes Duration and yields the next outcome; the last outcome repeats.
type Script struct {
	Outcomes []string      `yaml:"outcomes,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Reason   string        `yaml:"reason,omitempty"`
}

func (s *Script) validate() error {
	if s == nil {
		return nil
	}
	for _, o := range s.Outcomes {
		switch strings.ToLower(o) {
		case OutcomePass, OutcomeFail, OutcomeSkip, OutcomePanic:
		default:
			return fmt.Errorf("unknown script outcome %q", o)
		}
	}
	if s.Duration < 0 {
		return fmt.Errorf("negative script duration %s", s.Duration)
	}
	return nil
}

func (s *Script) outcome(call int) string {
	if s == nil || len(s.Outcomes) == 0 {
		return OutcomePass
	}
	return strings.ToLower(s.Outcomes[min(call, len(s.Outcomes)-1)])
}

// play waits out the duration and returns the outcome of the given call.
func (s *Script) play(ctx context.Context, call int, what string) error {
	if s != nil && s.Duration > 0 {
		timer := time.NewTimer(s.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	switch s.outcome(call) {
	case OutcomeFail:
		if s.Reason != "" {
			return fmt.Errorf("%s: %w: %s", what, ErrScriptedFailure, s.Reason)
		}
		return fmt.Errorf("%s: %w", what, ErrScriptedFailure)
	case OutcomeSkip:
		reason := s.Reason
		if reason == "" {
			reason = "scripted skip"
		}
		return types.Skip(reason)
	case OutcomePanic:
		panic(fmt.Sprintf("%s: scripted panic", what))
	}
	return nil
}

// Body returns a test body playing the script, one outcome per attempt.
func (s *Script) Body() types.TestFunc {
	return func(ctx context.Context, tc *types.TestContext) error {
		return s.play(ctx, tc.Attempt-1, string(tc.Descriptor.ID))
	}
}

// Hook returns a hook function playing the script, one outcome per call.
func (s *Script) Hook(name string) types.HookFunc {
	var calls atomic.Int64
	return func(ctx context.Context, hc *types.HookContext) error {
		return s.play(ctx, int(calls.Add(1)-1), name)
	}
}

// ScriptedFixture is the instance built for a fixture declared in a plan.
type ScriptedFixture struct {
	Type     string
	Deps     []any
	disposed atomic.Bool
}

// Dispose marks the fixture disposed. Disposing twice is an error.
func (f *ScriptedFixture) Dispose(context.Context) error {
	if !f.disposed.CompareAndSwap(false, true) {
		return fmt.Errorf("fixture %s disposed twice", f.Type)
	}
	return nil
}

// Disposed reports whether Dispose was called.
func (f *ScriptedFixture) Disposed() bool {
	return f.disposed.Load()
}

// Factory returns a fixture factory playing the script once per construction.
func (s *Script) Factory(typ string) types.FixtureFactory {
	var calls atomic.Int64
	return func(ctx context.Context, deps []any) (any, error) {
		if err := s.play(ctx, int(calls.Add(1)-1), "fixture "+typ); err != nil {
			return nil, err
		}
		return &ScriptedFixture{Type: typ, Deps: deps}, nil
	}
}
