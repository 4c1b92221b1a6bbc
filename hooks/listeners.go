package hooks

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// DiscoveryListener observes the final descriptor set before anything runs.
type DiscoveryListener interface {
	OnDiscovery(ctx context.Context, descs []*types.TestDescriptor) error
}

// TestStartListener observes every attempt of a test right before its body.
type TestStartListener interface {
	OnTestStart(ctx context.Context, tc *types.TestContext) error
}

// TestEndListener observes every terminal result.
type TestEndListener interface {
	OnTestEnd(ctx context.Context, result *types.ExecutionResult) error
}

// TestSkippedListener observes terminal results with status skip.
type TestSkippedListener interface {
	OnTestSkipped(ctx context.Context, result *types.ExecutionResult) error
}

type listeners struct {
	discovery []DiscoveryListener
	start     []TestStartListener
	end       []TestEndListener
	skipped   []TestSkippedListener
	failures  atomic.Int64
}

// Listen registers l for every listener interface it implements.
func (p *Pipeline) Listen(l any) error {
	matched := false
	if v, ok := l.(DiscoveryListener); ok {
		p.listeners.discovery = append(p.listeners.discovery, v)
		matched = true
	}
	if v, ok := l.(TestStartListener); ok {
		p.listeners.start = append(p.listeners.start, v)
		matched = true
	}
	if v, ok := l.(TestEndListener); ok {
		p.listeners.end = append(p.listeners.end, v)
		matched = true
	}
	if v, ok := l.(TestSkippedListener); ok {
		p.listeners.skipped = append(p.listeners.skipped, v)
		matched = true
	}
	if !matched {
		return fmt.Errorf("%T implements no listener interface", l)
	}
	return nil
}

// ListenerFailures returns how many listener invocations returned an error
// or panicked.
func (p *Pipeline) ListenerFailures() int64 {
	return p.listeners.failures.Load()
}

func (p *Pipeline) notify(event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.listeners.failures.Add(1)
			p.log.Error("Listener panicked", "event", event, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		p.listeners.failures.Add(1)
		p.log.Warn("Listener failed", "event", event, "err", err)
	}
}

// NotifyDiscovery calls every discovery listener in registration order.
func (p *Pipeline) NotifyDiscovery(ctx context.Context, descs []*types.TestDescriptor) {
	for _, l := range p.listeners.discovery {
		p.notify("discovery", func() error { return l.OnDiscovery(ctx, descs) })
	}
}

// NotifyStart calls every test start listener in registration order.
func (p *Pipeline) NotifyStart(ctx context.Context, tc *types.TestContext) {
	for _, l := range p.listeners.start {
		p.notify("test start", func() error { return l.OnTestStart(ctx, tc) })
	}
}

// NotifyEnd calls the end listeners, and the skipped listeners first when
// the result is a skip.
func (p *Pipeline) NotifyEnd(ctx context.Context, result *types.ExecutionResult) {
	if result.Status == types.TestStatusSkip {
		for _, l := range p.listeners.skipped {
			p.notify("test skipped", func() error { return l.OnTestSkipped(ctx, result) })
		}
	}
	for _, l := range p.listeners.end {
		p.notify("test end", func() error { return l.OnTestEnd(ctx, result) })
	}
}
