// Package hooks runs the before and after callbacks registered for the
// session, assembly, class and test scopes, and notifies lifecycle listeners.
package hooks

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

const DefaultTeardownTimeout = 30 * time.Second

// Pipeline holds the hook registrations of a run. Register everything before
// the first lookup; ordered sequences are resolved once per scope key and
// cached.
type Pipeline struct {
	log             log.Logger
	tracer          trace.Tracer
	teardownTimeout time.Duration

	hooks     []types.Hook
	resolved  sync.Map // string -> []types.Hook
	listeners listeners
}

// NewPipeline creates an empty pipeline. A zero teardown timeout selects
// DefaultTeardownTimeout.
func NewPipeline(logger log.Logger, teardownTimeout time.Duration) *Pipeline {
	if logger == nil {
		logger = log.Root()
	}
	if teardownTimeout <= 0 {
		teardownTimeout = DefaultTeardownTimeout
	}
	return &Pipeline{
		log:             logger.New("component", "hooks"),
		tracer:          otel.Tracer("hooks"),
		teardownTimeout: teardownTimeout,
	}
}

// Register adds a hook. Sequence numbers are assigned in registration order
// unless the hook already carries one.
func (p *Pipeline) Register(h types.Hook) error {
	if h.Fn == nil {
		return fmt.Errorf("hook %q has no function", h.Name)
	}
	if h.Seq == 0 {
		h.Seq = len(p.hooks) + 1
	}
	if h.Name == "" {
		h.Name = fmt.Sprintf("%s-%s-%d", h.Scope, h.Stage, h.Seq)
	}
	p.hooks = append(p.hooks, h)
	return nil
}

// Hooks returns the registered hooks.
func (p *Pipeline) Hooks() []types.Hook {
	return slices.Clone(p.hooks)
}

func byOrder(a, b types.Hook) int {
	return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.Seq, b.Seq))
}

func (p *Pipeline) cached(key string, build func() []types.Hook) []types.Hook {
	if v, ok := p.resolved.Load(key); ok {
		return v.([]types.Hook)
	}
	v, _ := p.resolved.LoadOrStore(key, build())
	return v.([]types.Hook)
}

func (p *Pipeline) filter(match func(types.Hook) bool) []types.Hook {
	var out []types.Hook
	for _, h := range p.hooks {
		if match(h) {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, byOrder)
	return out
}

// ForSession returns the session hooks of stage.
func (p *Pipeline) ForSession(stage types.HookStage) []types.Hook {
	return p.cached(fmt.Sprintf("session/%d", stage), func() []types.Hook {
		return p.filter(func(h types.Hook) bool {
			return h.Scope == types.ScopeSession && h.Stage == stage
		})
	})
}

// ForAssembly returns the hooks of stage that apply to assembly.
func (p *Pipeline) ForAssembly(assembly string, stage types.HookStage) []types.Hook {
	return p.cached(fmt.Sprintf("assembly/%d/%s", stage, assembly), func() []types.Hook {
		return p.filter(func(h types.Hook) bool {
			return h.Scope == types.ScopeAssembly && h.Stage == stage && (h.Assembly == "" || h.Assembly == assembly)
		})
	})
}

// ForClass returns the class hooks of stage for a concrete class given its
// chain, outermost ancestor first on entry and innermost class first on exit.
func (p *Pipeline) ForClass(chain []string, stage types.HookStage) []types.Hook {
	return p.chained(types.ScopeClass, chain, stage)
}

// ForTest returns the test hooks of stage that wrap desc.
func (p *Pipeline) ForTest(desc *types.TestDescriptor, stage types.HookStage) []types.Hook {
	return p.chained(types.ScopeTest, desc.Chain(), stage)
}

// chained flattens hooks of scope along a class chain. Hooks without a class
// apply to every class and sit outside the chain.
func (p *Pipeline) chained(scope types.ScopeKind, chain []string, stage types.HookStage) []types.Hook {
	key := fmt.Sprintf("%s/%d/%s", scope, stage, strings.Join(chain, "\x00"))
	return p.cached(key, func() []types.Hook {
		levels := append([]string{""}, chain...)
		if stage == types.StageAfter {
			slices.Reverse(levels)
		}
		var out []types.Hook
		for _, class := range levels {
			out = append(out, p.filter(func(h types.Hook) bool {
				return h.Scope == scope && h.Stage == stage && h.Class == class
			})...)
		}
		return out
	})
}

// RunBefore runs hooks in order and stops at the first failure or skip
// request. Failures are returned as a SetupError; skips as they were raised.
func (p *Pipeline) RunBefore(ctx context.Context, hooks []types.Hook, hc *types.HookContext) error {
	if len(hooks) == 0 {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("%s before", hc.Scope))
	defer span.End()

	hc.Stage = types.StageBefore
	for _, h := range hooks {
		err := p.invoke(ctx, h, hc)
		if err == nil {
			continue
		}
		if types.IsSkip(err) {
			p.log.Info("Hook requested skip", "hook", h.Name, "scope", hc.Scope, "err", err)
			return err
		}
		span.RecordError(err)
		return &types.SetupError{Scope: hc.Scope, Phase: types.StageBefore, Name: h.Name, Err: err}
	}
	return nil
}

// RunAfter runs every hook regardless of earlier failures and returns the
// combined failures. It ignores cancellation of ctx and bounds the whole
// sequence with the teardown timeout.
func (p *Pipeline) RunAfter(ctx context.Context, hooks []types.Hook, hc *types.HookContext) error {
	if len(hooks) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.teardownTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("%s after", hc.Scope))
	defer span.End()

	hc.Stage = types.StageAfter
	var errs error
	for _, h := range hooks {
		if err := p.invoke(ctx, h, hc); err != nil && !types.IsSkip(err) {
			span.RecordError(err)
			errs = multierr.Append(errs, &types.SetupError{Scope: hc.Scope, Phase: types.StageAfter, Name: h.Name, Err: err})
		}
	}
	return errs
}

func (p *Pipeline) invoke(ctx context.Context, h types.Hook, hc *types.HookContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", h.Name, r)
		}
	}()
	start := time.Now()
	err = h.Fn(ctx, hc)
	if errors.Is(err, context.DeadlineExceeded) && hc.Stage == types.StageAfter {
		p.log.Warn("Teardown hook exceeded timeout", "hook", h.Name, "timeout", p.teardownTimeout)
	}
	p.log.Debug("Ran hook", "hook", h.Name, "scope", hc.Scope, "stage", hc.Stage, "duration", time.Since(start), "err", err)
	return err
}
