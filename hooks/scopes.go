package hooks

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// scope is one session, assembly or class instance in a run.
type scope struct {
	kind     types.ScopeKind
	key      string
	assembly string
	class    string
	chain    []string

	remaining atomic.Int64 // Planned tests that have not left yet

	mu      sync.Mutex
	entered bool
	outcome error // Memoised result of the before hooks
}

func (s *scope) memo() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entered, s.outcome
}

// Scopes tracks scope entry and exit for one run. Before hooks of a scope run
// once, when its first test enters; after hooks run once, when its last
// planned test leaves, and only if the scope was entered.
type Scopes struct {
	p          *Pipeline
	session    *scope
	assemblies map[string]*scope // Immutable after Plan
	classes    map[string]*scope
	flight     singleflight.Group
}

func classScopeKey(assembly, class string) string {
	return assembly + "\x00" + class
}

// Plan creates scope tracking for descs, every one of which must eventually
// be passed to Leave exactly once.
func (p *Pipeline) Plan(descs []*types.TestDescriptor) *Scopes {
	s := &Scopes{
		p:          p,
		session:    &scope{kind: types.ScopeSession, key: "session"},
		assemblies: make(map[string]*scope),
		classes:    make(map[string]*scope),
	}
	for _, d := range descs {
		s.session.remaining.Add(1)

		a, ok := s.assemblies[d.Assembly]
		if !ok {
			a = &scope{kind: types.ScopeAssembly, key: "assembly/" + d.Assembly, assembly: d.Assembly}
			s.assemblies[d.Assembly] = a
		}
		a.remaining.Add(1)

		if d.ClassName == "" {
			continue
		}
		key := classScopeKey(d.Assembly, d.ClassName)
		c, ok := s.classes[key]
		if !ok {
			c = &scope{
				kind:     types.ScopeClass,
				key:      "class/" + strings.ReplaceAll(key, "\x00", "/"),
				assembly: d.Assembly,
				class:    d.ClassName,
				chain:    d.Chain(),
			}
			s.classes[key] = c
		}
		c.remaining.Add(1)
	}
	return s
}

func (s *Scopes) chainOf(d *types.TestDescriptor) []*scope {
	out := []*scope{s.session, s.assemblies[d.Assembly]}
	if d.ClassName != "" {
		out = append(out, s.classes[classScopeKey(d.Assembly, d.ClassName)])
	}
	return out
}

func (s *Scopes) hooksOf(sc *scope, stage types.HookStage) []types.Hook {
	switch sc.kind {
	case types.ScopeSession:
		return s.p.ForSession(stage)
	case types.ScopeAssembly:
		return s.p.ForAssembly(sc.assembly, stage)
	default:
		return s.p.ForClass(sc.chain, stage)
	}
}

func (s *Scopes) hookContext(sc *scope) *types.HookContext {
	return &types.HookContext{
		Scope:    sc.kind,
		Assembly: sc.assembly,
		Class:    sc.class,
		Log:      s.p.log.New("scope", sc.key),
	}
}

// Enter makes sure the session, assembly and class scopes of desc are set up
// and returns the first setup outcome that prevents desc from running: a
// SetupError, or a skip requested by a before hook.
func (s *Scopes) Enter(ctx context.Context, desc *types.TestDescriptor) error {
	for _, sc := range s.chainOf(desc) {
		if err := s.enter(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scopes) enter(ctx context.Context, sc *scope) error {
	if entered, outcome := sc.memo(); entered {
		return outcome
	}
	_, err, _ := s.flight.Do(sc.key, func() (any, error) {
		if entered, outcome := sc.memo(); entered {
			return nil, outcome
		}
		outcome := s.p.RunBefore(ctx, s.hooksOf(sc, types.StageBefore), s.hookContext(sc))
		sc.mu.Lock()
		sc.entered = true
		sc.outcome = outcome
		sc.mu.Unlock()
		return nil, outcome
	})
	return err
}

// Leave records that desc is terminal. When it is the last planned test of a
// scope that was entered, that scope's after hooks run. Scopes are left
// innermost first.
func (s *Scopes) Leave(ctx context.Context, desc *types.TestDescriptor) error {
	chain := s.chainOf(desc)
	var errs error
	for i := len(chain) - 1; i >= 0; i-- {
		sc := chain[i]
		if sc.remaining.Add(-1) != 0 {
			continue
		}
		if entered, _ := sc.memo(); !entered {
			continue
		}
		errs = multierr.Append(errs, s.p.RunAfter(ctx, s.hooksOf(sc, types.StageAfter), s.hookContext(sc)))
	}
	return errs
}
