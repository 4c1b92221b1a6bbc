package registry

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// Definition is a registered test method. A definition expands into one
// descriptor per data row and repetition, built afresh for every run because
// descriptor result slots are written once.
type Definition struct {
	Name         string
	ClassName    string
	ClassChain   []string
	Assembly     string
	ParamTypes   []string
	Args         int // Number of data rows; 0 means the method takes no data
	Repeat       int // Extra repetitions of every row
	Dependencies []types.DependencyRef
	Constraints  types.Constraints
	Retry        types.RetryPolicy
	Fixtures     []types.FixtureRequest
	Timeout      time.Duration
	Body         types.TestFunc
}

func (d *Definition) key() string {
	return d.ClassName + "." + d.Name + "(" + strings.Join(d.ParamTypes, ",") + ")"
}

// Registry manages test definitions, hooks, fixture specs and limiter
// capacities, whether registered in code or loaded from a plan
type Registry struct {
	config   Config
	mu       sync.RWMutex
	defs     []Definition
	hooks    []types.Hook
	fixtures map[string]*types.FixtureSpec
	limiters map[string]int
}

// Config contains registry configuration
type Config struct {
	Log      log.Logger
	PlanFile string // Optional plan loaded on creation
}

// NewRegistry creates a new registry instance
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	r := &Registry{
		config:   cfg,
		fixtures: make(map[string]*types.FixtureSpec),
		limiters: make(map[string]int),
	}

	if cfg.PlanFile != "" {
		if err := r.LoadPlan(cfg.PlanFile); err != nil {
			return nil, fmt.Errorf("failed to load plan: %w", err)
		}
	}

	cfg.Log.Debug("Registry loaded", "definitions", len(r.defs), "hooks", len(r.hooks), "fixtures", len(r.fixtures))
	return r, nil
}

// GetConfig returns the registry configuration
func (r *Registry) GetConfig() Config {
	return r.config
}

// Register adds a test definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("test definition without a name")
	}
	if def.Args < 0 || def.Repeat < 0 {
		return fmt.Errorf("test %s: negative args or repeat count", def.key())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = append(r.defs, def)
	return nil
}

// RegisterHook adds a hook. Hooks keep their registration order as sequence.
func (r *Registry) RegisterHook(h types.Hook) error {
	if h.Fn == nil {
		return fmt.Errorf("hook %q has no function", h.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h.Seq == 0 {
		h.Seq = len(r.hooks) + 1
	}
	r.hooks = append(r.hooks, h)
	return nil
}

// RegisterFixture makes a fixture spec available to plans by its type.
func (r *Registry) RegisterFixture(spec *types.FixtureSpec) error {
	if spec == nil || spec.Type == "" {
		return fmt.Errorf("fixture spec without a type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fixtures[spec.Type]; ok {
		return fmt.Errorf("fixture %q registered twice", spec.Type)
	}
	r.fixtures[spec.Type] = spec
	return nil
}

// Fixture returns the fixture spec registered for typ, or nil.
func (r *Registry) Fixture(typ string) *types.FixtureSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fixtures[typ]
}

// Hooks returns the registered hooks
func (r *Registry) Hooks() []types.Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.hooks)
}

// Limiters returns the declared limiter capacities
func (r *Registry) Limiters() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.limiters)
}

// Definitions returns the registered definitions in registration order
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.defs)
}

// Descriptors expands every definition into fresh descriptors, in
// registration order. Each call returns new descriptors with empty result
// slots.
func (r *Registry) Descriptors() []*types.TestDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.TestDescriptor
	for i := range r.defs {
		out = r.defs[i].expand(out)
	}
	return out
}

func (d *Definition) expand(out []*types.TestDescriptor) []*types.TestDescriptor {
	rows := max(d.Args, 1)
	for row := 0; row < rows; row++ {
		argIndex := 0
		if d.Args > 0 {
			argIndex = row + 1
		}
		for rep := 0; rep <= d.Repeat; rep++ {
			out = append(out, &types.TestDescriptor{
				ID:           types.NewTestID(d.ClassName, d.Name, d.ParamTypes, argIndex, rep),
				Name:         d.Name,
				ClassName:    d.ClassName,
				ClassChain:   slices.Clone(d.ClassChain),
				Assembly:     d.Assembly,
				ParamTypes:   slices.Clone(d.ParamTypes),
				ArgIndex:     argIndex,
				RepeatIndex:  rep,
				Seq:          len(out),
				Dependencies: slices.Clone(d.Dependencies),
				Constraints: types.Constraints{
					NotInParallel:        slices.Clone(d.Constraints.NotInParallel),
					Order:                d.Constraints.Order,
					ClassNotInParallel:   d.Constraints.ClassNotInParallel,
					SessionNotInParallel: d.Constraints.SessionNotInParallel,
					ParallelLimit:        d.Constraints.ParallelLimit,
				},
				Retry:    d.Retry,
				Fixtures: slices.Clone(d.Fixtures),
				Timeout:  d.Timeout,
				Body:     d.Body,
			})
		}
	}
	return out
}

// LoadPlan loads a plan file and applies it
func (r *Registry) LoadPlan(path string) error {
	plan, err := LoadPlan(path)
	if err != nil {
		return err
	}
	return r.ApplyPlan(plan)
}

// ApplyPlan registers the fixtures, hooks, limiters and tests of a plan. A
// plan test matching an already registered definition overrides its
// settings; the registered body is kept unless the plan scripts one. Nothing
// is applied if any part of the plan is invalid.
func (r *Registry) ApplyPlan(p *Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiters := maps.Clone(r.limiters)
	for key, capacity := range p.Limiters {
		if capacity <= 0 {
			return fmt.Errorf("limiter %q: non-positive capacity %d", key, capacity)
		}
		limiters[key] = capacity
	}

	fixtures, err := r.planFixtures(p)
	if err != nil {
		return err
	}

	hooks := slices.Clone(r.hooks)
	for i, hc := range p.Hooks {
		h, err := planHook(hc, i)
		if err != nil {
			return err
		}
		h.Seq = len(hooks) + 1
		hooks = append(hooks, h)
	}

	defs := slices.Clone(r.defs)
	index := make(map[string]int, len(defs))
	for i := range defs {
		index[defs[i].key()] = i
	}
	for _, class := range p.Classes {
		if class.Abstract {
			continue
		}
		for _, tc := range class.Tests {
			def, err := planDefinition(p, &class, tc, fixtures, limiters)
			if err != nil {
				return err
			}
			if i, ok := index[def.key()]; ok {
				if tc.Script == nil && defs[i].Body != nil {
					def.Body = defs[i].Body
				}
				defs[i] = def
				continue
			}
			index[def.key()] = len(defs)
			defs = append(defs, def)
		}
	}

	r.limiters = limiters
	r.fixtures = fixtures
	r.hooks = hooks
	r.defs = defs
	r.config.Log.Info("Applied plan", "classes", len(p.Classes), "definitions", len(defs), "hooks", len(hooks), "limiters", len(limiters))
	return nil
}

// planFixtures builds the specs of scripted fixtures. Specs are created
// first so that requirements may reference fixtures declared later.
func (r *Registry) planFixtures(p *Plan) (map[string]*types.FixtureSpec, error) {
	fixtures := maps.Clone(r.fixtures)
	for _, fc := range p.Fixtures {
		if fc.Type == "" {
			return nil, fmt.Errorf("fixture without a type")
		}
		if _, ok := fixtures[fc.Type]; ok {
			return nil, fmt.Errorf("fixture %q declared twice", fc.Type)
		}
		if err := fc.Setup.validate(); err != nil {
			return nil, fmt.Errorf("fixture %q: %w", fc.Type, err)
		}
		fixtures[fc.Type] = &types.FixtureSpec{Type: fc.Type, New: fc.Setup.Factory(fc.Type)}
	}
	for _, fc := range p.Fixtures {
		spec := fixtures[fc.Type]
		for _, ref := range fc.Requires {
			req, err := fixtureRequest(ref, fixtures)
			if err != nil {
				return nil, fmt.Errorf("fixture %q: %w", fc.Type, err)
			}
			spec.Requests = append(spec.Requests, req)
		}
	}
	return fixtures, nil
}

func fixtureRequest(ref FixtureRef, fixtures map[string]*types.FixtureSpec) (types.FixtureRequest, error) {
	spec, ok := fixtures[ref.Type]
	if !ok {
		return types.FixtureRequest{}, fmt.Errorf("unknown fixture %q", ref.Type)
	}
	scope, err := types.ParseSharingScope(ref.Scope)
	if err != nil {
		return types.FixtureRequest{}, fmt.Errorf("fixture %q: %w", ref.Type, err)
	}
	return types.FixtureRequest{Spec: spec, Scope: scope, Key: ref.Key}, nil
}

func planHook(hc HookConfig, i int) (types.Hook, error) {
	var scope types.ScopeKind
	switch strings.ToLower(hc.Scope) {
	case "session":
		scope = types.ScopeSession
	case "assembly":
		scope = types.ScopeAssembly
	case "class":
		scope = types.ScopeClass
	case "test":
		scope = types.ScopeTest
	default:
		return types.Hook{}, fmt.Errorf("hook %d: unknown scope %q", i, hc.Scope)
	}

	var stage types.HookStage
	switch strings.ToLower(hc.Stage) {
	case "before":
		stage = types.StageBefore
	case "after":
		stage = types.StageAfter
	default:
		return types.Hook{}, fmt.Errorf("hook %d: unknown stage %q", i, hc.Stage)
	}

	if err := hc.Script.validate(); err != nil {
		return types.Hook{}, fmt.Errorf("hook %d: %w", i, err)
	}
	name := cmp.Or(hc.Name, fmt.Sprintf("plan %s %s hook %d", hc.Scope, hc.Stage, i))
	return types.Hook{
		Name:     name,
		Scope:    scope,
		Stage:    stage,
		Order:    hc.Order,
		Class:    hc.Class,
		Assembly: hc.Assembly,
		Fn:       hc.Script.Hook(name),
	}, nil
}

func planDefinition(p *Plan, class *ClassConfig, tc TestConfig, fixtures map[string]*types.FixtureSpec, limiters map[string]int) (Definition, error) {
	def := Definition{
		Name:       tc.Name,
		ClassName:  class.Name,
		ClassChain: slices.Clone(class.Chain()),
		Assembly:   cmp.Or(class.Assembly, p.Assembly),
		ParamTypes: tc.Params,
		Args:       tc.Args,
		Repeat:     tc.Repeat,
		Retry: types.RetryPolicy{
			Method:   tc.Attempts,
			Class:    class.Attempts,
			Assembly: p.Attempts,
		},
		Constraints: types.Constraints{
			NotInParallel:        mergeKeys(tc.NotInParallel, class.NotInParallel),
			Order:                tc.Order,
			ClassNotInParallel:   class.Exclusive != nil && *class.Exclusive,
			SessionNotInParallel: tc.SessionExclusive,
		},
	}
	if def.Name == "" {
		return Definition{}, fmt.Errorf("class %s: test without a name", class.Name)
	}
	if def.Args < 0 || def.Repeat < 0 {
		return Definition{}, fmt.Errorf("test %s: negative args or repeat count", def.key())
	}
	if tc.Timeout != nil {
		def.Timeout = *tc.Timeout
	}

	if tc.Limit != "" {
		capacity, ok := limiters[tc.Limit]
		if !ok {
			return Definition{}, fmt.Errorf("test %s: undeclared limiter %q", def.key(), tc.Limit)
		}
		def.Constraints.ParallelLimit = &types.LimiterRef{Key: tc.Limit, Capacity: capacity}
	}

	for _, dep := range tc.DependsOn {
		if dep.Name == "" {
			return Definition{}, fmt.Errorf("test %s: dependency without a name", def.key())
		}
		def.Dependencies = append(def.Dependencies, types.DependencyRef{
			ClassName:        dep.Class,
			Name:             dep.Name,
			ParamTypes:       dep.Params,
			ProceedOnFailure: dep.ProceedOnFailure,
		})
	}

	for _, ref := range mergeFixtures(tc.Fixtures, class.Fixtures) {
		req, err := fixtureRequest(ref, fixtures)
		if err != nil {
			return Definition{}, fmt.Errorf("test %s: %w", def.key(), err)
		}
		def.Fixtures = append(def.Fixtures, req)
	}

	if err := tc.Script.validate(); err != nil {
		return Definition{}, fmt.Errorf("test %s: %w", def.key(), err)
	}
	def.Body = tc.Script.Body()
	return def, nil
}
