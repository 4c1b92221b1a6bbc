package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

func intPtr(v int) *int { return &v }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(Config{Log: log.NewLogger(log.DiscardHandler())})
	require.NoError(t, err)
	return r
}

const samplePlan = `
assembly: core
attempts: 2
limiters:
  db: 2
fixtures:
  - type: network
  - type: wallet
    requires:
      - type: network
        scope: per-session
hooks:
  - name: setup-class
    scope: class
    stage: before
    class: Accounts
classes:
  - name: Base
    abstract: true
    attempts: 3
    not_in_parallel: [ledger]
    fixtures:
      - type: wallet
        scope: per-class
    tests:
      - name: Ping
  - name: Accounts
    inherits: [Base]
    exclusive: true
    tests:
      - name: Create
        limit: db
        timeout: 50ms
        script:
          outcomes: [fail, pass]
      - name: Transfer
        params: [int]
        args: 2
        depends_on:
          - Create
          - class: Ledger
            name: Open
            proceed_on_failure: true
  - name: Ledger
    assembly: books
    tests:
      - name: Open
        order: 1
        session_exclusive: true
`

func TestClassConfig_ResolveInherited(t *testing.T) {
	tests := []struct {
		name      string
		classes   map[string]ClassConfig
		className string
		want      ClassConfig
		wantErr   string
	}{
		{
			name: "single level inheritance",
			classes: map[string]ClassConfig{
				"parent": {
					Name:     "parent",
					Attempts: intPtr(3),
					Tests:    []TestConfig{{Name: "ParentTest"}},
				},
				"child": {
					Name:     "child",
					Inherits: []string{"parent"},
					Tests:    []TestConfig{{Name: "ChildTest"}},
				},
			},
			className: "child",
			want: ClassConfig{
				Attempts: intPtr(3),
				Tests:    []TestConfig{{Name: "ChildTest"}, {Name: "ParentTest"}},
				chain:    []string{"parent", "child"},
			},
		},
		{
			name: "multi-level inheritance",
			classes: map[string]ClassConfig{
				"grandparent": {
					Name:          "grandparent",
					NotInParallel: []string{"db"},
					Tests:         []TestConfig{{Name: "GrandparentTest"}},
				},
				"parent": {
					Name:          "parent",
					Inherits:      []string{"grandparent"},
					NotInParallel: []string{"cache"},
					Tests:         []TestConfig{{Name: "ParentTest"}},
				},
				"child": {
					Name:     "child",
					Inherits: []string{"parent"},
					Tests:    []TestConfig{{Name: "ChildTest"}},
				},
			},
			className: "child",
			want: ClassConfig{
				NotInParallel: []string{"cache", "db"},
				Tests:         []TestConfig{{Name: "ChildTest"}, {Name: "ParentTest"}, {Name: "GrandparentTest"}},
				chain:         []string{"grandparent", "parent", "child"},
			},
		},
		{
			name: "test override in child",
			classes: map[string]ClassConfig{
				"parent": {
					Name:     "parent",
					Attempts: intPtr(5),
					Tests:    []TestConfig{{Name: "Shared", Repeat: 1}, {Name: "Shared", Params: []string{"int"}}},
				},
				"child": {
					Name:     "child",
					Inherits: []string{"parent"},
					Attempts: intPtr(1),
					Tests:    []TestConfig{{Name: "Shared"}},
				},
			},
			className: "child",
			want: ClassConfig{
				Attempts: intPtr(1),
				Tests:    []TestConfig{{Name: "Shared"}, {Name: "Shared", Params: []string{"int"}}},
				chain:    []string{"parent", "child"},
			},
		},
		{
			name: "diamond inheritance keeps one chain entry per class",
			classes: map[string]ClassConfig{
				"root":  {Name: "root", Tests: []TestConfig{{Name: "RootTest"}}},
				"left":  {Name: "left", Inherits: []string{"root"}},
				"right": {Name: "right", Inherits: []string{"root"}},
				"child": {Name: "child", Inherits: []string{"left", "right"}},
			},
			className: "child",
			want: ClassConfig{
				Tests: []TestConfig{{Name: "RootTest"}},
				chain: []string{"root", "left", "right", "child"},
			},
		},
		{
			name: "circular inheritance",
			classes: map[string]ClassConfig{
				"class1": {Name: "class1", Inherits: []string{"class2"}},
				"class2": {Name: "class2", Inherits: []string{"class1"}},
			},
			className: "class1",
			wantErr:   `circular inheritance detected for class "class2"`,
		},
		{
			name: "non-existent parent",
			classes: map[string]ClassConfig{
				"child": {Name: "child", Inherits: []string{"missing-parent"}},
			},
			className: "child",
			wantErr:   `class "child" inherits from non-existent class "missing-parent"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class := tt.classes[tt.className]
			err := class.ResolveInherited(tt.classes)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want.Tests, class.Tests)
			assert.Equal(t, tt.want.Attempts, class.Attempts)
			assert.Equal(t, tt.want.chain, class.Chain())
			if tt.want.NotInParallel != nil {
				assert.Equal(t, tt.want.NotInParallel, class.NotInParallel)
			}
		})
	}
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlan))
	require.NoError(t, err)

	require.Len(t, plan.Classes, 3)
	accounts := plan.Classes[1]
	assert.Equal(t, []string{"Base", "Accounts"}, accounts.Chain())
	assert.Equal(t, intPtr(3), accounts.Attempts, "Attempts are inherited from Base")
	assert.Equal(t, []string{"ledger"}, accounts.NotInParallel)
	require.Len(t, accounts.Fixtures, 1)
	assert.Equal(t, "wallet", accounts.Fixtures[0].Type)

	require.Len(t, accounts.Tests, 3)
	assert.Equal(t, "Create", accounts.Tests[0].Name)
	assert.Equal(t, "Ping", accounts.Tests[2].Name, "Inherited tests come after the class's own")
	require.NotNil(t, accounts.Tests[0].Timeout)
	assert.Equal(t, 50*time.Millisecond, *accounts.Tests[0].Timeout)

	transfer := accounts.Tests[1]
	assert.Equal(t, []DependsOn{
		{Name: "Create"},
		{Class: "Ledger", Name: "Open", ProceedOnFailure: true},
	}, transfer.DependsOn)

	assert.Equal(t, map[string]int{"db": 2}, plan.Limiters)
	assert.Equal(t, []string{"Ledger"}, plan.Classes[2].Chain())
}

func TestParsePlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		plan    string
		wantErr string
	}{
		{
			name:    "invalid yaml",
			plan:    "classes: [",
			wantErr: "parsing plan file",
		},
		{
			name:    "class without a name",
			plan:    "classes:\n  - tests: [{name: A}]\n",
			wantErr: "class without a name",
		},
		{
			name:    "duplicate class",
			plan:    "classes:\n  - name: A\n  - name: A\n",
			wantErr: `class "A" declared twice`,
		},
		{
			name:    "circular inheritance",
			plan:    "classes:\n  - name: A\n    inherits: [B]\n  - name: B\n    inherits: [A]\n",
			wantErr: "circular inheritance detected",
		},
		{
			name:    "missing parent",
			plan:    "classes:\n  - name: A\n    inherits: [Nope]\n",
			wantErr: "non-existent class Nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.plan))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry_LoadPlanFile(t *testing.T) {
	tmpDir := t.TempDir()
	planPath := filepath.Join(tmpDir, "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(samplePlan), 0644))

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid plan file",
			cfg:  Config{PlanFile: planPath},
		},
		{
			name:    "missing plan file",
			cfg:     Config{PlanFile: filepath.Join(tmpDir, "nonexistent.yaml")},
			wantErr: true,
		},
		{
			name: "no plan file",
			cfg:  Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Log = log.NewLogger(log.DiscardHandler())
			r, err := NewRegistry(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.PlanFile, r.GetConfig().PlanFile)
		})
	}
}

func TestRegistry_ApplyPlan(t *testing.T) {
	r := newTestRegistry(t)
	plan, err := ParsePlan([]byte(samplePlan))
	require.NoError(t, err)
	require.NoError(t, r.ApplyPlan(plan))

	assert.Equal(t, map[string]int{"db": 2}, r.Limiters())
	require.NotNil(t, r.Fixture("wallet"))
	require.Len(t, r.Fixture("wallet").Requests, 1)
	assert.Same(t, r.Fixture("network"), r.Fixture("wallet").Requests[0].Spec)
	assert.Equal(t, types.ScopePerTestSession, r.Fixture("wallet").Requests[0].Scope)

	hooks := r.Hooks()
	require.Len(t, hooks, 1)
	assert.Equal(t, "setup-class", hooks[0].Name)
	assert.Equal(t, types.ScopeClass, hooks[0].Scope)
	assert.Equal(t, types.StageBefore, hooks[0].Stage)
	assert.Equal(t, "Accounts", hooks[0].Class)
	assert.Equal(t, 1, hooks[0].Seq)

	descs := r.Descriptors()
	ids := make([]types.TestID, 0, len(descs))
	byID := make(map[types.TestID]*types.TestDescriptor)
	for _, d := range descs {
		ids = append(ids, d.ID)
		byID[d.ID] = d
	}
	assert.Equal(t, []types.TestID{
		"Accounts.Create()",
		"Accounts.Transfer(int)[arg:1]",
		"Accounts.Transfer(int)[arg:2]",
		"Accounts.Ping()",
		"Ledger.Open()",
	}, ids, "Abstract classes contribute no tests of their own")

	create := byID["Accounts.Create()"]
	assert.Equal(t, "core", create.Assembly)
	assert.Equal(t, []string{"Base", "Accounts"}, create.ClassChain)
	assert.True(t, create.Constraints.ClassNotInParallel)
	assert.Equal(t, []string{"ledger"}, create.Constraints.NotInParallel)
	assert.Equal(t, &types.LimiterRef{Key: "db", Capacity: 2}, create.Constraints.ParallelLimit)
	assert.Equal(t, 50*time.Millisecond, create.Timeout)
	assert.Equal(t, intPtr(3), create.Retry.Class)
	assert.Equal(t, intPtr(2), create.Retry.Assembly)
	assert.Nil(t, create.Retry.Method)
	require.Len(t, create.Fixtures, 1)
	assert.Equal(t, types.ScopePerClass, create.Fixtures[0].Scope)

	transfer := byID["Accounts.Transfer(int)[arg:2]"]
	assert.Equal(t, 2, transfer.ArgIndex)
	assert.Equal(t, []types.DependencyRef{
		{Name: "Create"},
		{ClassName: "Ledger", Name: "Open", ProceedOnFailure: true},
	}, transfer.Dependencies)

	open := byID["Ledger.Open()"]
	assert.Equal(t, "books", open.Assembly)
	assert.True(t, open.Constraints.SessionNotInParallel)
	require.NotNil(t, open.Constraints.Order)
	assert.Equal(t, 1, *open.Constraints.Order)

	ctx := context.Background()
	err = create.Body(ctx, &types.TestContext{Descriptor: create, Attempt: 1})
	assert.ErrorIs(t, err, ErrScriptedFailure)
	assert.NoError(t, create.Body(ctx, &types.TestContext{Descriptor: create, Attempt: 2}))
	assert.NoError(t, open.Body(ctx, &types.TestContext{Descriptor: open, Attempt: 1}), "Unscripted tests pass")
}

func TestRegistry_ApplyPlanKeepsRegisteredBody(t *testing.T) {
	r := newTestRegistry(t)
	called := false
	require.NoError(t, r.Register(Definition{
		Name:      "Open",
		ClassName: "Ledger",
		Body: func(context.Context, *types.TestContext) error {
			called = true
			return nil
		},
	}))

	plan, err := ParsePlan([]byte("classes:\n  - name: Ledger\n    tests:\n      - name: Open\n        repeat: 1\n"))
	require.NoError(t, err)
	require.NoError(t, r.ApplyPlan(plan))

	defs := r.Definitions()
	require.Len(t, defs, 1, "The plan test merges into the registered definition")
	assert.Equal(t, 1, defs[0].Repeat)

	descs := r.Descriptors()
	require.Len(t, descs, 2)
	require.NoError(t, descs[0].Body(context.Background(), &types.TestContext{Descriptor: descs[0], Attempt: 1}))
	assert.True(t, called)
}

func TestRegistry_ApplyPlanIsAtomic(t *testing.T) {
	tests := []struct {
		name    string
		plan    string
		wantErr string
	}{
		{
			name:    "undeclared limiter",
			plan:    "classes:\n  - name: A\n    tests:\n      - name: T\n        limit: nope\n",
			wantErr: `undeclared limiter "nope"`,
		},
		{
			name:    "non-positive limiter",
			plan:    "limiters:\n  db: 0\nclasses: []\n",
			wantErr: "non-positive capacity",
		},
		{
			name:    "unknown fixture",
			plan:    "classes:\n  - name: A\n    tests:\n      - name: T\n        fixtures: [{type: nope}]\n",
			wantErr: `unknown fixture "nope"`,
		},
		{
			name:    "unknown fixture scope",
			plan:    "fixtures:\n  - type: f\nclasses:\n  - name: A\n    tests:\n      - name: T\n        fixtures: [{type: f, scope: sometimes}]\n",
			wantErr: "unknown sharing scope",
		},
		{
			name:    "unknown hook stage",
			plan:    "hooks:\n  - scope: class\n    stage: during\nclasses: []\n",
			wantErr: `unknown stage "during"`,
		},
		{
			name:    "unknown hook scope",
			plan:    "hooks:\n  - scope: galaxy\n    stage: before\nclasses: []\n",
			wantErr: `unknown scope "galaxy"`,
		},
		{
			name:    "bad script outcome",
			plan:    "classes:\n  - name: A\n    tests:\n      - name: T\n        script: {outcomes: [explode]}\n",
			wantErr: `unknown script outcome "explode"`,
		},
		{
			name:    "dependency without a name",
			plan:    "classes:\n  - name: A\n    tests:\n      - name: T\n        depends_on: [{class: B}]\n",
			wantErr: "dependency without a name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			require.NoError(t, r.Register(Definition{Name: "Existing", ClassName: "Z"}))

			plan, err := ParsePlan([]byte(tt.plan))
			require.NoError(t, err)
			err = r.ApplyPlan(plan)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			assert.Len(t, r.Definitions(), 1)
			assert.Empty(t, r.Hooks())
			assert.Empty(t, r.Limiters())
		})
	}
}

func TestRegistry_DescriptorsAreFresh(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Definition{
		Name:       "Rows",
		ClassName:  "Data",
		ParamTypes: []string{"string"},
		Args:       2,
		Repeat:     1,
		Constraints: types.Constraints{
			NotInParallel: []string{"k"},
		},
	}))
	require.NoError(t, r.Register(Definition{Name: "Plain"}))

	first := r.Descriptors()
	require.Len(t, first, 5)

	var ids []types.TestID
	for i, d := range first {
		ids = append(ids, d.ID)
		assert.Equal(t, i, d.Seq)
	}
	assert.Equal(t, []types.TestID{
		"Data.Rows(string)[arg:1]",
		"Data.Rows(string)[arg:1][repeat:1]",
		"Data.Rows(string)[arg:2]",
		"Data.Rows(string)[arg:2][repeat:1]",
		"Plain()",
	}, ids)

	require.True(t, first[0].SetResult(&types.ExecutionResult{ID: first[0].ID, Status: types.TestStatusPass}))
	first[0].Constraints.NotInParallel[0] = "mutated"

	second := r.Descriptors()
	require.Len(t, second, 5)
	assert.NotSame(t, first[0], second[0])
	assert.Nil(t, second[0].Result(), "A fresh descriptor has an empty result slot")
	assert.Equal(t, []string{"k"}, second[0].Constraints.NotInParallel)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := newTestRegistry(t)

	assert.Error(t, r.Register(Definition{}))
	assert.Error(t, r.Register(Definition{Name: "T", Args: -1}))
	assert.Error(t, r.RegisterHook(types.Hook{Name: "no-fn"}))
	assert.Error(t, r.RegisterFixture(nil))
	assert.Error(t, r.RegisterFixture(&types.FixtureSpec{}))

	spec := &types.FixtureSpec{Type: "db"}
	require.NoError(t, r.RegisterFixture(spec))
	assert.Error(t, r.RegisterFixture(&types.FixtureSpec{Type: "db"}))
	assert.Same(t, spec, r.Fixture("db"))

	plan, err := ParsePlan([]byte("fixtures:\n  - type: db\nclasses: []\n"))
	require.NoError(t, err)
	assert.ErrorContains(t, r.ApplyPlan(plan), `fixture "db" declared twice`)
}

func TestScript(t *testing.T) {
	ctx := context.Background()

	t.Run("outcomes advance per attempt and the last repeats", func(t *testing.T) {
		body := (&Script{Outcomes: []string{"fail", "skip", "pass"}, Reason: "flaky"}).Body()
		desc := &types.TestDescriptor{ID: "A.T()"}

		err := body(ctx, &types.TestContext{Descriptor: desc, Attempt: 1})
		assert.ErrorIs(t, err, ErrScriptedFailure)
		assert.Contains(t, err.Error(), "flaky")
		assert.True(t, types.IsSkip(body(ctx, &types.TestContext{Descriptor: desc, Attempt: 2})))
		assert.NoError(t, body(ctx, &types.TestContext{Descriptor: desc, Attempt: 3}))
		assert.NoError(t, body(ctx, &types.TestContext{Descriptor: desc, Attempt: 7}))
	})

	t.Run("hooks count their own calls", func(t *testing.T) {
		hook := (&Script{Outcomes: []string{"pass", "fail"}}).Hook("h")
		assert.NoError(t, hook(ctx, &types.HookContext{}))
		assert.ErrorIs(t, hook(ctx, &types.HookContext{}), ErrScriptedFailure)
		assert.ErrorIs(t, hook(ctx, &types.HookContext{}), ErrScriptedFailure)
	})

	t.Run("panic outcome panics", func(t *testing.T) {
		hook := (&Script{Outcomes: []string{"panic"}}).Hook("boom")
		assert.Panics(t, func() { _ = hook(ctx, &types.HookContext{}) })
	})

	t.Run("duration honors cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		hook := (&Script{Duration: time.Hour}).Hook("slow")
		assert.True(t, errors.Is(hook(cctx, &types.HookContext{}), context.Canceled))
	})

	t.Run("nil script passes", func(t *testing.T) {
		var s *Script
		assert.NoError(t, s.validate())
		assert.NoError(t, s.Hook("nil")(ctx, &types.HookContext{}))
	})

	t.Run("fixture factory", func(t *testing.T) {
		factory := (&Script{}).Factory("wallet")
		inst, err := factory(ctx, []any{"dep"})
		require.NoError(t, err)
		f, ok := inst.(*ScriptedFixture)
		require.True(t, ok)
		assert.Equal(t, []any{"dep"}, f.Deps)

		assert.False(t, f.Disposed())
		require.NoError(t, f.Dispose(ctx))
		assert.True(t, f.Disposed())
		assert.Error(t, f.Dispose(ctx))

		failing := (&Script{Outcomes: []string{"fail"}}).Factory("broken")
		_, err = failing(ctx, nil)
		assert.ErrorIs(t, err, ErrScriptedFailure)
	})
}
