package runner

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-scheduler/fixture"
	"github.com/ethereum-optimism/infra/op-scheduler/graph"
	"github.com/ethereum-optimism/infra/op-scheduler/hooks"
	"github.com/ethereum-optimism/infra/op-scheduler/metrics"
	"github.com/ethereum-optimism/infra/op-scheduler/parallel"
	"github.com/ethereum-optimism/infra/op-scheduler/retry"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// Config holds the scheduler settings
type Config struct {
	// Concurrency is the worker pool size. Zero or less picks one from the CPU count.
	Concurrency int
	// DefaultTimeout bounds test bodies without their own timeout. Zero disables it.
	DefaultTimeout time.Duration
	// TeardownTimeout bounds after hooks and fixture disposal.
	TeardownTimeout time.Duration
	Retry           retry.Config
	Parallel        parallel.Config
	Hooks           []types.Hook
	// Listeners must implement at least one of the hooks listener interfaces.
	Listeners []any
	// Results, if set, receives every terminal result as it happens. The
	// caller must keep draining it until Run returns.
	Results chan<- *types.ExecutionResult
	Log     log.Logger
}

// Scheduler runs sets of test descriptors. One Scheduler may be used for
// several consecutive runs; every run needs fresh descriptors because result
// slots are written once.
type Scheduler struct {
	cfg      Config
	log      log.Logger
	tracer   trace.Tracer
	pipeline *hooks.Pipeline
	retry    *retry.Policy
}

// NewScheduler creates a scheduler and registers its hooks and listeners.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	logger := cfg.Log.New("component", "scheduler")
	cfg.Parallel.Log = cfg.Log

	pipeline := hooks.NewPipeline(cfg.Log, cfg.TeardownTimeout)
	for _, h := range cfg.Hooks {
		if err := pipeline.Register(h); err != nil {
			return nil, fmt.Errorf("failed to register hook: %w", err)
		}
	}
	for _, l := range cfg.Listeners {
		if err := pipeline.Listen(l); err != nil {
			return nil, fmt.Errorf("failed to register listener: %w", err)
		}
	}

	return &Scheduler{
		cfg:      cfg,
		log:      logger,
		tracer:   otel.Tracer("test scheduler"),
		pipeline: pipeline,
		retry:    retry.NewPolicy(cfg.Retry, cfg.Log),
	}, nil
}

// run is the state of one Run invocation.
type run struct {
	s         *Scheduler
	id        string
	log       log.Logger
	graph     *graph.Graph
	tracker   *graph.Tracker
	ctrl      *parallel.Controller
	fixtures  *fixture.Manager
	scopes    *hooks.Scopes
	exec      *testExecutor
	collector *resultCollector

	planned map[types.TestID][]fixture.Handle // Valid tests and their shared fixture handles, nested included; immutable
	pending atomic.Int64

	work      chan *testWork
	closeOnce sync.Once
	admit     errgroup.Group
}

// Run executes descs and returns once every test is terminal and all
// teardown has finished. Cancelling ctx stops tests that have not started;
// teardown still runs.
func (s *Scheduler) Run(ctx context.Context, descs []*types.TestDescriptor) (*RunResult, error) {
	for i, d := range descs {
		if d == nil {
			return nil, fmt.Errorf("test descriptor %d is nil", i)
		}
		if d.Result() != nil {
			return nil, fmt.Errorf("test %s already has a result", d.ID)
		}
	}

	start := time.Now()
	r := s.prepare(uuid.New().String(), descs, start)

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("run %s", r.id))
	defer span.End()

	total := len(r.graph.Descriptors())
	r.log.Info("Starting test run", "tests", total, "runnable", len(r.planned))
	s.pipeline.NotifyDiscovery(ctx, r.graph.Descriptors())

	r.pending.Store(int64(total))
	if total == 0 {
		r.closeWork()
	}

	pe := NewParallelExecutor(r, s.determineConcurrency(len(r.planned)))
	pe.Start(ctx)

	roots := r.tracker.Roots()
	for _, d := range r.graph.Descriptors() {
		if r.graph.Invalid(d.ID) != nil {
			r.finishUnrun(ctx, d, r.graph.Invalid(d.ID))
		}
	}
	for _, id := range roots {
		r.schedule(ctx, id)
	}

	pe.Wait()
	if err := r.admit.Wait(); err != nil {
		return nil, fmt.Errorf("admission failed: %w", err)
	}

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TeardownTimeout)
	defer cancel()
	if err := r.fixtures.Close(teardownCtx); err != nil {
		r.collector.addTeardownError(err)
	}
	stats := r.fixtures.Stats()
	metrics.RecordFixtureActivity(stats.Constructions, stats.Disposals)
	metrics.RecordListenerFailures(s.pipeline.ListenerFailures())

	result := r.collector.finalize(start)
	for _, d := range r.graph.Descriptors() {
		if cfgErr := r.graph.Invalid(d.ID); cfgErr != nil {
			result.ConfigErrors = append(result.ConfigErrors, cfgErr)
		}
	}
	metrics.RecordRun(r.id, result.Status, result.Stats.Counts(), result.WallClockTime)

	r.log.Info("Test run completed",
		"status", result.Status,
		"total", result.Stats.Total,
		"passed", result.Stats.Passed,
		"failed", result.Stats.Failed,
		"skipped", result.Stats.Skipped,
		"cancelled", result.Stats.Cancelled,
		"duration", result.WallClockTime)
	return result, nil
}

// prepare resolves and validates descs and sets up per-run state.
func (s *Scheduler) prepare(runID string, descs []*types.TestDescriptor, start time.Time) *run {
	logger := s.log.New("run_id", runID)
	g, _ := graph.Resolve(descs)

	for _, d := range g.Descriptors() {
		if g.Invalid(d.ID) != nil {
			continue
		}
		if d.Body == nil {
			g.Invalidate(types.NewConfigurationError(d.ID, "test has no body"))
			continue
		}
		if cfgErr := fixture.Validate(d); cfgErr != nil {
			g.Invalidate(cfgErr)
		}
	}

	var candidates []*types.TestDescriptor
	for _, d := range g.Descriptors() {
		if g.Invalid(d.ID) == nil {
			candidates = append(candidates, d)
		}
	}
	for _, cfgErr := range fixture.CheckSharing(candidates) {
		g.Invalidate(cfgErr)
	}

	ctrl := parallel.NewController(s.cfg.Parallel, g)
	for _, cfgErr := range ctrl.Validate() {
		g.Invalidate(cfgErr)
	}

	fixtures := fixture.NewManager(s.cfg.Log)
	planned := make(map[types.TestID][]fixture.Handle)
	var valid []*types.TestDescriptor
	for _, d := range g.Descriptors() {
		if cfgErr := g.Invalid(d.ID); cfgErr != nil {
			logger.Warn("Test will not run", "test", d.ID, "err", cfgErr)
			continue
		}
		valid = append(valid, d)
		handles := fixture.SharedHandles(d)
		for _, h := range handles {
			fixtures.Reserve(h)
		}
		planned[d.ID] = handles
	}

	scopes := s.pipeline.Plan(valid)
	r := &run{
		s:         s,
		id:        runID,
		log:       logger,
		graph:     g,
		tracker:   graph.NewTracker(g),
		ctrl:      ctrl,
		fixtures:  fixtures,
		scopes:    scopes,
		collector: newResultCollector(runID, start),
		planned:   planned,
		work:      make(chan *testWork),
	}
	r.exec = &testExecutor{
		log:             logger,
		tracer:          s.tracer,
		pipeline:        s.pipeline,
		retry:           s.retry,
		fixtures:        fixtures,
		scopes:          scopes,
		defaultTimeout:  s.cfg.DefaultTimeout,
		teardownTimeout: s.cfg.TeardownTimeout,
		teardownErr:     r.collector.addTeardownError,
	}
	return r
}

func (r *run) closeWork() {
	r.closeOnce.Do(func() { close(r.work) })
}

// schedule starts admission of a test whose prerequisites are all terminal.
func (r *run) schedule(ctx context.Context, id types.TestID) {
	r.admit.Go(func() error {
		r.admitTest(ctx, id)
		return nil
	})
}

// admitTest decides whether a ready test runs, is skipped or is cancelled,
// and hands runnable tests to the worker pool once their constraints allow.
func (r *run) admitTest(ctx context.Context, id types.TestID) {
	desc := r.graph.Descriptor(id)
	if blocked := r.tracker.Blocked(id); blocked != nil {
		r.finishUnrun(ctx, desc, &types.SkipError{Reason: "dependency did not pass", Cause: blocked})
		return
	}
	if err := ctx.Err(); err != nil {
		r.finishUnrun(ctx, desc, &types.CancellationError{Err: err})
		return
	}

	waitStart := time.Now()
	lease, err := r.ctrl.Acquire(ctx, desc)
	metrics.RecordConstraintWait(time.Since(waitStart))
	if err != nil {
		if ctx.Err() != nil {
			err = &types.CancellationError{Err: err}
		}
		r.finishUnrun(ctx, desc, err)
		return
	}
	if ref := desc.Constraints.ParallelLimit; ref != nil {
		metrics.RecordLimiterActive(ref.Key, r.ctrl.Active(ref.Key))
	}
	r.work <- &testWork{desc: desc, lease: lease}
}

// finishUnrun terminates a test whose body never ran.
func (r *run) finishUnrun(ctx context.Context, desc *types.TestDescriptor, cause error) {
	r.ctrl.Retire(desc)
	now := time.Now()
	r.finish(ctx, &types.ExecutionResult{
		ID:         desc.ID,
		Descriptor: desc,
		Status:     types.StatusOf(cause),
		Err:        cause,
		Start:      now,
		End:        now,
	})
}

// finish records a terminal result, releases everything the test held on to
// and schedules the dependents that became ready.
func (r *run) finish(ctx context.Context, res *types.ExecutionResult) {
	desc := res.Descriptor
	if !res.Status.Terminal() {
		r.log.Error("Test finished without a terminal status", "test", res.ID, "status", res.Status)
		res.Status = types.TestStatusFail
	}
	if !desc.SetResult(res) {
		r.log.Error("Result already recorded", "test", res.ID)
		return
	}
	ready := r.tracker.Complete(res.ID, res.Status, res.Err)

	if handles, ok := r.planned[res.ID]; ok {
		teardownCtx := context.WithoutCancel(ctx)
		for _, h := range handles {
			if err := r.fixtures.Unreserve(teardownCtx, h); err != nil {
				r.log.Warn("Failed to release fixture reservation", "test", res.ID, "fixture", h, "err", err)
				r.collector.addTeardownError(err)
			}
		}
		if err := r.scopes.Leave(ctx, desc); err != nil {
			r.log.Warn("Scope teardown failed", "test", res.ID, "err", err)
			r.collector.addTeardownError(err)
		}
	}

	r.collector.add(res)
	metrics.RecordTestResult(desc.Assembly, desc.ClassName, res.Status, res.Attempts, res.Duration())
	if res.Status == types.TestStatusFail {
		metrics.RecordErrorDetails("test", unwrapRoot(res.Err))
	}
	r.s.pipeline.NotifyEnd(ctx, res)
	if r.s.cfg.Results != nil {
		r.s.cfg.Results <- res
	}
	r.log.Debug("Test finished", "test", res.ID, "status", res.Status, "attempts", res.Attempts, "duration", res.Duration(), "err", res.Err)

	for _, id := range ready {
		r.schedule(ctx, id)
	}
	if r.pending.Add(-1) == 0 {
		r.closeWork()
	}
}

// unwrapRoot returns the innermost error of a single-chain error.
func unwrapRoot(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func sortResults(results []*types.ExecutionResult) {
	slices.SortFunc(results, func(a, b *types.ExecutionResult) int {
		da, db := a.Descriptor, b.Descriptor
		if da == nil || db == nil {
			return cmp.Compare(a.ID, b.ID)
		}
		return cmp.Or(
			cmp.Compare(da.Assembly, db.Assembly),
			cmp.Compare(da.ClassName, db.ClassName),
			cmp.Compare(da.Seq, db.Seq),
		)
	})
}
