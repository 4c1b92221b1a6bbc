package runner

import (
	"context"
	"runtime"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-scheduler/metrics"
	"github.com/ethereum-optimism/infra/op-scheduler/parallel"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// testWork is an admitted test together with the lease that admitted it
type testWork struct {
	desc  *types.TestDescriptor
	lease *parallel.Lease
}

// ParallelExecutor manages the workers that execute admitted tests
type ParallelExecutor struct {
	run         *run
	concurrency int
	log         log.Logger
	wg          sync.WaitGroup
}

// NewParallelExecutor creates a new worker pool for a run
func NewParallelExecutor(r *run, concurrency int) *ParallelExecutor {
	if r == nil {
		panic("run cannot be nil")
	}
	if concurrency < 0 {
		panic("concurrency cannot be negative")
	}

	// Log a warning for unreasonable concurrency values
	if concurrency > MaxReasonableConcurrency {
		r.log.Warn("Very high concurrency requested", "concurrency", concurrency,
			"recommendation", "Consider using lower values to avoid resource exhaustion")
	}

	return &ParallelExecutor{
		run:         r,
		concurrency: concurrency,
		log:         r.log.New("component", "parallel-executor"),
	}
}

// Start launches the workers. They exit once the run closes its work channel.
func (pe *ParallelExecutor) Start(ctx context.Context) {
	pe.log.Debug("Starting workers", "concurrency", pe.concurrency)
	for i := 0; i < pe.concurrency; i++ {
		pe.wg.Add(1)
		go pe.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (pe *ParallelExecutor) Wait() {
	pe.wg.Wait()
}

// worker executes admitted tests. Workers keep draining on cancellation so
// every admitted test still gets a terminal result and releases its lease.
func (pe *ParallelExecutor) worker(ctx context.Context, workerID int) {
	defer pe.wg.Done()

	pe.log.Debug("Worker starting", "workerID", workerID)
	defer pe.log.Debug("Worker exiting", "workerID", workerID)

	for work := range pe.run.work {
		pe.log.Debug("Worker processing test", "workerID", workerID, "test", work.desc.ID)

		metrics.RecordWorkerBusy(1)
		res := pe.run.exec.execute(ctx, work.desc)
		work.lease.Release()
		metrics.RecordWorkerBusy(-1)

		pe.run.finish(ctx, res)
	}
}

// determineConcurrency picks the worker count. A positive configured value is
// honored; otherwise it is derived from the CPU count. Either way it never
// exceeds the number of runnable tests.
func (s *Scheduler) determineConcurrency(numWorkItems int) int {
	if numWorkItems <= 0 {
		return 0
	}
	if s.cfg.Concurrency > 0 {
		return min(s.cfg.Concurrency, numWorkItems)
	}

	numCPU := runtime.NumCPU()
	var concurrency int
	switch {
	case numCPU <= 2:
		concurrency = numCPU
	case numCPU <= 4:
		concurrency = numCPU * 5 / 4
	default:
		concurrency = numCPU * 3 / 2
	}
	concurrency = min(max(concurrency, 1), MaxReasonableConcurrency, numWorkItems)

	s.log.Debug("Determined concurrency", "numCPU", numCPU, "workItems", numWorkItems, "concurrency", concurrency)
	return concurrency
}
