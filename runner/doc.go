// Package runner drives test descriptors through dependency resolution,
// constraint-aware dispatch and per-test execution.
//
// The main components are:
//   - Scheduler: Resolves the dependency graph, validates constraints and owns a run
//   - ParallelExecutor: The worker pool that executes admitted tests
//   - testExecutor: The per-test pipeline of scope entry, retries, fixtures, hooks and body
//   - resultCollector: Aggregates results into assembly and class hierarchies
//   - ProgressIndicator: A lifecycle listener that periodically logs run progress
//
// Every test ends in exactly one terminal ExecutionResult. Tests that never
// run (configuration errors, skipped dependencies, cancellation) still release
// their constraint tickets, fixture reservations and scope counts, so shared
// teardown always happens.
package runner
