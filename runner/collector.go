package runner

import (
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// DefaultAssembly groups tests that were registered without an assembly.
const DefaultAssembly = "default"

// ClassResult captures aggregated results for a class
type ClassResult struct {
	Name     string
	Tests    map[types.TestID]*types.ExecutionResult
	Status   types.TestStatus
	Duration time.Duration // Sum of test durations
	Stats    ResultStats
}

// AssemblyResult captures aggregated results for an assembly
type AssemblyResult struct {
	Name     string
	Tests    map[types.TestID]*types.ExecutionResult // Tests without a class
	Classes  map[string]*ClassResult
	Status   types.TestStatus
	Duration time.Duration
	Stats    ResultStats
}

// RunResult captures the complete result of one scheduler run
type RunResult struct {
	RunID      string
	Assemblies map[string]*AssemblyResult
	Results    []*types.ExecutionResult // In completion order
	Status     types.TestStatus
	Duration   time.Duration // Sum of test durations
	// WallClockTime is the elapsed time of the run itself.
	WallClockTime time.Duration
	Stats         ResultStats

	ConfigErrors   []*types.ConfigurationError
	TeardownErrors []error
}

// ResultStats tracks test statistics at each level
type ResultStats struct {
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	Cancelled int
	StartTime time.Time
	EndTime   time.Time
}

// Counts returns the stats keyed by status.
func (s ResultStats) Counts() map[types.TestStatus]int {
	return map[types.TestStatus]int{
		types.TestStatusPass:   s.Passed,
		types.TestStatusFail:   s.Failed,
		types.TestStatusSkip:   s.Skipped,
		types.TestStatusCancel: s.Cancelled,
	}
}

func (s *ResultStats) add(status types.TestStatus) {
	s.Total++
	switch status {
	case types.TestStatusPass:
		s.Passed++
	case types.TestStatusFail:
		s.Failed++
	case types.TestStatusSkip:
		s.Skipped++
	case types.TestStatusCancel:
		s.Cancelled++
	}
}

// resultCollector aggregates results into the assembly/class hierarchy. It is
// fed from many workers, so every method locks.
type resultCollector struct {
	mu     sync.Mutex
	result *RunResult
}

func newResultCollector(runID string, start time.Time) *resultCollector {
	return &resultCollector{
		result: &RunResult{
			RunID:      runID,
			Assemblies: make(map[string]*AssemblyResult),
			Status:     types.TestStatusSkip,
			Stats:      ResultStats{StartTime: start},
		},
	}
}

// add records a terminal result in the hierarchy.
func (c *resultCollector) add(res *types.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	assemblyName, className := DefaultAssembly, ""
	if d := res.Descriptor; d != nil {
		if d.Assembly != "" {
			assemblyName = d.Assembly
		}
		className = d.ClassName
	}

	asm, ok := c.result.Assemblies[assemblyName]
	if !ok {
		asm = &AssemblyResult{
			Name:    assemblyName,
			Tests:   make(map[types.TestID]*types.ExecutionResult),
			Classes: make(map[string]*ClassResult),
			Stats:   ResultStats{StartTime: res.Start},
		}
		c.result.Assemblies[assemblyName] = asm
	}

	d := res.Duration()
	if className == "" {
		asm.Tests[res.ID] = res
	} else {
		cls, ok := asm.Classes[className]
		if !ok {
			cls = &ClassResult{
				Name:  className,
				Tests: make(map[types.TestID]*types.ExecutionResult),
				Stats: ResultStats{StartTime: res.Start},
			}
			asm.Classes[className] = cls
		}
		cls.Tests[res.ID] = res
		cls.Stats.add(res.Status)
		cls.Duration += d
		widen(&cls.Stats, res)
	}
	asm.Stats.add(res.Status)
	asm.Duration += d
	widen(&asm.Stats, res)

	c.result.Stats.add(res.Status)
	c.result.Duration += d
	c.result.Results = append(c.result.Results, res)
}

// widen stretches the stats window to cover res.
func widen(s *ResultStats, res *types.ExecutionResult) {
	if !res.Start.IsZero() && (s.StartTime.IsZero() || res.Start.Before(s.StartTime)) {
		s.StartTime = res.Start
	}
	if res.End.After(s.EndTime) {
		s.EndTime = res.End
	}
}

func (c *resultCollector) addTeardownError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.TeardownErrors = append(c.result.TeardownErrors, err)
}

// finalize computes statuses bottom-up and returns the result.
func (c *resultCollector) finalize(start time.Time) *RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := time.Now()
	for _, asm := range c.result.Assemblies {
		for _, cls := range asm.Classes {
			cls.Status = determineStatus(cls.Stats)
		}
		asm.Status = determineStatus(asm.Stats)
	}
	c.result.Status = determineStatus(c.result.Stats)
	c.result.Stats.EndTime = end
	c.result.WallClockTime = end.Sub(start)
	return c.result
}

// determineStatus: any failure or cancellation fails, all skipped (or nothing
// run) skips, anything else passes.
func determineStatus(s ResultStats) types.TestStatus {
	allSkipped := s.Total == s.Skipped
	anyFailed := s.Failed > 0 || s.Cancelled > 0
	return determineStatusFromFlags(allSkipped, anyFailed)
}

// determineStatusFromFlags is a helper that returns a status based on common flag logic
func determineStatusFromFlags(allSkipped, anyFailed bool) types.TestStatus {
	if anyFailed {
		return types.TestStatusFail
	}
	if allSkipped {
		return types.TestStatusSkip
	}
	return types.TestStatusPass
}

// AllResults returns every result of the run sorted by assembly, class and
// discovery order.
func (r *RunResult) AllResults() []*types.ExecutionResult {
	out := make([]*types.ExecutionResult, len(r.Results))
	copy(out, r.Results)
	sortResults(out)
	return out
}
