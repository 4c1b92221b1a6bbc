package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-scheduler/hooks"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// ProgressIndicator is a lifecycle listener reporting run progress
type ProgressIndicator interface {
	hooks.DiscoveryListener
	hooks.TestStartListener
	hooks.TestEndListener
	Stop()
}

// consoleProgressIndicator provides a console-based progress indicator
type consoleProgressIndicator struct {
	logger   log.Logger
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex

	completedTests int
	totalTests     int
	counts         map[types.TestStatus]int
	runStartTime   time.Time

	// Track currently running tests
	runningTests map[string]time.Time // test name -> start time
}

// NewConsoleProgressIndicator creates a progress indicator that shows updates in the console
func NewConsoleProgressIndicator(logger log.Logger, updateInterval time.Duration) ProgressIndicator {
	if updateInterval == 0 {
		updateInterval = 30 * time.Second // Default to 30 seconds
	}

	indicator := &consoleProgressIndicator{
		logger:       logger,
		ticker:       time.NewTicker(updateInterval),
		stopCh:       make(chan struct{}),
		counts:       make(map[types.TestStatus]int),
		runningTests: make(map[string]time.Time),
	}

	// Start the progress reporting goroutine
	go indicator.progressReporter()

	return indicator
}

func (c *consoleProgressIndicator) OnDiscovery(_ context.Context, descs []*types.TestDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalTests = len(descs)
	c.completedTests = 0
	c.counts = make(map[types.TestStatus]int)
	c.runStartTime = time.Now()
	c.runningTests = make(map[string]time.Time)

	c.logger.Info("Starting run", "totalTests", c.totalTests)
	return nil
}

// OnTestStart tracks when a test attempt starts running
func (c *consoleProgressIndicator) OnTestStart(_ context.Context, tc *types.TestContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := tc.Descriptor.DisplayName()
	if _, ok := c.runningTests[name]; !ok {
		c.runningTests[name] = time.Now()
	}
	c.logger.Debug("Test started", "test", name, "attempt", tc.Attempt, "runningTests", len(c.runningTests))
	return nil
}

func (c *consoleProgressIndicator) OnTestEnd(_ context.Context, result *types.ExecutionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := result.Name()
	delete(c.runningTests, name)

	c.completedTests++
	c.counts[result.Status]++

	// Log individual test completion at debug level to avoid spam
	c.logger.Debug("Test completed", "test", name, "status", result.Status, "completed", c.completedTests, "total", c.totalTests, "runningTests", len(c.runningTests))
	if c.totalTests > 0 && c.completedTests == c.totalTests {
		c.logger.Info("Completed run",
			"totalTests", c.totalTests,
			"passed", c.counts[types.TestStatusPass],
			"failed", c.counts[types.TestStatusFail],
			"skipped", c.counts[types.TestStatusSkip],
			"cancelled", c.counts[types.TestStatusCancel],
			"duration", time.Since(c.runStartTime).Truncate(time.Millisecond))
	}
	return nil
}

// progressReporter runs in a goroutine and periodically reports progress
func (c *consoleProgressIndicator) progressReporter() {
	for {
		select {
		case <-c.ticker.C:
			c.reportProgress()
		case <-c.stopCh:
			return
		}
	}
}

func (c *consoleProgressIndicator) reportProgress() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	detailsStr := formatRunningTests(c.runningTests, 3)

	// Calculate completion percentage
	var percentComplete float64
	if c.totalTests > 0 {
		percentComplete = float64(c.completedTests) * 100.0 / float64(c.totalTests)
	}

	logFields := []interface{}{
		"completed", c.completedTests,
		"total", c.totalTests,
		"failed", c.counts[types.TestStatusFail],
		"percent", fmt.Sprintf("%.1f%%", percentComplete),
		"numRunning", len(c.runningTests),
		"longestRunning", detailsStr,
	}

	c.logger.Info("Progress update", logFields...)
}

// Stop stops the progress indicator. It is safe to call more than once.
func (c *consoleProgressIndicator) Stop() {
	c.stopOnce.Do(func() {
		c.ticker.Stop()
		close(c.stopCh)
	})
}

// Helper function that formats running tests into a display string
func formatRunningTests(runningTests map[string]time.Time, maxShow int) string {
	if len(runningTests) == 0 {
		return ""
	}

	// Sort running tests by duration (longest first)
	type runningTest struct {
		name     string
		duration time.Duration
	}

	var running []runningTest
	now := time.Now()
	for testName, startTime := range runningTests {
		running = append(running, runningTest{
			name:     testName,
			duration: now.Sub(startTime),
		})
	}

	// Sort by duration (longest running first)
	sort.Slice(running, func(i, j int) bool {
		return running[i].duration > running[j].duration
	})

	// Format running tests string (limit to maxShow)
	var runningStrs []string
	for i, test := range running {
		if i >= maxShow {
			break
		}
		duration := test.duration.Truncate(time.Second)
		runningStrs = append(runningStrs, fmt.Sprintf("%s (%v)", test.name, duration))
	}

	// Add indicator for additional tests not shown
	if len(running) > maxShow {
		runningStrs = append(runningStrs, fmt.Sprintf("+%d more", len(running)-maxShow))
	}

	return strings.Join(runningStrs, ", ")
}
