package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProgressLogging verifies that a progress indicator registered as a
// listener reports the run while it is in flight
func TestProgressLogging(t *testing.T) {
	var set testSet
	for i := 0; i < 4; i++ {
		set.add("ProgressSuite", fmt.Sprintf("TestProgress%d", i), func(ctx context.Context, tc *types.TestContext) error {
			time.Sleep(40 * time.Millisecond)
			return nil
		})
	}

	var progressLogs, startLogs, completeLogs []string
	var mu sync.Mutex
	customLogger := &testLogger{
		logFn: func(msg string) {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case strings.HasPrefix(msg, "Progress update"):
				progressLogs = append(progressLogs, msg)
			case strings.HasPrefix(msg, "Starting run"):
				startLogs = append(startLogs, msg)
			case strings.HasPrefix(msg, "Completed run"):
				completeLogs = append(completeLogs, msg)
			}
		},
	}

	progress := NewConsoleProgressIndicator(customLogger, 10*time.Millisecond)
	defer progress.Stop()

	s := newTestScheduler(t, Config{Concurrency: 1, Listeners: []any{progress}})
	result, err := s.Run(context.Background(), set.descs)
	require.NoError(t, err)
	assert.Equal(t, types.TestStatusPass, result.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, startLogs, 1)
	assert.Contains(t, startLogs[0], "totalTests=4")
	require.Len(t, completeLogs, 1)
	assert.Contains(t, completeLogs[0], "passed=4")
	assert.NotEmpty(t, progressLogs, "Should report progress while tests run")
	assert.Contains(t, progressLogs[0], "total=4")
}

func TestProgressIndicatorStop(t *testing.T) {
	var logs []string
	var mu sync.Mutex
	progress := NewConsoleProgressIndicator(&testLogger{logFn: func(msg string) {
		mu.Lock()
		defer mu.Unlock()
		logs = append(logs, msg)
	}}, 5*time.Millisecond)

	progress.Stop()
	progress.Stop()

	mu.Lock()
	seen := len(logs)
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, seen, len(logs), "No progress is reported once stopped")
}

func TestProgressIndicatorTracksAttempts(t *testing.T) {
	progress := NewConsoleProgressIndicator(&testLogger{logFn: func(string) {}}, time.Hour).(*consoleProgressIndicator)
	defer progress.Stop()

	desc := &types.TestDescriptor{ID: "Suite.A()", Name: "A", ClassName: "Suite"}
	ctx := context.Background()
	require.NoError(t, progress.OnDiscovery(ctx, []*types.TestDescriptor{desc}))
	require.NoError(t, progress.OnTestStart(ctx, &types.TestContext{Descriptor: desc, Attempt: 1}))
	first := progress.runningTests["Suite.A"]
	require.NoError(t, progress.OnTestStart(ctx, &types.TestContext{Descriptor: desc, Attempt: 2}))
	assert.Equal(t, first, progress.runningTests["Suite.A"], "A retry keeps the original start time")

	require.NoError(t, progress.OnTestEnd(ctx, &types.ExecutionResult{ID: desc.ID, Descriptor: desc, Status: types.TestStatusFail}))
	assert.Empty(t, progress.runningTests)
	assert.Equal(t, 1, progress.completedTests)
	assert.Equal(t, 1, progress.counts[types.TestStatusFail])
}

func TestFormatRunningTests(t *testing.T) {
	baseTime := time.Now()

	tests := []struct {
		name         string
		runningTests map[string]time.Time
		maxShow      int
		expected     string
	}{
		{
			name:         "empty map",
			runningTests: map[string]time.Time{},
			maxShow:      3,
			expected:     "",
		},
		{
			name: "single test",
			runningTests: map[string]time.Time{
				"TestOne": baseTime.Add(-2 * time.Second),
			},
			maxShow:  3,
			expected: "TestOne (2s)",
		},
		{
			name: "multiple tests sorted by duration",
			runningTests: map[string]time.Time{
				"TestOne":   baseTime.Add(-1 * time.Second),
				"TestTwo":   baseTime.Add(-3 * time.Second),
				"TestThree": baseTime.Add(-2 * time.Second),
			},
			maxShow:  3,
			expected: "TestTwo (3s), TestThree (2s), TestOne (1s)",
		},
		{
			name: "respects maxShow limit",
			runningTests: map[string]time.Time{
				"TestOne":   baseTime.Add(-1 * time.Second),
				"TestTwo":   baseTime.Add(-4 * time.Second),
				"TestThree": baseTime.Add(-3 * time.Second),
				"TestFour":  baseTime.Add(-2 * time.Second),
			},
			maxShow:  2,
			expected: "TestTwo (4s), TestThree (3s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatRunningTests(tt.runningTests, tt.maxShow)
			assert.Equal(t, tt.expected, result)
		})
	}
}
