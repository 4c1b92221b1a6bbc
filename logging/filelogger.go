// Package logging writes the results of a run to a per-run log directory.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"go.uber.org/multierr"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

const (
	RunDirectoryPrefix = "testrun-" // Standardized prefix for run directories
	SummaryFilename    = "summary.log"
	AllLogsFilename    = "all.log"
	ResultsFilename    = "results.jsonl"
	ConfigFilename     = "config.json"
)

// ResultSink is an interface for different ways of consuming test results
type ResultSink interface {
	// Consume processes a single test result
	Consume(result *types.ExecutionResult) error
	// Complete is called when all results have been consumed
	Complete() error
}

// FileLogger handles writing the results of one run to files
type FileLogger struct {
	baseDir      string                // Base directory for all runs
	logDir       string                // Directory of this run
	failedDir    string                // Directory for failed and cancelled tests
	passedDir    string                // Directory for passed and skipped tests
	mu           sync.Mutex            // Protects asyncWriters
	sinks        []ResultSink          // Collection of result consumers
	asyncWriters map[string]*AsyncFile // Map of async file writers
	runID        string
}

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	errs    error // Write errors, reported on Close
}

// NewAsyncFile creates a new AsyncFile for non-blocking writes
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100),
	}

	af.wg.Add(1)
	go af.processQueue()

	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return fmt.Errorf("async file is closed")
	}

	af.queue <- append([]byte(nil), data...)
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			af.errs = multierr.Append(af.errs, err)
		}
	}
}

// Close stops the async writer, waits for queued writes and closes the file
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	af.wg.Wait()
	return multierr.Append(af.errs, af.file.Close())
}

// NewFileLogger creates the run directory for runID under baseDir
func NewFileLogger(baseDir string, runID string) (*FileLogger, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	l := &FileLogger{
		baseDir:      baseDir,
		logDir:       logDir,
		failedDir:    filepath.Join(logDir, "failed"),
		passedDir:    filepath.Join(logDir, "passed"),
		asyncWriters: make(map[string]*AsyncFile),
		runID:        runID,
	}

	for _, dir := range []string{baseDir, logDir, l.failedDir, l.passedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	l.sinks = []ResultSink{
		&AllLogsFileSink{logger: l},
		&PerTestFileSink{logger: l, processedTests: make(map[string]bool)},
		&JSONResultSink{logger: l},
	}
	return l, nil
}

// getAsyncWriter gets or creates an AsyncFile for the given path
func (l *FileLogger) getAsyncWriter(path string) (*AsyncFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if writer, exists := l.asyncWriters[path]; exists {
		return writer, nil
	}

	writer, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	l.asyncWriters[path] = writer
	return writer, nil
}

func (l *FileLogger) closeAllWriters() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs error
	for path, writer := range l.asyncWriters {
		if err := writer.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("closing %s: %w", path, err))
		}
	}
	l.asyncWriters = make(map[string]*AsyncFile)
	return errs
}

// LogTestResult processes a test result through all registered sinks
func (l *FileLogger) LogTestResult(result *types.ExecutionResult) error {
	for _, sink := range l.sinks {
		if err := sink.Consume(result); err != nil {
			return fmt.Errorf("error in sink: %w", err)
		}
	}
	return nil
}

// LogSummary writes the run summary, stripped of terminal colors
func (l *FileLogger) LogSummary(summary string) error {
	writer, err := l.getAsyncWriter(l.GetSummaryFile())
	if err != nil {
		return err
	}
	return writer.Write([]byte(stripansi.Strip(summary)))
}

// LogConfig writes the effective configuration of the run
func (l *FileLogger) LogConfig(snap *types.EffectiveConfigSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config snapshot: %w", err)
	}
	return os.WriteFile(filepath.Join(l.logDir, ConfigFilename), data, 0644)
}

// Complete finalizes all sinks and closes all file writers
func (l *FileLogger) Complete() error {
	var errs error
	for _, sink := range l.sinks {
		if err := sink.Complete(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("error completing sink: %w", err))
		}
	}
	return multierr.Append(errs, l.closeAllWriters())
}

// GetDirectory returns the directory of this run
func (l *FileLogger) GetDirectory() string {
	return l.logDir
}

// GetFailedDir returns the directory containing logs for failed tests
func (l *FileLogger) GetFailedDir() string {
	return l.failedDir
}

// GetPassedDir returns the directory containing logs for passed and skipped tests
func (l *FileLogger) GetPassedDir() string {
	return l.passedDir
}

// GetSummaryFile returns the path to the summary file
func (l *FileLogger) GetSummaryFile() string {
	return filepath.Join(l.logDir, SummaryFilename)
}

// GetAllLogsFile returns the path to the all logs file
func (l *FileLogger) GetAllLogsFile() string {
	return filepath.Join(l.logDir, AllLogsFilename)
}

// GetResultsFile returns the path to the JSON lines results file
func (l *FileLogger) GetResultsFile() string {
	return filepath.Join(l.logDir, ResultsFilename)
}

// GetRunID returns the run ID
func (l *FileLogger) GetRunID() string {
	return l.runID
}

// safeFilename converts a string to a safe filename by replacing problematic characters
func safeFilename(s string) string {
	return strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"(", "_",
		")", "",
		"[", "_",
		"]", "",
		",", "-",
	).Replace(s)
}

// truncateString truncates a string to the specified max length
// and adds an ellipsis if needed
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
