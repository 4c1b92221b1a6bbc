package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// AllLogsFileSink writes all test results to a single "all.log" file
type AllLogsFileSink struct {
	logger *FileLogger
}

// Consume appends a test result to the all.log file
func (s *AllLogsFileSink) Consume(result *types.ExecutionResult) error {
	writer, err := s.logger.getAsyncWriter(s.logger.GetAllLogsFile())
	if err != nil {
		return err
	}

	var content strings.Builder
	fmt.Fprintf(&content, "\n")
	fmt.Fprintf(&content, "┌─────────────────────────────────────────────────────────────────────┐\n")
	fmt.Fprintf(&content, "│ TEST: %-64s │\n", truncateString(string(result.ID), 64))
	fmt.Fprintf(&content, "├─────────────────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(&content, "│ Status:   %-62s │\n", result.Status)
	if d := result.Descriptor; d != nil {
		fmt.Fprintf(&content, "│ Assembly: %-62s │\n", truncateString(d.Assembly, 62))
		fmt.Fprintf(&content, "│ Class:    %-62s │\n", truncateString(strings.Join(d.Chain(), " > "), 62))
	}
	fmt.Fprintf(&content, "│ Attempts: %-62d │\n", result.Attempts)
	fmt.Fprintf(&content, "│ Duration: %-62s │\n", formatDuration(result.Duration()))
	fmt.Fprintf(&content, "│ Time:     %-62s │\n", result.End.Format(time.RFC3339))
	fmt.Fprintf(&content, "└─────────────────────────────────────────────────────────────────────┘\n\n")

	if result.Err != nil {
		fmt.Fprintf(&content, "ERROR:\n")
		fmt.Fprintf(&content, "~~~~~~\n")
		fmt.Fprintf(&content, "%s\n", indentText(strings.Join(errorChain(result.Err), "\n"), "  "))
	}
	fmt.Fprintf(&content, "\n")

	return writer.Write([]byte(content.String()))
}

// Complete is a no-op for AllLogsFileSink
func (s *AllLogsFileSink) Complete() error {
	return nil
}

// PerTestFileSink creates a dedicated log file for each test in the passed or
// failed directory
type PerTestFileSink struct {
	logger         *FileLogger
	processedTests map[string]bool // Track which test files we've already written
	mu             sync.Mutex      // Protect the processedTests map
}

// Consume writes a test result to its own file, once per test ID
func (s *PerTestFileSink) Consume(result *types.ExecutionResult) error {
	targetDir := s.logger.GetPassedDir()
	if result.Status == types.TestStatusFail || result.Status == types.TestStatusCancel {
		targetDir = s.logger.GetFailedDir()
	}
	testFilePath := filepath.Join(targetDir, safeFilename(string(result.ID))+".log")

	s.mu.Lock()
	if s.processedTests[testFilePath] {
		s.mu.Unlock()
		return nil
	}
	s.processedTests[testFilePath] = true
	s.mu.Unlock()

	writer, err := s.logger.getAsyncWriter(testFilePath)
	if err != nil {
		return err
	}

	var content strings.Builder
	fmt.Fprintf(&content, "RESULT SUMMARY:\n")
	fmt.Fprintf(&content, "===============\n\n")
	fmt.Fprintf(&content, "Test:       %s\n", result.ID)
	fmt.Fprintf(&content, "Status:     %s\n", result.Status)
	fmt.Fprintf(&content, "Attempts:   %d\n", result.Attempts)
	fmt.Fprintf(&content, "Duration:   %s\n", formatDuration(result.Duration()))
	if d := result.Descriptor; d != nil && len(d.Dependencies) > 0 {
		deps := make([]string, 0, len(d.Dependencies))
		for _, dep := range d.Dependencies {
			deps = append(deps, dep.String())
		}
		fmt.Fprintf(&content, "Depends on: %s\n", strings.Join(deps, ", "))
	}

	if result.Err != nil {
		fmt.Fprintf(&content, "\n%s\n", strings.Repeat("-", 80))
		fmt.Fprintf(&content, "ERROR SUMMARY:\n")
		fmt.Fprintf(&content, "=============\n\n")
		for i, msg := range errorChain(result.Err) {
			if i == 0 {
				fmt.Fprintf(&content, "Error:      %s\n", msg)
				continue
			}
			fmt.Fprintf(&content, "Caused by:  %s\n", msg)
		}
	}

	return writer.Write([]byte(content.String()))
}

// Complete is a no-op for PerTestFileSink
func (s *PerTestFileSink) Complete() error {
	return nil
}

// ResultRecord is one line of the results file
type ResultRecord struct {
	ID       types.TestID     `json:"id"`
	Name     string           `json:"name"`
	Class    string           `json:"class,omitempty"`
	Assembly string           `json:"assembly,omitempty"`
	Status   types.TestStatus `json:"status"`
	Attempts int              `json:"attempts"`
	Start    time.Time        `json:"start"`
	End      time.Time        `json:"end"`
	Elapsed  float64          `json:"elapsed"` // Seconds
	Error    string           `json:"error,omitempty"`
}

// JSONResultSink writes one JSON record per test to results.jsonl
type JSONResultSink struct {
	logger *FileLogger
}

// Consume appends the record of a test result
func (s *JSONResultSink) Consume(result *types.ExecutionResult) error {
	writer, err := s.logger.getAsyncWriter(s.logger.GetResultsFile())
	if err != nil {
		return err
	}

	rec := ResultRecord{
		ID:       result.ID,
		Status:   result.Status,
		Attempts: result.Attempts,
		Start:    result.Start,
		End:      result.End,
		Elapsed:  result.Duration().Seconds(),
	}
	if d := result.Descriptor; d != nil {
		rec.Name = d.Name
		rec.Class = d.ClassName
		rec.Assembly = d.Assembly
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", result.ID, err)
	}
	return writer.Write(append(data, '\n'))
}

// Complete is a no-op for JSONResultSink
func (s *JSONResultSink) Complete() error {
	return nil
}

// errorChain lists the messages of err and every error it wraps, outermost
// first, leaving out the part each level repeats from its cause.
func errorChain(err error) []string {
	var out []string
	for err != nil {
		msg := err.Error()
		next := errors.Unwrap(err)
		if next != nil {
			msg = strings.TrimSuffix(strings.TrimSuffix(msg, next.Error()), ": ")
		}
		if msg != "" {
			out = append(out, msg)
		}
		err = next
	}
	return out
}

// indentText adds indentation to each line of text for better readability
func indentText(text, indent string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = indent + line
		}
	}
	return strings.Join(lines, "\n")
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}
