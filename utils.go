package opsched

import (
	"fmt"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// Helper function to convert bool to int
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// getResultString returns a string representing the test result
func getResultString(status types.TestStatus) string {
	switch status {
	case types.TestStatusPass:
		return "✓ pass"
	case types.TestStatusSkip:
		return "- skip"
	case types.TestStatusCancel:
		return "⊘ cancel"
	default:
		return "✗ fail"
	}
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// keyErrorMarkers point at the part of an error message worth showing in a
// one-line summary.
var keyErrorMarkers = []string{
	"test panicked:",
	"timed out after",
	"precondition not met:",
	"assertion failed:",
}

// extractKeyErrorMessage extracts the most pertinent part of the error message for display
func extractKeyErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	errStr := stripansi.Strip(err.Error())
	for _, marker := range keyErrorMarkers {
		if idx := strings.Index(errStr, marker); idx != -1 {
			errStr = errStr[idx:]
			break
		}
	}

	// Limit to the first line or 80 chars
	if idx := strings.Index(errStr, "\n"); idx != -1 {
		errStr = errStr[:idx]
	}
	if len(errStr) > 80 {
		return errStr[:77] + "..."
	}
	return errStr
}
