package opsched

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-scheduler/runner"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

// ResultFormatter is responsible for formatting and displaying test results.
type ResultFormatter interface {
	FormatResults(result *runner.RunResult) error
}

// ConsoleResultFormatter implements the ResultFormatter interface.
type ConsoleResultFormatter struct {
	logger log.Logger
	out    io.Writer
}

// NewConsoleResultFormatter creates a new ConsoleResultFormatter writing to
// out, or to stdout if out is nil.
func NewConsoleResultFormatter(logger log.Logger, out io.Writer) *ConsoleResultFormatter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleResultFormatter{
		logger: logger,
		out:    out,
	}
}

// FormatResults formats and displays the test results.
func (f *ConsoleResultFormatter) FormatResults(result *runner.RunResult) error {
	if result == nil {
		return fmt.Errorf("no result to format")
	}
	f.logger.Info("Printing results...")
	_, err := io.WriteString(f.out, renderResults(result))
	return err
}

// renderResults renders the results table followed by the run summary and
// any configuration or teardown errors.
func renderResults(result *runner.RunResult) string {
	var b strings.Builder
	b.WriteString(renderResultsTable(result))
	b.WriteString("\n")
	b.WriteString(resultSummary(result))
	b.WriteString("\n")

	if len(result.ConfigErrors) > 0 {
		b.WriteString("\nConfiguration errors:\n")
		for _, err := range result.ConfigErrors {
			fmt.Fprintf(&b, "  - %s\n", err)
		}
	}
	if len(result.TeardownErrors) > 0 {
		b.WriteString("\nTeardown errors:\n")
		for _, err := range result.TeardownErrors {
			fmt.Fprintf(&b, "  - %s\n", extractKeyErrorMessage(err))
		}
	}
	return b.String()
}

// resultSummary returns a one-line summary of the run.
func resultSummary(result *runner.RunResult) string {
	return fmt.Sprintf("Run %s finished with status %s: %d tests, %d passed, %d failed, %d skipped, %d cancelled (wall clock %s)",
		result.RunID,
		result.Status,
		result.Stats.Total,
		result.Stats.Passed,
		result.Stats.Failed,
		result.Stats.Skipped,
		result.Stats.Cancelled,
		formatDuration(result.WallClockTime))
}

func renderResultsTable(result *runner.RunResult) string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("Test Run Results (%s)", formatDuration(result.WallClockTime)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Skipped", "Cancelled", "Attempts", "Status", "Error",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Cancelled", Align: text.AlignRight},
		{Name: "Attempts", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, asmName := range slices.Sorted(maps.Keys(result.Assemblies)) {
		asm := result.Assemblies[asmName]
		t.AppendRow(groupRow("Assembly", asm.Name, asm.Status, asm.Stats, asm.Duration))

		classNames := slices.Sorted(maps.Keys(asm.Classes))
		for i, className := range classNames {
			class := asm.Classes[className]
			last := i == len(classNames)-1 && len(asm.Tests) == 0

			prefix, childPrefix := "├──", "│   "
			if last {
				prefix, childPrefix = "└──", "    "
			}
			t.AppendRow(groupRow("Class", fmt.Sprintf("%s %s", prefix, class.Name), class.Status, class.Stats, class.Duration))

			tests := sortedTests(class.Tests)
			for j, res := range tests {
				testPrefix := childPrefix + "├──"
				if j == len(tests)-1 {
					testPrefix = childPrefix + "└──"
				}
				t.AppendRow(testRow(testPrefix, strings.TrimPrefix(string(res.ID), class.Name+"."), res))
			}
		}

		tests := sortedTests(asm.Tests)
		for i, res := range tests {
			prefix := "├──"
			if i == len(tests)-1 {
				prefix = "└──"
			}
			t.AppendRow(testRow(prefix, string(res.ID), res))
		}

		t.AppendSeparator()
	}

	switch result.Status {
	case types.TestStatusPass:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.TestStatusSkip:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(result.Duration),
		result.Stats.Total,
		result.Stats.Passed,
		result.Stats.Failed,
		result.Stats.Skipped,
		result.Stats.Cancelled,
		"",
		getResultString(result.Status),
		"",
	})

	return t.Render()
}

// groupRow renders an assembly or class. Groups are not counted as tests.
func groupRow(kind, id string, status types.TestStatus, stats runner.ResultStats, d time.Duration) table.Row {
	return table.Row{
		kind,
		id,
		formatDuration(d),
		"-",
		stats.Passed,
		stats.Failed,
		stats.Skipped,
		stats.Cancelled,
		"-",
		getResultString(status),
		"",
	}
}

func testRow(prefix, name string, res *types.ExecutionResult) table.Row {
	return table.Row{
		"Test",
		fmt.Sprintf("%s %s", prefix, name),
		formatDuration(res.Duration()),
		"1",
		boolToInt(res.Status == types.TestStatusPass),
		boolToInt(res.Status == types.TestStatusFail),
		boolToInt(res.Status == types.TestStatusSkip),
		boolToInt(res.Status == types.TestStatusCancel),
		res.Attempts,
		getResultString(res.Status),
		extractKeyErrorMessage(res.Err),
	}
}

// sortedTests orders results by discovery order, then by ID.
func sortedTests(tests map[types.TestID]*types.ExecutionResult) []*types.ExecutionResult {
	out := slices.Collect(maps.Values(tests))
	slices.SortFunc(out, func(a, b *types.ExecutionResult) int {
		if a.Descriptor != nil && b.Descriptor != nil && a.Descriptor.Seq != b.Descriptor.Seq {
			return a.Descriptor.Seq - b.Descriptor.Seq
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}
