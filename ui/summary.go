package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/testplane/testplane/protocol"
)

// RunResult is one finished operation (a discovery or a run against one host)
// as the summary displays it.
type RunResult struct {
	RunID        string
	Host         string
	Sources      []string
	Duration     time.Duration
	Stats        protocol.TestRunStats
	Aborted      bool
	Canceled     bool
	ErrorMessage string
}

// Passed reports whether the run finished cleanly with no failures.
func (r RunResult) Passed() bool {
	return !r.Aborted && !r.Canceled && r.Stats.Failed == 0 && r.ErrorMessage == ""
}

// SummaryFormatter is responsible for formatting and displaying run results.
type SummaryFormatter interface {
	FormatSummary(results []RunResult, total time.Duration) error
}

// ConsoleSummaryFormatter implements the SummaryFormatter interface.
type ConsoleSummaryFormatter struct {
	logger log.Logger
	out    io.Writer
}

// NewConsoleSummaryFormatter creates a new ConsoleSummaryFormatter writing to
// the given stream.
func NewConsoleSummaryFormatter(logger log.Logger, out io.Writer) *ConsoleSummaryFormatter {
	return &ConsoleSummaryFormatter{
		logger: logger,
		out:    out,
	}
}

// FormatSummary formats and displays the run results.
func (f *ConsoleSummaryFormatter) FormatSummary(results []RunResult, total time.Duration) error {
	f.logger.Info("Printing run summary...")
	t := table.NewWriter()
	t.SetOutputMirror(f.out)
	t.SetTitle(fmt.Sprintf("Test Run Results (%s)", formatDuration(total)))

	t.AppendHeader(table.Row{
		"Run", "Host", "Duration", "Tests", "Passed", "Failed", "Skipped", "Status", "Error",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Run", WidthMax: 12, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Host", WidthMax: 30, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
	})

	var stats protocol.TestRunStats
	allPassed := true
	for _, result := range results {
		if !result.Passed() {
			allPassed = false
		}
		stats.Executed += result.Stats.Executed
		stats.Passed += result.Stats.Passed
		stats.Failed += result.Stats.Failed
		stats.Skipped += result.Stats.Skipped

		t.AppendRow(table.Row{
			result.RunID,
			result.Host,
			formatDuration(result.Duration),
			result.Stats.Executed,
			result.Stats.Passed,
			result.Stats.Failed,
			result.Stats.Skipped,
			statusString(result),
			result.ErrorMessage,
		})
	}

	if allPassed {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(total),
		stats.Executed,
		stats.Passed,
		stats.Failed,
		stats.Skipped,
		overallString(allPassed),
		"",
	})

	t.Render()
	return nil
}

func statusString(r RunResult) string {
	switch {
	case r.Aborted:
		return "abort"
	case r.Canceled:
		return "cancel"
	case r.Stats.Failed > 0 || r.ErrorMessage != "":
		return "fail"
	default:
		return "pass"
	}
}

func overallString(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}

// formatDuration renders a duration as seconds with 1 decimal place.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
