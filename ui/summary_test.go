package ui

import (
	"bytes"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testplane/testplane/protocol"
)

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	f := NewConsoleSummaryFormatter(log.Root(), &buf)

	results := []RunResult{
		{
			RunID:    "run-1",
			Host:     "dotnet-host",
			Duration: 1200 * time.Millisecond,
			Stats:    protocol.TestRunStats{Executed: 10, Passed: 9, Skipped: 1},
		},
		{
			RunID:        "run-2",
			Host:         "custom-host",
			Duration:     400 * time.Millisecond,
			Stats:        protocol.TestRunStats{Executed: 3, Passed: 2, Failed: 1},
			ErrorMessage: "assertion failed in TestCheckout",
		},
	}

	require.NoError(t, f.FormatSummary(results, 2*time.Second))
	out := buf.String()

	assert.Contains(t, out, "Test Run Results (2.0s)")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "dotnet-host")
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "13")
	assert.Contains(t, out, "fail")
	assert.Contains(t, out, "assertion failed in TestCheckout")
}

func TestFormatSummaryAllPassed(t *testing.T) {
	var buf bytes.Buffer
	f := NewConsoleSummaryFormatter(log.Root(), &buf)

	results := []RunResult{
		{RunID: "run-1", Host: "h", Stats: protocol.TestRunStats{Executed: 2, Passed: 2}},
	}
	require.NoError(t, f.FormatSummary(results, time.Second))
	assert.Contains(t, buf.String(), "pass")
}

func TestRunResultStatus(t *testing.T) {
	tests := []struct {
		name   string
		result RunResult
		status string
		passed bool
	}{
		{"clean pass", RunResult{Stats: protocol.TestRunStats{Executed: 1, Passed: 1}}, "pass", true},
		{"failures", RunResult{Stats: protocol.TestRunStats{Executed: 2, Failed: 1}}, "fail", false},
		{"aborted", RunResult{Aborted: true}, "abort", false},
		{"canceled", RunResult{Canceled: true}, "cancel", false},
		{"error message", RunResult{ErrorMessage: "boom"}, "fail", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, statusString(tt.result))
			assert.Equal(t, tt.passed, tt.result.Passed())
		})
	}
}
