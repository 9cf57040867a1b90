package protocol

import (
	"fmt"
	"strconv"
)

// ConnectionInfo tells a spawned test host how to dial back to the
// coordinator. Immutable once constructed; it is serialized onto the host's
// command line, not sent over the wire.
type ConnectionInfo struct {
	Port        int    `json:"Port"`
	Endpoint    string `json:"Endpoint"`
	Role        string `json:"Role"`      // "client" or "server"
	Transport   string `json:"Transport"` // only "socket" today
	ProcessID   int    `json:"ProcessId"` // coordinator pid, for the host's parent watchdog
	LogFilePath string `json:"LogFilePath,omitempty"`
}

const (
	RoleClient = "client"
	RoleServer = "server"

	TransportSocket = "socket"
)

// ToArgs renders the connection info as the command-line contract the spawned
// host understands. Port and parent pid are always present so the host can
// dial back and self-terminate if the coordinator dies.
func (c ConnectionInfo) ToArgs() []string {
	args := []string{
		"--port", strconv.Itoa(c.Port),
		"--endpoint", c.Endpoint,
		"--role", c.Role,
		"--parentprocessid", strconv.Itoa(c.ProcessID),
	}
	if c.LogFilePath != "" {
		args = append(args, "--diag", c.LogFilePath)
	}
	return args
}

// ProcessStartInfo describes a process to launch: the test host itself, or a
// runner the host asks the controller to launch on its behalf.
type ProcessStartInfo struct {
	ExecutablePath       string            `json:"FileName"`
	Arguments            []string          `json:"Arguments"`
	WorkingDirectory     string            `json:"WorkingDirectory,omitempty"`
	EnvironmentVariables map[string]string `json:"EnvironmentVariables,omitempty"`
}

func (p ProcessStartInfo) String() string {
	return fmt.Sprintf("%s %v (cwd=%s)", p.ExecutablePath, p.Arguments, p.WorkingDirectory)
}

// DiscoveryRequest starts test discovery over a set of test containers.
type DiscoveryRequest struct {
	Sources []string `json:"Sources"`
}

// TestRunRequest starts a test run. Either Sources (run everything in the
// containers) or TestCases (run a selection) is populated, never both.
type TestRunRequest struct {
	Sources   []string `json:"Sources,omitempty"`
	TestCases []string `json:"TestCases,omitempty"`
}

// TestsFound is a discovery progress chunk.
type TestsFound struct {
	Tests []string `json:"Tests"`
}

// DiscoveryComplete terminates a discovery session.
type DiscoveryComplete struct {
	TotalTests int      `json:"TotalTests"`
	LastChunk  []string `json:"LastChunk,omitempty"`
	Aborted    bool     `json:"IsAborted"`
}

// TestRunStats is the periodic progress payload during a run.
type TestRunStats struct {
	Executed int `json:"ExecutedTests"`
	Passed   int `json:"PassedTests"`
	Failed   int `json:"FailedTests"`
	Skipped  int `json:"SkippedTests"`
}

// ExecutionComplete is the terminal event for a test run. When a run dies on
// the host (panic, handler error), the host synthesizes one of these with
// ErrorMessage set so the controller is never left hanging.
type ExecutionComplete struct {
	Stats           TestRunStats `json:"TestRunStats"`
	Aborted         bool         `json:"IsAborted"`
	Canceled        bool         `json:"IsCanceled"`
	ErrorMessage    string       `json:"ErrorMessage,omitempty"`
	ElapsedSeconds  float64      `json:"ElapsedTimeInRunningTests"`
	AttachmentPaths []string     `json:"Attachments,omitempty"`
}

// LogMessage is a diagnostic message relayed from the host.
type LogMessage struct {
	Level   string `json:"MessageLevel"`
	Message string `json:"Message"`
}

// Log message levels.
const (
	LogLevelInformational = "Informational"
	LogLevelWarning       = "Warning"
	LogLevelError         = "Error"
)

// CustomHostLaunchAck acknowledges a custom host launch request. Exactly one
// of HostProcessID (> 0) or ErrorMessage is meaningful.
type CustomHostLaunchAck struct {
	HostProcessID int    `json:"HostProcessId"`
	ErrorMessage  string `json:"ErrorMessage,omitempty"`
}

// ExtensionsInitialize carries the extension assembly paths to preload.
type ExtensionsInitialize struct {
	Paths []string `json:"PathToAdditionalExtensions"`
}
