// Package host owns the OS process handle for a single test host instance:
// launch, stderr capture, exit detection and best-effort termination.
package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/testplane/testplane/metrics"
	"github.com/testplane/testplane/protocol"
)

// Event describes a host lifecycle milestone (launched, exited). ExitCode is
// nil while the process is still running.
type Event struct {
	Data      string
	ExitCode  *int
	ProcessID int
}

// StartInfoMutator is the single extension point for collaborators to adjust
// the start info (e.g. inject environment) before launch.
type StartInfoMutator func(*protocol.ProcessStartInfo)

// Config holds configuration for creating a new supervisor.
type Config struct {
	Log            log.Logger
	StderrCapacity int              // bytes of stderr tail to retain; 0 uses the default
	Mutator        StartInfoMutator // optional, applied once before launch
}

// Supervisor launches and monitors exactly one test host process.
type Supervisor struct {
	log     log.Logger
	stderr  *tailBuffer
	mutator StartInfoMutator

	mu           sync.Mutex
	cmd          *exec.Cmd
	pid          int
	exitReported bool
	exitCode     *int
	launchedObs  []func(Event)
	exitedObs    []func(Event)
}

// NewSupervisor creates a supervisor that has not launched anything yet.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	return &Supervisor{
		log:     cfg.Log,
		stderr:  newTailBuffer(cfg.StderrCapacity),
		mutator: cfg.Mutator,
	}
}

// OnLaunched registers an observer invoked synchronously, in registration
// order, when the process has been spawned.
func (s *Supervisor) OnLaunched(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchedObs = append(s.launchedObs, fn)
}

// OnExited registers an observer invoked exactly once when the process exits.
func (s *Supervisor) OnExited(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitedObs = append(s.exitedObs, fn)
}

// ClearObservers drops all registered observers. Used during teardown so a
// late exit cannot fire stale handlers.
func (s *Supervisor) ClearObservers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchedObs = nil
	s.exitedObs = nil
}

// Launch spawns the host process described by info. Stderr is redirected into
// the bounded tail buffer; stdout is discarded (the host talks over the
// channel, not its pipes). Fails with a LaunchFailedError if the process
// cannot start.
func (s *Supervisor) Launch(ctx context.Context, info protocol.ProcessStartInfo) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already launched a host")
	}
	s.mu.Unlock()

	if s.mutator != nil {
		s.mutator(&info)
	}
	if info.ExecutablePath == "" {
		return &LaunchFailedError{Path: "", Err: fmt.Errorf("executable path is required")}
	}

	cmd := exec.CommandContext(ctx, info.ExecutablePath, info.Arguments...)
	cmd.Dir = info.WorkingDirectory
	cmd.Stdout = io.Discard

	env := os.Environ()
	for k, v := range info.EnvironmentVariables {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return &LaunchFailedError{Path: info.ExecutablePath, Err: err}
	}

	s.log.Debug("launching test host",
		"path", info.ExecutablePath,
		"args", info.Arguments,
		"dir", info.WorkingDirectory)

	if err := cmd.Start(); err != nil {
		metrics.RecordHostLaunch("error")
		return &LaunchFailedError{Path: info.ExecutablePath, Err: err, Stderr: s.Stderr()}
	}

	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.mu.Unlock()

	metrics.RecordHostLaunch("ok")
	s.log.Info("test host launched", "pid", s.pid)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(s.stderr, stderrPipe)
	}()

	go func() {
		// The pipe must drain before Wait reaps the process.
		<-stderrDone
		waitErr := cmd.Wait()

		var code *int
		if cmd.ProcessState != nil {
			c := cmd.ProcessState.ExitCode()
			code = &c
		}
		if waitErr != nil {
			s.log.Debug("test host wait returned", "err", waitErr)
		}
		s.reportExit(code)
	}()

	s.notifyLaunched(Event{ProcessID: s.pid, Data: fmt.Sprintf("test host %d launched", s.pid)})
	return nil
}

// reportExit delivers the exited notification exactly once, regardless of how
// the wait goroutine and any teardown path race.
func (s *Supervisor) reportExit(code *int) {
	s.mu.Lock()
	if s.exitReported {
		s.mu.Unlock()
		return
	}
	s.exitReported = true
	s.exitCode = code
	pid := s.pid
	observers := make([]func(Event), len(s.exitedObs))
	copy(observers, s.exitedObs)
	s.mu.Unlock()

	exitCode := -1
	if code != nil {
		exitCode = *code
	}
	metrics.RecordHostExit(exitCode)
	s.log.Info("test host exited", "pid", pid, "exit_code", exitCode)

	ev := Event{ProcessID: pid, ExitCode: code, Data: s.Stderr()}
	for _, fn := range observers {
		s.safeInvoke(fn, ev)
	}
}

func (s *Supervisor) notifyLaunched(ev Event) {
	s.mu.Lock()
	observers := make([]func(Event), len(s.launchedObs))
	copy(observers, s.launchedObs)
	s.mu.Unlock()

	for _, fn := range observers {
		s.safeInvoke(fn, ev)
	}
}

// safeInvoke isolates observer failures: one bad observer cannot suppress
// notification to the others.
func (s *Supervisor) safeInvoke(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("host observer panicked", "error", r)
			metrics.RecordError("host_observer_panic")
		}
	}()
	fn(ev)
}

// Terminate kills the host process if it is still running. Failures are
// logged, never returned; termination is always attempted during teardown and
// must not block cleanup.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	cmd := s.cmd
	reported := s.exitReported
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil || reported {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		s.log.Debug("terminating test host", "pid", s.pid, "err", err)
	}
}

// ExitCode returns the process exit code. ok is false while the process is
// still running or no code is retrievable; that is not an error.
func (s *Supervisor) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// Exited reports whether the exit notification has fired.
func (s *Supervisor) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitReported
}

// ProcessID returns the launched host's pid, or 0 before launch.
func (s *Supervisor) ProcessID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Stderr returns the captured stderr tail with ANSI escapes stripped.
func (s *Supervisor) Stderr() string {
	return stripansi.Strip(string(s.stderr.Bytes()))
}
