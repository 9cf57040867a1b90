package testplane

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/testplane/testplane/exitcodes"
	"github.com/testplane/testplane/host"
	"github.com/testplane/testplane/metrics"
	"github.com/testplane/testplane/protocol"
	"github.com/testplane/testplane/proxy"
	"github.com/testplane/testplane/session"
	"github.com/testplane/testplane/ui"
)

// cancelGracePeriod is how long a canceled operation may keep running before
// the coordinator escalates.
const cancelGracePeriod = 30 * time.Second

// Lifecycle is the start/stop contract the CLI drives.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stopped() bool
}

// Coordinator implements the Lifecycle interface.
var _ Lifecycle = &Coordinator{}

// Coordinator drives one discovery or run against a test host: spawn, attach,
// execute, summarize.
type Coordinator struct {
	ctx       context.Context
	config    *Config
	version   string
	formatter ui.SummaryFormatter
	results   []ui.RunResult

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Coordinator, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating coordinator with config",
		"sources", config.Sources,
		"host", config.HostName,
		"discoverOnly", config.DiscoverOnly,
		"connectionTimeout", config.ConnectionTimeout)

	return &Coordinator{
		ctx:              ctx,
		config:           config,
		version:          version,
		formatter:        ui.NewConsoleSummaryFormatter(config.Log, os.Stdout),
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the requested operation once and reports the outcome through the
// returned error: nil for success, TestFailureError for failing tests,
// RuntimeError for everything operational.
// Start implements the Lifecycle interface.
func (c *Coordinator) Start(ctx context.Context) error {
	// Panic anywhere below is a runtime error, exit code 2.
	defer func() {
		if r := recover(); r != nil {
			c.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	c.ctx = ctx
	c.running.Store(true)
	defer c.running.Store(false)

	if c.config.DiscoverOnly {
		c.config.Log.Info("Starting testplane in discovery mode", "sources", c.config.Sources)
	} else {
		c.config.Log.Info("Starting testplane", "sources", c.config.Sources, "host", c.config.HostName)
	}

	start := time.Now()
	result, err := c.runSession(ctx)
	if err != nil {
		c.config.Log.Error("Runtime error running tests", "error", err)
		return NewRuntimeError(err)
	}

	c.results = append(c.results, result)
	if err := c.formatter.FormatSummary(c.results, time.Since(start)); err != nil {
		c.config.Log.Error("Error printing summary", "error", err)
	}

	if !result.Passed() {
		return NewTestFailureError(fmt.Sprintf("%d of %d tests failed",
			result.Stats.Failed, result.Stats.Executed))
	}

	c.config.Log.Info("Run completed", "run_id", result.RunID,
		"executed", result.Stats.Executed, "passed", result.Stats.Passed)
	c.signalShutdown(nil)
	return nil
}

// signalShutdown notifies the embedding application on its own goroutine; the
// goroutine is tracked so WaitForShutdown sees it finish.
func (c *Coordinator) signalShutdown(err error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.shutdownCallback(err)
	}()
}

// runSession owns one host session end to end.
func (c *Coordinator) runSession(ctx context.Context) (ui.RunResult, error) {
	runID := uuid.New().String()
	start := time.Now()
	result := ui.RunResult{
		RunID:   runID[:8],
		Host:    c.config.HostName,
		Sources: c.config.Sources,
	}

	diagPath := ""
	if c.config.DiagDir != "" {
		diagPath = filepath.Join(c.config.DiagDir, fmt.Sprintf("testhost-%s.log", result.RunID))
	}

	supervisor := host.NewSupervisor(host.Config{Log: c.config.Log})
	om, err := proxy.NewOperationManager(proxy.Config{
		Log:               c.config.Log,
		Launcher:          supervisor,
		StartInfo:         c.config.HostStartInfo,
		ConnectionTimeout: c.config.ConnectionTimeout,
		SkipVersionCheck:  c.config.SkipVersionCheck,
		DiagPath:          diagPath,
	})
	if err != nil {
		return result, err
	}
	defer om.Close()

	requester, err := om.SetupChannel(ctx)
	if err != nil {
		return result, fmt.Errorf("setting up test host session: %w", err)
	}

	metrics.RecordSessionStarted()
	sessionResult := "ok"
	defer func() {
		metrics.RecordSessionEnded(result.RunID, sessionResult, time.Since(start))
	}()

	if c.config.DiscoverOnly {
		err = c.discover(ctx, requester, &result)
	} else {
		err = c.execute(ctx, requester, &result)
	}
	result.Duration = time.Since(start)
	if err != nil || !result.Passed() {
		sessionResult = "failed"
	}
	if err != nil {
		return result, err
	}

	requester.SendSessionEnd()
	return result, nil
}

// discover lists tests without running them and prints them as they arrive.
func (c *Coordinator) discover(ctx context.Context, requester *session.Requester, result *ui.RunResult) error {
	collector := newDiscoveryCollector(c.config.Log)
	if err := requester.StartDiscovery(protocol.DiscoveryRequest{Sources: c.config.Sources}, collector); err != nil {
		return fmt.Errorf("starting discovery: %w", err)
	}

	select {
	case <-collector.done:
	case <-ctx.Done():
		_ = requester.CancelDiscovery()
		select {
		case <-collector.done:
		case <-time.After(cancelGracePeriod):
			return ctx.Err()
		}
	}

	if collector.aborted {
		return errors.New("test discovery was aborted by the host")
	}
	for _, test := range collector.tests {
		fmt.Println(test)
	}
	result.Stats.Skipped = collector.total
	c.config.Log.Info("Discovery completed", "total", collector.total)
	return nil
}

// execute runs the tests and folds the terminal event into the result.
func (c *Coordinator) execute(ctx context.Context, requester *session.Requester, result *ui.RunResult) error {
	collector := newRunCollector(c.config.Log)

	req := protocol.TestRunRequest{}
	var err error
	if len(c.config.Tests) > 0 {
		req.TestCases = c.config.Tests
		err = requester.StartRunSelected(req, collector)
	} else {
		req.Sources = c.config.Sources
		err = requester.StartRunAll(req, collector)
	}
	if err != nil {
		return fmt.Errorf("starting test run: %w", err)
	}

	select {
	case <-collector.done:
	case <-ctx.Done():
		// Cancel cooperatively first; escalate to abort, then give up. Host
		// teardown happens in the operation manager's Close either way.
		_ = requester.CancelRun()
		select {
		case <-collector.done:
		case <-time.After(cancelGracePeriod):
			_ = requester.AbortRun()
			select {
			case <-collector.done:
			case <-time.After(cancelGracePeriod):
				return ctx.Err()
			}
		}
	}

	complete := collector.complete
	result.Stats = complete.Stats
	result.Aborted = complete.Aborted
	result.Canceled = complete.Canceled
	result.ErrorMessage = complete.ErrorMessage

	if complete.Aborted && complete.ErrorMessage != "" {
		return fmt.Errorf("test run aborted: %s", complete.ErrorMessage)
	}
	return nil
}

// Stop stops the coordinator.
// Stop implements the Lifecycle interface.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.config.Log.Info("Stopping testplane")

	if !c.running.Load() {
		c.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	c.running.Store(false)
	close(c.done)

	c.config.Log.Info("testplane stopped successfully")
	return nil
}

// Stopped returns true if the coordinator is stopped.
// Stopped implements the Lifecycle interface.
func (c *Coordinator) Stopped() bool {
	return !c.running.Load()
}

// Results returns the accumulated run results.
func (c *Coordinator) Results() []ui.RunResult {
	return c.results
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (c *Coordinator) WaitForShutdown(ctx context.Context) error {
	c.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.config.Log.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		c.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}

// discoveryCollector accumulates discovery events until the terminal one.
type discoveryCollector struct {
	log     log.Logger
	mu      sync.Mutex
	tests   []string
	total   int
	aborted bool
	done    chan struct{}
}

func newDiscoveryCollector(logger log.Logger) *discoveryCollector {
	return &discoveryCollector{log: logger, done: make(chan struct{})}
}

func (d *discoveryCollector) HandleDiscoveredTests(tests []string) {
	d.mu.Lock()
	d.tests = append(d.tests, tests...)
	d.mu.Unlock()
}

func (d *discoveryCollector) HandleDiscoveryComplete(total int, aborted bool) {
	d.mu.Lock()
	d.total = total
	d.aborted = aborted
	d.mu.Unlock()
	close(d.done)
}

func (d *discoveryCollector) HandleLogMessage(level, message string) {
	logHostMessage(d.log, level, message)
}

// runCollector accumulates run events until the terminal one.
type runCollector struct {
	log      log.Logger
	mu       sync.Mutex
	latest   protocol.TestRunStats
	complete protocol.ExecutionComplete
	done     chan struct{}
}

func newRunCollector(logger log.Logger) *runCollector {
	return &runCollector{log: logger, done: make(chan struct{})}
}

func (r *runCollector) HandleRunStatsChange(stats protocol.TestRunStats) {
	r.mu.Lock()
	r.latest = stats
	r.mu.Unlock()
	r.log.Debug("Run progress",
		"executed", stats.Executed, "passed", stats.Passed,
		"failed", stats.Failed, "skipped", stats.Skipped)
}

func (r *runCollector) HandleRunComplete(complete protocol.ExecutionComplete) {
	r.mu.Lock()
	r.complete = complete
	r.mu.Unlock()
	close(r.done)
}

func (r *runCollector) HandleLogMessage(level, message string) {
	logHostMessage(r.log, level, message)
}

func logHostMessage(logger log.Logger, level, message string) {
	switch level {
	case protocol.LogLevelError:
		logger.Error("Test host message", "message", message)
	case protocol.LogLevelWarning:
		logger.Warn("Test host message", "message", message)
	default:
		logger.Info("Test host message", "message", message)
	}
}
