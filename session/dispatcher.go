package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testplane/testplane/channel"
	"github.com/testplane/testplane/metrics"
	"github.com/testplane/testplane/protocol"
)

// DiscoverySink is how an engine reports discovery progress; the dispatcher
// relays it over the channel.
type DiscoverySink interface {
	TestsFound(tests []string)
	Log(level, message string)
}

// RunSink is how an engine reports run progress.
type RunSink interface {
	StatsChanged(stats protocol.TestRunStats)
	Log(level, message string)
}

// ProcessLauncher spawns a process on the engine's behalf and returns its
// pid. During custom-host runs this is backed by RequestCustomLaunch, which
// round-trips through the controller's environment.
type ProcessLauncher func(ctx context.Context, info protocol.ProcessStartInfo) (int, error)

// TestEngine is the pluggable implementation that actually discovers and
// executes tests inside the host process.
type TestEngine interface {
	// InitializeExtensions preloads extension assemblies.
	InitializeExtensions(paths []string) error

	// Discover reports found tests through the sink and returns the total.
	// It should return promptly once ctx is canceled.
	Discover(ctx context.Context, req protocol.DiscoveryRequest, sink DiscoverySink) (int, error)

	// Run executes tests, streaming progress through the sink. launcher is
	// non-nil only for custom-host runs. Returns the final stats.
	Run(ctx context.Context, req protocol.TestRunRequest, launcher ProcessLauncher, sink RunSink) (protocol.TestRunStats, error)
}

// Dispatcher is the host side of a session: it dials back to the controller,
// serves its requests via a kind->handler table, and keeps the loop free to
// accept cancel/abort by running discovery/execution on a background
// goroutine.
type Dispatcher struct {
	ch     *channel.Channel
	engine TestEngine
	log    log.Logger

	mu         sync.Mutex
	state      State
	negotiated int
	opCancel   context.CancelFunc
	opAborted  bool

	done    chan struct{}
	endOnce sync.Once
	wg      sync.WaitGroup

	// launchMu serializes custom launch requests: at most one may be in
	// flight per channel, a design constraint of the correlation slot.
	launchMu sync.Mutex
	ackMu    sync.Mutex
	ackSlot  chan *protocol.Message
}

// NewDispatcher creates a host-side dispatcher around an unconnected channel.
func NewDispatcher(ch *channel.Channel, engine TestEngine, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Root()
	}
	return &Dispatcher{
		ch:         ch,
		engine:     engine,
		log:        logger,
		state:      StateIdle,
		negotiated: protocol.DefaultVersion,
		done:       make(chan struct{}),
	}
}

// Connect dials the controller's listener and announces the session.
func (d *Dispatcher) Connect(port int) error {
	d.mu.Lock()
	d.state = StateAwaitingConnection
	d.mu.Unlock()

	if err := d.ch.SetupClient(port); err != nil {
		d.mu.Lock()
		d.state = StateEnded
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	d.state = StateConnected
	d.mu.Unlock()

	return d.ch.Send(protocol.KindSessionConnected, nil, protocol.DefaultVersion)
}

// State returns the current session state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed when the session reaches its terminal state.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run drives the dispatch loop until the session ends: explicit session-end,
// peer disconnect, or an unrecoverable handler failure. It always tears the
// channel down on the way out.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.end()

	for {
		m, err := d.ch.Receive()
		if err != nil {
			select {
			case <-d.done:
			default:
				d.log.Debug("dispatch loop stopped", "err", err)
			}
			return nil
		}

		d.mu.Lock()
		if d.state == StateConnected {
			d.state = StateActiveSession
		}
		d.mu.Unlock()

		if !d.handle(ctx, m) {
			return nil
		}
	}
}

// handle processes one message. A failure inside a handler is session-ending;
// the loop does not continue after an unhandled handler error.
func (d *Dispatcher) handle(ctx context.Context, m *protocol.Message) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("handler failed, ending session", "kind", m.MessageType, "error", rec)
			metrics.RecordError("dispatcher_handler_panic")
			ok = false
		}
	}()

	switch m.MessageType {
	case protocol.KindVersionCheck:
		return d.handleVersionCheck(m)

	case protocol.KindExtensionsInitialize:
		var init protocol.ExtensionsInitialize
		if err := m.UnmarshalPayload(&init); err != nil {
			d.log.Error("bad extensions payload", "err", err)
			return false
		}
		if err := d.engine.InitializeExtensions(init.Paths); err != nil {
			d.log.Error("initializing extensions", "err", err)
			return false
		}

	case protocol.KindStartDiscovery:
		var req protocol.DiscoveryRequest
		if err := m.UnmarshalPayload(&req); err != nil {
			d.log.Error("bad discovery request", "err", err)
			return false
		}
		d.startDiscovery(ctx, req)

	case protocol.KindRunAllWithDefaultHost, protocol.KindRunSelectedWithDefaultHost:
		var req protocol.TestRunRequest
		if err := m.UnmarshalPayload(&req); err != nil {
			d.log.Error("bad run request", "err", err)
			return false
		}
		d.startRun(ctx, req, nil)

	case protocol.KindGetRunnerStartInfoForRunAll, protocol.KindGetRunnerStartInfoForRunSelected:
		var req protocol.TestRunRequest
		if err := m.UnmarshalPayload(&req); err != nil {
			d.log.Error("bad run request", "err", err)
			return false
		}
		d.startRun(ctx, req, d.RequestCustomLaunch)

	case protocol.KindCancelDiscovery, protocol.KindCancelTestRun:
		d.cancelOp(false)

	case protocol.KindAbortTestRun:
		d.cancelOp(true)

	case protocol.KindCustomHostLaunchCallback:
		d.deliverAck(m)

	case protocol.KindSessionEnd:
		d.log.Debug("controller requested session end")
		return false

	default:
		d.log.Warn("dropping message with unexpected kind", "kind", m.MessageType)
		metrics.RecordProtocolViolation(m.MessageType)
	}
	return true
}

// handleVersionCheck negotiates the protocol version. The reply payload is a
// bare integer, not a structured object: older peers predate structured
// version payloads and parse the raw number, so the shape is frozen.
func (d *Dispatcher) handleVersionCheck(m *protocol.Message) bool {
	var requested int
	if err := m.UnmarshalPayload(&requested); err != nil {
		d.log.Error("bad version check payload", "err", err)
		return false
	}

	negotiated := min(requested, protocol.HighestSupportedVersion)
	if negotiated < protocol.VersionLegacy {
		negotiated = protocol.VersionLegacy
	}
	d.mu.Lock()
	d.negotiated = negotiated
	d.mu.Unlock()

	d.log.Debug("protocol version negotiated", "requested", requested, "negotiated", negotiated)
	if err := d.ch.Send(protocol.KindVersionCheck, negotiated, protocol.DefaultVersion); err != nil {
		d.log.Error("sending version check reply", "err", err)
		return false
	}
	return true
}

func (d *Dispatcher) version() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.negotiated
}

// startDiscovery runs discovery on a background goroutine so the loop stays
// free for cancel messages, and always terminates with a discovery-complete.
func (d *Dispatcher) startDiscovery(ctx context.Context, req protocol.DiscoveryRequest) {
	opCtx := d.beginOp(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		total := 0
		var discoverErr error
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					discoverErr = fmt.Errorf("discovery panicked: %v", rec)
				}
			}()
			total, discoverErr = d.engine.Discover(opCtx, req, &discoverySink{d: d})
		}()

		complete := protocol.DiscoveryComplete{TotalTests: total}
		if discoverErr != nil {
			d.log.Error("discovery failed", "err", discoverErr)
			complete.Aborted = true
			complete.TotalTests = -1
			d.sendLog(protocol.LogLevelError, discoverErr.Error())
		} else if opCtx.Err() != nil {
			complete.Aborted = true
		}
		if err := d.ch.Send(protocol.KindDiscoveryComplete, complete, d.version()); err != nil {
			d.log.Debug("sending discovery complete", "err", err)
		}
		d.finishOp()
	}()
}

// startRun executes a run on a background goroutine. Whatever happens on that
// goroutine, an execution-complete goes back over the channel; the controller
// has no other signal that the run will never finish.
func (d *Dispatcher) startRun(ctx context.Context, req protocol.TestRunRequest, launcher ProcessLauncher) {
	opCtx := d.beginOp(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		var stats protocol.TestRunStats
		var runErr error
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					runErr = fmt.Errorf("test run panicked: %v", rec)
				}
			}()
			stats, runErr = d.engine.Run(opCtx, req, launcher, &runSink{d: d})
		}()

		complete := protocol.ExecutionComplete{Stats: stats}
		if runErr != nil {
			d.log.Error("test run failed", "err", runErr)
			complete.Aborted = true
			complete.ErrorMessage = runErr.Error()
		} else if opCtx.Err() != nil {
			if d.wasAborted() {
				complete.Aborted = true
			} else {
				complete.Canceled = true
			}
		}
		if err := d.ch.Send(protocol.KindExecutionComplete, complete, d.version()); err != nil {
			d.log.Debug("sending execution complete", "err", err)
		}
		d.finishOp()
	}()
}

func (d *Dispatcher) beginOp(ctx context.Context) context.Context {
	opCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	if d.opCancel != nil {
		// One operation at a time; a new request supersedes a finished
		// one, never overlaps a live one in practice.
		d.log.Warn("operation requested while another is active")
	}
	d.opCancel = cancel
	d.opAborted = false
	d.mu.Unlock()
	return opCtx
}

func (d *Dispatcher) finishOp() {
	d.mu.Lock()
	if d.opCancel != nil {
		d.opCancel()
		d.opCancel = nil
	}
	d.mu.Unlock()
}

// cancelOp is cooperative: it cancels the background operation's context and
// keeps the dispatch loop running. It never forcibly interrupts the run.
func (d *Dispatcher) cancelOp(abort bool) {
	d.mu.Lock()
	cancel := d.opCancel
	if abort {
		d.opAborted = true
	}
	d.mu.Unlock()

	if cancel != nil {
		d.log.Info("canceling active operation", "abort", abort)
		cancel()
	} else {
		d.log.Debug("cancel requested with no active operation")
	}
}

func (d *Dispatcher) wasAborted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opAborted
}

// RequestCustomLaunch asks the controller's environment to spawn a process
// and blocks until the acknowledgment arrives on the dispatch loop. The wait
// is unbounded by design: launch duration is controlled by the environment
// (an IDE interaction may be in flight) and no local timeout can safely abort
// it. Cancellation via ctx abandons the wait. At most one request may be
// outstanding; a concurrent caller blocks until the first completes.
func (d *Dispatcher) RequestCustomLaunch(ctx context.Context, info protocol.ProcessStartInfo) (int, error) {
	d.launchMu.Lock()
	defer d.launchMu.Unlock()

	slot := make(chan *protocol.Message, 1)
	d.ackMu.Lock()
	d.ackSlot = slot
	d.ackMu.Unlock()
	defer func() {
		d.ackMu.Lock()
		d.ackSlot = nil
		d.ackMu.Unlock()
	}()

	if err := d.ch.Send(protocol.KindCustomHostLaunch, info, d.version()); err != nil {
		metrics.RecordCustomLaunch("send_error")
		return 0, fmt.Errorf("sending custom host launch request: %w", err)
	}

	select {
	case m := <-slot:
		var ack protocol.CustomHostLaunchAck
		if err := m.UnmarshalPayload(&ack); err != nil {
			metrics.RecordCustomLaunch("bad_ack")
			return 0, fmt.Errorf("bad launch ack: %w", err)
		}
		if ack.HostProcessID > 0 {
			metrics.RecordCustomLaunch("ok")
			return ack.HostProcessID, nil
		}
		metrics.RecordCustomLaunch("error")
		return 0, &CustomHostLaunchFailedError{Message: ack.ErrorMessage}
	case <-ctx.Done():
		metrics.RecordCustomLaunch("abandoned")
		return 0, ctx.Err()
	case <-d.done:
		metrics.RecordCustomLaunch("session_ended")
		return 0, ErrSessionEnded
	}
}

// deliverAck hands the ack to the waiting launch request and clears the slot
// immediately so a stale handler can never fire on later messages.
func (d *Dispatcher) deliverAck(m *protocol.Message) {
	d.ackMu.Lock()
	slot := d.ackSlot
	d.ackSlot = nil
	d.ackMu.Unlock()

	if slot == nil {
		d.log.Warn("launch ack with no pending request")
		metrics.RecordProtocolViolation(m.MessageType)
		return
	}
	slot <- m
}

// sendLog relays a diagnostic message to the controller.
func (d *Dispatcher) sendLog(level, message string) {
	if err := d.ch.Send(protocol.KindTestMessage,
		protocol.LogMessage{Level: level, Message: message}, d.version()); err != nil {
		d.log.Debug("sending test message", "err", err)
	}
}

// Close ends the session locally. Idempotent.
func (d *Dispatcher) Close() {
	d.end()
}

// WaitForBackgroundOps blocks until all background operations have finished.
// Useful in tests to ensure complete cleanup.
func (d *Dispatcher) WaitForBackgroundOps() {
	d.wg.Wait()
}

func (d *Dispatcher) end() {
	d.endOnce.Do(func() {
		d.mu.Lock()
		d.state = StateEnded
		if d.opCancel != nil {
			d.opCancel()
		}
		d.mu.Unlock()
		close(d.done)
		if err := d.ch.Close(); err != nil {
			d.log.Debug("closing channel", "err", err)
		}
	})
}

type discoverySink struct {
	d *Dispatcher
}

func (s *discoverySink) TestsFound(tests []string) {
	if err := s.d.ch.Send(protocol.KindDiscoveryTestFound,
		protocol.TestsFound{Tests: tests}, s.d.version()); err != nil {
		s.d.log.Debug("sending discovery chunk", "err", err)
	}
}

func (s *discoverySink) Log(level, message string) {
	s.d.sendLog(level, message)
}

type runSink struct {
	d *Dispatcher
}

func (s *runSink) StatsChanged(stats protocol.TestRunStats) {
	if err := s.d.ch.Send(protocol.KindRunStatsChange, stats, s.d.version()); err != nil {
		s.d.log.Debug("sending run stats", "err", err)
	}
}

func (s *runSink) Log(level, message string) {
	s.d.sendLog(level, message)
}
