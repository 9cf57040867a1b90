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

// DiscoveryEvents receives test discovery progress on the controller side.
// Handlers are invoked from the session's receive pump; a handler panic ends
// the session.
type DiscoveryEvents interface {
	HandleDiscoveredTests(tests []string)
	HandleDiscoveryComplete(total int, aborted bool)
	HandleLogMessage(level, message string)
}

// RunEvents receives test run progress on the controller side.
type RunEvents interface {
	HandleRunStatsChange(stats protocol.TestRunStats)
	HandleRunComplete(complete protocol.ExecutionComplete)
	HandleLogMessage(level, message string)
}

// CustomHostLauncher is implemented by the controller's embedding environment
// (typically an IDE) to launch a runner process on the host's behalf, e.g.
// under a debugger.
type CustomHostLauncher interface {
	LaunchTestHost(info protocol.ProcessStartInfo) (int, error)
}

// Requester is the controller side of a session: it issues requests over the
// channel and pumps the replies/events back to the registered handlers. The
// pump runs on its own goroutine for the lifetime of the session.
type Requester struct {
	ch  *channel.Channel
	log log.Logger

	mu         sync.Mutex
	state      State
	negotiated int
	discovery  DiscoveryEvents
	run        RunEvents
	versionCh  chan int
	launcher   CustomHostLauncher
	endSent    bool

	done    chan struct{}
	endOnce sync.Once
}

// NewRequester wraps an established channel. Call Start to begin pumping.
func NewRequester(ch *channel.Channel, logger log.Logger) *Requester {
	if logger == nil {
		logger = log.Root()
	}
	return &Requester{
		ch:    ch,
		log:   logger,
		state: StateConnected,
		done:  make(chan struct{}),
	}
}

// SetCustomHostLauncher registers the environment hook that services incoming
// custom host launch requests. Without one, requests are acknowledged with an
// error.
func (r *Requester) SetCustomHostLauncher(l CustomHostLauncher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launcher = l
}

// Start spawns the receive pump.
func (r *Requester) Start() {
	go r.pump()
}

// Done is closed when the session reaches its terminal state.
func (r *Requester) Done() <-chan struct{} {
	return r.done
}

// State returns the current session state.
func (r *Requester) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// NegotiatedVersion returns the protocol version agreed during the handshake,
// or the default before any handshake completed.
func (r *Requester) NegotiatedVersion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.negotiated == 0 {
		return protocol.DefaultVersion
	}
	return r.negotiated
}

func (r *Requester) pump() {
	var cause error
	defer func() { r.end(cause) }()

	for {
		m, err := r.ch.Receive()
		if err != nil {
			select {
			case <-r.done:
				// Expected during teardown.
			default:
				r.log.Debug("session receive loop stopped", "err", err)
				cause = err
			}
			return
		}

		r.mu.Lock()
		if r.state == StateConnected {
			r.state = StateActiveSession
		}
		r.mu.Unlock()

		if !r.dispatch(m) {
			return
		}
	}
}

// abortActiveHandlers delivers a synthesized terminal event to any handler
// still waiting, so a peer disconnect never leaves the caller hanging.
func (r *Requester) abortActiveHandlers(cause error) {
	r.mu.Lock()
	run := r.run
	disc := r.discovery
	r.run = nil
	r.discovery = nil
	r.mu.Unlock()

	if run != nil {
		run.HandleRunComplete(protocol.ExecutionComplete{
			Aborted:      true,
			ErrorMessage: cause.Error(),
		})
	}
	if disc != nil {
		disc.HandleDiscoveryComplete(-1, true)
	}
}

// dispatch routes one message. Returns false when the session must end. Any
// failure handling a single message is session-ending: a half-alive protocol
// session is unsafe to keep driving.
func (r *Requester) dispatch(m *protocol.Message) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler failed, ending session", "kind", m.MessageType, "error", rec)
			metrics.RecordError("requester_handler_panic")
			ok = false
		}
	}()

	switch m.MessageType {
	case protocol.KindSessionConnected:
		r.log.Debug("test host session connected")

	case protocol.KindVersionCheck:
		var v int
		if err := m.UnmarshalPayload(&v); err != nil {
			r.log.Error("bad version check reply", "err", err)
			return false
		}
		r.mu.Lock()
		r.negotiated = v
		versionCh := r.versionCh
		r.mu.Unlock()
		if versionCh != nil {
			select {
			case versionCh <- v:
			default:
			}
		}

	case protocol.KindDiscoveryTestFound:
		var found protocol.TestsFound
		if err := m.UnmarshalPayload(&found); err != nil {
			r.log.Error("bad discovery chunk", "err", err)
			return false
		}
		if d := r.discoveryHandler(); d != nil {
			d.HandleDiscoveredTests(found.Tests)
		}

	case protocol.KindDiscoveryComplete:
		var complete protocol.DiscoveryComplete
		if err := m.UnmarshalPayload(&complete); err != nil {
			r.log.Error("bad discovery complete", "err", err)
			return false
		}
		r.mu.Lock()
		d := r.discovery
		r.discovery = nil
		r.mu.Unlock()
		if d != nil {
			if len(complete.LastChunk) > 0 {
				d.HandleDiscoveredTests(complete.LastChunk)
			}
			d.HandleDiscoveryComplete(complete.TotalTests, complete.Aborted)
		}

	case protocol.KindRunStatsChange:
		var stats protocol.TestRunStats
		if err := m.UnmarshalPayload(&stats); err != nil {
			r.log.Error("bad run stats", "err", err)
			return false
		}
		if h := r.runHandler(); h != nil {
			h.HandleRunStatsChange(stats)
		}

	case protocol.KindExecutionComplete:
		var complete protocol.ExecutionComplete
		if err := m.UnmarshalPayload(&complete); err != nil {
			r.log.Error("bad execution complete", "err", err)
			return false
		}
		r.mu.Lock()
		h := r.run
		r.run = nil
		r.mu.Unlock()
		if h != nil {
			h.HandleRunComplete(complete)
		}

	case protocol.KindTestMessage:
		var msg protocol.LogMessage
		if err := m.UnmarshalPayload(&msg); err != nil {
			r.log.Error("bad test message", "err", err)
			return false
		}
		r.routeLogMessage(msg)

	case protocol.KindCustomHostLaunch:
		r.handleCustomHostLaunch(m)

	case protocol.KindSessionEnd:
		r.log.Debug("peer requested session end")
		return false

	default:
		// Unknown kinds are logged and dropped, never fatal to the channel.
		r.log.Warn("dropping message with unexpected kind", "kind", m.MessageType)
		metrics.RecordProtocolViolation(m.MessageType)
	}
	return true
}

func (r *Requester) discoveryHandler() DiscoveryEvents {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovery
}

func (r *Requester) runHandler() RunEvents {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}

func (r *Requester) routeLogMessage(msg protocol.LogMessage) {
	r.mu.Lock()
	run := r.run
	disc := r.discovery
	r.mu.Unlock()

	switch {
	case run != nil:
		run.HandleLogMessage(msg.Level, msg.Message)
	case disc != nil:
		disc.HandleLogMessage(msg.Level, msg.Message)
	default:
		r.log.Info("test host message", "level", msg.Level, "message", msg.Message)
	}
}

// handleCustomHostLaunch services the host's request to have the environment
// spawn a runner process, replying with the pid or an error string. The
// launch itself may take as long as the environment needs; the host's waiting
// side is unbounded by design.
func (r *Requester) handleCustomHostLaunch(m *protocol.Message) {
	var info protocol.ProcessStartInfo
	ack := protocol.CustomHostLaunchAck{}

	if err := m.UnmarshalPayload(&info); err != nil {
		ack.ErrorMessage = fmt.Sprintf("bad launch request: %v", err)
	} else {
		r.mu.Lock()
		launcher := r.launcher
		r.mu.Unlock()
		if launcher == nil {
			ack.ErrorMessage = "no custom test host launcher registered"
		} else if pid, err := launcher.LaunchTestHost(info); err != nil {
			ack.ErrorMessage = err.Error()
		} else {
			ack.HostProcessID = pid
		}
	}

	if ack.ErrorMessage != "" {
		r.log.Warn("custom test host launch failed", "err", ack.ErrorMessage)
	}
	if err := r.ch.Send(protocol.KindCustomHostLaunchCallback, ack, r.NegotiatedVersion()); err != nil {
		r.log.Error("sending custom host launch ack", "err", err)
	}
}

// CheckVersion performs the handshake round trip. The reply is a bare
// integer; see the dispatcher for the wire-compatibility constraint.
func (r *Requester) CheckVersion(ctx context.Context) (int, error) {
	versionCh := make(chan int, 1)
	r.mu.Lock()
	r.versionCh = versionCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.versionCh = nil
		r.mu.Unlock()
	}()

	if err := r.ch.Send(protocol.KindVersionCheck, protocol.HighestSupportedVersion, protocol.DefaultVersion); err != nil {
		return 0, fmt.Errorf("sending version check: %w", err)
	}

	select {
	case v := <-versionCh:
		r.log.Debug("protocol version negotiated", "version", v)
		return v, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-r.done:
		return 0, ErrSessionEnded
	}
}

// InitializeExtensions pushes extension paths to the host. Fire-and-forget.
func (r *Requester) InitializeExtensions(paths []string) error {
	return r.ch.Send(protocol.KindExtensionsInitialize,
		protocol.ExtensionsInitialize{Paths: paths}, r.NegotiatedVersion())
}

// StartDiscovery begins test discovery; events arrive on the pump until
// HandleDiscoveryComplete fires.
func (r *Requester) StartDiscovery(req protocol.DiscoveryRequest, events DiscoveryEvents) error {
	if events == nil {
		return fmt.Errorf("discovery events handler is required")
	}
	r.mu.Lock()
	if r.state == StateEnded {
		r.mu.Unlock()
		return ErrSessionEnded
	}
	if r.discovery != nil {
		r.mu.Unlock()
		return fmt.Errorf("discovery already in progress")
	}
	r.discovery = events
	r.mu.Unlock()

	if err := r.ch.Send(protocol.KindStartDiscovery, req, r.NegotiatedVersion()); err != nil {
		r.mu.Lock()
		r.discovery = nil
		r.mu.Unlock()
		return err
	}
	return nil
}

// StartRunAll runs every test in the request's sources on the default host.
func (r *Requester) StartRunAll(req protocol.TestRunRequest, events RunEvents) error {
	return r.startRun(protocol.KindRunAllWithDefaultHost, req, events)
}

// StartRunSelected runs the request's selected test cases on the default host.
func (r *Requester) StartRunSelected(req protocol.TestRunRequest, events RunEvents) error {
	return r.startRun(protocol.KindRunSelectedWithDefaultHost, req, events)
}

// StartRunAllWithCustomHost asks the host to come back with a runner start
// info and drive the launch through the registered CustomHostLauncher.
func (r *Requester) StartRunAllWithCustomHost(req protocol.TestRunRequest, events RunEvents) error {
	return r.startRun(protocol.KindGetRunnerStartInfoForRunAll, req, events)
}

// StartRunSelectedWithCustomHost is the selected-cases variant of
// StartRunAllWithCustomHost.
func (r *Requester) StartRunSelectedWithCustomHost(req protocol.TestRunRequest, events RunEvents) error {
	return r.startRun(protocol.KindGetRunnerStartInfoForRunSelected, req, events)
}

func (r *Requester) startRun(kind string, req protocol.TestRunRequest, events RunEvents) error {
	if events == nil {
		return fmt.Errorf("run events handler is required")
	}
	r.mu.Lock()
	if r.state == StateEnded {
		r.mu.Unlock()
		return ErrSessionEnded
	}
	if r.run != nil {
		r.mu.Unlock()
		return fmt.Errorf("test run already in progress")
	}
	r.run = events
	r.mu.Unlock()

	if err := r.ch.Send(kind, req, r.NegotiatedVersion()); err != nil {
		r.mu.Lock()
		r.run = nil
		r.mu.Unlock()
		return err
	}
	return nil
}

// CancelDiscovery asks the host to stop discovering. Cooperative; the pump
// keeps running until the host completes the discovery.
func (r *Requester) CancelDiscovery() error {
	return r.ch.Send(protocol.KindCancelDiscovery, nil, r.NegotiatedVersion())
}

// CancelRun asks the host to stop the active run cooperatively.
func (r *Requester) CancelRun() error {
	return r.ch.Send(protocol.KindCancelTestRun, nil, r.NegotiatedVersion())
}

// AbortRun asks the host to abandon the active run.
func (r *Requester) AbortRun() error {
	return r.ch.Send(protocol.KindAbortTestRun, nil, r.NegotiatedVersion())
}

// SendSessionEnd tells the host to shut down. Best-effort and at most once:
// repeated teardown never produces duplicate session-end sends.
func (r *Requester) SendSessionEnd() {
	r.mu.Lock()
	if r.endSent {
		r.mu.Unlock()
		return
	}
	r.endSent = true
	r.mu.Unlock()

	if err := r.ch.Send(protocol.KindSessionEnd, nil, r.NegotiatedVersion()); err != nil {
		r.log.Debug("sending session end", "err", err)
	}
}

// Close ends the session locally. Idempotent.
func (r *Requester) Close() {
	r.end(nil)
}

// end transitions to the terminal state exactly once. Every route here —
// local close, peer session-end, receive failure — delivers a synthesized
// terminal event to any handler still waiting; cause becomes its error
// message.
func (r *Requester) end(cause error) {
	r.endOnce.Do(func() {
		if cause == nil {
			cause = ErrSessionEnded
		}
		r.mu.Lock()
		r.state = StateEnded
		r.mu.Unlock()
		close(r.done)
		if err := r.ch.Close(); err != nil {
			r.log.Debug("closing channel", "err", err)
		}
		r.abortActiveHandlers(cause)
	})
}
