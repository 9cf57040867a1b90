// Package proxy orchestrates the connection between the coordinator and a
// test host: listen, spawn, wait for the dial-back, handshake, and teardown.
package proxy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/testplane/testplane/channel"
	"github.com/testplane/testplane/host"
	"github.com/testplane/testplane/protocol"
	"github.com/testplane/testplane/session"
)

const (
	// DefaultConnectionTimeout bounds the wait for the host's dial-back.
	DefaultConnectionTimeout = 90 * time.Second

	// launchTimeout bounds process spawning itself, not the dial-back.
	launchTimeout = 10 * time.Second

	// connectPollInterval is how often the dial-back wait rechecks for a
	// host that died without connecting.
	connectPollInterval = 100 * time.Millisecond

	// debugEnvVar, when set to "1", stretches the connection timeout so a
	// human can attach a debugger to the freshly spawned host.
	debugEnvVar = "TESTPLANE_DEBUG_TESTHOST"

	debugTimeoutMultiplier = 5
)

// HostLauncher is the slice of host.Supervisor the operation manager needs.
type HostLauncher interface {
	Launch(ctx context.Context, info protocol.ProcessStartInfo) error
	OnExited(fn func(host.Event))
	ClearObservers()
	Terminate()
	Exited() bool
	ExitCode() (int, bool)
	ProcessID() int
	Stderr() string
}

var _ HostLauncher = (*host.Supervisor)(nil)

// Config holds configuration for an operation manager.
type Config struct {
	Log      log.Logger
	Launcher HostLauncher

	// StartInfo is the host process to spawn. The connection arguments are
	// appended to its Arguments at setup time.
	StartInfo protocol.ProcessStartInfo

	// ConnectionTimeout bounds the wait for the host's dial-back. Zero uses
	// DefaultConnectionTimeout.
	ConnectionTimeout time.Duration

	// SkipVersionCheck suppresses the handshake round trip, for hosts that
	// predate it.
	SkipVersionCheck bool

	// DiagPath, when set, is passed to the host as its diagnostic log file.
	DiagPath string
}

// OperationManager owns one test host connection from setup to teardown.
type OperationManager struct {
	cfg    Config
	log    log.Logger
	tracer trace.Tracer

	mu          sync.Mutex
	ch          *channel.Channel
	requester   *session.Requester
	initialized bool
	closed      bool
}

// NewOperationManager validates the config and creates an operation manager.
func NewOperationManager(cfg Config) (*OperationManager, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("host launcher is required")
	}
	if cfg.StartInfo.ExecutablePath == "" {
		return nil, fmt.Errorf("host executable path is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	return &OperationManager{
		cfg:    cfg,
		log:    cfg.Log,
		tracer: otel.Tracer("testplane/proxy"),
	}, nil
}

// SetupChannel listens, spawns the host with its dial-back arguments, waits
// for the connection and performs the handshake. It returns a pumping
// requester ready for discovery or run requests. Idempotent: a second call on
// an initialized manager returns the existing requester.
func (o *OperationManager) SetupChannel(ctx context.Context) (*session.Requester, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("operation manager is closed")
	}
	if o.initialized {
		r := o.requester
		o.mu.Unlock()
		return r, nil
	}
	o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "proxy.setup_channel")
	defer span.End()

	requester, err := o.setup(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "test host setup failed")
		// Partial setup always tears down; the next attempt starts clean.
		o.teardown()
		return nil, err
	}
	return requester, nil
}

func (o *OperationManager) setup(ctx context.Context, span trace.Span) (*session.Requester, error) {
	ch := channel.New(o.log)
	o.mu.Lock()
	o.ch = ch
	o.mu.Unlock()

	port, err := ch.SetupServer()
	if err != nil {
		return nil, fmt.Errorf("listening for the test host: %w", err)
	}
	span.SetAttributes(attribute.Int("port", port))

	info := o.cfg.StartInfo
	connInfo := protocol.ConnectionInfo{
		Port:        port,
		Endpoint:    fmt.Sprintf("127.0.0.1:%d", port),
		Role:        protocol.RoleClient,
		Transport:   protocol.TransportSocket,
		ProcessID:   os.Getpid(),
		LogFilePath: o.cfg.DiagPath,
	}
	info.Arguments = append(append([]string{}, info.Arguments...), connInfo.ToArgs()...)

	hostExited := make(chan struct{})
	var exitOnce sync.Once
	o.cfg.Launcher.OnExited(func(host.Event) {
		exitOnce.Do(func() { close(hostExited) })
	})

	// Spawning runs on its own goroutine with a bound distinct from the
	// connection wait. The host's lifetime is tied to ctx, not the bound.
	launchErr := make(chan error, 1)
	go func() {
		launchErr <- o.cfg.Launcher.Launch(ctx, info)
	}()

	select {
	case err := <-launchErr:
		if err != nil {
			return nil, fmt.Errorf("launching test host: %w", err)
		}
	case <-time.After(launchTimeout):
		return nil, &host.LaunchFailedError{
			Path: info.ExecutablePath,
			Err:  fmt.Errorf("spawn did not complete within %s", launchTimeout),
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timeout := o.cfg.ConnectionTimeout
	if os.Getenv(debugEnvVar) == "1" {
		timeout *= debugTimeoutMultiplier
		o.log.Warn("test host debugging enabled, attach now",
			"pid", o.cfg.Launcher.ProcessID(),
			"timeout", timeout)
	}

	if err := o.waitForDialBack(ctx, ch, hostExited, timeout); err != nil {
		return nil, err
	}

	requester := session.NewRequester(ch, o.log)
	requester.Start()

	// A host death from here on ends the session instead of leaving the
	// requester pumping a dead peer.
	go func() {
		select {
		case <-hostExited:
			o.log.Debug("test host exited, closing session")
			requester.Close()
		case <-requester.Done():
		}
	}()

	if !o.cfg.SkipVersionCheck {
		vctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		version, err := requester.CheckVersion(vctx)
		if err != nil {
			return nil, fmt.Errorf("protocol version handshake: %w", err)
		}
		span.SetAttributes(attribute.Int("protocol_version", version))
		o.log.Debug("test host handshake complete", "version", version)
	}

	o.mu.Lock()
	o.requester = requester
	o.initialized = true
	o.mu.Unlock()

	o.log.Info("test host session established", "pid", o.cfg.Launcher.ProcessID(), "port", port)
	return requester, nil
}

// waitForDialBack waits for the host's connection, polling so a host that
// dies without connecting fails the setup immediately instead of waiting out
// the full timeout.
func (o *OperationManager) waitForDialBack(ctx context.Context, ch *channel.Channel, hostExited <-chan struct{}, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !ch.WaitForConnection(connectPollInterval) {
		select {
		case <-hostExited:
			return o.initializationFailure()
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			if o.cfg.Launcher.Exited() {
				return o.initializationFailure()
			}
			return ErrConnectionTimedOut
		}
	}
	return nil
}

func (o *OperationManager) initializationFailure() error {
	e := &InitializationFailedError{Stderr: o.cfg.Launcher.Stderr()}
	if code, ok := o.cfg.Launcher.ExitCode(); ok {
		e.ExitCode = &code
	}
	return e
}

// Requester returns the established session, or nil before SetupChannel
// succeeds.
func (o *OperationManager) Requester() *session.Requester {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requester
}

// Close tears the operation down: best-effort session-end to the host, stop
// the pump, drop observers, terminate the process if it is still running.
// Idempotent.
func (o *OperationManager) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.teardown()
}

func (o *OperationManager) teardown() {
	o.mu.Lock()
	requester := o.requester
	ch := o.ch
	o.requester = nil
	o.ch = nil
	o.initialized = false
	o.mu.Unlock()

	if requester != nil {
		requester.SendSessionEnd()
		requester.Close()
	} else if ch != nil {
		if err := ch.Close(); err != nil {
			o.log.Debug("closing channel", "err", err)
		}
	}

	o.cfg.Launcher.ClearObservers()
	if !o.cfg.Launcher.Exited() {
		o.cfg.Launcher.Terminate()
	}
}
