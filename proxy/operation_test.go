package proxy

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testplane/testplane/channel"
	"github.com/testplane/testplane/host"
	"github.com/testplane/testplane/protocol"
	"github.com/testplane/testplane/session"
)

type nullEngine struct{}

func (nullEngine) InitializeExtensions([]string) error { return nil }
func (nullEngine) Discover(context.Context, protocol.DiscoveryRequest, session.DiscoverySink) (int, error) {
	return 0, nil
}
func (nullEngine) Run(context.Context, protocol.TestRunRequest, session.ProcessLauncher, session.RunSink) (protocol.TestRunStats, error) {
	return protocol.TestRunStats{}, nil
}

// fakeLauncher stands in for a host.Supervisor. Its behavior on Launch is
// configurable: dial back like a real host, die immediately, or hang.
type fakeLauncher struct {
	onLaunch func(info protocol.ProcessStartInfo)

	mu         sync.Mutex
	exitObs    []func(host.Event)
	launched   bool
	exited     bool
	exitCode   *int
	stderr     string
	pid        int
	terminated bool
}

func (f *fakeLauncher) Launch(_ context.Context, info protocol.ProcessStartInfo) error {
	f.mu.Lock()
	f.launched = true
	f.pid = 12345
	f.mu.Unlock()
	if f.onLaunch != nil {
		f.onLaunch(info)
	}
	return nil
}

func (f *fakeLauncher) OnExited(fn func(host.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitObs = append(f.exitObs, fn)
}

func (f *fakeLauncher) ClearObservers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitObs = nil
}

func (f *fakeLauncher) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
}

func (f *fakeLauncher) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

func (f *fakeLauncher) ExitCode() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exitCode == nil {
		return 0, false
	}
	return *f.exitCode, true
}

func (f *fakeLauncher) ProcessID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid
}

func (f *fakeLauncher) Stderr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stderr
}

func (f *fakeLauncher) die(code int, stderr string) {
	f.mu.Lock()
	f.exited = true
	f.exitCode = &code
	f.stderr = stderr
	observers := append([]func(host.Event){}, f.exitObs...)
	pid := f.pid
	f.mu.Unlock()
	for _, fn := range observers {
		fn(host.Event{ProcessID: pid, ExitCode: &code, Data: stderr})
	}
}

func portFromArgs(t *testing.T, args []string) int {
	t.Helper()
	for i, a := range args {
		if a == "--port" && i+1 < len(args) {
			port, err := strconv.Atoi(args[i+1])
			require.NoError(t, err)
			return port
		}
	}
	t.Fatal("no --port argument in start info")
	return 0
}

// dialingLauncher behaves like a real host: it parses the dial-back arguments
// and runs a dispatcher over a client channel.
func dialingLauncher(t *testing.T) *fakeLauncher {
	t.Helper()
	var d *session.Dispatcher
	var dmu sync.Mutex
	f := &fakeLauncher{}
	f.onLaunch = func(info protocol.ProcessStartInfo) {
		port := portFromArgs(t, info.Arguments)
		disp := session.NewDispatcher(channel.New(log.Root()), nullEngine{}, log.Root())
		require.NoError(t, disp.Connect(port))
		go func() { _ = disp.Run(context.Background()) }()
		dmu.Lock()
		d = disp
		dmu.Unlock()
	}
	t.Cleanup(func() {
		dmu.Lock()
		defer dmu.Unlock()
		if d != nil {
			d.Close()
		}
	})
	return f
}

func TestSetupChannelHappyPath(t *testing.T) {
	launcher := dialingLauncher(t)
	om, err := NewOperationManager(Config{
		Launcher:          launcher,
		StartInfo:         protocol.ProcessStartInfo{ExecutablePath: "/usr/bin/testhost", Arguments: []string{"--quiet"}},
		ConnectionTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(om.Close)

	requester, err := om.SetupChannel(context.Background())
	require.NoError(t, err)
	require.NotNil(t, requester)
	assert.Equal(t, protocol.HighestSupportedVersion, requester.NegotiatedVersion())

	// Setup is idempotent.
	again, err := om.SetupChannel(context.Background())
	require.NoError(t, err)
	assert.Same(t, requester, again)
}

func TestSetupChannelPreservesBaseArguments(t *testing.T) {
	var gotArgs []string
	launcher := &fakeLauncher{}
	launcher.onLaunch = func(info protocol.ProcessStartInfo) {
		gotArgs = info.Arguments
		port := portFromArgs(t, info.Arguments)
		disp := session.NewDispatcher(channel.New(log.Root()), nullEngine{}, log.Root())
		require.NoError(t, disp.Connect(port))
		go func() { _ = disp.Run(context.Background()) }()
	}
	om, err := NewOperationManager(Config{
		Launcher:          launcher,
		StartInfo:         protocol.ProcessStartInfo{ExecutablePath: "/usr/bin/testhost", Arguments: []string{"--quiet"}},
		ConnectionTimeout: 5 * time.Second,
		SkipVersionCheck:  true,
		DiagPath:          "/tmp/host.log",
	})
	require.NoError(t, err)
	t.Cleanup(om.Close)

	_, err = om.SetupChannel(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "--quiet", gotArgs[0])
	assert.Contains(t, gotArgs, "--parentprocessid")
	assert.Contains(t, gotArgs, "--role")
	assert.Contains(t, gotArgs, "--diag")
	assert.Contains(t, gotArgs, "/tmp/host.log")
}

func TestSetupChannelHostCrashSurfacesStderr(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.onLaunch = func(protocol.ProcessStartInfo) {
		launcher.die(134, "segfault in test adapter")
	}
	om, err := NewOperationManager(Config{
		Launcher:          launcher,
		StartInfo:         protocol.ProcessStartInfo{ExecutablePath: "/usr/bin/testhost"},
		ConnectionTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(om.Close)

	_, err = om.SetupChannel(context.Background())
	require.Error(t, err)
	assert.True(t, IsInitializationFailed(err))
	assert.Contains(t, err.Error(), "segfault in test adapter")
	assert.Contains(t, err.Error(), "134")
}

// A host that dies before dialing back must fail the setup right away, not
// after the full connection timeout.
func TestSetupChannelHostDeathFailsFast(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.onLaunch = func(protocol.ProcessStartInfo) {
		launcher.die(1, "missing runtime")
	}
	om, err := NewOperationManager(Config{
		Launcher:          launcher,
		StartInfo:         protocol.ProcessStartInfo{ExecutablePath: "/usr/bin/testhost"},
		ConnectionTimeout: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(om.Close)

	start := time.Now()
	_, err = om.SetupChannel(context.Background())
	require.Error(t, err)
	assert.True(t, IsInitializationFailed(err))
	assert.Contains(t, err.Error(), "missing runtime")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSetupChannelTimesOutWhenHostNeverConnects(t *testing.T) {
	launcher := &fakeLauncher{} // launches fine, never dials back
	om, err := NewOperationManager(Config{
		Launcher:          launcher,
		StartInfo:         protocol.ProcessStartInfo{ExecutablePath: "/usr/bin/testhost"},
		ConnectionTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(om.Close)

	_, err = om.SetupChannel(context.Background())
	assert.ErrorIs(t, err, ErrConnectionTimedOut)

	// The hung host is terminated as part of the failed setup's teardown.
	launcher.mu.Lock()
	terminated := launcher.terminated
	launcher.mu.Unlock()
	assert.True(t, terminated)
}

func TestCloseIsIdempotent(t *testing.T) {
	launcher := dialingLauncher(t)
	om, err := NewOperationManager(Config{
		Launcher:          launcher,
		StartInfo:         protocol.ProcessStartInfo{ExecutablePath: "/usr/bin/testhost"},
		ConnectionTimeout: 5 * time.Second,
		SkipVersionCheck:  true,
	})
	require.NoError(t, err)

	_, err = om.SetupChannel(context.Background())
	require.NoError(t, err)

	om.Close()
	om.Close()

	_, err = om.SetupChannel(context.Background())
	assert.Error(t, err)
}

func TestNewOperationManagerValidation(t *testing.T) {
	_, err := NewOperationManager(Config{StartInfo: protocol.ProcessStartInfo{ExecutablePath: "/x"}})
	assert.Error(t, err)

	_, err = NewOperationManager(Config{Launcher: &fakeLauncher{}})
	assert.Error(t, err)
}
