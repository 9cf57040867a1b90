package testplane

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testplane/testplane/protocol"
)

func testConfig() *Config {
	return &Config{
		Sources:           []string{"/tmp/tests.dll"},
		HostStartInfo:     protocol.ProcessStartInfo{ExecutablePath: "/usr/bin/testhost"},
		HostName:          "testhost",
		ConnectionTimeout: time.Second,
		Log:               log.Root(),
	}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, "v1.0.0", func(error) {})
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	c, err := New(context.Background(), testConfig(), "v1.0.0", func(error) {})
	require.NoError(t, err)

	c.running.Store(true)
	require.NoError(t, c.Stop(context.Background()))
	assert.True(t, c.Stopped())

	// Second stop must not close the done channel again.
	require.NoError(t, c.Stop(context.Background()))
}

func TestWaitForShutdown(t *testing.T) {
	c, err := New(context.Background(), testConfig(), "v1.0.0", func(error) {})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.WaitForShutdown(ctx))
}

func TestWaitForShutdownWaitsForCallback(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c, err := New(context.Background(), testConfig(), "v1.0.0", func(error) {
		close(entered)
		<-release
	})
	require.NoError(t, err)

	c.signalShutdown(nil)
	<-entered

	// The callback is still running, so the wait must time out.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitForShutdown(ctx))

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	assert.NoError(t, c.WaitForShutdown(ctx2))
}

func TestRunCollector(t *testing.T) {
	c := newRunCollector(log.Root())

	c.HandleRunStatsChange(protocol.TestRunStats{Executed: 1, Passed: 1})
	c.HandleRunStatsChange(protocol.TestRunStats{Executed: 2, Passed: 2})
	c.HandleLogMessage(protocol.LogLevelWarning, "slow test")

	select {
	case <-c.done:
		t.Fatal("collector finished before the terminal event")
	default:
	}

	c.HandleRunComplete(protocol.ExecutionComplete{
		Stats: protocol.TestRunStats{Executed: 2, Passed: 2},
	})
	select {
	case <-c.done:
	default:
		t.Fatal("collector did not finish after the terminal event")
	}
	assert.Equal(t, 2, c.complete.Stats.Executed)
}

func TestDiscoveryCollector(t *testing.T) {
	c := newDiscoveryCollector(log.Root())

	c.HandleDiscoveredTests([]string{"TestA", "TestB"})
	c.HandleDiscoveredTests([]string{"TestC"})
	c.HandleDiscoveryComplete(3, false)

	select {
	case <-c.done:
	default:
		t.Fatal("collector did not finish after the terminal event")
	}
	assert.Equal(t, []string{"TestA", "TestB", "TestC"}, c.tests)
	assert.Equal(t, 3, c.total)
	assert.False(t, c.aborted)
}
