package channel

import (
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testplane/testplane/protocol"
)

// pair creates a connected server/client channel pair over a real socket.
func pair(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	server := New(nil)
	port, err := server.SetupServer()
	require.NoError(t, err)

	client := New(nil)
	require.NoError(t, client.SetupClient(port))

	require.True(t, server.WaitForConnection(5*time.Second))
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestSendReceive(t *testing.T) {
	server, client := pair(t)

	require.NoError(t, client.Send(protocol.KindStartDiscovery,
		protocol.DiscoveryRequest{Sources: []string{"a.dll"}}, protocol.VersionLegacy))

	m, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindStartDiscovery, m.MessageType)

	var req protocol.DiscoveryRequest
	require.NoError(t, m.UnmarshalPayload(&req))
	assert.Equal(t, []string{"a.dll"}, req.Sources)
}

func TestMessagesDeliveredInSendOrder(t *testing.T) {
	server, client := pair(t)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, client.Send(protocol.KindRunStatsChange,
			protocol.TestRunStats{Executed: i}, protocol.VersionStructured))
	}

	for i := 0; i < n; i++ {
		m, err := server.Receive()
		require.NoError(t, err)
		var stats protocol.TestRunStats
		require.NoError(t, m.UnmarshalPayload(&stats))
		assert.Equal(t, i, stats.Executed)
	}
}

func TestSendRaw(t *testing.T) {
	server, client := pair(t)

	raw := fmt.Sprintf(`{"MessageType":%q,"Payload":{"Tests":["t1"]},"Version":1}`, protocol.KindDiscoveryTestFound)
	require.NoError(t, client.SendRaw(raw))

	m, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindDiscoveryTestFound, m.MessageType)
}

func TestWaitForConnectionTimeout(t *testing.T) {
	server := New(nil)
	_, err := server.SetupServer()
	require.NoError(t, err)
	defer server.Close()

	// No client dials: a timeout is a negative result, not an error.
	assert.False(t, server.WaitForConnection(50*time.Millisecond))
	assert.False(t, server.Connected())
}

func TestReceiveAfterPeerDisconnect(t *testing.T) {
	server, client := pair(t)

	require.NoError(t, client.Close())

	_, err := server.Receive()
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestSendWithoutConnection(t *testing.T) {
	ch := New(nil)
	err := ch.Send(protocol.KindSessionEnd, nil, protocol.VersionLegacy)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendAfterClose(t *testing.T) {
	server, _ := pair(t)
	require.NoError(t, server.Close())

	err := server.Send(protocol.KindSessionEnd, nil, protocol.VersionLegacy)
	require.ErrorIs(t, err, ErrChannelClosed)

	_, err = server.Receive()
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	server, client := pair(t)
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestMalformedFrame(t *testing.T) {
	server := New(nil)
	port, err := server.SetupServer()
	require.NoError(t, err)
	defer server.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	require.True(t, server.WaitForConnection(5*time.Second))

	body := []byte("this is not an envelope")
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	_, err = conn.Write(prefix[:])
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)

	_, err = server.Receive()
	require.True(t, IsMalformedMessage(err), "got %v", err)
}

func TestOversizedFrameRejected(t *testing.T) {
	server := New(nil)
	port, err := server.SetupServer()
	require.NoError(t, err)
	defer server.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	require.True(t, server.WaitForConnection(5*time.Second))

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxFrameSize+1)
	_, err = conn.Write(prefix[:])
	require.NoError(t, err)

	_, err = server.Receive()
	require.True(t, IsMalformedMessage(err), "got %v", err)
}
