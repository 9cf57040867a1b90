// Package channel frames protocol messages over a local duplex socket. One
// side binds and listens (the coordinator, so it can hand the port to the
// host it spawns), the other dials back. Frames are a 4-byte big-endian
// length prefix followed by one JSON envelope.
package channel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testplane/testplane/metrics"
	"github.com/testplane/testplane/protocol"
)

var (
	// ErrChannelClosed is returned by sends after the peer disconnected or
	// the channel was closed locally.
	ErrChannelClosed = errors.New("channel closed")

	// ErrConnectionLost is returned by Receive when the stream terminates.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNotConnected is returned when an operation needs an established
	// connection and none exists yet.
	ErrNotConnected = errors.New("channel not connected")
)

// MalformedMessageError wraps a parse failure for a complete frame. The frame
// was delimited correctly but its contents are not a valid envelope.
type MalformedMessageError struct {
	Err error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// IsMalformedMessage checks if the error is or wraps a MalformedMessageError.
func IsMalformedMessage(err error) bool {
	var malformed *MalformedMessageError
	return err != nil && errors.As(err, &malformed)
}

// maxFrameSize bounds a single message. Anything larger is treated as a
// malformed frame rather than an allocation request.
const maxFrameSize = 64 << 20

// Channel is a two-party message channel. Safe for concurrent sends; Receive
// must be driven by a single reader (the session's receive pump).
type Channel struct {
	log log.Logger

	mu      sync.Mutex
	ln      net.Listener
	conn    net.Conn
	reader  *bufio.Reader
	closed  bool
	port    int
	connSet chan struct{}

	writeMu sync.Mutex
}

// New creates an unconnected channel. Call SetupServer or SetupClient next.
func New(logger log.Logger) *Channel {
	if logger == nil {
		logger = log.Root()
	}
	return &Channel{
		log:     logger,
		connSet: make(chan struct{}),
	}
}

// SetupServer binds a loopback listener on an ephemeral port and accepts the
// single peer connection in the background. Returns the bound port for the
// spawned host's command line.
func (c *Channel) SetupServer() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrChannelClosed
	}
	if c.ln != nil || c.conn != nil {
		return 0, fmt.Errorf("channel already set up")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("binding channel listener: %w", err)
	}
	c.ln = ln
	c.port = ln.Addr().(*net.TCPAddr).Port
	c.log.Debug("channel listening", "port", c.port)

	go c.acceptOne(ln)
	return c.port, nil
}

// acceptOne accepts exactly one connection; the protocol is two-party.
func (c *Channel) acceptOne(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		// Listener closed during teardown; nothing to report.
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	close(c.connSet)
	c.mu.Unlock()

	c.log.Debug("channel peer connected", "remote", conn.RemoteAddr().String())
}

// SetupClient dials the coordinator's listener. Used by the spawned host.
func (c *Channel) SetupClient(port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 30*time.Second)
	if err != nil {
		return fmt.Errorf("dialing channel on port %d: %w", port, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return ErrChannelClosed
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.port = port
	close(c.connSet)

	c.log.Debug("channel connected", "port", port)
	return nil
}

// WaitForConnection blocks until the peer connects or the timeout elapses.
// A timeout is a negative result, not an error; the caller decides what it
// means for the session.
func (c *Channel) WaitForConnection(timeout time.Duration) bool {
	select {
	case <-c.connSet:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Connected reports whether a peer connection is established.
func (c *Channel) Connected() bool {
	select {
	case <-c.connSet:
		return true
	default:
		return false
	}
}

// Port returns the listener or dialed port.
func (c *Channel) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// Send serializes {kind, payload, version} and writes it as one frame.
func (c *Channel) Send(kind string, payload any, version int) error {
	m, err := protocol.NewMessage(kind, payload, version)
	if err != nil {
		return err
	}
	return c.SendMessage(m)
}

// SendMessage writes a pre-built envelope as one frame.
func (c *Channel) SendMessage(m *protocol.Message) error {
	wire, err := m.Serialize()
	if err != nil {
		return err
	}
	if err := c.writeFrame(wire); err != nil {
		return err
	}
	metrics.RecordMessageSent(m.MessageType)
	return nil
}

// SendRaw writes pre-serialized wire bytes verbatim. Used when a higher layer
// already produced envelope JSON with an embedded sub-payload.
func (c *Channel) SendRaw(serialized string) error {
	return c.writeFrame([]byte(serialized))
}

func (c *Channel) writeFrame(wire []byte) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(wire)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	if _, err := conn.Write(wire); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Receive blocks until one full message is available. Returns
// ErrConnectionLost when the stream ends and a MalformedMessageError when a
// frame does not parse. One message per call; no partial delivery.
func (c *Channel) Receive() (*protocol.Message, error) {
	c.mu.Lock()
	reader := c.reader
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrChannelClosed
	}
	if reader == nil {
		return nil, ErrNotConnected
	}

	var prefix [4]byte
	if _, err := io.ReadFull(reader, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxFrameSize {
		metrics.RecordMalformedMessage()
		return nil, &MalformedMessageError{Err: fmt.Errorf("frame size %d out of range", size)}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	m, err := protocol.Deserialize(body)
	if err != nil {
		metrics.RecordMalformedMessage()
		return nil, &MalformedMessageError{Err: err}
	}
	metrics.RecordMessageReceived(m.MessageType)
	return m, nil
}

// Close tears the channel down. Idempotent; subsequent sends and receives
// fail with ErrChannelClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.ln != nil {
		if err := c.ln.Close(); err != nil {
			c.log.Debug("closing channel listener", "err", err)
		}
		c.ln = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Debug("closing channel connection", "err", err)
		}
		c.conn = nil
	}
	c.log.Debug("channel closed")
	return nil
}

func (c *Channel) activeConn() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}
