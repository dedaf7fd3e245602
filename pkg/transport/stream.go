package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cisip-protocol/cisip-go/pkg/log"
)

// Stream defaults.
const (
	// DefaultConnectTimeout bounds dialing a receiver.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReadBufferSize is the size of a single read from the socket.
	DefaultReadBufferSize = 1024
)

// Stream errors.
var (
	// ErrConnect marks a failure to open the transport.
	ErrConnect = errors.New("connect failed")

	// ErrConnectionClosed indicates the stream was closed locally.
	ErrConnectionClosed = errors.New("connection closed")
)

// ConnectError reports a failed dial (refused, unreachable, timeout).
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

// Unwrap exposes both ErrConnect and the cause to errors.Is.
func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}

// Timeout returns true if the dial timed out.
func (e *ConnectError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// DialerConfig configures outbound connections to receivers.
type DialerConfig struct {
	// ConnectTimeout bounds the dial (default: 10s). A deadline on the
	// context passed to Dial takes precedence.
	ConnectTimeout time.Duration

	// ReadBufferSize is the size of each socket read (default: 1024).
	ReadBufferSize int

	// WriteTimeout bounds each write (0 = no timeout).
	WriteTimeout time.Duration

	// TCPKeepAlive is the OS-level keep-alive period (0 = OS default,
	// negative = disabled).
	TCPKeepAlive time.Duration
}

// Dialer opens StreamConns to receivers.
type Dialer struct {
	config DialerConfig
}

// NewDialer creates a dialer, filling zero fields with defaults.
func NewDialer(config DialerConfig) *Dialer {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultReadBufferSize
	}
	return &Dialer{config: config}
}

// Dial connects to address (host:port). Failures are *ConnectError.
func (d *Dialer) Dial(ctx context.Context, address string) (*StreamConn, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ConnectTimeout)
		defer cancel()
	}

	nd := &net.Dialer{KeepAlive: d.config.TCPKeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnectError{Addr: address, Err: err}
	}

	sc := NewStreamConn(conn, d.config.ReadBufferSize)
	sc.writeTimeout = d.config.WriteTimeout
	return sc, nil
}

// DialTransport is Dial returning the Transport interface.
func (d *Dialer) DialTransport(ctx context.Context, address string) (Transport, error) {
	sc, err := d.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// StreamConn is a byte stream to a receiver. Writes are serialized so
// records never interleave; reads return chunks as they arrive.
type StreamConn struct {
	conn         net.Conn
	readBuf      []byte
	writeTimeout time.Duration

	closeCh   chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
	readMu    sync.Mutex

	// Logging support (optional)
	logger log.Logger
	connID string
}

// NewStreamConn wraps an established net.Conn.
func NewStreamConn(conn net.Conn, readBufferSize int) *StreamConn {
	if readBufferSize <= 0 {
		readBufferSize = DefaultReadBufferSize
	}
	return &StreamConn{
		conn:    conn,
		readBuf: make([]byte, readBufferSize),
		closeCh: make(chan struct{}),
	}
}

// SetLogger configures chunk logging. Pass nil to disable.
func (c *StreamConn) SetLogger(logger log.Logger, connID string) {
	c.logger = logger
	c.connID = connID
}

// LocalAddr returns the local network address.
func (c *StreamConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the receiver's network address.
func (c *StreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes data in full. Safe for concurrent use. A failed write closes
// the stream.
func (c *StreamConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	for written := 0; written < len(data); {
		n, err := c.conn.Write(data[written:])
		if err != nil {
			// A partial record must not be followed by more data.
			c.closeOnce.Do(func() {
				close(c.closeCh)
				_ = c.conn.Close()
			})
			return fmt.Errorf("write failed: %w", err)
		}
		written += n
	}

	if c.logger != nil {
		c.logger.Log(c.makeFrameEvent(data, log.DirectionOut))
	}
	return nil
}

// Receive blocks until bytes arrive and returns them. It returns io.EOF when
// the receiver closes the stream and ErrConnectionClosed after Close.
func (c *StreamConn) Receive() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	default:
	}

	n, err := c.conn.Read(c.readBuf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, c.readBuf[:n])
		if c.logger != nil {
			c.logger.Log(c.makeFrameEvent(chunk, log.DirectionIn))
		}
		return chunk, nil
	}
	if err == nil {
		return nil, io.ErrNoProgress
	}

	select {
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	default:
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return nil, fmt.Errorf("read failed: %w", err)
}

// Close closes the stream; a blocked Receive returns. Idempotent.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *StreamConn) Done() <-chan struct{} {
	return c.closeCh
}

func (c *StreamConn) makeFrameEvent(data []byte, direction log.Direction) log.Event {
	frameData := data
	truncated := false
	if len(data) > MaxLogFrameDataSize {
		frameData = data[:MaxLogFrameDataSize]
		truncated = true
	}

	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		Direction:    direction,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		RemoteAddr:   c.conn.RemoteAddr().String(),
		Frame: &log.FrameEvent{
			Size:      len(data),
			Data:      frameData,
			Truncated: truncated,
		},
	}
}
