package transport

import (
	"context"
	"net"
)

// Transport is a bidirectional byte stream to a receiver.
// Implemented by StreamConn.
type Transport interface {
	// Send writes data in full. Concurrent calls must not interleave.
	Send(data []byte) error

	// Receive blocks until at least one byte is available and returns it.
	// It returns io.EOF when the peer closes the stream.
	Receive() ([]byte, error)

	// Close closes the stream and unblocks Receive.
	Close() error
}

// DialFunc opens a Transport to address (host:port).
type DialFunc func(ctx context.Context, address string) (Transport, error)

// SessionConn is the server side of a stream.
// Implemented by ServerConn.
type SessionConn interface {
	// ConnID returns the unique connection identifier.
	ConnID() string

	// RemoteAddr returns the client's network address.
	RemoteAddr() net.Addr

	// Send writes a record to the client.
	Send(data []byte) error

	// Close closes the connection.
	Close() error
}

// Compile-time interface satisfaction checks.
var (
	_ Transport   = (*StreamConn)(nil)
	_ SessionConn = (*ServerConn)(nil)
	_ DialFunc    = NewDialer(DialerConfig{}).DialTransport
)
