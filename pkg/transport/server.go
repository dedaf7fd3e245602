package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cisip-protocol/cisip-go/pkg/log"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// ServerConfig configures a plain TCP server speaking CIS-IP2 records.
type ServerConfig struct {
	// Address to listen on (default ":33336"; use "127.0.0.1:0" in tests).
	Address string

	// ReadBufferSize is the size of each socket read (default: 1024).
	ReadBufferSize int

	// MaxRecordSize bounds a single incoming record (default: 64KB).
	MaxRecordSize int

	// Logger for protocol logging (optional).
	Logger log.Logger

	// OnConnect is called when a client connects.
	OnConnect func(conn *ServerConn)

	// OnDisconnect is called when a client connection ends.
	OnDisconnect func(conn *ServerConn)

	// OnMessage is called for every decoded record, in stream order.
	OnMessage func(conn *ServerConn, msg *wire.Message)

	// OnError is called for accept errors, read errors and decode faults.
	OnError func(conn *ServerConn, err error)
}

// Server accepts CIS-IP2 client connections.
type Server struct {
	config   ServerConfig
	listener net.Listener

	conns   map[*ServerConn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server, filling zero fields with defaults.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", wire.DefaultPort)
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultReadBufferSize
	}
	if config.MaxRecordSize <= 0 {
		config.MaxRecordSize = DefaultMaxRecordSize
	}
	return &Server{
		config: config,
		conns:  make(map[*ServerConn]struct{}),
	}
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every connection, then waits for handlers.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Connections returns a snapshot of the active connections.
func (s *Server) Connections() []*ServerConn {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make([]*ServerConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends data to every active connection and returns the number
// of connections it was written to.
func (s *Server) Broadcast(data []byte) int {
	n := 0
	for _, c := range s.Connections() {
		if err := c.Send(data); err == nil {
			n++
		}
	}
	return n
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() && s.config.OnError != nil {
				s.config.OnError(nil, fmt.Errorf("accept error: %w", err))
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	connID := uuid.New().String()
	stream := NewStreamConn(conn, s.config.ReadBufferSize)
	if s.config.Logger != nil {
		stream.SetLogger(s.config.Logger, connID)
	}

	sconn := &ServerConn{
		stream:  stream,
		decoder: NewDecoderWithMaxSize(s.config.MaxRecordSize),
		server:  s,
		connID:  connID,
	}

	s.logState(sconn, "", "CONNECTED")

	s.connsMu.Lock()
	s.conns[sconn] = struct{}{}
	s.connsMu.Unlock()

	if s.config.OnConnect != nil {
		s.config.OnConnect(sconn)
	}

	sconn.readLoop()

	s.connsMu.Lock()
	delete(s.conns, sconn)
	s.connsMu.Unlock()

	s.logState(sconn, "CONNECTED", "DISCONNECTED")

	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(sconn)
	}
}

func (s *Server) logState(c *ServerConn, oldState, newState string) {
	if s.config.Logger == nil {
		return
	}
	s.config.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   c.RemoteAddr().String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
		},
	})
}

// ServerConn is a client connection accepted by a Server.
type ServerConn struct {
	stream  *StreamConn
	decoder *Decoder
	server  *Server
	connID  string
}

// ConnID returns the unique connection identifier.
func (c *ServerConn) ConnID() string {
	return c.connID
}

// RemoteAddr returns the client's address.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.stream.RemoteAddr()
}

// Send writes raw bytes to the client.
func (c *ServerConn) Send(data []byte) error {
	return c.stream.Send(data)
}

// SendMessage encodes and writes a single record.
func (c *ServerConn) SendMessage(msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.stream.Send(data)
}

// Close closes the connection.
func (c *ServerConn) Close() error {
	return c.stream.Close()
}

func (c *ServerConn) readLoop() {
	cfg := c.server.config
	for {
		chunk, err := c.stream.Receive()
		if err != nil {
			if cfg.OnError != nil && c.server.running.Load() &&
				!errors.Is(err, ErrConnectionClosed) && !errors.Is(err, io.EOF) {
				cfg.OnError(c, err)
			}
			c.stream.Close()
			return
		}

		c.decoder.Feed(chunk)
		for msg, err := range c.decoder.All() {
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(c, err)
				}
				continue
			}
			if cfg.OnMessage != nil {
				cfg.OnMessage(c, msg)
			}
		}
	}
}
