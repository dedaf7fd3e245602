package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cisip-protocol/cisip-go/pkg/interaction"
	"github.com/cisip-protocol/cisip-go/pkg/log"
	"github.com/cisip-protocol/cisip-go/pkg/transport"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// Connection errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrClosed           = errors.New("connection closed")
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
)

// StateChangeFunc is called after every connection state transition.
// cause is set when a dial or transport failure caused the transition.
type StateChangeFunc func(from, to State, cause error)

// Connection is a client session with one receiver. It owns the
// notification registry, so subscriptions survive reconnects; the
// correlation table is per session and starts empty on every Connect.
type Connection struct {
	config   Config
	logger   *slog.Logger
	plog     log.Logger
	registry *interaction.Registry
	limiter  *rate.Limiter

	state  atomic.Uint32
	closed atomic.Bool

	mu   sync.Mutex
	sess *session

	cbMu      sync.RWMutex
	nextCB    int
	callbacks map[int]StateChangeFunc
}

// session is one transport lifetime: Connect to teardown.
type session struct {
	id        string
	addr      string
	transport transport.Transport
	decoder   *transport.Decoder
	client    *interaction.Client
	keepAlive *transport.KeepAlive
	listener  atomic.Uint32
	requested atomic.Bool
	done      chan struct{}

	causeMu sync.Mutex
	cause   error
}

// fail records why the session ends; the first cause wins.
func (s *session) fail(err error) {
	s.causeMu.Lock()
	if s.cause == nil {
		s.cause = err
	}
	s.causeMu.Unlock()
}

func (s *session) failure(readErr error) error {
	s.causeMu.Lock()
	defer s.causeMu.Unlock()
	if s.cause != nil {
		return s.cause
	}
	return readErr
}

// Send writes to the session's transport. A failed write leaves the stream
// in an unknown state, so it ends the session: the listener's Receive fails
// and teardown invalidates every pending request.
func (s *session) Send(data []byte) error {
	err := s.transport.Send(data)
	if err != nil {
		s.fail(err)
		_ = s.transport.Close()
	}
	return err
}

// New creates a disconnected Connection.
func New(config Config) *Connection {
	config.applyDefaults()

	c := &Connection{
		config:    config,
		logger:    config.Logger,
		plog:      log.OrNoop(config.ProtocolLogger),
		callbacks: make(map[int]StateChangeFunc),
		registry: interaction.NewRegistry(interaction.RegistryConfig{
			Logger: config.Logger,
		}),
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(config.RateLimit, config.RateBurst)
	}
	return c
}

// With connects, runs fn and disconnects, whatever fn returns.
func With(ctx context.Context, config Config, host string, port int, fn func(*Connection) error) error {
	c := New(config)
	defer c.Close()

	if err := c.Connect(ctx, host, port); err != nil {
		return err
	}
	return fn(c)
}

// State returns the current connection state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsConnected returns true if requests can be sent.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// ListenerState returns the state of the current session's listener loop,
// or ListenerStopped if there is no session.
func (c *Connection) ListenerState() ListenerState {
	sess := c.current()
	if sess == nil {
		return ListenerStopped
	}
	return ListenerState(sess.listener.Load())
}

// ConnID returns the current session id, or "" if disconnected.
func (c *Connection) ConnID() string {
	if sess := c.current(); sess != nil {
		return sess.id
	}
	return ""
}

// RemoteAddr returns the address of the current session, or "".
func (c *Connection) RemoteAddr() string {
	if sess := c.current(); sess != nil {
		return sess.addr
	}
	return ""
}

// OnStateChange registers fn for state transitions and returns a function
// that removes it. Callbacks run synchronously on the goroutine causing the
// transition and must not call Connect or Disconnect.
func (c *Connection) OnStateChange(fn StateChangeFunc) (remove func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.nextCB++
	id := c.nextCB
	c.callbacks[id] = fn
	return func() {
		c.cbMu.Lock()
		delete(c.callbacks, id)
		c.cbMu.Unlock()
	}
}

// Connect dials host:port (port 0 means wire.DefaultPort) and starts the
// listener. Dial failures are *transport.ConnectError.
func (c *Connection) Connect(ctx context.Context, host string, port int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if port == 0 {
		port = wire.DefaultPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	if !c.state.CompareAndSwap(uint32(StateDisconnected), uint32(StateConnecting)) {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, c.State())
	}
	c.transition(StateDisconnected, StateConnecting, nil, "")

	t, err := c.config.Dial(ctx, addr)
	if err != nil {
		c.state.Store(uint32(StateDisconnected))
		c.transition(StateConnecting, StateDisconnected, err, "")
		c.logger.Warn("connect failed", slog.String("addr", addr), slog.Any("error", err))
		return err
	}

	sess := c.newSession(addr, t)

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	c.state.Store(uint32(StateConnected))
	c.transition(StateConnecting, StateConnected, nil, sess.id)
	c.logger.Info("connected", slog.String("conn_id", sess.id), slog.String("addr", addr))

	go c.listen(sess)
	if sess.keepAlive != nil {
		sess.keepAlive.Start(context.Background())
	}
	return nil
}

func (c *Connection) newSession(addr string, t transport.Transport) *session {
	sess := &session{
		id:        uuid.NewString(),
		addr:      addr,
		transport: t,
		decoder:   transport.NewDecoderWithMaxSize(c.config.MaxRecordSize),
		done:      make(chan struct{}),
	}
	if sc, ok := t.(*transport.StreamConn); ok && c.config.ProtocolLogger != nil {
		sc.SetLogger(c.config.ProtocolLogger, sess.id)
	}

	clientConfig := interaction.ClientConfig{
		Timeout:        c.config.RequestTimeout,
		Table:          c.config.Table,
		Registry:       c.registry,
		Logger:         c.logger,
		ProtocolLogger: c.config.ProtocolLogger,
		ConnID:         sess.id,
	}
	if c.limiter != nil {
		clientConfig.Limiter = c.limiter
	}
	sess.client = interaction.NewClient(sess, clientConfig)

	if c.config.KeepAlive.Enabled() {
		pingTimeout := c.config.KeepAlive.PingTimeout
		sess.keepAlive = transport.NewKeepAlive(c.config.KeepAlive,
			func(ctx context.Context) error {
				_, err := sess.client.Request(ctx, wire.TypeGet, wire.FeaturePower, nil, pingTimeout)
				return err
			},
			func() {
				c.logger.Warn("receiver stopped answering", slog.String("conn_id", sess.id))
				sess.fail(ErrKeepAliveTimeout)
				_ = sess.transport.Close()
			})
	}
	return sess
}

// listen is the session's only reader. It ends on the first read error
// and tears the session down.
func (c *Connection) listen(sess *session) {
	defer close(sess.done)

	c.setListener(sess, ListenerRunning)
	for {
		chunk, err := sess.transport.Receive()
		if err != nil {
			c.teardown(sess, sess.failure(err))
			return
		}

		sess.decoder.Feed(chunk)
		for msg, err := range sess.decoder.All() {
			if err != nil {
				c.decodeFault(sess, err)
				continue
			}
			// Anomalies are logged by the client.
			_ = sess.client.HandleMessage(msg)
		}
	}
}

func (c *Connection) teardown(sess *session, cause error) {
	c.setListener(sess, ListenerStopped)
	if sess.keepAlive != nil {
		sess.keepAlive.Stop()
	}
	_ = sess.transport.Close()

	if sess.requested.Load() {
		// Pending callers still see ConnectionLost, without a cause.
		cause = nil
	}
	sess.client.Close(cause)

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()

	old := State(c.state.Swap(uint32(StateDisconnected)))
	c.transition(old, StateDisconnected, cause, sess.id)

	if cause != nil {
		c.logger.Warn("connection lost", slog.String("conn_id", sess.id), slog.Any("error", cause))
	} else {
		c.logger.Info("disconnected", slog.String("conn_id", sess.id))
	}
}

func (c *Connection) decodeFault(sess *session, err error) {
	c.logger.Warn("skipping malformed record", slog.String("conn_id", sess.id), slog.Any("error", err))

	ev := &log.ErrorEventData{
		Layer:   log.LayerWire,
		Message: err.Error(),
		Context: "decode",
	}
	var de *transport.DecodeError
	if errors.As(err, &de) {
		ev.Data = de.Data
	}
	c.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: sess.id,
		Direction:    log.DirectionIn,
		Layer:        log.LayerWire,
		Category:     log.CategoryError,
		Error:        ev,
	})
}

// Disconnect closes the session and waits for the listener to stop. Every
// pending request fails with *interaction.ConnectionLostError. It is a
// no-op when not connected.
func (c *Connection) Disconnect() error {
	sess := c.current()
	if sess == nil {
		return nil
	}

	if c.state.CompareAndSwap(uint32(StateConnected), uint32(StateDisconnecting)) {
		c.transition(StateConnected, StateDisconnecting, nil, sess.id)
		sess.requested.Store(true)
		if err := sess.transport.Close(); err != nil {
			c.logger.Debug("close transport", slog.String("conn_id", sess.id), slog.Any("error", err))
		}
	}
	<-sess.done
	return nil
}

// Close disconnects and stops notification delivery. The Connection cannot
// be reused.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.Disconnect()
	c.registry.Close()
	return err
}

// Request sends a get or set and waits for its answer. A timeout <= 0 uses
// Config.RequestTimeout.
func (c *Connection) Request(ctx context.Context, typ wire.MessageType, feature string, value any, timeout time.Duration) (*wire.Message, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	return client.Request(ctx, typ, feature, value, timeout)
}

// Get reads feature.
func (c *Connection) Get(ctx context.Context, feature string) (any, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	return client.Get(ctx, feature)
}

// Set writes feature and returns the receiver's answer (ACK, NAK or ERR).
func (c *Connection) Set(ctx context.Context, feature string, value any) (any, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	return client.Set(ctx, feature, value)
}

// SetAck writes feature and fails unless the receiver answers ACK.
func (c *Connection) SetAck(ctx context.Context, feature string, value any) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return client.SetAck(ctx, feature, value)
}

// Ping reads main.power and returns the round-trip time.
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Get(ctx, wire.FeaturePower); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Subscribe registers cb for notifications of feature, or of every feature
// with interaction.AllFeatures. It works while disconnected.
func (c *Connection) Subscribe(feature string, cb interaction.Callback) interaction.SubscriptionID {
	return c.registry.Subscribe(feature, cb)
}

// Unsubscribe removes a subscription.
func (c *Connection) Unsubscribe(id interaction.SubscriptionID) bool {
	return c.registry.Unsubscribe(id)
}

// Flush waits until every notification received so far has been delivered.
func (c *Connection) Flush(ctx context.Context) error {
	return c.registry.Flush(ctx)
}

// Stats returns a snapshot of the connection's counters.
func (c *Connection) Stats() Stats {
	st := Stats{
		State:         c.State(),
		Notifications: c.registry.Stats(),
	}
	if sess := c.current(); sess != nil {
		st.ConnID = sess.id
		st.RemoteAddr = sess.addr
		st.Listener = ListenerState(sess.listener.Load())
		st.Pending = sess.client.Table().Len()
		if sess.keepAlive != nil {
			ka := sess.keepAlive.Stats()
			st.KeepAlive = &ka
		}
	}
	return st
}

// Stats is a snapshot of connection counters.
type Stats struct {
	State         State
	ConnID        string
	RemoteAddr    string
	Listener      ListenerState
	Pending       int
	Notifications interaction.RegistryStats
	KeepAlive     *transport.KeepAliveStats
}

func (c *Connection) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Connection) client() (*interaction.Client, error) {
	sess := c.current()
	if sess == nil || c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	return sess.client, nil
}

func (c *Connection) setListener(sess *session, st ListenerState) {
	old := ListenerState(sess.listener.Swap(uint32(st)))
	c.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: sess.id,
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityListener,
			OldState: old.String(),
			NewState: st.String(),
		},
	})
}

func (c *Connection) transition(from, to State, cause error, connID string) {
	ev := &log.StateChangeEvent{
		Entity:   log.StateEntityConnection,
		OldState: from.String(),
		NewState: to.String(),
	}
	if cause != nil {
		ev.Reason = cause.Error()
	}
	c.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		StateChange:  ev,
	})

	c.cbMu.RLock()
	callbacks := make([]StateChangeFunc, 0, len(c.callbacks))
	for _, fn := range c.callbacks {
		callbacks = append(callbacks, fn)
	}
	c.cbMu.RUnlock()

	for _, fn := range callbacks {
		fn(from, to, cause)
	}
}
