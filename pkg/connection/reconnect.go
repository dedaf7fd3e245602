package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cisip-protocol/cisip-go/pkg/log"
)

// ErrManagerClosed is returned by Start after Close.
var ErrManagerClosed = errors.New("reconnect manager closed")

// ManagerConfig configures automatic reconnection.
type ManagerConfig struct {
	// Backoff shapes the delay between attempts.
	Backoff BackoffConfig

	// MaxAttempts stops reconnecting after this many failed retries
	// following the first attempt (0 = never give up).
	MaxAttempts int

	// Logger for operational logs (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives reconnect state events (optional).
	ProtocolLogger log.Logger

	// OnReconnecting is called before each delayed attempt.
	OnReconnecting func(attempt int, delay time.Duration)

	// OnGiveUp is called once MaxAttempts is reached.
	OnGiveUp func(lastErr error)
}

// Manager keeps a Connection connected to one receiver. It connects with
// backoff and reconnects after a transport failure; an explicit
// Disconnect on the Connection is left alone.
type Manager struct {
	conn    *Connection
	host    string
	port    int
	config  ManagerConfig
	backoff *Backoff
	logger  *slog.Logger
	plog    log.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	remove  func()
	wg      sync.WaitGroup

	lost chan struct{}
}

// NewManager creates a reconnect manager for conn.
func NewManager(conn *Connection, host string, port int, config ManagerConfig) *Manager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		conn:    conn,
		host:    host,
		port:    port,
		config:  config,
		backoff: NewBackoffWithConfig(config.Backoff),
		logger:  config.Logger,
		plog:    log.OrNoop(config.ProtocolLogger),
		lost:    make(chan struct{}, 1),
	}
}

// Start runs the reconnect loop until ctx is done or Close is called. The
// first connect happens in the background; use OnStateChange or
// Connection.State to observe it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.started {
		return nil
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.remove = m.conn.OnStateChange(func(from, to State, cause error) {
		if from == StateConnected && to == StateDisconnected && cause != nil {
			select {
			case m.lost <- struct{}{}:
			default:
			}
		}
	})

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Close stops the loop and waits for it. The Connection is not closed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel, remove := m.cancel, m.remove
	m.mu.Unlock()

	if remove != nil {
		remove()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Attempts returns the number of failed attempts since the last success.
func (m *Manager) Attempts() int {
	return m.backoff.Attempts()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	first := true
	for {
		if !m.connect(ctx, first) {
			return
		}
		first = false

		select {
		case <-ctx.Done():
			return
		case <-m.lost:
			m.logger.Info("reconnecting", slog.String("host", m.host))
			m.event("WAITING", "connection lost")
		}
	}
}

// connect dials until it succeeds. It returns false if ctx ended or the
// attempt limit was reached.
func (m *Manager) connect(ctx context.Context, immediate bool) bool {
	for {
		if !immediate {
			delay := m.backoff.Next()
			attempt := m.backoff.Attempts()
			if m.config.OnReconnecting != nil {
				m.config.OnReconnecting(attempt, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		}
		immediate = false

		err := m.conn.Connect(ctx, m.host, m.port)
		if err == nil || errors.Is(err, ErrAlreadyConnected) {
			m.backoff.Reset()
			m.event("CONNECTED", "")
			return true
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return false
		}

		m.logger.Debug("reconnect attempt failed",
			slog.String("host", m.host),
			slog.Int("attempt", m.backoff.Attempts()),
			slog.Any("error", err))

		if m.config.MaxAttempts > 0 && m.backoff.Attempts() >= m.config.MaxAttempts {
			m.logger.Warn("giving up reconnecting", slog.String("host", m.host), slog.Any("error", err))
			m.event("GAVE_UP", err.Error())
			if m.config.OnGiveUp != nil {
				m.config.OnGiveUp(err)
			}
			return false
		}
	}
}

func (m *Manager) event(state, reason string) {
	m.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: m.conn.ConnID(),
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityReconnect,
			NewState: state,
			Reason:   reason,
		},
	})
}
