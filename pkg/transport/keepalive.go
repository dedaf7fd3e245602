package transport

import (
	"context"
	"sync"
	"time"
)

// Keep-alive constants.
const (
	// DefaultPingInterval is the default interval between liveness pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPingTimeout is the default time a ping may take.
	DefaultPingTimeout = 5 * time.Second

	// DefaultMaxMissed is the default number of consecutive failed pings
	// before the connection is considered dead.
	DefaultMaxMissed = 3
)

// KeepAliveConfig configures liveness checks. CIS-IP2 has no ping
// message, so a ping is an ordinary request (get main.power).
type KeepAliveConfig struct {
	// PingInterval is the interval between pings. Zero disables keep-alive
	// on a connection.
	PingInterval time.Duration

	// PingTimeout bounds a single ping.
	PingTimeout time.Duration

	// MaxMissed is the number of consecutive failed pings tolerated.
	MaxMissed int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval: DefaultPingInterval,
		PingTimeout:  DefaultPingTimeout,
		MaxMissed:    DefaultMaxMissed,
	}
}

// Enabled returns true if pinging is configured.
func (c KeepAliveConfig) Enabled() bool {
	return c.PingInterval > 0
}

// DetectionDelay is the worst-case time to detect a dead receiver.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissed) + c.PingTimeout
}

// PingFunc checks liveness; a nil error counts as an answer.
type PingFunc func(ctx context.Context) error

// KeepAlive pings a connection periodically and calls onTimeout once
// MaxMissed consecutive pings have failed.
type KeepAlive struct {
	config    KeepAliveConfig
	ping      PingFunc
	onTimeout func()

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	missed      int
	pings       uint32
	lastPing    time.Time
	lastAnswer  time.Time
	lastLatency time.Duration
}

// NewKeepAlive creates a keep-alive monitor, filling zero fields with defaults.
func NewKeepAlive(config KeepAliveConfig, ping PingFunc, onTimeout func()) *KeepAlive {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = DefaultPingTimeout
	}
	if config.MaxMissed <= 0 {
		config.MaxMissed = DefaultMaxMissed
	}
	return &KeepAlive{
		config:    config,
		ping:      ping,
		onTimeout: onTimeout,
	}
}

// Start begins pinging. It is a no-op if already running.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.running {
		return
	}
	ka.running = true
	ka.missed = 0
	ka.stopCh = make(chan struct{})
	ka.doneCh = make(chan struct{})
	go ka.loop(ctx, ka.stopCh, ka.doneCh)
}

// Stop stops pinging. It does not wait for an in-flight ping.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// Done is closed when the ping loop has exited.
func (ka *KeepAlive) Done() <-chan struct{} {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.doneCh
}

// IsRunning returns true if pinging is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// KeepAliveStats contains keep-alive statistics.
type KeepAliveStats struct {
	Pings       uint32
	Missed      int
	LastPing    time.Time
	LastAnswer  time.Time
	LastLatency time.Duration
}

// Stats returns current keep-alive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		Pings:       ka.pings,
		Missed:      ka.missed,
		LastPing:    ka.lastPing,
		LastAnswer:  ka.lastAnswer,
		LastLatency: ka.lastLatency,
	}
}

func (ka *KeepAlive) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(ka.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if ka.runPing(ctx, stopCh) {
				return
			}
		}
	}
}

// runPing issues one ping and returns true if the connection is dead.
func (ka *KeepAlive) runPing(ctx context.Context, stopCh chan struct{}) bool {
	pingCtx, cancel := context.WithTimeout(ctx, ka.config.PingTimeout)
	defer cancel()

	start := time.Now()
	err := ka.ping(pingCtx)

	select {
	case <-stopCh:
		return true
	default:
	}

	ka.mu.Lock()
	ka.pings++
	ka.lastPing = start
	if err == nil {
		ka.missed = 0
		ka.lastAnswer = time.Now()
		ka.lastLatency = ka.lastAnswer.Sub(start)
		ka.mu.Unlock()
		return false
	}
	ka.missed++
	dead := ka.missed >= ka.config.MaxMissed
	if dead {
		ka.running = false
	}
	ka.mu.Unlock()

	if dead && ka.onTimeout != nil {
		ka.onTimeout()
	}
	return dead
}
