package connection

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Reconnect backoff defaults.
const (
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff = 500 * time.Millisecond

	// MaxBackoff caps the delay between attempts.
	MaxBackoff = 30 * time.Second

	// BackoffMultiplier is the growth factor per failed attempt.
	BackoffMultiplier = 2.0

	// JitterFactor is the maximum jitter as a fraction of the base delay.
	JitterFactor = 0.2
)

// BackoffConfig customizes reconnect delays. Zero fields use the defaults.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" toml:"initial"`
	Max        time.Duration `yaml:"max" toml:"max"`
	Multiplier float64       `yaml:"multiplier" toml:"multiplier"`

	// Jitter is the maximum fraction added to each delay. Negative
	// disables jitter.
	Jitter float64 `yaml:"jitter" toml:"jitter"`
}

// Backoff yields exponentially growing delays with jitter.
type Backoff struct {
	mu       sync.Mutex
	config   BackoffConfig
	current  time.Duration
	attempts int
}

// NewBackoff creates a backoff with the default settings.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{})
}

// NewBackoffWithConfig creates a backoff with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = JitterFactor
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{config: cfg, current: cfg.Initial}
}

// Next returns the delay for the next attempt and advances.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.withJitter(b.current)
	b.attempts++
	b.current = min(time.Duration(float64(b.current)*b.config.Multiplier), b.config.Max)
	return delay
}

// Reset returns to the initial delay. Call after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.config.Initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the next base delay, without jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) withJitter(d time.Duration) time.Duration {
	if b.config.Jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.config.Jitter*rand.Float64())
}
