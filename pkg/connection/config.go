package connection

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/cisip-protocol/cisip-go/pkg/interaction"
	"github.com/cisip-protocol/cisip-go/pkg/log"
	"github.com/cisip-protocol/cisip-go/pkg/transport"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// Config configures a Connection.
type Config struct {
	// ConnectTimeout bounds dialing (default: 10s).
	ConnectTimeout time.Duration

	// RequestTimeout is the default request deadline (default: 10s).
	RequestTimeout time.Duration

	// ReadBufferSize is the size of each socket read (default: 1024).
	ReadBufferSize int

	// MaxRecordSize bounds a single incoming record (default: 64 KB).
	MaxRecordSize int

	// WriteTimeout bounds each write (0 = no timeout).
	WriteTimeout time.Duration

	// Dial opens the transport. Defaults to a TCP dialer built from the
	// fields above; tests inject in-memory transports here.
	Dial transport.DialFunc

	// RateLimit caps requests per second across reconnects (0 = unlimited).
	RateLimit rate.Limit

	// RateBurst is the limiter's burst size (default: 1).
	RateBurst int

	// KeepAlive enables liveness probing when PingInterval > 0.
	KeepAlive transport.KeepAliveConfig

	// Table configures command id allocation.
	Table interaction.TableConfig

	// Logger for operational logs (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives transport, wire and session events (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: transport.DefaultConnectTimeout,
		RequestTimeout: wire.DefaultTimeout,
		ReadBufferSize: transport.DefaultReadBufferSize,
		MaxRecordSize:  transport.DefaultMaxRecordSize,
		Table:          interaction.DefaultTableConfig(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxRecordSize <= 0 {
		c.MaxRecordSize = d.MaxRecordSize
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dial == nil {
		c.Dial = transport.NewDialer(transport.DialerConfig{
			ConnectTimeout: c.ConnectTimeout,
			ReadBufferSize: c.ReadBufferSize,
			WriteTimeout:   c.WriteTimeout,
		}).DialTransport
	}
}
