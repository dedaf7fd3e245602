package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cisip-protocol/cisip-go/pkg/log"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// Sender writes encoded records to the receiver.
type Sender interface {
	Send(data []byte) error
}

// Limiter paces outgoing requests. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// ClientConfig configures an interaction client.
type ClientConfig struct {
	// Timeout is the default request timeout (default: wire.DefaultTimeout).
	Timeout time.Duration

	// Table configures command id allocation.
	Table TableConfig

	// Registry delivers notifications. If nil the client creates one and
	// closes it in Close; a shared registry is left open.
	Registry *Registry

	// Limiter paces requests (optional).
	Limiter Limiter

	// Logger for operational logs (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives wire-layer events (optional).
	ProtocolLogger log.Logger

	// ConnID tags protocol events and log records.
	ConnID string
}

// Client issues CIS-IP2 requests and routes incoming records to pending
// requests or subscribers.
type Client struct {
	mu     sync.RWMutex
	closed bool

	sender       Sender
	table        *Table
	registry     *Registry
	ownsRegistry bool
	timeout      time.Duration
	limiter      Limiter

	logger *slog.Logger
	plog   log.Logger
	connID string
}

// NewClient creates a client writing to sender.
func NewClient(sender Sender, config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = wire.DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Client{
		sender:   sender,
		table:    NewTable(config.Table),
		registry: config.Registry,
		timeout:  config.Timeout,
		limiter:  config.Limiter,
		logger:   config.Logger,
		plog:     config.ProtocolLogger,
		connID:   config.ConnID,
	}
	if c.registry == nil {
		c.registry = NewRegistry(RegistryConfig{Logger: config.Logger})
		c.ownsRegistry = true
	}
	return c
}

// Table returns the correlation table.
func (c *Client) Table() *Table {
	return c.table
}

// Registry returns the notification registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Request sends a get or set and waits for its outcome. A timeout <= 0 uses
// the client default. It returns the result record, or a *TimeoutError,
// *CommandError, *ConnectionLostError or the context's error.
func (c *Client) Request(ctx context.Context, typ wire.MessageType, feature string, value any, timeout time.Duration) (*wire.Message, error) {
	if !typ.IsRequest() {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidRequest, string(typ))
	}
	if feature == "" {
		return nil, fmt.Errorf("%w: empty feature", ErrInvalidRequest)
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	p, err := c.begin(feature, timeout)
	if err != nil {
		return nil, err
	}
	id := p.ID

	msg := wire.NewRequest(id, typ, feature, value)
	data, err := wire.EncodeRequest(msg)
	if err != nil {
		c.table.Cancel(id, err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	c.logMessage(log.DirectionOut, msg, nil)
	if err := c.sender.Send(data); err != nil {
		lost := &ConnectionLostError{Cause: err}
		c.table.Cancel(id, lost)
		return nil, lost
	}

	select {
	case <-p.Done():
		return p.Result()
	case <-ctx.Done():
		if c.table.Cancel(id, ctx.Err()) {
			return nil, ctx.Err()
		}
		// An outcome won the race with cancellation.
		<-p.Done()
		return p.Result()
	}
}

// begin allocates an id and arms its result slot. Holding the read lock
// keeps Close from running between the closed check and registration.
func (c *Client) begin(feature string, timeout time.Duration) (*Pending, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	id, err := c.table.Allocate()
	if err != nil {
		return nil, err
	}
	p, err := c.table.Register(id, feature, time.Now().Add(timeout))
	if err != nil {
		c.table.Cancel(id, err)
		return nil, err
	}
	return p, nil
}

// Get reads the current value of feature.
func (c *Client) Get(ctx context.Context, feature string) (any, error) {
	msg, err := c.Request(ctx, wire.TypeGet, feature, nil, 0)
	if err != nil {
		return nil, err
	}
	return msg.Value, nil
}

// Set changes feature to value and returns the value the receiver answered
// with (usually ACK, NAK or ERR).
func (c *Client) Set(ctx context.Context, feature string, value any) (any, error) {
	msg, err := c.Request(ctx, wire.TypeSet, feature, value, 0)
	if err != nil {
		return nil, err
	}
	return msg.Value, nil
}

// SetAck is Set that treats any answer other than ACK as a *CommandError.
func (c *Client) SetAck(ctx context.Context, feature string, value any) error {
	msg, err := c.Request(ctx, wire.TypeSet, feature, value, 0)
	if err != nil {
		return err
	}
	if answer := wire.ValueString(msg.Value); answer != wire.ResponseACK {
		return &CommandError{ID: msg.MessageID(), Feature: feature, Detail: answer}
	}
	return nil
}

// Subscribe registers cb for notifications matching filter.
func (c *Client) Subscribe(filter string, cb Callback) SubscriptionID {
	return c.registry.Subscribe(filter, cb)
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(id SubscriptionID) bool {
	return c.registry.Unsubscribe(id)
}

// HandleMessage routes a decoded record. It must be called in stream order
// from a single goroutine. Replies without a pending request and requests
// from the receiver are reported as ErrUnexpectedReply and otherwise ignored.
func (c *Client) HandleMessage(msg *wire.Message) error {
	switch msg.Type {
	case wire.TypeResult:
		p := c.table.Resolve(msg.MessageID(), msg)
		c.logMessage(log.DirectionIn, msg, p)
		if p == nil {
			return c.anomaly(msg, "no pending request")
		}
		return nil

	case wire.TypeError:
		p := c.table.Reject(msg.MessageID(), msg.ErrorDetail())
		c.logMessage(log.DirectionIn, msg, p)
		if p == nil {
			return c.anomaly(msg, "no pending request")
		}
		return nil

	case wire.TypeNotify:
		c.logMessage(log.DirectionIn, msg, nil)
		c.registry.Dispatch(msg.Feature, msg.Value)
		return nil

	default:
		c.logMessage(log.DirectionIn, msg, nil)
		return c.anomaly(msg, "request type from receiver")
	}
}

// Close fails every pending request with a *ConnectionLostError wrapping
// cause. Later requests fail with ErrClientClosed. It is idempotent.
func (c *Client) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if n := c.table.InvalidateAll(cause); n > 0 {
		c.logger.Debug("invalidated pending requests", slog.String("conn_id", c.connID), slog.Int("count", n))
	}
	if c.ownsRegistry {
		c.registry.Close()
	}
}

func (c *Client) anomaly(msg *wire.Message, reason string) error {
	c.logger.Warn("ignoring unexpected record",
		slog.String("conn_id", c.connID),
		slog.String("type", msg.Type.String()),
		slog.Uint64("id", uint64(msg.MessageID())),
		slog.String("feature", msg.Feature),
		slog.String("reason", reason))

	if c.plog != nil {
		c.plog.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: c.connID,
			Direction:    log.DirectionIn,
			Layer:        log.LayerSession,
			Category:     log.CategoryError,
			Error: &log.ErrorEventData{
				Layer:   log.LayerSession,
				Message: fmt.Sprintf("%s: %s", reason, msg),
				Context: "route",
			},
		})
	}
	return fmt.Errorf("%w: %s #%d: %s", ErrUnexpectedReply, msg.Type, msg.MessageID(), reason)
}

func (c *Client) logMessage(dir log.Direction, msg *wire.Message, p *Pending) {
	if c.plog == nil {
		return
	}
	ev := &log.MessageEvent{
		Type:        msg.Type.String(),
		MessageID:   msg.ID,
		Feature:     msg.Feature,
		Value:       msg.Value,
		ErrorDetail: msg.Error,
	}
	if msg.Type == wire.TypeError {
		ev.ErrorDetail = msg.ErrorDetail()
	}
	if p != nil {
		latency := time.Since(p.CreatedAt)
		ev.Latency = &latency
	}
	c.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		Direction:    dir,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		Message:      ev,
	})
}
