package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the receiver address (host:port).
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Wire layer (decoded)
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Connection/listener state
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Decode faults and anomalies
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates bytes or messages from the receiver.
	DirectionIn Direction = 0
	// DirectionOut indicates bytes or messages to the receiver.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the byte stream (raw chunks as read or written).
	LayerTransport Layer = 0
	// LayerWire is the record layer (decoded JSON messages).
	LayerWire Layer = 1
	// LayerSession is correlation, dispatch and connection lifecycle.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates protocol traffic (chunks or records).
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryError indicates a decode fault or protocol anomaly.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw chunk at the transport layer. Chunks are not
// aligned to records: one chunk may hold part of a record or several.
type FrameEvent struct {
	// Size is the chunk size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the raw chunk (may be truncated for large chunks).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded record at the wire layer.
type MessageEvent struct {
	// Type is the record type (get, set, result, notify, error).
	Type string `cbor:"1,keyasint"`

	// MessageID is the correlation id (absent on notify).
	MessageID *uint32 `cbor:"2,keyasint,omitempty"`

	// Feature is the dotted feature name.
	Feature string `cbor:"3,keyasint,omitempty"`

	// Value is the carried value.
	Value any `cbor:"4,keyasint,omitempty"`

	// ErrorDetail is the detail of an error record.
	ErrorDetail string `cbor:"5,keyasint,omitempty"`

	// Latency is the time from request write to reply (replies only).
	// Stored as nanoseconds.
	Latency *time.Duration `cbor:"6,keyasint,omitempty"`
}

// StateChangeEvent captures connection and listener lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntityListener indicates a listener loop state change.
	StateEntityListener StateEntity = 1
	// StateEntityReconnect indicates a reconnect supervisor state change.
	StateEntityReconnect StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityListener:
		return "LISTENER"
	case StateEntityReconnect:
		return "RECONNECT"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures decode faults and protocol anomalies.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what was being done (e.g. "decode", "route").
	Context string `cbor:"3,keyasint,omitempty"`

	// Data holds the offending bytes, if any (may be truncated).
	Data []byte `cbor:"4,keyasint,omitempty"`
}
