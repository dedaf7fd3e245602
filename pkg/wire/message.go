package wire

import (
	"errors"
	"fmt"
	"time"
)

// Protocol defaults.
const (
	// DefaultPort is the TCP port CIS-IP2 receivers listen on.
	DefaultPort = 33336

	// DefaultTimeout is the default time a request waits for its result.
	DefaultTimeout = 10 * time.Second

	// MinID is the lowest command id handed out by a client.
	MinID uint32 = 1

	// MaxID is the highest command id before the counter wraps.
	MaxID uint32 = 1_000_000
)

// Values a device returns for a set.
const (
	ResponseACK = "ACK"
	ResponseNAK = "NAK"
	ResponseERR = "ERR"
)

// Validation errors.
var (
	// ErrInvalidType indicates an unknown message type.
	ErrInvalidType = errors.New("invalid message type")

	// ErrMissingID indicates a result or error without a correlation id.
	ErrMissingID = errors.New("missing message id")

	// ErrMissingFeature indicates a message that requires a feature but has none.
	ErrMissingFeature = errors.New("missing feature")
)

// MessageType is the value of the "type" field.
type MessageType string

const (
	// TypeGet reads the current value of a feature.
	TypeGet MessageType = "get"

	// TypeSet changes the value of a feature.
	TypeSet MessageType = "set"

	// TypeResult answers a get or set.
	TypeResult MessageType = "result"

	// TypeNotify pushes a value change.
	TypeNotify MessageType = "notify"

	// TypeError rejects a get or set.
	TypeError MessageType = "error"
)

// String returns the type name.
func (t MessageType) String() string {
	return string(t)
}

// IsValid returns true if t is one of the five protocol message types.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeGet, TypeSet, TypeResult, TypeNotify, TypeError:
		return true
	default:
		return false
	}
}

// IsRequest returns true for types a client sends.
func (t MessageType) IsRequest() bool {
	return t == TypeGet || t == TypeSet
}

// IsReply returns true for types that correlate to a pending request.
func (t MessageType) IsReply() bool {
	return t == TypeResult || t == TypeError
}

// Message is a single CIS-IP2 record.
//
// JSON encoding:
//
//	{
//	  "id": 3,                // integer, absent on notify
//	  "type": "result",       // get | set | result | notify | error
//	  "feature": "main.power",
//	  "value": "on",          // scalar or string
//	  "error": "detail"       // optional, error only
//	}
type Message struct {
	ID      *uint32     `json:"id,omitempty"`
	Type    MessageType `json:"type"`
	Feature string      `json:"feature,omitempty"`
	Value   any         `json:"value,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewRequest builds a get or set message with the given id.
func NewRequest(id uint32, typ MessageType, feature string, value any) *Message {
	return &Message{
		ID:      &id,
		Type:    typ,
		Feature: feature,
		Value:   value,
	}
}

// NewResult builds the reply to request id.
func NewResult(id uint32, feature string, value any) *Message {
	return &Message{ID: ID(id), Type: TypeResult, Feature: feature, Value: value}
}

// NewError builds an error reply to request id. The detail travels in
// "value", as receivers send it.
func NewError(id uint32, feature, detail string) *Message {
	return &Message{ID: ID(id), Type: TypeError, Feature: feature, Value: detail}
}

// NewNotify builds an unsolicited value push.
func NewNotify(feature string, value any) *Message {
	return &Message{Type: TypeNotify, Feature: feature, Value: value}
}

// ID returns a pointer to id for use in Message literals.
func ID(id uint32) *uint32 {
	return &id
}

// MessageID returns the correlation id, or 0 if the message has none.
func (m *Message) MessageID() uint32 {
	if m.ID == nil {
		return 0
	}
	return *m.ID
}

// HasID returns true if the message carries an id.
func (m *Message) HasID() bool {
	return m.ID != nil
}

// Validate checks the protocol-level shape of the message.
// Feature semantics (value ranges, enums) are not checked.
func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, string(m.Type))
	}
	switch m.Type {
	case TypeResult, TypeError:
		if m.ID == nil {
			return fmt.Errorf("%w: %s", ErrMissingID, m.Type)
		}
	case TypeGet, TypeSet:
		if m.ID == nil {
			return fmt.Errorf("%w: %s", ErrMissingID, m.Type)
		}
		if m.Feature == "" {
			return fmt.Errorf("%w: %s", ErrMissingFeature, m.Type)
		}
	case TypeNotify:
		if m.Feature == "" {
			return fmt.Errorf("%w: %s", ErrMissingFeature, m.Type)
		}
	}
	return nil
}

// ErrorDetail returns the detail carried by an error message.
// Devices usually put it in "value"; the optional "error" field wins if set.
func (m *Message) ErrorDetail() string {
	if m.Error != "" {
		return m.Error
	}
	if m.Value == nil {
		return ""
	}
	return ValueString(m.Value)
}

// String returns a compact single-line representation for logs.
func (m *Message) String() string {
	if m.ID == nil {
		return fmt.Sprintf("%s %s=%v", m.Type, m.Feature, m.Value)
	}
	return fmt.Sprintf("%s #%d %s=%v", m.Type, *m.ID, m.Feature, m.Value)
}
