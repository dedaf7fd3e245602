package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RecordTerminator ends every record written to the stream.
const RecordTerminator = '\n'

// setMessage mirrors Message but always carries "value", so a set with a
// nil value is sent as "value":null rather than dropping the field.
type setMessage struct {
	ID      *uint32     `json:"id,omitempty"`
	Type    MessageType `json:"type"`
	Feature string      `json:"feature,omitempty"`
	Value   any         `json:"value"`
}

// Encode serializes a message as one newline-terminated record.
func Encode(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	var v any = msg
	if msg.Type == TypeSet {
		v = setMessage{ID: msg.ID, Type: msg.Type, Feature: msg.Feature, Value: msg.Value}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(data, RecordTerminator), nil
}

// EncodeRequest serializes a get or set request.
func EncodeRequest(msg *Message) ([]byte, error) {
	if !msg.Type.IsRequest() {
		return nil, fmt.Errorf("invalid request: %w: %q is not a request type", ErrInvalidType, string(msg.Type))
	}
	return Encode(msg)
}

// DecodeMessage decodes a single JSON record and validates its shape.
// Surrounding whitespace is ignored.
func DecodeMessage(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode message: trailing data after record")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ValueString renders a decoded value for display and comparison.
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprint(val)
	}
}

// ParseValue converts user input into a wire value: integers and floats
// become numbers, true/false become booleans, everything else stays a string.
func ParseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	return s
}
