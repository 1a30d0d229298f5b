package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformed is returned by Decode for input that is not valid JSON.
	ErrMalformed = errors.New("malformed JSON message")

	// ErrNotObject is returned by Decode for valid JSON that is not an object.
	ErrNotObject = errors.New("message is not a JSON object")
)

// Message is a JSON object crossing the relay.
type Message map[string]any

// Decode parses one frame. Only a single JSON object is accepted; numbers are
// kept as json.Number so re-encoding reproduces them exactly.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotObject, v)
	}
	return Message(obj), nil
}

// Encode returns the wire form of msg.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// RequestID returns the message's RequestId field when it is a number.
func (m Message) RequestID() (uint64, bool) {
	switch v := m["RequestId"].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}

const describeLimit = 120

// Describe returns a short identification of msg for log lines.
func Describe(msg Message) string {
	if id, ok := msg.RequestID(); ok {
		return fmt.Sprintf("RequestId=%d", id)
	}
	data, err := Encode(msg)
	if err != nil {
		return "<unencodable>"
	}
	if len(data) > describeLimit {
		return string(data[:describeLimit]) + "..."
	}
	return string(data)
}
