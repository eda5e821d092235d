package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrEmptyTopic is returned when a message has no topic.
	ErrEmptyTopic = errors.New("message topic must be a non-empty string")

	// ErrBadHeaderValue is returned when a header value is not a JSON scalar.
	ErrBadHeaderValue = errors.New("header values must be strings, numbers or booleans")
)

// Headers carry per-message metadata. Values are restricted to JSON scalars
// (string, number, boolean).
type Headers map[string]interface{}

// Bool returns the header value for key when it is a boolean.
func (h Headers) Bool(key string) (value bool, ok bool) {
	v, found := h[key]
	if !found {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}

// Message is the unit of transfer between nodes. Once handed to the broker
// core a message must not be mutated; nodes and subscriptions share it.
//
// Data distinguishes "absent" (nil) from the JSON value null ("null"), which
// matters for TopicStore retention.
type Message struct {
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data,omitempty"`
	Headers Headers         `json:"headers,omitempty"`
}

// New creates a message with the given topic, raw JSON data and headers.
func New(topic string, data json.RawMessage, headers Headers) *Message {
	return &Message{Topic: topic, Data: data, Headers: headers}
}

// HasData reports whether the message carries a data value (including null).
func (m *Message) HasData() bool { return m.Data != nil }

// Validate checks the message against the wire contract: a non-empty topic
// and scalar header values.
func (m *Message) Validate() error {
	if m.Topic == "" {
		return ErrEmptyTopic
	}
	for key, value := range m.Headers {
		switch value.(type) {
		case string, bool,
			float64, float32,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			json.Number:
		default:
			return fmt.Errorf("%w: header %q", ErrBadHeaderValue, key)
		}
	}
	return nil
}
