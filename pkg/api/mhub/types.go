// Package mhub defines the broker wire protocol: JSON documents exchanged
// over WebSocket frames or newline-delimited TCP. Every document carries a
// "type" field; commands may carry a client-chosen "seq" that the broker
// echoes in the matching response.
package mhub

import (
	"encoding/json"
)

// MaxSeq is the largest accepted command sequence number.
const MaxSeq = 65535

// Command types (client to broker).
const (
	TypeLogin        = "login"
	TypeSession      = "session"
	TypeSubscription = "subscription"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePublish      = "publish"
	TypeAck          = "ack"
	TypePing         = "ping"
)

// Response types (broker to client).
const (
	TypeLoginAck        = "loginack"
	TypeSessionAck      = "sessionack"
	TypeSubscriptionAck = "subscriptionack"
	TypeSubAck          = "suback"
	TypeUnsubAck        = "unsuback"
	TypePubAck          = "puback"
	TypePingAck         = "pingack"
	TypeMessage         = "message"
	TypeError           = "error"
)

// DefaultSubscriptionID is used when a subscribe command names no id.
const DefaultSubscriptionID = "default"

// Envelope is the part of every command that can be decoded before the
// command type is known.
type Envelope struct {
	Type string `json:"type"`
	Seq  *int   `json:"seq,omitempty"`
}

// LoginCommand authenticates the connection.
type LoginCommand struct {
	Envelope
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionCommand attaches the connection to a named memory session,
// optionally reconciling its set of subscription ids.
type SessionCommand struct {
	Envelope
	Name          string    `json:"name"`
	Subscriptions *[]string `json:"subscriptions,omitempty"`
}

// SubscriptionCommand reads or replaces the bindings of one subscription.
// Bindings maps node names to a pattern spec: true, false, a glob string or
// an array of glob strings. A nil Bindings means "just read".
type SubscriptionCommand struct {
	Envelope
	ID       string                     `json:"id"`
	Bindings map[string]json.RawMessage `json:"bindings,omitempty"`
}

// SubscribeCommand adds a pattern to a subscription on one node.
type SubscribeCommand struct {
	Envelope
	Node    string  `json:"node"`
	Pattern *string `json:"pattern,omitempty"`
	ID      string  `json:"id,omitempty"`
}

// UnsubscribeCommand removes a pattern (or, without one, every pattern)
// from a subscription on one node.
type UnsubscribeCommand struct {
	Envelope
	Node    string  `json:"node"`
	Pattern *string `json:"pattern,omitempty"`
	ID      string  `json:"id,omitempty"`
}

// PublishCommand sends a message to a destination node.
type PublishCommand struct {
	Envelope
	Node    string                 `json:"node"`
	Topic   string                 `json:"topic"`
	Data    json.RawMessage        `json:"data,omitempty"`
	Headers map[string]interface{} `json:"headers,omitempty"`
}

// AckCommand releases delivered messages up to a cumulative sequence number
// and optionally adjusts the delivery window.
type AckCommand struct {
	Envelope
	ID     string `json:"id"`
	Ack    *int   `json:"ack"`
	Window *int   `json:"window,omitempty"`
}

// PingCommand asks for a pingack.
type PingCommand struct {
	Envelope
}

// Ack is the generic acknowledgement response; Type is one of the *Ack
// response types above.
type Ack struct {
	Type string `json:"type"`
	Seq  *int   `json:"seq,omitempty"`
}

// SubscriptionAck reports a subscription's delivery state. Bindings is only
// present when the command did not carry bindings of its own and maps node
// names to the currently bound pattern lists.
type SubscriptionAck struct {
	Type     string              `json:"type"`
	Seq      *int                `json:"seq,omitempty"`
	ID       string              `json:"id"`
	LastAck  int                 `json:"lastAck"`
	Window   int                 `json:"window"`
	Bindings map[string][]string `json:"bindings,omitempty"`
}

// MessageResponse delivers one message on a subscription. Seq is the
// per-subscription delivery sequence number, not a command echo.
type MessageResponse struct {
	Type         string                 `json:"type"`
	Topic        string                 `json:"topic"`
	Data         json.RawMessage        `json:"data,omitempty"`
	Headers      map[string]interface{} `json:"headers"`
	Subscription string                 `json:"subscription"`
	Seq          int                    `json:"seq"`
}

// ErrorResponse reports a failed command, echoing its seq when one was
// decodable.
type ErrorResponse struct {
	Type    string `json:"type"`
	Seq     *int   `json:"seq,omitempty"`
	Message string `json:"message"`
}
