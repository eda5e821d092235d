// Package testutil provides a mock MHub broker for client-side tests: an
// in-process WebSocket endpoint that records received commands and answers
// them with scripted or default responses.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/poelstra/mhub-sub000/pkg/api/mhub"
)

// MockBroker is a scriptable fake broker. By default every command is
// acknowledged with its matching ack type; per-type handlers override that.
type MockBroker struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	received []json.RawMessage
	handlers map[string]Handler
}

// Handler produces the responses for one received command. Returning no
// responses means stay silent.
type Handler func(raw json.RawMessage, env mhub.Envelope) []interface{}

// NewMockBroker starts the mock endpoint.
func NewMockBroker() *MockBroker {
	m := &MockBroker{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:    make(map[*websocket.Conn]struct{}),
		handlers: make(map[string]Handler),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the ws:// URL of the mock endpoint.
func (m *MockBroker) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1)
}

// Close shuts the endpoint down along with every open connection.
func (m *MockBroker) Close() {
	m.mu.Lock()
	for conn := range m.conns {
		conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

// Handle overrides the response for one command type.
func (m *MockBroker) Handle(commandType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[commandType] = h
}

// FailWith makes every command of the given type fail with an error
// response carrying the message.
func (m *MockBroker) FailWith(commandType, message string) {
	m.Handle(commandType, func(raw json.RawMessage, env mhub.Envelope) []interface{} {
		return []interface{}{mhub.ErrorResponse{Type: mhub.TypeError, Seq: env.Seq, Message: message}}
	})
}

// Received returns a copy of every command frame received so far.
func (m *MockBroker) Received() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]json.RawMessage, len(m.received))
	copy(out, m.received)
	return out
}

// ReceivedOfType returns the received commands with the given type.
func (m *MockBroker) ReceivedOfType(commandType string) []json.RawMessage {
	var out []json.RawMessage
	for _, raw := range m.Received() {
		var env mhub.Envelope
		if json.Unmarshal(raw, &env) == nil && env.Type == commandType {
			out = append(out, raw)
		}
	}
	return out
}

// Push sends an unsolicited response (typically a message) to every open
// connection.
func (m *MockBroker) Push(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.conns {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}

// PushMessage sends one subscription message to every open connection.
func (m *MockBroker) PushMessage(subscription, topic string, data interface{}, seq int) {
	raw, _ := json.Marshal(data)
	m.Push(mhub.MessageResponse{
		Type:         mhub.TypeMessage,
		Topic:        topic,
		Data:         raw,
		Headers:      map[string]interface{}{},
		Subscription: subscription,
		Seq:          seq,
	})
}

func (m *MockBroker) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns[conn] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env mhub.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}

		m.mu.Lock()
		m.received = append(m.received, json.RawMessage(append([]byte(nil), frame...)))
		handler := m.handlers[env.Type]
		m.mu.Unlock()

		responses := m.defaultResponses(env)
		if handler != nil {
			responses = handler(frame, env)
		}
		for _, resp := range responses {
			data, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (m *MockBroker) defaultResponses(env mhub.Envelope) []interface{} {
	ackTypes := map[string]string{
		mhub.TypeLogin:       mhub.TypeLoginAck,
		mhub.TypeSession:     mhub.TypeSessionAck,
		mhub.TypeSubscribe:   mhub.TypeSubAck,
		mhub.TypeUnsubscribe: mhub.TypeUnsubAck,
		mhub.TypePublish:     mhub.TypePubAck,
		mhub.TypePing:        mhub.TypePingAck,
	}
	if env.Type == mhub.TypeSubscription {
		return []interface{}{mhub.SubscriptionAck{Type: mhub.TypeSubscriptionAck, Seq: env.Seq}}
	}
	ackType, ok := ackTypes[env.Type]
	if !ok {
		// acks get no response; unknown types stay silent too.
		return nil
	}
	return []interface{}{mhub.Ack{Type: ackType, Seq: env.Seq}}
}
