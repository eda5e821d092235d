// Package client is a Go client for the MHub broker over WebSocket. It
// numbers commands, matches acknowledgements to callers and hands received
// subscription messages to a channel.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/poelstra/mhub-sub000/pkg/api/mhub"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client closed")

// Config configures a broker connection.
type Config struct {
	// URL of the broker endpoint, e.g. ws://localhost:13900/ or
	// wss://broker.example.com:13901/.
	URL string
	// Insecure skips TLS certificate verification.
	Insecure bool
	// HandshakeTimeout bounds the WebSocket handshake, default 10s.
	HandshakeTimeout time.Duration
	// MessageBuffer is the capacity of the Messages channel, default 64.
	// The reader drops messages when the channel is full and nobody
	// consumes them.
	MessageBuffer int
}

// Message is a received subscription message.
type Message struct {
	Topic        string
	Data         json.RawMessage
	Headers      map[string]interface{}
	Subscription string
	Seq          int
}

// Client is a connection to the broker. Safe for concurrent use.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     int
	pending map[int]chan response
	closed  bool
	readErr error

	messages chan Message
	done     chan struct{}
}

type response struct {
	envType string
	message string
}

// Dial connects to a broker.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	buffer := cfg.MessageBuffer
	if buffer <= 0 {
		buffer = 64
	}
	c := &Client{
		conn:     conn,
		pending:  make(map[int]chan response),
		messages: make(chan Message, buffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages returns the channel of received subscription messages. It is
// closed when the connection ends.
func (c *Client) Messages() <-chan Message { return c.messages }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Login authenticates the connection.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.request(ctx, func(seq int) interface{} {
		return mhub.LoginCommand{
			Envelope: mhub.Envelope{Type: mhub.TypeLogin, Seq: &seq},
			Username: username,
			Password: password,
		}
	})
}

// Session attaches the connection to the named memory session. With
// subscription ids given, the session's subscriptions are reconciled to
// exactly that set.
func (c *Client) Session(ctx context.Context, name string, subscriptions ...string) error {
	return c.request(ctx, func(seq int) interface{} {
		cmd := mhub.SessionCommand{
			Envelope: mhub.Envelope{Type: mhub.TypeSession, Seq: &seq},
			Name:     name,
		}
		if subscriptions != nil {
			cmd.Subscriptions = &subscriptions
		}
		return cmd
	})
}

// Subscribe adds a pattern to subscription id on a node. An empty pattern
// matches everything; an empty id selects "default".
func (c *Client) Subscribe(ctx context.Context, node, pattern, id string) error {
	return c.request(ctx, func(seq int) interface{} {
		cmd := mhub.SubscribeCommand{
			Envelope: mhub.Envelope{Type: mhub.TypeSubscribe, Seq: &seq},
			Node:     node,
			ID:       id,
		}
		if pattern != "" {
			cmd.Pattern = &pattern
		}
		return cmd
	})
}

// Unsubscribe removes a pattern (or with an empty pattern, all patterns)
// from subscription id on a node.
func (c *Client) Unsubscribe(ctx context.Context, node, pattern, id string) error {
	return c.request(ctx, func(seq int) interface{} {
		cmd := mhub.UnsubscribeCommand{
			Envelope: mhub.Envelope{Type: mhub.TypeUnsubscribe, Seq: &seq},
			Node:     node,
			ID:       id,
		}
		if pattern != "" {
			cmd.Pattern = &pattern
		}
		return cmd
	})
}

// Publish sends a message to a node. data is marshaled to JSON; pass nil
// for a data-less message or a json.RawMessage to publish raw JSON.
func (c *Client) Publish(ctx context.Context, node, topic string, data interface{}, headers map[string]interface{}) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode data: %w", err)
		}
		raw = encoded
	}
	return c.request(ctx, func(seq int) interface{} {
		return mhub.PublishCommand{
			Envelope: mhub.Envelope{Type: mhub.TypePublish, Seq: &seq},
			Node:     node,
			Topic:    topic,
			Data:     raw,
			Headers:  headers,
		}
	})
}

// Ack acknowledges messages on subscription id up to the cumulative count
// upTo and optionally adjusts the window. The broker does not respond to
// acks.
func (c *Client) Ack(id string, upTo int, window *int) error {
	return c.send(mhub.AckCommand{
		Envelope: mhub.Envelope{Type: mhub.TypeAck},
		ID:       id,
		Ack:      &upTo,
		Window:   window,
	})
}

// Ping round-trips a ping command.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, func(seq int) interface{} {
		return mhub.PingCommand{Envelope: mhub.Envelope{Type: mhub.TypePing, Seq: &seq}}
	})
}

// request sends a seq-numbered command and waits for the matching response.
func (c *Client) request(ctx context.Context, build func(seq int) interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq = (c.seq + 1) % (mhub.MaxSeq + 1)
	seq := c.seq
	waiter := make(chan response, 1)
	c.pending[seq] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.send(build(seq)); err != nil {
		return err
	}

	select {
	case resp := <-waiter:
		if resp.envType == mhub.TypeError {
			return errors.New(resp.message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

func (c *Client) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.messages)
	}()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.readErr == nil {
				c.readErr = err
			}
			c.mu.Unlock()
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame []byte) {
	var env struct {
		Type string `json:"type"`
		Seq  *int   `json:"seq"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return
	}

	if env.Type == mhub.TypeMessage {
		var m mhub.MessageResponse
		if err := json.Unmarshal(frame, &m); err != nil {
			return
		}
		select {
		case c.messages <- Message{
			Topic:        m.Topic,
			Data:         m.Data,
			Headers:      m.Headers,
			Subscription: m.Subscription,
			Seq:          m.Seq,
		}:
		default:
			// Consumer not keeping up; drop rather than stall the reader.
		}
		return
	}

	if env.Seq == nil {
		// Unsolicited error (e.g. forced session detach); surface it as
		// the connection error once the server closes, nothing to route.
		return
	}

	var resp response
	resp.envType = env.Type
	if env.Type == mhub.TypeError {
		var e mhub.ErrorResponse
		if err := json.Unmarshal(frame, &e); err == nil {
			resp.message = e.Message
		}
	}

	c.mu.Lock()
	waiter := c.pending[*env.Seq]
	c.mu.Unlock()
	if waiter != nil {
		waiter <- resp
	}
}
