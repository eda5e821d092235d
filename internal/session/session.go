package session

import (
	"errors"

	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// ErrDetached is the reason handed to a connection that loses its session,
// either to another connection attaching or to session destruction.
var ErrDetached = errors.New("session detached")

// Kind distinguishes sessions that survive a disconnect from those that do
// not.
type Kind int

const (
	// Volatile sessions acknowledge automatically and die with their
	// connection.
	Volatile Kind = iota
	// Memory sessions keep subscription state across reconnects.
	Memory
)

func (k Kind) String() string {
	if k == Memory {
		return "memory"
	}
	return "volatile"
}

// Connection is the client side a session delivers into. Implemented by the
// protocol state machine.
type Connection interface {
	// Deliver emits one subscription message to the client.
	Deliver(subscriptionID string, m *message.Message, seq int)
	// Detached notifies the client that it no longer holds the session.
	Detached(reason error)
}

// Session is a named collection of subscriptions, attached to at most one
// connection at a time.
type Session struct {
	username string
	name     string
	kind     Kind
	logger   logging.Logger

	subs  map[string]*Subscription
	order []string

	conn      Connection
	onDestroy []func(*Session)
	destroyed bool
}

// New creates an empty session
func New(username, name string, kind Kind, logger logging.Logger) *Session {
	return &Session{
		username: username,
		name:     name,
		kind:     kind,
		logger:   logger,
		subs:     make(map[string]*Subscription),
	}
}

// Username returns the owning user, empty for anonymous.
func (s *Session) Username() string { return s.username }

// Name returns the session name
func (s *Session) Name() string { return s.name }

// Kind returns whether the session is volatile or memory
func (s *Session) Kind() Kind { return s.kind }

// Attached reports whether a connection currently holds the session.
func (s *Session) Attached() bool { return s.conn != nil }

// OnDestroy registers a callback invoked once when the session is destroyed.
// The hub uses it to drop the session from its directory.
func (s *Session) OnDestroy(fn func(*Session)) { s.onDestroy = append(s.onDestroy, fn) }

// Subscription returns the subscription with the given id, nil when absent.
func (s *Session) Subscription(id string) *Subscription { return s.subs[id] }

// SubscriptionCount returns the number of subscriptions
func (s *Session) SubscriptionCount() int { return len(s.subs) }

// GetOrCreateSubscription returns the subscription with the given id,
// creating it with the session kind's defaults when missing: volatile
// sessions auto-ack, memory sessions start with window 0.
func (s *Session) GetOrCreateSubscription(id string) *Subscription {
	if sub, ok := s.subs[id]; ok {
		return sub
	}
	sub := NewSubscription(id, s.kind == Volatile, s.logger)
	s.subs[id] = sub
	s.order = append(s.order, id)
	if s.conn != nil {
		sub.attach(s.deliverer())
	}
	return sub
}

// SetSubscriptions reconciles the subscription set with ids: subscriptions
// not named are destroyed, missing ones created.
func (s *Session) SetSubscriptions(ids []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, id := range append([]string(nil), s.order...) {
		if !want[id] {
			s.subs[id].Destroy()
			delete(s.subs, id)
			s.order = removeString(s.order, id)
		}
	}
	for _, id := range ids {
		s.GetOrCreateSubscription(id)
	}
}

// Attach hands the session to conn. A previously attached connection is
// forcibly detached first and notified. Every subscription resets its
// delivery state and re-sends from its last acknowledged position once the
// client opens a window.
func (s *Session) Attach(conn Connection) {
	if s.conn != nil && s.conn != conn {
		prev := s.conn
		s.detachSubscriptions()
		s.conn = nil
		prev.Detached(ErrDetached)
	}
	s.conn = conn
	for _, id := range s.order {
		sub := s.subs[id]
		sub.connect()
		sub.attach(s.deliverer())
	}
	if s.logger != nil {
		s.logger.WithFields(logging.Fields{
			"session":       s.name,
			"user":          s.username,
			"kind":          s.kind.String(),
			"subscriptions": len(s.subs),
		}).Debug("Session attached")
	}
}

// Detach releases the session if conn currently holds it. Volatile sessions
// are destroyed.
func (s *Session) Detach(conn Connection) {
	if s.conn != conn || s.conn == nil {
		return
	}
	s.detachSubscriptions()
	s.conn = nil
	if s.kind == Volatile {
		s.Destroy()
	}
}

// Destroy detaches the current connection if any, destroys every
// subscription and fires the destroy callback.
func (s *Session) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	if s.conn != nil {
		conn := s.conn
		s.detachSubscriptions()
		s.conn = nil
		conn.Detached(ErrDetached)
	}
	for _, id := range s.order {
		s.subs[id].Destroy()
	}
	s.subs = make(map[string]*Subscription)
	s.order = nil

	for _, fn := range s.onDestroy {
		fn(s)
	}
}

func (s *Session) detachSubscriptions() {
	for _, id := range s.order {
		s.subs[id].detach()
	}
}

func (s *Session) deliverer() Deliverer {
	conn := s.conn
	return func(id string, m *message.Message, seq int) {
		conn.Deliver(id, m, seq)
	}
}
