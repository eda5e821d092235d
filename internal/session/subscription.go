// Package session implements the delivery side of the broker: subscriptions
// with sliding-window acknowledgements and the sessions that own them.
package session

import (
	"errors"
	"fmt"

	"github.com/poelstra/mhub-sub000/internal/match"
	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

var (
	// ErrAckOutOfRange is returned when an ack is older than the current
	// position or beyond the buffered messages.
	ErrAckOutOfRange = errors.New("ack out of range")

	// ErrAutoAck is returned when a client acks a subscription that
	// acknowledges automatically.
	ErrAutoAck = errors.New("ack not allowed on auto-acknowledged subscription")

	// ErrNegativeWindow is returned for window values below zero.
	ErrNegativeWindow = errors.New("window must be non-negative")
)

// Deliverer emits one message to the attached client. seq is the
// per-subscription delivery sequence number, strictly increasing from 1.
type Deliverer func(subscriptionID string, m *message.Message, seq int)

// SourceBinding describes the desired binding of a subscription to one
// source: the client's patterns plus the user's authorization filter.
type SourceBinding struct {
	Source   pubsub.Source
	Auth     match.Matcher
	Patterns []string
}

// Subscription buffers messages from its bound sources and delivers them
// window-gated: at most `window` messages are inflight (sent but unacked) at
// any time. Auto-ack subscriptions treat the window as infinite and never
// buffer past delivery.
//
// Invariant: first >= 0, 0 <= inflight <= len(buffer), and for finite
// windows inflight <= window.
type Subscription struct {
	id      string
	logger  logging.Logger
	autoAck bool

	first     int
	inflight  int
	window    int
	announced int
	buffer    []*message.Message

	bindings []*sourceBinding
	deliver  Deliverer
}

type sourceBinding struct {
	source   pubsub.Source
	node     *subscriptionNode
	patterns []string
}

// subscriptionNode is the Destination a subscription binds to its sources.
// It re-checks the user's authorization filter on every message: the binding
// patterns are client-chosen, the auth filter is not.
type subscriptionNode struct {
	name string
	auth match.Matcher
	sub  *Subscription
}

func (n *subscriptionNode) Name() string { return n.name }

func (n *subscriptionNode) Send(m *message.Message) {
	if n.auth != nil && !n.auth(m.Topic) {
		return
	}
	n.sub.add(m)
}

// NewSubscription creates a detached subscription. Auto-ack subscriptions
// deliver immediately and keep no history; the others start with window 0
// and deliver only once the client acks with a non-zero window.
func NewSubscription(id string, autoAck bool, logger logging.Logger) *Subscription {
	return &Subscription{id: id, autoAck: autoAck, logger: logger}
}

// ID returns the client-chosen subscription identifier
func (s *Subscription) ID() string { return s.id }

// AutoAck reports whether the subscription acknowledges automatically
func (s *Subscription) AutoAck() bool { return s.autoAck }

// LastAck returns the number of messages acknowledged so far.
func (s *Subscription) LastAck() int { return s.first }

// Window returns the current delivery window
func (s *Subscription) Window() int { return s.window }

// AnnouncedWindow returns the window value last reported to the client.
func (s *Subscription) AnnouncedWindow() int { return s.announced }

// Announce records that the current window was reported to the client.
func (s *Subscription) Announce() int {
	s.announced = s.window
	return s.announced
}

// Subscribe adds patterns to the binding on src, creating it on first use.
// The auth matcher is fixed per source; no patterns means match-all.
func (s *Subscription) Subscribe(src pubsub.Source, auth match.Matcher, patterns ...string) error {
	b := s.findBinding(src)
	if b == nil {
		b = &sourceBinding{
			source: src,
			node:   &subscriptionNode{name: fmt.Sprintf("subscription:%s", s.id), auth: auth, sub: s},
		}
		s.bindings = append(s.bindings, b)
	}
	if len(patterns) == 0 {
		patterns = []string{""}
	}
	// Re-adding a present pattern must be a no-op: binding it again would
	// replay stored node history a second time.
	added := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !containsString(b.patterns, p) && !containsString(added, p) {
			added = append(added, p)
		}
	}
	if len(added) == 0 {
		return nil
	}
	if err := src.Bind(b.node, added...); err != nil {
		if len(b.patterns) == 0 {
			s.dropBinding(src)
		}
		return err
	}
	b.patterns = append(b.patterns, added...)
	return nil
}

// Unsubscribe removes patterns from the binding on src, or the whole
// binding when no patterns are given.
func (s *Subscription) Unsubscribe(src pubsub.Source, patterns ...string) {
	b := s.findBinding(src)
	if b == nil {
		return
	}
	if len(patterns) == 0 {
		src.Unbind(b.node)
		s.dropBinding(src)
		return
	}
	src.Unbind(b.node, patterns...)
	for _, p := range patterns {
		b.patterns = removeString(b.patterns, p)
	}
	if len(b.patterns) == 0 {
		s.dropBinding(src)
	}
}

// SetBindings reconciles the subscription's sources with the requested set:
// sources not in want are unbound, new ones bound, and pattern sets diffed
// so unchanged patterns are not re-bound (re-binding would replay stored
// messages again).
func (s *Subscription) SetBindings(want []SourceBinding) error {
	keep := make(map[pubsub.Source]bool, len(want))
	for _, w := range want {
		keep[w.Source] = true
	}
	for _, b := range s.currentBindings() {
		if !keep[b.source] {
			s.Unsubscribe(b.source)
		}
	}

	for _, w := range want {
		patterns := w.Patterns
		if len(patterns) == 0 {
			patterns = []string{""}
		}
		if b := s.findBinding(w.Source); b != nil {
			var removed []string
			for _, p := range b.patterns {
				if !containsString(patterns, p) {
					removed = append(removed, p)
				}
			}
			if len(removed) > 0 {
				s.Unsubscribe(w.Source, removed...)
			}
			var added []string
			for _, p := range patterns {
				if !containsString(b.patterns, p) {
					added = append(added, p)
				}
			}
			if len(added) == 0 {
				continue
			}
			patterns = added
		}
		if err := s.Subscribe(w.Source, w.Auth, patterns...); err != nil {
			return err
		}
	}
	return nil
}

// Bindings returns the current source-to-pattern map. The match-all pattern
// is reported as an empty list.
func (s *Subscription) Bindings() map[string][]string {
	out := make(map[string][]string, len(s.bindings))
	for _, b := range s.bindings {
		patterns := make([]string, 0, len(b.patterns))
		for _, p := range b.patterns {
			if p != "" {
				patterns = append(patterns, p)
			}
		}
		out[b.source.Name()] = patterns
	}
	return out
}

// Ack releases messages up to the cumulative count upTo and optionally sets
// a new window, then flushes.
func (s *Subscription) Ack(upTo int, newWindow *int) error {
	if s.autoAck {
		return ErrAutoAck
	}
	if upTo < s.first || upTo > s.first+len(s.buffer) {
		return fmt.Errorf("%w: ack %d, expected %d..%d", ErrAckOutOfRange, upTo, s.first, s.first+len(s.buffer))
	}
	if newWindow != nil && *newWindow < 0 {
		return ErrNegativeWindow
	}

	k := upTo - s.first
	s.buffer = s.buffer[k:]
	s.first = upTo
	if s.inflight > k {
		s.inflight -= k
	} else {
		s.inflight = 0
	}
	if newWindow != nil {
		s.window = *newWindow
	}
	s.flush()
	return nil
}

// attach starts delivering through d; pending messages flush immediately.
func (s *Subscription) attach(d Deliverer) {
	s.deliver = d
	s.flush()
}

// detach stops delivery. Buffered and inflight messages stay put.
func (s *Subscription) detach() {
	s.deliver = nil
}

// connect resets the delivery state for a reattached client: previously
// inflight messages are considered unsent again, and the window closes until
// the client acks. The client's last remembered ack may be anywhere between
// first and first+inflight, so everything from first is re-sent (at-least-
// once delivery).
func (s *Subscription) connect() {
	s.inflight = 0
	if !s.autoAck {
		s.window = 0
		s.announced = 0
	}
}

// add buffers a message and flushes. Called by subscriptionNode under the
// hub lock.
func (s *Subscription) add(m *message.Message) {
	s.buffer = append(s.buffer, m)
	s.flush()
}

func (s *Subscription) flush() {
	for s.deliver != nil && len(s.buffer) > s.inflight && (s.autoAck || s.inflight < s.window) {
		m := s.buffer[s.inflight]
		s.inflight++
		seq := s.first + s.inflight
		if s.autoAck {
			// Acknowledge before delivering so a re-entrant add sees
			// consistent state.
			s.first += s.inflight
			s.inflight = 0
			s.buffer = s.buffer[1:]
		}
		s.deliver(s.id, m, seq)
	}
}

// Destroy unbinds the subscription from all its sources and drops the
// buffer.
func (s *Subscription) Destroy() {
	for _, b := range s.currentBindings() {
		b.source.Unbind(b.node)
	}
	s.bindings = nil
	s.buffer = nil
	s.deliver = nil
}

func (s *Subscription) findBinding(src pubsub.Source) *sourceBinding {
	for _, b := range s.bindings {
		if b.source == src {
			return b
		}
	}
	return nil
}

func (s *Subscription) dropBinding(src pubsub.Source) {
	for i, b := range s.bindings {
		if b.source == src {
			s.bindings = append(s.bindings[:i], s.bindings[i+1:]...)
			return
		}
	}
}

func (s *Subscription) currentBindings() []*sourceBinding {
	out := make([]*sourceBinding, len(s.bindings))
	copy(out, s.bindings)
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
