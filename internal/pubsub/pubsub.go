package pubsub

import (
	"github.com/poelstra/mhub-sub000/internal/match"
	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// Node is anything that lives in a hub under a unique name.
type Node interface {
	Name() string
}

// Destination consumes messages. Send is fire-and-forget: a destination that
// cannot handle a message must not make the caller fail.
type Destination interface {
	Node
	Send(m *message.Message)
}

// Source produces messages for bound destinations.
//
// Bind adds patterns to the binding for dest, creating the binding on first
// use; no patterns means match-all. Unbind with patterns removes those exact
// patterns; without patterns it removes the whole binding.
type Source interface {
	Node
	Bind(dest Destination, patterns ...string) error
	Unbind(dest Destination, patterns ...string)
}

// matchAllPattern is how a pattern-less Bind is recorded in a binding's
// pattern set. It is a real set element: Unbind(dest, "") removes it.
const matchAllPattern = ""

type binding struct {
	dest     Destination
	patterns []string
	matchers []match.Matcher
}

func (b *binding) matches(topic string) bool {
	for _, m := range b.matchers {
		if m(topic) {
			return true
		}
	}
	return false
}

func (b *binding) has(pattern string) bool {
	for _, p := range b.patterns {
		if p == pattern {
			return true
		}
	}
	return false
}

func (b *binding) remove(pattern string) {
	for i, p := range b.patterns {
		if p == pattern {
			b.patterns = append(b.patterns[:i], b.patterns[i+1:]...)
			b.matchers = append(b.matchers[:i], b.matchers[i+1:]...)
			return
		}
	}
}

// BaseSource maintains an ordered set of bindings and fans messages out to
// them. Node types embed it and call Broadcast.
type BaseSource struct {
	name     string
	logger   logging.Logger
	bindings []*binding
}

// NewBaseSource creates a source with no bindings
func NewBaseSource(name string, logger logging.Logger) BaseSource {
	return BaseSource{name: name, logger: logger}
}

// Name returns the node name
func (s *BaseSource) Name() string { return s.name }

// Bind adds patterns to the binding for dest. At most one binding exists per
// destination; adding a pattern it already holds is a no-op.
func (s *BaseSource) Bind(dest Destination, patterns ...string) error {
	if len(patterns) == 0 {
		patterns = []string{matchAllPattern}
	}

	b := s.find(dest)
	if b == nil {
		b = &binding{dest: dest}
		s.bindings = append(s.bindings, b)
	}
	for _, p := range patterns {
		if b.has(p) {
			continue
		}
		m, err := match.New(p)
		if err != nil {
			return err
		}
		b.patterns = append(b.patterns, p)
		b.matchers = append(b.matchers, m)
	}
	return nil
}

// Unbind removes patterns from the binding for dest, or the whole binding
// when no patterns are given. Unknown destinations and patterns are ignored.
func (s *BaseSource) Unbind(dest Destination, patterns ...string) {
	b := s.find(dest)
	if b == nil {
		return
	}
	if len(patterns) == 0 {
		s.drop(dest)
		return
	}
	for _, p := range patterns {
		b.remove(p)
	}
	if len(b.patterns) == 0 {
		s.drop(dest)
	}
}

// Broadcast delivers m exactly once to every destination whose binding has at
// least one matching pattern, in binding insertion order. A panicking
// destination does not stop delivery to the others.
func (s *BaseSource) Broadcast(m *message.Message) {
	// Snapshot: a destination may bind or unbind while receiving.
	bound := make([]*binding, len(s.bindings))
	copy(bound, s.bindings)
	for _, b := range bound {
		if !b.matches(m.Topic) {
			continue
		}
		s.deliver(b.dest, m)
	}
}

func (s *BaseSource) deliver(dest Destination, m *message.Message) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.WithFields(logging.Fields{
				"source":      s.name,
				"destination": dest.Name(),
				"topic":       m.Topic,
				"panic":       r,
			}).Error("Destination send panic")
		}
	}()
	dest.Send(m)
}

func (s *BaseSource) find(dest Destination) *binding {
	for _, b := range s.bindings {
		if b.dest == dest {
			return b
		}
	}
	return nil
}

func (s *BaseSource) drop(dest Destination) {
	for i, b := range s.bindings {
		if b.dest == dest {
			s.bindings = append(s.bindings[:i], s.bindings[i+1:]...)
			return
		}
	}
}

// Patterns returns the pattern set bound for dest, nil when dest is unbound.
// The match-all pattern appears as the empty string.
func (s *BaseSource) Patterns(dest Destination) []string {
	b := s.find(dest)
	if b == nil {
		return nil
	}
	out := make([]string, len(b.patterns))
	copy(out, b.patterns)
	return out
}
