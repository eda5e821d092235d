package node

import (
	"strconv"
	"sync"
	"time"

	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// PingResponder answers every message on topic "ping" with a "pong" message
// carrying the same data and headers. Other topics are ignored. Useful for
// round-trip latency checks against a live broker.
type PingResponder struct {
	pubsub.BaseSource
}

// NewPingResponder creates a ping demo node
func NewPingResponder(name string, logger logging.Logger) *PingResponder {
	return &PingResponder{BaseSource: pubsub.NewBaseSource(name, logger)}
}

// Send replies to ping messages
func (p *PingResponder) Send(m *message.Message) {
	if m.Topic != "ping" {
		return
	}
	p.Broadcast(message.New("pong", m.Data, m.Headers))
}

// TestSourceOptions configure a TestSource node.
type TestSourceOptions struct {
	// Topic of the generated messages. Defaults to "test".
	Topic string
	// Interval between messages. Defaults to 5s.
	Interval time.Duration
}

// TestSource periodically broadcasts a message with an incrementing counter
// as data. Source only; it rejects nothing because it accepts nothing.
type TestSource struct {
	pubsub.BaseSource
	logger   logging.Logger
	topic    string
	interval time.Duration
	count    int
	stop     chan struct{}
	done     chan struct{}
}

// NewTestSource creates a periodic demo source
func NewTestSource(name string, logger logging.Logger, opts TestSourceOptions) *TestSource {
	topic := opts.Topic
	if topic == "" {
		topic = "test"
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &TestSource{
		BaseSource: pubsub.NewBaseSource(name, logger),
		logger:     logger,
		topic:      topic,
		interval:   interval,
	}
}

// Start begins emitting messages. Broadcasts run under the hub's lock.
func (s *TestSource) Start(mu sync.Locker) {
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(mu, s.stop, s.done)
}

// Stop halts the emitter and waits for it to finish
func (s *TestSource) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
}

func (s *TestSource) run(mu sync.Locker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mu.Lock()
			s.count++
			s.Broadcast(message.New(s.topic, []byte(strconv.Itoa(s.count)), nil))
			mu.Unlock()
		case <-stop:
			return
		}
	}
}
