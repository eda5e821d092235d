package node

import (
	"github.com/poelstra/mhub-sub000/internal/match"
	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/internal/storage"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// DefaultQueueCapacity bounds a Queue when no capacity is configured.
const DefaultQueueCapacity = 10

// QueueOptions configure a Queue node.
type QueueOptions struct {
	// Capacity bounds the ring buffer; 0 selects DefaultQueueCapacity.
	Capacity int
	// Patterns restrict which topics are buffered. Empty means all.
	Patterns []string
	// Persistent snapshots the buffer through the hub's storage.
	Persistent bool
}

// Queue broadcasts like an Exchange and keeps the last messages whose topic
// matches its pattern in a capacity-bounded ring buffer. New bindings get the
// buffered history replayed in arrival order.
type Queue struct {
	pubsub.BaseSource
	logger   logging.Logger
	capacity int
	matcher  match.Matcher
	queue    []*message.Message
	persist  persistence
}

// NewQueue creates a queue node
func NewQueue(name string, logger logging.Logger, opts QueueOptions) (*Queue, error) {
	matcher, err := match.New(opts.Patterns...)
	if err != nil {
		return nil, err
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		BaseSource: pubsub.NewBaseSource(name, logger),
		logger:     logger,
		capacity:   capacity,
		matcher:    matcher,
		persist: persistence{
			typeID:  "Queue",
			key:     name,
			logger:  logger,
			enabled: opts.Persistent,
		},
	}, nil
}

// Init restores the buffered messages from storage
func (q *Queue) Init(st storage.Storage) error {
	msgs, err := q.persist.restore(st)
	if err != nil {
		return err
	}
	if len(msgs) > q.capacity {
		msgs = msgs[len(msgs)-q.capacity:]
	}
	q.queue = msgs
	return nil
}

// Send broadcasts the message, then buffers it when its topic matches the
// queue's pattern, trimming the oldest entries to capacity.
func (q *Queue) Send(m *message.Message) {
	q.Broadcast(m)
	if !q.matcher(m.Topic) {
		return
	}
	q.queue = append(q.queue, m)
	if len(q.queue) > q.capacity {
		q.queue = q.queue[len(q.queue)-q.capacity:]
	}
	q.persist.save(q.queue)
}

// Bind binds the destination, then replays buffered messages matching the
// newly added patterns in arrival order.
func (q *Queue) Bind(dest pubsub.Destination, patterns ...string) error {
	if err := q.BaseSource.Bind(dest, patterns...); err != nil {
		return err
	}
	replay, err := match.New(patterns...)
	if err != nil {
		return err
	}
	for _, m := range q.queue {
		if replay(m.Topic) {
			deliver(q.Name(), dest, m, q.logger)
		}
	}
	return nil
}
