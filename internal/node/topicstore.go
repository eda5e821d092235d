package node

import (
	"github.com/poelstra/mhub-sub000/internal/match"
	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/internal/storage"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// TopicStore keeps the last message per topic, driven by data presence: a
// message with data replaces the stored entry for its topic (moving it to
// the tail of the insertion order), a message without data deletes it. Every
// message is broadcast regardless. New bindings get the stored messages
// replayed in insertion order.
type TopicStore struct {
	pubsub.BaseSource
	logger  logging.Logger
	entries []*message.Message
	persist persistence
}

// NewTopicStore creates a data-driven last-message store
func NewTopicStore(name string, logger logging.Logger, opts StoreOptions) *TopicStore {
	return &TopicStore{
		BaseSource: pubsub.NewBaseSource(name, logger),
		logger:     logger,
		persist: persistence{
			typeID:  "TopicStore",
			key:     name,
			logger:  logger,
			enabled: opts.Persistent,
		},
	}
}

// Init restores the stored messages from storage
func (s *TopicStore) Init(st storage.Storage) error {
	msgs, err := s.persist.restore(st)
	if err != nil {
		return err
	}
	s.entries = msgs
	return nil
}

// Send broadcasts the message and updates the store per data presence
func (s *TopicStore) Send(m *message.Message) {
	s.Broadcast(m)

	if m.HasData() {
		s.entries, _ = removeTopic(s.entries, m.Topic)
		s.entries = append(s.entries, m)
		s.persist.save(s.entries)
		return
	}
	var removed bool
	if s.entries, removed = removeTopic(s.entries, m.Topic); removed {
		s.persist.save(s.entries)
	}
}

// Bind binds the destination, then replays stored messages matching the
// newly added patterns in insertion order.
func (s *TopicStore) Bind(dest pubsub.Destination, patterns ...string) error {
	if err := s.BaseSource.Bind(dest, patterns...); err != nil {
		return err
	}
	replay, err := match.New(patterns...)
	if err != nil {
		return err
	}
	for _, m := range s.entries {
		if replay(m.Topic) {
			deliver(s.Name(), dest, m, s.logger)
		}
	}
	return nil
}
