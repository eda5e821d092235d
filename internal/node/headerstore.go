package node

import (
	"github.com/poelstra/mhub-sub000/internal/match"
	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/internal/storage"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// StoreOptions configure a HeaderStore or TopicStore node.
type StoreOptions struct {
	// Persistent snapshots the stored messages through the hub's storage.
	Persistent bool
}

// HeaderStore keeps the last message per topic, driven by the boolean `keep`
// header: true stores (moving the topic to the tail of the insertion order),
// false deletes, anything else leaves the store untouched. Every message is
// broadcast regardless. New bindings get the stored messages replayed in
// insertion order.
type HeaderStore struct {
	pubsub.BaseSource
	logger  logging.Logger
	entries []*message.Message
	persist persistence
}

// NewHeaderStore creates a header-driven last-message store
func NewHeaderStore(name string, logger logging.Logger, opts StoreOptions) *HeaderStore {
	return &HeaderStore{
		BaseSource: pubsub.NewBaseSource(name, logger),
		logger:     logger,
		persist: persistence{
			typeID:  "HeaderStore",
			key:     name,
			logger:  logger,
			enabled: opts.Persistent,
		},
	}
}

// Init restores the stored messages from storage
func (s *HeaderStore) Init(st storage.Storage) error {
	msgs, err := s.persist.restore(st)
	if err != nil {
		return err
	}
	s.entries = msgs
	return nil
}

// Send broadcasts the message and updates the store per the keep header
func (s *HeaderStore) Send(m *message.Message) {
	s.Broadcast(m)

	keep, ok := m.Headers.Bool("keep")
	if !ok {
		return
	}
	if keep {
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
func (s *HeaderStore) Bind(dest pubsub.Destination, patterns ...string) error {
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
