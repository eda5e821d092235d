package node

import (
	"sync"

	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/internal/storage"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// Initer is implemented by nodes that restore persisted state at startup.
// The hub calls Init with its storage handle for every node that has one.
type Initer interface {
	Init(st storage.Storage) error
}

// Starter is implemented by nodes that produce messages on their own. The
// locker is the hub's; broadcasts must happen while holding it. Stop is
// called when the hub shuts down.
type Starter interface {
	Start(mu sync.Locker)
	Stop()
}

// persistedState is the on-disk envelope for stateful nodes. A mismatching
// type or version means the file belongs to some other node or release; it
// is logged and ignored so the node starts empty.
type persistedState struct {
	Type     string             `json:"type"`
	Version  int                `json:"version"`
	Messages []*message.Message `json:"messages"`
}

const persistVersion = 1

// persistence holds the storage wiring for nodes with the persistent option.
type persistence struct {
	typeID  string
	key     string
	logger  logging.Logger
	enabled bool
	st      storage.Storage
}

// restore loads the node's saved messages, if any. Unusable files are logged
// and treated as absent.
func (p *persistence) restore(st storage.Storage) ([]*message.Message, error) {
	if !p.enabled {
		return nil, nil
	}
	p.st = st

	var state persistedState
	found, err := st.Load(p.key, &state)
	if err != nil {
		p.logger.WithError(err).WithField("node", p.key).Warn("Ignoring unreadable node state")
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	if state.Type != p.typeID || state.Version != persistVersion {
		p.logger.WithFields(logging.Fields{
			"node":         p.key,
			"type":         state.Type,
			"version":      state.Version,
			"want_type":    p.typeID,
			"want_version": persistVersion,
		}).Warn("Ignoring node state with mismatching type or version")
		return nil, nil
	}
	return state.Messages, nil
}

// save snapshots the given messages to storage. No-op for non-persistent
// nodes or before Init.
func (p *persistence) save(msgs []*message.Message) {
	if !p.enabled || p.st == nil {
		return
	}
	if err := p.st.Save(p.key, persistedState{Type: p.typeID, Version: persistVersion, Messages: msgs}); err != nil {
		p.logger.WithError(err).WithField("node", p.key).Error("Failed to persist node state")
	}
}

// deliver sends a replayed message to a single destination, isolating the
// caller from destination panics the same way BaseSource.Broadcast does.
func deliver(source string, dest pubsub.Destination, m *message.Message, logger logging.Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.WithFields(logging.Fields{
				"source":      source,
				"destination": dest.Name(),
				"topic":       m.Topic,
				"panic":       r,
			}).Error("Destination send panic during replay")
		}
	}()
	dest.Send(m)
}

// removeTopic deletes the entry for topic from an insertion-ordered message
// list, reporting whether anything was removed.
func removeTopic(msgs []*message.Message, topic string) ([]*message.Message, bool) {
	for i, m := range msgs {
		if m.Topic == topic {
			return append(msgs[:i], msgs[i+1:]...), true
		}
	}
	return msgs, false
}
