package node

import (
	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// Exchange forwards every message it receives to its bound destinations.
// It keeps no state.
type Exchange struct {
	pubsub.BaseSource
}

// NewExchange creates a stateless forwarder node
func NewExchange(name string, logger logging.Logger) *Exchange {
	return &Exchange{BaseSource: pubsub.NewBaseSource(name, logger)}
}

// Send broadcasts the message to all matching bindings
func (e *Exchange) Send(m *message.Message) {
	e.Broadcast(m)
}
