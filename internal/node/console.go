package node

import (
	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// Console writes every message it receives to the process log. Destination
// only; it cannot be bound from.
type Console struct {
	name   string
	logger logging.Logger
}

// NewConsole creates a console destination node
func NewConsole(name string, logger logging.Logger) *Console {
	return &Console{name: name, logger: logger}
}

// Name returns the node name
func (c *Console) Name() string { return c.name }

// Send logs the message
func (c *Console) Send(m *message.Message) {
	fields := logging.Fields{
		"node":  c.name,
		"topic": m.Topic,
	}
	if m.HasData() {
		fields["data"] = string(m.Data)
	}
	if len(m.Headers) > 0 {
		fields["headers"] = m.Headers
	}
	c.logger.WithFields(fields).Info("Message")
}
