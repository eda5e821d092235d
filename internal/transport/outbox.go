// Package transport exposes the broker over WebSocket and line-delimited
// TCP. Both transports frame JSON documents, feed inbound frames to a
// per-connection HubClient and drain its responses through a bounded outbox.
package transport

import (
	"encoding/json"
	"sync"

	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// outboxSize bounds the per-connection response queue. A client that cannot
// drain it in time is aborted; blocking would stall the hub.
const outboxSize = 256

// outbox queues encoded frames for one connection's writer.
type outbox struct {
	logger logging.Logger
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func newOutbox(logger logging.Logger) *outbox {
	return &outbox{
		logger: logger,
		out:    make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

// respond encodes v and enqueues it. A full outbox aborts the connection.
func (o *outbox) respond(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		o.logger.WithError(err).Error("Failed to encode response")
		return
	}
	select {
	case o.out <- data:
	case <-o.done:
	default:
		o.logger.Warn("Response queue full, aborting connection")
		o.abort()
	}
}

// abort wakes the writer so it closes the socket; safe to call repeatedly.
func (o *outbox) abort() {
	o.once.Do(func() { close(o.done) })
}
