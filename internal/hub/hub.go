// Package hub ties the broker together: it owns the node graph, the
// authentication and authorization state, the storage handle and the
// directory of live sessions.
package hub

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/poelstra/mhub-sub000/internal/auth"
	"github.com/poelstra/mhub-sub000/internal/node"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/internal/session"
	"github.com/poelstra/mhub-sub000/internal/storage"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

type sessionKey struct {
	username string
	name     string
}

// Hub owns nodes by name, the authenticator, the rights table, storage and
// the live sessions. All state behind the hub is guarded by a single mutex:
// the Go rendition of the original single-threaded event loop. Protocol
// handlers lock the hub for the duration of one command; socket and storage
// I/O happen outside the lock.
type Hub struct {
	mu     sync.Mutex
	logger logging.Logger

	nodes map[string]pubsub.Node
	order []string

	authenticator auth.Authenticator
	rights        *auth.Rights
	authorizers   map[string]*auth.Authorizer

	storage  storage.Storage
	sessions map[sessionKey]*session.Session
}

// New creates an empty hub that allows anonymous access to everything.
// Configuring an authenticator or rights table switches it to default-deny
// for users without an entry.
func New(logger logging.Logger) *Hub {
	return &Hub{
		logger:      logger,
		nodes:       make(map[string]pubsub.Node),
		rights:      auth.AllowAll(),
		authorizers: make(map[string]*auth.Authorizer),
		sessions:    make(map[sessionKey]*session.Session),
	}
}

// Lock acquires the hub's command lock. Everything that touches nodes,
// sessions or subscriptions must run between Lock and Unlock.
func (h *Hub) Lock() { h.mu.Lock() }

// Unlock releases the command lock
func (h *Hub) Unlock() { h.mu.Unlock() }

// Locker exposes the command lock to self-driving nodes.
func (h *Hub) Locker() sync.Locker { return &h.mu }

// SetAuthenticator configures username/password verification.
func (h *Hub) SetAuthenticator(a auth.Authenticator) { h.authenticator = a }

// SetRights installs the compiled rights table. Already resolved
// authorizers keep their old permissions.
func (h *Hub) SetRights(r *auth.Rights) { h.rights = r }

// SetStorage configures the persistence backend handed to nodes at Init.
func (h *Hub) SetStorage(st storage.Storage) { h.storage = st }

// Storage returns the persistence backend, nil when not configured.
func (h *Hub) Storage() storage.Storage { return h.storage }

// Add registers a node. Duplicate names are a fatal configuration error.
func (h *Hub) Add(n pubsub.Node) error {
	name := n.Name()
	if _, exists := h.nodes[name]; exists {
		return fmt.Errorf("duplicate node name %q", name)
	}
	h.nodes[name] = n
	h.order = append(h.order, name)
	return nil
}

// Node looks up a node by name, nil when absent.
func (h *Hub) Node(name string) pubsub.Node { return h.nodes[name] }

// Source looks up a node by name typed as a Source.
func (h *Hub) Source(name string) (pubsub.Source, bool) {
	s, ok := h.nodes[name].(pubsub.Source)
	return s, ok
}

// Destination looks up a node by name typed as a Destination.
func (h *Hub) Destination(name string) (pubsub.Destination, bool) {
	d, ok := h.nodes[name].(pubsub.Destination)
	return d, ok
}

// NodeCount returns the number of registered nodes
func (h *Hub) NodeCount() int { return len(h.nodes) }

// Authenticate verifies a username/password pair. Without an authenticator
// every login fails; anonymous access is not a login.
func (h *Hub) Authenticate(username, password string) bool {
	if h.authenticator == nil {
		return false
	}
	return h.authenticator.Authenticate(username, password)
}

// Authorizer returns the permission resolver for username, cached per user.
// The empty username resolves anonymous rights.
func (h *Hub) Authorizer(username string) *auth.Authorizer {
	if a, ok := h.authorizers[username]; ok {
		return a
	}
	a := h.rights.Authorizer(username)
	h.authorizers[username] = a
	return a
}

// Session finds a registered session by owner and name, nil when absent.
func (h *Hub) Session(username, name string) *session.Session {
	return h.sessions[sessionKey{username, name}]
}

// GetOrCreateSession returns the memory session (username, name), creating
// and registering it when missing. Destroyed sessions remove themselves
// from the directory.
func (h *Hub) GetOrCreateSession(username, name string) *session.Session {
	key := sessionKey{username, name}
	if s, ok := h.sessions[key]; ok {
		return s
	}
	s := session.New(username, name, session.Memory, h.logger)
	s.OnDestroy(func(*session.Session) { delete(h.sessions, key) })
	h.sessions[key] = s
	return s
}

// NewVolatileSession creates an unregistered auto-ack session for a client
// that subscribes without naming one. It cannot be reattached and dies with
// its connection.
func (h *Hub) NewVolatileSession(username string) *session.Session {
	return session.New(username, uuid.NewString(), session.Volatile, h.logger)
}

// SessionCount returns the number of registered sessions
func (h *Hub) SessionCount() int { return len(h.sessions) }

// Init restores persisted node state and starts self-driving nodes. Called
// once after all nodes are added, before listeners accept connections.
func (h *Hub) Init() error {
	for _, name := range h.order {
		if initer, ok := h.nodes[name].(node.Initer); ok {
			if err := initer.Init(h.storage); err != nil {
				return fmt.Errorf("init node %q: %w", name, err)
			}
		}
	}
	for _, name := range h.order {
		if starter, ok := h.nodes[name].(node.Starter); ok {
			starter.Start(&h.mu)
		}
	}
	return nil
}

// Stop halts self-driving nodes and destroys every registered session.
func (h *Hub) Stop() {
	for _, name := range h.order {
		if starter, ok := h.nodes[name].(node.Starter); ok {
			starter.Stop()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.snapshotSessions() {
		s.Destroy()
	}
}

func (h *Hub) snapshotSessions() []*session.Session {
	out := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}
