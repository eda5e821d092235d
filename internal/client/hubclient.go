// Package client implements the per-connection protocol state machine: it
// validates, authorizes and executes decoded wire commands against the hub
// and emits the matching responses.
package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/poelstra/mhub-sub000/internal/auth"
	"github.com/poelstra/mhub-sub000/internal/hub"
	"github.com/poelstra/mhub-sub000/internal/match"
	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/internal/metrics"
	"github.com/poelstra/mhub-sub000/internal/protocol"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/internal/session"
	"github.com/poelstra/mhub-sub000/pkg/api/mhub"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// Client-visible failure messages. "permission denied" is deliberately
// shared between denied and unknown nodes so clients cannot probe node
// existence.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyLoggedIn  = errors.New("already logged in")
	ErrAuthentication   = errors.New("authentication failed")
	ErrLoginRequired    = errors.New("login required")
	ErrSessionAttached  = errors.New("session already attached")
	ErrNoSession        = errors.New("no session attached")
)

// Responder receives every outgoing response. Implementations enqueue the
// value for the wire; a responder that cannot keep up must abort its
// connection rather than block the hub.
type Responder func(v interface{})

// HubClient executes wire commands for one connection. All methods except
// construction must be called with the hub unlocked; the client takes the
// hub lock itself for the duration of each command.
type HubClient struct {
	hub       *hub.Hub
	logger    logging.Logger
	metrics   *metrics.Metrics
	transport string
	id        string

	respond Responder

	username   string
	loggedIn   bool
	authorizer *auth.Authorizer
	sess       *session.Session
	closed     bool
}

// New creates a hub client for one connection. transport is the metrics
// label ("websocket" or "tcp").
func New(h *hub.Hub, respond Responder, transport string, logger logging.Logger, m *metrics.Metrics) *HubClient {
	return &HubClient{
		hub:       h,
		respond:   respond,
		transport: transport,
		logger:    logger,
		metrics:   m,
		id:        uuid.NewString(),
	}
}

// ID returns the connection identifier used in logs
func (c *HubClient) ID() string { return c.id }

// ProcessCommand decodes and executes one wire frame. The returned error is
// non-nil only for protocol-level failures (malformed JSON, invalid fields,
// unknown type); an error response has already been sent in every failure
// case. TCP transports terminate the connection on a protocol error.
func (c *HubClient) ProcessCommand(raw []byte) error {
	start := time.Now()

	c.hub.Lock()
	defer c.hub.Unlock()
	if c.closed {
		return nil
	}

	cmd, env, perr := protocol.Parse(raw)
	if perr != nil {
		c.sendError(env.Seq, perr)
		c.metrics.Command(commandLabel(env.Type), "protocol_error", time.Since(start))
		return perr
	}

	if err := c.dispatch(cmd); err != nil {
		c.sendError(env.Seq, err)
		c.metrics.Command(env.Type, "error", time.Since(start))
		c.logger.WithError(err).WithFields(logging.Fields{
			"connection": c.id,
			"command":    env.Type,
		}).Debug("Command failed")
		return nil
	}
	c.metrics.Command(env.Type, "ok", time.Since(start))
	return nil
}

// Close detaches the client from its session. Memory sessions keep their
// state; volatile sessions die. Called by the transport when the socket
// closes.
func (c *HubClient) Close() {
	c.hub.Lock()
	defer c.hub.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sess != nil {
		sess := c.sess
		c.sess = nil
		sess.Detach(c)
	}
}

// Deliver implements session.Connection: one subscription message out.
func (c *HubClient) Deliver(subscriptionID string, m *message.Message, seq int) {
	headers := m.Headers
	if headers == nil {
		headers = message.Headers{}
	}
	c.respond(mhub.MessageResponse{
		Type:         mhub.TypeMessage,
		Topic:        m.Topic,
		Data:         m.Data,
		Headers:      headers,
		Subscription: subscriptionID,
		Seq:          seq,
	})
	c.metrics.MessageDelivered(c.transport)
}

// Detached implements session.Connection: the session was taken over by
// another connection or destroyed.
func (c *HubClient) Detached(reason error) {
	c.sess = nil
	c.sendError(nil, reason)
}

func (c *HubClient) dispatch(cmd protocol.Command) error {
	switch cmd := cmd.(type) {
	case protocol.Login:
		return c.login(cmd)
	case protocol.Session:
		return c.session(cmd)
	case protocol.Subscription:
		return c.subscription(cmd)
	case protocol.Subscribe:
		return c.subscribe(cmd)
	case protocol.Unsubscribe:
		return c.unsubscribe(cmd)
	case protocol.Publish:
		return c.publish(cmd)
	case protocol.Ack:
		return c.ack(cmd)
	case protocol.Ping:
		c.sendAck(mhub.TypePingAck, cmd.Seq)
		return nil
	default:
		return protocol.NewError("unknown command type %q", cmd.Env().Type)
	}
}

func (c *HubClient) login(cmd protocol.Login) error {
	if c.loggedIn {
		return ErrAlreadyLoggedIn
	}
	if !c.hub.Authenticate(cmd.Username, cmd.Password) {
		return ErrAuthentication
	}
	c.username = cmd.Username
	c.loggedIn = true
	c.authorizer = c.hub.Authorizer(cmd.Username)
	c.logger.WithFields(logging.Fields{
		"connection": c.id,
		"user":       cmd.Username,
	}).Info("Client logged in")

	// The original protocol only acknowledges logins that asked for it.
	if cmd.Seq != nil {
		c.sendAck(mhub.TypeLoginAck, cmd.Seq)
	}
	return nil
}

func (c *HubClient) session(cmd protocol.Session) error {
	if !c.loggedIn {
		return ErrLoginRequired
	}
	if c.sess != nil {
		return ErrSessionAttached
	}

	existing := c.hub.Session(c.username, cmd.Name)
	sess := c.hub.GetOrCreateSession(c.username, cmd.Name)
	if existing == nil {
		c.metrics.SessionOpened(sess.Kind().String())
		sess.OnDestroy(c.sessionClosedHook(sess))
	}
	if cmd.Subscriptions != nil {
		sess.SetSubscriptions(*cmd.Subscriptions)
	}
	sess.Attach(c)
	c.sess = sess
	c.sendAck(mhub.TypeSessionAck, cmd.Seq)
	return nil
}

func (c *HubClient) subscription(cmd protocol.Subscription) error {
	sub := c.ensureSession().GetOrCreateSubscription(cmd.ID)

	if cmd.HasBindings {
		bindings := make([]session.SourceBinding, 0, len(cmd.Bindings))
		for nodeName, rawSpec := range cmd.Bindings {
			var spec match.Spec
			if err := spec.UnmarshalJSON(rawSpec); err != nil {
				return protocol.NewError("invalid subscription command: %v", err)
			}
			if spec.Denied() {
				continue
			}
			src, err := c.subscribeSource(nodeName)
			if err != nil {
				return err
			}
			authMatcher, _ := c.auth().SubscribeMatcher(nodeName)
			bindings = append(bindings, session.SourceBinding{
				Source:   src,
				Auth:     authMatcher,
				Patterns: spec.Patterns(),
			})
		}
		if err := sub.SetBindings(bindings); err != nil {
			return err
		}
	}

	ack := mhub.SubscriptionAck{
		Type:    mhub.TypeSubscriptionAck,
		Seq:     cmd.Seq,
		ID:      cmd.ID,
		LastAck: sub.LastAck(),
		Window:  sub.Announce(),
	}
	if !cmd.HasBindings {
		ack.Bindings = sub.Bindings()
	}
	c.respond(ack)
	return nil
}

func (c *HubClient) subscribe(cmd protocol.Subscribe) error {
	src, err := c.subscribeSource(cmd.Node)
	if err != nil {
		return err
	}
	authMatcher, _ := c.auth().SubscribeMatcher(cmd.Node)

	sub := c.ensureSession().GetOrCreateSubscription(cmd.ID)
	var patterns []string
	if cmd.Pattern != nil {
		patterns = []string{*cmd.Pattern}
	}
	if err := sub.Subscribe(src, authMatcher, patterns...); err != nil {
		return err
	}
	c.sendAck(mhub.TypeSubAck, cmd.Seq)
	return nil
}

func (c *HubClient) unsubscribe(cmd protocol.Unsubscribe) error {
	src, err := c.subscribeSource(cmd.Node)
	if err != nil {
		return err
	}

	sub := c.ensureSession().GetOrCreateSubscription(cmd.ID)
	var patterns []string
	if cmd.Pattern != nil {
		patterns = []string{*cmd.Pattern}
	}
	sub.Unsubscribe(src, patterns...)
	c.sendAck(mhub.TypeUnsubAck, cmd.Seq)
	return nil
}

func (c *HubClient) publish(cmd protocol.Publish) error {
	if !c.auth().CanPublish(cmd.Node, cmd.Topic) {
		return ErrPermissionDenied
	}
	if c.hub.Node(cmd.Node) == nil {
		return fmt.Errorf("unknown node %q", cmd.Node)
	}
	dest, ok := c.hub.Destination(cmd.Node)
	if !ok {
		return fmt.Errorf("node %q is not a destination", cmd.Node)
	}

	m := message.New(cmd.Topic, cmd.Data, cmd.Headers)
	if err := m.Validate(); err != nil {
		return err
	}
	dest.Send(m)
	c.metrics.MessagePublished(cmd.Node)
	c.sendAck(mhub.TypePubAck, cmd.Seq)
	return nil
}

func (c *HubClient) ack(cmd protocol.Ack) error {
	if c.sess == nil {
		return ErrNoSession
	}
	sub := c.sess.Subscription(cmd.ID)
	if sub == nil {
		return fmt.Errorf("unknown subscription %q", cmd.ID)
	}
	return sub.Ack(*cmd.Ack, cmd.Window)
}

// subscribeSource resolves a node for subscribing. Denied nodes and unknown
// nodes the user could not see yield the identical permission error; unknown
// nodes the user is allowed to see yield "unknown node".
func (c *HubClient) subscribeSource(name string) (pubsub.Source, error) {
	if _, ok := c.auth().SubscribeMatcher(name); !ok {
		return nil, ErrPermissionDenied
	}
	if c.hub.Node(name) == nil {
		return nil, fmt.Errorf("unknown node %q", name)
	}
	src, ok := c.hub.Source(name)
	if !ok {
		return nil, fmt.Errorf("node %q is not a source", name)
	}
	return src, nil
}

// ensureSession returns the attached session, creating a volatile auto-ack
// session when the client never sent a session command.
func (c *HubClient) ensureSession() *session.Session {
	if c.sess != nil {
		return c.sess
	}
	sess := c.hub.NewVolatileSession(c.username)
	c.metrics.SessionOpened(sess.Kind().String())
	sess.OnDestroy(c.sessionClosedHook(sess))
	sess.Attach(c)
	c.sess = sess
	return sess
}

func (c *HubClient) sessionClosedHook(sess *session.Session) func(*session.Session) {
	kind := sess.Kind().String()
	return func(*session.Session) {
		c.metrics.SessionClosed(kind)
	}
}

// auth returns the connection's authorizer, resolving anonymous rights on
// first use. The authorizer is fixed for the connection's lifetime.
func (c *HubClient) auth() *auth.Authorizer {
	if c.authorizer == nil {
		c.authorizer = c.hub.Authorizer("")
	}
	return c.authorizer
}

func (c *HubClient) sendAck(ackType string, seq *int) {
	c.respond(mhub.Ack{Type: ackType, Seq: seq})
}

func (c *HubClient) sendError(seq *int, err error) {
	c.respond(mhub.ErrorResponse{Type: mhub.TypeError, Seq: seq, Message: err.Error()})
}

func commandLabel(cmdType string) string {
	if cmdType == "" {
		return "invalid"
	}
	return cmdType
}
