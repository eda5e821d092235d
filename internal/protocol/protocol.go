// Package protocol decodes wire commands strictly: unknown command types,
// malformed JSON and wrongly typed fields are protocol errors, which the
// transports treat as fatal on TCP.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/poelstra/mhub-sub000/pkg/api/mhub"
)

// Error marks a protocol-level failure (as opposed to a command that was
// well-formed but could not be executed).
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// NewError creates a protocol error with the given client-visible message.
func NewError(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Command is any decoded client command; Env exposes the shared type and
// seq fields.
type Command interface {
	Env() mhub.Envelope
}

// Concrete command wrappers. They exist so the state machine can switch on
// a closed set of types instead of re-inspecting JSON.
type (
	Login        struct{ mhub.LoginCommand }
	Session      struct{ mhub.SessionCommand }
	Subscription struct {
		mhub.SubscriptionCommand
		// HasBindings distinguishes "replace with empty" from "just read".
		HasBindings bool
	}
	Subscribe   struct{ mhub.SubscribeCommand }
	Unsubscribe struct{ mhub.UnsubscribeCommand }
	Publish     struct{ mhub.PublishCommand }
	Ack         struct{ mhub.AckCommand }
	Ping        struct{ mhub.PingCommand }
)

func (c Login) Env() mhub.Envelope { return c.Envelope }

func (c Session) Env() mhub.Envelope { return c.Envelope }

func (c Subscription) Env() mhub.Envelope { return c.Envelope }

func (c Subscribe) Env() mhub.Envelope { return c.Envelope }

func (c Unsubscribe) Env() mhub.Envelope { return c.Envelope }

func (c Publish) Env() mhub.Envelope { return c.Envelope }

func (c Ack) Env() mhub.Envelope { return c.Envelope }

func (c Ping) Env() mhub.Envelope { return c.Envelope }

// Parse decodes one wire frame into a command. The returned envelope is
// valid whenever the frame contained a decodable type/seq pair, even when
// the command itself is rejected, so error responses can echo seq.
func Parse(raw []byte) (Command, mhub.Envelope, error) {
	var env mhub.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, mhub.Envelope{}, NewError("invalid JSON: %v", err)
	}
	if env.Seq != nil && (*env.Seq < 0 || *env.Seq > mhub.MaxSeq) {
		return nil, mhub.Envelope{}, NewError("seq out of range")
	}

	decode := func(into interface{}) error {
		if err := json.Unmarshal(raw, into); err != nil {
			return NewError("invalid %s command: %v", env.Type, err)
		}
		return nil
	}
	missing := func(field string) error {
		return NewError("invalid %s command: missing %s", env.Type, field)
	}

	switch env.Type {
	case mhub.TypeLogin:
		var c Login
		if err := decode(&c.LoginCommand); err != nil {
			return nil, env, err
		}
		if c.Username == "" {
			return nil, env, missing("username")
		}
		return c, env, nil

	case mhub.TypeSession:
		var c Session
		if err := decode(&c.SessionCommand); err != nil {
			return nil, env, err
		}
		if c.Name == "" {
			return nil, env, missing("name")
		}
		return c, env, nil

	case mhub.TypeSubscription:
		var c Subscription
		if err := decode(&c.SubscriptionCommand); err != nil {
			return nil, env, err
		}
		if c.ID == "" {
			return nil, env, missing("id")
		}
		// A present-but-empty bindings object still means "replace".
		c.HasBindings = c.Bindings != nil || hasKey(raw, "bindings")
		return c, env, nil

	case mhub.TypeSubscribe:
		var c Subscribe
		if err := decode(&c.SubscribeCommand); err != nil {
			return nil, env, err
		}
		if c.Node == "" {
			return nil, env, missing("node")
		}
		if c.ID == "" {
			c.ID = mhub.DefaultSubscriptionID
		}
		return c, env, nil

	case mhub.TypeUnsubscribe:
		var c Unsubscribe
		if err := decode(&c.UnsubscribeCommand); err != nil {
			return nil, env, err
		}
		if c.Node == "" {
			return nil, env, missing("node")
		}
		if c.ID == "" {
			c.ID = mhub.DefaultSubscriptionID
		}
		return c, env, nil

	case mhub.TypePublish:
		var c Publish
		if err := decode(&c.PublishCommand); err != nil {
			return nil, env, err
		}
		if c.Node == "" {
			return nil, env, missing("node")
		}
		if c.Topic == "" {
			return nil, env, missing("topic")
		}
		return c, env, nil

	case mhub.TypeAck:
		var c Ack
		if err := decode(&c.AckCommand); err != nil {
			return nil, env, err
		}
		if c.ID == "" {
			return nil, env, missing("id")
		}
		if c.Ack == nil {
			return nil, env, missing("ack")
		}
		return c, env, nil

	case mhub.TypePing:
		var c Ping
		if err := decode(&c.PingCommand); err != nil {
			return nil, env, err
		}
		return c, env, nil

	case "":
		return nil, env, NewError("missing command type")

	default:
		return nil, env, NewError("unknown command type %q", env.Type)
	}
}

// hasKey reports whether the raw object contains the given top-level key.
// Only used to tell an absent map apart from an explicitly empty one.
func hasKey(raw []byte, key string) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe[key]
	return ok
}
