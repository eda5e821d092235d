package auth

import (
	"encoding/json"
	"fmt"

	"github.com/poelstra/mhub-sub000/internal/match"
)

// Rights is the compiled per-user permission table. The empty username keys
// the anonymous defaults. A zero Rights denies everything; AllowAll yields
// the open broker used when neither users nor rights are configured.
type Rights struct {
	users        map[string]*userRights
	defaultAllow bool
}

type userRights struct {
	boolean   bool
	allow     bool
	publish   *actionRights
	subscribe *actionRights
}

type actionRights struct {
	boolean bool
	allow   bool
	nodes   map[string]nodeRight
}

type nodeRight struct {
	denied   bool
	patterns []string
	matcher  match.Matcher
}

// AllowAll grants every user, including anonymous, full publish and
// subscribe access to every node.
func AllowAll() *Rights {
	return &Rights{defaultAllow: true}
}

// DenyAll grants nothing; the default when rights are configured but a user
// has no entry.
func DenyAll() *Rights {
	return &Rights{}
}

// ParseRights compiles the JSON rights table. Each user maps to true, false
// or {"publish": ..., "subscribe": ...}; each of those is true, false or a
// map from node name to pattern spec. Any malformed entry is an error, which
// callers treat as fatal configuration.
func ParseRights(raw json.RawMessage) (*Rights, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("rights must be an object: %w", err)
	}

	r := &Rights{users: make(map[string]*userRights, len(entries))}
	for username, entry := range entries {
		u, err := parseUserRights(entry)
		if err != nil {
			return nil, fmt.Errorf("rights for user %q: %w", username, err)
		}
		r.users[username] = u
	}
	return r, nil
}

func parseUserRights(raw json.RawMessage) (*userRights, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &userRights{boolean: true, allow: b}, nil
	}

	var obj struct {
		Publish   json.RawMessage `json:"publish"`
		Subscribe json.RawMessage `json:"subscribe"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("must be a boolean or a publish/subscribe object: %w", err)
	}

	u := &userRights{}
	var err error
	if obj.Publish != nil {
		if u.publish, err = parseActionRights(obj.Publish); err != nil {
			return nil, fmt.Errorf("publish: %w", err)
		}
	}
	if obj.Subscribe != nil {
		if u.subscribe, err = parseActionRights(obj.Subscribe); err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	return u, nil
}

func parseActionRights(raw json.RawMessage) (*actionRights, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &actionRights{boolean: true, allow: b}, nil
	}

	var nodes map[string]match.Spec
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("must be a boolean or a node-to-pattern object: %w", err)
	}

	a := &actionRights{nodes: make(map[string]nodeRight, len(nodes))}
	for node, spec := range nodes {
		if spec.Denied() {
			a.nodes[node] = nodeRight{denied: true}
			continue
		}
		m, err := spec.Matcher()
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", node, err)
		}
		a.nodes[node] = nodeRight{patterns: spec.Patterns(), matcher: m}
	}
	return a, nil
}

// Authorizer resolves publish and subscribe permissions for one user. It is
// bound once at login; later rights changes do not affect it.
type Authorizer struct {
	username     string
	user         *userRights
	defaultAllow bool
}

// Authorizer returns the permission resolver for username. Users without a
// rights entry get the table's default (deny, unless the broker runs open).
func (r *Rights) Authorizer(username string) *Authorizer {
	var u *userRights
	if r.users != nil {
		u = r.users[username]
	}
	return &Authorizer{username: username, user: u, defaultAllow: r.defaultAllow}
}

// Username returns the user this authorizer was resolved for
func (a *Authorizer) Username() string { return a.username }

// CanPublish reports whether the user may publish the given topic to the
// given node.
func (a *Authorizer) CanPublish(node, topic string) bool {
	if a.user == nil {
		return a.defaultAllow
	}
	if a.user.boolean {
		return a.user.allow
	}
	p := a.user.publish
	if p == nil {
		return false
	}
	if p.boolean {
		return p.allow
	}
	right, ok := p.nodes[node]
	if !ok || right.denied {
		return false
	}
	return right.matcher(topic)
}

// SubscribeMatcher returns the user's topic filter for subscriptions on the
// given node. ok is false when subscribing is wholly denied; the caller must
// then answer exactly as it would for an unknown node.
func (a *Authorizer) SubscribeMatcher(node string) (m match.Matcher, ok bool) {
	if a.user == nil {
		if a.defaultAllow {
			return match.All, true
		}
		return nil, false
	}
	if a.user.boolean {
		if a.user.allow {
			return match.All, true
		}
		return nil, false
	}
	s := a.user.subscribe
	if s == nil {
		return nil, false
	}
	if s.boolean {
		if s.allow {
			return match.All, true
		}
		return nil, false
	}
	right, found := s.nodes[node]
	if !found || right.denied {
		return nil, false
	}
	return right.matcher, true
}
