package main

import (
	"encoding/json"
	"fmt"

	"github.com/poelstra/mhub-sub000/internal/auth"
	"github.com/poelstra/mhub-sub000/internal/config"
	"github.com/poelstra/mhub-sub000/internal/hub"
	"github.com/poelstra/mhub-sub000/internal/node"
	"github.com/poelstra/mhub-sub000/internal/pubsub"
	"github.com/poelstra/mhub-sub000/internal/storage"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// buildHub constructs the node graph, authentication state and startup
// bindings from the parsed config. Any failure here is fatal: a broker that
// cannot fully realize its config must not start.
func buildHub(cfg *config.Config, st storage.Storage, logger logging.Logger) (*hub.Hub, error) {
	h := hub.New(logger)
	h.SetStorage(st)

	nodeSpecs := cfg.Nodes
	if len(nodeSpecs) == 0 {
		nodeSpecs = []config.NodeSpec{{Name: "default", Type: "Exchange"}}
	}
	for _, spec := range nodeSpecs {
		n, err := buildNode(spec, logger)
		if err != nil {
			return nil, err
		}
		if err := h.Add(n); err != nil {
			return nil, err
		}
	}

	for _, b := range cfg.Bindings {
		if err := wireBinding(h, b); err != nil {
			return nil, err
		}
	}

	if cfg.HasUsers {
		authenticator := auth.NewPlainAuthenticator()
		if err := authenticator.SetUsers(cfg.Users); err != nil {
			return nil, fmt.Errorf("users: %w", err)
		}
		h.SetAuthenticator(authenticator)
	}

	switch {
	case cfg.HasRights:
		rights, err := auth.ParseRights(cfg.Rights)
		if err != nil {
			return nil, err
		}
		h.SetRights(rights)
	case cfg.HasUsers:
		// Users without a rights table: nothing is granted until rights
		// say so.
		h.SetRights(auth.DenyAll())
	default:
		// No users, no rights: open broker.
		h.SetRights(auth.AllowAll())
	}

	return h, nil
}

func buildNode(spec config.NodeSpec, logger logging.Logger) (pubsub.Node, error) {
	var opts config.NodeOptions
	if spec.Options != nil {
		if err := json.Unmarshal(spec.Options, &opts); err != nil {
			return nil, fmt.Errorf("node %q: invalid options: %w", spec.Name, err)
		}
	}

	switch spec.Type {
	case "Exchange":
		return node.NewExchange(spec.Name, logger), nil

	case "Queue":
		patterns, err := opts.Patterns()
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", spec.Name, err)
		}
		q, err := node.NewQueue(spec.Name, logger, node.QueueOptions{
			Capacity:   opts.Capacity,
			Patterns:   patterns,
			Persistent: opts.Persistent,
		})
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", spec.Name, err)
		}
		return q, nil

	case "HeaderStore":
		return node.NewHeaderStore(spec.Name, logger, node.StoreOptions{Persistent: opts.Persistent}), nil

	case "TopicStore":
		return node.NewTopicStore(spec.Name, logger, node.StoreOptions{Persistent: opts.Persistent}), nil

	case "ConsoleDestination":
		return node.NewConsole(spec.Name, logger), nil

	case "PingResponder":
		return node.NewPingResponder(spec.Name, logger), nil

	case "TestSource":
		return node.NewTestSource(spec.Name, logger, node.TestSourceOptions{
			Topic:    opts.Topic,
			Interval: opts.IntervalDuration(),
		}), nil

	default:
		return nil, fmt.Errorf("node %q: unknown node type %q", spec.Name, spec.Type)
	}
}

func wireBinding(h *hub.Hub, b config.BindingSpec) error {
	src, ok := h.Source(b.From)
	if !ok {
		return fmt.Errorf("binding %s -> %s: %q is not a source node", b.From, b.To, b.From)
	}
	dest, ok := h.Destination(b.To)
	if !ok {
		return fmt.Errorf("binding %s -> %s: %q is not a destination node", b.From, b.To, b.To)
	}
	patterns, err := b.Patterns()
	if err != nil {
		return fmt.Errorf("binding %s -> %s: %w", b.From, b.To, err)
	}
	if err := src.Bind(dest, patterns...); err != nil {
		return fmt.Errorf("binding %s -> %s: %w", b.From, b.To, err)
	}
	return nil
}
