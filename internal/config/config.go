// Package config parses the broker's JSON configuration file. Several keys
// are union-typed on the wire (string or array or object or boolean), so
// parsing happens in two phases via json.RawMessage. Validation failures are
// fatal: the daemon refuses to start on a config it cannot fully interpret.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"
)

// Default listener ports.
const (
	DefaultWebSocketPort    = 13900
	DefaultWebSocketTLSPort = 13901
	DefaultTCPPort          = 13902
)

// DefaultStorageRoot is used when the storage key is absent.
const DefaultStorageRoot = "./storage"

// Listener transport types.
const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

var nodeNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Config is the fully normalized broker configuration.
type Config struct {
	Listen   []ListenSpec
	Nodes    []NodeSpec
	Bindings []BindingSpec
	// Users maps usernames to passwords (plaintext or bcrypt hashes).
	// HasUsers distinguishes an empty map from an absent key.
	Users    map[string]string
	HasUsers bool
	// Rights is left raw here and compiled by the auth package.
	Rights    json.RawMessage
	HasRights bool
	Storage   string
	Logging   string
}

// ListenSpec describes one listener.
type ListenSpec struct {
	Type    string `json:"type"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Backlog int    `json:"backlog,omitempty"`
	// TLS credentials; presence of any of key/cert/pfx enables TLS.
	Key        string `json:"key,omitempty"`
	Cert       string `json:"cert,omitempty"`
	CA         string `json:"ca,omitempty"`
	Pfx        string `json:"pfx,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// TLS reports whether the listener has TLS credentials configured.
func (l ListenSpec) TLS() bool {
	return l.Key != "" || l.Cert != "" || l.Pfx != ""
}

// Addr returns the host:port address to listen on.
func (l ListenSpec) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// NodeSpec names one node and its type. Options are decoded by the node
// factory per type.
type NodeSpec struct {
	Name    string
	Type    string
	Options json.RawMessage
}

// NodeOptions is the option set shared by the built-in node types; each
// type reads the fields it knows.
type NodeOptions struct {
	Capacity   int             `json:"capacity,omitempty"`
	Pattern    json.RawMessage `json:"pattern,omitempty"`
	Persistent bool            `json:"persistent,omitempty"`
	Topic      string          `json:"topic,omitempty"`
	Interval   float64         `json:"interval,omitempty"`
}

// IntervalDuration converts the interval option (seconds) to a duration.
func (o NodeOptions) IntervalDuration() time.Duration {
	return time.Duration(o.Interval * float64(time.Second))
}

// Patterns normalizes the pattern option: absent, a single glob or a list.
func (o NodeOptions) Patterns() ([]string, error) {
	if o.Pattern == nil {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(o.Pattern, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(o.Pattern, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("pattern must be a string or an array of strings: %s", o.Pattern)
}

// BindingSpec wires one startup binding from a source to a destination.
type BindingSpec struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Pattern json.RawMessage `json:"pattern,omitempty"`
}

// Patterns normalizes the binding pattern, like NodeOptions.Patterns.
func (b BindingSpec) Patterns() ([]string, error) {
	return NodeOptions{Pattern: b.Pattern}.Patterns()
}

// rawConfig mirrors the file's top level before normalization.
type rawConfig struct {
	Listen   json.RawMessage `json:"listen"`
	Port     *int            `json:"port"`
	Nodes    json.RawMessage `json:"nodes"`
	Bindings []BindingSpec   `json:"bindings"`
	Users    json.RawMessage `json:"users"`
	Rights   json.RawMessage `json:"rights"`
	Storage  string          `json:"storage"`
	Logging  string          `json:"logging"`
}

// Load reads and normalizes the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse normalizes a raw JSON config document.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	cfg := &Config{
		Storage: raw.Storage,
		Logging: raw.Logging,
	}
	if cfg.Storage == "" {
		cfg.Storage = DefaultStorageRoot
	}

	var err error
	if cfg.Listen, err = parseListen(raw.Listen, raw.Port); err != nil {
		return nil, err
	}
	if cfg.Nodes, err = parseNodes(raw.Nodes); err != nil {
		return nil, err
	}
	cfg.Bindings = raw.Bindings

	if raw.Users != nil {
		cfg.HasUsers = true
		if cfg.Users, err = parseUsers(raw.Users); err != nil {
			return nil, err
		}
	}
	if raw.Rights != nil {
		cfg.HasRights = true
		cfg.Rights = raw.Rights
	}
	return cfg, nil
}

// parseListen accepts a single listener object, an array of them, or the
// legacy top-level "port" shorthand for one WebSocket listener. Without any
// of those, the default WebSocket listener is used.
func parseListen(raw json.RawMessage, portAlias *int) ([]ListenSpec, error) {
	var specs []ListenSpec

	switch {
	case raw != nil:
		var many []ListenSpec
		if err := json.Unmarshal(raw, &many); err == nil {
			specs = many
			break
		}
		var one ListenSpec
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("listen must be a transport spec or an array of them: %w", err)
		}
		specs = []ListenSpec{one}

	case portAlias != nil:
		specs = []ListenSpec{{Type: TransportWebSocket, Port: *portAlias}}

	default:
		specs = []ListenSpec{{Type: TransportWebSocket}}
	}

	for i := range specs {
		spec := &specs[i]
		if spec.Type == "" {
			spec.Type = TransportWebSocket
		}
		switch spec.Type {
		case TransportWebSocket:
			if spec.Port == 0 {
				if spec.TLS() {
					spec.Port = DefaultWebSocketTLSPort
				} else {
					spec.Port = DefaultWebSocketPort
				}
			}
		case TransportTCP:
			if spec.Port == 0 {
				spec.Port = DefaultTCPPort
			}
		default:
			return nil, fmt.Errorf("unknown listener type %q", spec.Type)
		}
		if (spec.Key == "") != (spec.Cert == "") {
			return nil, fmt.Errorf("listener %d: key and cert must be configured together", i)
		}
	}
	return specs, nil
}

// parseNodes accepts either an array of names (each an Exchange) or an
// object mapping names to a type string or a {type, options} object. The
// legacy type aliases TopicQueue and TopicState map to TopicStore.
func parseNodes(raw json.RawMessage) ([]NodeSpec, error) {
	if raw == nil {
		return nil, nil
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		specs := make([]NodeSpec, 0, len(names))
		for _, name := range names {
			if err := validateNodeName(name); err != nil {
				return nil, err
			}
			specs = append(specs, NodeSpec{Name: name, Type: "Exchange"})
		}
		return specs, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("nodes must be an array of names or a name-to-definition object: %w", err)
	}

	specs := make([]NodeSpec, 0, len(entries))
	for name, entry := range entries {
		if err := validateNodeName(name); err != nil {
			return nil, err
		}
		spec := NodeSpec{Name: name}

		var typeName string
		if err := json.Unmarshal(entry, &typeName); err == nil {
			spec.Type = typeName
		} else {
			var def struct {
				Type    string          `json:"type"`
				Options json.RawMessage `json:"options"`
			}
			if err := json.Unmarshal(entry, &def); err != nil {
				return nil, fmt.Errorf("node %q: definition must be a type name or a {type, options} object: %w", name, err)
			}
			spec.Type = def.Type
			spec.Options = def.Options
		}
		if spec.Type == "" {
			return nil, fmt.Errorf("node %q: missing type", name)
		}
		spec.Type = canonicalNodeType(spec.Type)
		specs = append(specs, spec)
	}
	// Deterministic startup order; JSON objects carry none.
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

func canonicalNodeType(t string) string {
	switch t {
	case "TopicQueue", "TopicState":
		return "TopicStore"
	default:
		return t
	}
}

func validateNodeName(name string) error {
	if !nodeNameRe.MatchString(name) {
		return fmt.Errorf("invalid node name %q: names become storage filenames and must match %s", name, nodeNameRe)
	}
	return nil
}

// parseUsers accepts an inline username-to-password object or a string path
// to a JSON file with the same shape.
func parseUsers(raw json.RawMessage) (map[string]string, error) {
	var path string
	if err := json.Unmarshal(raw, &path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read users file: %w", err)
		}
		var users map[string]string
		if err := json.Unmarshal(data, &users); err != nil {
			return nil, fmt.Errorf("users file %s: %w", path, err)
		}
		return users, nil
	}

	var users map[string]string
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("users must be a username-to-password object or a file path: %w", err)
	}
	return users, nil
}
