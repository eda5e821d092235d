package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Listen) != 1 {
		t.Fatalf("listeners = %v", cfg.Listen)
	}
	l := cfg.Listen[0]
	if l.Type != TransportWebSocket || l.Port != DefaultWebSocketPort {
		t.Fatalf("default listener = %+v", l)
	}
	if cfg.Storage != DefaultStorageRoot {
		t.Fatalf("storage = %q", cfg.Storage)
	}
	if cfg.HasUsers || cfg.HasRights {
		t.Fatal("absent users/rights reported as present")
	}
}

func TestPortAlias(t *testing.T) {
	cfg, err := Parse([]byte(`{"port": 8080}`))
	if err != nil {
		t.Fatal(err)
	}
	l := cfg.Listen[0]
	if l.Type != TransportWebSocket || l.Port != 8080 {
		t.Fatalf("listener = %+v", l)
	}
}

func TestListenForms(t *testing.T) {
	// Single object.
	cfg, err := Parse([]byte(`{"listen": {"type": "tcp"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Listen) != 1 || cfg.Listen[0].Port != DefaultTCPPort {
		t.Fatalf("listeners = %+v", cfg.Listen)
	}

	// Array, with TLS default port and address formatting.
	cfg, err = Parse([]byte(`{"listen": [
		{"type": "websocket", "host": "127.0.0.1"},
		{"type": "websocket", "key": "server.key", "cert": "server.crt"},
		{"type": "tcp", "port": 9000}
	]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Listen) != 3 {
		t.Fatalf("listeners = %+v", cfg.Listen)
	}
	if got := cfg.Listen[0].Addr(); got != "127.0.0.1:13900" {
		t.Fatalf("addr = %q", got)
	}
	if !cfg.Listen[1].TLS() || cfg.Listen[1].Port != DefaultWebSocketTLSPort {
		t.Fatalf("tls listener = %+v", cfg.Listen[1])
	}
	if cfg.Listen[2].Port != 9000 {
		t.Fatalf("tcp listener = %+v", cfg.Listen[2])
	}
}

func TestListenValidation(t *testing.T) {
	if _, err := Parse([]byte(`{"listen": {"type": "carrier-pigeon"}}`)); err == nil {
		t.Fatal("unknown listener type accepted")
	}
	if _, err := Parse([]byte(`{"listen": {"type": "websocket", "key": "k.pem"}}`)); err == nil {
		t.Fatal("key without cert accepted")
	}
}

func TestNodesAsNameArray(t *testing.T) {
	cfg, err := Parse([]byte(`{"nodes": ["default", "twitter"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Nodes) != 2 {
		t.Fatalf("nodes = %+v", cfg.Nodes)
	}
	for _, n := range cfg.Nodes {
		if n.Type != "Exchange" {
			t.Fatalf("node %q type = %q", n.Name, n.Type)
		}
	}
}

func TestNodesAsObject(t *testing.T) {
	cfg, err := Parse([]byte(`{"nodes": {
		"plain": "Exchange",
		"queue": {"type": "Queue", "options": {"capacity": 5, "pattern": "a/*"}},
		"state": {"type": "TopicState"},
		"legacy": {"type": "TopicQueue"}
	}}`))
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]NodeSpec{}
	for _, n := range cfg.Nodes {
		byName[n.Name] = n
	}
	if byName["plain"].Type != "Exchange" {
		t.Fatalf("plain = %+v", byName["plain"])
	}
	if byName["queue"].Type != "Queue" || byName["queue"].Options == nil {
		t.Fatalf("queue = %+v", byName["queue"])
	}
	// Legacy aliases normalize to TopicStore.
	if byName["state"].Type != "TopicStore" || byName["legacy"].Type != "TopicStore" {
		t.Fatalf("aliases = %+v / %+v", byName["state"], byName["legacy"])
	}

	// Startup order is name-sorted for determinism.
	for i := 1; i < len(cfg.Nodes); i++ {
		if cfg.Nodes[i-1].Name > cfg.Nodes[i].Name {
			t.Fatalf("nodes out of order: %+v", cfg.Nodes)
		}
	}
}

func TestNodeNameValidation(t *testing.T) {
	for _, bad := range []string{`{"nodes": ["../escape"]}`, `{"nodes": {"has space": "Exchange"}}`, `{"nodes": [""]}`} {
		if _, err := Parse([]byte(bad)); err == nil {
			t.Fatalf("accepted %s", bad)
		}
	}
}

func TestNodeOptionPatterns(t *testing.T) {
	opts := NodeOptions{}
	patterns, err := opts.Patterns()
	if err != nil || patterns != nil {
		t.Fatalf("absent pattern: %v, %v", patterns, err)
	}

	cfg, err := Parse([]byte(`{"nodes": {"q": {"type": "Queue", "options": {"pattern": ["a/*", "b/*"], "interval": 2.5}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	var decoded NodeOptions
	if err := json.Unmarshal(cfg.Nodes[0].Options, &decoded); err != nil {
		t.Fatal(err)
	}
	patterns, err = decoded.Patterns()
	if err != nil || len(patterns) != 2 {
		t.Fatalf("patterns = %v, %v", patterns, err)
	}
	if decoded.IntervalDuration() != 2500*time.Millisecond {
		t.Fatalf("interval = %v", decoded.IntervalDuration())
	}
}

func TestBindings(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"nodes": ["a", "b"],
		"bindings": [{"from": "a", "to": "b", "pattern": "x/*"}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Bindings) != 1 {
		t.Fatalf("bindings = %+v", cfg.Bindings)
	}
	patterns, err := cfg.Bindings[0].Patterns()
	if err != nil || len(patterns) != 1 || patterns[0] != "x/*" {
		t.Fatalf("patterns = %v, %v", patterns, err)
	}
}

func TestUsersInlineAndFile(t *testing.T) {
	cfg, err := Parse([]byte(`{"users": {"alice": "secret"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.HasUsers || cfg.Users["alice"] != "secret" {
		t.Fatalf("users = %+v", cfg.Users)
	}

	path := filepath.Join(t.TempDir(), "users.json")
	if err := os.WriteFile(path, []byte(`{"bob": "hunter2"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Parse([]byte(`{"users": "` + path + `"}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Users["bob"] != "hunter2" {
		t.Fatalf("users = %+v", cfg.Users)
	}

	if _, err := Parse([]byte(`{"users": "/does/not/exist.json"}`)); err == nil {
		t.Fatal("missing users file accepted")
	}
}

func TestRightsPassedThroughRaw(t *testing.T) {
	cfg, err := Parse([]byte(`{"rights": {"alice": true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.HasRights || string(cfg.Rights) != `{"alice": true}` {
		t.Fatalf("rights = %s", cfg.Rights)
	}
}

func TestLoadReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mhub.config.json")
	if err := os.WriteFile(path, []byte(`{"port": 9999}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen[0].Port != 9999 {
		t.Fatalf("port = %d", cfg.Listen[0].Port)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing file accepted")
	}
}
