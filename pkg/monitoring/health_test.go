package monitoring

import (
	"errors"
	"net"
	"testing"
)

type stubPersister struct {
	err error
}

func (s *stubPersister) LastError() error { return s.err }

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHealthChecker_Aggregation(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %q", got)
	}
	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %q", got)
	}
}

func TestPersistenceHealthCheck(t *testing.T) {
	res := PersistenceHealthCheck(nil)()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for nil persister, got %q", res.Status)
	}
	if res.Message != "Persistence backend is nil" {
		t.Errorf("unexpected message: %q", res.Message)
	}

	res = PersistenceHealthCheck(&stubPersister{})()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %q", res.Status)
	}

	res = PersistenceHealthCheck(&stubPersister{err: errors.New("disk full")})()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after write error, got %q", res.Status)
	}
}

func TestDirWritableHealthCheck(t *testing.T) {
	res := DirWritableHealthCheck(t.TempDir())()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %q: %s", res.Status, res.Message)
	}

	res = DirWritableHealthCheck("/nonexistent/path/for/sure")()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for missing dir, got %q", res.Status)
	}
}

func TestTCPListenerHealthCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	res := TCPListenerHealthCheck("hub", ln.Addr().String())()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %q: %s", res.Status, res.Message)
	}

	addr := ln.Addr().String()
	ln.Close()
	res = TCPListenerHealthCheck("hub", addr)()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after listener close, got %q", res.Status)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	res := ConfigurationHealthCheck(map[string]string{"MHUB_CONFIG": "/etc/mhub/server.conf"})()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %q", res.Status)
	}
	res = ConfigurationHealthCheck(map[string]string{"MHUB_CONFIG": ""})()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for missing config, got %q", res.Status)
	}
}
