package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadServer_Defaults(t *testing.T) {
	path := writeTemp(t, "server.yaml", `
bind_addr: "0.0.0.0:2333"
services:
  - name: web
    type: tcp
    secret: s3cret
    bind_addr: "0.0.0.0:8080"
`)
	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Transport.Kind != "tcp" {
		t.Fatalf("transport kind = %q, want tcp", cfg.Transport.Kind)
	}
	if cfg.Heartbeat.Interval.Seconds() != 30 {
		t.Fatalf("heartbeat interval = %v, want 30s", cfg.Heartbeat.Interval)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].PoolSize != 1 {
		t.Fatalf("unexpected services: %+v", cfg.Services)
	}
	if cfg.VisitorQueueSize != 1024 {
		t.Fatalf("visitor queue size = %d, want 1024 (max(pool_size,1024))", cfg.VisitorQueueSize)
	}
}

func TestLoadServer_MissingBindAddrRejected(t *testing.T) {
	path := writeTemp(t, "server.yaml", `
bind_addr: "0.0.0.0:2333"
services:
  - name: web
    type: tcp
    secret: s3cret
`)
	if _, err := LoadServer(path); err == nil {
		t.Fatal("expected error for missing bind_addr on server service")
	}
}

func TestLoadServer_DuplicateServiceRejected(t *testing.T) {
	path := writeTemp(t, "server.yaml", `
bind_addr: "0.0.0.0:2333"
services:
  - name: web
    type: tcp
    secret: a
    bind_addr: "0.0.0.0:8080"
  - name: web
    type: tcp
    secret: b
    bind_addr: "0.0.0.0:8081"
`)
	if _, err := LoadServer(path); err == nil {
		t.Fatal("expected duplicate service name error")
	}
}

func TestLoadClient_RetryDefaults(t *testing.T) {
	path := writeTemp(t, "client.yaml", `
remote_addr: "example.com:2333"
services:
  - name: web
    type: tcp
    secret: s3cret
    upstream_addr: "127.0.0.1:80"
`)
	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.Retry.Multiplier != 1.5 {
		t.Fatalf("retry multiplier = %v, want 1.5", cfg.Retry.Multiplier)
	}
	if cfg.Retry.MaxInterval.Seconds() != 60 {
		t.Fatalf("retry max interval = %v, want 60s", cfg.Retry.MaxInterval)
	}
}

func TestServiceConfig_InvalidProxyProtocolForUDP(t *testing.T) {
	s := ServiceConfig{
		Name: "dns", Kind: "udp", SharedSecret: "x",
		UpstreamAddr: "127.0.0.1:53", PoolSize: 1, ProxyProtocol: "v1",
	}
	if err := s.Validate("client"); err == nil {
		t.Fatal("expected error: proxy_protocol v1 unsupported for udp")
	}
}
