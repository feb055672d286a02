// Package config loads and validates rtunnel's YAML configuration: the
// service table shared in spirit by both server and client, plus the
// transport and heartbeat tunables each side needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportConfig selects and configures the Transport both ends of a
// session must agree on.
type TransportConfig struct {
	Kind string `yaml:"type"` // "tcp" (default), "tls", "noise", "websocket"

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	TLSServerName         string `yaml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`

	WSPath   string `yaml:"ws_path"`
	WSUseTLS bool   `yaml:"ws_use_tls"`
}

func (t *TransportConfig) applyDefaults() {
	if t.Kind == "" {
		t.Kind = "tcp"
	}
	if t.Kind == "websocket" && t.WSPath == "" {
		t.WSPath = "/rtunnel"
	}
}

// ServiceConfig is one named forwarding rule, shared by server and client
// sections of the config file (each side only uses the fields relevant to
// it; Validate enforces that).
type ServiceConfig struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"type"` // "tcp" or "udp"
	SharedSecret string `yaml:"secret"`

	// Server side: the public endpoint visitors connect to.
	BindAddr string `yaml:"bind_addr"`

	// Client side: the private upstream this service forwards to.
	UpstreamAddr string `yaml:"upstream_addr"`

	PoolSize      int    `yaml:"pool_size"`
	NoDelay       bool   `yaml:"nodelay"`
	ProxyProtocol string `yaml:"proxy_protocol"` // "", "v1", "v2"
}

func (s *ServiceConfig) applyDefaults() {
	if s.PoolSize <= 0 {
		s.PoolSize = 1
	}
	if s.Kind == "" {
		s.Kind = "tcp"
	}
}

// Validate checks a service definition is well formed. side is "server"
// or "client" and determines which address field is required.
func (s *ServiceConfig) Validate(side string) error {
	if s.Name == "" {
		return fmt.Errorf("service: name is required")
	}
	if s.Kind != "tcp" && s.Kind != "udp" {
		return fmt.Errorf("service %q: type must be tcp or udp, got %q", s.Name, s.Kind)
	}
	if s.SharedSecret == "" {
		return fmt.Errorf("service %q: secret is required", s.Name)
	}
	switch side {
	case "server":
		if s.BindAddr == "" {
			return fmt.Errorf("service %q: bind_addr is required on the server", s.Name)
		}
	case "client":
		if s.UpstreamAddr == "" {
			return fmt.Errorf("service %q: upstream_addr is required on the client", s.Name)
		}
	default:
		return fmt.Errorf("service %q: unknown config side %q", s.Name, side)
	}
	if s.PoolSize < 1 {
		return fmt.Errorf("service %q: pool_size must be >= 1", s.Name)
	}
	switch s.ProxyProtocol {
	case "", "v1", "v2":
	default:
		return fmt.Errorf("service %q: proxy_protocol must be empty, v1 or v2, got %q", s.Name, s.ProxyProtocol)
	}
	if s.ProxyProtocol != "" && s.Kind == "udp" && s.ProxyProtocol == "v1" {
		return fmt.Errorf("service %q: proxy_protocol v1 does not support udp", s.Name)
	}
	return nil
}

// HeartbeatConfig tunes the control channel's liveness checks.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

func (h *HeartbeatConfig) applyDefaults() {
	if h.Interval == 0 {
		h.Interval = 30 * time.Second
	}
}

// ReadTimeout returns the derived dead-peer threshold: 2x heartbeat.
func (h HeartbeatConfig) ReadTimeout() time.Duration { return 2 * h.Interval }

// ServerConfig is the top-level server configuration file.
type ServerConfig struct {
	BindAddr  string          `yaml:"bind_addr"`
	Transport TransportConfig `yaml:"transport"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Services  []ServiceConfig `yaml:"services"`

	// VisitorQueueSize bounds how many accepted-but-unpaired visitors a
	// TCP service may hold. One value applies to every service; if left
	// at zero it defaults to the larger of 1024 and the largest
	// pool_size among the services.
	VisitorQueueSize int `yaml:"visitor_queue_size"`

	UDPPeerIdleTimeout time.Duration `yaml:"udp_peer_idle_timeout"`

	ProxyURL string `yaml:"proxy_url"`
}

// ClientConfig is the top-level client configuration file.
type ClientConfig struct {
	RemoteAddr string          `yaml:"remote_addr"`
	Transport  TransportConfig `yaml:"transport"`
	Heartbeat  HeartbeatConfig `yaml:"heartbeat"`
	Services   []ServiceConfig `yaml:"services"`

	UDPPeerIdleTimeout time.Duration `yaml:"udp_peer_idle_timeout"`

	ProxyURL string `yaml:"proxy_url"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig tunes the client's reconnect backoff (§4.8).
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// MaxElapsedTime of zero means retry forever.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
}

func (r *RetryConfig) applyDefaults() {
	if r.InitialInterval == 0 {
		r.InitialInterval = 500 * time.Millisecond
	}
	if r.Multiplier == 0 {
		r.Multiplier = 1.5
	}
	if r.MaxInterval == 0 {
		r.MaxInterval = 60 * time.Second
	}
}

// LoadServer reads and validates a server config file.
func LoadServer(path string) (*ServerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server config: %w", err)
	}
	var c ServerConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	if c.BindAddr == "" {
		return nil, fmt.Errorf("server config: bind_addr is required")
	}
	c.Transport.applyDefaults()
	c.Heartbeat.applyDefaults()
	if c.UDPPeerIdleTimeout == 0 {
		c.UDPPeerIdleTimeout = 60 * time.Second
	}
	defaultQueueSize := c.VisitorQueueSize == 0
	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		s := &c.Services[i]
		s.applyDefaults()
		if err := s.Validate("server"); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = true
		if defaultQueueSize {
			c.VisitorQueueSize = max(c.VisitorQueueSize, s.PoolSize, 1024)
		}

	}
	return &c, nil
}

// LoadClient reads and validates a client config file.
func LoadClient(path string) (*ClientConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}
	var c ClientConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}
	if c.RemoteAddr == "" {
		return nil, fmt.Errorf("client config: remote_addr is required")
	}
	c.Transport.applyDefaults()
	c.Heartbeat.applyDefaults()
	c.Retry.applyDefaults()
	if c.UDPPeerIdleTimeout == 0 {
		c.UDPPeerIdleTimeout = 60 * time.Second
	}
	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		s := &c.Services[i]
		s.applyDefaults()
		if err := s.Validate("client"); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return &c, nil
}
