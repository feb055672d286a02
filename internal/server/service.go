// Package server implements the accepting side of a tunnel: the service
// table, control-channel state machine, visitor listeners, and the
// plumbing that pairs inbound visitors with data channels the client
// opens on demand.
package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"

	"rtunnel/internal/config"
	"rtunnel/internal/protocol"
)

// Service is one configured forwarding rule, keyed by the SHA-256 digest
// of its name (the same digest that identifies it on the wire in Hello).
type Service struct {
	Name   string
	Digest protocol.Digest
	Config config.ServiceConfig

	mu      sync.Mutex
	session *ControlSession // nil if no client currently connected
}

func newService(cfg config.ServiceConfig) *Service {
	return &Service{
		Name:   cfg.Name,
		Digest: protocol.NewDigest([]byte(cfg.Name)),
		Config: cfg,
	}
}

func (s *Service) attach(sess *ControlSession) (*ControlSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.session
	if prev != nil {
		return prev, false
	}
	s.session = sess
	return nil, true
}

func (s *Service) detach(sess *ControlSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == sess {
		s.session = nil
	}
}

func (s *Service) currentSession() *ControlSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Table indexes every configured service by its wire digest for O(1)
// lookup out of an incoming Hello.
type Table struct {
	mu       sync.RWMutex
	byDigest map[protocol.Digest]*Service
}

// NewTable builds a service table from server configuration, rejecting
// duplicate digests (a SHA-256 collision between distinct names, or a
// config bug that slipped past LoadServer's own duplicate-name check).
func NewTable(cfg *config.ServerConfig) (*Table, error) {
	t := &Table{byDigest: make(map[protocol.Digest]*Service, len(cfg.Services))}
	for _, sc := range cfg.Services {
		svc := newService(sc)
		if _, exists := t.byDigest[svc.Digest]; exists {
			return nil, fmt.Errorf("service %q: digest collides with an existing service", sc.Name)
		}
		t.byDigest[svc.Digest] = svc
	}
	return t, nil
}

// Lookup finds a service by its wire digest.
func (t *Table) Lookup(d protocol.Digest) (*Service, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	svc, ok := t.byDigest[d]
	return svc, ok
}

// checkAuth verifies the client proved knowledge of the shared secret:
// Auth.Proof must equal SHA-256(nonce || secret).
func checkAuth(nonce protocol.Digest, secret string, got protocol.Digest) bool {
	h := sha256.New()
	h.Write(nonce[:])
	h.Write([]byte(secret))
	var want protocol.Digest
	copy(want[:], h.Sum(nil))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}
