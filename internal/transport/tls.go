package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"
)

// tlsStream layers crypto/tls over an underlying tcpStream, delegating the
// socket-level hints to it.
type tlsStream struct {
	*tls.Conn
	under Stream
}

func (s *tlsStream) CloseWrite() error { return s.Conn.CloseWrite() }

func (s *tlsStream) HintNoDelay(enable bool) error { return s.under.HintNoDelay(enable) }

func (s *tlsStream) SetKeepAlive(idle, interval time.Duration) error {
	return s.under.SetKeepAlive(idle, interval)
}

type tlsAcceptor struct {
	inner  Acceptor
	config *tls.Config
}

func (a *tlsAcceptor) Accept(ctx context.Context) (Stream, error) {
	raw, err := a.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	tc := tls.Server(raw, a.config)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return &tlsStream{Conn: tc, under: raw}, nil
}

func (a *tlsAcceptor) Addr() net.Addr { return a.inner.Addr() }

func (a *tlsAcceptor) Close() error { return a.inner.Close() }

// TLS wraps TCP with a standard TLS 1.2+ handshake. Config carries the
// server certificate (server side) or the expected server name / root
// pool (client side).
type TLS struct {
	Config *tls.Config
}

func (t TLS) Bind(ctx context.Context, addr string) (Acceptor, error) {
	inner, err := TCP{}.Bind(ctx, addr)
	if err != nil {
		return nil, err
	}
	cfg := t.Config.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return &tlsAcceptor{inner: inner, config: cfg}, nil
}

func (t TLS) Dial(ctx context.Context, addr string, proxyURL *url.URL) (Stream, error) {
	raw, err := TCP{}.Dial(ctx, addr, proxyURL)
	if err != nil {
		return nil, err
	}
	cfg := t.Config.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return &tlsStream{Conn: tc, under: raw}, nil
}
