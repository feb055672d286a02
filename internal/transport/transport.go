// Package transport defines the byte-stream abstraction the control and
// data planes are built on, plus the concrete tcp/tls/noise/websocket
// implementations of it.
package transport

import (
	"context"
	"net"
	"net/url"
	"time"
)

// Stream is a full-duplex byte pipe with the extra controls rtunnel needs:
// half-close on write, and hints for the underlying TCP socket. Every
// concrete transport's connection type implements this.
type Stream interface {
	net.Conn

	// CloseWrite half-closes the stream for writing, signalling EOF to the
	// peer's reads, without affecting the read side.
	CloseWrite() error

	// HintNoDelay requests TCP_NODELAY (or the transport's closest
	// equivalent) on the underlying socket.
	HintNoDelay(enable bool) error

	// SetKeepAlive requests TCP keepalive with the given idle time and
	// probe interval on the underlying socket.
	SetKeepAlive(idle, interval time.Duration) error
}

// Acceptor listens for inbound streams.
type Acceptor interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// Transport is the capability both client and server dial/bind through.
// The control/data plane is otherwise oblivious to which concrete
// transport is in play; both ends of a session must agree on one out of
// band (operator configuration).
type Transport interface {
	Bind(ctx context.Context, addr string) (Acceptor, error)
	Dial(ctx context.Context, addr string, proxyURL *url.URL) (Stream, error)
}

// Kind names the four transport plug-ins rtunnel ships.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindNoise     Kind = "noise"
	KindWebSocket Kind = "websocket"
)
