package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"rtunnel/internal/proxy"
)

// tcpStream adapts *net.TCPConn to the Stream interface.
type tcpStream struct {
	*net.TCPConn
}

func (s *tcpStream) CloseWrite() error { return s.TCPConn.CloseWrite() }

func (s *tcpStream) HintNoDelay(enable bool) error { return s.TCPConn.SetNoDelay(enable) }

func (s *tcpStream) SetKeepAlive(idle, interval time.Duration) error {
	if err := s.TCPConn.SetKeepAlive(true); err != nil {
		return fmt.Errorf("set keepalive: %w", err)
	}
	if err := s.TCPConn.SetKeepAlivePeriod(idle); err != nil {
		return fmt.Errorf("set keepalive period: %w", err)
	}
	_ = interval // Go's net package exposes one keepalive period, not separate idle/interval knobs.
	return nil
}

// genericStream adapts any net.Conn to Stream when it isn't a bare
// *net.TCPConn (e.g. a proxy dial that buffered a few bytes past the
// CONNECT response ahead of the tunnelled stream). CloseWrite falls back
// to a full Close, and the NoDelay/keepalive hints are no-ops: there is
// no socket-level knob to reach through an arbitrary net.Conn.
type genericStream struct {
	net.Conn
}

func (s genericStream) CloseWrite() error { return s.Conn.Close() }

func (s genericStream) HintNoDelay(bool) error { return nil }

func (s genericStream) SetKeepAlive(idle, interval time.Duration) error { return nil }

func wrapTCP(c net.Conn) (Stream, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return genericStream{Conn: c}, nil
	}
	return &tcpStream{TCPConn: tc}, nil
}

type tcpAcceptor struct {
	ln net.Listener
}

func (a *tcpAcceptor) Accept(ctx context.Context) (Stream, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := a.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("tcp accept: %w", r.err)
		}
		return wrapTCP(r.c)
	}
}

func (a *tcpAcceptor) Addr() net.Addr { return a.ln.Addr() }

func (a *tcpAcceptor) Close() error { return a.ln.Close() }

// TCP is the plain-TCP Transport: no encryption, no authentication beyond
// what the control/data plane itself provides.
type TCP struct{}

func (TCP) Bind(ctx context.Context, addr string) (Acceptor, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp bind %s: %w", addr, err)
	}
	return &tcpAcceptor{ln: ln}, nil
}

func (TCP) Dial(ctx context.Context, addr string, proxyURL *url.URL) (Stream, error) {
	var d net.Dialer
	c, err := proxy.DialThrough(ctx, &d, proxyURL, addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return wrapTCP(c)
}
