// Package proxy implements the client-side proxy dialler (SOCKS5 / HTTP
// CONNECT) used to reach the server through a middlebox, and the
// PROXY-protocol preamble emitted on upstream sockets.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	xproxy "golang.org/x/net/proxy"
)

// DialThrough connects to target through proxyURL (scheme
// "socks5"/"http", optional userinfo), or directly if proxyURL is nil.
// A net.Dialer is used for the leg to the proxy (or to target, if there
// is none), so context cancellation and timeouts apply uniformly.
func DialThrough(ctx context.Context, d *net.Dialer, proxyURL *url.URL, target string) (net.Conn, error) {
	if proxyURL == nil {
		return d.DialContext(ctx, "tcp", target)
	}

	switch strings.ToLower(proxyURL.Scheme) {
	case "socks5":
		return dialSocks5(ctx, d, proxyURL, target)
	case "http":
		return dialHTTPConnect(ctx, d, proxyURL, target)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q (only socks5, http)", proxyURL.Scheme)
	}
}

// dialSocks5 delegates the handshake to golang.org/x/net/proxy, which
// speaks RFC 1928 SOCKS5 (including username/password auth) against a
// forward.Dialer for the leg to the proxy itself.
func dialSocks5(ctx context.Context, d *net.Dialer, proxyURL *url.URL, target string) (net.Conn, error) {
	var auth *xproxy.Auth
	if user := proxyURL.User.Username(); user != "" {
		pass, _ := proxyURL.User.Password()
		auth = &xproxy.Auth{User: user, Password: pass}
	}

	dialer, err := xproxy.SOCKS5("tcp", proxyURL.Host, auth, contextForwardDialer{ctx: ctx, d: d})
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer for %s: %w", proxyURL.Host, err)
	}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s via %s: %w", target, proxyURL.Host, err)
	}
	return conn, nil
}

// contextForwardDialer adapts a *net.Dialer carrying one ctx to the
// golang.org/x/net/proxy.Dialer interface, so a proxy chain's leg to the
// SOCKS5 proxy itself still respects cancellation/timeouts.
type contextForwardDialer struct {
	ctx context.Context
	d   *net.Dialer
}

func (c contextForwardDialer) Dial(network, addr string) (net.Conn, error) {
	return c.d.DialContext(c.ctx, network, addr)
}

func dialHTTPConnect(ctx context.Context, d *net.Dialer, proxyURL *url.URL, target string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("dial http proxy %s: %w", proxyURL.Host, err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if user := proxyURL.User.Username(); user != "" {
		pass, _ := proxyURL.User.Password()
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", basicAuth(user, pass))
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http connect request: %w", err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http connect status line: %w", err)
	}
	if !strings.Contains(status, "200") {
		conn.Close()
		return nil, fmt.Errorf("http connect rejected: %s", strings.TrimSpace(status))
	}
	// Drain the rest of the header block.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("http connect headers: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn lets us return any bytes the CONNECT response's bufio
// reader already pulled off the wire ahead of the tunnelled stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
