package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket carries the tunnel's binary frames inside a WebSocket
// connection, useful for getting through middleboxes that only pass
// HTTP(S) traffic. Path is the HTTP path both ends upgrade on.
type WebSocket struct {
	Path   string
	UseTLS bool
	TLS    *tls.Config
}

func (w WebSocket) scheme() string {
	if w.UseTLS {
		return "wss"
	}
	return "ws"
}

func (w WebSocket) Bind(ctx context.Context, addr string) (Acceptor, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	incoming := make(chan *websocketStream, 16)
	mux := http.NewServeMux()
	mux.HandleFunc(w.Path, func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		incoming <- newWebsocketStream(conn)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket bind %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	if w.UseTLS {
		srv.TLSConfig = w.TLS
	}
	go func() {
		if w.UseTLS {
			_ = srv.ServeTLS(ln, "", "")
		} else {
			_ = srv.Serve(ln)
		}
	}()

	return &websocketAcceptor{ln: ln, srv: srv, incoming: incoming}, nil
}

func (w WebSocket) Dial(ctx context.Context, addr string, proxyURL *url.URL) (Stream, error) {
	u := url.URL{Scheme: w.scheme(), Host: addr, Path: w.Path}

	dialer := &websocket.Dialer{
		HandshakeTimeout:  45 * time.Second,
		EnableCompression: true,
		Subprotocols:      []string{"binary"},
	}
	if w.UseTLS {
		dialer.TLSClientConfig = w.TLS
	}
	if proxyURL != nil {
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", u.String(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", u.String(), err)
	}
	return newWebsocketStream(conn), nil
}

type websocketAcceptor struct {
	ln       net.Listener
	srv      *http.Server
	incoming chan *websocketStream
}

func (a *websocketAcceptor) Accept(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s := <-a.incoming:
		return s, nil
	}
}

func (a *websocketAcceptor) Addr() net.Addr { return a.ln.Addr() }

func (a *websocketAcceptor) Close() error {
	_ = a.srv.Close()
	return a.ln.Close()
}

// websocketStream adapts a *websocket.Conn, which only speaks whole
// messages, to the byte-stream Stream contract by buffering partially
// consumed message reads.
type websocketStream struct {
	conn   *websocket.Conn
	reader io.Reader
	mu     sync.Mutex

	writeMu sync.Mutex
}

func newWebsocketStream(conn *websocket.Conn) *websocketStream {
	conn.SetReadLimit(0)
	return &websocketStream{conn: conn}
}

func (s *websocketStream) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.reader == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				return 0, fmt.Errorf("websocket read: %w", err)
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(b)
		if err == io.EOF {
			s.reader = nil
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (s *websocketStream) Write(b []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, fmt.Errorf("websocket write: %w", err)
	}
	return len(b), nil
}

func (s *websocketStream) Close() error { return s.conn.Close() }

// CloseWrite has no true half-close equivalent over WebSocket; send a
// close frame and let reads keep draining until the peer closes too.
func (s *websocketStream) CloseWrite() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *websocketStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *websocketStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *websocketStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *websocketStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *websocketStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// HintNoDelay and SetKeepAlive have no WebSocket-level analogue; they are
// no-ops here since the underlying TCP socket is already configured by
// the HTTP server/dialer's transport.
func (s *websocketStream) HintNoDelay(bool) error { return nil }

func (s *websocketStream) SetKeepAlive(time.Duration, time.Duration) error { return nil }
