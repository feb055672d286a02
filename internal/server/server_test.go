package server

import (
	"context"
	"crypto/sha256"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"rtunnel/internal/config"
	"rtunnel/internal/protocol"
)

type pipeStream struct {
	net.Conn
}

func (p pipeStream) CloseWrite() error                       { return p.Conn.Close() }
func (p pipeStream) HintNoDelay(bool) error                  { return nil }
func (p pipeStream) SetKeepAlive(idle, interval time.Duration) error { return nil }

func testServer(t *testing.T, svc config.ServiceConfig) (*Server, config.ServerConfig) {
	t.Helper()
	if svc.PoolSize <= 0 {
		svc.PoolSize = 1
	}
	cfg := config.ServerConfig{
		BindAddr:         "127.0.0.1:0",
		Heartbeat:        config.HeartbeatConfig{Interval: 20 * time.Millisecond},
		VisitorQueueSize: 16,
		Services:         []config.ServiceConfig{svc},
	}
	srv, err := New(zap.NewNop().Sugar(), &cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, cfg
}

func clientProof(nonce protocol.Digest, secret string) protocol.Digest {
	h := sha256.New()
	h.Write(nonce[:])
	h.Write([]byte(secret))
	var d protocol.Digest
	copy(d[:], h.Sum(nil))
	return d
}

func TestControlHandshake_Success(t *testing.T) {
	svc := config.ServiceConfig{Name: "web", Kind: "tcp", SharedSecret: "s3cret", BindAddr: "127.0.0.1:0"}
	srv, _ := testServer(t, svc)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.handleConn(ctx, pipeStream{serverConn})

	digest := protocol.NewDigest([]byte("web"))
	if err := protocol.WriteHello(clientConn, protocol.Hello{Variant: protocol.HelloControlChannel, Version: protocol.CurrentVersion, ID: digest}); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	serverHello, err := protocol.ReadHello(clientConn)
	if err != nil {
		t.Fatalf("read server hello: %v", err)
	}

	proof := clientProof(serverHello.ID, "s3cret")
	if err := protocol.WriteAuth(clientConn, protocol.Auth{Proof: proof}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	ack, err := protocol.ReadAck(clientConn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Variant != protocol.AckOk {
		t.Fatalf("ack = %v, want Ok", ack.Variant)
	}

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	cmd, err := protocol.ReadControlCmd(clientConn)
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if cmd != protocol.CmdHeartBeat {
		t.Fatalf("cmd = %v, want HeartBeat", cmd)
	}
}

func TestControlHandshake_AuthFailure(t *testing.T) {
	svc := config.ServiceConfig{Name: "web", Kind: "tcp", SharedSecret: "s3cret", BindAddr: "127.0.0.1:0"}
	srv, _ := testServer(t, svc)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.handleConn(ctx, pipeStream{serverConn})

	digest := protocol.NewDigest([]byte("web"))
	protocol.WriteHello(clientConn, protocol.Hello{Variant: protocol.HelloControlChannel, Version: protocol.CurrentVersion, ID: digest})
	if _, err := protocol.ReadHello(clientConn); err != nil {
		t.Fatalf("read server hello: %v", err)
	}

	wrongProof, _ := protocol.RandomDigest()
	protocol.WriteAuth(clientConn, protocol.Auth{Proof: wrongProof})

	ack, err := protocol.ReadAck(clientConn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Variant != protocol.AckAuthFailed {
		t.Fatalf("ack = %v, want AuthFailed", ack.Variant)
	}
}

func TestControlHandshake_ServiceNotExist(t *testing.T) {
	svc := config.ServiceConfig{Name: "web", Kind: "tcp", SharedSecret: "s3cret", BindAddr: "127.0.0.1:0"}
	srv, _ := testServer(t, svc)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.handleConn(ctx, pipeStream{serverConn})

	unknown := protocol.NewDigest([]byte("does-not-exist"))
	protocol.WriteHello(clientConn, protocol.Hello{Variant: protocol.HelloControlChannel, Version: protocol.CurrentVersion, ID: unknown})

	ack, err := protocol.ReadAck(clientConn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Variant != protocol.AckServiceNotExist {
		t.Fatalf("ack = %v, want ServiceNotExist", ack.Variant)
	}
}
