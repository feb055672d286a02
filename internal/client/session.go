// Package client implements the dialing side of a tunnel: the control
// session state machine, the data-channel pool, and the per-service
// reconnect supervisor.
package client

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"rtunnel/internal/config"
	"rtunnel/internal/forward"
	"rtunnel/internal/protocol"
	"rtunnel/internal/retry"
	"rtunnel/internal/transport"
)

// Session is one live control channel for one configured service. Run
// blocks until the channel dies (network error, auth failure, or the
// server disappearing) and returns an error describing why.
type Session struct {
	log         *zap.SugaredLogger
	cfg         config.ServiceConfig
	remote      string
	proxyURL    *url.URL
	tr          transport.Transport
	heartbeat   config.HeartbeatConfig
	udpIdleTime time.Duration
}

// NewSession builds a client control session for one service.
func NewSession(log *zap.SugaredLogger, tr transport.Transport, remote string, proxyURL *url.URL, hb config.HeartbeatConfig, svc config.ServiceConfig, udpIdleTime time.Duration) *Session {
	if udpIdleTime <= 0 {
		udpIdleTime = 60 * time.Second
	}
	return &Session{log: log, cfg: svc, remote: remote, proxyURL: proxyURL, tr: tr, heartbeat: hb, udpIdleTime: udpIdleTime}
}

// Run dials the control channel, authenticates, and serves
// CreateDataChannel/HeartBeat commands until the channel dies.
func (s *Session) Run(ctx context.Context) error {
	digest := protocol.NewDigest([]byte(s.cfg.Name))

	conn, err := s.tr.Dial(ctx, s.remote, s.proxyURL)
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	defer conn.Close()

	if err := protocol.WriteHello(conn, protocol.Hello{Variant: protocol.HelloControlChannel, Version: protocol.CurrentVersion, ID: digest}); err != nil {
		return fmt.Errorf("write control hello: %w", err)
	}

	serverHello, err := protocol.ReadHello(conn)
	if err != nil {
		var mismatch *protocol.ErrVersionMismatch
		if asVersionMismatch(err, &mismatch) {
			return &retry.Permanent{Err: err}
		}
		return fmt.Errorf("read control hello: %w", err)
	}
	nonce := serverHello.ID

	proof := authProof(nonce, s.cfg.SharedSecret)
	if err := protocol.WriteAuth(conn, protocol.Auth{Proof: proof}); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}

	ack, err := protocol.ReadAck(conn)
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	switch ack.Variant {
	case protocol.AckServiceNotExist, protocol.AckAuthFailed:
		return &retry.Permanent{Err: fmt.Errorf("control channel rejected: %s", ack.Variant)}
	case protocol.AckOk:
	default:
		return &retry.Permanent{Err: fmt.Errorf("control channel rejected: unknown ack %d", ack.Variant)}
	}

	s.log.Infow("control channel established", "service", s.cfg.Name, "remote", s.remote)

	if s.cfg.PoolSize > 1 && s.cfg.Kind == "tcp" {
		go s.maintainPool(ctx, digest, s.cfg.PoolSize-1)
	}

	return s.serve(ctx, conn, digest)
}

func authProof(nonce protocol.Digest, secret string) protocol.Digest {
	h := sha256.New()
	h.Write(nonce[:])
	h.Write([]byte(secret))
	var d protocol.Digest
	copy(d[:], h.Sum(nil))
	return d
}

func asVersionMismatch(err error, target **protocol.ErrVersionMismatch) bool {
	if e, ok := err.(*protocol.ErrVersionMismatch); ok {
		*target = e
		return true
	}
	return false
}

// serve reads ControlChannelCmd until the connection dies. A read timeout
// of 2x heartbeat without any inbound bytes means the server is gone.
func (s *Session) serve(ctx context.Context, conn transport.Stream, digest protocol.Digest) error {
	timeout := s.heartbeat.ReadTimeout()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		cmd, err := protocol.ReadControlCmd(conn)
		if err != nil {
			return fmt.Errorf("control channel read timeout/error: %w", err)
		}

		switch cmd {
		case protocol.CmdHeartBeat:
			// liveness only; nothing to do.
		case protocol.CmdCreateDataChannel:
			go s.openDataChannel(ctx, digest)
		}
	}
}

// openDataChannel dials a fresh data channel in response to the server's
// request and serves it until the forwarded connection ends.
func (s *Session) openDataChannel(ctx context.Context, digest protocol.Digest) {
	dc, err := s.tr.Dial(ctx, s.remote, s.proxyURL)
	if err != nil {
		s.log.Warnw("data channel dial failed", "service", s.cfg.Name, "err", err)
		return
	}
	s.serveDataChannel(ctx, dc, digest)
}

// serveDataChannel authenticates a data channel (pool-warmed or freshly
// dialed) and runs it to completion; shared by the cold path
// (openDataChannel) and the warm-standby pool.
func (s *Session) serveDataChannel(ctx context.Context, dc transport.Stream, digest protocol.Digest) {
	if err := protocol.WriteHello(dc, protocol.Hello{Variant: protocol.HelloDataChannel, Version: protocol.CurrentVersion, ID: digest}); err != nil {
		s.log.Warnw("data channel hello failed", "service", s.cfg.Name, "err", err)
		_ = dc.Close()
		return
	}

	cmd, err := protocol.ReadDataCmd(dc)
	if err != nil {
		s.log.Debugw("data channel closed before assignment", "service", s.cfg.Name, "err", err)
		_ = dc.Close()
		return
	}

	switch cmd {
	case protocol.CmdStartForwardTCP:
		s.forwardTCP(dc)
	case protocol.CmdStartForwardUDP:
		s.forwardUDP(ctx, dc)
	default:
		_ = dc.Close()
	}
}

func (s *Session) forwardTCP(dc transport.Stream) {
	upstream, err := net.Dial("tcp", s.cfg.UpstreamAddr)
	if err != nil {
		s.log.Warnw("dial upstream failed", "service", s.cfg.Name, "upstream", s.cfg.UpstreamAddr, "err", err)
		_ = dc.Close()
		return
	}
	defer upstream.Close()

	if s.cfg.NoDelay {
		_ = dc.HintNoDelay(true)
		if tcp, ok := upstream.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
	}

	if err := forward.TCP(s.log, upstream, dc); err != nil {
		s.log.Debugw("tcp forward ended", "service", s.cfg.Name, "err", err)
	}
}

func (s *Session) forwardUDP(ctx context.Context, dc transport.Stream) {
	sess := forward.NewUDPSession(s.log, dc, s.udpIdleTime)
	if err := sess.ServeUpstream(ctx, s.cfg.UpstreamAddr); err != nil {
		s.log.Debugw("udp forward ended", "service", s.cfg.Name, "err", err)
	}
}
