package server

import (
	"container/list"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rtunnel/internal/forward"
	"rtunnel/internal/protocol"
	"rtunnel/internal/proxy"
	"rtunnel/internal/transport"
)

// State is the control session's lifecycle stage.
type State int

const (
	StateOpening State = iota
	StateAuthenticating
	StateRunning
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateAuthenticating:
		return "authenticating"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// pendingToken is a token generated in response to a visitor that arrived
// with no standby data channel ready to take it immediately.
type pendingToken struct {
	token   protocol.Digest
	visitor net.Conn
	queued  time.Time
}

// ControlSession is the server-side state machine for one client's control
// channel (§ component 3): it owns the single goroutine that serializes
// heartbeats, CreateDataChannel emission, visitor/data-channel pairing and
// liveness detection for one service's live connection.
type ControlSession struct {
	id          string
	log         *zap.SugaredLogger
	svc         *Service
	conn        transport.Stream
	hbEvery     time.Duration
	udpIdleTime time.Duration

	visitors   chan net.Conn
	dataChans  chan transport.Stream
	udpRedial  chan struct{}
	shutdownCh chan struct{}
	closeOnce  sync.Once

	state State

	udpSession *forward.UDPSession
}

// NewControlSession constructs a session for an already-authenticated
// control connection; call Run to drive it. Each session gets a random id
// so its log lines stay correlated across a service's reconnects.
func NewControlSession(log *zap.SugaredLogger, svc *Service, conn transport.Stream, heartbeat time.Duration, queueSize int, udpIdleTime time.Duration) *ControlSession {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if udpIdleTime <= 0 {
		udpIdleTime = 60 * time.Second
	}
	id := uuid.NewString()
	return &ControlSession{
		id:          id,
		log:         log.With("session_id", id, "service", svc.Name),
		svc:         svc,
		conn:        conn,
		hbEvery:     heartbeat,
		udpIdleTime: udpIdleTime,
		visitors:    make(chan net.Conn, queueSize),
		dataChans:   make(chan transport.Stream, queueSize),
		udpRedial:   make(chan struct{}, 1),
		shutdownCh:  make(chan struct{}),
		state:       StateRunning,
	}
}

// OfferVisitor hands a freshly accepted visitor connection to the session.
// Returns false if the session's visitor queue is full (the caller should
// reject the visitor) or the session is no longer running.
func (s *ControlSession) OfferVisitor(v net.Conn) bool {
	select {
	case <-s.shutdownCh:
		return false
	default:
	}
	select {
	case s.visitors <- v:
		return true
	default:
		return false
	}
}

// OfferDataChannel hands a freshly authenticated data channel to the
// session (its Hello.ID routed it here via the service digest).
func (s *ControlSession) OfferDataChannel(stream transport.Stream) bool {
	select {
	case s.dataChans <- stream:
		return true
	case <-s.shutdownCh:
		return false
	}
}

// Close tears the session down; safe to call more than once.
func (s *ControlSession) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdownCh)
		_ = s.conn.Close()
	})
}

// Run drives the session until its connection dies, it is told to close,
// or ctx is cancelled. It owns the pending-token list and the standby data-channel
// queue exclusively, so neither needs its own lock: everything funnels
// through this one goroutine's select loop.
func (s *ControlSession) Run(ctx context.Context) {
	defer s.svc.detach(s)
	defer s.Close()

	deadCh := make(chan error, 1)
	go s.watchReadLiveness(ctx, deadCh)

	heartbeat := time.NewTicker(s.hbEvery)
	defer heartbeat.Stop()

	pending := list.New() // of *pendingToken
	standby := list.New() // of transport.Stream

	if s.svc.Config.Kind == "udp" {
		s.requestDataChannel(pending)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case err := <-deadCh:
			s.log.Infow("control session ended", "service", s.svc.Name, "err", err)
			return

		case <-s.udpRedial:
			s.requestDataChannel(pending)

		case <-heartbeat.C:
			if err := protocol.WriteControlCmd(s.conn, protocol.CmdHeartBeat); err != nil {
				s.log.Warnw("heartbeat write failed", "service", s.svc.Name, "err", err)
				return
			}

		case v := <-s.visitors:
			if e := standby.Front(); e != nil {
				standby.Remove(e)
				dc := e.Value.(transport.Stream)
				if err := protocol.WriteDataCmd(dc, protocol.CmdStartForwardTCP); err != nil {
					s.log.Warnw("start-forward-tcp write failed", "service", s.svc.Name, "err", err)
					_ = v.Close()
					_ = dc.Close()
					continue
				}
				go s.pairTCP(v, dc)
				continue
			}
			tok, err := protocol.RandomDigest()
			if err != nil {
				s.log.Errorw("generate data channel token failed", "err", err)
				_ = v.Close()
				continue
			}
			pending.PushBack(&pendingToken{token: tok, visitor: v, queued: time.Now()})
			if err := protocol.WriteControlCmd(s.conn, protocol.CmdCreateDataChannel); err != nil {
				s.log.Warnw("create-data-channel write failed", "service", s.svc.Name, "err", err)
				return
			}

		case dc := <-s.dataChans:
			if s.svc.Config.Kind == "udp" {
				s.installUDPForwarder(ctx, dc, pending)
				continue
			}
			if e := pending.Front(); e != nil {
				pt := pending.Remove(e).(*pendingToken)
				if err := protocol.WriteDataCmd(dc, protocol.CmdStartForwardTCP); err != nil {
					s.log.Warnw("start-forward-tcp write failed", "service", s.svc.Name, "err", err)
					_ = pt.visitor.Close()
					_ = dc.Close()
					continue
				}
				go s.pairTCP(pt.visitor, dc)
				continue
			}
			// No visitor waiting yet: hold this channel as a warm standby.
			standby.PushBack(dc)
		}
	}
}

func (s *ControlSession) requestDataChannel(pending *list.List) {
	tok, err := protocol.RandomDigest()
	if err != nil {
		s.log.Errorw("generate udp data channel token failed", "err", err)
		return
	}
	pending.PushBack(&pendingToken{token: tok, queued: time.Now()})
	if err := protocol.WriteControlCmd(s.conn, protocol.CmdCreateDataChannel); err != nil {
		s.log.Warnw("create-data-channel write failed", "service", s.svc.Name, "err", err)
	}
}

func (s *ControlSession) installUDPForwarder(ctx context.Context, dc transport.Stream, pending *list.List) {
	if e := pending.Front(); e != nil {
		pending.Remove(e)
	}
	if err := protocol.WriteDataCmd(dc, protocol.CmdStartForwardUDP); err != nil {
		s.log.Warnw("start-forward-udp write failed", "service", s.svc.Name, "err", err)
		_ = dc.Close()
		s.requestDataChannel(pending)
		return
	}
	s.udpSession = forward.NewUDPSession(s.log, dc, s.udpIdleTime)
	go func() {
		listener, err := net.ListenUDP("udp", mustResolveUDP(s.svc.Config.BindAddr))
		if err != nil {
			s.log.Errorw("udp listen failed", "service", s.svc.Name, "bind_addr", s.svc.Config.BindAddr, "err", err)
			return
		}
		defer listener.Close()
		if err := s.udpSession.ServePublic(ctx, listener); err != nil {
			s.log.Infow("udp forwarder ended", "service", s.svc.Name, "err", err)
		}
		// The data channel died: ask Run's goroutine to request a
		// replacement, unless the session itself is already shutting down.
		select {
		case <-s.shutdownCh:
		case s.udpRedial <- struct{}{}:
		default:
		}
	}()
}

func mustResolveUDP(addr string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &net.UDPAddr{}
	}
	return a
}

func (s *ControlSession) pairTCP(visitor net.Conn, dc transport.Stream) {
	pp := s.svc.Config.ProxyProtocol
	if pp != "" {
		if err := writeProxyHeader(dc, pp, visitor); err != nil {
			s.log.Warnw("proxy protocol header write failed", "service", s.svc.Name, "err", err)
			_ = visitor.Close()
			_ = dc.Close()
			return
		}
	}
	if err := forward.TCP(s.log, visitor, dc); err != nil {
		s.log.Debugw("tcp forward ended", "service", s.svc.Name, "err", err)
	}
}

func writeProxyHeader(dc transport.Stream, kind string, visitor net.Conn) error {
	src, srcOK := visitor.RemoteAddr().(*net.TCPAddr)
	dst, dstOK := visitor.LocalAddr().(*net.TCPAddr)
	if !srcOK || !dstOK {
		return nil
	}
	switch kind {
	case "v1":
		hdr, err := proxy.HeaderV1(src, dst)
		if err != nil {
			return err
		}
		_, err = dc.Write([]byte(hdr))
		return err
	case "v2":
		hdr, err := proxy.HeaderV2TCP(src, dst)
		if err != nil {
			return err
		}
		_, err = dc.Write(hdr)
		return err
	default:
		return nil
	}
}

// watchReadLiveness performs bounded reads on the control connection. A
// client never writes anything on a running control channel, so a timeout
// here is the expected steady state, not a failure; only a non-timeout
// error (EOF, reset) or unexpected inbound data signals the session is
// actually dead or violating protocol.
func (s *ControlSession) watchReadLiveness(ctx context.Context, deadCh chan<- error) {
	buf := make([]byte, 1)
	timeout := 2 * s.hbEvery
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		default:
		}
		if tc, ok := s.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = tc.SetReadDeadline(time.Now().Add(timeout))
		}
		n, err := s.conn.Read(buf)
		if err == nil && n > 0 {
			deadCh <- errUnexpectedControlData
			return
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			deadCh <- err
			return
		}
	}
}

var errUnexpectedControlData = errors.New("client sent unexpected data on control channel")
