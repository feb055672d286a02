package server

import (
	"context"
	"net"

	"go.uber.org/zap"

	"rtunnel/internal/config"
	"rtunnel/internal/protocol"
	"rtunnel/internal/retry"
	"rtunnel/internal/transport"
)

// Server accepts control and data channel connections on one Transport and
// dispatches them by service digest.
type Server struct {
	log      *zap.SugaredLogger
	cfg      *config.ServerConfig
	services *Table
	tr       transport.Transport
	acceptor transport.Acceptor

	shutdown *retry.Shutdown
}

// New builds a Server from configuration and a bound Transport acceptor.
func New(log *zap.SugaredLogger, cfg *config.ServerConfig, tr transport.Transport, acceptor transport.Acceptor) (*Server, error) {
	table, err := NewTable(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		log:      log,
		cfg:      cfg,
		services: table,
		tr:       tr,
		acceptor: acceptor,
		shutdown: retry.NewShutdown(),
	}, nil
}

// Run accepts connections until ctx is cancelled or Close is called.
func (s *Server) Run(ctx context.Context) error {
	for _, svc := range s.services.byDigest {
		s.startVisitorListener(ctx, svc)
	}

	for {
		stream, err := s.acceptor.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.shutdown.Done():
				return retry.ErrShutdown
			default:
			}
			s.log.Warnw("accept failed", "err", err)
			continue
		}
		go s.handleConn(ctx, stream)
	}
}

// Close stops accepting and signals every live session to shut down.
func (s *Server) Close() error {
	s.shutdown.Fire()
	for _, svc := range s.services.byDigest {
		if sess := svc.currentSession(); sess != nil {
			sess.Close()
		}
	}
	return s.acceptor.Close()
}

func (s *Server) handleConn(ctx context.Context, stream transport.Stream) {
	hello, err := protocol.ReadHello(stream)
	if err != nil {
		s.log.Debugw("dropping connection with bad hello", "err", err)
		_ = stream.Close()
		return
	}

	switch hello.Variant {
	case protocol.HelloControlChannel:
		s.handleControlHello(ctx, stream, hello)
	case protocol.HelloDataChannel:
		s.handleDataHello(stream, hello)
	default:
		_ = stream.Close()
	}
}

func (s *Server) handleControlHello(ctx context.Context, stream transport.Stream, hello protocol.Hello) {
	svc, ok := s.services.Lookup(hello.ID)
	if !ok {
		_ = protocol.WriteAck(stream, protocol.Ack{Variant: protocol.AckServiceNotExist})
		_ = stream.Close()
		return
	}

	nonce, err := protocol.RandomDigest()
	if err != nil {
		s.log.Errorw("generate control nonce failed", "err", err)
		_ = stream.Close()
		return
	}
	if err := protocol.WriteHello(stream, protocol.Hello{Variant: protocol.HelloControlChannel, Version: protocol.CurrentVersion, ID: nonce}); err != nil {
		_ = stream.Close()
		return
	}

	auth, err := protocol.ReadAuth(stream)
	if err != nil {
		_ = stream.Close()
		return
	}
	if !checkAuth(nonce, svc.Config.SharedSecret, auth.Proof) {
		_ = protocol.WriteAck(stream, protocol.Ack{Variant: protocol.AckAuthFailed})
		_ = stream.Close()
		return
	}

	if err := protocol.WriteAck(stream, protocol.Ack{Variant: protocol.AckOk}); err != nil {
		_ = stream.Close()
		return
	}

	sess := NewControlSession(s.log, svc, stream, s.cfg.Heartbeat.Interval, s.cfg.VisitorQueueSize, s.cfg.UDPPeerIdleTimeout)
	if prev, attached := svc.attach(sess); !attached {
		s.log.Infow("replacing existing control session", "service", svc.Name)
		prev.Close()
		svc.detach(prev)
		if _, attached2 := svc.attach(sess); !attached2 {
			_ = stream.Close()
			return
		}
	}

	s.log.Infow("control session established", "service", svc.Name)
	sess.Run(ctx)
}

func (s *Server) handleDataHello(stream transport.Stream, hello protocol.Hello) {
	svc, ok := s.services.Lookup(hello.ID)
	if !ok {
		_ = stream.Close()
		return
	}
	sess := svc.currentSession()
	if sess == nil {
		_ = stream.Close()
		return
	}
	if !sess.OfferDataChannel(stream) {
		_ = stream.Close()
	}
}

func (s *Server) startVisitorListener(ctx context.Context, svc *Service) {
	if svc.Config.Kind != "tcp" {
		return
	}
	ln, err := net.Listen("tcp", svc.Config.BindAddr)
	if err != nil {
		s.log.Errorw("visitor listen failed", "service", svc.Name, "bind_addr", svc.Config.BindAddr, "err", err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		defer ln.Close()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				s.log.Warnw("visitor accept failed", "service", svc.Name, "err", err)
				continue
			}
			sess := svc.currentSession()
			if sess == nil || !sess.OfferVisitor(conn) {
				_ = conn.Close()
			}
		}
	}()
}
