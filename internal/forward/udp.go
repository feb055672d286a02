package forward

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtunnel/internal/protocol"
	"rtunnel/internal/transport"
)

// UDPSession multiplexes many visitor peers over a single long-lived data
// channel, framing each datagram with the sender's address so the far end
// can demultiplex back to the right upstream socket.
//
// Server side: one UDPSession per service, reading from the public UDP
// listener and writing UdpTraffic frames into the data channel. Client
// side: one UDPSession per service, reading UdpTraffic frames from the
// data channel and relaying to per-peer upstream sockets, demultiplexed by
// the frame's From address.
type UDPSession struct {
	log         *zap.SugaredLogger
	dataChannel transport.Stream
	idleTimeout time.Duration

	mu    sync.Mutex
	peers map[string]*udpPeer
}

type udpPeer struct {
	addr     net.Addr
	lastSeen time.Time
	// the dedicated upstream socket dialed for this peer (client side only:
	// the server side keeps no peer entries and writes replies back out
	// the public listener via WriteToUDP)
	upstream *net.UDPConn
	cancel   context.CancelFunc
}

// NewUDPSession wraps an established data channel for datagram multiplexing.
func NewUDPSession(log *zap.SugaredLogger, dc transport.Stream, idleTimeout time.Duration) *UDPSession {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &UDPSession{log: log, dataChannel: dc, idleTimeout: idleTimeout, peers: make(map[string]*udpPeer)}
}

// ServePublic runs the server side: datagrams arriving on listener are
// framed and written to the data channel; frames read back from the data
// channel are written out to their origin peer. Blocks until ctx is
// cancelled or an unrecoverable error occurs.
func (s *UDPSession) ServePublic(ctx context.Context, listener *net.UDPConn) error {
	go s.gcLoop(ctx)

	errc := make(chan error, 2)
	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := listener.ReadFromUDP(buf)
			if err != nil {
				errc <- err
				return
			}
			s.touch(addr.String(), addr, nil)
			frame := protocol.UdpTraffic{From: addr, Data: append([]byte(nil), buf[:n]...)}
			if err := protocol.WriteUdpTraffic(s.dataChannel, frame); err != nil {
				errc <- err
				return
			}
		}
	}()
	go func() {
		for {
			frame, err := protocol.ReadUdpTraffic(s.dataChannel)
			if err != nil {
				errc <- err
				return
			}
			udpAddr, ok := frame.From.(*net.UDPAddr)
			if !ok {
				continue
			}
			if _, err := listener.WriteToUDP(frame.Data, udpAddr); err != nil {
				s.log.Debugw("udp write back to visitor failed", "peer", udpAddr, "err", err)
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// ServeUpstream runs the client side: frames read from the data channel are
// relayed to a per-peer upstream UDP socket (dialed lazily, torn down after
// idleTimeout of inactivity); upstream replies are framed back onto the
// data channel tagged with the originating peer address.
func (s *UDPSession) ServeUpstream(ctx context.Context, upstreamAddr string) error {
	go s.gcLoop(ctx)

	for {
		frame, err := protocol.ReadUdpTraffic(s.dataChannel)
		if err != nil {
			return err
		}
		peerKey := frame.From.String()

		s.mu.Lock()
		p, ok := s.peers[peerKey]
		s.mu.Unlock()

		if !ok {
			conn, err := net.Dial("udp", upstreamAddr)
			if err != nil {
				s.log.Warnw("dial udp upstream failed", "upstream", upstreamAddr, "err", err)
				continue
			}
			pctx, cancel := context.WithCancel(ctx)
			p = &udpPeer{addr: frame.From, upstream: conn.(*net.UDPConn), cancel: cancel}
			s.mu.Lock()
			s.peers[peerKey] = p
			s.mu.Unlock()
			go s.pumpUpstreamReplies(pctx, frame.From, p.upstream)
		}
		s.touch(peerKey, frame.From, p.upstream)

		if _, err := p.upstream.Write(frame.Data); err != nil {
			s.log.Debugw("udp write to upstream failed", "upstream", upstreamAddr, "err", err)
		}
	}
}

func (s *UDPSession) pumpUpstreamReplies(ctx context.Context, peer net.Addr, conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		frame := protocol.UdpTraffic{From: peer, Data: append([]byte(nil), buf[:n]...)}
		if err := protocol.WriteUdpTraffic(s.dataChannel, frame); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *UDPSession) touch(key string, addr net.Addr, upstream *net.UDPConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[key]; ok {
		p.lastSeen = time.Now()
		return
	}
	if upstream != nil {
		s.peers[key] = &udpPeer{addr: addr, lastSeen: time.Now(), upstream: upstream}
	}
}

func (s *UDPSession) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for k, p := range s.peers {
				if p.cancel != nil {
					p.cancel()
				}
				if p.upstream != nil {
					_ = p.upstream.Close()
				}
				delete(s.peers, k)
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idleTimeout)
			s.mu.Lock()
			for k, p := range s.peers {
				if p.lastSeen.Before(cutoff) {
					if p.cancel != nil {
						p.cancel()
					}
					if p.upstream != nil {
						_ = p.upstream.Close()
					}
					delete(s.peers, k)
				}
			}
			s.mu.Unlock()
		}
	}
}
