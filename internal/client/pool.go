package client

import (
	"context"
	"time"

	"rtunnel/internal/protocol"
)

// maintainPool keeps count idle data channels pre-dialed and authenticated,
// waiting server-side as warm standbys (§ component 6). A slot is refilled
// once the channel holding it finishes serving (forwardTCP/forwardUDP
// return once the visitor disconnects), not when the server assigns it a
// visitor, so count bounds idle and in-use pool channels together: while
// pool channels are carrying visitors, fewer than count standbys are idle.
func (s *Session) maintainPool(ctx context.Context, digest protocol.Digest, count int) {
	sem := make(chan struct{}, count)
	for i := 0; i < count; i++ {
		sem <- struct{}{}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sem:
		}
		dc, err := s.tr.Dial(ctx, s.remote, s.proxyURL)
		if err != nil {
			s.log.Debugw("pool dial failed, retrying", "service", s.cfg.Name, "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			sem <- struct{}{}
			continue
		}
		go func() {
			s.serveDataChannel(ctx, dc, digest)
			select {
			case sem <- struct{}{}:
			default:
			}
		}()
	}
}
