package transport

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Noise wraps a TCP connection in an ephemeral X25519 key exchange
// followed by a chacha20poly1305-AEAD-encrypted length-prefixed record
// layer. It gives the tunnel confidentiality without needing a
// certificate authority, at the cost of MITM resistance beyond what the
// control channel's shared-secret auth already provides.
type Noise struct{}

func (Noise) Bind(ctx context.Context, addr string) (Acceptor, error) {
	inner, err := TCP{}.Bind(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &noiseAcceptor{inner: inner}, nil
}

func (Noise) Dial(ctx context.Context, addr string, proxyURL *url.URL) (Stream, error) {
	raw, err := TCP{}.Dial(ctx, addr, proxyURL)
	if err != nil {
		return nil, err
	}
	return noiseHandshake(ctx, raw, true)
}

type noiseAcceptor struct {
	inner Acceptor
}

func (a *noiseAcceptor) Accept(ctx context.Context) (Stream, error) {
	raw, err := a.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	s, err := noiseHandshake(ctx, raw, false)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return s, nil
}

func (a *noiseAcceptor) Addr() net.Addr { return a.inner.Addr() }
func (a *noiseAcceptor) Close() error   { return a.inner.Close() }

// noiseHandshake performs an unauthenticated ephemeral X25519 exchange and
// derives separate send/receive AEADs from the shared secret, keyed by
// who dialled, so both sides agree on which key encrypts which direction.
func noiseHandshake(ctx context.Context, under Stream, initiator bool) (Stream, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("noise: generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("noise: derive public key: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = under.SetDeadline(deadline)
		defer under.SetDeadline(time.Time{})
	}

	peerPub := make([]byte, curve25519.PointSize)
	var wErr, rErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, wErr = under.Write(pub) }()
	go func() { defer wg.Done(); _, rErr = io.ReadFull(under, peerPub) }()
	wg.Wait()
	if wErr != nil {
		return nil, fmt.Errorf("noise: send ephemeral key: %w", wErr)
	}
	if rErr != nil {
		return nil, fmt.Errorf("noise: receive ephemeral key: %w", rErr)
	}

	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("noise: compute shared secret: %w", err)
	}

	initToResp := sha256.Sum256(append(append([]byte{}, shared...), []byte("rtunnel-noise-i2r")...))
	respToInit := sha256.Sum256(append(append([]byte{}, shared...), []byte("rtunnel-noise-r2i")...))

	sendKey, recvKey := respToInit, initToResp
	if initiator {
		sendKey, recvKey = initToResp, respToInit
	}

	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("noise: build send aead: %w", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, fmt.Errorf("noise: build recv aead: %w", err)
	}

	return &noiseStream{
		Stream:    under,
		sendAEAD:  sendAEAD,
		recvAEAD:  recvAEAD,
		sendNonce: newNonceCounter(),
		recvNonce: newNonceCounter(),
	}, nil
}

// nonceCounter produces monotonically increasing AEAD nonces; both peers
// start at zero and the two directions use independently keyed AEADs, so
// reuse across directions cannot collide.
type nonceCounter struct {
	mu      sync.Mutex
	counter uint64
}

func newNonceCounter() *nonceCounter { return &nonceCounter{} }

func (n *nonceCounter) next(size int) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], n.counter)
	n.counter++
	return nonce
}

type noiseStream struct {
	Stream
	sendAEAD, recvAEAD   cipher.AEAD
	sendNonce, recvNonce *nonceCounter

	readBuf []byte
}

const noiseMaxRecord = 1 << 16

func (s *noiseStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > noiseMaxRecord-s.sendAEAD.Overhead() {
			chunk = chunk[:noiseMaxRecord-s.sendAEAD.Overhead()]
		}
		nonce := s.sendNonce.next(s.sendAEAD.NonceSize())
		sealed := s.sendAEAD.Seal(nil, nonce, chunk, nil)

		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(sealed)))
		if _, err := s.Stream.Write(lenBuf); err != nil {
			return total, fmt.Errorf("noise: write record length: %w", err)
		}
		if _, err := s.Stream.Write(sealed); err != nil {
			return total, fmt.Errorf("noise: write record: %w", err)
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *noiseStream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(s.Stream, lenBuf); err != nil {
			return 0, err
		}
		sealed := make([]byte, binary.BigEndian.Uint16(lenBuf))
		if _, err := io.ReadFull(s.Stream, sealed); err != nil {
			return 0, fmt.Errorf("noise: read record: %w", err)
		}
		nonce := s.recvNonce.next(s.recvAEAD.NonceSize())
		plain, err := s.recvAEAD.Open(nil, nonce, sealed, nil)
		if err != nil {
			return 0, fmt.Errorf("noise: decrypt record: %w", err)
		}
		s.readBuf = plain
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *noiseStream) CloseWrite() error { return s.Stream.CloseWrite() }
