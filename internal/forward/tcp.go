// Package forward implements the data plane: full-duplex TCP splicing and
// UDP datagram multiplexing over a single data channel.
package forward

import (
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"rtunnel/internal/transport"
)

// TCP splices visitor and dataChannel full-duplex until both directions
// are done. A direction that reaches EOF half-closes its destination, so
// the peer sees EOF while the opposite direction keeps flowing. A
// direction that fails with any other error closes both streams, so the
// other io.Copy can't block forever (e.g. a visitor that aborts
// mid-request: visitor->upstream stops, but upstream->visitor would
// otherwise wait indefinitely).
func TCP(log *zap.SugaredLogger, visitor net.Conn, dataChannel transport.Stream) error {
	errc := make(chan error, 2)

	go func() {
		_, err := io.Copy(dataChannel, visitor)
		_ = closeWrite(dataChannel)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(visitor, dataChannel)
		_ = closeWrite(visitor)
		errc <- err
	}()

	firstErr := <-errc
	if firstErr != nil && !errors.Is(firstErr, io.EOF) {
		_ = dataChannel.Close()
		_ = visitor.Close()
	}
	secondErr := <-errc
	_ = dataChannel.Close()
	_ = visitor.Close()

	if firstErr != nil && !errors.Is(firstErr, io.EOF) {
		return fmt.Errorf("splice: %w", firstErr)
	}
	if secondErr != nil && !errors.Is(secondErr, io.EOF) {
		return fmt.Errorf("splice: %w", secondErr)
	}
	return nil
}

type halfCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) error {
	if hc, ok := c.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return c.Close()
}
