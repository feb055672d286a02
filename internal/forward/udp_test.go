package forward

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"rtunnel/internal/protocol"
)

func TestUDPSession_ServeUpstream_EchoesBack(t *testing.T) {
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echo.Close()

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(buf[:n], addr)
		}
	}()

	dcA, dcB := net.Pipe()
	defer dcA.Close()
	defer dcB.Close()

	log := zap.NewNop().Sugar()
	sess := NewUDPSession(log, pipeStream{dcB}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.ServeUpstream(ctx, echo.LocalAddr().String())

	peer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5555}
	payload := []byte("ping")
	if err := protocol.WriteUdpTraffic(dcA, protocol.UdpTraffic{From: peer, Data: payload}); err != nil {
		t.Fatalf("write udp traffic: %v", err)
	}

	dcA.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.ReadUdpTraffic(dcA)
	if err != nil {
		t.Fatalf("read echoed udp traffic: %v", err)
	}
	if string(frame.Data) != string(payload) {
		t.Fatalf("got %q, want %q", frame.Data, payload)
	}
	gotAddr, ok := frame.From.(*net.UDPAddr)
	if !ok || gotAddr.Port != peer.Port {
		t.Fatalf("echoed frame addr = %v, want peer port %d", frame.From, peer.Port)
	}
}
