package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"rtunnel/internal/config"
	"rtunnel/internal/protocol"
)

func TestControlSession_VisitorPairsWithDataChannel(t *testing.T) {
	svc := newService(config.ServiceConfig{Name: "web", Kind: "tcp", SharedSecret: "x", BindAddr: "127.0.0.1:0", PoolSize: 1})

	controlClient, controlServer := net.Pipe()
	defer controlClient.Close()

	sess := NewControlSession(zap.NewNop().Sugar(), svc, pipeStream{controlServer}, time.Hour, 16, 60*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	visitorHere, visitorThere := net.Pipe()
	defer visitorHere.Close()

	if !sess.OfferVisitor(visitorThere) {
		t.Fatal("OfferVisitor rejected")
	}

	controlClient.SetReadDeadline(time.Now().Add(time.Second))
	cmd, err := protocol.ReadControlCmd(controlClient)
	if err != nil {
		t.Fatalf("read create-data-channel: %v", err)
	}
	if cmd != protocol.CmdCreateDataChannel {
		t.Fatalf("cmd = %v, want CreateDataChannel", cmd)
	}

	dcHere, dcThere := net.Pipe()
	defer dcHere.Close()

	if !sess.OfferDataChannel(pipeStream{dcThere}) {
		t.Fatal("OfferDataChannel rejected")
	}

	dcHere.SetReadDeadline(time.Now().Add(time.Second))
	dCmd, err := protocol.ReadDataCmd(dcHere)
	if err != nil {
		t.Fatalf("read start-forward-tcp: %v", err)
	}
	if dCmd != protocol.CmdStartForwardTCP {
		t.Fatalf("data cmd = %v, want StartForwardTCP", dCmd)
	}

	msg := []byte("through the tunnel")
	go visitorHere.Write(msg)

	buf := make([]byte, len(msg))
	dcHere.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(dcHere, buf); err != nil {
		t.Fatalf("read spliced payload: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}

func TestControlSession_WarmStandbyDataChannel(t *testing.T) {
	svc := newService(config.ServiceConfig{Name: "web", Kind: "tcp", SharedSecret: "x", BindAddr: "127.0.0.1:0", PoolSize: 2})

	_, controlServer := net.Pipe()
	sess := NewControlSession(zap.NewNop().Sugar(), svc, pipeStream{controlServer}, time.Hour, 16, 60*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	dcHere, dcThere := net.Pipe()
	defer dcHere.Close()

	// Data channel arrives before any visitor: it should be held as a
	// standby, not immediately told to forward anything.
	if !sess.OfferDataChannel(pipeStream{dcThere}) {
		t.Fatal("OfferDataChannel rejected")
	}

	visitorHere, visitorThere := net.Pipe()
	defer visitorHere.Close()
	if !sess.OfferVisitor(visitorThere) {
		t.Fatal("OfferVisitor rejected")
	}

	dcHere.SetReadDeadline(time.Now().Add(time.Second))
	dCmd, err := protocol.ReadDataCmd(dcHere)
	if err != nil {
		t.Fatalf("read start-forward-tcp on standby channel: %v", err)
	}
	if dCmd != protocol.CmdStartForwardTCP {
		t.Fatalf("data cmd = %v, want StartForwardTCP", dCmd)
	}

	msg := []byte("standby path")
	go visitorHere.Write(msg)

	buf := make([]byte, len(msg))
	dcHere.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(dcHere, buf); err != nil {
		t.Fatalf("read spliced payload via standby channel: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}
