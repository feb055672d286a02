package protocol

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestPacketLengthsAreConstant(t *testing.T) {
	d := NewDigest([]byte("default"))

	var helloBuf, authBuf, ackBuf, cCmdBuf, dCmdBuf bytes.Buffer
	if err := WriteHello(&helloBuf, Hello{Variant: HelloControlChannel, Version: CurrentVersion, ID: d}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if err := WriteAuth(&authBuf, Auth{Proof: d}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	if err := WriteAck(&ackBuf, Ack{Variant: AckOk}); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	if err := WriteControlCmd(&cCmdBuf, CmdCreateDataChannel); err != nil {
		t.Fatalf("write control cmd: %v", err)
	}
	if err := WriteDataCmd(&dCmdBuf, CmdStartForwardTCP); err != nil {
		t.Fatalf("write data cmd: %v", err)
	}

	lt := lenTable()
	if helloBuf.Len() != lt.hello {
		t.Fatalf("hello length = %d, want %d", helloBuf.Len(), lt.hello)
	}
	if authBuf.Len() != lt.auth {
		t.Fatalf("auth length = %d, want %d", authBuf.Len(), lt.auth)
	}
	if ackBuf.Len() != lt.ack {
		t.Fatalf("ack length = %d, want %d", ackBuf.Len(), lt.ack)
	}
	if cCmdBuf.Len() != lt.cCmd {
		t.Fatalf("control cmd length = %d, want %d", cCmdBuf.Len(), lt.cCmd)
	}
	if dCmdBuf.Len() != lt.dCmd {
		t.Fatalf("data cmd length = %d, want %d", dCmdBuf.Len(), lt.dCmd)
	}

	// Length must not depend on which variant is encoded.
	var ackBuf2 bytes.Buffer
	_ = WriteAck(&ackBuf2, Ack{Variant: AckAuthFailed})
	if ackBuf2.Len() != ackBuf.Len() {
		t.Fatalf("ack length varies across variants")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	d := NewDigest([]byte("web"))
	var buf bytes.Buffer
	want := Hello{Variant: HelloDataChannel, Version: CurrentVersion, ID: d}
	if err := WriteHello(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadHello(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHelloVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	d := NewDigest([]byte("web"))
	_ = WriteHello(&buf, Hello{Variant: HelloControlChannel, Version: 0, ID: d})

	_, err := ReadHello(&buf)
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
	var mismatch *ErrVersionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *ErrVersionMismatch, got %T (%v)", err, err)
	}
	if mismatch.Expected != CurrentVersion || mismatch.Got != 0 {
		t.Fatalf("unexpected mismatch contents: %+v", mismatch)
	}
}

func TestAckRoundTrip(t *testing.T) {
	for _, v := range []AckVariant{AckOk, AckServiceNotExist, AckAuthFailed} {
		var buf bytes.Buffer
		if err := WriteAck(&buf, Ack{Variant: v}); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := ReadAck(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Variant != v {
			t.Fatalf("got %v, want %v", got.Variant, v)
		}
	}
}

func TestUdpTrafficRoundTripV4(t *testing.T) {
	var buf bytes.Buffer
	want := UdpTraffic{
		From: &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 55555},
		Data: []byte("DEADBEEF"),
	}
	if err := WriteUdpTraffic(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadUdpTraffic(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.From.String() != want.From.String() {
		t.Fatalf("from = %v, want %v", got.From, want.From)
	}
	if !bytes.Equal(got.Data, want.Data) {
		t.Fatalf("data = %q, want %q", got.Data, want.Data)
	}
}

func TestUdpTrafficRoundTripV6(t *testing.T) {
	var buf bytes.Buffer
	want := UdpTraffic{
		From: &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 53},
		Data: []byte{0xCA, 0xFE},
	}
	if err := WriteUdpTraffic(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadUdpTraffic(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.From.(*net.UDPAddr).IP.String() != "2001:db8::1" {
		t.Fatalf("from = %v", got.From)
	}
	if !bytes.Equal(got.Data, want.Data) {
		t.Fatalf("data = %q, want %q", got.Data, want.Data)
	}
}

func TestDigestIsSHA256Width(t *testing.T) {
	d := NewDigest([]byte("anything"))
	if len(d) != 32 {
		t.Fatalf("digest width = %d, want 32", len(d))
	}
}
