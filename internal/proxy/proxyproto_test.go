package proxy

import (
	"bytes"
	"net"
	"strings"
	"testing"
)

func TestHeaderV2TCP_IPv4(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 55555}
	dst := &net.TCPAddr{IP: net.ParseIP("5.6.7.8"), Port: 8080}

	got, err := HeaderV2TCP(src, dst)
	if err != nil {
		t.Fatalf("HeaderV2TCP: %v", err)
	}

	wantBytes := []byte{
		0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
		0x21, 0x11, 0x00, 0x0C,
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08,
		0xD9, 0x03, // 55555
		0x1F, 0x90, // 8080
	}
	if !bytes.Equal(got, wantBytes) {
		t.Fatalf("got  %x\nwant %x", got, wantBytes)
	}
	if len(got) != 28 {
		t.Fatalf("header length = %d, want 28", len(got))
	}
}

func TestHeaderV2_MixedFamilyRejected(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 1}
	dst := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 2}
	if _, err := HeaderV2TCP(src, dst); err == nil {
		t.Fatal("expected mixed-family error")
	}
}

func TestHeaderV1Format(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 55555}
	dst := &net.TCPAddr{IP: net.ParseIP("5.6.7.8"), Port: 8080}
	line, err := HeaderV1(src, dst)
	if err != nil {
		t.Fatalf("HeaderV1: %v", err)
	}
	if !strings.HasPrefix(line, "PROXY TCP4 1.2.3.4 5.6.7.8 55555 8080") {
		t.Fatalf("unexpected header: %q", line)
	}
	if !strings.HasSuffix(line, "\r\n") {
		t.Fatalf("header must end in CRLF: %q", line)
	}
}
