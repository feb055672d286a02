// Package protocol implements rtunnel's wire format: the fixed-shape
// hello/auth/command messages exchanged on control and data channels, and
// the length-prefixed UDP traffic frame.
package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// DigestWidth is the width, in bytes, of every hashed identifier on the wire.
const DigestWidth = 32

// CurrentVersion is the protocol version this build speaks. Version 0
// existed historically and is always rejected.
const CurrentVersion uint8 = 1

// Digest is a SHA-256 output, used for service ids, session nonces, tokens
// and auth proofs alike.
type Digest [DigestWidth]byte

// NewDigest hashes data into a Digest.
func NewDigest(data ...[]byte) Digest {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// RandomDigest fills a Digest with cryptographically random bytes, used for
// session nonces and data-channel tokens.
func RandomDigest() (Digest, error) {
	var d Digest
	if _, err := io.ReadFull(rand.Reader, d[:]); err != nil {
		return Digest{}, fmt.Errorf("generate random digest: %w", err)
	}
	return d, nil
}

// HelloVariant distinguishes the two Hello flavors.
type HelloVariant uint8

const (
	HelloControlChannel HelloVariant = iota
	HelloDataChannel
)

// Hello is the first message on every control or data channel connection.
type Hello struct {
	Variant HelloVariant
	Version uint8
	ID      Digest // digest(service name) or nonce for control; digest(service name) for data
}

// Auth carries the proof of knowledge of a service's shared secret.
type Auth struct {
	Proof Digest
}

// AckVariant is the server's reply to a control-channel authentication
// attempt.
type AckVariant uint8

const (
	AckOk AckVariant = iota
	AckServiceNotExist
	AckAuthFailed
)

func (a AckVariant) String() string {
	switch a {
	case AckOk:
		return "Ok"
	case AckServiceNotExist:
		return "service does not exist"
	case AckAuthFailed:
		return "auth failed"
	default:
		return "unknown ack"
	}
}

// Ack wraps an AckVariant so it round-trips through the same Read/Write
// pair as the other fixed-shape messages.
type Ack struct {
	Variant AckVariant
}

// ControlChannelCmd is sent from server to client on a running control
// channel.
type ControlChannelCmd uint8

const (
	CmdCreateDataChannel ControlChannelCmd = iota
	CmdHeartBeat
)

// DataChannelCmd tells a freshly authenticated data channel what to do.
type DataChannelCmd uint8

const (
	CmdStartForwardTCP DataChannelCmd = iota
	CmdStartForwardUDP
)

// packetLen is the precomputed, process-wide table of fixed message
// lengths. It is built once, lazily, on first use and never mutated
// afterward.
type packetLen struct {
	hello int
	auth  int
	ack   int
	cCmd  int
	dCmd  int
}

var (
	lenOnce sync.Once
	lens    packetLen
)

func lenTable() packetLen {
	lenOnce.Do(func() {
		lens = packetLen{
			hello: 1 + 1 + DigestWidth,
			auth:  DigestWidth,
			ack:   1,
			cCmd:  1,
			dCmd:  1,
		}
	})
	return lens
}

// ErrVersionMismatch is returned when a peer's Hello advertises a protocol
// version this build does not speak.
type ErrVersionMismatch struct {
	Expected, Got uint8
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("protocol version mismatch: expected %d, got %d", e.Expected, e.Got)
}

// WriteHello encodes and writes a Hello.
func WriteHello(w io.Writer, h Hello) error {
	buf := make([]byte, lenTable().hello)
	buf[0] = byte(h.Variant)
	buf[1] = h.Version
	copy(buf[2:], h.ID[:])
	return writeAll(w, buf)
}

// ReadHello reads and decodes a Hello, rejecting any non-current protocol
// version.
func ReadHello(r io.Reader) (Hello, error) {
	buf := make([]byte, lenTable().hello)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	h := Hello{Variant: HelloVariant(buf[0]), Version: buf[1]}
	copy(h.ID[:], buf[2:])
	if h.Version != CurrentVersion {
		return h, &ErrVersionMismatch{Expected: CurrentVersion, Got: h.Version}
	}
	return h, nil
}

// WriteAuth encodes and writes an Auth.
func WriteAuth(w io.Writer, a Auth) error {
	return writeAll(w, a.Proof[:])
}

// ReadAuth reads and decodes an Auth.
func ReadAuth(r io.Reader) (Auth, error) {
	buf := make([]byte, lenTable().auth)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Auth{}, fmt.Errorf("read auth: %w", err)
	}
	var a Auth
	copy(a.Proof[:], buf)
	return a, nil
}

// WriteAck encodes and writes an Ack.
func WriteAck(w io.Writer, a Ack) error {
	return writeAll(w, []byte{byte(a.Variant)})
}

// ReadAck reads and decodes an Ack.
func ReadAck(r io.Reader) (Ack, error) {
	buf := make([]byte, lenTable().ack)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Ack{}, fmt.Errorf("read ack: %w", err)
	}
	return Ack{Variant: AckVariant(buf[0])}, nil
}

// WriteControlCmd encodes and writes a ControlChannelCmd.
func WriteControlCmd(w io.Writer, c ControlChannelCmd) error {
	return writeAll(w, []byte{byte(c)})
}

// ReadControlCmd reads and decodes a ControlChannelCmd.
func ReadControlCmd(r io.Reader) (ControlChannelCmd, error) {
	buf := make([]byte, lenTable().cCmd)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("read control cmd: %w", err)
	}
	return ControlChannelCmd(buf[0]), nil
}

// WriteDataCmd encodes and writes a DataChannelCmd.
func WriteDataCmd(w io.Writer, c DataChannelCmd) error {
	return writeAll(w, []byte{byte(c)})
}

// ReadDataCmd reads and decodes a DataChannelCmd.
func ReadDataCmd(r io.Reader) (DataChannelCmd, error) {
	buf := make([]byte, lenTable().dCmd)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("read data cmd: %w", err)
	}
	return DataChannelCmd(buf[0]), nil
}

// UdpTraffic is one multiplexed UDP datagram plus the peer address it
// came from (server->client) or must be sent back to (client->server).
type UdpTraffic struct {
	From net.Addr
	Data []byte
}

// encodedAddr renders a net.Addr as (family byte, ip bytes, port) for the
// wire; family is 4 or 6.
func encodedAddr(addr net.Addr) (family byte, ip []byte, port uint16, err error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		host, portStr, e := net.SplitHostPort(addr.String())
		if e != nil {
			return 0, nil, 0, fmt.Errorf("unroutable addr %q: %w", addr.String(), e)
		}
		udpAddr = &net.UDPAddr{IP: net.ParseIP(host)}
		fmt.Sscanf(portStr, "%d", &port)
	} else {
		port = uint16(udpAddr.Port)
	}
	if v4 := udpAddr.IP.To4(); v4 != nil {
		return 4, v4, port, nil
	}
	if v6 := udpAddr.IP.To16(); v6 != nil {
		return 6, v6, port, nil
	}
	return 0, nil, 0, fmt.Errorf("address %v has neither v4 nor v6 form", addr)
}

// WriteUdpTraffic writes the u8 header-length, the UdpHeader (family, ip,
// port, payload length), then the payload.
func WriteUdpTraffic(w io.Writer, t UdpTraffic) error {
	family, ip, port, err := encodedAddr(t.From)
	if err != nil {
		return fmt.Errorf("encode udp traffic header: %w", err)
	}
	if len(t.Data) > 0xFFFF {
		return fmt.Errorf("udp payload too large: %d bytes", len(t.Data))
	}

	hdr := make([]byte, 1+len(ip)+2+2)
	hdr[0] = family
	copy(hdr[1:], ip)
	binary.BigEndian.PutUint16(hdr[1+len(ip):], port)
	binary.BigEndian.PutUint16(hdr[1+len(ip)+2:], uint16(len(t.Data)))

	if len(hdr) > 0xFF {
		return fmt.Errorf("udp header unexpectedly large: %d bytes", len(hdr))
	}

	out := make([]byte, 0, 1+len(hdr)+len(t.Data))
	out = append(out, byte(len(hdr)))
	out = append(out, hdr...)
	out = append(out, t.Data...)
	return writeAll(w, out)
}

// ReadUdpTraffic reads one length-prefixed UdpTraffic frame.
func ReadUdpTraffic(r io.Reader) (UdpTraffic, error) {
	var hdrLenBuf [1]byte
	if _, err := io.ReadFull(r, hdrLenBuf[:]); err != nil {
		return UdpTraffic{}, fmt.Errorf("read udp header length: %w", err)
	}
	hdr := make([]byte, hdrLenBuf[0])
	if _, err := io.ReadFull(r, hdr); err != nil {
		return UdpTraffic{}, fmt.Errorf("read udp header: %w", err)
	}
	if len(hdr) < 5 {
		return UdpTraffic{}, fmt.Errorf("udp header too short: %d bytes", len(hdr))
	}
	family := hdr[0]
	var ipLen int
	switch family {
	case 4:
		ipLen = 4
	case 6:
		ipLen = 16
	default:
		return UdpTraffic{}, fmt.Errorf("unknown udp address family byte %d", family)
	}
	if len(hdr) != 1+ipLen+2+2 {
		return UdpTraffic{}, fmt.Errorf("udp header length %d inconsistent with family %d", len(hdr), family)
	}
	ip := net.IP(append([]byte(nil), hdr[1:1+ipLen]...))
	port := binary.BigEndian.Uint16(hdr[1+ipLen:])
	dataLen := binary.BigEndian.Uint16(hdr[1+ipLen+2:])

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return UdpTraffic{}, fmt.Errorf("read udp payload: %w", err)
	}

	return UdpTraffic{From: &net.UDPAddr{IP: ip, Port: int(port)}, Data: data}, nil
}

func writeAll(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
