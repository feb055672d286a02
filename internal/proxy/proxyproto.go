package proxy

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Version selects which PROXY protocol preamble, if any, is prepended to
// the upstream socket.
type Version int

const (
	VersionNone Version = iota
	VersionV1
	VersionV2
)

var v2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// HeaderV1 renders the ASCII PROXY protocol v1 line for a TCP connection.
func HeaderV1(src, dst *net.TCPAddr) (string, error) {
	proto := "TCP4"
	if src.IP.To4() == nil {
		proto = "TCP6"
	}
	if (src.IP.To4() == nil) != (dst.IP.To4() == nil) {
		return "", fmt.Errorf("proxy protocol v1: mixed address families")
	}
	return fmt.Sprintf("PROXY %s %s %s %d %d\r\n", proto, src.IP.String(), dst.IP.String(), src.Port, dst.Port), nil
}

// HeaderV2TCP renders the binary PROXY protocol v2 header for a TCP
// connection whose original client address was src and whose local
// (upstream-facing) address was dst.
func HeaderV2TCP(src, dst *net.TCPAddr) ([]byte, error) {
	return headerV2(src.IP, dst.IP, src.Port, dst.Port, true)
}

// HeaderV2UDP renders the binary PROXY protocol v2 header for a UDP flow.
func HeaderV2UDP(src, dst *net.UDPAddr) ([]byte, error) {
	return headerV2(src.IP, dst.IP, src.Port, dst.Port, false)
}

func headerV2(srcIP, dstIP net.IP, srcPort, dstPort int, isTCP bool) ([]byte, error) {
	header := make([]byte, 0, 28)
	header = append(header, v2Signature...)
	header = append(header, 0x21) // version 2, command PROXY
	header = append(header, 0x00) // family/protocol, patched below
	header = append(header, 0x00, 0x0C)

	src4, dst4 := srcIP.To4(), dstIP.To4()
	switch {
	case src4 != nil && dst4 != nil:
		if isTCP {
			header[13] = 0x11
		} else {
			header[13] = 0x12
		}
		header = append(header, src4...)
		header = append(header, dst4...)
	case src4 == nil && dst4 == nil:
		header[14] = 0x00
		header[15] = 0x24
		if isTCP {
			header[13] = 0x21
		} else {
			header[13] = 0x22
		}
		header = append(header, srcIP.To16()...)
		header = append(header, dstIP.To16()...)
	default:
		return nil, fmt.Errorf("proxy protocol v2: mixed IPv4/IPv6 src/dst")
	}

	portBuf := make([]byte, 4)
	binary.BigEndian.PutUint16(portBuf[0:2], uint16(srcPort))
	binary.BigEndian.PutUint16(portBuf[2:4], uint16(dstPort))
	header = append(header, portBuf...)
	return header, nil
}
