package tuntap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Per-packet header lengths and protocol numbers used by the framing
// adapters. The 4-byte prefixes are the only bit-exact compatibility
// surface of this package.
const (
	packetInfoLen = 4 // Linux IFF_NO_PI off: 2 flag bytes + 2-byte proto
	utunHeaderLen = 4 // macOS utun: 4-byte protocol family

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd

	// Darwin address families, written in network byte order by the
	// utun control plane.
	darwinAFInet  = 2
	darwinAFInet6 = 30

	etherHeaderLen = 14
)

var (
	errTruncatedHeader = errors.New("tuntap: packet shorter than framing header")
	errUnknownProtocol = errors.New("tuntap: cannot determine packet protocol")
)

// framer converts between caller-visible payloads and the byte stream
// crossing the descriptor. Implementations are selected once per
// device at creation time.
type framer interface {
	headerLen() int

	// direct reports that packets cross the descriptor unmodified,
	// letting the device skip the scratch buffer.
	direct() bool

	// frame appends the on-wire form of payload to dst.
	frame(dst, payload []byte) ([]byte, error)

	// deframe returns the caller-visible payload for one raw packet.
	deframe(raw []byte) ([]byte, error)
}

// ipVersionProto maps the version nibble of a raw IP packet to its
// EtherType. Zero-length packets have no protocol; the kernel accepts
// them either way, so callers default to IPv4.
func ipVersionProto(payload []byte) (uint16, error) {
	if len(payload) == 0 {
		return etherTypeIPv4, nil
	}
	switch payload[0] >> 4 {
	case 4:
		return etherTypeIPv4, nil
	case 6:
		return etherTypeIPv6, nil
	default:
		return 0, fmt.Errorf("%w: version nibble %d", errUnknownProtocol, payload[0]>>4)
	}
}

// nopFramer passes packets through untouched (Linux with IFF_NO_PI).
type nopFramer struct{}

func (nopFramer) headerLen() int { return 0 }
func (nopFramer) direct() bool   { return true }

func (nopFramer) frame(dst, payload []byte) ([]byte, error) {
	return append(dst, payload...), nil
}

func (nopFramer) deframe(raw []byte) ([]byte, error) {
	return raw, nil
}

// packetInfoFramer implements the Linux packet-info prefix: two flag
// bytes followed by a two-byte protocol in network byte order.
type packetInfoFramer struct {
	mode Mode
}

func (packetInfoFramer) headerLen() int { return packetInfoLen }
func (packetInfoFramer) direct() bool   { return false }

func (f packetInfoFramer) frame(dst, payload []byte) ([]byte, error) {
	proto, err := f.proto(payload)
	if err != nil {
		return nil, err
	}
	var hdr [packetInfoLen]byte
	binary.BigEndian.PutUint16(hdr[2:], proto)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

func (f packetInfoFramer) proto(payload []byte) (uint16, error) {
	if f.mode == TAP {
		// Ethernet frames carry their own EtherType.
		if len(payload) < etherHeaderLen {
			return 0, errTruncatedHeader
		}
		return binary.BigEndian.Uint16(payload[12:14]), nil
	}
	return ipVersionProto(payload)
}

func (packetInfoFramer) deframe(raw []byte) ([]byte, error) {
	if len(raw) < packetInfoLen {
		return nil, errTruncatedHeader
	}
	return raw[packetInfoLen:], nil
}

// utunFramer implements the macOS utun prefix: a 4-byte protocol
// family in network byte order.
type utunFramer struct{}

func (utunFramer) headerLen() int { return utunHeaderLen }
func (utunFramer) direct() bool   { return false }

func (utunFramer) frame(dst, payload []byte) ([]byte, error) {
	proto, err := ipVersionProto(payload)
	if err != nil {
		return nil, err
	}
	family := uint32(darwinAFInet)
	if proto == etherTypeIPv6 {
		family = darwinAFInet6
	}
	var hdr [utunHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], family)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

func (utunFramer) deframe(raw []byte) ([]byte, error) {
	if len(raw) < utunHeaderLen {
		return nil, errTruncatedHeader
	}
	return raw[utunHeaderLen:], nil
}
