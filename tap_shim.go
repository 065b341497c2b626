package tuntap

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// tapShim emulates TAP framing on platforms whose kernels only provide
// point-to-point TUN machinery (macOS utun). Callers see Ethernet
// frames; the wire carries utun packets. The link-layer wrapper is
// synthesized locally: the kernel has no TAP convention to follow, so
// the shim fabricates one stable MAC per side of the link.
//
// Because the underlying interface is point-to-point, IPv4 packets
// addressed to the configured broadcast address are remapped to the
// configured peer so that delivery matches broadcast semantics on a
// real TAP device.
type tapShim struct {
	inner     utunFramer
	localMAC  [6]byte
	peerMAC   [6]byte
	peer      netip.Addr
	broadcast netip.Addr
}

func newTapShim(name string, peer, broadcast netip.Addr) *tapShim {
	return &tapShim{
		localMAC:  shimMAC(name, 0),
		peerMAC:   shimMAC(name, 1),
		peer:      peer,
		broadcast: broadcast,
	}
}

// shimMAC derives a deterministic locally-administered unicast MAC
// from the interface name and the side of the link.
func shimMAC(name string, side byte) [6]byte {
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{side})
	sum := h.Sum64()

	var mac [6]byte
	binary.BigEndian.PutUint32(mac[2:], uint32(sum))
	mac[1] = byte(sum >> 32)
	mac[0] = 0x02 // locally administered, unicast
	return mac
}

// LocalMAC is the address the shim stamps as destination on frames
// delivered to the caller.
func (s *tapShim) LocalMAC() [6]byte { return s.localMAC }

// PeerMAC is the address the shim stamps as source on frames delivered
// to the caller.
func (s *tapShim) PeerMAC() [6]byte { return s.peerMAC }

func (s *tapShim) headerLen() int { return utunHeaderLen }
func (s *tapShim) direct() bool   { return false }

func (s *tapShim) frame(dst, payload []byte) ([]byte, error) {
	if len(payload) < etherHeaderLen {
		return nil, errTruncatedHeader
	}
	etherType := binary.BigEndian.Uint16(payload[12:14])
	packet := payload[etherHeaderLen:]

	switch etherType {
	case etherTypeIPv4:
		remapped, err := s.remapBroadcast(packet)
		if err != nil {
			return nil, err
		}
		packet = remapped
	case etherTypeIPv6:
	default:
		// ARP and friends have no meaning on a point-to-point link.
		return nil, fmt.Errorf("tuntap: ethertype %#04x cannot cross a tap shim", etherType)
	}

	return s.inner.frame(dst, packet)
}

func (s *tapShim) deframe(raw []byte) ([]byte, error) {
	packet, err := s.inner.deframe(raw)
	if err != nil {
		return nil, err
	}
	etherType, err := ipVersionProto(packet)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, etherHeaderLen+len(packet))
	copy(frame[0:6], s.localMAC[:])
	copy(frame[6:12], s.peerMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[etherHeaderLen:], packet)
	return frame, nil
}

// remapBroadcast rewrites the destination of IPv4 packets addressed to
// the configured broadcast address onto the configured peer,
// recomputing the header checksum. Anything else passes through.
func (s *tapShim) remapBroadcast(packet []byte) ([]byte, error) {
	if !s.broadcast.IsValid() || !s.peer.IsValid() {
		return packet, nil
	}
	hdr, err := ipv4.ParseHeader(packet)
	if err != nil {
		return nil, fmt.Errorf("tuntap: bad IPv4 packet through tap shim: %w", err)
	}
	dst, ok := netip.AddrFromSlice(hdr.Dst.To4())
	if !ok || dst != s.broadcast {
		return packet, nil
	}
	if hdr.Len > len(packet) {
		return nil, errTruncatedHeader
	}

	out := make([]byte, len(packet))
	copy(out, packet)
	peer := s.peer.As4()
	copy(out[16:20], peer[:])
	out[10], out[11] = 0, 0
	binary.BigEndian.PutUint16(out[10:12], ipv4Checksum(out[:hdr.Len]))
	return out, nil
}

// ipv4Checksum is the ones-complement sum over the header bytes with
// the checksum field already zeroed.
func ipv4Checksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	if len(hdr)%2 == 1 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
