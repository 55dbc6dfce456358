package socket

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/ipv4"
)

const (
	udpHeaderLen = 8
	protoUDP     = 17
)

// UDPChecksum computes the RFC 768 checksum of the UDP datagram carried in
// the raw IPv4 packet, treating the stored checksum field as zero.
func UDPChecksum(packet []byte) (uint16, error) {
	h, udp, err := splitUDP(packet)
	if err != nil {
		return 0, err
	}

	var sum uint32
	sum += sumWords(h.Src.To4())
	sum += sumWords(h.Dst.To4())
	sum += protoUDP
	sum += uint32(len(udp))

	// Checksum field (bytes 6-7) counts as zero.
	sum += sumWords(udp[:6])
	sum += sumWords(udp[8:])

	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	cs := ^uint16(sum)
	if cs == 0 {
		cs = 0xffff
	}
	return cs, nil
}

// CheckUDPChecksum reports whether the stored checksum matches. A zero
// checksum means the sender did not compute one and is accepted.
func CheckUDPChecksum(packet []byte) (bool, error) {
	_, udp, err := splitUDP(packet)
	if err != nil {
		return false, err
	}
	stored := binary.BigEndian.Uint16(udp[6:8])
	if stored == 0 {
		return true, nil
	}
	cs, err := UDPChecksum(packet)
	if err != nil {
		return false, err
	}
	return cs == stored, nil
}

// SetUDPChecksum writes the computed checksum into the packet in place.
func SetUDPChecksum(packet []byte) error {
	cs, err := UDPChecksum(packet)
	if err != nil {
		return err
	}
	_, udp, _ := splitUDP(packet)
	binary.BigEndian.PutUint16(udp[6:8], cs)
	return nil
}

func splitUDP(packet []byte) (*ipv4.Header, []byte, error) {
	h, err := ipv4.ParseHeader(packet)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing IPv4 header: %w", err)
	}
	if h.Protocol != protoUDP {
		return nil, nil, fmt.Errorf("protocol %d is not UDP", h.Protocol)
	}
	if len(packet) < h.Len+udpHeaderLen {
		return nil, nil, fmt.Errorf("packet too short for UDP header: %d bytes", len(packet))
	}
	udp := packet[h.Len:]
	ulen := int(binary.BigEndian.Uint16(udp[4:6]))
	if ulen < udpHeaderLen || ulen > len(udp) {
		return nil, nil, fmt.Errorf("invalid UDP length %d", ulen)
	}
	return h, udp[:ulen], nil
}

func sumWords(b []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}
