package ndpkt

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"
	"github.com/hujun-open/ndpproxy/addr"
)

func sum16(b []byte, acc uint32) uint32 {
	for len(b) >= 2 {
		acc += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		acc += uint32(b[0]) << 8
	}
	return acc
}

func fold(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return uint16(acc)
}

func pseudoHeaderSum(src, dst addr.Address, length int) uint32 {
	s, d := src.As16(), dst.As16()
	acc := sum16(s[:], 0)
	acc = sum16(d[:], acc)
	acc += uint32(length) >> 16
	acc += uint32(length) & 0xffff
	acc += uint32(layers.IPProtocolICMPv6)
	return acc
}

// Checksum computes the ICMPv6 checksum of msg over the IPv6 pseudo header,
// the checksum field of msg is taken as zero.
func Checksum(src, dst addr.Address, msg []byte) uint16 {
	acc := pseudoHeaderSum(src, dst, len(msg))
	if len(msg) >= icmpHeaderLen {
		acc = sum16(msg[:2], acc)
		acc = sum16(msg[4:], acc)
	} else {
		acc = sum16(msg, acc)
	}
	return ^fold(acc)
}

// upperLayer returns the ICMPv6 part of pkt as given by the payload length,
// link-layer padding after it is not part of the message.
func upperLayer(pkt []byte) []byte {
	msg := pkt[IPv6HeaderLen:]
	if n := int(binary.BigEndian.Uint16(pkt[4:6])); n < len(msg) {
		msg = msg[:n]
	}
	return msg
}

// VerifyChecksum checks a full IPv6 packet carrying ICMPv6.
func VerifyChecksum(pkt []byte) bool {
	if len(pkt) < IPv6HeaderLen+icmpHeaderLen {
		return false
	}
	msg := upperLayer(pkt)
	if len(msg) < icmpHeaderLen {
		return false
	}
	src, _ := addr.FromSlice(pkt[8:24])
	dst, _ := addr.FromSlice(pkt[24:40])
	acc := pseudoHeaderSum(src, dst, len(msg))
	return fold(sum16(msg, acc)) == 0xffff
}

// SetChecksum fills the checksum field of a full IPv6 packet.
func SetChecksum(pkt []byte) {
	if len(pkt) < IPv6HeaderLen+icmpHeaderLen {
		return
	}
	src, _ := addr.FromSlice(pkt[8:24])
	dst, _ := addr.FromSlice(pkt[24:40])
	msg := upperLayer(pkt)
	if len(msg) < icmpHeaderLen {
		return
	}
	binary.BigEndian.PutUint16(msg[2:4], Checksum(src, dst, msg))
}
