package ndpkt

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/hujun-open/ndpproxy/addr"
	"github.com/stretchr/testify/require"
)

var testMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}

func TestSolicitRoundTrip(t *testing.T) {
	testList := []struct {
		desc   string
		src    string
		target string
	}{
		{desc: "global target", src: "fe80::1", target: "2001:db8::5"},
		{desc: "link local target", src: "fe80::1", target: "fe80::aabb:ccdd:eeff"},
		{desc: "unspecified source", src: "::", target: "2001:db8:1:2:3:4:5:6"},
	}
	for _, c := range testList {
		t.Run(c.desc, func(t *testing.T) {
			src, target := addr.MustParse(c.src), addr.MustParse(c.target)
			pkt, dst, err := EncodeSolicit(src, target, testMAC)
			require.NoError(t, err)
			require.Equal(t, target.SolicitedNode(), dst)
			require.Equal(t, byte(HopLimit), pkt[7])
			require.True(t, VerifyChecksum(pkt))
			ns, err := DecodeSolicit(pkt)
			require.NoError(t, err)
			require.Equal(t, src, ns.Source)
			require.Equal(t, dst, ns.Destination)
			require.Equal(t, target, ns.Target)
			require.Equal(t, testMAC, ns.LinkAddr)
		})
	}
}

func TestAdvertRoundTrip(t *testing.T) {
	testList := []struct {
		desc   string
		dst    string
		router bool
		flags  uint8
	}{
		{desc: "unicast router", dst: "2001:db8::9", router: true, flags: FlagRouter | FlagSolicited | FlagOverride},
		{desc: "unicast host", dst: "2001:db8::9", router: false, flags: FlagSolicited | FlagOverride},
		{desc: "multicast", dst: "ff02::1", router: true, flags: FlagRouter | FlagOverride},
	}
	for _, c := range testList {
		t.Run(c.desc, func(t *testing.T) {
			src, dst, target := addr.MustParse("fe80::1"), addr.MustParse(c.dst), addr.MustParse("2001:db8::5")
			pkt, err := EncodeAdvert(src, dst, target, testMAC, c.router)
			require.NoError(t, err)
			require.True(t, VerifyChecksum(pkt))
			na, err := DecodeAdvert(pkt)
			require.NoError(t, err)
			require.Equal(t, src, na.Source)
			require.Equal(t, dst, na.Destination)
			require.Equal(t, target, na.Target)
			require.Equal(t, c.flags, na.Flags)
			require.Equal(t, c.router, na.Router())
			require.True(t, na.Override())
			require.Equal(t, testMAC, na.LinkAddr)

			msg, err := NewDecoder().AdvertMessage(src, pkt[IPv6HeaderLen:])
			require.NoError(t, err)
			require.Equal(t, target, msg.Target)
			require.Equal(t, c.flags, msg.Flags)
		})
	}
}

func TestAdvertDestination(t *testing.T) {
	require.Equal(t, addr.AllNodes, AdvertDestination(addr.Unspecified))
	require.Equal(t, addr.MustParse("fe80::9"), AdvertDestination(addr.MustParse("fe80::9")))
}

func TestChecksumFlip(t *testing.T) {
	pkt, _, err := EncodeSolicit(addr.MustParse("fe80::1"), addr.MustParse("2001:db8::5"), testMAC)
	require.NoError(t, err)
	// addresses and the whole ICMPv6 message are covered
	for i := 8; i < len(pkt); i++ {
		buf := append([]byte(nil), pkt...)
		buf[i] ^= 0x5a
		require.False(t, VerifyChecksum(buf), "flipped byte %d", i)
	}
	buf := append([]byte(nil), pkt...)
	buf[len(buf)-1] ^= 0x01
	_, err = DecodeSolicit(buf)
	require.True(t, errors.Is(err, ErrBadChecksum))
}

func TestChecksumIgnoresPadding(t *testing.T) {
	target := addr.MustParse("2001:db8::5")
	pkt, _, err := EncodeSolicit(addr.MustParse("fe80::1"), target, testMAC)
	require.NoError(t, err)
	// trailer bytes left by the link layer
	padded := append(append([]byte(nil), pkt...), 0xaa, 0xbb, 0xcc, 0, 0, 0)
	require.True(t, VerifyChecksum(padded))
	ns, err := DecodeSolicit(padded)
	require.NoError(t, err)
	require.Equal(t, target, ns.Target)

	cp := append([]byte(nil), padded...)
	cp[IPv6HeaderLen+2], cp[IPv6HeaderLen+3] = 0, 0
	SetChecksum(cp)
	require.Equal(t, padded, cp)

	short := append([]byte(nil), pkt...)
	binary.BigEndian.PutUint16(short[4:6], 2)
	require.False(t, VerifyChecksum(short))
}

func TestChecksumMatchesGopacket(t *testing.T) {
	src, dst := addr.MustParse("fe80::1"), addr.MustParse("ff02::1:ff00:5")
	ip := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolICMPv6, HopLimit: 255, SrcIP: src.Std(), DstIP: dst.Std()}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0)}
	require.NoError(t, icmp.SetNetworkLayerForChecksum(ip))
	ns := &layers.ICMPv6NeighborSolicitation{TargetAddress: net.ParseIP("2001:db8::5")}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ip, icmp, ns))
	pkt := buf.Bytes()
	msg := pkt[IPv6HeaderLen:]
	require.Equal(t, binary.BigEndian.Uint16(msg[2:4]), Checksum(src, dst, msg))

	cp := append([]byte(nil), pkt...)
	cp[IPv6HeaderLen+2], cp[IPv6HeaderLen+3] = 0, 0
	SetChecksum(cp)
	require.Equal(t, pkt, cp)
}

func TestDecodeErrors(t *testing.T) {
	ns, _, err := EncodeSolicit(addr.MustParse("fe80::1"), addr.MustParse("2001:db8::5"), testMAC)
	require.NoError(t, err)
	na, err := EncodeAdvert(addr.MustParse("fe80::1"), addr.MustParse("fe80::2"), addr.MustParse("2001:db8::5"), testMAC, true)
	require.NoError(t, err)

	notICMP := append([]byte(nil), ns...)
	notICMP[6] = uint8(layers.IPProtocolUDP)

	badOpt := append([]byte(nil), ns...)
	// zero length option
	badOpt[MinLen+1] = 0
	SetChecksum(badOpt)

	testList := []struct {
		desc   string
		raw    []byte
		advert bool
		err    error
	}{
		{desc: "empty", raw: nil, err: ErrTruncated},
		{desc: "short", raw: ns[:MinLen-1], err: ErrTruncated},
		{desc: "not icmpv6", raw: notICMP, err: ErrNotICMPv6},
		{desc: "NA as NS", raw: na, err: ErrWrongType},
		{desc: "NS as NA", raw: ns, advert: true, err: ErrWrongType},
		{desc: "zero length option", raw: badOpt, err: ErrMalformed},
	}
	for _, c := range testList {
		t.Run(c.desc, func(t *testing.T) {
			var err error
			if c.advert {
				_, err = DecodeAdvert(c.raw)
			} else {
				_, err = DecodeSolicit(c.raw)
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, c.err), "got %v", err)
		})
	}

	_, err = NewDecoder().AdvertMessage(addr.MustParse("fe80::2"), na[IPv6HeaderLen:IPv6HeaderLen+10])
	require.True(t, errors.Is(err, ErrTruncated))
	_, err = NewDecoder().AdvertMessage(addr.MustParse("fe80::2"), ns[IPv6HeaderLen:])
	require.True(t, errors.Is(err, ErrWrongType))
}

func TestDecoderWithoutVerify(t *testing.T) {
	pkt, _, err := EncodeSolicit(addr.MustParse("fe80::1"), addr.MustParse("2001:db8::5"), testMAC)
	require.NoError(t, err)
	pkt[IPv6HeaderLen+2] ^= 0xff
	_, err = NewDecoder(WithVerify(false)).Solicit(pkt)
	require.NoError(t, err)
}
