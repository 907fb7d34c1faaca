// ndpkt builds and parses the two ND messages the proxy deals with,
// Neighbor Solicitation (135) and Neighbor Advertisement (136).
package ndpkt

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/hujun-open/ndpproxy/addr"
)

const (
	IPv6HeaderLen = 40
	icmpHeaderLen = 4
	ndBodyLen     = 20
	// MinLen is IPv6 header + ICMPv6 header + reserved/flags + target
	MinLen = IPv6HeaderLen + icmpHeaderLen + ndBodyLen

	// HopLimit must be 255, receivers drop ND with anything else
	HopLimit = 255

	FlagRouter    uint8 = 0x80
	FlagSolicited uint8 = 0x40
	FlagOverride  uint8 = 0x20
)

var (
	ErrTruncated   = errors.New("truncated packet")
	ErrNotICMPv6   = errors.New("next header is not ICMPv6")
	ErrWrongType   = errors.New("unexpected ICMPv6 type")
	ErrBadChecksum = errors.New("bad ICMPv6 checksum")
	ErrMalformed   = errors.New("malformed ND message")
)

// Solicit is a decoded NS.
type Solicit struct {
	Source, Destination, Target addr.Address
	// LinkAddr is the source link-layer address option, nil if absent
	LinkAddr net.HardwareAddr
}

// Advert is a decoded NA.
type Advert struct {
	Source, Destination, Target addr.Address
	Flags                       uint8
	// LinkAddr is the target link-layer address option, nil if absent
	LinkAddr net.HardwareAddr
}

func (a Advert) Router() bool    { return a.Flags&FlagRouter != 0 }
func (a Advert) Solicited() bool { return a.Flags&FlagSolicited != 0 }
func (a Advert) Override() bool  { return a.Flags&FlagOverride != 0 }

func serialize(src, dst addr.Address, typ uint8, msg gopacket.SerializableLayer) ([]byte, error) {
	ip := &layers.IPv6{
		Version:      6,
		TrafficClass: 0,
		NextHeader:   layers.IPProtocolICMPv6,
		HopLimit:     HopLimit,
		SrcIP:        src.Std(),
		DstIP:        dst.Std(),
	}
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(typ, 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, msg); err != nil {
		return nil, fmt.Errorf("failed to serialize ICMPv6 type %d, %w", typ, err)
	}
	return buf.Bytes(), nil
}

func lladdrOption(typ layers.ICMPv6Opt, hw net.HardwareAddr) (layers.ICMPv6Options, error) {
	if len(hw) == 0 {
		return nil, nil
	}
	// option length is counted in units of 8 octets
	if (len(hw)+2)%8 != 0 {
		return nil, fmt.Errorf("unsupported hardware address length %d", len(hw))
	}
	return layers.ICMPv6Options{{Type: typ, Data: []byte(hw)}}, nil
}

// EncodeSolicit returns a NS for target sent from src, along with the
// solicited-node group it must be sent to.
func EncodeSolicit(src, target addr.Address, hw net.HardwareAddr) ([]byte, addr.Address, error) {
	dst := target.SolicitedNode()
	opts, err := lladdrOption(layers.ICMPv6OptSourceAddress, hw)
	if err != nil {
		return nil, dst, err
	}
	ns := &layers.ICMPv6NeighborSolicitation{
		TargetAddress: target.Std(),
		Options:       opts,
	}
	pkt, err := serialize(src, dst, layers.ICMPv6TypeNeighborSolicitation, ns)
	return pkt, dst, err
}

// AdvertDestination is where the answer to a NS from requester goes, a DAD
// probe comes from :: and is answered to all-nodes.
func AdvertDestination(requester addr.Address) addr.Address {
	if requester.IsUnspecified() {
		return addr.AllNodes
	}
	return requester.Host()
}

// EncodeAdvert returns a NA for target from src to dst; Override is always
// set, Solicited only when dst is unicast.
func EncodeAdvert(src, dst, target addr.Address, hw net.HardwareAddr, router bool) ([]byte, error) {
	opts, err := lladdrOption(layers.ICMPv6OptTargetAddress, hw)
	if err != nil {
		return nil, err
	}
	flags := FlagOverride
	if router {
		flags |= FlagRouter
	}
	if !dst.IsMulticast() {
		flags |= FlagSolicited
	}
	na := &layers.ICMPv6NeighborAdvertisement{
		Flags:         flags,
		TargetAddress: target.Std(),
		Options:       opts,
	}
	return serialize(src, dst, layers.ICMPv6TypeNeighborAdvertisement, na)
}

// Decoder reuses its layers between packets, it is not safe for concurrent use.
type Decoder struct {
	verify  bool
	ip      layers.IPv6
	icmp    layers.ICMPv6
	ns      layers.ICMPv6NeighborSolicitation
	na      layers.ICMPv6NeighborAdvertisement
	full    *gopacket.DecodingLayerParser
	msgOnly *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

type DecoderOption func(*Decoder)

// WithVerify makes the decoder check the ICMPv6 checksum of full packets.
func WithVerify(verify bool) DecoderOption {
	return func(d *Decoder) {
		d.verify = verify
	}
}

func NewDecoder(options ...DecoderOption) *Decoder {
	d := &Decoder{verify: true}
	for _, o := range options {
		o(d)
	}
	d.full = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &d.ip, &d.icmp, &d.ns, &d.na)
	d.full.IgnoreUnsupported = true
	d.msgOnly = gopacket.NewDecodingLayerParser(layers.LayerTypeICMPv6, &d.icmp, &d.ns, &d.na)
	d.msgOnly.IgnoreUnsupported = true
	d.decoded = make([]gopacket.LayerType, 0, 4)
	return d
}

func (d *Decoder) checkHeader(raw []byte, typ uint8) error {
	if len(raw) < MinLen {
		return fmt.Errorf("%w, %d bytes", ErrTruncated, len(raw))
	}
	if raw[0]>>4 != 6 {
		return fmt.Errorf("%w, IP version %d", ErrMalformed, raw[0]>>4)
	}
	if raw[6] != uint8(layers.IPProtocolICMPv6) {
		return fmt.Errorf("%w, got %d", ErrNotICMPv6, raw[6])
	}
	if raw[IPv6HeaderLen] != typ {
		return fmt.Errorf("%w, got %d", ErrWrongType, raw[IPv6HeaderLen])
	}
	if d.verify && !VerifyChecksum(raw) {
		return ErrBadChecksum
	}
	return nil
}

func (d *Decoder) decode(parser *gopacket.DecodingLayerParser, raw []byte, want gopacket.LayerType) error {
	if err := parser.DecodeLayers(raw, &d.decoded); err != nil {
		return fmt.Errorf("%w, %v", ErrMalformed, err)
	}
	for _, lt := range d.decoded {
		if lt == want {
			return nil
		}
	}
	return fmt.Errorf("%w, %v not found", ErrTruncated, want)
}

func hwOption(opts layers.ICMPv6Options, typ layers.ICMPv6Opt) net.HardwareAddr {
	for _, o := range opts {
		if o.Type == typ && len(o.Data) >= 6 {
			return net.HardwareAddr(append([]byte(nil), o.Data[:6]...))
		}
	}
	return nil
}

func ipAddr(b net.IP) (addr.Address, error) {
	a, ok := addr.FromSlice(b)
	if !ok {
		return addr.Address{}, fmt.Errorf("%w, address of %d bytes", ErrMalformed, len(b))
	}
	return a, nil
}

// Solicit decodes a full IPv6 packet carrying a NS.
func (d *Decoder) Solicit(raw []byte) (Solicit, error) {
	var r Solicit
	if err := d.checkHeader(raw, layers.ICMPv6TypeNeighborSolicitation); err != nil {
		return r, err
	}
	if err := d.decode(d.full, raw, layers.LayerTypeICMPv6NeighborSolicitation); err != nil {
		return r, err
	}
	var err error
	if r.Source, err = ipAddr(d.ip.SrcIP); err != nil {
		return r, err
	}
	if r.Destination, err = ipAddr(d.ip.DstIP); err != nil {
		return r, err
	}
	if r.Target, err = ipAddr(d.ns.TargetAddress); err != nil {
		return r, err
	}
	r.LinkAddr = hwOption(d.ns.Options, layers.ICMPv6OptSourceAddress)
	return r, nil
}

// Advert decodes a full IPv6 packet carrying a NA.
func (d *Decoder) Advert(raw []byte) (Advert, error) {
	var r Advert
	if err := d.checkHeader(raw, layers.ICMPv6TypeNeighborAdvertisement); err != nil {
		return r, err
	}
	if err := d.decode(d.full, raw, layers.LayerTypeICMPv6NeighborAdvertisement); err != nil {
		return r, err
	}
	var err error
	if r.Source, err = ipAddr(d.ip.SrcIP); err != nil {
		return r, err
	}
	if r.Destination, err = ipAddr(d.ip.DstIP); err != nil {
		return r, err
	}
	return d.fillAdvert(r)
}

func (d *Decoder) fillAdvert(r Advert) (Advert, error) {
	var err error
	if r.Target, err = ipAddr(d.na.TargetAddress); err != nil {
		return r, err
	}
	r.Flags = d.na.Flags
	r.LinkAddr = hwOption(d.na.Options, layers.ICMPv6OptTargetAddress)
	return r, nil
}

// AdvertMessage decodes a NA without IPv6 header, the way a raw ICMPv6
// socket delivers it; src is the sender from the socket address.
func (d *Decoder) AdvertMessage(src addr.Address, msg []byte) (Advert, error) {
	r := Advert{Source: src}
	if len(msg) < icmpHeaderLen+ndBodyLen {
		return r, fmt.Errorf("%w, %d bytes", ErrTruncated, len(msg))
	}
	if msg[0] != layers.ICMPv6TypeNeighborAdvertisement {
		return r, fmt.Errorf("%w, got %d", ErrWrongType, msg[0])
	}
	if err := d.decode(d.msgOnly, msg, layers.LayerTypeICMPv6NeighborAdvertisement); err != nil {
		return r, err
	}
	return d.fillAdvert(r)
}

// DecodeSolicit decodes and verifies a NS packet.
func DecodeSolicit(raw []byte) (Solicit, error) {
	return NewDecoder().Solicit(raw)
}

// DecodeAdvert decodes and verifies a NA packet.
func DecodeAdvert(raw []byte) (Advert, error) {
	return NewDecoder().Advert(raw)
}
