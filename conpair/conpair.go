// conpair provides interfaces backed by socket pairs instead of kernel
// links, so the proxy can be run against a scripted network.
package conpair

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
	"github.com/hujun-open/ndpproxy/addr"
	"github.com/hujun-open/ndpproxy/iface"
	"github.com/hujun-open/ndpproxy/ndpkt"
	"github.com/hujun-open/ndpproxy/sock"
	"golang.org/x/sys/unix"
)

// NewSocketPair returns two connected datagram sockets, what one writes the
// other reads.
func NewSocketPair(name string) (A, B *sock.Socket, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create socket pair for %v, %w", name, err)
	}
	A, err = sock.FromConnectedFd(fds[0], name+"/a")
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	B, err = sock.FromConnectedFd(fds[1], name+"/b")
	if err != nil {
		A.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return A, B, nil
}

// Link is the wire side of a fake interface: the ICMPv6 and packet sockets
// handed to the registry have their peers here.
type Link struct {
	Info     iface.LinkInfo
	ICMP     *sock.Socket
	Packet   *sock.Socket
	Allmulti bool
	dec      *ndpkt.Decoder
}

// InjectSolicit puts a NS from src to dst for target on the wire, as if a
// neighbor had sent it.
func (l *Link) InjectSolicit(src, dst, target addr.Address, hw net.HardwareAddr) error {
	if l.Packet == nil {
		return fmt.Errorf("%v is not capturing", l.Info.Name)
	}
	pkt, sn, err := ndpkt.EncodeSolicit(src, target, hw)
	if err != nil {
		return err
	}
	if !dst.IsValid() {
		dst = sn
	} else if dst != sn {
		// rewrite the destination and fix up the checksum
		d := dst.As16()
		copy(pkt[24:40], d[:])
		ndpkt.SetChecksum(pkt)
	}
	frame := make([]byte, 14, 14+len(pkt))
	copy(frame[0:6], []byte{0x33, 0x33, 0xff, 0, 0, 0})
	copy(frame[6:12], hw)
	frame[12], frame[13] = 0x86, 0xdd
	return l.Packet.Write(append(frame, pkt...), nil)
}

// InjectAdvert puts a NA for target on the wire, the way a raw ICMPv6
// socket would deliver it.
func (l *Link) InjectAdvert(src, target addr.Address, hw net.HardwareAddr) error {
	pkt, err := ndpkt.EncodeAdvert(src, l.Info.LinkLocal, target, hw, false)
	if err != nil {
		return err
	}
	return l.ICMP.Write(pkt[ndpkt.IPv6HeaderLen:], nil)
}

// Sent is a packet the interface put on the wire.
type Sent struct {
	Solicit *ndpkt.Solicit
	Advert  *ndpkt.Advert
}

// ReadSent returns everything the interface has sent so far.
func (l *Link) ReadSent() ([]Sent, error) {
	var r []Sent
	if l.ICMP == nil {
		return nil, fmt.Errorf("%v is not open", l.Info.Name)
	}
	for {
		pkt, _, err := l.ICMP.Read()
		if errors.Is(err, sock.ErrNoData) {
			return r, nil
		}
		if err != nil {
			return r, err
		}
		if len(pkt) <= ndpkt.IPv6HeaderLen {
			return r, fmt.Errorf("short packet of %d bytes sent on %v", len(pkt), l.Info.Name)
		}
		switch pkt[ndpkt.IPv6HeaderLen] {
		case layers.ICMPv6TypeNeighborSolicitation:
			ns, err := l.dec.Solicit(pkt)
			if err != nil {
				return r, err
			}
			r = append(r, Sent{Solicit: &ns})
		case layers.ICMPv6TypeNeighborAdvertisement:
			na, err := l.dec.Advert(pkt)
			if err != nil {
				return r, err
			}
			r = append(r, Sent{Advert: &na})
		default:
			return r, fmt.Errorf("unexpected ICMPv6 type %d sent on %v", pkt[ndpkt.IPv6HeaderLen], l.Info.Name)
		}
	}
}

func (l *Link) close() {
	if l.ICMP != nil {
		l.ICMP.Close()
		l.ICMP = nil
	}
	if l.Packet != nil {
		l.Packet.Close()
		l.Packet = nil
	}
}

// System implements iface.System over socket pairs.
type System struct {
	links     map[string]*Link
	nextIndex int
	// Fail makes opening the named interfaces fail
	Fail map[string]error
}

// NewSystem returns a system with the named links, each with a generated
// MAC and link-local address.
func NewSystem(names ...string) *System {
	s := &System{
		links:     make(map[string]*Link),
		nextIndex: 1,
		Fail:      make(map[string]error),
	}
	for _, n := range names {
		s.AddLink(n)
	}
	return s
}

// AddLink adds a link called name.
func (s *System) AddLink(name string) *Link {
	idx := s.nextIndex
	s.nextIndex++
	hw := net.HardwareAddr{0x02, 0, 0, 0, byte(idx >> 8), byte(idx)}
	lla := addr.MustParse(fmt.Sprintf("fe80::ff:fe00:%x", idx))
	l := &Link{
		Info: iface.LinkInfo{
			Name:      name,
			Index:     idx,
			HWAddr:    hw,
			LinkLocal: lla,
		},
		dec: ndpkt.NewDecoder(),
	}
	s.links[name] = l
	return l
}

// Wire returns the wire side of link name.
func (s *System) Wire(name string) *Link {
	return s.links[name]
}

func (s *System) Link(name string) (iface.LinkInfo, error) {
	if err := s.Fail[name]; err != nil {
		return iface.LinkInfo{}, err
	}
	l, ok := s.links[name]
	if !ok {
		return iface.LinkInfo{}, fmt.Errorf("can't find interface %v", name)
	}
	return l.Info, nil
}

func (s *System) OpenICMP(info iface.LinkInfo) (*sock.Socket, error) {
	l, ok := s.links[info.Name]
	if !ok {
		return nil, fmt.Errorf("can't find interface %v", info.Name)
	}
	local, wire, err := NewSocketPair(info.Name + "/icmp6")
	if err != nil {
		return nil, err
	}
	if l.ICMP != nil {
		l.ICMP.Close()
	}
	l.ICMP = wire
	return local, nil
}

func (s *System) OpenPacket(info iface.LinkInfo) (*sock.Socket, error) {
	l, ok := s.links[info.Name]
	if !ok {
		return nil, fmt.Errorf("can't find interface %v", info.Name)
	}
	local, wire, err := NewSocketPair(info.Name + "/packet")
	if err != nil {
		return nil, err
	}
	if l.Packet != nil {
		l.Packet.Close()
	}
	l.Packet = wire
	return local, nil
}

func (s *System) SetAllmulti(info iface.LinkInfo, on bool) (bool, error) {
	l, ok := s.links[info.Name]
	if !ok {
		return false, fmt.Errorf("can't find interface %v", info.Name)
	}
	was := l.Allmulti
	l.Allmulti = on
	return was, nil
}

// Close closes the wire side of every link.
func (s *System) Close() {
	for _, l := range s.links {
		l.close()
	}
}
