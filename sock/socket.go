// sock wraps the raw sockets used to capture NS and to send and receive ND
// messages on an interface, plus the poll loop multiplexing them.
package sock

import (
	"errors"
	"fmt"

	"github.com/hujun-open/ndpproxy/addr"
	"github.com/hujun-open/ndpproxy/ndpkt"
	"golang.org/x/sys/unix"
)

const (
	recvBufSize  = 2048
	ethHeaderLen = 14
)

var (
	// ErrNoData means the socket has nothing more to read right now.
	ErrNoData = errors.New("no data")
	// ErrDropped wraps everything that was read but isn't worth handling:
	// undecodable input and frames we sent ourselves.
	ErrDropped = errors.New("packet dropped")
)

// Socket is a non-blocking raw socket bound to one interface.
type Socket struct {
	fd      int
	name    string
	ifindex int
	buf     []byte
	dec     *ndpkt.Decoder
	// connected sockets have a fixed peer and no kernel IP stack behind them
	connected bool
}

// FromFd wraps an already opened descriptor and makes it non-blocking.
func FromFd(fd int, name string) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set %v non-blocking, %w", name, err)
	}
	return &Socket{
		fd:   fd,
		name: name,
		buf:  make([]byte, recvBufSize),
		dec:  ndpkt.NewDecoder(),
	}, nil
}

// FromConnectedFd wraps a connected datagram socket, such as one end of a
// socketpair; destinations are ignored and SendICMP writes whole packets.
func FromConnectedFd(fd int, name string) (*Socket, error) {
	s, err := FromFd(fd, name)
	if err != nil {
		return nil, err
	}
	s.connected = true
	return s, nil
}

func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) String() string {
	return fmt.Sprintf("%v(fd %d)", s.name, s.fd)
}

func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// Read reads one datagram, returning ErrNoData when nothing is queued.
func (s *Socket) Read() ([]byte, unix.Sockaddr, error) {
	n, from, err := unix.Recvfrom(s.fd, s.buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return nil, nil, ErrNoData
		}
		return nil, nil, fmt.Errorf("recvfrom on %v failed, %w", s, err)
	}
	return s.buf[:n], from, nil
}

// Write sends a datagram as is.
func (s *Socket) Write(p []byte, to unix.Sockaddr) error {
	if s.connected {
		to = nil
	}
	if err := unix.Sendto(s.fd, p, 0, to); err != nil {
		return fmt.Errorf("sendto on %v failed, %w", s, err)
	}
	return nil
}

// RecvSolicit reads one frame from a packet socket and decodes the NS in it.
func (s *Socket) RecvSolicit() (ndpkt.Solicit, error) {
	frame, from, err := s.Read()
	if err != nil {
		return ndpkt.Solicit{}, err
	}
	if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
		return ndpkt.Solicit{}, fmt.Errorf("%w: outgoing frame", ErrDropped)
	}
	if len(frame) < ethHeaderLen {
		return ndpkt.Solicit{}, fmt.Errorf("%w: %w", ErrDropped, ndpkt.ErrTruncated)
	}
	ns, err := s.dec.Solicit(frame[ethHeaderLen:])
	if err != nil {
		return ns, fmt.Errorf("%w: %w", ErrDropped, err)
	}
	return ns, nil
}

// RecvAdvert reads one NA from an ICMPv6 socket, the kernel has already
// stripped the IPv6 header and checked the checksum.
func (s *Socket) RecvAdvert() (ndpkt.Advert, error) {
	msg, from, err := s.Read()
	if err != nil {
		return ndpkt.Advert{}, err
	}
	var src addr.Address
	if in6, ok := from.(*unix.SockaddrInet6); ok {
		src, _ = addr.FromSlice(in6.Addr[:])
	}
	na, err := s.dec.AdvertMessage(src, msg)
	if err != nil {
		return na, fmt.Errorf("%w: %w", ErrDropped, err)
	}
	return na, nil
}

// SendICMP sends pkt, a full IPv6 packet, to dst; only the ICMPv6 part goes
// on the socket, the kernel builds the IPv6 header.
func (s *Socket) SendICMP(dst addr.Address, pkt []byte) error {
	if s.connected {
		return s.Write(pkt, nil)
	}
	if len(pkt) > ndpkt.IPv6HeaderLen && pkt[0]>>4 == 6 {
		pkt = pkt[ndpkt.IPv6HeaderLen:]
	}
	to := &unix.SockaddrInet6{Addr: dst.As16()}
	if dst.IsMulticast() || dst.Addr().IsLinkLocalUnicast() {
		to.ZoneId = uint32(s.ifindex)
	}
	return s.Write(pkt, to)
}
