package sock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// NewPacketSocket opens a link layer socket on ifindex that only sees NS.
func NewPacketSocket(ifname string, ifindex int) (*Socket, error) {
	proto := htons(unix.ETH_P_IPV6)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("failed to create packet socket on %v, %w", ifname, err)
	}
	if err = attachFilter(fd, SolicitFilter()); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("packet socket on %v, %w", ifname, err)
	}
	if err = unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifindex}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind packet socket to %v, %w", ifname, err)
	}
	s, err := FromFd(fd, ifname+"/packet")
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.ifindex = ifindex
	return s, nil
}

// NewICMP6Socket opens an ICMPv6 socket bound to ifname that receives NA only
// and sends with hop limit 255.
func NewICMP6Socket(ifname string, ifindex int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMPV6)
	if err != nil {
		return nil, fmt.Errorf("failed to create ICMPv6 socket on %v, %w", ifname, err)
	}
	fail := func(what string, err error) (*Socket, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set %v on %v ICMPv6 socket, %w", what, ifname, err)
	}
	if err = unix.BindToDevice(fd, ifname); err != nil {
		return fail("SO_BINDTODEVICE", err)
	}
	if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, 255); err != nil {
		return fail("unicast hops", err)
	}
	if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, 255); err != nil {
		return fail("multicast hops", err)
	}
	if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, 0); err != nil {
		return fail("multicast loop", err)
	}
	if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, ifindex); err != nil {
		return fail("multicast interface", err)
	}
	if err = unix.SetsockoptICMPv6Filter(fd, unix.SOL_ICMPV6, unix.ICMPV6_FILTER, kernelICMPFilter(AdvertFilter())); err != nil {
		return fail("ICMPv6 filter", err)
	}
	s, err := FromFd(fd, ifname+"/icmp6")
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.ifindex = ifindex
	return s, nil
}
