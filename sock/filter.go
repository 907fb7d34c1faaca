package sock

import (
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

const (
	offEtherType = 12
	offNextHdr   = ethHeaderLen + 6
	offICMPType  = ethHeaderLen + 40
	snapLen      = 0x40000
)

// SolicitFilter accepts Ethernet frames carrying IPv6/ICMPv6 NS only.
func SolicitFilter() []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: offEtherType, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: unix.ETH_P_IPV6, SkipTrue: 5},
		bpf.LoadAbsolute{Off: offNextHdr, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: unix.IPPROTO_ICMPV6, SkipTrue: 3},
		bpf.LoadAbsolute{Off: offICMPType, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(ipv6.ICMPTypeNeighborSolicitation), SkipTrue: 1},
		bpf.RetConstant{Val: snapLen},
		bpf.RetConstant{Val: 0},
	}
}

func attachFilter(fd int, prog []bpf.Instruction) error {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return fmt.Errorf("failed to assemble filter, %w", err)
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := &unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, fprog); err != nil {
		return fmt.Errorf("failed to attach filter, %w", err)
	}
	return nil
}

// AdvertFilter lets only NA through an ICMPv6 socket.
func AdvertFilter() *ipv6.ICMPFilter {
	f := new(ipv6.ICMPFilter)
	f.SetAll(true)
	f.Accept(ipv6.ICMPTypeNeighborAdvertisement)
	return f
}

// kernelICMPFilter converts f to the kernel layout, a set bit blocks the type.
func kernelICMPFilter(f *ipv6.ICMPFilter) *unix.ICMPv6Filter {
	kf := new(unix.ICMPv6Filter)
	for typ := 0; typ < 256; typ++ {
		if f.WillBlock(ipv6.ICMPType(typ)) {
			kf.Data[typ>>5] |= 1 << (uint(typ) & 31)
		}
	}
	return kf
}
