package iface

import (
	"fmt"
	"net"

	"github.com/hujun-open/myaddr"
	"github.com/hujun-open/ndpproxy/addr"
	"github.com/hujun-open/ndpproxy/sock"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// LinkInfo is what the registry needs to know about a kernel interface.
type LinkInfo struct {
	Name      string
	Index     int
	HWAddr    net.HardwareAddr
	LinkLocal addr.Address
}

// System is the kernel side of the registry.
type System interface {
	Link(name string) (LinkInfo, error)
	OpenICMP(info LinkInfo) (*sock.Socket, error)
	OpenPacket(info LinkInfo) (*sock.Socket, error)
	// SetAllmulti returns whether the flag was already on before the call
	SetAllmulti(info LinkInfo, on bool) (bool, error)
}

// Kernel implements System with netlink and raw sockets.
type Kernel struct{}

func (Kernel) Link(name string) (LinkInfo, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return LinkInfo{}, fmt.Errorf("can't find interface %v, %w", name, err)
	}
	attrs := link.Attrs()
	r := LinkInfo{
		Name:   attrs.Name,
		Index:  attrs.Index,
		HWAddr: attrs.HardwareAddr,
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return LinkInfo{}, fmt.Errorf("failed to list addresses of %v, %w", name, err)
	}
	for _, a := range addrs {
		if a.IP.IsLinkLocalUnicast() {
			r.LinkLocal, _ = addr.FromStd(a.IP)
			break
		}
	}
	if !r.LinkLocal.IsValid() && len(r.HWAddr) == 6 {
		r.LinkLocal, _ = addr.FromStd(myaddr.GetLLAFromMac(r.HWAddr))
	}
	if !r.LinkLocal.IsValid() {
		r.LinkLocal = addr.Unspecified
	}
	return r, nil
}

func (Kernel) OpenICMP(info LinkInfo) (*sock.Socket, error) {
	return sock.NewICMP6Socket(info.Name, info.Index)
}

func (Kernel) OpenPacket(info LinkInfo) (*sock.Socket, error) {
	return sock.NewPacketSocket(info.Name, info.Index)
}

func (Kernel) SetAllmulti(info LinkInfo, on bool) (bool, error) {
	link, err := netlink.LinkByIndex(info.Index)
	if err != nil {
		return false, fmt.Errorf("can't find interface %v, %w", info.Name, err)
	}
	was := link.Attrs().RawFlags&unix.IFF_ALLMULTI != 0
	if on {
		err = netlink.LinkSetAllmulticastOn(link)
	} else {
		err = netlink.LinkSetAllmulticastOff(link)
	}
	if err != nil {
		return was, fmt.Errorf("failed to set allmulti %v on %v, %w", on, info.Name, err)
	}
	return was, nil
}
