// iface owns the kernel interfaces the proxy works on. Interfaces live in a
// registry keyed by name and are reference counted; the last Release closes
// the sockets and restores the all-multicast flag.
package iface

import (
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/hujun-open/ndpproxy/addr"
	"github.com/hujun-open/ndpproxy/ndpkt"
	"github.com/hujun-open/ndpproxy/sock"
	"go.uber.org/zap"
)

// AdvertHandler gets every NA received on any open interface.
type AdvertHandler func(ifname string, na ndpkt.Advert)

// SolicitHandler gets every NS captured on a listening interface.
type SolicitHandler func(ifname string, ns ndpkt.Solicit)

// Interface is one kernel interface, owned by a Registry.
type Interface struct {
	info     LinkInfo
	icmp     *sock.Socket
	pkt      *sock.Socket
	refs     int
	allmulti bool // set by us, to be reverted
	reg      *Registry
}

func (i *Interface) Name() string {
	return i.info.Name
}

func (i *Interface) Index() int {
	return i.info.Index
}

func (i *Interface) HardwareAddr() net.HardwareAddr {
	return i.info.HWAddr
}

func (i *Interface) LinkLocal() addr.Address {
	return i.info.LinkLocal
}

func (i *Interface) String() string {
	return fmt.Sprintf("%v(%d)", i.info.Name, i.info.Index)
}

// SendSolicit sends a NS for target to its solicited-node group.
func (i *Interface) SendSolicit(target addr.Address) error {
	pkt, dst, err := ndpkt.EncodeSolicit(i.info.LinkLocal, target, i.info.HWAddr)
	if err != nil {
		return err
	}
	i.reg.logger.Debugf("sending NS for %v on %v", target, i)
	return i.icmp.SendICMP(dst, pkt)
}

// SendAdvert answers requester with a NA for target carrying this
// interface's hardware address.
func (i *Interface) SendAdvert(requester, target addr.Address, router bool) error {
	dst := ndpkt.AdvertDestination(requester)
	pkt, err := ndpkt.EncodeAdvert(i.info.LinkLocal, dst, target, i.info.HWAddr, router)
	if err != nil {
		return err
	}
	i.reg.logger.Debugf("sending NA for %v to %v on %v", target, dst, i)
	return i.icmp.SendICMP(dst, pkt)
}

// ListenSolicit starts capturing NS on the interface; the interface is put
// into all-multicast mode so solicited-node groups of proxied targets
// are received.
func (i *Interface) ListenSolicit(h SolicitHandler) error {
	if i.pkt != nil {
		return fmt.Errorf("%v is already listening", i)
	}
	s, err := i.reg.sys.OpenPacket(i.info)
	if err != nil {
		return err
	}
	was, err := i.reg.sys.SetAllmulti(i.info, true)
	if err != nil {
		s.Close()
		return err
	}
	i.allmulti = !was
	i.pkt = s
	i.reg.poller.Register(s, sock.EventIn, func(s *sock.Socket, revents int16) {
		i.drainSolicit(s, h)
	})
	return nil
}

func (i *Interface) drainSolicit(s *sock.Socket, h SolicitHandler) {
	for s.Fd() >= 0 {
		ns, err := s.RecvSolicit()
		switch {
		case err == nil:
			h(i.info.Name, ns)
		case errors.Is(err, sock.ErrNoData):
			return
		case errors.Is(err, sock.ErrDropped):
			i.reg.logger.Debugf("%v: %v", i, err)
		default:
			i.reg.logger.Warnf("%v: %v", i, err)
			return
		}
	}
}

func (i *Interface) drainAdvert(s *sock.Socket) {
	for s.Fd() >= 0 {
		na, err := s.RecvAdvert()
		switch {
		case err == nil:
			if i.reg.onAdvert != nil {
				i.reg.onAdvert(i.info.Name, na)
			}
		case errors.Is(err, sock.ErrNoData):
			return
		case errors.Is(err, sock.ErrDropped):
			i.reg.logger.Debugf("%v: %v", i, err)
		default:
			i.reg.logger.Warnf("%v: %v", i, err)
			return
		}
	}
}

func (i *Interface) close() {
	if i.pkt != nil {
		i.reg.poller.Unregister(i.pkt)
		i.pkt.Close()
		i.pkt = nil
	}
	if i.icmp != nil {
		i.reg.poller.Unregister(i.icmp)
		i.icmp.Close()
		i.icmp = nil
	}
	if i.allmulti {
		if _, err := i.reg.sys.SetAllmulti(i.info, false); err != nil {
			i.reg.logger.Warnf("%v", err)
		}
		i.allmulti = false
	}
}

// Registry is the set of open interfaces.
type Registry struct {
	sys      System
	poller   *sock.Poller
	onAdvert AdvertHandler
	ifaces   map[string]*Interface
	logger   *zap.SugaredLogger
}

type Modifier func(*Registry)

func WithSystem(sys System) Modifier {
	return func(r *Registry) {
		r.sys = sys
	}
}

func WithLogger(l *zap.SugaredLogger) Modifier {
	return func(r *Registry) {
		r.logger = l
	}
}

func NewRegistry(poller *sock.Poller, onAdvert AdvertHandler, options ...Modifier) *Registry {
	r := &Registry{
		sys:      Kernel{},
		poller:   poller,
		onAdvert: onAdvert,
		ifaces:   make(map[string]*Interface),
		logger:   zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// SetAdvertHandler replaces the NA callback.
func (r *Registry) SetAdvertHandler(h AdvertHandler) {
	r.onAdvert = h
}

// Open returns the interface called name, opening it on first use.
func (r *Registry) Open(name string) (*Interface, error) {
	if i, ok := r.ifaces[name]; ok {
		i.refs++
		return i, nil
	}
	info, err := r.sys.Link(name)
	if err != nil {
		return nil, err
	}
	s, err := r.sys.OpenICMP(info)
	if err != nil {
		return nil, err
	}
	i := &Interface{
		info: info,
		icmp: s,
		refs: 1,
		reg:  r,
	}
	r.poller.Register(s, sock.EventIn, func(s *sock.Socket, revents int16) {
		i.drainAdvert(s)
	})
	r.ifaces[name] = i
	r.logger.Debugf("opened %v, lla %v, mac %v", i, info.LinkLocal, info.HWAddr)
	return i, nil
}

// Release drops one reference to i.
func (r *Registry) Release(i *Interface) {
	cur, ok := r.ifaces[i.info.Name]
	if !ok || cur != i {
		return
	}
	i.refs--
	if i.refs > 0 {
		return
	}
	i.close()
	delete(r.ifaces, i.info.Name)
	r.logger.Debugf("closed %v", i)
}

// Get returns an open interface without taking a reference.
func (r *Registry) Get(name string) (*Interface, bool) {
	i, ok := r.ifaces[name]
	return i, ok
}

// Refs returns the reference count of name, 0 if it isn't open.
func (r *Registry) Refs(name string) int {
	if i, ok := r.ifaces[name]; ok {
		return i.refs
	}
	return 0
}

// Names lists the open interfaces, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ifaces))
	for n := range r.ifaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every interface regardless of references.
func (r *Registry) Close() {
	for name, i := range r.ifaces {
		i.close()
		delete(r.ifaces, name)
	}
}
