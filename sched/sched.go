// sched wires interfaces, the route table and proxies together and runs
// them from a single poll loop.
package sched

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hujun-open/ndpproxy/addr"
	"github.com/hujun-open/ndpproxy/common"
	"github.com/hujun-open/ndpproxy/iface"
	"github.com/hujun-open/ndpproxy/ndpkt"
	"github.com/hujun-open/ndpproxy/proxy"
	"github.com/hujun-open/ndpproxy/route"
	"github.com/hujun-open/ndpproxy/sock"
	"go.uber.org/zap"
)

// RuleConfig is one rule of a proxy; Iface is only used by forward rules.
type RuleConfig struct {
	CIDR  addr.Address
	Kind  proxy.RuleKind
	Iface string
}

// ProxyConfig describes one proxy; a nil TTL or Timeout means the proxy
// default, 0 is kept as is.
type ProxyConfig struct {
	Iface   string
	Router  bool
	TTL     *time.Duration
	Timeout *time.Duration
	Rules   []RuleConfig
}

type Config struct {
	RouteTTL    time.Duration
	RouteSource route.Source
	Proxies     []ProxyConfig
}

// Sched owns everything the daemon runs.
type Sched struct {
	poller  *sock.Poller
	reg     *iface.Registry
	routes  *route.Table
	proxies []*proxy.Proxy
	// ingress interfaces and forward rule targets, held until Stop
	held    []*iface.Interface
	last    time.Time
	summary <-chan os.Signal
	logger  *zap.SugaredLogger
}

type Modifier func(*schedOptions)

type schedOptions struct {
	sys     iface.System
	logger  *zap.SugaredLogger
	idle    time.Duration
	summary <-chan os.Signal
}

// WithSystem replaces the kernel as the source of interfaces.
func WithSystem(sys iface.System) Modifier {
	return func(o *schedOptions) {
		o.sys = sys
	}
}

func WithLogger(l *zap.SugaredLogger) Modifier {
	return func(o *schedOptions) {
		o.logger = l
	}
}

// WithIdleSleep sets how long Run sleeps when there is no socket to poll.
func WithIdleSleep(d time.Duration) Modifier {
	return func(o *schedOptions) {
		o.idle = d
	}
}

// WithSummaryOn makes Run log the summary whenever ch fires.
func WithSummaryOn(ch <-chan os.Signal) Modifier {
	return func(o *schedOptions) {
		o.summary = ch
	}
}

// opener hands registry interfaces to proxies.
type opener struct {
	reg *iface.Registry
}

func (o opener) Open(name string) (proxy.Link, error) {
	i, err := o.reg.Open(name)
	if err != nil {
		return nil, err
	}
	return i, nil
}

func (o opener) Release(l proxy.Link) {
	if i, ok := l.(*iface.Interface); ok {
		o.reg.Release(i)
	}
}

// NewSched opens every configured interface; any failure is returned and
// whatever was opened is closed again.
func NewSched(cfg Config, options ...Modifier) (*Sched, error) {
	opts := &schedOptions{
		sys:    iface.Kernel{},
		logger: common.Logger,
		idle:   sock.DefaultIdleSleep,
	}
	for _, m := range options {
		m(opts)
	}
	if len(cfg.Proxies) == 0 {
		return nil, fmt.Errorf("no proxy configured")
	}
	s := &Sched{
		poller:  sock.NewPoller(sock.WithIdleSleep(opts.idle), sock.WithPollerLogger(opts.logger)),
		summary: opts.summary,
		logger:  opts.logger,
	}
	s.reg = iface.NewRegistry(s.poller, s.onAdvert, iface.WithSystem(opts.sys), iface.WithLogger(opts.logger))

	needRoutes := false
	for _, pc := range cfg.Proxies {
		for _, rc := range pc.Rules {
			if rc.Kind == proxy.Auto {
				needRoutes = true
			}
		}
	}
	var router proxy.Router
	if needRoutes {
		src := cfg.RouteSource
		if src == nil {
			src = route.ProcSource{}
		}
		s.routes = route.NewTable(src, cfg.RouteTTL, route.WithLogger(opts.logger))
		s.routes.Tick(0)
		router = s.routes
	}

	for _, pc := range cfg.Proxies {
		if err := s.addProxy(pc, router); err != nil {
			s.Stop()
			return nil, err
		}
	}
	return s, nil
}

func (s *Sched) addProxy(pc ProxyConfig, router proxy.Router) error {
	ingress, err := s.reg.Open(pc.Iface)
	if err != nil {
		return fmt.Errorf("failed to open proxy interface %v, %w", pc.Iface, err)
	}
	s.held = append(s.held, ingress)
	popts := []proxy.Modifier{
		proxy.WithRouter(pc.Router),
		proxy.WithLogger(s.logger),
	}
	if pc.TTL != nil {
		popts = append(popts, proxy.WithTTL(*pc.TTL))
	}
	if pc.Timeout != nil {
		popts = append(popts, proxy.WithTimeout(*pc.Timeout))
	}
	p := proxy.New(ingress, opener{s.reg}, router, popts...)
	for _, rc := range pc.Rules {
		switch rc.Kind {
		case proxy.Static:
			p.AddStatic(rc.CIDR)
		case proxy.Auto:
			p.AddAuto(rc.CIDR)
		case proxy.Forward:
			l, err := s.reg.Open(rc.Iface)
			if err != nil {
				return fmt.Errorf("failed to open %v for rule %v of proxy %v, %w", rc.Iface, rc.CIDR, pc.Iface, err)
			}
			s.held = append(s.held, l)
			p.AddForward(rc.CIDR, l)
		default:
			return fmt.Errorf("unknown rule kind %v for %v", rc.Kind, rc.CIDR)
		}
	}
	if err := ingress.ListenSolicit(func(ifname string, ns ndpkt.Solicit) {
		p.HandleSolicit(ns.Source, ns.Destination, ns.Target)
	}); err != nil {
		return fmt.Errorf("failed to listen for NS on %v, %w", pc.Iface, err)
	}
	s.proxies = append(s.proxies, p)
	s.logger.Infof("proxying on %v with %d rules", pc.Iface, len(pc.Rules))
	return nil
}

func (s *Sched) onAdvert(ifname string, na ndpkt.Advert) {
	common.MyLog("NA for %v from %v on %v", na.Target, na.Source, ifname)
	for _, p := range s.proxies {
		p.HandleAdvert(ifname, na.Target)
	}
}

// Step runs one pass of the loop at now: poll every socket, then age routes
// and sessions by the time since the previous pass.
func (s *Sched) Step(now time.Time) error {
	if err := s.poller.Poll(sock.DefaultPollTimeout); err != nil {
		return err
	}
	s.advance(now)
	return nil
}

func (s *Sched) advance(now time.Time) {
	if s.last.IsZero() {
		s.last = now
	}
	delta := now.Sub(s.last)
	if delta < 0 {
		delta = 0
	}
	s.last = now
	if s.routes != nil {
		s.routes.Tick(delta)
	}
	for _, p := range s.proxies {
		p.Tick(delta)
	}
}

// Run loops until ctx is done, then stops.
func (s *Sched) Run(ctx context.Context) error {
	defer s.Stop()
	s.last = time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.summary:
			s.logger.Info(s.Summary())
		default:
		}
		if err := s.Step(time.Now()); err != nil {
			return err
		}
	}
}

// Stop drops every session and closes every interface.
func (s *Sched) Stop() {
	for _, p := range s.proxies {
		p.Close()
	}
	for _, i := range s.held {
		s.reg.Release(i)
	}
	s.held = nil
	s.reg.Close()
}

func (s *Sched) Proxies() []*proxy.Proxy {
	return s.proxies
}

func (s *Sched) Routes() *route.Table {
	return s.routes
}

// Summary returns the counters and pending sessions of every proxy.
func (s *Sched) Summary() string {
	r := ""
	for _, p := range s.proxies {
		r += fmt.Sprintf("Proxy %v\n", p.Name())
		r += p.Stats().String()
		for _, ss := range p.Sessions() {
			r += fmt.Sprintf("  %v\n", ss)
		}
	}
	if s.routes != nil {
		r += fmt.Sprintf("Routes:%d\n", s.routes.Len())
	}
	return r
}
