// proxy answers neighbor solicitations received on one interface on behalf
// of targets reachable through other interfaces.
package proxy

import (
	"fmt"
	"sort"
	"time"

	"github.com/hujun-open/ndpproxy/addr"
	"github.com/hujun-open/ndpproxy/common"
	"go.uber.org/zap"
)

const (
	DefaultTTL     = 30 * time.Second
	DefaultTimeout = 500 * time.Millisecond
)

// Link is an interface the proxy can send ND messages on.
type Link interface {
	Name() string
	SendSolicit(target addr.Address) error
	SendAdvert(requester, target addr.Address, router bool) error
}

// Opener hands out egress links; every Open is paired with one Release.
type Opener interface {
	Open(name string) (Link, error)
	Release(Link)
}

// Router returns the name of the interface routing to a.
type Router interface {
	Lookup(a addr.Address) (string, bool)
}

// Proxy serves NS arriving on its ingress link.
type Proxy struct {
	ingress  Link
	opener   Opener
	routes   Router
	router   bool
	ttl      time.Duration
	timeout  time.Duration
	rules    []Rule
	sessions map[addr.Address]*Session
	stats    *Stats
	logger   *zap.SugaredLogger
}

type Modifier func(p *Proxy)

// WithRouter sets the router flag of the NAs sent on the ingress link.
func WithRouter(r bool) Modifier {
	return func(p *Proxy) {
		p.router = r
	}
}

// WithTTL sets how long a resolved (or failed) session is kept, 0 drops it
// on the next tick and a negative ttl keeps the default.
func WithTTL(ttl time.Duration) Modifier {
	return func(p *Proxy) {
		if ttl >= 0 {
			p.ttl = ttl
		}
	}
}

// WithTimeout sets how long to wait for a NA before giving up; a negative
// timeout keeps the default.
func WithTimeout(t time.Duration) Modifier {
	return func(p *Proxy) {
		if t >= 0 {
			p.timeout = t
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Modifier {
	return func(p *Proxy) {
		p.logger = l
	}
}

// New returns a proxy for ingress with no rules; routes may be nil if no
// auto rule is added.
func New(ingress Link, opener Opener, routes Router, options ...Modifier) *Proxy {
	p := &Proxy{
		ingress:  ingress,
		opener:   opener,
		routes:   routes,
		router:   true,
		ttl:      DefaultTTL,
		timeout:  DefaultTimeout,
		sessions: make(map[addr.Address]*Session),
		stats:    newStats(),
		logger:   common.Logger,
	}
	for _, m := range options {
		m(p)
	}
	p.logger = p.logger.With("proxy", ingress.Name())
	return p
}

func (p *Proxy) Name() string {
	return p.ingress.Name()
}

func (p *Proxy) TTL() time.Duration     { return p.ttl }
func (p *Proxy) Timeout() time.Duration { return p.timeout }
func (p *Proxy) Router() bool           { return p.router }

// AddStatic adds a rule answering every target in cidr.
func (p *Proxy) AddStatic(cidr addr.Address) {
	p.rules = append(p.rules, Rule{CIDR: cidr, Kind: Static})
}

// AddForward adds a rule soliciting targets in cidr on l.
func (p *Proxy) AddForward(cidr addr.Address, l Link) {
	p.rules = append(p.rules, Rule{CIDR: cidr, Kind: Forward, Link: l})
}

// AddAuto adds a rule soliciting targets in cidr on the interface the route
// table points at.
func (p *Proxy) AddAuto(cidr addr.Address) {
	p.rules = append(p.rules, Rule{CIDR: cidr, Kind: Auto})
}

func (p *Proxy) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

// HandleSolicit handles a NS for target from src to dst seen on the ingress
// link.
func (p *Proxy) HandleSolicit(src, dst, target addr.Address) {
	p.stats.Solicits++
	if s, ok := p.sessions[target]; ok {
		switch s.status {
		case Valid:
			p.stats.CacheHits++
			p.answer(src, target)
		case Invalid:
			p.stats.NegativeHits++
			p.logger.Debugf("%v is unreachable, ignoring NS from %v", target, src)
		case Waiting:
			s.addRequester(src)
			static, links := p.evaluate(dst, target)
			if static {
				// a static rule could only fire now if dst differs from the
				// first NS; the pending session answers everybody anyway
				p.logger.Debugf("static rule fired for pending %v", target)
			}
			for _, l := range links {
				if !s.addEgress(l) {
					p.opener.Release(l)
					continue
				}
				p.solicit(l, target)
			}
		}
		return
	}

	static, links := p.evaluate(dst, target)
	if static {
		p.stats.StaticAnswers++
		p.answer(src, target)
		return
	}
	if len(links) == 0 {
		p.stats.Ignored++
		p.logger.Debugf("no rule for %v asked by %v to %v", target, src, dst)
		return
	}
	s := newSession(src, dst, target, p.timeout)
	for _, l := range links {
		if !s.addEgress(l) {
			p.opener.Release(l)
		}
	}
	p.sessions[target] = s
	p.stats.SessionsCreated++
	p.logger.Debugf("new session %v", s)
	for _, l := range s.egress {
		p.solicit(l, target)
	}
}

// evaluate runs the rules in order. The returned links are opened and owned
// by the caller; a static match returns none.
func (p *Proxy) evaluate(dst, target addr.Address) (bool, []Link) {
	var links []Link
	for _, r := range p.rules {
		if !r.fires(dst, target) {
			continue
		}
		var name string
		switch r.Kind {
		case Static:
			for _, l := range links {
				p.opener.Release(l)
			}
			return true, nil
		case Forward:
			name = r.Link.Name()
		case Auto:
			if p.routes == nil {
				continue
			}
			var ok bool
			name, ok = p.routes.Lookup(target)
			if !ok {
				p.logger.Debugf("no route to %v", target)
				continue
			}
		}
		if name == p.ingress.Name() {
			p.logger.Debugf("not soliciting %v back on the ingress link", target)
			continue
		}
		l, err := p.opener.Open(name)
		if err != nil {
			p.logger.Warnf("can't open %v for %v, %v", name, target, err)
			continue
		}
		links = append(links, l)
	}
	return false, links
}

// HandleAdvert handles a NA for target received on ifname.
func (p *Proxy) HandleAdvert(ifname string, target addr.Address) {
	s, ok := p.sessions[target]
	if !ok || !s.monitors(ifname) {
		return
	}
	if s.status == Waiting {
		p.stats.Resolved++
		p.stats.latency.Add(float64(s.age))
	}
	s.status = Valid
	s.remaining = p.ttl
	p.logger.Debugf("%v resolved via %v", target, ifname)
	if len(s.requesters) == 0 {
		p.answer(s.source, target)
		return
	}
	for _, r := range s.requesters {
		p.answer(r, target)
	}
	s.requesters = nil
}

// Tick ages every session by delta.
func (p *Proxy) Tick(delta time.Duration) {
	for target, s := range p.sessions {
		s.age += delta
		if s.remaining > delta {
			s.remaining -= delta
			continue
		}
		switch s.status {
		case Waiting:
			p.stats.Timeouts++
			p.logger.Debugf("%v timed out", target)
			s.status = Invalid
			s.remaining = p.ttl
			s.requesters = nil
		default:
			p.remove(target, s)
		}
	}
}

func (p *Proxy) remove(target addr.Address, s *Session) {
	for _, l := range s.egress {
		p.opener.Release(l)
	}
	s.egress = nil
	delete(p.sessions, target)
}

// Session returns the session for target, if any.
func (p *Proxy) Session(target addr.Address) (*Session, bool) {
	s, ok := p.sessions[target]
	return s, ok
}

// Sessions returns all sessions ordered by target.
func (p *Proxy) Sessions() []*Session {
	r := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		r = append(r, s)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].target.Addr().Less(r[j].target.Addr()) })
	return r
}

func (p *Proxy) Stats() *Stats {
	return p.stats
}

// Close drops every session.
func (p *Proxy) Close() {
	for target, s := range p.sessions {
		p.remove(target, s)
	}
}

func (p *Proxy) String() string {
	return fmt.Sprintf("proxy %v, %d rules, %d sessions", p.ingress.Name(), len(p.rules), len(p.sessions))
}

func (p *Proxy) solicit(l Link, target addr.Address) {
	if err := l.SendSolicit(target); err != nil {
		p.stats.SendErrors++
		p.logger.Warnf("failed to send NS for %v on %v, %v", target, l.Name(), err)
	}
}

func (p *Proxy) answer(requester, target addr.Address) {
	if err := p.ingress.SendAdvert(requester, target, p.router); err != nil {
		p.stats.SendErrors++
		p.logger.Warnf("failed to send NA for %v to %v, %v", target, requester, err)
		return
	}
	p.stats.AdvertsSent++
}
