package proxy

import (
	"fmt"
	"sort"
	"time"

	"github.com/hujun-open/ndpproxy/addr"
)

// Status of a Session.
type Status int

const (
	Waiting Status = iota
	Valid
	Invalid
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// maxRequesters bounds how many distinct askers a waiting session remembers.
const maxRequesters = 8

// Session tracks the resolution of one target.
type Session struct {
	target      addr.Address
	source      addr.Address
	destination addr.Address
	status      Status
	remaining   time.Duration
	age         time.Duration
	egress      []Link
	requesters  []addr.Address
}

func newSession(src, dst, target addr.Address, timeout time.Duration) *Session {
	return &Session{
		target:      target,
		source:      src,
		destination: dst,
		status:      Waiting,
		remaining:   timeout,
		requesters:  []addr.Address{src},
	}
}

func (s *Session) Target() addr.Address      { return s.target }
func (s *Session) Source() addr.Address      { return s.source }
func (s *Session) Destination() addr.Address { return s.destination }
func (s *Session) Status() Status            { return s.status }
func (s *Session) Remaining() time.Duration  { return s.remaining }

// Egress returns the names of the interfaces the session solicits on.
func (s *Session) Egress() []string {
	r := make([]string, len(s.egress))
	for i, l := range s.egress {
		r[i] = l.Name()
	}
	return r
}

func (s *Session) monitors(ifname string) bool {
	for _, l := range s.egress {
		if l.Name() == ifname {
			return true
		}
	}
	return false
}

// addEgress keeps egress sorted by name, false if l is already there.
func (s *Session) addEgress(l Link) bool {
	i := sort.Search(len(s.egress), func(i int) bool { return s.egress[i].Name() >= l.Name() })
	if i < len(s.egress) && s.egress[i].Name() == l.Name() {
		return false
	}
	s.egress = append(s.egress, nil)
	copy(s.egress[i+1:], s.egress[i:])
	s.egress[i] = l
	return true
}

func (s *Session) addRequester(a addr.Address) {
	for _, r := range s.requesters {
		if r == a {
			return
		}
	}
	if len(s.requesters) >= maxRequesters {
		return
	}
	s.requesters = append(s.requesters, a)
}

func (s *Session) String() string {
	return fmt.Sprintf("%v from %v, %v, %v left, via %v", s.target, s.source, s.status, s.remaining, s.Egress())
}
