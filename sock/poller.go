package sock

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultPollTimeout = 50 * time.Millisecond
	DefaultIdleSleep   = time.Second

	EventIn  = unix.POLLIN
	EventErr = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL
)

// Handler is called with the revents that woke the socket.
type Handler func(s *Socket, revents int16)

type pollEntry struct {
	sock    *Socket
	events  int16
	handler Handler
}

// Poller multiplexes every registered socket with a single poll(2) call,
// it is meant to be driven from one goroutine.
type Poller struct {
	entries   map[int]*pollEntry
	order     []int
	idleSleep time.Duration
	sleep     func(time.Duration)
	logger    *zap.SugaredLogger
}

type PollerOption func(*Poller)

// WithIdleSleep sets how long Poll sleeps when nothing is registered.
func WithIdleSleep(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.idleSleep = d
	}
}

func WithPollerLogger(l *zap.SugaredLogger) PollerOption {
	return func(p *Poller) {
		p.logger = l
	}
}

func NewPoller(options ...PollerOption) *Poller {
	p := &Poller{
		entries:   make(map[int]*pollEntry),
		idleSleep: DefaultIdleSleep,
		sleep:     time.Sleep,
		logger:    zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Register adds s, replacing any earlier registration of the same socket.
func (p *Poller) Register(s *Socket, events int16, h Handler) {
	if _, ok := p.entries[s.Fd()]; !ok {
		p.order = append(p.order, s.Fd())
	}
	p.entries[s.Fd()] = &pollEntry{sock: s, events: events, handler: h}
}

func (p *Poller) Unregister(s *Socket) {
	fd := s.Fd()
	if _, ok := p.entries[fd]; !ok {
		return
	}
	delete(p.entries, fd)
	for i, v := range p.order {
		if v == fd {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered sockets.
func (p *Poller) Len() int {
	return len(p.entries)
}

// Poll waits up to timeout for any registered socket and runs the handler of
// every ready one before returning.
func (p *Poller) Poll(timeout time.Duration) error {
	if len(p.order) == 0 {
		p.sleep(p.idleSleep)
		return nil
	}
	fds := make([]unix.PollFd, len(p.order))
	for i, fd := range p.order {
		fds[i] = unix.PollFd{Fd: int32(fd), Events: p.entries[fd].events}
	}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll failed, %w", err)
	}
	if n == 0 {
		return nil
	}
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		// a handler may have unregistered it
		e, ok := p.entries[int(pfd.Fd)]
		if !ok {
			continue
		}
		if pfd.Revents&(e.events|EventErr) == 0 {
			continue
		}
		if pfd.Revents&unix.POLLNVAL != 0 {
			p.logger.Warnf("%v is no longer valid, unregistering", e.sock)
			p.Unregister(e.sock)
			continue
		}
		e.handler(e.sock, pfd.Revents)
	}
	return nil
}
