// route keeps a periodically reloaded snapshot of the IPv6 routing table,
// used to find which interface a target is reachable through.
package route

import (
	"net/netip"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gaissmai/bart"
	"github.com/hujun-open/ndpproxy/addr"
	"go.uber.org/zap"
)

const DefaultTTL = 30 * time.Second

// Table answers longest prefix match lookups from the last good snapshot.
type Table struct {
	src       Source
	ttl       time.Duration
	remaining time.Duration
	lpm       *bart.Table[Entry]
	entries   []Entry
	retry     *backoff.ExponentialBackOff
	failing   bool
	logger    *zap.SugaredLogger
}

type Modifier func(*Table)

func WithLogger(l *zap.SugaredLogger) Modifier {
	return func(t *Table) {
		t.logger = l
	}
}

// NewTable returns an empty table that loads from src on the first Tick.
func NewTable(src Source, ttl time.Duration, options ...Modifier) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &Table{
		src:    src,
		ttl:    ttl,
		lpm:    new(bart.Table[Entry]),
		logger: zap.NewNop().Sugar(),
	}
	t.retry = backoff.NewExponentialBackOff()
	t.retry.InitialInterval = time.Second
	t.retry.MaxInterval = ttl
	t.retry.Reset()
	for _, o := range options {
		o(t)
	}
	return t
}

// Lookup returns the interface of the most specific route containing a.
func (t *Table) Lookup(a addr.Address) (string, bool) {
	e, ok := t.lpm.Lookup(a.Addr())
	if !ok {
		return "", false
	}
	return e.Ifname, true
}

// Entries returns the current snapshot.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

func (t *Table) Len() int {
	return len(t.entries)
}

// Remaining is the time until the next reload.
func (t *Table) Remaining() time.Duration {
	return t.remaining
}

// Reload replaces the snapshot with a fresh load; on error the previous
// snapshot stays in place.
func (t *Table) Reload() error {
	list, err := t.src.Load()
	if err != nil {
		return err
	}
	t.install(list)
	return nil
}

func (t *Table) install(list []Entry) {
	best := make(map[netip.Prefix]Entry, len(list))
	for _, e := range list {
		pfx := e.Prefix.Prefix()
		if cur, ok := best[pfx]; ok && cur.Metric <= e.Metric {
			continue
		}
		best[pfx] = e
	}
	lpm := new(bart.Table[Entry])
	entries := make([]Entry, 0, len(best))
	for pfx, e := range best {
		lpm.Insert(pfx, e)
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Prefix.Bits() != entries[j].Prefix.Bits() {
			return entries[i].Prefix.Bits() > entries[j].Prefix.Bits()
		}
		return entries[i].Prefix.String() < entries[j].Prefix.String()
	})
	t.lpm = lpm
	t.entries = entries
}

// Tick counts elapsed down and reloads once the countdown runs out. After a
// failed reload the next attempt comes sooner, backing off up to ttl.
func (t *Table) Tick(elapsed time.Duration) {
	t.remaining -= elapsed
	if t.remaining > 0 {
		return
	}
	if err := t.Reload(); err != nil {
		t.remaining = t.retry.NextBackOff()
		if t.remaining > t.ttl {
			t.remaining = t.ttl
		}
		t.failing = true
		t.logger.Warnf("failed to reload routes, keeping %d old entries, retry in %v: %v", len(t.entries), t.remaining, err)
		return
	}
	if t.failing {
		t.logger.Infof("routes reloaded after failure, %d entries", len(t.entries))
		t.failing = false
		t.retry.Reset()
	}
	t.logger.Debugf("routes reloaded, %d entries", len(t.entries))
	t.remaining = t.ttl
}
