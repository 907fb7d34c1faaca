package route

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hujun-open/ndpproxy/addr"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	list  []Entry
	err   error
	loads int
}

func (fs *fakeSource) Load() ([]Entry, error) {
	fs.loads++
	return fs.list, fs.err
}

func entry(pfx, ifname string, metric uint32) Entry {
	return Entry{Prefix: addr.MustParse(pfx), Ifname: ifname, Metric: metric}
}

func TestLongestPrefixMatch(t *testing.T) {
	src := &fakeSource{list: []Entry{
		entry("2001:db8::/32", "eth0", 256),
		entry("2001:db8:1::/48", "eth1", 256),
		entry("::/0", "wan", 1024),
	}}
	tbl := NewTable(src, 2*time.Second)
	require.NoError(t, tbl.Reload())
	testList := []struct {
		target string
		ifname string
		found  bool
	}{
		{target: "2001:db8:1::5", ifname: "eth1", found: true},
		{target: "2001:db8:2::5", ifname: "eth0", found: true},
		{target: "2001:db9::1", ifname: "wan", found: true},
	}
	for _, c := range testList {
		ifname, ok := tbl.Lookup(addr.MustParse(c.target))
		require.Equal(t, c.found, ok, c.target)
		require.Equal(t, c.ifname, ifname, c.target)
	}

	// insertion order must not matter
	src.list = []Entry{src.list[1], src.list[0]}
	require.NoError(t, tbl.Reload())
	ifname, ok := tbl.Lookup(addr.MustParse("2001:db8:1::5"))
	require.True(t, ok)
	require.Equal(t, "eth1", ifname)
	_, ok = tbl.Lookup(addr.MustParse("2001:db9::1"))
	require.False(t, ok)
	require.Equal(t, 2, tbl.Len())
	require.Equal(t, "eth1", tbl.Entries()[0].Ifname)
}

func TestLowestMetricWins(t *testing.T) {
	src := &fakeSource{list: []Entry{
		entry("2001:db8::/32", "eth0", 1024),
		entry("2001:db8::/32", "eth1", 100),
		entry("2001:db8::/32", "eth2", 512),
	}}
	tbl := NewTable(src, time.Second)
	require.NoError(t, tbl.Reload())
	ifname, ok := tbl.Lookup(addr.MustParse("2001:db8::1"))
	require.True(t, ok)
	require.Equal(t, "eth1", ifname)
	require.Equal(t, 1, tbl.Len())
}

func TestTickReload(t *testing.T) {
	src := &fakeSource{list: []Entry{entry("2001:db8::/32", "eth0", 1)}}
	tbl := NewTable(src, 2*time.Second)
	// first tick loads right away
	tbl.Tick(0)
	require.Equal(t, 1, src.loads)
	require.Equal(t, 2*time.Second, tbl.Remaining())

	tbl.Tick(1500 * time.Millisecond)
	require.Equal(t, 1, src.loads)
	src.list = []Entry{entry("2001:db8::/32", "eth9", 1)}
	tbl.Tick(500 * time.Millisecond)
	require.Equal(t, 2, src.loads)
	ifname, _ := tbl.Lookup(addr.MustParse("2001:db8::1"))
	require.Equal(t, "eth9", ifname)
}

func TestFailedReloadKeepsTable(t *testing.T) {
	src := &fakeSource{list: []Entry{entry("2001:db8::/32", "eth0", 1)}}
	tbl := NewTable(src, 10*time.Second)
	tbl.Tick(0)
	src.err = errors.New("boom")
	src.list = nil
	tbl.Tick(10 * time.Second)
	require.Equal(t, 2, src.loads)
	ifname, ok := tbl.Lookup(addr.MustParse("2001:db8::1"))
	require.True(t, ok)
	require.Equal(t, "eth0", ifname)
	// retry comes before a full ttl
	require.Greater(t, tbl.Remaining(), time.Duration(0))
	require.Less(t, tbl.Remaining(), 10*time.Second)

	src.err = nil
	src.list = []Entry{entry("2001:db8::/32", "eth1", 1)}
	tbl.Tick(tbl.Remaining())
	require.Equal(t, 3, src.loads)
	require.Equal(t, 10*time.Second, tbl.Remaining())
	ifname, _ = tbl.Lookup(addr.MustParse("2001:db8::1"))
	require.Equal(t, "eth1", ifname)
}

const procSample = `20010db8000000000000000000000000 20 00000000000000000000000000000000 00 00000000000000000000000000000000 00000100 00000001 00000000 00000001     eth0
20010db8000100000000000000000000 30 00000000000000000000000000000000 00 00000000000000000000000000000000 00000100 00000001 00000000 00000001     eth1
00000000000000000000000000000000 00 00000000000000000000000000000000 00 fe800000000000000000000000000001 00000400 00000001 00000000 00000003      wan
20010db8000200000000000000000000 30 00000000000000000000000000000000 00 00000000000000000000000000000000 ffffffff 00000001 00000000 00200200       lo

`

func TestParseProc(t *testing.T) {
	list, err := ParseProc(strings.NewReader(procSample))
	require.NoError(t, err)
	require.Equal(t, []Entry{
		entry("2001:db8::/32", "eth0", 256),
		entry("2001:db8:1::/48", "eth1", 256),
		entry("::/0", "wan", 1024),
	}, list)

	tbl := NewTable(&fakeSource{list: list}, time.Second)
	require.NoError(t, tbl.Reload())
	ifname, ok := tbl.Lookup(addr.MustParse("2001:db8:1::5"))
	require.True(t, ok)
	require.Equal(t, "eth1", ifname)
}

func TestParseProcMalformed(t *testing.T) {
	testList := []struct {
		desc string
		in   string
	}{
		{desc: "short line", in: "20010db8000000000000000000000000 20 eth0\n"},
		{desc: "bad address", in: "20010db80000000000000000000000zz 20 00000000000000000000000000000000 00 00000000000000000000000000000000 00000100 00000001 00000000 00000001 eth0\n"},
		{desc: "bad prefix length", in: "20010db8000000000000000000000000 ff 00000000000000000000000000000000 00 00000000000000000000000000000000 00000100 00000001 00000000 00000001 eth0\n"},
		{desc: "bad metric", in: "20010db8000000000000000000000000 20 00000000000000000000000000000000 00 00000000000000000000000000000000 xyz 00000001 00000000 00000001 eth0\n"},
	}
	for _, c := range testList {
		t.Run(c.desc, func(t *testing.T) {
			_, err := ParseProc(strings.NewReader(procSample + c.in))
			require.Error(t, err)
		})
	}
	_, err := ProcSource{Path: "/nonexistent/ipv6_route"}.Load()
	require.Error(t, err)
}
