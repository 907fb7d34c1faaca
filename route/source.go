package route

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/hujun-open/ndpproxy/addr"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	DefaultProcPath = "/proc/net/ipv6_route"
	rtfReject       = 0x0200
)

// Entry maps a prefix to the interface it is routed through.
type Entry struct {
	Prefix addr.Address
	Ifname string
	Metric uint32
}

func (e Entry) String() string {
	return fmt.Sprintf("%v dev %v metric %d", e.Prefix, e.Ifname, e.Metric)
}

// Source produces a full snapshot of the routing table.
type Source interface {
	Load() ([]Entry, error)
}

// ProcSource reads the kernel's text dump of the IPv6 routing table.
type ProcSource struct {
	Path string
}

func (ps ProcSource) Load() ([]Entry, error) {
	path := ps.Path
	if path == "" {
		path = DefaultProcPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %v, %w", path, err)
	}
	defer f.Close()
	r, err := ParseProc(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %v, %w", path, err)
	}
	return r, nil
}

// ParseProc parses /proc/net/ipv6_route content; one malformed line fails
// the whole parse so that a partial table is never used.
// Format per line: dst dstlen src srclen nexthop metric refcnt use flags dev
func ParseProc(r io.Reader) ([]Entry, error) {
	var list []Entry
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 10 {
			return nil, fmt.Errorf("line %d: expect 10 fields, got %d", lineNum, len(fields))
		}
		dst, err := hex.DecodeString(fields[0])
		if err != nil || len(dst) != 16 {
			return nil, fmt.Errorf("line %d: invalid destination %q", lineNum, fields[0])
		}
		plen, err := strconv.ParseUint(fields[1], 16, 8)
		if err != nil || plen > 128 {
			return nil, fmt.Errorf("line %d: invalid prefix length %q", lineNum, fields[1])
		}
		metric, err := strconv.ParseUint(fields[5], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid metric %q", lineNum, fields[5])
		}
		flags, err := strconv.ParseUint(fields[8], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid flags %q", lineNum, fields[8])
		}
		if flags&rtfReject != 0 {
			continue
		}
		ip, _ := addr.FromSlice(dst)
		pfx, err := addr.FromPrefix(netip.PrefixFrom(ip.Addr(), int(plen)))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		list = append(list, Entry{
			Prefix: pfx,
			Ifname: fields[9],
			Metric: uint32(metric),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// NetlinkSource dumps the main IPv6 table over rtnetlink.
type NetlinkSource struct{}

func (NetlinkSource) Load() ([]Entry, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V6)
	if err != nil {
		return nil, fmt.Errorf("failed to list IPv6 routes, %w", err)
	}
	names := make(map[int]string)
	var list []Entry
	for _, rt := range routes {
		if rt.Type == unix.RTN_UNREACHABLE || rt.Type == unix.RTN_BLACKHOLE || rt.Type == unix.RTN_PROHIBIT {
			continue
		}
		if rt.LinkIndex <= 0 {
			continue
		}
		name, ok := names[rt.LinkIndex]
		if !ok {
			link, err := netlink.LinkByIndex(rt.LinkIndex)
			if err != nil {
				return nil, fmt.Errorf("failed to get link %d, %w", rt.LinkIndex, err)
			}
			name = link.Attrs().Name
			names[rt.LinkIndex] = name
		}
		pfx := addr.MustParse("::/0")
		if rt.Dst != nil {
			a, ok := addr.FromStd(rt.Dst.IP)
			if !ok {
				continue
			}
			ones, _ := rt.Dst.Mask.Size()
			pfx, err = addr.FromPrefix(netip.PrefixFrom(a.Addr(), ones))
			if err != nil {
				return nil, err
			}
		}
		list = append(list, Entry{Prefix: pfx, Ifname: name, Metric: uint32(rt.Priority)})
	}
	return list, nil
}
