package sched

import (
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hujun-open/ndpproxy/addr"
	"github.com/hujun-open/ndpproxy/common"
	"github.com/hujun-open/ndpproxy/conpair"
	"github.com/hujun-open/ndpproxy/proxy"
	"github.com/hujun-open/ndpproxy/route"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0xcc, 0, 0, 0, 0x01}
	hostMAC   = net.HardwareAddr{0x02, 0xdd, 0, 0, 0, 0x01}
	client    = addr.MustParse("fe80::c")
	host      = addr.MustParse("fe80::d")
	target    = addr.MustParse("2001:db8::5")
)

func duration(d time.Duration) *time.Duration {
	return &d
}

type staticRoutes []route.Entry

func (sr staticRoutes) Load() ([]route.Entry, error) {
	return sr, nil
}

func TestProxyEndToEnd(t *testing.T) {
	testList := []struct {
		name string
		rule RuleConfig
	}{
		{
			name: "forward",
			rule: RuleConfig{CIDR: addr.MustParse("2001:db8::/32"), Kind: proxy.Forward, Iface: "eth1"},
		},
		{
			name: "auto",
			rule: RuleConfig{CIDR: addr.MustParse("2001:db8::/32"), Kind: proxy.Auto},
		},
	}
	for _, c := range testList {
		t.Run(c.name, func(t *testing.T) {
			sys := conpair.NewSystem("eth0", "eth1")
			cfg := Config{
				RouteSource: staticRoutes{
					{Prefix: addr.MustParse("2001:db8::/48"), Ifname: "eth1", Metric: 256},
				},
				Proxies: []ProxyConfig{
					{
						Iface:   "eth0",
						Router:  true,
						TTL:     duration(2 * time.Second),
						Timeout: duration(500 * time.Millisecond),
						Rules:   []RuleConfig{c.rule},
					},
				},
			}
			s, err := NewSched(cfg, WithSystem(sys))
			require.NoError(t, err)
			t.Cleanup(func() {
				s.Stop()
				sys.Close()
			})
			require.True(t, sys.Wire("eth0").Allmulti)

			now := time.Unix(1000, 0)
			require.NoError(t, sys.Wire("eth0").InjectSolicit(client, addr.Address{}, target, clientMAC))
			require.NoError(t, s.Step(now))

			p := s.Proxies()[0]
			ss, ok := p.Session(target)
			require.True(t, ok)
			require.Equal(t, proxy.Waiting, ss.Status())
			require.Equal(t, []string{"eth1"}, ss.Egress())

			sent, err := sys.Wire("eth1").ReadSent()
			require.NoError(t, err)
			require.Len(t, sent, 1)
			require.NotNil(t, sent[0].Solicit)
			require.Equal(t, target, sent[0].Solicit.Target)
			require.Equal(t, target.SolicitedNode(), sent[0].Solicit.Destination)

			require.NoError(t, sys.Wire("eth1").InjectAdvert(host, target, hostMAC))
			require.NoError(t, s.Step(now.Add(100*time.Millisecond)))
			require.Equal(t, proxy.Valid, ss.Status())

			sent, err = sys.Wire("eth0").ReadSent()
			require.NoError(t, err)
			require.Len(t, sent, 1)
			na := sent[0].Advert
			require.NotNil(t, na)
			require.Equal(t, client, na.Destination)
			require.Equal(t, target, na.Target)
			require.True(t, na.Router())
			require.True(t, na.Solicited())
			require.Equal(t, sys.Wire("eth0").Info.HWAddr, na.LinkAddr)

			require.Contains(t, s.Summary(), "Resolved:1")

			require.NoError(t, s.Step(now.Add(3*time.Second)))
			require.Empty(t, p.Sessions())
		})
	}
}

func TestTimeoutEndToEnd(t *testing.T) {
	sys := conpair.NewSystem("eth0", "eth1")
	cfg := Config{
		Proxies: []ProxyConfig{
			{
				Iface: "eth0",
				Rules: []RuleConfig{
					{CIDR: addr.MustParse("2001:db8::/32"), Kind: proxy.Forward, Iface: "eth1"},
				},
			},
		},
	}
	s, err := NewSched(cfg, WithSystem(sys))
	require.NoError(t, err)
	defer sys.Close()
	defer s.Stop()
	require.Nil(t, s.Routes())
	require.Equal(t, proxy.DefaultTTL, s.Proxies()[0].TTL())
	require.Equal(t, proxy.DefaultTimeout, s.Proxies()[0].Timeout())

	now := time.Unix(1000, 0)
	require.NoError(t, sys.Wire("eth0").InjectSolicit(client, addr.Address{}, target, clientMAC))
	require.NoError(t, s.Step(now))
	require.NoError(t, s.Step(now.Add(proxy.DefaultTimeout)))
	ss, ok := s.Proxies()[0].Session(target)
	require.True(t, ok)
	require.Equal(t, proxy.Invalid, ss.Status())

	// asked again while unreachable, no answer and no new NS
	require.NoError(t, sys.Wire("eth0").InjectSolicit(client, addr.Address{}, target, clientMAC))
	require.NoError(t, s.Step(now.Add(time.Second)))
	sent, err := sys.Wire("eth0").ReadSent()
	require.NoError(t, err)
	require.Empty(t, sent)
	sent, err = sys.Wire("eth1").ReadSent()
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.True(t, strings.Contains(s.Summary(), "Timeouts:1"))
}

func TestZeroTTLKept(t *testing.T) {
	sys := conpair.NewSystem("eth0", "eth1")
	cfg := Config{
		Proxies: []ProxyConfig{
			{
				Iface:   "eth0",
				TTL:     duration(0),
				Timeout: duration(0),
				Rules: []RuleConfig{
					{CIDR: addr.MustParse("2001:db8::/32"), Kind: proxy.Forward, Iface: "eth1"},
				},
			},
		},
	}
	s, err := NewSched(cfg, WithSystem(sys))
	require.NoError(t, err)
	defer sys.Close()
	defer s.Stop()
	p := s.Proxies()[0]
	require.Equal(t, time.Duration(0), p.TTL())
	require.Equal(t, time.Duration(0), p.Timeout())

	// the session gives up on the first tick and is gone on the next
	now := time.Unix(1000, 0)
	require.NoError(t, sys.Wire("eth0").InjectSolicit(client, addr.Address{}, target, clientMAC))
	require.NoError(t, s.Step(now))
	ss, ok := p.Session(target)
	require.True(t, ok)
	require.Equal(t, proxy.Invalid, ss.Status())
	require.NoError(t, s.Step(now))
	require.Empty(t, p.Sessions())
}

func TestStaticEndToEnd(t *testing.T) {
	sys := conpair.NewSystem("eth0")
	cfg := Config{
		Proxies: []ProxyConfig{
			{
				Iface:  "eth0",
				Router: false,
				Rules: []RuleConfig{
					{CIDR: addr.MustParse("2001:db8::/64"), Kind: proxy.Static},
				},
			},
		},
	}
	s, err := NewSched(cfg, WithSystem(sys))
	require.NoError(t, err)
	defer sys.Close()
	defer s.Stop()

	require.NoError(t, sys.Wire("eth0").InjectSolicit(client, addr.Address{}, target, clientMAC))
	require.NoError(t, s.Step(time.Unix(1000, 0)))
	sent, err := sys.Wire("eth0").ReadSent()
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Advert)
	require.False(t, sent[0].Advert.Router())
	require.Empty(t, s.Proxies()[0].Sessions())
}

func TestNewSchedErrors(t *testing.T) {
	testList := []struct {
		name string
		cfg  Config
	}{
		{
			name: "no proxy",
			cfg:  Config{},
		},
		{
			name: "unknown proxy interface",
			cfg: Config{Proxies: []ProxyConfig{
				{Iface: "nonexist"},
			}},
		},
		{
			name: "unknown forward interface",
			cfg: Config{Proxies: []ProxyConfig{
				{Iface: "eth0", Rules: []RuleConfig{
					{CIDR: addr.MustParse("2001:db8::/32"), Kind: proxy.Forward, Iface: "nonexist"},
				}},
			}},
		},
		{
			name: "broken interface",
			cfg: Config{Proxies: []ProxyConfig{
				{Iface: "broken"},
			}},
		},
	}
	for _, c := range testList {
		t.Run(c.name, func(t *testing.T) {
			sys := conpair.NewSystem("eth0")
			sys.AddLink("broken")
			sys.Fail["broken"] = errors.New("down")
			defer sys.Close()
			_, err := NewSched(c.cfg, WithSystem(sys))
			require.Error(t, err)
			require.False(t, sys.Wire("eth0").Allmulti)
		})
	}
}

func TestMain(m *testing.M) {
	l, _ := zap.NewDevelopment()
	common.Logger = l.Sugar()
	os.Exit(m.Run())
}
