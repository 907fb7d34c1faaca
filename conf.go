package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hujun-open/ndpproxy/addr"
	"github.com/hujun-open/ndpproxy/proxy"
	"github.com/hujun-open/ndpproxy/route"
	"github.com/hujun-open/ndpproxy/sched"
	"github.com/hujun-open/shouchan"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

func init() {
	shouchan.Register[zapcore.Level](levelToStr, levelFromStr)
}

const defaultConfFile = "/etc/ndpproxy.yaml"

// cliConf is what is read from the command line.
type cliConf struct {
	Config   string        `alias:"c" usage:"configuration file"`
	Debug    bool          `alias:"d" usage:"enable debug output"`
	PidFile  string        `alias:"p" usage:"write the process id to this file"`
	LogLevel zapcore.Level `usage:"log level, debug|info|warn|error"`
}

func newDefaultCLIConf() *cliConf {
	return &cliConf{
		Config:   defaultConfFile,
		LogLevel: zapcore.InfoLevel,
	}
}

func (c *cliConf) level() zapcore.Level {
	if c.Debug {
		return zapcore.DebugLevel
	}
	return c.LogLevel
}

func levelFromStr(text string) (any, error) {
	return zapcore.ParseLevel(strings.ToLower(text))
}

func levelToStr(in any) (string, error) {
	return in.(zapcore.Level).String(), nil
}

// the config file, ttl and timeout are in milliseconds
type ruleConf struct {
	CIDR   string `yaml:"cidr"`
	Iface  string `yaml:"iface"`
	Auto   bool   `yaml:"auto"`
	Static bool   `yaml:"static"`
}

type proxyConf struct {
	Iface   string     `yaml:"iface"`
	Router  *bool      `yaml:"router"`
	TTL     *int       `yaml:"ttl"`
	Timeout *int       `yaml:"timeout"`
	Rules   []ruleConf `yaml:"rules"`
}

type fileConf struct {
	RouteTTL    *int        `yaml:"route-ttl"`
	RouteSource string      `yaml:"route-source"`
	Proxies     []proxyConf `yaml:"proxies"`
}

func msOrDefault(v *int, def time.Duration) time.Duration {
	if v == nil || *v < 0 {
		return def
	}
	return time.Duration(*v) * time.Millisecond
}

// msOrUnset is nil for a missing or negative value so the proxy default
// applies, an explicit 0 stays 0.
func msOrUnset(v *int) *time.Duration {
	if v == nil || *v < 0 {
		return nil
	}
	d := time.Duration(*v) * time.Millisecond
	return &d
}

func (rc ruleConf) init() (sched.RuleConfig, error) {
	r := sched.RuleConfig{}
	if rc.CIDR == "" {
		return r, fmt.Errorf("rule without cidr")
	}
	cidr, err := addr.Parse(rc.CIDR)
	if err != nil {
		return r, err
	}
	r.CIDR = cidr
	n := 0
	if rc.Iface != "" {
		n++
		r.Kind = proxy.Forward
		r.Iface = rc.Iface
	}
	if rc.Auto {
		n++
		r.Kind = proxy.Auto
	}
	if rc.Static {
		n++
		r.Kind = proxy.Static
	}
	if n != 1 {
		return r, fmt.Errorf("rule %v must have exactly one of iface, auto or static", rc.CIDR)
	}
	return r, nil
}

func (pc proxyConf) init() (sched.ProxyConfig, error) {
	p := sched.ProxyConfig{
		Iface:   pc.Iface,
		Router:  true,
		TTL:     msOrUnset(pc.TTL),
		Timeout: msOrUnset(pc.Timeout),
	}
	if pc.Iface == "" {
		return p, fmt.Errorf("proxy without interface name")
	}
	if pc.Router != nil {
		p.Router = *pc.Router
	}
	for _, rc := range pc.Rules {
		r, err := rc.init()
		if err != nil {
			return p, fmt.Errorf("proxy %v: %w", pc.Iface, err)
		}
		p.Rules = append(p.Rules, r)
	}
	return p, nil
}

func (fc *fileConf) init() (sched.Config, error) {
	cfg := sched.Config{
		RouteTTL: msOrDefault(fc.RouteTTL, route.DefaultTTL),
	}
	switch strings.ToLower(fc.RouteSource) {
	case "", "proc":
		cfg.RouteSource = route.ProcSource{}
	case "netlink":
		cfg.RouteSource = route.NetlinkSource{}
	default:
		return cfg, fmt.Errorf("unknown route-source %q, proc|netlink", fc.RouteSource)
	}
	if len(fc.Proxies) == 0 {
		return cfg, fmt.Errorf("no proxy configured")
	}
	seen := make(map[string]bool)
	for _, pc := range fc.Proxies {
		p, err := pc.init()
		if err != nil {
			return cfg, err
		}
		if seen[p.Iface] {
			return cfg, fmt.Errorf("duplicate proxy for interface %v", p.Iface)
		}
		seen[p.Iface] = true
		cfg.Proxies = append(cfg.Proxies, p)
	}
	return cfg, nil
}

// loadConf parses a YAML config, unknown keys are errors.
func loadConf(r io.Reader) (sched.Config, error) {
	fc := new(fileConf)
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil {
		if errors.Is(err, io.EOF) {
			return sched.Config{}, fmt.Errorf("empty configuration")
		}
		return sched.Config{}, fmt.Errorf("invalid configuration, %w", err)
	}
	return fc.init()
}

func loadConfFile(path string) (sched.Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return sched.Config{}, fmt.Errorf("failed to read %v, %w", path, err)
	}
	cfg, err := loadConf(bytes.NewReader(buf))
	if err != nil {
		return cfg, fmt.Errorf("%v: %w", path, err)
	}
	return cfg, nil
}
