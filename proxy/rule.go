package proxy

import (
	"fmt"

	"github.com/hujun-open/ndpproxy/addr"
)

// RuleKind says what a rule does with a target it matches.
type RuleKind int

const (
	// Static answers right away, the target is assumed reachable
	Static RuleKind = iota
	// Forward solicits the target on a configured interface
	Forward
	// Auto solicits the target on whatever interface routes to it
	Auto
)

func (k RuleKind) String() string {
	switch k {
	case Static:
		return "static"
	case Forward:
		return "forward"
	case Auto:
		return "auto"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

func (k RuleKind) MarshalText() ([]byte, error) {
	switch k {
	case Static, Forward, Auto:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("unknown rule kind %d", int(k))
}

func (k *RuleKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "static":
		*k = Static
	case "forward", "iface":
		*k = Forward
	case "auto":
		*k = Auto
	default:
		return fmt.Errorf("unknown rule kind %q", text)
	}
	return nil
}

// Rule is a CIDR guarded action; Link is only set for Forward.
type Rule struct {
	CIDR addr.Address
	Kind RuleKind
	Link Link
}

func (r Rule) String() string {
	if r.Kind == Forward && r.Link != nil {
		return fmt.Sprintf("%v %v %v", r.CIDR, r.Kind, r.Link.Name())
	}
	return fmt.Sprintf("%v %v", r.CIDR, r.Kind)
}

// fires reports whether r applies to a NS for target sent to dst: a
// multicast NS must go to the target's solicited-node group, a unicast one
// must be addressed inside the rule's range.
func (r Rule) fires(dst, target addr.Address) bool {
	if !r.CIDR.Contains(target) {
		return false
	}
	if dst.IsMulticast() {
		return dst == target.SolicitedNode()
	}
	return r.CIDR.Contains(dst)
}
