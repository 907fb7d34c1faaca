// addr
package addr

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"
)

const fullBits = 128

// Address is an IPv6 address with a prefix length, a full length address
// is a single host, a shorter one is a prefix.
type Address struct {
	ip   netip.Addr
	bits int
}

var (
	// Unspecified is ::
	Unspecified = From(netip.IPv6Unspecified())
	// AllNodes is ff02::1
	AllNodes = From(netip.IPv6LinkLocalAllNodes())
)

var solicitedNodePrefix = netip.MustParsePrefix("ff02::1:ff00:0/104")

// From returns a host address, ip must be IPv6.
func From(ip netip.Addr) Address {
	return Address{ip: ip, bits: fullBits}
}

// FromPrefix returns the address form of pfx.
func FromPrefix(pfx netip.Prefix) (Address, error) {
	if !pfx.IsValid() || !pfx.Addr().Is6() || pfx.Addr().Is4In6() {
		return Address{}, fmt.Errorf("%v is not an IPv6 prefix", pfx)
	}
	return Address{ip: pfx.Addr(), bits: pfx.Bits()}, nil
}

// FromSlice returns a host address from a 16 byte slice.
func FromSlice(b []byte) (Address, bool) {
	if len(b) != net.IPv6len {
		return Address{}, false
	}
	ip, _ := netip.AddrFromSlice(b)
	return From(ip), true
}

// FromStd converts a net.IP, IPv4 addresses are rejected.
func FromStd(ip net.IP) (Address, bool) {
	if ip.To4() != nil {
		return Address{}, false
	}
	nip, ok := netipx.FromStdIP(ip)
	if !ok || !nip.Is6() {
		return Address{}, false
	}
	return From(nip), true
}

// Parse accepts "2001:db8::1" or "2001:db8::/32".
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	ipstr, lenstr, hasLen := strings.Cut(s, "/")
	ip, err := netip.ParseAddr(ipstr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q, %w", s, err)
	}
	if !ip.Is6() || ip.Is4In6() {
		return Address{}, fmt.Errorf("%q is not an IPv6 address", s)
	}
	if ip.Zone() != "" {
		return Address{}, fmt.Errorf("zoned address %q is not supported", s)
	}
	r := From(ip)
	if hasLen {
		n, err := strconv.Atoi(lenstr)
		if err != nil || n < 0 || n > fullBits {
			return Address{}, fmt.Errorf("invalid prefix length in %q", s)
		}
		r.bits = n
	}
	return r, nil
}

// MustParse is Parse that panics, for tests and constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) masked() netip.Addr {
	if !a.ip.IsValid() {
		return a.ip
	}
	p, _ := a.ip.Prefix(a.bits)
	return p.Addr()
}

// Addr returns the address part, unmasked.
func (a Address) Addr() netip.Addr { return a.ip }

// Bits returns the prefix length.
func (a Address) Bits() int { return a.bits }

// IsValid is false for the zero Address.
func (a Address) IsValid() bool { return a.ip.IsValid() }

// Prefix returns the masked prefix.
func (a Address) Prefix() netip.Prefix {
	return netip.PrefixFrom(a.masked(), a.bits)
}

// Host returns a with a full length mask.
func (a Address) Host() Address {
	return From(a.ip)
}

// Equal masks both with a's mask and compares, prefix lengths must match.
func (a Address) Equal(o Address) bool {
	if a.bits != o.bits {
		return false
	}
	return a.masked() == o.Mask(a.bits).ip
}

// Contains reports whether o falls inside a.
func (a Address) Contains(o Address) bool {
	if !a.ip.IsValid() || !o.ip.IsValid() {
		return false
	}
	return a.masked() == o.Mask(a.bits).ip
}

// Mask returns a host address holding a masked to bits.
func (a Address) Mask(bits int) Address {
	if !a.ip.IsValid() {
		return a
	}
	p, _ := a.ip.Prefix(bits)
	return From(p.Addr())
}

// IsMulticast checks the top byte.
func (a Address) IsMulticast() bool {
	return a.ip.IsValid() && a.ip.As16()[0] == 0xff
}

func (a Address) IsUnspecified() bool {
	return a.ip.IsUnspecified()
}

// SolicitedNode returns ff02::1:ffXX:XXXX for a.
func (a Address) SolicitedNode() Address {
	b := solicitedNodePrefix.Addr().As16()
	src := a.ip.As16()
	copy(b[13:], src[13:])
	return From(netip.AddrFrom16(b))
}

// Std returns a copy as net.IP.
func (a Address) Std() net.IP {
	b := a.ip.As16()
	return net.IP(b[:])
}

// As16 returns the raw bytes.
func (a Address) As16() [16]byte {
	return a.ip.As16()
}

func (a Address) String() string {
	if !a.ip.IsValid() {
		return "invalid"
	}
	if a.bits == fullBits {
		return a.ip.String()
	}
	return fmt.Sprintf("%v/%d", a.ip, a.bits)
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	r, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = r
	return nil
}
