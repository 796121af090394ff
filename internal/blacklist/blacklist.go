// Package blacklist implements the CIDR-based peer/client address policy
// described in the allocation core's design: subnet matching with correct
// IPv4/IPv6 and IPv4-mapped-IPv6 handling, plus a fixed set of entries that
// are always in force regardless of configuration.
package blacklist

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// Subnet is one blacklist entry: a network address and prefix length. The
// network may be 4 or 16 bytes (net.IP's two representations).
type Subnet struct {
	Network net.IP
	Prefix  int
}

// defaultEntries are always merged into every List regardless of
// configuration, per the core's design.
var defaultEntries = []string{
	"0.0.0.0/8",
	"::/128",
	"2001::/32", // Teredo
	"2002::/16", // 6to4
}

// List is an ordered set of blacklisted subnets. The zero value is an
// empty list; use New to get one seeded with the mandatory defaults.
type List struct {
	subnets []Subnet
}

// New returns a List seeded with the mandatory defaults plus extra.
func New(extra []Subnet) *List {
	l := &List{}
	for _, cidr := range defaultEntries {
		s, err := Parse(cidr)
		if err != nil {
			// defaultEntries is a compile-time constant; a parse failure
			// here is a programmer error, not a runtime condition.
			panic(fmt.Sprintf("blacklist: bad default entry %q: %v", cidr, err))
		}
		l.subnets = append(l.subnets, s)
	}
	l.subnets = append(l.subnets, extra...)
	return l
}

// Parse parses a CIDR string ("10.0.0.0/8", "::1/128") into a Subnet.
func Parse(cidr string) (Subnet, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return Subnet{}, fmt.Errorf("blacklist: parsing %q: %w", cidr, err)
	}
	ones, _ := ipNet.Mask.Size()
	// Preserve the address family width of what was written (4 vs 16
	// bytes) rather than net.ParseCIDR's occasionally-4-byte-for-v4 IP.
	if ip4 := ipNet.IP.To4(); ip4 != nil && len(ipNet.IP) == net.IPv4len {
		return Subnet{Network: ip4, Prefix: ones}, nil
	}
	return Subnet{Network: ipNet.IP.To16(), Prefix: ones}, nil
}

// LoadFile reads one CIDR per line (blank lines and "#"-prefixed comments
// ignored) and returns the parsed subnets, for the server config's
// blacklist_file option. The caller merges the result into a List, either
// through New's extra argument or with Add.
func LoadFile(path string) ([]Subnet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blacklist: opening %s: %w", path, err)
	}
	defer f.Close()

	var subnets []Subnet
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := Parse(line)
		if err != nil {
			return nil, err
		}
		subnets = append(subnets, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("blacklist: reading %s: %w", path, err)
	}
	return subnets, nil
}

// Subnets returns a copy of the list's entries, in match order.
func (l *List) Subnets() []Subnet {
	out := make([]Subnet, len(l.subnets))
	copy(out, l.subnets)
	return out
}

// Add appends a subnet to the list.
func (l *List) Add(s Subnet) {
	l.subnets = append(l.subnets, s)
}

// Blocked reports whether ip matches any subnet in the list.
func (l *List) Blocked(ip net.IP) bool {
	for _, s := range l.subnets {
		if Matches(ip, s) {
			return true
		}
	}
	return false
}

// BlockedAny reports whether any of ips matches any subnet in the list,
// used for CreatePermission/ChannelBind requests that carry several
// XOR-PEER-ADDRESS attributes at once.
func (l *List) BlockedAny(ips []net.IP) bool {
	for _, ip := range ips {
		if l.Blocked(ip) {
			return true
		}
	}
	return false
}

// v4MappedPrefix is the ::ffff:0:0/96 prefix used to promote an IPv4
// address to its IPv4-mapped IPv6 form.
var v4MappedPrefix = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}

// Matches implements the family-aware subnet comparison from the core's
// design:
//   - v4 vs v4 and v6 vs v6: compare the top Prefix bits directly.
//   - v4 address vs v6 network: promote the address to IPv4-mapped-IPv6
//     form, then compare as v6.
//   - v6 IPv4-mapped address vs v4 network: strip the "::ffff:" prefix,
//     then compare as v4.
//   - any other family combination: never matches.
func Matches(addr net.IP, s Subnet) bool {
	addr4 := addr.To4()
	net4 := s.Network.To4()
	isAddrV4 := addr4 != nil && len(addr) != net.IPv6len
	isNetV4 := net4 != nil && len(s.Network) != net.IPv6len

	// Pure v4-vs-v4 and v6-vs-v6 are the common cases.
	if isAddrV4 && isNetV4 {
		return prefixMatch(addr4, net4, s.Prefix)
	}
	if !isAddrV4 && !isNetV4 {
		return prefixMatch(addr.To16(), s.Network.To16(), s.Prefix)
	}

	// v4 address against a v6 network: promote the address.
	if isAddrV4 && !isNetV4 {
		mapped := make(net.IP, net.IPv6len)
		copy(mapped[:12], v4MappedPrefix[:])
		copy(mapped[12:], addr4)
		return prefixMatch(mapped, s.Network.To16(), s.Prefix)
	}

	// v6 IPv4-mapped address against a v4 network: demote the address.
	if !isAddrV4 && isNetV4 {
		a16 := addr.To16()
		if a16 == nil || !isV4Mapped(a16) {
			return false
		}
		return prefixMatch(a16[12:], net4, s.Prefix)
	}

	return false
}

func isV4Mapped(ip16 net.IP) bool {
	for i := 0; i < 10; i++ {
		if ip16[i] != 0 {
			return false
		}
	}
	return ip16[10] == 0xff && ip16[11] == 0xff
}

// prefixMatch compares the top prefixBits of a and b, which must be the
// same length.
func prefixMatch(a, b net.IP, prefixBits int) bool {
	if len(a) != len(b) {
		return false
	}
	if prefixBits < 0 {
		prefixBits = 0
	}
	maxBits := len(a) * 8
	if prefixBits > maxBits {
		prefixBits = maxBits
	}

	fullBytes := prefixBits / 8
	for i := 0; i < fullBytes; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	remBits := prefixBits % 8
	if remBits == 0 {
		return true
	}
	mask := byte(0xFF << (8 - remBits))
	return a[fullBytes]&mask == b[fullBytes]&mask
}
