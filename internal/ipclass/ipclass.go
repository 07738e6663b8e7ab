// Package ipclass classifies client IPs against the reserved and special-use
// address registries. The range table is compiled once at init; Classify is a
// handful of prefix checks and runs on the edge hot path.
package ipclass

import "net/netip"

// Type is the coarse classification of a source address.
type Type string

const (
	TypePublic        Type = "public"
	TypePrivate       Type = "private"
	TypeLoopback      Type = "loopback"
	TypeLinkLocal     Type = "linklocal"
	TypeCGNAT         Type = "cgnat"
	TypeDocumentation Type = "documentation"
	TypeMulticast     Type = "multicast"
	TypeReserved      Type = "reserved"
	TypeBenchmark     Type = "benchmark"
	TypeInvalid       Type = "invalid"
)

type entry struct {
	prefix netip.Prefix
	typ    Type
}

var ranges []entry

func init() {
	add := func(cidr string, t Type) {
		ranges = append(ranges, entry{netip.MustParsePrefix(cidr), t})
	}

	// RFC 1918
	add("10.0.0.0/8", TypePrivate)
	add("172.16.0.0/12", TypePrivate)
	add("192.168.0.0/16", TypePrivate)
	// Loopback
	add("127.0.0.0/8", TypeLoopback)
	add("::1/128", TypeLoopback)
	// Link-local
	add("169.254.0.0/16", TypeLinkLocal)
	add("fe80::/10", TypeLinkLocal)
	// CGNAT (RFC 6598)
	add("100.64.0.0/10", TypeCGNAT)
	// Documentation (RFC 5737, RFC 3849)
	add("192.0.2.0/24", TypeDocumentation)
	add("198.51.100.0/24", TypeDocumentation)
	add("203.0.113.0/24", TypeDocumentation)
	add("2001:db8::/32", TypeDocumentation)
	// Benchmark (RFC 2544)
	add("198.18.0.0/15", TypeBenchmark)
	// Multicast
	add("224.0.0.0/4", TypeMulticast)
	add("ff00::/8", TypeMulticast)
	// Reserved / special
	add("0.0.0.0/8", TypeReserved)
	add("192.0.0.0/24", TypeReserved)
	add("240.0.0.0/4", TypeReserved)
	add("fc00::/7", TypePrivate) // ULA
	add("2001::/32", TypeReserved)
	add("::/128", TypeReserved)
}

// Classify parses the address and returns its type. Unparseable input yields
// TypeInvalid; addresses in no special-use range are TypePublic.
func Classify(ip string) Type {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return TypeInvalid
	}
	addr = addr.Unmap()
	for _, e := range ranges {
		if e.prefix.Contains(addr) {
			return e.typ
		}
	}
	return TypePublic
}

// SkipGeo reports whether geo lookups are pointless for this address type.
// Only public addresses have meaningful geolocation.
func SkipGeo(t Type) bool {
	return t != TypePublic
}
