// Package datacenter answers "is this IP inside a known cloud range" on the
// edge hot path. Lookups walk a binary prefix trie; the whole trie is rebuilt
// off the hot path on refresh and published with a single atomic pointer
// swap, so readers never observe a partial update.
package datacenter

import (
	"net/netip"
	"sync/atomic"
)

type node struct {
	children [2]*node
	terminal bool
	provider string
}

// Trie is an immutable binary prefix trie over IPv4 and IPv6 CIDRs.
// Build it fully, then publish it; it is never mutated after publish.
type Trie struct {
	v4    *node
	v6    *node
	count int
}

// NewTrie builds an empty trie.
func NewTrie() *Trie {
	return &Trie{v4: &node{}, v6: &node{}}
}

// Insert adds a CIDR with its provider label. Only valid during build,
// before the trie is published.
func (t *Trie) Insert(prefix netip.Prefix, provider string) {
	addr := prefix.Addr().Unmap()
	root := t.v6
	if addr.Is4() {
		root = t.v4
	}
	bytes := addr.AsSlice()
	n := root
	for i := 0; i < prefix.Bits(); i++ {
		bit := (bytes[i/8] >> (7 - i%8)) & 1
		if n.children[bit] == nil {
			n.children[bit] = &node{}
		}
		n = n.children[bit]
	}
	if !n.terminal {
		t.count++
	}
	n.terminal = true
	n.provider = provider
}

// Lookup reports whether the address falls inside any inserted prefix and,
// if so, which provider owns the covering range.
func (t *Trie) Lookup(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	root := t.v6
	maxBits := 128
	if addr.Is4() {
		root = t.v4
		maxBits = 32
	}
	bytes := addr.AsSlice()
	n := root
	provider := ""
	found := false
	for i := 0; i < maxBits; i++ {
		if n.terminal {
			provider, found = n.provider, true
		}
		bit := (bytes[i/8] >> (7 - i%8)) & 1
		if n.children[bit] == nil {
			return provider, found
		}
		n = n.children[bit]
	}
	if n.terminal {
		provider, found = n.provider, true
	}
	return provider, found
}

// Len returns the number of distinct prefixes inserted.
func (t *Trie) Len() int { return t.count }

// Set holds the active trie behind an atomic pointer.
type Set struct {
	active atomic.Pointer[Trie]
}

// NewSet starts with an empty trie so lookups are valid before first load.
func NewSet() *Set {
	s := &Set{}
	s.active.Store(NewTrie())
	return s
}

// Swap publishes a fully built trie.
func (s *Set) Swap(t *Trie) {
	s.active.Store(t)
}

// Lookup queries the active trie.
func (s *Set) Lookup(ip string) (string, bool) {
	return s.active.Load().Lookup(ip)
}

// Len returns the active trie's prefix count.
func (s *Set) Len() int {
	return s.active.Load().Len()
}
