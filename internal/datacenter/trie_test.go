package datacenter

import (
	"net/netip"
	"testing"
)

func TestTrieLookup(t *testing.T) {
	trie := NewTrie()
	trie.Insert(netip.MustParsePrefix("52.0.0.0/11"), "aws")
	trie.Insert(netip.MustParsePrefix("34.64.0.0/10"), "gcp")
	trie.Insert(netip.MustParsePrefix("2600:1f00::/24"), "aws")

	tests := []struct {
		ip       string
		provider string
		found    bool
	}{
		{"52.1.2.3", "aws", true},
		{"52.31.255.255", "aws", true},
		{"52.32.0.0", "", false}, // first address past the /11
		{"34.64.0.1", "gcp", true},
		{"34.128.0.1", "", false},
		{"8.8.8.8", "", false},
		{"2600:1f00::1", "aws", true},
		{"2600:2000::1", "", false},
		{"garbage", "", false},
	}
	for _, tt := range tests {
		provider, found := trie.Lookup(tt.ip)
		if found != tt.found || provider != tt.provider {
			t.Errorf("Lookup(%q) = (%q, %v), want (%q, %v)", tt.ip, provider, found, tt.provider, tt.found)
		}
	}
}

func TestTrieMostSpecificWins(t *testing.T) {
	trie := NewTrie()
	trie.Insert(netip.MustParsePrefix("10.0.0.0/8"), "outer")
	trie.Insert(netip.MustParsePrefix("10.1.0.0/16"), "inner")

	if provider, ok := trie.Lookup("10.1.2.3"); !ok || provider != "inner" {
		t.Errorf("Lookup(10.1.2.3) = (%q, %v), want (inner, true)", provider, ok)
	}
	if provider, ok := trie.Lookup("10.2.0.1"); !ok || provider != "outer" {
		t.Errorf("Lookup(10.2.0.1) = (%q, %v), want (outer, true)", provider, ok)
	}
}

func TestTrieLen(t *testing.T) {
	trie := NewTrie()
	trie.Insert(netip.MustParsePrefix("10.0.0.0/8"), "a")
	trie.Insert(netip.MustParsePrefix("10.0.0.0/8"), "a") // duplicate
	trie.Insert(netip.MustParsePrefix("192.168.0.0/16"), "b")
	if trie.Len() != 2 {
		t.Errorf("Len = %d, want 2", trie.Len())
	}
}

func TestSetSwapIsVisible(t *testing.T) {
	set := NewSet()
	if _, ok := set.Lookup("52.1.2.3"); ok {
		t.Fatal("empty set should find nothing")
	}

	trie := NewTrie()
	trie.Insert(netip.MustParsePrefix("52.0.0.0/11"), "aws")
	set.Swap(trie)

	if provider, ok := set.Lookup("52.1.2.3"); !ok || provider != "aws" {
		t.Errorf("after swap, Lookup = (%q, %v), want (aws, true)", provider, ok)
	}
	if set.Len() != 1 {
		t.Errorf("Len = %d, want 1", set.Len())
	}
}

func TestTrieMappedV4(t *testing.T) {
	trie := NewTrie()
	trie.Insert(netip.MustParsePrefix("52.0.0.0/11"), "aws")
	if _, ok := trie.Lookup("::ffff:52.1.2.3"); !ok {
		t.Error("mapped v4 address should hit the v4 trie")
	}
}
