package datacenter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"go.uber.org/zap"
)

// Refresher periodically re-downloads the cloud CIDR feeds and swaps a
// freshly built trie into the Set.
type Refresher struct {
	set      *Set
	seedFile string
	sources  []string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger
}

func NewRefresher(set *Set, seedFile string, sources []string, interval time.Duration, logger *zap.Logger) *Refresher {
	return &Refresher{
		set:      set,
		seedFile: seedFile,
		sources:  sources,
		interval: interval,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

// LoadSeed builds an initial trie from the on-disk seed file (one CIDR per
// line, optional "cidr provider" second column). Missing seed file is not an
// error: the edge starts with an empty trie and tags datacenter=0.
func (r *Refresher) LoadSeed() error {
	if r.seedFile == "" {
		return nil
	}
	f, err := os.Open(r.seedFile)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("datacenter seed file missing, starting empty", zap.String("path", r.seedFile))
			return nil
		}
		return fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()

	trie := NewTrie()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		provider := "seed"
		if len(fields) > 1 {
			provider = fields[1]
		}
		prefix, err := netip.ParsePrefix(fields[0])
		if err != nil {
			continue
		}
		trie.Insert(prefix, provider)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}

	r.set.Swap(trie)
	metrics.DatacenterPrefixes.Set(float64(trie.Len()))
	r.logger.Info("datacenter trie loaded from seed",
		zap.String("path", r.seedFile),
		zap.Int("prefixes", trie.Len()),
	)
	return nil
}

// Run refreshes on the configured interval until the context ends.
// The first refresh happens immediately so a stale seed gets replaced
// without waiting a week.
func (r *Refresher) Run(ctx context.Context) {
	if len(r.sources) == 0 {
		return
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial datacenter refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("datacenter refresh failed, keeping previous trie", zap.Error(err))
			}
		}
	}
}

// Refresh downloads all sources, builds a new trie, and swaps it in. Any
// source failing fails the whole refresh; the previous trie stays active.
func (r *Refresher) Refresh(ctx context.Context) error {
	trie := NewTrie()
	for _, src := range r.sources {
		if err := r.fetchInto(ctx, trie, src); err != nil {
			return fmt.Errorf("fetching %s: %w", src, err)
		}
	}

	// Persist the merged list so a restart does not start empty.
	if r.seedFile != "" {
		if err := r.writeSeed(trie); err != nil {
			r.logger.Warn("persisting datacenter seed failed", zap.Error(err))
		}
	}

	r.set.Swap(trie)
	metrics.DatacenterPrefixes.Set(float64(trie.Len()))
	r.logger.Info("datacenter trie refreshed", zap.Int("prefixes", trie.Len()))
	return nil
}

// Cloud range feeds come in two JSON shapes:
//
//	AWS:  {"prefixes":[{"ip_prefix":"1.2.3.0/24"}],"ipv6_prefixes":[{"ipv6_prefix":"..."}]}
//	GCP:  {"prefixes":[{"ipv4Prefix":"1.2.3.0/24"},{"ipv6Prefix":"..."}]}
type feedDoc struct {
	Prefixes []struct {
		IPPrefix   string `json:"ip_prefix"`
		IPv4Prefix string `json:"ipv4Prefix"`
		IPv6Prefix string `json:"ipv6Prefix"`
	} `json:"prefixes"`
	IPv6Prefixes []struct {
		IPv6Prefix string `json:"ipv6_prefix"`
	} `json:"ipv6_prefixes"`
}

func (r *Refresher) fetchInto(ctx context.Context, trie *Trie, src string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var doc feedDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding feed: %w", err)
	}

	provider := providerFromURL(src)
	insert := func(cidr string) {
		if cidr == "" {
			return
		}
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return
		}
		trie.Insert(prefix, provider)
	}
	for _, p := range doc.Prefixes {
		insert(p.IPPrefix)
		insert(p.IPv4Prefix)
		insert(p.IPv6Prefix)
	}
	for _, p := range doc.IPv6Prefixes {
		insert(p.IPv6Prefix)
	}
	return nil
}

func (r *Refresher) writeSeed(trie *Trie) error {
	tmp := r.seedFile + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	writeNode(w, trie.v4, netip.AddrFrom4([4]byte{}), 0, 32)
	writeNode(w, trie.v6, netip.AddrFrom16([16]byte{}), 0, 128)
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.seedFile)
}

func writeNode(w *bufio.Writer, n *node, addr netip.Addr, depth, maxBits int) {
	if n == nil {
		return
	}
	if n.terminal {
		fmt.Fprintf(w, "%s/%d %s\n", addr, depth, n.provider)
	}
	if depth == maxBits {
		return
	}
	writeNode(w, n.children[0], addr, depth+1, maxBits)
	writeNode(w, n.children[1], setBit(addr, depth), depth+1, maxBits)
}

func setBit(addr netip.Addr, bit int) netip.Addr {
	b := addr.AsSlice()
	b[bit/8] |= 1 << (7 - bit%8)
	out, _ := netip.AddrFromSlice(b)
	return out
}

func providerFromURL(src string) string {
	switch {
	case strings.Contains(src, "amazonaws"):
		return "aws"
	case strings.Contains(src, "gstatic") || strings.Contains(src, "google"):
		return "gcp"
	case strings.Contains(src, "microsoft") || strings.Contains(src, "azure"):
		return "azure"
	}
	return "cloud"
}
