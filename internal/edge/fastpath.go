package edge

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/smartpixl/pixel-ingester/internal/datacenter"
	"github.com/smartpixl/pixel-ingester/internal/ipclass"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
)

// Fast-path thresholds. These run synchronously in the request path with a
// sub-millisecond budget, so all state is in-process.
const (
	fpWindow         = 24 * time.Hour
	fpAlertThreshold = 3
	fpRateWindow     = 5 * time.Minute
	rapidFireGap     = 15 * time.Second
	subSecondGap     = time.Second
	subnetWindow     = 5 * time.Minute
	subnetThreshold  = 3
)

// FastPath holds the per-edge in-memory classification state: the datacenter
// trie plus sliding windows for fingerprint stability and IP/subnet
// velocity. Window entries carry their own mutex; the outer cache handles
// TTL eviction.
type FastPath struct {
	dc      *datacenter.Set
	fps     *gocache.Cache // ip -> *fpState
	vel     *gocache.Cache // ip -> *velState
	subnets *gocache.Cache // /24 or /64 -> *subnetState
}

func NewFastPath(dc *datacenter.Set) *FastPath {
	return &FastPath{
		dc:      dc,
		fps:     gocache.New(fpWindow, 10*time.Minute),
		vel:     gocache.New(time.Minute, time.Minute),
		subnets: gocache.New(subnetWindow, time.Minute),
	}
}

// Enrich runs the fast enrichers in order and returns the record with the
// `_srv_*` classification tags appended.
func (f *FastPath) Enrich(rec model.TrackingRecord) model.TrackingRecord {
	start := time.Now()
	defer func() {
		metrics.FastEnrichDuration.Observe(time.Since(start).Seconds())
	}()

	now := rec.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// 1. Reserved/private range classification.
	ipType := ipclass.Classify(rec.IPAddress)
	skipGeo := "0"
	if ipclass.SkipGeo(ipType) {
		skipGeo = "1"
	}
	rec = rec.WithServerParams("ipType", string(ipType), "skipGeo", skipGeo)

	// 2. Datacenter membership.
	if provider, ok := f.dc.Lookup(rec.IPAddress); ok {
		rec = rec.WithServerParams("datacenter", "1", "dcProvider", provider)
		metrics.BotDetectionsTotal.WithLabelValues("datacenter_ip").Inc()
	} else {
		rec = rec.WithServerParams("datacenter", "0")
	}

	// 3. Fingerprint stability per source IP.
	rec = f.fingerprintStability(rec, now)

	// 4. IP and subnet velocity.
	rec = f.velocity(rec, now)

	return rec
}

type fpState struct {
	mu     sync.Mutex
	hashes map[uint64]time.Time
	recent []time.Time // observations inside the 5-min rate window
	total  int64
}

func (f *FastPath) fingerprintStability(rec model.TrackingRecord, now time.Time) model.TrackingRecord {
	hash := fingerprintHash(rec.QueryString)
	if hash == 0 {
		return rec
	}

	st := f.getFP(rec.IPAddress)
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := now.Add(-fpWindow)
	for h, seen := range st.hashes {
		if seen.Before(cutoff) {
			delete(st.hashes, h)
		}
	}
	st.hashes[hash] = now
	st.total++

	rateCutoff := now.Add(-fpRateWindow)
	keep := st.recent[:0]
	for _, ts := range st.recent {
		if ts.After(rateCutoff) {
			keep = append(keep, ts)
		}
	}
	st.recent = append(keep, now)

	distinct := len(st.hashes)
	alert := "0"
	if distinct >= fpAlertThreshold {
		alert = "1"
		metrics.BotDetectionsTotal.WithLabelValues("fp_instability").Inc()
	}
	return rec.WithServerParams(
		"fpAlert", alert,
		"fpDistinct", strconv.Itoa(distinct),
		"fpTotal", strconv.FormatInt(st.total, 10),
		"fpRate5m", strconv.Itoa(len(st.recent)),
	)
}

func (f *FastPath) getFP(ip string) *fpState {
	if v, ok := f.fps.Get(ip); ok {
		f.fps.SetDefault(ip, v)
		return v.(*fpState)
	}
	st := &fpState{hashes: make(map[uint64]time.Time)}
	// Add loses the race to a concurrent insert; re-fetch the winner.
	if err := f.fps.Add(ip, st, gocache.DefaultExpiration); err != nil {
		if v, ok := f.fps.Get(ip); ok {
			return v.(*fpState)
		}
	}
	return st
}

type velState struct {
	mu      sync.Mutex
	lastHit time.Time
}

type subnetState struct {
	mu  sync.Mutex
	ips map[string]time.Time
}

func (f *FastPath) velocity(rec model.TrackingRecord, now time.Time) model.TrackingRecord {
	rapid, subSec := "0", "0"

	vs := f.getVel(rec.IPAddress)
	vs.mu.Lock()
	if !vs.lastHit.IsZero() {
		gap := now.Sub(vs.lastHit)
		if gap < subSecondGap {
			subSec = "1"
		}
		if gap < rapidFireGap {
			rapid = "1"
		}
	}
	vs.lastHit = now
	vs.mu.Unlock()

	if rapid == "1" {
		metrics.BotDetectionsTotal.WithLabelValues("rapid_fire").Inc()
	}

	subnetAlert := "0"
	if key := subnetKey(rec.IPAddress); key != "" {
		ss := f.getSubnet(key)
		ss.mu.Lock()
		cutoff := now.Add(-subnetWindow)
		for ip, seen := range ss.ips {
			if seen.Before(cutoff) {
				delete(ss.ips, ip)
			}
		}
		ss.ips[rec.IPAddress] = now
		if len(ss.ips) >= subnetThreshold {
			subnetAlert = "1"
		}
		ss.mu.Unlock()

		if subnetAlert == "1" {
			metrics.BotDetectionsTotal.WithLabelValues("subnet_velocity").Inc()
		}
	}

	return rec.WithServerParams(
		"rapidFire", rapid,
		"subSecDupe", subSec,
		"subnetAlert", subnetAlert,
	)
}

func (f *FastPath) getVel(ip string) *velState {
	if v, ok := f.vel.Get(ip); ok {
		f.vel.SetDefault(ip, v)
		return v.(*velState)
	}
	st := &velState{}
	if err := f.vel.Add(ip, st, gocache.DefaultExpiration); err != nil {
		if v, ok := f.vel.Get(ip); ok {
			return v.(*velState)
		}
	}
	return st
}

func (f *FastPath) getSubnet(key string) *subnetState {
	if v, ok := f.subnets.Get(key); ok {
		f.subnets.SetDefault(key, v)
		return v.(*subnetState)
	}
	st := &subnetState{ips: make(map[string]time.Time)}
	if err := f.subnets.Add(key, st, gocache.DefaultExpiration); err != nil {
		if v, ok := f.subnets.Get(key); ok {
			return v.(*subnetState)
		}
	}
	return st
}

// fingerprintHash collapses the browser fingerprint signals into one 64-bit
// value for the stability window. Returns 0 when no signal is present.
func fingerprintHash(qs string) uint64 {
	canvas, _ := model.LookupParam(qs, "canvasFP")
	audio, _ := model.LookupParam(qs, "audioFP")
	webgl, _ := model.LookupParam(qs, "webglFP")
	fonts, _ := model.LookupParam(qs, "fonts")
	if canvas == "" && audio == "" && webgl == "" && fonts == "" {
		return 0
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s", canvas, audio, webgl, fonts)
	return h.Sum64()
}

// subnetKey groups v4 addresses by /24 and v6 by /64.
func subnetKey(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	var prefix netip.Prefix
	if addr.Is4() {
		prefix, err = addr.Prefix(24)
	} else {
		prefix, err = addr.Prefix(64)
	}
	if err != nil {
		return ""
	}
	return prefix.String()
}
