package edge

import (
	"net/netip"
	"testing"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/datacenter"
	"github.com/smartpixl/pixel-ingester/internal/model"
)

func srv(t *testing.T, rec model.TrackingRecord, name string) string {
	t.Helper()
	v, _ := rec.ServerParam(name)
	return v
}

func TestFastPathIPClassification(t *testing.T) {
	f := NewFastPath(datacenter.NewSet())

	rec := f.Enrich(model.TrackingRecord{IPAddress: "192.168.1.1"})
	if got := srv(t, rec, "ipType"); got != "private" {
		t.Errorf("ipType = %q, want private", got)
	}
	if got := srv(t, rec, "skipGeo"); got != "1" {
		t.Errorf("skipGeo = %q, want 1", got)
	}

	rec = f.Enrich(model.TrackingRecord{IPAddress: "8.8.8.8"})
	if got := srv(t, rec, "ipType"); got != "public" {
		t.Errorf("ipType = %q, want public", got)
	}
	if got := srv(t, rec, "skipGeo"); got != "0" {
		t.Errorf("skipGeo = %q, want 0", got)
	}
}

func TestFastPathDatacenterTag(t *testing.T) {
	set := datacenter.NewSet()
	trie := datacenter.NewTrie()
	trie.Insert(netip.MustParsePrefix("52.0.0.0/11"), "aws")
	set.Swap(trie)
	f := NewFastPath(set)

	rec := f.Enrich(model.TrackingRecord{IPAddress: "52.1.2.3"})
	if got := srv(t, rec, "datacenter"); got != "1" {
		t.Errorf("datacenter = %q, want 1", got)
	}
	if got := srv(t, rec, "dcProvider"); got != "aws" {
		t.Errorf("dcProvider = %q, want aws", got)
	}

	rec = f.Enrich(model.TrackingRecord{IPAddress: "9.9.9.9"})
	if got := srv(t, rec, "datacenter"); got != "0" {
		t.Errorf("datacenter = %q, want 0", got)
	}
}

func TestFingerprintStabilityAlert(t *testing.T) {
	f := NewFastPath(datacenter.NewSet())
	base := time.Now().UTC()

	fingerprints := []string{"aaa", "bbb", "ccc"}
	var last model.TrackingRecord
	for i, fp := range fingerprints {
		last = f.Enrich(model.TrackingRecord{
			ReceivedAt:  base.Add(time.Duration(i) * time.Minute),
			IPAddress:   "8.8.8.8",
			QueryString: "canvasFP=" + fp,
		})
	}
	if got := srv(t, last, "fpAlert"); got != "1" {
		t.Errorf("fpAlert = %q, want 1 after 3 distinct fingerprints", got)
	}
	if got := srv(t, last, "fpDistinct"); got != "3" {
		t.Errorf("fpDistinct = %q, want 3", got)
	}

	// Same fingerprint repeatedly must not alert.
	f2 := NewFastPath(datacenter.NewSet())
	for i := 0; i < 5; i++ {
		last = f2.Enrich(model.TrackingRecord{
			ReceivedAt:  base.Add(time.Duration(i) * time.Minute),
			IPAddress:   "8.8.8.8",
			QueryString: "canvasFP=stable",
		})
	}
	if got := srv(t, last, "fpAlert"); got != "0" {
		t.Errorf("fpAlert = %q, want 0 for a stable fingerprint", got)
	}
}

func TestVelocityTags(t *testing.T) {
	f := NewFastPath(datacenter.NewSet())
	base := time.Now().UTC()

	first := f.Enrich(model.TrackingRecord{ReceivedAt: base, IPAddress: "8.8.8.8"})
	if got := srv(t, first, "rapidFire"); got != "0" {
		t.Errorf("first hit rapidFire = %q, want 0", got)
	}

	second := f.Enrich(model.TrackingRecord{ReceivedAt: base.Add(500 * time.Millisecond), IPAddress: "8.8.8.8"})
	if got := srv(t, second, "rapidFire"); got != "1" {
		t.Errorf("rapidFire = %q, want 1 for 500ms gap", got)
	}
	if got := srv(t, second, "subSecDupe"); got != "1" {
		t.Errorf("subSecDupe = %q, want 1 for 500ms gap", got)
	}

	third := f.Enrich(model.TrackingRecord{ReceivedAt: base.Add(10 * time.Second), IPAddress: "8.8.8.8"})
	if got := srv(t, third, "rapidFire"); got != "1" {
		t.Errorf("rapidFire = %q, want 1 for 9.5s gap", got)
	}
	if got := srv(t, third, "subSecDupe"); got != "0" {
		t.Errorf("subSecDupe = %q, want 0 for 9.5s gap", got)
	}

	fourth := f.Enrich(model.TrackingRecord{ReceivedAt: base.Add(60 * time.Second), IPAddress: "8.8.8.8"})
	if got := srv(t, fourth, "rapidFire"); got != "0" {
		t.Errorf("rapidFire = %q, want 0 for 50s gap", got)
	}
}

func TestSubnetVelocityAlert(t *testing.T) {
	f := NewFastPath(datacenter.NewSet())
	base := time.Now().UTC()

	var last model.TrackingRecord
	for i, ip := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		last = f.Enrich(model.TrackingRecord{
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
			IPAddress:  ip,
		})
	}
	if got := srv(t, last, "subnetAlert"); got != "1" {
		t.Errorf("subnetAlert = %q, want 1 after 3 distinct IPs in /24", got)
	}

	// A different subnet is unaffected.
	other := f.Enrich(model.TrackingRecord{ReceivedAt: base, IPAddress: "203.0.113.1"})
	if got := srv(t, other, "subnetAlert"); got != "0" {
		t.Errorf("subnetAlert = %q, want 0 for fresh subnet", got)
	}
}

func TestOriginalCarrierPreserved(t *testing.T) {
	f := NewFastPath(datacenter.NewSet())
	orig := "sw=1920&sh=1080&canvasFP=abc"
	rec := f.Enrich(model.TrackingRecord{IPAddress: "8.8.8.8", QueryString: orig})
	if rec.QueryString[:len(orig)] != orig {
		t.Errorf("original carrier mutated: %q", rec.QueryString)
	}
}
