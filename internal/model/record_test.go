package model

import (
	"strings"
	"testing"
)

func TestLookupParam(t *testing.T) {
	qs := "sw=1920&sh=1080&lang=en-US&fonts=Arial%2CVerdana&empty=&tz=America%2FNew_York"

	tests := []struct {
		name  string
		want  string
		found bool
	}{
		{"sw", "1920", true},
		{"sh", "1080", true},
		{"lang", "en-US", true},
		{"fonts", "Arial,Verdana", true},
		{"tz", "America/New_York", true},
		{"empty", "", true},
		{"missing", "", false},
		{"s", "", false}, // prefix of sw/sh must not match
	}
	for _, tt := range tests {
		got, ok := LookupParam(qs, tt.name)
		if ok != tt.found || got != tt.want {
			t.Errorf("LookupParam(%q) = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.found)
		}
	}
}

func TestLookupParamFirstOccurrenceWins(t *testing.T) {
	got, ok := LookupParam("a=1&a=2", "a")
	if !ok || got != "1" {
		t.Fatalf("got (%q, %v), want (1, true)", got, ok)
	}
}

func TestParamTypedCasts(t *testing.T) {
	qs := "cores=8&mem=15.5&touch=1&junk=abc"

	if v, ok := ParamInt(qs, "cores"); !ok || v != 8 {
		t.Errorf("ParamInt(cores) = (%d, %v)", v, ok)
	}
	if _, ok := ParamInt(qs, "mem"); ok {
		t.Error("ParamInt(mem) should fail on float input")
	}
	if v, ok := ParamFloat(qs, "mem"); !ok || v != 15.5 {
		t.Errorf("ParamFloat(mem) = (%v, %v)", v, ok)
	}
	if v, ok := ParamBool(qs, "touch"); !ok || !v {
		t.Errorf("ParamBool(touch) = (%v, %v)", v, ok)
	}
	if _, ok := ParamInt(qs, "junk"); ok {
		t.Error("ParamInt(junk) should fail")
	}
	if _, ok := ParamInt(qs, "absent"); ok {
		t.Error("ParamInt(absent) should fail")
	}
}

func TestWithServerParamsAppendsOnly(t *testing.T) {
	r := TrackingRecord{QueryString: "sw=1920&canvasFP=abc"}
	enriched := r.WithServerParams("ipType", "public", "datacenter", "1")

	if r.QueryString != "sw=1920&canvasFP=abc" {
		t.Fatalf("original record mutated: %q", r.QueryString)
	}
	if !strings.HasPrefix(enriched.QueryString, "sw=1920&canvasFP=abc&") {
		t.Fatalf("original carrier not preserved as prefix: %q", enriched.QueryString)
	}
	if v, ok := enriched.ServerParam("ipType"); !ok || v != "public" {
		t.Errorf("ServerParam(ipType) = (%q, %v)", v, ok)
	}
	if v, ok := enriched.ServerParam("datacenter"); !ok || v != "1" {
		t.Errorf("ServerParam(datacenter) = (%q, %v)", v, ok)
	}
}

func TestWithServerParamsEscapesValues(t *testing.T) {
	r := TrackingRecord{}
	enriched := r.WithServerParams("botName", "Google Bot&Co")
	if v, ok := enriched.ServerParam("botName"); !ok || v != "Google Bot&Co" {
		t.Errorf("round-trip failed: (%q, %v)", v, ok)
	}
}

func TestWithServerParamsOddPairsNoop(t *testing.T) {
	r := TrackingRecord{QueryString: "a=1"}
	if got := r.WithServerParams("dangling"); got.QueryString != "a=1" {
		t.Errorf("odd pair count should be a no-op, got %q", got.QueryString)
	}
}

func TestCustomParams(t *testing.T) {
	qs := "sw=1920&_cp_campaign=spring&_cp_source=news%20letter&_srv_ipType=public"
	got := CustomParams(qs)
	if len(got) != 2 {
		t.Fatalf("got %d custom params, want 2: %v", len(got), got)
	}
	if got["campaign"] != "spring" || got["source"] != "news letter" {
		t.Errorf("unexpected custom params: %v", got)
	}
	if CustomParams("sw=1&sh=2") != nil {
		t.Error("expected nil map when no custom params present")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", MaxHeaderValueLen+100)
	if got := Truncate(long); len(got) != MaxHeaderValueLen {
		t.Errorf("Truncate length = %d, want %d", len(got), MaxHeaderValueLen)
	}
	if got := Truncate("short"); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
}
