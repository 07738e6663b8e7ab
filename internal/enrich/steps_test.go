package enrich

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

const (
	chromeWindowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	safariMacUA     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15"
	chromeAndroidUA = "Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
)

func apply(t *testing.T, s Step, rec model.TrackingRecord) model.TrackingRecord {
	t.Helper()
	out, err := s.Apply(context.Background(), rec)
	if err != nil {
		t.Fatalf("%s: %v", s.Name(), err)
	}
	return out
}

func TestKnownBots(t *testing.T) {
	s := NewKnownBots()

	tests := []struct {
		ua      string
		bot     string
		botName string
	}{
		{chromeWindowsUA, "0", ""},
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "1", "googlebot"},
		{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36", "1", "headless-chrome"},
		{"curl/8.4.0", "1", "curl"},
		{"", "1", "empty-ua"},
	}
	for _, tt := range tests {
		rec := apply(t, s, model.TrackingRecord{UserAgent: tt.ua})
		if got := srv(rec, "knownBot"); got != tt.bot {
			t.Errorf("%q: knownBot = %q, want %q", tt.ua, got, tt.bot)
		}
		if tt.botName != "" {
			if got := srv(rec, "botName"); got != tt.botName {
				t.Errorf("%q: botName = %q, want %q", tt.ua, got, tt.botName)
			}
		}
	}
}

func TestUAParse(t *testing.T) {
	s := NewUAParse()

	tests := []struct {
		ua                   string
		browser, os, devType string
	}{
		{chromeWindowsUA, "Chrome", "Windows", "desktop"},
		{safariMacUA, "Safari", "macOS", "desktop"},
		{chromeAndroidUA, "Chrome", "Android", "mobile"},
	}
	for _, tt := range tests {
		rec := apply(t, s, model.TrackingRecord{UserAgent: tt.ua})
		if got := srv(rec, "browser"); got != tt.browser {
			t.Errorf("browser = %q, want %q", got, tt.browser)
		}
		if got := srv(rec, "os"); got != tt.os {
			t.Errorf("os = %q, want %q", got, tt.os)
		}
		if got := srv(rec, "deviceType"); got != tt.devType {
			t.Errorf("deviceType = %q, want %q", got, tt.devType)
		}
	}

	rec := apply(t, s, model.TrackingRecord{UserAgent: chromeAndroidUA})
	if got := srv(rec, "deviceBrand"); got != "Samsung" {
		t.Errorf("deviceBrand = %q, want Samsung", got)
	}
	if got := srv(rec, "osVer"); got != "14" {
		t.Errorf("osVer = %q, want 14", got)
	}
	rec = apply(t, s, model.TrackingRecord{UserAgent: chromeWindowsUA})
	if got := srv(rec, "osVer"); got != "10" {
		t.Errorf("Windows osVer = %q, want 10", got)
	}
}

func TestSessions(t *testing.T) {
	s := NewSessions()
	base := time.Now().UTC()
	qs := "canvasFP=abc&sw=1920&sh=1080"

	first := apply(t, s, model.TrackingRecord{ReceivedAt: base, QueryString: qs, RequestPath: "/a"})
	second := apply(t, s, model.TrackingRecord{ReceivedAt: base.Add(5 * time.Minute), QueryString: qs, RequestPath: "/b"})

	if srv(first, "sessionId") == "" {
		t.Fatal("sessionId missing")
	}
	if srv(first, "sessionId") != srv(second, "sessionId") {
		t.Error("hits within 30 min must share a session")
	}
	if got := srv(second, "sessionHitNum"); got != "2" {
		t.Errorf("sessionHitNum = %q, want 2", got)
	}
	if got := srv(second, "sessionPages"); got != "2" {
		t.Errorf("sessionPages = %q, want 2", got)
	}
	if got := srv(second, "sessionDurationSec"); got != "300" {
		t.Errorf("sessionDurationSec = %q, want 300", got)
	}

	// A different device starts its own session.
	other := apply(t, s, model.TrackingRecord{ReceivedAt: base, QueryString: "canvasFP=zzz", RequestPath: "/a"})
	if srv(other, "sessionId") == srv(first, "sessionId") {
		t.Error("distinct devices must not share a session")
	}
}

func TestSessionIdleBoundary(t *testing.T) {
	s := NewSessions()
	base := time.Now().UTC().Add(-2 * time.Hour)
	qs := "canvasFP=abc"

	first := apply(t, s, model.TrackingRecord{ReceivedAt: base, QueryString: qs})
	late := apply(t, s, model.TrackingRecord{ReceivedAt: base.Add(45 * time.Minute), QueryString: qs})

	if srv(first, "sessionId") == srv(late, "sessionId") {
		t.Error("45 min of inactivity must start a new session")
	}
	if got := srv(late, "sessionHitNum"); got != "1" {
		t.Errorf("new session hit num = %q, want 1", got)
	}
}

func TestCrossCustomer(t *testing.T) {
	s := NewCrossCustomer()
	base := time.Now().UTC()
	qs := "canvasFP=abc"

	var last model.TrackingRecord
	for i, company := range []string{"c1", "c2", "c3"} {
		last = apply(t, s, model.TrackingRecord{
			ReceivedAt:  base.Add(time.Duration(i) * time.Second),
			CompanyID:   company,
			IPAddress:   "8.8.8.8",
			QueryString: qs,
		})
	}
	if got := srv(last, "crossCustAlert"); got != "1" {
		t.Errorf("crossCustAlert = %q, want 1 after 3 customers", got)
	}
	if got := srv(last, "crossCustHits"); got != "3" {
		t.Errorf("crossCustHits = %q, want 3", got)
	}

	// Same customer repeatedly never alerts.
	s2 := NewCrossCustomer()
	for i := 0; i < 5; i++ {
		last = apply(t, s2, model.TrackingRecord{
			ReceivedAt:  base.Add(time.Duration(i) * time.Second),
			CompanyID:   "c1",
			IPAddress:   "8.8.8.8",
			QueryString: qs,
		})
	}
	if got := srv(last, "crossCustAlert"); got != "0" {
		t.Errorf("crossCustAlert = %q, want 0 for single customer", got)
	}
}

func TestAffluence(t *testing.T) {
	s := NewAffluence()

	tests := []struct {
		qs   string
		band string
		tier string
	}{
		{"gpu=ANGLE+(NVIDIA%2C+NVIDIA+GeForce+RTX+4090)&cores=16&mem=32", "HIGH", "HIGH"},
		{"gpu=Intel+HD+Graphics+4000&cores=2&mem=4", "LOW", "LOW"},
		{"gpu=SwiftShader&mem=2", "LOW", "LOW"},
		{"gpu=Intel+Iris+Xe+Graphics&cores=8&mem=8", "MID", "MID"},
	}
	for _, tt := range tests {
		rec := apply(t, s, model.TrackingRecord{QueryString: tt.qs})
		if got := srv(rec, "affluence"); got != tt.band {
			t.Errorf("%q: affluence = %q, want %q", tt.qs, got, tt.band)
		}
		if got := srv(rec, "gpuTier"); got != tt.tier {
			t.Errorf("%q: gpuTier = %q, want %q", tt.qs, got, tt.tier)
		}
	}
}

func TestCultural(t *testing.T) {
	s := NewCultural()

	// Coherent US visitor.
	rec := model.TrackingRecord{QueryString: "tz=America%2FNew_York&lang=en-US"}
	rec = rec.WithServerParams("mmCC", "US")
	rec = apply(t, s, rec)
	if got := srv(rec, "culturalScore"); got != "100" {
		t.Errorf("coherent visitor culturalScore = %q, want 100", got)
	}

	// US IP, Moscow timezone, Russian language.
	rec = model.TrackingRecord{QueryString: "tz=Europe%2FMoscow&lang=ru-RU"}
	rec = rec.WithServerParams("mmCC", "US")
	rec = apply(t, s, rec)
	if got := srv(rec, "culturalScore"); got != "45" {
		t.Errorf("mismatched visitor culturalScore = %q, want 45", got)
	}
	flags := srv(rec, "culturalFlags")
	if !strings.Contains(flags, "tz") || !strings.Contains(flags, "lang") {
		t.Errorf("culturalFlags = %q, want tz and lang", flags)
	}

	// No geo at all: nothing to arbitrate.
	rec = apply(t, s, model.TrackingRecord{QueryString: "tz=Europe%2FMoscow"})
	if got := srv(rec, "culturalScore"); got != "100" {
		t.Errorf("no-geo culturalScore = %q, want 100", got)
	}
}

func TestDeviceAge(t *testing.T) {
	s := NewDeviceAge()
	s.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	// Modern, coherent machine.
	rec := model.TrackingRecord{QueryString: "gpu=NVIDIA+GeForce+RTX+4080"}
	rec = rec.WithServerParams("os", "Windows", "osVer", "11", "browser", "Chrome", "browserVer", "120.0.0.0")
	rec = apply(t, s, rec)
	if got := srv(rec, "deviceAgeAnomaly"); got != "0" {
		t.Errorf("coherent machine anomaly = %q, want 0", got)
	}
	if got := srv(rec, "deviceAge"); got != "5" {
		t.Errorf("deviceAge = %q, want 5 (Windows 11, 2021)", got)
	}

	// Latest browser claiming ancient GPU.
	rec = model.TrackingRecord{QueryString: "gpu=Intel+HD+Graphics+3000"}
	rec = rec.WithServerParams("os", "Windows", "osVer", "11", "browser", "Chrome", "browserVer", "120.0")
	rec = apply(t, s, rec)
	if got := srv(rec, "deviceAgeAnomaly"); got != "1" {
		t.Errorf("spread anomaly = %q, want 1", got)
	}

	// No signals at all: step contributes nothing.
	rec = apply(t, s, model.TrackingRecord{})
	if _, ok := rec.ServerParam("deviceAge"); ok {
		t.Error("deviceAge appended without any vintage signal")
	}
}

func TestDeadInternet(t *testing.T) {
	s := NewDeadInternet()

	bot := model.TrackingRecord{CompanyID: "c1"}
	bot = bot.WithServerParams("knownBot", "1")
	human := model.TrackingRecord{CompanyID: "c1"}
	human = human.WithServerParams("knownBot", "0")

	rec := apply(t, s, bot)
	if got := srv(rec, "deadInternetIdx"); got != "100" {
		t.Errorf("first bot hit idx = %q, want 100", got)
	}

	for i := 0; i < 50; i++ {
		rec = apply(t, s, human)
	}
	idx := srv(rec, "deadInternetIdx")
	if idx == "100" || idx == "" {
		t.Errorf("idx must decay under human traffic, got %q", idx)
	}

	// Separate customers keep separate aggregates.
	other := apply(t, s, model.TrackingRecord{CompanyID: "c2"})
	if got := srv(other, "deadInternetIdx"); got != "0" {
		t.Errorf("fresh human customer idx = %q, want 0", got)
	}
}

func TestLeadScore(t *testing.T) {
	s := NewLeadScore()

	// Strong lead: residential, stable FP, real mouse, rich fonts.
	rec := model.TrackingRecord{
		QueryString: "mouseEntropy=65&fonts=" + strings.Repeat("f,", 11) + "g&canvasFP=abc",
	}
	rec = rec.WithServerParams(
		"datacenter", "0", "fpAlert", "0", "knownBot", "0",
		"culturalScore", "100", "sessionHitNum", "3", "contradictions", "0",
	)
	rec = apply(t, s, rec)
	if got := srv(rec, "leadScore"); got != "100" {
		t.Errorf("strong lead score = %q, want 100", got)
	}

	// Datacenter bot with nothing going for it.
	rec = model.TrackingRecord{}
	rec = rec.WithServerParams("datacenter", "1", "fpAlert", "1", "knownBot", "1", "contradictions", "4")
	rec = apply(t, s, rec)
	if got := srv(rec, "leadScore"); got != "0" {
		t.Errorf("bot lead score = %q, want 0", got)
	}
}
