package etl

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

func TestParseHitTypedExtraction(t *testing.T) {
	hit := rawHit{
		ID:          42,
		ReceivedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CompanyID:   "c1",
		PixelID:     "p1",
		IPAddress:   "8.8.8.8",
		UserAgent:   "Mozilla/5.0",
		Referer:     "https://example.com/landing?x=1",
		RequestPath: "/c1/p1_SMART.GIF",
		QueryString: "sw=1920&sh=1080&cd=24&tz=America%2FNew_York&tzo=-300&lang=en-US" +
			"&canvasFP=abc&audioFP=def&webglFP=ghi&fonts=Arial,Verdana" +
			"&mouseEntropy=62.5&cores=8&mem=16&tier=5" +
			"&_srv_browser=Chrome&_srv_os=Windows&_srv_knownBot=0&_srv_leadScore=85",
	}
	p := parseHit(hit)

	if p.SourceID != 42 || p.CompanyID != "c1" {
		t.Errorf("identity fields: %+v", p)
	}
	if p.ScreenWidth == nil || *p.ScreenWidth != 1920 {
		t.Errorf("ScreenWidth = %v", p.ScreenWidth)
	}
	if p.TimezoneOffset == nil || *p.TimezoneOffset != -300 {
		t.Errorf("TimezoneOffset = %v", p.TimezoneOffset)
	}
	if p.Timezone == nil || *p.Timezone != "America/New_York" {
		t.Errorf("Timezone = %v", p.Timezone)
	}
	if p.MouseEntropy == nil || *p.MouseEntropy != 62.5 {
		t.Errorf("MouseEntropy = %v", p.MouseEntropy)
	}
	if p.Browser == nil || *p.Browser != "Chrome" {
		t.Errorf("Browser = %v", p.Browser)
	}
	if p.KnownBot == nil || *p.KnownBot != false {
		t.Errorf("KnownBot = %v", p.KnownBot)
	}
	if p.LeadScore == nil || *p.LeadScore != 85 {
		t.Errorf("LeadScore = %v", p.LeadScore)
	}
	if p.FontCount == nil || *p.FontCount != 2 {
		t.Errorf("FontCount = %v", p.FontCount)
	}
	if p.ReferrerHost == nil || *p.ReferrerHost != "example.com" {
		t.Errorf("ReferrerHost = %v", p.ReferrerHost)
	}

	want := model.DeviceHash("abc", "def", "ghi", "Arial,Verdana", "1920x1080")
	if p.DeviceHash != want {
		t.Errorf("DeviceHash = %s, want %s", p.DeviceHash, want)
	}
}

func TestParseHitUncastableIsNull(t *testing.T) {
	p := parseHit(rawHit{QueryString: "sw=banana&mouseEntropy=&cores=9.5&tzo=not-a-number"})

	if p.ScreenWidth != nil {
		t.Errorf("uncastable sw must be nil, got %v", *p.ScreenWidth)
	}
	if p.MouseEntropy != nil {
		t.Errorf("empty mouseEntropy must be nil, got %v", *p.MouseEntropy)
	}
	if p.Cores != nil {
		t.Errorf("non-integer cores must be nil, got %v", *p.Cores)
	}
	if p.TimezoneOffset != nil {
		t.Errorf("garbage tzo must be nil, got %v", *p.TimezoneOffset)
	}
}

func TestParseHitAbsentIsNull(t *testing.T) {
	p := parseHit(rawHit{QueryString: ""})
	if p.ScreenWidth != nil || p.Browser != nil || p.BotScore != nil || p.MatchEmail != nil {
		t.Error("absent parameters must project to nil")
	}
	if p.HitType != "pixel" {
		t.Errorf("default HitType = %q, want pixel", p.HitType)
	}
	if p.CustomParams != nil {
		t.Error("no custom params must project to nil JSON")
	}
}

func TestParseHitCustomParams(t *testing.T) {
	p := parseHit(rawHit{QueryString: "_cp_campaign=spring&_cp_segment=vip&sw=800"})
	if p.CustomParams == nil {
		t.Fatal("custom params missing")
	}
	var got map[string]string
	if err := json.Unmarshal(p.CustomParams, &got); err != nil {
		t.Fatalf("custom params not valid JSON: %v", err)
	}
	if got["campaign"] != "spring" || got["segment"] != "vip" {
		t.Errorf("custom params = %v", got)
	}
}

func TestParseHitWhoisFallback(t *testing.T) {
	// Offline ASN absent, whois present.
	p := parseHit(rawHit{QueryString: "_srv_whoisASN=13335&_srv_whoisOrg=CLOUDFLARENET"})
	if p.ASN == nil || *p.ASN != 13335 {
		t.Errorf("ASN = %v, want whois fallback 13335", p.ASN)
	}

	// Offline ASN wins when both exist.
	p = parseHit(rawHit{QueryString: "_srv_mmASN=15169&_srv_whoisASN=13335"})
	if p.ASN == nil || *p.ASN != 15169 {
		t.Errorf("ASN = %v, want offline 15169", p.ASN)
	}
}

func TestParsedColumnsMatchValues(t *testing.T) {
	p := parseHit(rawHit{QueryString: "sw=1"})
	if got, want := len(p.values()), len(parsedColumns); got != want {
		t.Fatalf("values() length %d != parsedColumns length %d", got, want)
	}
}

func TestContainsRule(t *testing.T) {
	list := "swiftshader-gpu:SUSPICIOUS,scroll-no-depth:SUSPICIOUS"
	if !containsRule(list, "scroll-no-depth") {
		t.Error("scroll-no-depth not found")
	}
	if containsRule(list, "scroll") {
		t.Error("prefix must not match")
	}
	if containsRule("", "scroll-no-depth") {
		t.Error("empty list matched")
	}
}
