package enrich

import (
	"context"
	"regexp"
	"strings"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// UAParse extracts browser, OS and device signals from the user agent with a
// deterministic first-match ruleset. Order matters within each table: Edge
// and Opera embed the Chrome token, iOS browsers embed Safari's.
type UAParse struct{}

func NewUAParse() *UAParse { return &UAParse{} }

func (s *UAParse) Name() string { return "ua_parse" }

var browserRules = []struct {
	name string
	re   *regexp.Regexp
}{
	{"Edge", regexp.MustCompile(`Edg(?:e|A|iOS)?/([0-9.]+)`)},
	{"Opera", regexp.MustCompile(`(?:OPR|Opera)/([0-9.]+)`)},
	{"Samsung Internet", regexp.MustCompile(`SamsungBrowser/([0-9.]+)`)},
	{"Chrome", regexp.MustCompile(`(?:Chrome|CriOS)/([0-9.]+)`)},
	{"Firefox", regexp.MustCompile(`(?:Firefox|FxiOS)/([0-9.]+)`)},
	{"Safari", regexp.MustCompile(`Version/([0-9.]+).*Safari`)},
	{"IE", regexp.MustCompile(`(?:MSIE |rv:)([0-9.]+)`)},
}

var (
	windowsNTRe  = regexp.MustCompile(`Windows NT ([0-9.]+)`)
	macOSRe      = regexp.MustCompile(`Mac OS X ([0-9_.]+)`)
	iosRe        = regexp.MustCompile(`(?:iPhone|iPad|iPod).*OS ([0-9_]+)`)
	androidRe    = regexp.MustCompile(`Android ([0-9.]+)`)
	modelRe      = regexp.MustCompile(`Android [0-9.]+; ([^);]+)`)
	windowsNames = map[string]string{
		"10.0": "10",
		"6.3":  "8.1",
		"6.2":  "8",
		"6.1":  "7",
	}
)

func (s *UAParse) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	ua := rec.UserAgent
	if ua == "" {
		return rec, nil
	}

	browser, browserVer := "Unknown", ""
	for _, r := range browserRules {
		if m := r.re.FindStringSubmatch(ua); m != nil {
			browser, browserVer = r.name, m[1]
			break
		}
	}

	os, osVer := parseOS(ua)
	deviceType, model_, brand := parseDevice(ua)

	return rec.WithServerParams(
		"browser", browser,
		"browserVer", browserVer,
		"os", os,
		"osVer", osVer,
		"deviceType", deviceType,
		"deviceModel", model_,
		"deviceBrand", brand,
	), nil
}

func parseOS(ua string) (name, version string) {
	switch {
	case strings.Contains(ua, "Windows NT"):
		m := windowsNTRe.FindStringSubmatch(ua)
		v := ""
		if m != nil {
			v = m[1]
			if mapped, ok := windowsNames[v]; ok {
				v = mapped
			}
		}
		return "Windows", v
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad") || strings.Contains(ua, "iPod"):
		if m := iosRe.FindStringSubmatch(ua); m != nil {
			return "iOS", strings.ReplaceAll(m[1], "_", ".")
		}
		return "iOS", ""
	case strings.Contains(ua, "Mac OS X"):
		if m := macOSRe.FindStringSubmatch(ua); m != nil {
			return "macOS", strings.ReplaceAll(m[1], "_", ".")
		}
		return "macOS", ""
	case strings.Contains(ua, "Android"):
		if m := androidRe.FindStringSubmatch(ua); m != nil {
			return "Android", m[1]
		}
		return "Android", ""
	case strings.Contains(ua, "CrOS"):
		return "ChromeOS", ""
	case strings.Contains(ua, "Linux"):
		return "Linux", ""
	}
	return "Unknown", ""
}

func parseDevice(ua string) (deviceType, model, brand string) {
	switch {
	case strings.Contains(ua, "iPad"):
		return "tablet", "iPad", "Apple"
	case strings.Contains(ua, "iPhone"):
		return "mobile", "iPhone", "Apple"
	case strings.Contains(ua, "Android"):
		t := "mobile"
		if !strings.Contains(ua, "Mobile") {
			t = "tablet"
		}
		m := ""
		if mm := modelRe.FindStringSubmatch(ua); mm != nil {
			m = strings.TrimSpace(mm[1])
		}
		b := ""
		switch {
		case strings.HasPrefix(m, "SM-"):
			b = "Samsung"
		case strings.HasPrefix(m, "Pixel"):
			b = "Google"
		case strings.HasPrefix(m, "Redmi") || strings.HasPrefix(m, "Mi "):
			b = "Xiaomi"
		case strings.HasPrefix(m, "ONEPLUS"):
			b = "OnePlus"
		case strings.HasPrefix(m, "moto"):
			b = "Motorola"
		}
		return t, m, b
	case strings.Contains(ua, "Windows") || strings.Contains(ua, "Macintosh") ||
		strings.Contains(ua, "X11") || strings.Contains(ua, "CrOS"):
		return "desktop", "", ""
	}
	return "unknown", "", ""
}
