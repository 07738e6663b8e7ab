package enrich

import (
	"context"
	"strconv"
	"strings"

	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
)

// Contradiction severities. IMPOSSIBLE rules describe signal combinations
// no real browser produces; SUSPICIOUS rules occur in rare legitimate
// setups but cluster heavily in automation.
const (
	sevImpossible = "IMPOSSIBLE"
	sevSuspicious = "SUSPICIOUS"
)

type contradictionRule struct {
	name     string
	severity string
	fires    func(rec model.TrackingRecord) bool
}

// Contradictions evaluates the cross-signal rule matrix. Runs after UA
// parsing and geo so rules can read _srv_ outputs of earlier steps.
type Contradictions struct {
	rules []contradictionRule
}

func NewContradictions() *Contradictions {
	return &Contradictions{rules: contradictionRules}
}

func (s *Contradictions) Name() string { return "contradictions" }

func (s *Contradictions) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	var fired []string
	for _, r := range s.rules {
		if r.fires(rec) {
			fired = append(fired, r.name+":"+r.severity)
			metrics.BotDetectionsTotal.WithLabelValues("contradiction").Inc()
		}
	}
	return rec.WithServerParams(
		"contradictions", strconv.Itoa(len(fired)),
		"contradictionList", strings.Join(fired, ","),
	), nil
}

var contradictionRules = []contradictionRule{
	{
		name:     "mobile-ua-wide-screen-mouse",
		severity: sevImpossible,
		fires: func(rec model.TrackingRecord) bool {
			if srv(rec, "deviceType") != "mobile" {
				return false
			}
			sw, ok := paramInt(rec, "sw")
			return ok && sw >= 1920 && moveCount(rec) > 0
		},
	},
	{
		name:     "macos-directx-gpu",
		severity: sevImpossible,
		fires: func(rec model.TrackingRecord) bool {
			if srv(rec, "os") != "macOS" {
				return false
			}
			gpu := param(rec, "gpu")
			return containsFold(gpu, "direct3d") || containsFold(gpu, "directx") || containsFold(gpu, "d3d11") || containsFold(gpu, "d3d9")
		},
	},
	{
		name:     "safari-battery-api",
		severity: sevImpossible,
		fires: func(rec model.TrackingRecord) bool {
			return srv(rec, "browser") == "Safari" && srv(rec, "os") == "macOS" && param(rec, "battery") == "1"
		},
	},
	{
		name:     "touchpoints-no-touch",
		severity: sevImpossible,
		fires: func(rec model.TrackingRecord) bool {
			points, ok := paramInt(rec, "touch")
			if !ok || points <= 0 {
				return false
			}
			ev, present := model.LookupParam(rec.QueryString, "touchEv")
			return present && ev == "0"
		},
	},
	{
		name:     "desktop-narrow-screen",
		severity: sevSuspicious,
		fires: func(rec model.TrackingRecord) bool {
			if srv(rec, "deviceType") != "desktop" {
				return false
			}
			sw, ok := paramInt(rec, "sw")
			return ok && sw > 0 && sw < 600
		},
	},
	{
		name:     "linux-apple-fonts",
		severity: sevImpossible,
		fires: func(rec model.TrackingRecord) bool {
			if srv(rec, "os") != "Linux" {
				return false
			}
			fonts := param(rec, "fonts")
			return containsFold(fonts, "Helvetica Neue") || containsFold(fonts, "SF Pro") || containsFold(fonts, "Apple Color Emoji") || containsFold(fonts, "Geneva")
		},
	},
	{
		name:     "win-fonts-on-mac",
		severity: sevSuspicious,
		fires: func(rec model.TrackingRecord) bool {
			if srv(rec, "os") != "macOS" {
				return false
			}
			fonts := param(rec, "fonts")
			return containsFold(fonts, "Segoe UI") || containsFold(fonts, "MS Gothic") || containsFold(fonts, "Calibri")
		},
	},
	{
		name:     "swiftshader-gpu",
		severity: sevSuspicious,
		fires: func(rec model.TrackingRecord) bool {
			gpu := param(rec, "gpu")
			return containsFold(gpu, "swiftshader") || containsFold(gpu, "llvmpipe")
		},
	},
	{
		name:     "gpu-platform-mismatch",
		severity: sevSuspicious,
		fires: func(rec model.TrackingRecord) bool {
			gpu := param(rec, "gpu")
			os := srv(rec, "os")
			switch os {
			case "Windows", "Linux":
				return containsFold(gpu, "apple m") || containsFold(gpu, "apple gpu")
			case "macOS":
				return containsFold(gpu, "adreno") || containsFold(gpu, "mali-")
			}
			return false
		},
	},
	{
		name:     "ua-platform-mismatch",
		severity: sevImpossible,
		fires: func(rec model.TrackingRecord) bool {
			plt := param(rec, "plt")
			if plt == "" {
				return false
			}
			switch srv(rec, "os") {
			case "Windows":
				return !containsFold(plt, "win")
			case "macOS":
				return !containsFold(plt, "mac")
			case "Linux", "Android":
				return !containsFold(plt, "linux") && !containsFold(plt, "arm") && !containsFold(plt, "android")
			case "iOS":
				return !containsFold(plt, "iphone") && !containsFold(plt, "ipad") && !containsFold(plt, "mac")
			}
			return false
		},
	},
	{
		name:     "clienthints-platform-mismatch",
		severity: sevSuspicious,
		fires: func(rec model.TrackingRecord) bool {
			ch := param(rec, "chPlt")
			if ch == "" {
				return false
			}
			switch srv(rec, "os") {
			case "Windows":
				return !containsFold(ch, "windows")
			case "macOS":
				return !containsFold(ch, "macos")
			case "Android":
				return !containsFold(ch, "android")
			case "Linux":
				return !containsFold(ch, "linux") && !containsFold(ch, "chrome os")
			}
			return false
		},
	},
	{
		name:     "empty-languages",
		severity: sevSuspicious,
		fires: func(rec model.TrackingRecord) bool {
			langs, present := model.LookupParam(rec.QueryString, "langs")
			return present && strings.TrimSpace(langs) == ""
		},
	},
	{
		name:     "scroll-no-depth",
		severity: sevSuspicious,
		fires: func(rec model.TrackingRecord) bool {
			scrolls, ok := paramInt(rec, "scrolls")
			if !ok || scrolls <= 0 {
				return false
			}
			depth, ok := paramInt(rec, "scrollDepth")
			return ok && depth == 0
		},
	},
	{
		name:     "uniform-timing",
		severity: sevSuspicious,
		fires: func(rec model.TrackingRecord) bool {
			cv, ok := paramFloat(rec, "moveTimingCV")
			return ok && cv < 0.05 && moveCount(rec) >= 20
		},
	},
}
