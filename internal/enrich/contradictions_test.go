package enrich

import (
	"strings"
	"testing"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

func fired(t *testing.T, rec model.TrackingRecord) []string {
	t.Helper()
	list := srv(rec, "contradictionList")
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}

func hasRule(rules []string, name string) bool {
	for _, r := range rules {
		if strings.HasPrefix(r, name+":") {
			return true
		}
	}
	return false
}

func TestContradictionsCleanRecord(t *testing.T) {
	s := NewContradictions()
	rec := model.TrackingRecord{QueryString: "sw=1920&langs=en-US,en&gpu=NVIDIA+GeForce+RTX+3060"}
	rec = rec.WithServerParams("os", "Windows", "deviceType", "desktop", "browser", "Chrome")
	rec = apply(t, s, rec)
	if got := srv(rec, "contradictions"); got != "0" {
		t.Errorf("clean record contradictions = %q (%s)", got, srv(rec, "contradictionList"))
	}
}

func TestContradictionRules(t *testing.T) {
	s := NewContradictions()

	tests := []struct {
		name string
		qs   string
		srv  []string
		rule string
		sev  string
	}{
		{
			"mobile ua on wide screen with mouse",
			"sw=1920&moves=50",
			[]string{"deviceType", "mobile"},
			"mobile-ua-wide-screen-mouse", sevImpossible,
		},
		{
			"directx renderer on macos",
			"gpu=ANGLE+(Direct3D11+vs_5_0)",
			[]string{"os", "macOS"},
			"macos-directx-gpu", sevImpossible,
		},
		{
			"safari reporting battery api",
			"battery=1",
			[]string{"browser", "Safari", "os", "macOS"},
			"safari-battery-api", sevImpossible,
		},
		{
			"touch points without touch events",
			"touch=5&touchEv=0",
			nil,
			"touchpoints-no-touch", sevImpossible,
		},
		{
			"desktop on narrow screen",
			"sw=400",
			[]string{"deviceType", "desktop"},
			"desktop-narrow-screen", sevSuspicious,
		},
		{
			"apple fonts on linux",
			"fonts=Arial,Helvetica+Neue,Verdana",
			[]string{"os", "Linux"},
			"linux-apple-fonts", sevImpossible,
		},
		{
			"windows fonts on mac",
			"fonts=Segoe+UI,Arial",
			[]string{"os", "macOS"},
			"win-fonts-on-mac", sevSuspicious,
		},
		{
			"software renderer",
			"gpu=Google+SwiftShader",
			nil,
			"swiftshader-gpu", sevSuspicious,
		},
		{
			"mobile gpu on mac",
			"gpu=Adreno+650",
			[]string{"os", "macOS"},
			"gpu-platform-mismatch", sevSuspicious,
		},
		{
			"platform string contradicts ua os",
			"plt=Win32",
			[]string{"os", "macOS"},
			"ua-platform-mismatch", sevImpossible,
		},
		{
			"client hints contradict ua os",
			"chPlt=Android",
			[]string{"os", "Windows"},
			"clienthints-platform-mismatch", sevSuspicious,
		},
		{
			"languages present but empty",
			"langs=",
			nil,
			"empty-languages", sevSuspicious,
		},
		{
			"scroll events without depth",
			"scrolls=12&scrollDepth=0",
			nil,
			"scroll-no-depth", sevSuspicious,
		},
		{
			"robotic move timing",
			"moveTimingCV=0.01&moves=100",
			nil,
			"uniform-timing", sevSuspicious,
		},
	}
	for _, tt := range tests {
		rec := model.TrackingRecord{QueryString: tt.qs}
		if len(tt.srv) > 0 {
			rec = rec.WithServerParams(tt.srv...)
		}
		rec = apply(t, s, rec)
		rules := fired(t, rec)
		if !hasRule(rules, tt.rule) {
			t.Errorf("%s: rule %s did not fire (fired: %v)", tt.name, tt.rule, rules)
			continue
		}
		want := tt.rule + ":" + tt.sev
		found := false
		for _, r := range rules {
			if r == want {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: severity mismatch, want %s in %v", tt.name, want, rules)
		}
	}
}

func TestContradictionCount(t *testing.T) {
	s := NewContradictions()
	// Stacks software renderer on top of a platform mismatch.
	rec := model.TrackingRecord{QueryString: "gpu=SwiftShader&plt=Win32"}
	rec = rec.WithServerParams("os", "macOS")
	rec = apply(t, s, rec)
	if got := srv(rec, "contradictions"); got != "2" {
		t.Errorf("contradictions = %q, want 2 (%s)", got, srv(rec, "contradictionList"))
	}
}
