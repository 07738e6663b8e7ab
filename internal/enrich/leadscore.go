package enrich

import (
	"context"
	"strconv"
	"strings"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// Lead-quality weights. Positive signals only; the score sums what a real,
// engaged visitor exhibits rather than subtracting bot penalties (those
// live in the composite score downstream).
const (
	leadWeightResidential = 20
	leadWeightStableFP    = 10
	leadWeightMouse       = 15
	leadWeightFonts       = 10
	leadWeightCanvas      = 10
	leadWeightTZMatch     = 10
	leadWeightReturning   = 10
	leadWeightNotBot      = 10
	leadWeightClean       = 5
)

// LeadScore is the last step: a weighted positive-signal composite over
// everything earlier steps appended.
type LeadScore struct{}

func NewLeadScore() *LeadScore { return &LeadScore{} }

func (s *LeadScore) Name() string { return "lead_score" }

func (s *LeadScore) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	score := 0

	if srv(rec, "datacenter") != "1" && srv(rec, "ipapiProxy") != "1" && srv(rec, "rdnsCloud") != "1" {
		score += leadWeightResidential
	}
	if srv(rec, "fpAlert") == "0" {
		score += leadWeightStableFP
	}
	if entropy, ok := paramFloat(rec, "mouseEntropy"); ok && entropy >= 40 {
		score += leadWeightMouse
	}
	if fonts := param(rec, "fonts"); fonts != "" && strings.Count(fonts, ",")+1 >= 10 {
		score += leadWeightFonts
	}
	if param(rec, "canvasFP") != "" && !containsFold(param(rec, "gpu"), "swiftshader") {
		score += leadWeightCanvas
	}
	if cultural, err := strconv.Atoi(srv(rec, "culturalScore")); err == nil && cultural >= 70 {
		score += leadWeightTZMatch
	}
	if hitNum, err := strconv.Atoi(srv(rec, "sessionHitNum")); err == nil && hitNum >= 2 {
		score += leadWeightReturning
	}
	if srv(rec, "knownBot") != "1" {
		score += leadWeightNotBot
	}
	if n, err := strconv.Atoi(srv(rec, "contradictions")); err == nil && n == 0 {
		score += leadWeightClean
	}

	if score > 100 {
		score = 100
	}
	return rec.WithServerParams("leadScore", strconv.Itoa(score)), nil
}
