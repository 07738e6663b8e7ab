package enrich

import (
	"context"
	"strings"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// GPU renderer substrings by tier, newest and priciest first. Matching is
// case-insensitive substring; the renderer strings browsers report are
// verbose ("ANGLE (NVIDIA, NVIDIA GeForce RTX 4090 ...)").
var (
	gpuHighTier = []string{
		"rtx 50", "rtx 40", "rtx 30",
		"radeon rx 7", "radeon rx 6900", "radeon rx 6800",
		"apple m4", "apple m3", "apple m2", "apple m1",
		"radeon pro", "quadro rtx",
	}
	gpuMidTier = []string{
		"rtx 20", "gtx 16", "gtx 10",
		"radeon rx 6", "radeon rx 5",
		"iris xe", "iris plus", "arc a",
		"apple gpu", "adreno 7", "mali-g7",
	}
	gpuLowTier = []string{
		"intel hd", "intel uhd", "intel(r) hd", "intel(r) uhd",
		"gma", "geforce gt ", "radeon vega 3",
		"adreno 5", "adreno 6", "mali-g5", "mali-t",
		"swiftshader", "llvmpipe", "mesa offscreen",
	}
)

// Affluence classifies the device into a spending-power band from hardware
// signals. GPU tier anchors the band; cores, memory and screen width nudge
// it one notch either way.
type Affluence struct{}

func NewAffluence() *Affluence { return &Affluence{} }

func (s *Affluence) Name() string { return "affluence" }

func (s *Affluence) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	gpu := strings.ToLower(param(rec, "gpu"))
	tier := gpuTierOf(gpu)

	score := 0
	switch tier {
	case "HIGH":
		score = 2
	case "MID":
		score = 1
	case "LOW":
		score = 0
	default:
		score = 1
	}
	if cores, ok := paramInt(rec, "cores"); ok && cores >= 12 {
		score++
	}
	if mem, ok := paramInt(rec, "mem"); ok {
		if mem >= 16 {
			score++
		} else if mem <= 4 {
			score--
		}
	}
	if sw, ok := paramInt(rec, "sw"); ok && sw >= 2560 {
		score++
	}

	band := "MID"
	switch {
	case score <= 0:
		band = "LOW"
	case score >= 3:
		band = "HIGH"
	}
	return rec.WithServerParams("affluence", band, "gpuTier", tier), nil
}

func gpuTierOf(gpu string) string {
	if gpu == "" {
		return "UNKNOWN"
	}
	for _, p := range gpuHighTier {
		if strings.Contains(gpu, p) {
			return "HIGH"
		}
	}
	for _, p := range gpuMidTier {
		if strings.Contains(gpu, p) {
			return "MID"
		}
	}
	for _, p := range gpuLowTier {
		if strings.Contains(gpu, p) {
			return "LOW"
		}
	}
	return "UNKNOWN"
}
