package enrich

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// Release-year reference tables. Vintage triangulation does not need
// precision, only enough to notice a "brand-new browser on decade-old
// silicon" spread.
var gpuVintages = []struct {
	substr string
	year   int
}{
	{"rtx 50", 2025}, {"rtx 40", 2022}, {"rtx 30", 2020}, {"rtx 20", 2018},
	{"gtx 16", 2019}, {"gtx 10", 2016}, {"gtx 9", 2014}, {"gtx 7", 2013},
	{"radeon rx 7", 2022}, {"radeon rx 6", 2020}, {"radeon rx 5", 2019},
	{"apple m4", 2024}, {"apple m3", 2023}, {"apple m2", 2022}, {"apple m1", 2020},
	{"iris xe", 2020}, {"intel uhd", 2017}, {"intel hd", 2012},
	{"adreno 7", 2021}, {"adreno 6", 2018}, {"adreno 5", 2015},
	{"mali-g7", 2020}, {"mali-g5", 2018}, {"mali-t", 2014},
}

var osVintages = map[string]map[string]int{
	"Windows": {"11": 2021, "10": 2015, "8.1": 2013, "8": 2012, "7": 2009},
	"macOS": {
		"15": 2024, "14": 2023, "13": 2022, "12": 2021, "11": 2020,
		"10.15": 2019, "10.14": 2018, "10.13": 2017,
	},
}

// DeviceAge estimates hardware age in years by triangulating GPU, OS and
// browser vintages. An anomaly is flagged when the newest and oldest
// signals disagree by more than five years, the signature of spoofed or
// emulated environments.
type DeviceAge struct {
	now func() time.Time
}

func NewDeviceAge() *DeviceAge { return &DeviceAge{now: time.Now} }

func (s *DeviceAge) Name() string { return "device_age" }

func (s *DeviceAge) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	var vintages []int
	if y := gpuVintage(param(rec, "gpu")); y > 0 {
		vintages = append(vintages, y)
	}
	if y := osVintage(srv(rec, "os"), srv(rec, "osVer")); y > 0 {
		vintages = append(vintages, y)
	}
	if y := browserVintage(srv(rec, "browser"), srv(rec, "browserVer")); y > 0 {
		vintages = append(vintages, y)
	}
	if len(vintages) == 0 {
		return rec, nil
	}

	oldest, newest := vintages[0], vintages[0]
	for _, y := range vintages[1:] {
		if y < oldest {
			oldest = y
		}
		if y > newest {
			newest = y
		}
	}

	age := s.now().UTC().Year() - oldest
	if age < 0 {
		age = 0
	}
	return rec.WithServerParams(
		"deviceAge", strconv.Itoa(age),
		"deviceAgeAnomaly", boolParam(newest-oldest > 5),
	), nil
}

func gpuVintage(gpu string) int {
	g := strings.ToLower(gpu)
	if g == "" {
		return 0
	}
	for _, v := range gpuVintages {
		if strings.Contains(g, v.substr) {
			return v.year
		}
	}
	return 0
}

func osVintage(os, ver string) int {
	table, ok := osVintages[os]
	if !ok || ver == "" {
		return 0
	}
	if y, ok := table[ver]; ok {
		return y
	}
	// macOS patch versions: match on the major component.
	if i := strings.IndexByte(ver, '.'); i > 0 {
		if y, ok := table[ver[:i]]; ok {
			return y
		}
	}
	return 0
}

// browserVintage approximates the release year from the major version.
// Chrome and Firefox ship on fixed cadences; Safari tracks macOS.
func browserVintage(browser, ver string) int {
	if ver == "" {
		return 0
	}
	majorStr := ver
	if i := strings.IndexByte(ver, '.'); i > 0 {
		majorStr = ver[:i]
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil || major <= 0 {
		return 0
	}
	switch browser {
	case "Chrome", "Edge", "Opera":
		// ~9 releases/year since v70 (late 2018).
		if major < 70 {
			return 2018
		}
		return 2018 + (major-70)/9
	case "Firefox":
		// ~8 releases/year since v63 (late 2018).
		if major < 63 {
			return 2018
		}
		return 2018 + (major-63)/8
	case "Safari":
		// One major per year; Safari 13 shipped 2019.
		return 2019 + (major - 13)
	}
	return 0
}
