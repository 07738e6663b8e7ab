package enrich

import (
	"strings"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// Helpers shared across steps. All reads go through the carrier lookup
// primitive; nothing here materializes a parameter map.

func param(rec model.TrackingRecord, name string) string {
	v, _ := model.LookupParam(rec.QueryString, name)
	return v
}

func paramInt(rec model.TrackingRecord, name string) (int64, bool) {
	return model.ParamInt(rec.QueryString, name)
}

func paramFloat(rec model.TrackingRecord, name string) (float64, bool) {
	return model.ParamFloat(rec.QueryString, name)
}

func srv(rec model.TrackingRecord, name string) string {
	v, _ := rec.ServerParam(name)
	return v
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// moveCount reports how many mouse-move events the carrier describes,
// preferring the explicit counter over re-counting the path.
func moveCount(rec model.TrackingRecord) int {
	if n, ok := paramInt(rec, "moves"); ok {
		return int(n)
	}
	path := param(rec, "mousePath")
	if path == "" {
		return 0
	}
	return strings.Count(path, "|") + 1
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
