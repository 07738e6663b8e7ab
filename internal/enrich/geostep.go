package enrich

import (
	"context"
	"strconv"

	"github.com/smartpixl/pixel-ingester/internal/geo"
	"github.com/smartpixl/pixel-ingester/internal/model"
)

// OfflineGeo looks the client IP up in the preloaded range database. Purely
// in-memory; the only step before the writer that touches no I/O yet still
// depends on a mutable dataset (swapped atomically on reload).
type OfflineGeo struct {
	db *geo.DB
}

func NewOfflineGeo(db *geo.DB) *OfflineGeo { return &OfflineGeo{db: db} }

func (s *OfflineGeo) Name() string { return "offline_geo" }

func (s *OfflineGeo) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	if srv(rec, "skipGeo") == "1" {
		return rec, nil
	}
	loc, ok := s.db.Lookup(rec.IPAddress)
	if !ok {
		return rec, nil
	}
	pairs := []string{
		"mmCC", loc.CountryCode,
		"mmReg", loc.Region,
		"mmCity", loc.City,
		"mmLat", strconv.FormatFloat(loc.Latitude, 'f', 4, 64),
		"mmLon", strconv.FormatFloat(loc.Longitude, 'f', 4, 64),
	}
	if loc.ASN != 0 {
		pairs = append(pairs,
			"mmASN", strconv.FormatInt(loc.ASN, 10),
			"mmASNOrg", loc.ASNOrg,
		)
	}
	return rec.WithServerParams(pairs...), nil
}
