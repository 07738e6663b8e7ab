package enrich

import (
	"time"

	"github.com/smartpixl/pixel-ingester/internal/config"
	"github.com/smartpixl/pixel-ingester/internal/geo"
)

// DefaultSteps assembles the full pipeline in its canonical order. The
// order is part of the contract: contradictions read the parsed UA, whois
// runs only when offline geo found no ASN, the lead score reads nearly
// every earlier output.
func DefaultSteps(geoDB *geo.DB, cfg config.GeoAPIConfig, rdnsServer, whoisServer string) []Step {
	return []Step{
		NewKnownBots(),
		NewUAParse(),
		NewReverseDNS(rdnsServer),
		NewOfflineGeo(geoDB),
		NewGeoAPI(cfg.Endpoint, cfg.RequestsPerMinute, cfg.MaxConcurrent, time.Duration(cfg.TimeoutMs)*time.Millisecond),
		NewWhoisASN(whoisServer),
		NewSessions(),
		NewCrossCustomer(),
		NewAffluence(),
		NewContradictions(),
		NewCultural(),
		NewDeviceAge(),
		NewReplay(),
		NewDeadInternet(),
		NewLeadScore(),
	}
}
