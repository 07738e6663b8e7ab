package enrich

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
)

const (
	crossCustWindow    = 5 * time.Minute
	crossCustThreshold = 3
	crossCustMaxKeys   = 100_000
)

type crossCustState struct {
	mu   sync.Mutex
	seen []crossCustObs
}

type crossCustObs struct {
	company string
	at      time.Time
}

// CrossCustomer tracks one (IP, fingerprint) identity as it appears across
// tenants. The same browser hitting three different customers' pixels
// inside five minutes is crawler behavior, not a person shopping.
type CrossCustomer struct {
	states *expirable.LRU[string, *crossCustState]
}

func NewCrossCustomer() *CrossCustomer {
	return &CrossCustomer{
		states: expirable.NewLRU[string, *crossCustState](crossCustMaxKeys, nil, crossCustWindow),
	}
}

func (s *CrossCustomer) Name() string { return "cross_customer" }

func (s *CrossCustomer) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	key := rec.IPAddress + "|" + model.DeviceHashFromCarrier(rec.QueryString)
	now := rec.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	st, ok := s.states.Get(key)
	if !ok {
		st = &crossCustState{}
		s.states.Add(key, st)
	}

	st.mu.Lock()
	cutoff := now.Add(-crossCustWindow)
	kept := st.seen[:0]
	for _, o := range st.seen {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	st.seen = append(kept, crossCustObs{company: rec.CompanyID, at: now})

	distinct := map[string]struct{}{}
	for _, o := range st.seen {
		distinct[o.company] = struct{}{}
	}
	customers := len(distinct)
	st.mu.Unlock()

	alert := customers >= crossCustThreshold
	if alert {
		metrics.BotDetectionsTotal.WithLabelValues("cross_customer").Inc()
	}
	return rec.WithServerParams(
		"crossCustHits", strconv.Itoa(customers),
		"crossCustWindow", "5m",
		"crossCustAlert", boolParam(alert),
	), nil
}
