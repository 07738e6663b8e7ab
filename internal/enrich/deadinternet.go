package enrich

import (
	"context"
	"strconv"
	"sync"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// deadInternetAlpha is the EWMA smoothing factor: each hit moves the index
// by at most one percentage point, so the index reflects the traffic mix
// over roughly the last hundred hits.
const deadInternetAlpha = 0.01

type deadInternetState struct {
	hits int64
	idx  float64
}

// DeadInternet maintains a per-customer index of how automated the
// customer's traffic looks, exponentially weighted so it tracks shifts
// without whiplashing on a single bot burst.
type DeadInternet struct {
	mu     sync.Mutex
	states map[string]*deadInternetState
}

func NewDeadInternet() *DeadInternet {
	return &DeadInternet{states: make(map[string]*deadInternetState)}
}

func (s *DeadInternet) Name() string { return "dead_internet" }

func (s *DeadInternet) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	signal := 0.0
	if isAutomatedHit(rec) {
		signal = 100.0
	}

	s.mu.Lock()
	st, ok := s.states[rec.CompanyID]
	if !ok {
		st = &deadInternetState{idx: signal}
		s.states[rec.CompanyID] = st
	}
	st.hits++
	if st.hits > 1 {
		st.idx = st.idx*(1-deadInternetAlpha) + signal*deadInternetAlpha
	}
	idx := st.idx
	s.mu.Unlock()

	return rec.WithServerParams("deadInternetIdx", strconv.Itoa(int(idx+0.5))), nil
}

// isAutomatedHit folds the upstream bot verdicts into one boolean.
func isAutomatedHit(rec model.TrackingRecord) bool {
	if srv(rec, "knownBot") == "1" {
		return true
	}
	if srv(rec, "datacenter") == "1" {
		return true
	}
	if srv(rec, "replayDetected") == "1" {
		return true
	}
	if n, err := strconv.Atoi(srv(rec, "contradictions")); err == nil && n >= 2 {
		return true
	}
	if score, ok := model.ParamInt(rec.QueryString, "botScore"); ok && score >= 70 {
		return true
	}
	return false
}
