package enrich

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/smartpixl/pixel-ingester/internal/model"
)

const sessionIdleTimeout = 30 * time.Minute

type sessionState struct {
	mu       sync.Mutex
	id       string
	firstAt  time.Time
	lastAt   time.Time
	hits     int
	pages    map[string]struct{}
	lastPage string
}

// Sessions stitches consecutive hits from the same device into a session.
// Keyed by DeviceHash; 30 minutes of inactivity ends the session, enforced
// by the cache expiry so no sweeper of our own is needed.
type Sessions struct {
	states *gocache.Cache
}

func NewSessions() *Sessions {
	return &Sessions{states: gocache.New(sessionIdleTimeout, 10*time.Minute)}
}

func (s *Sessions) Name() string { return "sessions" }

func (s *Sessions) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	key := model.DeviceHashFromCarrier(rec.QueryString)
	now := rec.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	page := param(rec, "page")
	if page == "" {
		page = rec.RequestPath
	}

	st := s.get(key, now)
	st.mu.Lock()
	if now.Sub(st.lastAt) > sessionIdleTimeout {
		// Idle boundary crossed between expiry sweeps.
		st.id = uuid.NewString()
		st.firstAt = now
		st.hits = 0
		st.pages = map[string]struct{}{}
	}
	st.hits++
	st.lastAt = now
	st.pages[page] = struct{}{}
	st.lastPage = page

	id := st.id
	hitNum := st.hits
	duration := int(now.Sub(st.firstAt).Seconds())
	pages := len(st.pages)
	st.mu.Unlock()

	// Reset the idle clock.
	s.states.SetDefault(key, st)

	return rec.WithServerParams(
		"sessionId", id,
		"sessionHitNum", strconv.Itoa(hitNum),
		"sessionDurationSec", strconv.Itoa(duration),
		"sessionPages", strconv.Itoa(pages),
	), nil
}

func (s *Sessions) get(key string, now time.Time) *sessionState {
	if v, ok := s.states.Get(key); ok {
		return v.(*sessionState)
	}
	st := &sessionState{
		id:      uuid.NewString(),
		firstAt: now,
		lastAt:  now,
		pages:   map[string]struct{}{},
	}
	if err := s.states.Add(key, st, gocache.DefaultExpiration); err != nil {
		if v, ok := s.states.Get(key); ok {
			return v.(*sessionState)
		}
	}
	return st
}
