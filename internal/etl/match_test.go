package etl

import (
	"testing"
	"time"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{" Alice@Example.com", "alice@example.com", true},
		{"bob@test.co", "bob@test.co", true},
		{"BOB@TEST.CO  ", "bob@test.co", true},
		{"a@b.c", "", false},
		{"no-at-sign.com", "", false},
		{"missing@tld", "", false},
		{"", "", false},
		{"   ", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeEmail(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("normalizeEmail(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDedupCandidatesSameKey(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	dev1, dev2 := int64(7), int64(9)

	cands := []matchCandidate{
		{visitID: 101, companyID: "c1", pixelID: "p1", deviceID: &dev1, receivedAt: t1, key: "alice@example.com"},
		{visitID: 205, companyID: "c1", pixelID: "p1", deviceID: &dev2, receivedAt: t2, key: "alice@example.com"},
	}
	aggs := dedupCandidates(cands)
	if len(aggs) != 1 {
		t.Fatalf("expected 1 group, got %d", len(aggs))
	}
	a := aggs[matchKey{companyID: "c1", pixelID: "p1", key: "alice@example.com"}]
	if a == nil {
		t.Fatal("group key missing")
	}
	if a.firstVisitID != 101 || a.lastVisitID != 205 {
		t.Errorf("visit ids = (%d, %d), want (101, 205)", a.firstVisitID, a.lastVisitID)
	}
	if a.hitCount != 2 {
		t.Errorf("hitCount = %d, want 2", a.hitCount)
	}
	if !a.firstSeen.Equal(t1) || !a.lastSeen.Equal(t2) {
		t.Errorf("seen range = (%v, %v)", a.firstSeen, a.lastSeen)
	}
	if a.deviceID == nil || *a.deviceID != dev2 {
		t.Errorf("deviceID = %v, want the most recent visit's device", a.deviceID)
	}
}

func TestDedupCandidatesDistinctKeys(t *testing.T) {
	now := time.Now().UTC()
	cands := []matchCandidate{
		{visitID: 1, companyID: "c1", pixelID: "p1", receivedAt: now, key: "a@x.com"},
		{visitID: 2, companyID: "c1", pixelID: "p1", receivedAt: now, key: "b@x.com"},
		{visitID: 3, companyID: "c2", pixelID: "p1", receivedAt: now, key: "a@x.com"},
	}
	aggs := dedupCandidates(cands)
	if len(aggs) != 3 {
		t.Errorf("expected 3 groups, got %d", len(aggs))
	}
}

func TestDedupCandidatesOutOfOrder(t *testing.T) {
	// Later visit id scanned first must still yield min/max correctly.
	now := time.Now().UTC()
	cands := []matchCandidate{
		{visitID: 300, companyID: "c1", pixelID: "p1", receivedAt: now.Add(time.Minute), key: "k"},
		{visitID: 100, companyID: "c1", pixelID: "p1", receivedAt: now, key: "k"},
		{visitID: 200, companyID: "c1", pixelID: "p1", receivedAt: now.Add(2 * time.Minute), key: "k"},
	}
	a := dedupCandidates(cands)[matchKey{companyID: "c1", pixelID: "p1", key: "k"}]
	if a.firstVisitID != 100 || a.lastVisitID != 300 || a.hitCount != 3 {
		t.Errorf("agg = %+v", a)
	}
}
