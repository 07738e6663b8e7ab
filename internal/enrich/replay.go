package enrich

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
)

const (
	replayGridPx    = 10
	replayBucketMs  = 100
	replayRetention = 2 * time.Hour
	replayMaxHashes = 100_000
	replayMinPoints = 10
)

type replaySighting struct {
	fingerprint string
	at          time.Time
}

// Replay detects replayed mouse trajectories. The path is quantized to a
// 10 px grid and 100 ms buckets so recording jitter still hashes
// identically; the same hash arriving from a different fingerprint within
// the retention window means the trajectory was recorded once and played
// back elsewhere.
type Replay struct {
	recent *expirable.LRU[uint32, replaySighting]
}

func NewReplay() *Replay {
	return &Replay{
		recent: expirable.NewLRU[uint32, replaySighting](replayMaxHashes, nil, replayRetention),
	}
}

func (s *Replay) Name() string { return "replay" }

func (s *Replay) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	path := param(rec, "mousePath")
	h, points := quantizePathHash(path)
	if points < replayMinPoints {
		return rec, nil
	}

	fp := model.DeviceHashFromCarrier(rec.QueryString)
	now := rec.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	detected := false
	matchFP := ""
	if prev, ok := s.recent.Get(h); ok && prev.fingerprint != fp {
		detected = true
		matchFP = prev.fingerprint
		metrics.BotDetectionsTotal.WithLabelValues("replay").Inc()
	}
	s.recent.Add(h, replaySighting{fingerprint: fp, at: now})

	pairs := []string{"replayDetected", boolParam(detected)}
	if matchFP != "" {
		pairs = append(pairs, "replayMatchFP", matchFP)
	}
	return rec.WithServerParams(pairs...), nil
}

// quantizePathHash hashes the "x,y,t|x,y,t|..." path after snapping
// coordinates to the grid and timestamps to the bucket. FNV-1a 32-bit.
func quantizePathHash(path string) (hash uint32, points int) {
	if path == "" {
		return 0, 0
	}
	h := fnv.New32a()
	var buf [3]int64
	for _, point := range strings.Split(path, "|") {
		fields := strings.Split(point, ",")
		if len(fields) != 3 {
			continue
		}
		ok := true
		for i, f := range fields {
			v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
			if err != nil {
				ok = false
				break
			}
			buf[i] = v
		}
		if !ok {
			continue
		}
		qx := buf[0] / replayGridPx
		qy := buf[1] / replayGridPx
		qt := buf[2] / replayBucketMs
		h.Write([]byte(strconv.FormatInt(qx, 10)))
		h.Write([]byte{','})
		h.Write([]byte(strconv.FormatInt(qy, 10)))
		h.Write([]byte{','})
		h.Write([]byte(strconv.FormatInt(qt, 10)))
		h.Write([]byte{'|'})
		points++
	}
	return h.Sum32(), points
}
