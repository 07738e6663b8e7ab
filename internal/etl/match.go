package etl

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"go.uber.org/zap"
)

const (
	matchVisitsProcess = "match_visits"
	matchLegacyProcess = "match_legacy_visits"
)

// emailShapeRe is the coarse sanity filter applied before normalization:
// something@something.something with at least one character around each
// separator. Deliverability is not the question, garbage rejection is.
var emailShapeRe = regexp.MustCompile(`^.+@.+\..+$`)

// matchKey identifies one upsert target.
type matchKey struct {
	companyID string
	pixelID   string
	key       string
}

// matchCandidate is one visit eligible for resolution.
type matchCandidate struct {
	visitID    int64
	companyID  string
	pixelID    string
	deviceID   *int64
	ipID       *int64
	receivedAt time.Time
	key        string
}

// matchAgg is the in-batch group-by result for one key. The dedup is not
// an optimization: two candidate visits with the same key in one batch
// would otherwise hit the same upsert target twice and fail.
type matchAgg struct {
	firstVisitID int64
	lastVisitID  int64
	firstSeen    time.Time
	lastSeen     time.Time
	hitCount     int64
	deviceID     *int64
	ipID         *int64
}

// dedupCandidates groups candidates by key, taking min/max visit ids and
// timestamps and counting hits.
func dedupCandidates(cands []matchCandidate) map[matchKey]*matchAgg {
	aggs := map[matchKey]*matchAgg{}
	for _, c := range cands {
		k := matchKey{companyID: c.companyID, pixelID: c.pixelID, key: c.key}
		a, ok := aggs[k]
		if !ok {
			aggs[k] = &matchAgg{
				firstVisitID: c.visitID,
				lastVisitID:  c.visitID,
				firstSeen:    c.receivedAt,
				lastSeen:     c.receivedAt,
				hitCount:     1,
				deviceID:     c.deviceID,
				ipID:         c.ipID,
			}
			continue
		}
		if c.visitID < a.firstVisitID {
			a.firstVisitID = c.visitID
		}
		if c.visitID > a.lastVisitID {
			a.lastVisitID = c.visitID
			a.deviceID = c.deviceID
			a.ipID = c.ipID
		}
		if c.receivedAt.Before(a.firstSeen) {
			a.firstSeen = c.receivedAt
		}
		if c.receivedAt.After(a.lastSeen) {
			a.lastSeen = c.receivedAt
		}
		a.hitCount++
	}
	return aggs
}

// normalizeEmail applies the canonical lower(trim()) and validates shape.
func normalizeEmail(email string) (string, bool) {
	e := strings.ToLower(strings.TrimSpace(email))
	if len(e) <= 5 || !emailShapeRe.MatchString(e) {
		return "", false
	}
	return e, true
}

// consumerIdentity is a resolved external consumer record.
type consumerIdentity struct {
	individualKey *string
	addressKey    *string
}

// upsertMatch writes one resolved key. MatchedAt transitions NULL to
// now() exactly once, on the first moment an IndividualKey exists, and is
// immutable after; IndividualKey itself never reverts to NULL.
func upsertMatch(ctx context.Context, tx pgx.Tx, matchType string, k matchKey, a *matchAgg, id consumerIdentity) error {
	var matchedAt *time.Time
	if id.individualKey != nil {
		now := time.Now().UTC()
		matchedAt = &now
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO matches (company_id, pixel_id, match_type, match_key,
		                     first_visit_id, latest_visit_id, first_seen, last_seen,
		                     hit_count, device_id, ip_id,
		                     individual_key, address_key, matched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (company_id, pixel_id, match_type, match_key) DO UPDATE SET
			latest_visit_id = EXCLUDED.latest_visit_id,
			last_seen = EXCLUDED.last_seen,
			hit_count = matches.hit_count + EXCLUDED.hit_count,
			device_id = COALESCE(EXCLUDED.device_id, matches.device_id),
			ip_id = COALESCE(EXCLUDED.ip_id, matches.ip_id),
			individual_key = COALESCE(matches.individual_key, EXCLUDED.individual_key),
			address_key = COALESCE(matches.address_key, EXCLUDED.address_key),
			matched_at = CASE
				WHEN matches.matched_at IS NULL AND EXCLUDED.individual_key IS NOT NULL THEN now()
				ELSE matches.matched_at
			END`,
		k.companyID, k.pixelID, matchType, k.key,
		a.firstVisitID, a.lastVisitID, a.firstSeen, a.lastSeen,
		a.hitCount, a.deviceID, a.ipID,
		id.individualKey, id.addressKey, matchedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting %s match %s/%s/%s: %w", matchType, k.companyID, k.pixelID, k.key, err)
	}
	return nil
}

// MatchVisits resolves email-bearing visits against the external consumer
// table.
type MatchVisits struct {
	pool      *pgxpool.Pool
	batchSize int
	logger    *zap.Logger
}

func NewMatchVisits(pool *pgxpool.Pool, batchSize int, logger *zap.Logger) *MatchVisits {
	return &MatchVisits{pool: pool, batchSize: batchSize, logger: logger}
}

func (m *MatchVisits) Run(ctx context.Context) (int, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning match transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lastID, err := getWatermark(ctx, tx, matchVisitsProcess)
	if err != nil {
		return 0, err
	}
	var maxMatched int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(latest_visit_id), 0) FROM matches WHERE match_type = 'email'`,
	).Scan(&maxMatched); err != nil {
		return 0, fmt.Errorf("reading match high mark: %w", err)
	}
	if healed, was := healWatermark(lastID, maxMatched); was {
		logHealed(m.logger, matchVisitsProcess, lastID, healed)
		lastID = healed
	}

	var maxAvail int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM visits`).Scan(&maxAvail); err != nil {
		return 0, fmt.Errorf("reading visit high mark: %w", err)
	}
	maxID, ok := batchRange(lastID, maxAvail, m.batchSize)
	if !ok {
		if err := advanceWatermark(ctx, tx, matchVisitsProcess, lastID); err != nil {
			return 0, err
		}
		return 0, tx.Commit(ctx)
	}

	cands, err := m.selectCandidates(ctx, tx, lastID, maxID)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for k, a := range dedupCandidates(cands) {
		identity, err := lookupConsumerByEmail(ctx, tx, k.key)
		if err != nil {
			return 0, err
		}
		if err := upsertMatch(ctx, tx, "email", k, a, identity); err != nil {
			return 0, err
		}
		resolved++
	}

	// The watermark covers the scanned range, not just rows that matched.
	if err := advanceWatermark(ctx, tx, matchVisitsProcess, maxID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing match batch: %w", err)
	}
	metrics.EtlRowsProcessedTotal.WithLabelValues(matchVisitsProcess).Add(float64(len(cands)))
	return resolved, nil
}

// selectCandidates pulls email-bearing visits in range whose pixel has
// email matching enabled; a pixel with no config row is enabled.
func (m *MatchVisits) selectCandidates(ctx context.Context, tx pgx.Tx, lastID, maxID int64) ([]matchCandidate, error) {
	rows, err := tx.Query(ctx, `
		SELECT v.id, v.company_id, v.pixel_id, v.device_id, v.ip_id, v.received_at, v.match_email
		FROM visits v
		LEFT JOIN pixel_config pc
		       ON pc.company_id = v.company_id AND pc.pixel_id = v.pixel_id
		WHERE v.id > $1 AND v.id <= $2
		  AND v.match_email IS NOT NULL
		  AND COALESCE(pc.match_email, true)
		ORDER BY v.id`, lastID, maxID)
	if err != nil {
		return nil, fmt.Errorf("selecting email candidates: %w", err)
	}
	defer rows.Close()

	var cands []matchCandidate
	for rows.Next() {
		var c matchCandidate
		var email string
		if err := rows.Scan(&c.visitID, &c.companyID, &c.pixelID, &c.deviceID, &c.ipID, &c.receivedAt, &email); err != nil {
			return nil, fmt.Errorf("scanning email candidate: %w", err)
		}
		normalized, ok := normalizeEmail(email)
		if !ok {
			continue
		}
		c.key = normalized
		cands = append(cands, c)
	}
	return cands, rows.Err()
}

// lookupConsumerByEmail resolves most-recent-record-wins: the single
// consumer row with the highest record id for the normalized email.
func lookupConsumerByEmail(ctx context.Context, tx pgx.Tx, email string) (consumerIdentity, error) {
	var id consumerIdentity
	err := tx.QueryRow(ctx, `
		SELECT individual_key, address_key
		FROM consumers
		WHERE email = $1
		ORDER BY record_id DESC
		LIMIT 1`, email).Scan(&id.individualKey, &id.addressKey)
	if err == pgx.ErrNoRows {
		return consumerIdentity{}, nil
	}
	if err != nil {
		return consumerIdentity{}, fmt.Errorf("looking up consumer by email: %w", err)
	}
	return id, nil
}

// MatchLegacyVisits resolves email-less legacy visits by IP address. The
// two-phase consumer lookup amortizes cost across duplicate IPs in the
// batch: first the winning record id per distinct IP, then one point
// lookup for the keys.
type MatchLegacyVisits struct {
	pool      *pgxpool.Pool
	batchSize int
	logger    *zap.Logger
}

func NewMatchLegacyVisits(pool *pgxpool.Pool, batchSize int, logger *zap.Logger) *MatchLegacyVisits {
	return &MatchLegacyVisits{pool: pool, batchSize: batchSize, logger: logger}
}

func (m *MatchLegacyVisits) Run(ctx context.Context) (int, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning legacy match transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lastID, err := getWatermark(ctx, tx, matchLegacyProcess)
	if err != nil {
		return 0, err
	}
	var maxMatched int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(latest_visit_id), 0) FROM matches WHERE match_type = 'ip'`,
	).Scan(&maxMatched); err != nil {
		return 0, fmt.Errorf("reading legacy match high mark: %w", err)
	}
	if healed, was := healWatermark(lastID, maxMatched); was {
		logHealed(m.logger, matchLegacyProcess, lastID, healed)
		lastID = healed
	}

	var maxAvail int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM visits`).Scan(&maxAvail); err != nil {
		return 0, fmt.Errorf("reading visit high mark: %w", err)
	}
	maxID, ok := batchRange(lastID, maxAvail, m.batchSize)
	if !ok {
		if err := advanceWatermark(ctx, tx, matchLegacyProcess, lastID); err != nil {
			return 0, err
		}
		return 0, tx.Commit(ctx)
	}

	cands, err := m.selectCandidates(ctx, tx, lastID, maxID)
	if err != nil {
		return 0, err
	}
	identities, err := resolveByIP(ctx, tx, cands)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for k, a := range dedupCandidates(cands) {
		if err := upsertMatch(ctx, tx, "ip", k, a, identities[k.key]); err != nil {
			return 0, err
		}
		resolved++
	}

	if err := advanceWatermark(ctx, tx, matchLegacyProcess, maxID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing legacy match batch: %w", err)
	}
	metrics.EtlRowsProcessedTotal.WithLabelValues(matchLegacyProcess).Add(float64(len(cands)))
	return resolved, nil
}

func (m *MatchLegacyVisits) selectCandidates(ctx context.Context, tx pgx.Tx, lastID, maxID int64) ([]matchCandidate, error) {
	rows, err := tx.Query(ctx, `
		SELECT v.id, v.company_id, v.pixel_id, v.device_id, v.ip_id, v.received_at, i.ip_address
		FROM visits v
		JOIN ips i ON i.id = v.ip_id
		LEFT JOIN pixel_config pc
		       ON pc.company_id = v.company_id AND pc.pixel_id = v.pixel_id
		WHERE v.id > $1 AND v.id <= $2
		  AND v.match_email IS NULL
		  AND v.hit_type = 'legacy'
		  AND v.ip_id IS NOT NULL
		  AND COALESCE(pc.match_ip, true)
		ORDER BY v.id`, lastID, maxID)
	if err != nil {
		return nil, fmt.Errorf("selecting legacy candidates: %w", err)
	}
	defer rows.Close()

	var cands []matchCandidate
	for rows.Next() {
		var c matchCandidate
		if err := rows.Scan(&c.visitID, &c.companyID, &c.pixelID, &c.deviceID, &c.ipID, &c.receivedAt, &c.key); err != nil {
			return nil, fmt.Errorf("scanning legacy candidate: %w", err)
		}
		cands = append(cands, c)
	}
	return cands, rows.Err()
}

// resolveByIP runs the two-phase lookup and returns identities keyed by IP.
func resolveByIP(ctx context.Context, tx pgx.Tx, cands []matchCandidate) (map[string]consumerIdentity, error) {
	distinct := map[string]struct{}{}
	for _, c := range cands {
		distinct[c.key] = struct{}{}
	}
	identities := make(map[string]consumerIdentity, len(distinct))
	if len(distinct) == 0 {
		return identities, nil
	}

	// Phase A: winning record id per IP.
	recordIDs := map[string]int64{}
	var ids []int64
	for ip := range distinct {
		var recordID int64
		err := tx.QueryRow(ctx, `
			SELECT record_id FROM consumers
			WHERE ip_address = $1
			ORDER BY record_id DESC
			LIMIT 1`, ip).Scan(&recordID)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving consumer record for ip %s: %w", ip, err)
		}
		recordIDs[ip] = recordID
		ids = append(ids, recordID)
	}
	if len(ids) == 0 {
		return identities, nil
	}

	// Phase B: point lookup of the keys.
	rows, err := tx.Query(ctx, `
		SELECT record_id, individual_key, address_key
		FROM consumers
		WHERE record_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving consumer keys: %w", err)
	}
	defer rows.Close()

	byRecord := map[int64]consumerIdentity{}
	for rows.Next() {
		var recordID int64
		var id consumerIdentity
		if err := rows.Scan(&recordID, &id.individualKey, &id.addressKey); err != nil {
			return nil, fmt.Errorf("scanning consumer keys: %w", err)
		}
		byRecord[recordID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for ip, recordID := range recordIDs {
		identities[ip] = byRecord[recordID]
	}
	return identities, nil
}
