package etl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"go.uber.org/zap"
)

const parseProcess = "parse_new_hits"

// ParseNewHits projects raw carrier rows into the parsed table and
// maintains the Device, IP and Visit dimensions. One transaction per
// batch: either the whole (last, max] range lands with its watermark
// advance, or none of it does and the next cycle retries the same range.
type ParseNewHits struct {
	pool      *pgxpool.Pool
	batchSize int
	logger    *zap.Logger
}

func NewParseNewHits(pool *pgxpool.Pool, batchSize int, logger *zap.Logger) *ParseNewHits {
	return &ParseNewHits{pool: pool, batchSize: batchSize, logger: logger}
}

// Run executes one batch. Returns the number of raw rows projected.
func (p *ParseNewHits) Run(ctx context.Context) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning parse transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lastID, err := getWatermark(ctx, tx, parseProcess)
	if err != nil {
		return 0, err
	}

	var maxParsed int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(source_id), 0) FROM parsed_hits`).Scan(&maxParsed); err != nil {
		return 0, fmt.Errorf("reading parsed high mark: %w", err)
	}
	if healed, was := healWatermark(lastID, maxParsed); was {
		logHealed(p.logger, parseProcess, lastID, healed)
		lastID = healed
	}

	var maxAvail int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM raw_hits`).Scan(&maxAvail); err != nil {
		return 0, fmt.Errorf("reading raw high mark: %w", err)
	}
	maxID, ok := batchRange(lastID, maxAvail, p.batchSize)
	if !ok {
		// Nothing new; still record the heal if one happened.
		if err := advanceWatermark(ctx, tx, parseProcess, lastID); err != nil {
			return 0, err
		}
		return 0, tx.Commit(ctx)
	}

	hits, err := p.selectRaw(ctx, tx, lastID, maxID)
	if err != nil {
		return 0, err
	}

	rows := make([]parsedRow, len(hits))
	for i, hit := range hits {
		rows[i] = parseHit(hit)
	}

	if err := copyParsed(ctx, tx, rows); err != nil {
		return 0, err
	}
	deviceIDs, err := upsertDevices(ctx, tx, rows)
	if err != nil {
		return 0, err
	}
	ipIDs, err := upsertIPs(ctx, tx, rows)
	if err != nil {
		return 0, err
	}
	if err := insertVisits(ctx, tx, rows, deviceIDs, ipIDs); err != nil {
		return 0, err
	}

	if err := advanceWatermark(ctx, tx, parseProcess, maxID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing parse batch: %w", err)
	}
	metrics.EtlRowsProcessedTotal.WithLabelValues(parseProcess).Add(float64(len(rows)))
	return len(rows), nil
}

func (p *ParseNewHits) selectRaw(ctx context.Context, tx pgx.Tx, lastID, maxID int64) ([]rawHit, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, received_at, company_id, pixel_id, ip_address,
		       user_agent, referer, request_path, query_string
		FROM raw_hits
		WHERE id > $1 AND id <= $2
		ORDER BY id`, lastID, maxID)
	if err != nil {
		return nil, fmt.Errorf("selecting raw range: %w", err)
	}
	defer rows.Close()

	var hits []rawHit
	for rows.Next() {
		var h rawHit
		if err := rows.Scan(&h.ID, &h.ReceivedAt, &h.CompanyID, &h.PixelID, &h.IPAddress,
			&h.UserAgent, &h.Referer, &h.RequestPath, &h.QueryString); err != nil {
			return nil, fmt.Errorf("scanning raw hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func copyParsed(ctx context.Context, tx pgx.Tx, rows []parsedRow) error {
	src := make([][]any, len(rows))
	for i := range rows {
		src[i] = rows[i].values()
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"parsed_hits"}, parsedColumns, pgx.CopyFromRows(src)); err != nil {
		return fmt.Errorf("copying parsed rows: %w", err)
	}
	return nil
}

// upsertDevices maintains the device dimension and returns device ids by
// hash. Rows sharing a hash within the batch are grouped first; the upsert
// target must see each key once.
func upsertDevices(ctx context.Context, tx pgx.Tx, rows []parsedRow) (map[string]int64, error) {
	type deviceAgg struct {
		firstSeen time.Time
		lastSeen  time.Time
		hits      int64
		row       *parsedRow
	}
	aggs := map[string]*deviceAgg{}
	for i := range rows {
		r := &rows[i]
		a, ok := aggs[r.DeviceHash]
		if !ok {
			aggs[r.DeviceHash] = &deviceAgg{firstSeen: r.ReceivedAt, lastSeen: r.ReceivedAt, hits: 1, row: r}
			continue
		}
		if r.ReceivedAt.Before(a.firstSeen) {
			a.firstSeen = r.ReceivedAt
		}
		if r.ReceivedAt.After(a.lastSeen) {
			a.lastSeen = r.ReceivedAt
			a.row = r
		}
		a.hits++
	}

	ids := make(map[string]int64, len(aggs))
	for hash, a := range aggs {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO devices (device_hash, first_seen, last_seen, hit_count,
			                     device_type, device_brand, device_model, os, browser,
			                     gpu, gpu_tier, screen_res, font_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (device_hash) DO UPDATE SET
				last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen),
				hit_count = devices.hit_count + EXCLUDED.hit_count
			RETURNING id`,
			hash, a.firstSeen, a.lastSeen, a.hits,
			a.row.DeviceType, a.row.DeviceBrand, a.row.DeviceModel, a.row.OS, a.row.Browser,
			a.row.GPU, a.row.GPUTier, screenRes(a.row), a.row.FontCount,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upserting device %s: %w", hash, err)
		}
		ids[hash] = id
	}
	return ids, nil
}

// upsertIPs maintains the IP dimension, same dedup-then-upsert shape as
// devices.
func upsertIPs(ctx context.Context, tx pgx.Tx, rows []parsedRow) (map[string]int64, error) {
	type ipAgg struct {
		firstSeen time.Time
		lastSeen  time.Time
		hits      int64
		row       *parsedRow
	}
	aggs := map[string]*ipAgg{}
	for i := range rows {
		r := &rows[i]
		if r.IPAddress == "" {
			continue
		}
		a, ok := aggs[r.IPAddress]
		if !ok {
			aggs[r.IPAddress] = &ipAgg{firstSeen: r.ReceivedAt, lastSeen: r.ReceivedAt, hits: 1, row: r}
			continue
		}
		if r.ReceivedAt.Before(a.firstSeen) {
			a.firstSeen = r.ReceivedAt
		}
		if r.ReceivedAt.After(a.lastSeen) {
			a.lastSeen = r.ReceivedAt
			a.row = r
		}
		a.hits++
	}

	ids := make(map[string]int64, len(aggs))
	for ip, a := range aggs {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO ips (ip_address, first_seen, last_seen, hit_count,
			                 ip_type, is_datacenter, dc_provider, country_code,
			                 asn, asn_org, isp, is_proxy, rdns)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (ip_address) DO UPDATE SET
				last_seen = GREATEST(ips.last_seen, EXCLUDED.last_seen),
				hit_count = ips.hit_count + EXCLUDED.hit_count,
				is_datacenter = COALESCE(EXCLUDED.is_datacenter, ips.is_datacenter),
				country_code = COALESCE(EXCLUDED.country_code, ips.country_code),
				asn = COALESCE(EXCLUDED.asn, ips.asn)
			RETURNING id`,
			ip, a.firstSeen, a.lastSeen, a.hits,
			a.row.IPType, a.row.IsDatacenter, a.row.DCProvider, a.row.CountryCode,
			a.row.ASN, a.row.ASNOrg, a.row.ISP, a.row.IsProxy, a.row.RDNS,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upserting ip %s: %w", ip, err)
		}
		ids[ip] = id
	}
	return ids, nil
}

var visitColumns = []string{
	"source_id", "received_at", "company_id", "pixel_id",
	"device_id", "ip_id", "device_hash", "hit_type", "page", "match_email",
	"session_id", "session_pages", "session_duration_sec",
	"mouse_entropy", "move_timing_cv", "move_speed_cv", "move_count",
	"replay_detected", "scroll_contradiction",
	"bot_score", "known_bot", "contradiction_count",
	"lead_score", "dead_internet_idx",
}

// insertVisits writes one visit per parsed row, in raw-id order, carrying
// the columns the score materializer and the match resolvers read.
func insertVisits(ctx context.Context, tx pgx.Tx, rows []parsedRow, deviceIDs, ipIDs map[string]int64) error {
	src := make([][]any, len(rows))
	for i := range rows {
		r := &rows[i]
		var deviceID, ipID *int64
		if id, ok := deviceIDs[r.DeviceHash]; ok {
			deviceID = &id
		}
		if id, ok := ipIDs[r.IPAddress]; ok {
			ipID = &id
		}
		src[i] = []any{
			r.SourceID, r.ReceivedAt, r.CompanyID, r.PixelID,
			deviceID, ipID, r.DeviceHash, r.HitType, r.Page, r.MatchEmail,
			r.SessionID, r.SessionPages, r.SessionDurationSec,
			r.MouseEntropy, r.MoveTimingCV, r.MoveSpeedCV, r.MoveCount,
			r.ReplayDetected, hasScrollContradiction(r),
			r.BotScore, r.KnownBot, r.ContradictionCount,
			r.LeadScore, r.DeadInternetIdx,
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"visits"}, visitColumns, pgx.CopyFromRows(src)); err != nil {
		return fmt.Errorf("copying visits: %w", err)
	}
	return nil
}

func hasScrollContradiction(r *parsedRow) bool {
	if r.ContradictionList == nil {
		return false
	}
	return containsRule(*r.ContradictionList, "scroll-no-depth")
}

func containsRule(list, name string) bool {
	for _, entry := range strings.Split(list, ",") {
		if i := strings.IndexByte(entry, ':'); i >= 0 {
			entry = entry[:i]
		}
		if entry == name {
			return true
		}
	}
	return false
}
