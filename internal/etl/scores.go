package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"go.uber.org/zap"
)

const scoresProcess = "visitor_scores"

// visitSignals carries the per-visit columns the score formulas read.
type visitSignals struct {
	visitID             int64
	companyID           string
	mouseEntropy        *float64
	timingCV            *float64
	speedCV             *float64
	moveCount           *int64
	replayDetected      *bool
	scrollContradiction bool
	sessionPages        *int64
	sessionDurationSec  *int64
	leadScore           *int64
	botScore            *int64
	knownBot            *bool
	contradictions      *int64
}

// mouseAuthenticity buckets the mouse telemetry into 0-100. Additive
// bucket scheme: entropy up to 30, timing variation up to 20, speed
// variation up to 15, volume up to 15, plus 10 each for no replay and no
// scroll contradiction.
func mouseAuthenticity(v visitSignals) int {
	score := 0

	switch e := floatOr(v.mouseEntropy, 0); {
	case e >= 70:
		score += 30
	case e >= 40:
		score += 20
	case e >= 20:
		score += 10
	default:
		score += 5
	}

	switch cv := floatOr(v.timingCV, 0); {
	case cv > 0.5:
		score += 20
	case cv > 0.3:
		score += 15
	case cv > 0.1:
		score += 10
	}

	switch cv := floatOr(v.speedCV, 0); {
	case cv > 0.5:
		score += 15
	case cv > 0.3:
		score += 10
	case cv > 0.1:
		score += 5
	}

	switch n := intOr(v.moveCount, 0); {
	case n >= 100:
		score += 15
	case n >= 50:
		score += 10
	default:
		score += 5
	}

	if !boolOr(v.replayDetected, false) {
		score += 10
	}
	if !v.scrollContradiction {
		score += 10
	}
	return clamp(score)
}

// sessionQuality scores engagement: page breadth up to 40, dwell time up
// to 30, navigation variety up to 30.
func sessionQuality(v visitSignals) int {
	score := 0

	pages := intOr(v.sessionPages, 1)
	switch {
	case pages >= 5:
		score += 40
	case pages >= 3:
		score += 30
	case pages >= 2:
		score += 20
	default:
		score += 10
	}

	duration := intOr(v.sessionDurationSec, 0)
	switch {
	case duration >= 300:
		score += 30
	case duration >= 60:
		score += 20
	case duration >= 10:
		score += 10
	}

	if pages > 1 && duration > 0 {
		variety := int(pages * 6)
		if variety > 30 {
			variety = 30
		}
		score += variety
	}
	return clamp(score)
}

// compositeQuality blends the three positives, then subtracts the bot
// score at half weight and five points per contradiction.
func compositeQuality(mouse, session int, v visitSignals) int {
	composite := 0.4*float64(mouse) + 0.3*float64(session) + 0.3*float64(intOr(v.leadScore, 0))
	composite -= float64(intOr(v.botScore, 0)) / 2
	composite -= 5 * float64(intOr(v.contradictions, 0))
	if boolOr(v.knownBot, false) {
		composite -= 25
	}
	return clamp(int(composite + 0.5))
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int64, def int64) int64 {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// MaterializeVisitorScores computes one score row per newly materialized
// visit.
type MaterializeVisitorScores struct {
	pool      *pgxpool.Pool
	batchSize int
	logger    *zap.Logger
}

func NewMaterializeVisitorScores(pool *pgxpool.Pool, batchSize int, logger *zap.Logger) *MaterializeVisitorScores {
	return &MaterializeVisitorScores{pool: pool, batchSize: batchSize, logger: logger}
}

func (m *MaterializeVisitorScores) Run(ctx context.Context) (int, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning scores transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lastID, err := getWatermark(ctx, tx, scoresProcess)
	if err != nil {
		return 0, err
	}
	var maxScored int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(visit_id), 0) FROM visitor_scores`).Scan(&maxScored); err != nil {
		return 0, fmt.Errorf("reading scores high mark: %w", err)
	}
	if healed, was := healWatermark(lastID, maxScored); was {
		logHealed(m.logger, scoresProcess, lastID, healed)
		lastID = healed
	}

	var maxAvail int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM visits`).Scan(&maxAvail); err != nil {
		return 0, fmt.Errorf("reading visit high mark: %w", err)
	}
	maxID, ok := batchRange(lastID, maxAvail, m.batchSize)
	if !ok {
		if err := advanceWatermark(ctx, tx, scoresProcess, lastID); err != nil {
			return 0, err
		}
		return 0, tx.Commit(ctx)
	}

	signals, err := selectSignals(ctx, tx, lastID, maxID)
	if err != nil {
		return 0, err
	}

	rows := make([][]any, len(signals))
	for i, v := range signals {
		mouse := mouseAuthenticity(v)
		session := sessionQuality(v)
		composite := compositeQuality(mouse, session, v)
		rows[i] = []any{
			v.visitID, v.companyID, mouse, session, composite,
			intOr(v.botScore, 0), time.Now().UTC(),
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"visitor_scores"},
		[]string{"visit_id", "company_id", "mouse_authenticity", "session_quality", "composite_quality", "bot_score", "created_at"},
		pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("copying visitor scores: %w", err)
	}

	if err := advanceWatermark(ctx, tx, scoresProcess, maxID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing scores batch: %w", err)
	}
	metrics.EtlRowsProcessedTotal.WithLabelValues(scoresProcess).Add(float64(len(rows)))
	return len(rows), nil
}

func selectSignals(ctx context.Context, tx pgx.Tx, lastID, maxID int64) ([]visitSignals, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, company_id, mouse_entropy, move_timing_cv, move_speed_cv, move_count,
		       replay_detected, scroll_contradiction, session_pages, session_duration_sec,
		       lead_score, bot_score, known_bot, contradiction_count
		FROM visits
		WHERE id > $1 AND id <= $2
		ORDER BY id`, lastID, maxID)
	if err != nil {
		return nil, fmt.Errorf("selecting visit signals: %w", err)
	}
	defer rows.Close()

	var signals []visitSignals
	for rows.Next() {
		var v visitSignals
		if err := rows.Scan(&v.visitID, &v.companyID, &v.mouseEntropy, &v.timingCV, &v.speedCV, &v.moveCount,
			&v.replayDetected, &v.scrollContradiction, &v.sessionPages, &v.sessionDurationSec,
			&v.leadScore, &v.botScore, &v.knownBot, &v.contradictions); err != nil {
			return nil, fmt.Errorf("scanning visit signals: %w", err)
		}
		signals = append(signals, v)
	}
	return signals, rows.Err()
}

// MaterializeCustomerSummary aggregates per-customer period rows. The
// insert-if-absent-then-update shape is deliberate: a MERGE-style upsert
// racing with concurrent cycles deadlocks on the summary rows.
type MaterializeCustomerSummary struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewMaterializeCustomerSummary(pool *pgxpool.Pool, logger *zap.Logger) *MaterializeCustomerSummary {
	return &MaterializeCustomerSummary{pool: pool, logger: logger}
}

// periodStart truncates t to the start of the period. Weeks start Monday.
func periodStart(periodType string, t time.Time) time.Time {
	t = t.UTC()
	switch periodType {
	case "W":
		day := t.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case "M":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(24 * time.Hour)
	}
}

// Run materializes one period for all customers with visits in it.
func (m *MaterializeCustomerSummary) Run(ctx context.Context, periodType string, now time.Time) error {
	start := periodStart(periodType, now)
	var end time.Time
	switch periodType {
	case "W":
		end = start.AddDate(0, 0, 7)
	case "M":
		end = start.AddDate(0, 1, 0)
	default:
		end = start.AddDate(0, 0, 1)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning summary transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO customer_summary (company_id, period_type, period_start)
		SELECT DISTINCT company_id, $1, $2
		FROM visits
		WHERE received_at >= $2 AND received_at < $3
		ON CONFLICT (company_id, period_type, period_start) DO NOTHING`,
		periodType, start, end); err != nil {
		return fmt.Errorf("inserting summary rows: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE customer_summary cs SET
			total_hits = agg.total_hits,
			bot_hits = agg.bot_hits,
			human_hits = agg.human_hits,
			unknown_hits = agg.unknown_hits,
			avg_mouse_authenticity = agg.avg_mouse,
			avg_session_quality = agg.avg_session,
			avg_composite_quality = agg.avg_composite,
			unique_devices = agg.unique_devices,
			unique_ips = agg.unique_ips,
			matched_visitors = agg.matched_visitors,
			dead_internet_idx = agg.dead_internet_idx,
			updated_at = now()
		FROM (
			SELECT v.company_id,
			       COUNT(*) AS total_hits,
			       COUNT(*) FILTER (WHERE COALESCE(v.known_bot, false) OR COALESCE(vs.bot_score, 0) >= 70) AS bot_hits,
			       COUNT(*) FILTER (WHERE NOT COALESCE(v.known_bot, false) AND COALESCE(vs.composite_quality, 0) >= 50) AS human_hits,
			       COUNT(*) FILTER (WHERE NOT COALESCE(v.known_bot, false) AND COALESCE(vs.composite_quality, 0) < 50 AND COALESCE(vs.bot_score, 0) < 70) AS unknown_hits,
			       AVG(vs.mouse_authenticity) AS avg_mouse,
			       AVG(vs.session_quality) AS avg_session,
			       AVG(vs.composite_quality) AS avg_composite,
			       COUNT(DISTINCT v.device_id) AS unique_devices,
			       COUNT(DISTINCT v.ip_id) AS unique_ips,
			       COUNT(DISTINCT mt.match_key) AS matched_visitors,
			       AVG(v.dead_internet_idx) AS dead_internet_idx
			FROM visits v
			LEFT JOIN visitor_scores vs ON vs.visit_id = v.id
			LEFT JOIN matches mt
			       ON mt.company_id = v.company_id
			      AND mt.latest_visit_id = v.id
			      AND mt.matched_at IS NOT NULL
			WHERE v.received_at >= $2 AND v.received_at < $3
			GROUP BY v.company_id
		) agg
		WHERE cs.company_id = agg.company_id
		  AND cs.period_type = $1
		  AND cs.period_start = $2`,
		periodType, start, end); err != nil {
		return fmt.Errorf("updating summary rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing summary: %w", err)
	}
	m.logger.Info("customer summary materialized",
		zap.String("period_type", periodType),
		zap.Time("period_start", start),
	)
	return nil
}
