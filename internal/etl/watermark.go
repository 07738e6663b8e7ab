// Package etl hosts the batch procedures that turn raw carrier rows into
// the parsed, dimensional and scored tables: ParseNewHits, the two match
// resolvers, and the score materializers. Every procedure is watermark
// driven and transactional.
package etl

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"go.uber.org/zap"
)

// getWatermark reads the last processed id for a procedure, creating the
// row on first run. Procedures pass their open transaction so watermark
// reads and advances commit with the batch.
func getWatermark(ctx context.Context, tx pgx.Tx, process string) (int64, error) {
	var last int64
	err := tx.QueryRow(ctx, `
		INSERT INTO etl_watermarks (process_name, last_processed_id)
		VALUES ($1, 0)
		ON CONFLICT (process_name) DO UPDATE SET process_name = EXCLUDED.process_name
		RETURNING last_processed_id`, process).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("reading watermark for %s: %w", process, err)
	}
	return last, nil
}

// advanceWatermark moves the mark forward. The guard keeps it monotonic
// even if a procedure computes a stale target.
func advanceWatermark(ctx context.Context, tx pgx.Tx, process string, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE etl_watermarks
		SET last_processed_id = $2, last_run_at = now()
		WHERE process_name = $1 AND last_processed_id <= $2`, process, id)
	if err != nil {
		return fmt.Errorf("advancing watermark for %s: %w", process, err)
	}
	metrics.EtlWatermark.WithLabelValues(process).Set(float64(id))
	return nil
}

// healWatermark reconciles a watermark that fell behind its own output,
// the signature of a partially visible previous run. Pure decision; the
// callers supply the max id already present downstream.
func healWatermark(last, maxDownstream int64) (healed int64, wasHealed bool) {
	if maxDownstream > last {
		return maxDownstream, true
	}
	return last, false
}

// batchRange computes the (last, max] window for one run. A zero width
// means nothing to do.
func batchRange(last, maxAvailable int64, batchSize int) (maxID int64, ok bool) {
	maxID = last + int64(batchSize)
	if maxID > maxAvailable {
		maxID = maxAvailable
	}
	return maxID, maxID > last
}

func logHealed(logger *zap.Logger, process string, from, to int64) {
	logger.Warn("watermark behind its own output, self-healing",
		zap.String("process", process),
		zap.Int64("from", from),
		zap.Int64("to", to),
	)
}
