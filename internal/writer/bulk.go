// Package writer persists enriched records to the raw store in batches.
package writer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
	"go.uber.org/zap"
)

var rawHitColumns = []string{
	"received_at", "company_id", "pixel_id", "ip_address",
	"user_agent", "referer", "request_path", "headers_json", "query_string",
}

// Bulk accumulates records from the writer channel and flushes them with a
// single COPY per batch, on whichever of batch size or flush interval
// triggers first.
type Bulk struct {
	pool          *pgxpool.Pool
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewBulk(pool *pgxpool.Pool, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Bulk {
	return &Bulk{
		pool:          pool,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
	}
}

// Run consumes the writer channel until the context ends or the channel
// closes, then flushes whatever is buffered.
func (b *Bulk) Run(ctx context.Context, in <-chan model.TrackingRecord) {
	batch := make([]model.TrackingRecord, 0, b.batchSize)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		b.flush(flushCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-in:
			if !ok {
				flush(context.Background())
				return
			}
			metrics.QueueDepth.WithLabelValues("writer").Set(float64(len(in)))
			batch = append(batch, rec)
			if len(batch) >= b.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			// Drain what is already queued, then flush once.
			for {
				select {
				case rec, ok := <-in:
					if !ok {
						flush(context.Background())
						return
					}
					batch = append(batch, rec)
				default:
					flush(context.Background())
					return
				}
			}
		}
	}
}

// flush writes one batch. Transient failures retry indefinitely with
// exponential backoff; a schema or permission error cannot succeed on
// retry, so the batch is dropped and the error surfaced loudly.
func (b *Bulk) flush(ctx context.Context, batch []model.TrackingRecord) {
	metrics.BatchSize.WithLabelValues("writer").Observe(float64(len(batch)))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		start := time.Now()
		err := b.insert(ctx, batch)
		if err == nil {
			metrics.DBWriteDuration.WithLabelValues("writer", "copy").Observe(time.Since(start).Seconds())
			metrics.DBRowsAffectedTotal.WithLabelValues("writer", "raw_hits", "copy").Add(float64(len(batch)))
			return nil
		}
		if isFatal(err) {
			return backoff.Permanent(err)
		}
		b.logger.Warn("raw insert failed, retrying",
			zap.Int("batch_size", len(batch)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		metrics.RecordsDroppedTotal.WithLabelValues("fatal_db_error").Add(float64(len(batch)))
		b.logger.Error("raw insert failed permanently, batch dropped",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
	}
}

func (b *Bulk) insert(ctx context.Context, batch []model.TrackingRecord) error {
	rows := make([][]any, len(batch))
	for i, rec := range batch {
		rows[i] = []any{
			rec.ReceivedAt, rec.CompanyID, rec.PixelID, rec.IPAddress,
			rec.UserAgent, rec.Referer, rec.RequestPath, rec.HeadersJSON, rec.QueryString,
		}
	}
	_, err := b.pool.CopyFrom(ctx, pgx.Identifier{"raw_hits"}, rawHitColumns, pgx.CopyFromRows(rows))
	return err
}

// InsertOne is the direct-insert tier used by the edge when both IPC and
// spool are down. No retries; the caller has already exhausted the durable
// tiers and bounds the call with a timeout.
func (b *Bulk) InsertOne(ctx context.Context, rec model.TrackingRecord) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO raw_hits (received_at, company_id, pixel_id, ip_address,
		                      user_agent, referer, request_path, headers_json, query_string)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ReceivedAt, rec.CompanyID, rec.PixelID, rec.IPAddress,
		rec.UserAgent, rec.Referer, rec.RequestPath, rec.HeadersJSON, rec.QueryString,
	)
	return err
}

// isFatal classifies store errors: anything a retry cannot fix. Postgres
// class 42 is syntax/privilege, class 28 is authorization, 22 is data
// exceptions from our own values.
func isFatal(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code[:2] {
	case "42", "28", "22", "3D", "3F":
		return true
	}
	return false
}
