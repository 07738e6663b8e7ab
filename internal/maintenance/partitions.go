// Package maintenance keeps the raw_hits partition set healthy: monthly
// partitions ensured ahead of the write path, expired partitions purged
// when retention is enabled.
package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var validPartitionName = regexp.MustCompile(`^raw_hits_\d{6}$`)

type PartitionManager struct {
	pool         *pgxpool.Pool
	purgeEnabled bool
	purgeMonths  int
	timezone     string
	logger       *zap.Logger
}

func NewPartitionManager(pool *pgxpool.Pool, purgeEnabled bool, purgeMonths int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{
		pool:         pool,
		purgeEnabled: purgeEnabled,
		purgeMonths:  purgeMonths,
		timezone:     timezone,
		logger:       logger,
	}
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.PurgeExpiredPartitions(ctx); err != nil {
		return fmt.Errorf("purging expired partitions: %w", err)
	}
	return nil
}

// CreatePartitions ensures the current and next month exist, so a month
// rollover never races the write path.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	now := time.Now().In(loc)
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	next := current.AddDate(0, 1, 0)
	after := current.AddDate(0, 2, 0)

	if err := pm.createPartition(ctx, current, next); err != nil {
		return err
	}
	return pm.createPartition(ctx, next, after)
}

func (pm *PartitionManager) createPartition(ctx context.Context, from, to time.Time) error {
	name := fmt.Sprintf("raw_hits_%s", from.Format("200601"))
	safeName := pgx.Identifier{name}.Sanitize()
	fromStr := from.UTC().Format("2006-01-02 15:04:05+00")
	toStr := to.UTC().Format("2006-01-02 15:04:05+00")

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF raw_hits FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, fromStr, toStr,
	)
	if _, err := pm.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", name))

	safeIdx := pgx.Identifier{fmt.Sprintf("idx_%s_company_received", name)}.Sanitize()
	idxSQL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (company_id, received_at DESC)`,
		safeIdx, safeName,
	)
	if _, err := pm.pool.Exec(ctx, idxSQL); err != nil {
		return fmt.Errorf("creating company index on %s: %w", name, err)
	}
	return nil
}

// PurgeExpiredPartitions drops partitions older than the retention window.
// Ships disabled; operators opt in through configuration.
func (pm *PartitionManager) PurgeExpiredPartitions(ctx context.Context) error {
	if !pm.purgeEnabled {
		pm.logger.Debug("partition purge disabled, skipping")
		return nil
	}

	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}
	now := time.Now().In(loc)
	cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, -pm.purgeMonths, 0)

	rows, err := pm.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = 'raw_hits'::regclass`)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning partition name: %w", err)
		}
		partitions = append(partitions, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating partitions: %w", err)
	}

	for _, name := range partitions {
		if !validPartitionName.MatchString(name) {
			pm.logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}
		partDate, err := time.ParseInLocation("200601", name[len(name)-6:], loc)
		if err != nil {
			pm.logger.Warn("cannot parse partition month", zap.String("partition", name))
			continue
		}
		if partDate.Before(cutoff) {
			safeName := pgx.Identifier{name}.Sanitize()
			if _, err := pm.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", safeName)); err != nil {
				return fmt.Errorf("dropping partition %s: %w", name, err)
			}
			pm.logger.Info("dropped expired partition",
				zap.String("partition", name),
				zap.Time("cutoff", cutoff),
			)
		}
	}
	return nil
}
