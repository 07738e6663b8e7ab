package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"go.uber.org/zap"
)

// Scheduler drives the batch procedures: the cycle every interval, the
// customer summary on its cron. Procedures within a cycle run
// sequentially; SkipIfStillRunning keeps a slow cycle from stacking on
// top of itself.
type Scheduler struct {
	cron    *cron.Cron
	cycle   []namedProcedure
	summary *MaterializeCustomerSummary
	logger  *zap.Logger
}

type namedProcedure struct {
	name string
	run  func(ctx context.Context) (int, error)
}

func NewScheduler(pool *pgxpool.Pool, batchSize int, logger *zap.Logger) *Scheduler {
	parse := NewParseNewHits(pool, batchSize, logger)
	match := NewMatchVisits(pool, batchSize, logger)
	legacy := NewMatchLegacyVisits(pool, batchSize, logger)
	scores := NewMaterializeVisitorScores(pool, batchSize, logger)

	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		cycle: []namedProcedure{
			{parseProcess, parse.Run},
			{matchVisitsProcess, match.Run},
			{matchLegacyProcess, legacy.Run},
			{scoresProcess, scores.Run},
		},
		summary: NewMaterializeCustomerSummary(pool, logger),
		logger:  logger,
	}
}

// Start registers the schedules and begins running them. interval is the
// cycle period; summarySpec is a standard cron expression for the daily
// summary.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, summarySpec string) error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.RunCycle(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling etl cycle: %w", err)
	}
	if _, err := s.cron.AddFunc(summarySpec, func() {
		s.RunSummaries(ctx, time.Now().UTC())
	}); err != nil {
		return fmt.Errorf("scheduling summary: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunCycle executes one full pass of the batch procedures. A failing
// procedure logs and does not block the ones after it; its watermark is
// untouched, so the next cycle retries the same range.
func (s *Scheduler) RunCycle(ctx context.Context) {
	start := time.Now()
	for _, proc := range s.cycle {
		n, err := proc.run(ctx)
		if err != nil {
			s.logger.Error("etl procedure failed",
				zap.String("procedure", proc.name),
				zap.Error(err),
			)
			continue
		}
		if n > 0 {
			s.logger.Info("etl procedure completed",
				zap.String("procedure", proc.name),
				zap.Int("rows", n),
			)
		}
	}
	metrics.EtlCycleDuration.WithLabelValues("cycle").Observe(time.Since(start).Seconds())
}

// RunSummaries materializes the daily summary, plus the weekly and
// monthly rollups when now sits on their boundary.
func (s *Scheduler) RunSummaries(ctx context.Context, now time.Time) {
	periods := []string{"D"}
	if now.Weekday() == time.Monday {
		periods = append(periods, "W")
	}
	if now.Day() == 1 {
		periods = append(periods, "M")
	}
	for _, p := range periods {
		// Summarize the period just closed, not the one just opened.
		if err := s.summary.Run(ctx, p, previousPeriod(p, now)); err != nil {
			s.logger.Error("summary materialization failed",
				zap.String("period_type", p),
				zap.Error(err),
			)
		}
	}
}

func previousPeriod(periodType string, now time.Time) time.Time {
	switch periodType {
	case "W":
		return now.AddDate(0, 0, -7)
	case "M":
		return now.AddDate(0, -1, 0)
	default:
		return now.AddDate(0, 0, -1)
	}
}
