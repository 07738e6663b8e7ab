// Package enrich implements the worker-side enrichment pipeline: fifteen
// sequential steps that decorate a tracking record with _srv_ parameters
// before it reaches the bulk writer.
package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
	"go.uber.org/zap"
)

// Step is one enrichment stage. Apply returns the decorated record; on error
// the pipeline keeps the record as it was before the step and moves on.
// Steps must only append _srv_ parameters, never rewrite the carrier.
type Step interface {
	Name() string
	Apply(ctx context.Context, rec model.TrackingRecord) (model.TrackingRecord, error)
}

// Pipeline applies steps in a fixed order with one consumer goroutine.
// Ordering matters: later steps read the _srv_ output of earlier ones
// (contradictions need the parsed UA, the lead score needs nearly
// everything).
type Pipeline struct {
	steps  []Step
	logger *zap.Logger
}

func New(steps []Step, logger *zap.Logger) *Pipeline {
	return &Pipeline{steps: steps, logger: logger}
}

// Run consumes the enrichment channel until it closes or the context ends.
// The handoff to the writer channel is a non-blocking offer: a stalled store
// must not stall enrichment, and the pre-enrichment copy is already durable
// in the spool.
func (p *Pipeline) Run(ctx context.Context, in <-chan model.TrackingRecord, out chan<- model.TrackingRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			metrics.QueueDepth.WithLabelValues("enrichment").Set(float64(len(in)))
			rec = p.Enrich(ctx, rec)
			select {
			case out <- rec:
			default:
				metrics.RecordsDroppedTotal.WithLabelValues("writer_queue_full").Inc()
				p.logger.Warn("writer queue full, enriched record dropped",
					zap.String("company_id", rec.CompanyID),
					zap.String("ip", rec.IPAddress),
				)
			}
		}
	}
}

// Enrich runs every step against the record. A failing step contributes
// nothing; the record always comes out the other end.
func (p *Pipeline) Enrich(ctx context.Context, rec model.TrackingRecord) model.TrackingRecord {
	for _, s := range p.steps {
		start := time.Now()
		next, err := applyStep(ctx, s, rec)
		metrics.EnrichmentDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.EnrichmentStepErrorsTotal.WithLabelValues(s.Name()).Inc()
			p.logger.Warn("enrichment step failed",
				zap.String("step", s.Name()),
				zap.Error(err),
			)
			continue
		}
		rec = next
	}
	return rec
}

func applyStep(ctx context.Context, s Step, rec model.TrackingRecord) (out model.TrackingRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = rec
			err = fmt.Errorf("step panic: %v", r)
		}
	}()
	return s.Apply(ctx, rec)
}
