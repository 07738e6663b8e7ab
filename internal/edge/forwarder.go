package edge

import (
	"context"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/ipc"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
	"github.com/smartpixl/pixel-ingester/internal/spool"
	"go.uber.org/zap"
)

// DirectInserter is the last-resort tier: a single-record insert straight
// into the raw store, used only when both the IPC socket and the spool
// filesystem are unavailable.
type DirectInserter interface {
	InsertOne(ctx context.Context, rec model.TrackingRecord) error
}

// TieredForwarder decouples the HTTP handler from the handoff tiers through
// a bounded queue drained by one worker, which keeps hit order stable on the
// IPC connection. A hit is acknowledged once any tier accepts it:
// IPC write (bounded timeout) -> spool append (kernel flush) -> direct
// insert.
type TieredForwarder struct {
	client *ipc.Client
	spool  *spool.Writer
	direct DirectInserter
	queue  chan model.TrackingRecord
	logger *zap.Logger
	done   chan struct{}
}

func NewTieredForwarder(client *ipc.Client, sp *spool.Writer, direct DirectInserter, queueCap int, logger *zap.Logger) *TieredForwarder {
	return &TieredForwarder{
		client: client,
		spool:  sp,
		direct: direct,
		queue:  make(chan model.TrackingRecord, queueCap),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Forward enqueues the record. The send blocks only when the queue is full,
// which means both IPC and spool have been stalled for a sustained period;
// at that point backpressure to the HTTP path is the only remaining option
// short of losing the hit.
func (f *TieredForwarder) Forward(rec model.TrackingRecord) {
	f.queue <- rec
}

func (f *TieredForwarder) QueueDepth() int { return len(f.queue) }
func (f *TieredForwarder) QueueCap() int   { return cap(f.queue) }

// Run drains the queue until the context ends, then drains what remains so
// a graceful shutdown loses nothing that was acknowledged.
func (f *TieredForwarder) Run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case rec := <-f.queue:
			f.deliver(ctx, rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-f.queue:
					f.deliver(context.Background(), rec)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has finished its final drain.
func (f *TieredForwarder) Wait() {
	<-f.done
}

func (f *TieredForwarder) deliver(ctx context.Context, rec model.TrackingRecord) {
	if err := f.client.Send(rec); err == nil {
		metrics.ForwardTotal.WithLabelValues("ipc").Inc()
		return
	} else {
		f.logger.Debug("ipc handoff failed, spooling", zap.Error(err))
	}

	if err := f.spool.Append(rec); err == nil {
		metrics.ForwardTotal.WithLabelValues("spool").Inc()
		return
	} else {
		f.logger.Warn("spool append failed, attempting direct insert", zap.Error(err))
	}

	if f.direct != nil {
		insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := f.direct.InsertOne(insertCtx, rec)
		cancel()
		if err == nil {
			metrics.ForwardTotal.WithLabelValues("direct").Inc()
			return
		}
		f.logger.Error("direct insert failed, hit lost", zap.Error(err))
	} else {
		f.logger.Error("no direct insert tier configured, hit lost")
	}
	metrics.ForwardTotal.WithLabelValues("lost").Inc()
}
