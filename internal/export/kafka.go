// Package export publishes enriched records to a Kafka topic for
// downstream consumers. Optional: when no brokers are configured the
// ingest path runs without it.
package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer wraps the Kafka client. Publishing is fire-and-forget: the
// writer path is the system of record, the topic is a tap, and a slow or
// down broker must never stall ingest.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewProducer(brokers []string, clientID, topic string, logger *zap.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		kgo.MaxBufferedRecords(10_000),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &Producer{client: client, topic: topic, logger: logger}, nil
}

// Publish offers one enriched record to the topic, keyed by company so a
// tenant's hits stay ordered within a partition. A full buffer drops the
// record rather than blocking the caller.
func (p *Producer) Publish(ctx context.Context, rec model.TrackingRecord) {
	value, err := json.Marshal(rec)
	if err != nil {
		metrics.ExportedRecordsTotal.WithLabelValues("marshal_error").Inc()
		return
	}
	r := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(rec.CompanyID),
		Value: value,
	}
	p.client.TryProduce(ctx, r, func(_ *kgo.Record, err error) {
		if err != nil {
			metrics.ExportedRecordsTotal.WithLabelValues("error").Inc()
			p.logger.Warn("export produce failed", zap.Error(err))
			return
		}
		metrics.ExportedRecordsTotal.WithLabelValues("ok").Inc()
	})
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close(ctx context.Context) {
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("export flush on close failed", zap.Error(err))
	}
	p.client.Close()
}
