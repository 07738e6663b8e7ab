package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HitsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_hits_received_total",
			Help: "Pixel hits accepted at the edge.",
		},
		[]string{"company"},
	)

	ForwardTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_forward_total",
			Help: "Edge handoff outcomes by tier (ipc, spool, direct, lost).",
		},
		[]string{"tier"},
	)

	FastEnrichDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pixelingester_fast_enrich_duration_seconds",
			Help:    "Edge fast-path classification latency.",
			Buckets: []float64{0.00005, 0.0001, 0.0002, 0.0005, 0.001, 0.002, 0.005},
		},
	)

	EnrichmentStepErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_enrichment_step_errors_total",
			Help: "Enrichment step failures (step continues without output).",
		},
		[]string{"step"},
	)

	EnrichmentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelingester_enrichment_duration_seconds",
			Help:    "Per-step enrichment latency.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1.0, 2.0, 3.0},
		},
		[]string{"step"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixelingester_queue_depth",
			Help: "Current depth of the bounded channels (enrichment, writer).",
		},
		[]string{"channel"},
	)

	RecordsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_records_dropped_total",
			Help: "Records dropped (writer channel full; spool copy remains).",
		},
		[]string{"reason"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelingester_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"component", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_db_rows_affected_total",
			Help: "DB rows written by component and table.",
		},
		[]string{"component", "table", "op"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelingester_batch_size",
			Help:    "Batch sizes flushed to DB.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"component"},
	)

	SpoolFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_spool_files_total",
			Help: "Spool file lifecycle events (created, replayed, done, compacted).",
		},
		[]string{"event"},
	)

	SpoolLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_spool_lines_total",
			Help: "Spool lines written and replayed (malformed lines counted separately).",
		},
		[]string{"kind"},
	)

	EtlRowsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_etl_rows_processed_total",
			Help: "Rows processed per ETL procedure.",
		},
		[]string{"process"},
	)

	EtlWatermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixelingester_etl_watermark",
			Help: "LastProcessedId per ETL procedure.",
		},
		[]string{"process"},
	)

	EtlCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelingester_etl_cycle_duration_seconds",
			Help:    "ETL procedure runtimes.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0},
		},
		[]string{"process"},
	)

	GeoAPIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_geo_api_requests_total",
			Help: "External geo API calls by outcome (ok, error, throttled, breaker_open, cached).",
		},
		[]string{"outcome"},
	)

	DatacenterPrefixes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixelingester_datacenter_prefixes",
			Help: "Cloud CIDR prefixes loaded in the active trie.",
		},
	)

	BotDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_bot_detections_total",
			Help: "Bot and anomaly signals raised by the pipeline.",
		},
		[]string{"signal"},
	)

	ExportedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelingester_exported_records_total",
			Help: "Enriched records published to the export topic.",
		},
		[]string{"outcome"},
	)
)

func Register() {
	prometheus.MustRegister(
		HitsReceivedTotal,
		ForwardTotal,
		FastEnrichDuration,
		EnrichmentStepErrorsTotal,
		EnrichmentDuration,
		QueueDepth,
		RecordsDroppedTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		BatchSize,
		SpoolFilesTotal,
		SpoolLinesTotal,
		EtlRowsProcessedTotal,
		EtlWatermark,
		EtlCycleDuration,
		GeoAPIRequestsTotal,
		DatacenterPrefixes,
		BotDetectionsTotal,
		ExportedRecordsTotal,
	)
}
