package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	Edge       EdgeConfig       `koanf:"edge"`
	IPC        IPCConfig        `koanf:"ipc"`
	Spool      SpoolConfig      `koanf:"spool"`
	Ingest     IngestConfig     `koanf:"ingest"`
	ETL        ETLConfig        `koanf:"etl"`
	Geo        GeoConfig        `koanf:"geo"`
	GeoAPI     GeoAPIConfig     `koanf:"geo_api"`
	Datacenter DatacenterConfig `koanf:"datacenter"`
	Retention  RetentionConfig  `koanf:"retention"`
	Export     ExportConfig     `koanf:"export"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type EdgeConfig struct {
	Listen               string `koanf:"listen"`
	MaxConns             int    `koanf:"max_conns"`
	ScriptCacheSeconds   int    `koanf:"script_cache_seconds"`
	ForwardQueueCapacity int    `koanf:"forward_queue_capacity"`
}

type IPCConfig struct {
	SocketPath     string `koanf:"socket_path"`
	Acceptors      int    `koanf:"acceptors"`
	WriteTimeoutMs int    `koanf:"write_timeout_ms"`
}

type SpoolConfig struct {
	Directory           string `koanf:"directory"`
	RotateBytes         int64  `koanf:"rotate_bytes"`
	CompactDone         bool   `koanf:"compact_done"`
	PollIntervalSeconds int    `koanf:"poll_interval_seconds"`
}

type IngestConfig struct {
	EnrichmentChannelCapacity int `koanf:"enrichment_channel_capacity"`
	WriterChannelCapacity     int `koanf:"writer_channel_capacity"`
	BatchSize                 int `koanf:"batch_size"`
	FlushIntervalMs           int `koanf:"flush_interval_ms"`
	// Empty values fall back to the system resolver and the Cymru
	// bulk whois service.
	RDNSServer  string `koanf:"rdns_server"`
	WhoisServer string `koanf:"whois_server"`
}

type ETLConfig struct {
	IntervalSeconds int    `koanf:"interval_seconds"`
	BatchSize       int    `koanf:"batch_size"`
	SummaryCron     string `koanf:"summary_cron"`
}

type GeoConfig struct {
	DatabasePath string `koanf:"database_path"`
	ReloadHours  int    `koanf:"reload_hours"`
}

type GeoAPIConfig struct {
	Endpoint          string `koanf:"endpoint"`
	RequestsPerMinute int    `koanf:"requests_per_minute"`
	MaxConcurrent     int    `koanf:"max_concurrent"`
	TimeoutMs         int    `koanf:"timeout_ms"`
}

type DatacenterConfig struct {
	SeedFile             string   `koanf:"seed_file"`
	RefreshIntervalHours int      `koanf:"refresh_interval_hours"`
	Sources              []string `koanf:"sources"`
}

type RetentionConfig struct {
	PurgeEnabled bool   `koanf:"purge_enabled"`
	PurgeMonths  int    `koanf:"purge_months"`
	Timezone     string `koanf:"timezone"`
}

type ExportConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	ClientID string   `koanf:"client_id"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: PIXEL_INGESTER_POSTGRES__DSN → postgres.dsn
	if err := k.Load(env.Provider("PIXEL_INGESTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "PIXEL_INGESTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "pixel-ingester-1",
			HTTPListen:             ":8081",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Edge: EdgeConfig{
			Listen:               ":8080",
			MaxConns:             1000,
			ScriptCacheSeconds:   3600,
			ForwardQueueCapacity: 10000,
		},
		IPC: IPCConfig{
			SocketPath:     "/var/run/pixel-ingester/ingest.sock",
			Acceptors:      4,
			WriteTimeoutMs: 1000,
		},
		Spool: SpoolConfig{
			Directory:           "/var/spool/pixel-ingester",
			RotateBytes:         100 * 1024 * 1024,
			CompactDone:         true,
			PollIntervalSeconds: 300,
		},
		Ingest: IngestConfig{
			EnrichmentChannelCapacity: 1000,
			WriterChannelCapacity:     1000,
			BatchSize:                 1000,
			FlushIntervalMs:           2000,
		},
		ETL: ETLConfig{
			IntervalSeconds: 60,
			BatchSize:       10000,
			SummaryCron:     "0 3 * * *",
		},
		Geo: GeoConfig{
			ReloadHours: 24,
		},
		GeoAPI: GeoAPIConfig{
			RequestsPerMinute: 500,
			MaxConcurrent:     8,
			TimeoutMs:         1000,
		},
		Datacenter: DatacenterConfig{
			RefreshIntervalHours: 168,
			Sources: []string{
				"https://ip-ranges.amazonaws.com/ip-ranges.json",
				"https://www.gstatic.com/ipranges/cloud.json",
			},
		},
		Retention: RetentionConfig{
			PurgeEnabled: false,
			PurgeMonths:  24,
			Timezone:     "UTC",
		},
		Export: ExportConfig{
			Topic:    "pixel.enriched",
			ClientID: "pixel-ingester",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Export.Brokers) == 1 && strings.Contains(cfg.Export.Brokers[0], ",") {
		cfg.Export.Brokers = strings.Split(cfg.Export.Brokers[0], ",")
	}
	if len(cfg.Datacenter.Sources) == 1 && strings.Contains(cfg.Datacenter.Sources[0], ",") {
		cfg.Datacenter.Sources = strings.Split(cfg.Datacenter.Sources[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Edge.MaxConns <= 0 {
		return fmt.Errorf("config: edge.max_conns must be > 0 (got %d)", c.Edge.MaxConns)
	}
	if c.Edge.ForwardQueueCapacity <= 0 {
		return fmt.Errorf("config: edge.forward_queue_capacity must be > 0 (got %d)", c.Edge.ForwardQueueCapacity)
	}
	if c.IPC.SocketPath == "" {
		return fmt.Errorf("config: ipc.socket_path is required")
	}
	if c.IPC.Acceptors <= 0 {
		return fmt.Errorf("config: ipc.acceptors must be > 0 (got %d)", c.IPC.Acceptors)
	}
	if c.IPC.WriteTimeoutMs <= 0 {
		return fmt.Errorf("config: ipc.write_timeout_ms must be > 0 (got %d)", c.IPC.WriteTimeoutMs)
	}
	if c.Spool.Directory == "" {
		return fmt.Errorf("config: spool.directory is required")
	}
	if c.Spool.RotateBytes <= 0 {
		return fmt.Errorf("config: spool.rotate_bytes must be > 0 (got %d)", c.Spool.RotateBytes)
	}
	if c.Spool.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: spool.poll_interval_seconds must be > 0 (got %d)", c.Spool.PollIntervalSeconds)
	}
	if c.Ingest.EnrichmentChannelCapacity <= 0 {
		return fmt.Errorf("config: ingest.enrichment_channel_capacity must be > 0 (got %d)", c.Ingest.EnrichmentChannelCapacity)
	}
	if c.Ingest.WriterChannelCapacity <= 0 {
		return fmt.Errorf("config: ingest.writer_channel_capacity must be > 0 (got %d)", c.Ingest.WriterChannelCapacity)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("config: ingest.batch_size must be > 0 (got %d)", c.Ingest.BatchSize)
	}
	if c.Ingest.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: ingest.flush_interval_ms must be > 0 (got %d)", c.Ingest.FlushIntervalMs)
	}
	if c.ETL.IntervalSeconds <= 0 {
		return fmt.Errorf("config: etl.interval_seconds must be > 0 (got %d)", c.ETL.IntervalSeconds)
	}
	if c.ETL.BatchSize <= 0 {
		return fmt.Errorf("config: etl.batch_size must be > 0 (got %d)", c.ETL.BatchSize)
	}
	if c.GeoAPI.RequestsPerMinute <= 0 {
		return fmt.Errorf("config: geo_api.requests_per_minute must be > 0 (got %d)", c.GeoAPI.RequestsPerMinute)
	}
	if c.GeoAPI.MaxConcurrent <= 0 {
		return fmt.Errorf("config: geo_api.max_concurrent must be > 0 (got %d)", c.GeoAPI.MaxConcurrent)
	}
	if c.GeoAPI.TimeoutMs <= 0 {
		return fmt.Errorf("config: geo_api.timeout_ms must be > 0 (got %d)", c.GeoAPI.TimeoutMs)
	}
	if c.Datacenter.RefreshIntervalHours <= 0 {
		return fmt.Errorf("config: datacenter.refresh_interval_hours must be > 0 (got %d)", c.Datacenter.RefreshIntervalHours)
	}
	if c.Retention.PurgeEnabled && c.Retention.PurgeMonths <= 0 {
		return fmt.Errorf("config: retention.purge_months must be > 0 when purge is enabled (got %d)", c.Retention.PurgeMonths)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	if c.Export.Enabled {
		if len(c.Export.Brokers) == 0 {
			return fmt.Errorf("config: export.brokers is required when export is enabled")
		}
		if c.Export.Topic == "" {
			return fmt.Errorf("config: export.topic is required when export is enabled")
		}
	}
	return nil
}
