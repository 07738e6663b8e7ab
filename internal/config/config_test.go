package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8081",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		Edge: EdgeConfig{
			Listen:               ":8080",
			MaxConns:             1000,
			ScriptCacheSeconds:   3600,
			ForwardQueueCapacity: 10000,
		},
		IPC: IPCConfig{
			SocketPath:     "/tmp/ingest.sock",
			Acceptors:      4,
			WriteTimeoutMs: 1000,
		},
		Spool: SpoolConfig{
			Directory:           "/tmp/spool",
			RotateBytes:         1024,
			PollIntervalSeconds: 300,
		},
		Ingest: IngestConfig{
			EnrichmentChannelCapacity: 100,
			WriterChannelCapacity:     100,
			BatchSize:                 1000,
			FlushIntervalMs:           2000,
		},
		ETL: ETLConfig{
			IntervalSeconds: 60,
			BatchSize:       10000,
			SummaryCron:     "0 3 * * *",
		},
		Geo: GeoConfig{ReloadHours: 24},
		GeoAPI: GeoAPIConfig{
			RequestsPerMinute: 500,
			MaxConcurrent:     8,
			TimeoutMs:         1000,
		},
		Datacenter: DatacenterConfig{RefreshIntervalHours: 168},
		Retention:  RetentionConfig{PurgeMonths: 24, Timezone: "UTC"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestValidate_NoSocketPath(t *testing.T) {
	cfg := validConfig()
	cfg.IPC.SocketPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty socket path")
	}
}

func TestValidate_NoSpoolDirectory(t *testing.T) {
	cfg := validConfig()
	cfg.Spool.Directory = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty spool directory")
	}
}

func TestValidate_ZeroChannelCapacity(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.EnrichmentChannelCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero enrichment channel capacity")
	}
}

func TestValidate_ZeroBatchSize(t *testing.T) {
	cfg := validConfig()
	cfg.ETL.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero ETL batch size")
	}
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidate_ExportNeedsBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Export.Enabled = true
	cfg.Export.Topic = "pixel.enriched"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for export without brokers")
	}
	cfg.Export.Brokers = []string{"localhost:9092"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid export config, got: %v", err)
	}
}

func TestValidate_PurgeNeedsMonths(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.PurgeEnabled = true
	cfg.Retention.PurgeMonths = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for purge without purge_months")
	}
}

func TestLoad_FileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
postgres:
  dsn: postgres://localhost/pixels
edge:
  listen: ":9090"
spool:
  directory: /tmp/spool-test
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Edge.Listen != ":9090" {
		t.Errorf("edge.listen = %q, want :9090", cfg.Edge.Listen)
	}
	if cfg.ETL.BatchSize != 10000 {
		t.Errorf("default etl.batch_size = %d, want 10000", cfg.ETL.BatchSize)
	}
	if cfg.GeoAPI.RequestsPerMinute != 500 {
		t.Errorf("default geo_api.requests_per_minute = %d, want 500", cfg.GeoAPI.RequestsPerMinute)
	}
	if cfg.IPC.Acceptors != 4 {
		t.Errorf("default ipc.acceptors = %d, want 4", cfg.IPC.Acceptors)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
postgres:
  dsn: postgres://localhost/pixels
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PIXEL_INGESTER_ETL__BATCH_SIZE", "5000")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ETL.BatchSize != 5000 {
		t.Errorf("etl.batch_size = %d, want env override 5000", cfg.ETL.BatchSize)
	}
}
