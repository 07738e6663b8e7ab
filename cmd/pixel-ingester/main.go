package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smartpixl/pixel-ingester/internal/config"
	"github.com/smartpixl/pixel-ingester/internal/datacenter"
	"github.com/smartpixl/pixel-ingester/internal/db"
	"github.com/smartpixl/pixel-ingester/internal/edge"
	"github.com/smartpixl/pixel-ingester/internal/enrich"
	"github.com/smartpixl/pixel-ingester/internal/etl"
	"github.com/smartpixl/pixel-ingester/internal/export"
	"github.com/smartpixl/pixel-ingester/internal/geo"
	"github.com/smartpixl/pixel-ingester/internal/ipc"
	"github.com/smartpixl/pixel-ingester/internal/maintenance"
	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
	"github.com/smartpixl/pixel-ingester/internal/spool"
	"github.com/smartpixl/pixel-ingester/internal/writer"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "edge":
		runEdge()
	case "worker":
		runWorker()
	case "etl":
		runETL()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pixel-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  edge          Start the edge HTTP capture process")
	fmt.Println("  worker        Start the enrichment worker process")
	fmt.Println("  etl           Start the batch ETL scheduler")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, purge expired)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runEdge() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting edge",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("listen", cfg.Edge.Listen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Datacenter classification: seed from disk, refresh in the background.
	dcSet := datacenter.NewSet()
	refresher := datacenter.NewRefresher(dcSet, cfg.Datacenter.SeedFile, cfg.Datacenter.Sources,
		time.Duration(cfg.Datacenter.RefreshIntervalHours)*time.Hour, logger.Named("datacenter"))
	if err := refresher.LoadSeed(); err != nil {
		logger.Fatal("failed to load datacenter seed", zap.Error(err))
	}
	go refresher.Run(ctx)

	ipcClient := ipc.NewClient(cfg.IPC.SocketPath, time.Duration(cfg.IPC.WriteTimeoutMs)*time.Millisecond)
	defer ipcClient.Close()

	spoolWriter, err := spool.NewWriter(cfg.Spool.Directory, cfg.Spool.RotateBytes, logger.Named("spool"))
	if err != nil {
		logger.Fatal("failed to open spool", zap.Error(err))
	}

	// Direct insert is the last-resort tier. The edge stays up without a
	// database; it just has one fewer tier until the store comes back.
	var direct edge.DirectInserter
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Warn("database unavailable, direct insert tier disabled", zap.Error(err))
	} else {
		defer pool.Close()
		direct = writer.NewBulk(pool, cfg.Ingest.BatchSize,
			time.Duration(cfg.Ingest.FlushIntervalMs)*time.Millisecond, logger.Named("writer"))
	}

	forwarder := edge.NewTieredForwarder(ipcClient, spoolWriter, direct,
		cfg.Edge.ForwardQueueCapacity, logger.Named("forwarder"))
	go forwarder.Run(ctx)

	server := edge.NewServer(cfg.Edge.Listen, edge.NewFastPath(dcSet), forwarder,
		cfg.Edge.MaxConns, cfg.Edge.ScriptCacheSeconds, logger.Named("edge"))
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start edge HTTP server", zap.Error(err))
	}

	sig := waitForSignal()
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	// Stop accepting hits first, then drain the forward queue.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("edge HTTP server shutdown error", zap.Error(err))
	}
	cancel()
	forwarder.Wait()
	if err := spoolWriter.Close(); err != nil {
		logger.Error("spool close error", zap.Error(err))
	}

	logger.Info("edge stopped")
}

func runWorker() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting worker",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("socket", cfg.IPC.SocketPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Ensure partitions exist before the bulk writer needs them.
	pm := maintenance.NewPartitionManager(pool, cfg.Retention.PurgeEnabled,
		cfg.Retention.PurgeMonths, cfg.Retention.Timezone, logger.Named("maintenance"))
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	geoDB, err := geo.Open(cfg.Geo.DatabasePath, logger.Named("geo"))
	if err != nil {
		logger.Fatal("failed to open offline geo database", zap.Error(err))
	}
	go geoDB.RunReloader(ctx, time.Duration(cfg.Geo.ReloadHours)*time.Hour)

	enrichCh := make(chan model.TrackingRecord, cfg.Ingest.EnrichmentChannelCapacity)
	writerCh := make(chan model.TrackingRecord, cfg.Ingest.WriterChannelCapacity)

	// Optional export tap: enriched records tee to Kafka before the store.
	pipelineOut := writerCh
	var producer *export.Producer
	if cfg.Export.Enabled {
		producer, err = export.NewProducer(cfg.Export.Brokers, cfg.Export.ClientID,
			cfg.Export.Topic, logger.Named("export"))
		if err != nil {
			logger.Fatal("failed to create export producer", zap.Error(err))
		}
		teeCh := make(chan model.TrackingRecord, cfg.Ingest.WriterChannelCapacity)
		pipelineOut = teeCh
		go func() {
			for rec := range teeCh {
				producer.Publish(ctx, rec)
				writerCh <- rec
			}
			close(writerCh)
		}()
	}

	pipeline := enrich.New(
		enrich.DefaultSteps(geoDB, cfg.GeoAPI, cfg.Ingest.RDNSServer, cfg.Ingest.WhoisServer),
		logger.Named("enrich"),
	)
	bulk := writer.NewBulk(pool, cfg.Ingest.BatchSize,
		time.Duration(cfg.Ingest.FlushIntervalMs)*time.Millisecond, logger.Named("writer"))

	scanner := spool.NewScanner(cfg.Spool.Directory,
		time.Duration(cfg.Spool.PollIntervalSeconds)*time.Second, cfg.Spool.CompactDone,
		logger.Named("spool"))

	ipcServer := ipc.NewServer(cfg.IPC.SocketPath, cfg.IPC.Acceptors, logger.Named("ipc"))

	// Replay backlog before the socket opens, so restart recovery keeps
	// rough arrival order ahead of live traffic.
	if err := scanner.ReplayAll(ctx, enrichCh); err != nil {
		logger.Fatal("startup spool replay failed", zap.Error(err))
	}
	if err := ipcServer.Listen(); err != nil {
		logger.Fatal("failed to bind IPC socket", zap.Error(err))
	}
	defer ipcServer.Close()

	// Intake (IPC + scanner) runs on its own context so it can be stopped
	// ahead of the pipeline: records already accepted onto enrichCh must
	// still reach the store during shutdown.
	intakeCtx, intakeCancel := context.WithCancel(ctx)
	defer intakeCancel()

	var intakeWg, pipeWg sync.WaitGroup
	intakeWg.Add(2)
	go func() { defer intakeWg.Done(); ipcServer.Run(intakeCtx, enrichCh) }()
	go func() { defer intakeWg.Done(); scannerRun(intakeCtx, scanner, enrichCh, logger) }()
	pipeWg.Add(2)
	go func() {
		defer pipeWg.Done()
		pipeline.Run(ctx, enrichCh, pipelineOut)
		close(pipelineOut)
	}()
	go func() { defer pipeWg.Done(); bulk.Run(ctx, writerCh) }()

	httpServer := opsServer(cfg.Service.HTTPListen, logger)

	logger.Info("worker started", zap.String("http_listen", cfg.Service.HTTPListen))

	sig := waitForSignal()
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops HTTP server shutdown error", zap.Error(err))
	}

	// Stop intake first, then close enrichCh so the pipeline drains its
	// backlog through the writer with the root context still live. Only
	// after the drain (or the timeout) does the root context end.
	intakeCancel()
	intakeWg.Wait()
	close(enrichCh)

	done := make(chan struct{})
	go func() {
		pipeWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("worker pipelines drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, buffered records left to the spool copy")
	}
	cancel()

	if producer != nil {
		producer.Close(shutdownCtx)
	}

	logger.Info("worker stopped")
}

func scannerRun(ctx context.Context, s *spool.Scanner, out chan<- model.TrackingRecord, logger *zap.Logger) {
	if err := s.Run(ctx, out); err != nil && ctx.Err() == nil {
		logger.Error("spool scanner stopped", zap.Error(err))
	}
}

func runETL() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting etl scheduler",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.Int("interval_seconds", cfg.ETL.IntervalSeconds),
		zap.String("summary_cron", cfg.ETL.SummaryCron),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	sched := etl.NewScheduler(pool, cfg.ETL.BatchSize, logger.Named("etl"))
	if err := sched.Start(ctx, time.Duration(cfg.ETL.IntervalSeconds)*time.Second, cfg.ETL.SummaryCron); err != nil {
		logger.Fatal("failed to start etl scheduler", zap.Error(err))
	}

	// First cycle immediately; @every waits a full interval otherwise.
	sched.RunCycle(ctx)

	httpServer := opsServer(cfg.Service.HTTPListen, logger)

	sig := waitForSignal()
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops HTTP server shutdown error", zap.Error(err))
	}
	sched.Stop()
	cancel()

	logger.Info("etl scheduler stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Bool("purge_enabled", cfg.Retention.PurgeEnabled),
		zap.Int("purge_months", cfg.Retention.PurgeMonths),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.PurgeEnabled,
		cfg.Retention.PurgeMonths, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

// opsServer serves health and metrics for the non-edge processes.
func opsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops HTTP server error", zap.Error(err))
		}
	}()
	return srv
}

func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	return <-sigCh
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format: redact the password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
