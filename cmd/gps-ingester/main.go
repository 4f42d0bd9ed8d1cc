package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fleettrack/gps-ingester/internal/broadcast"
	"github.com/fleettrack/gps-ingester/internal/broker"
	"github.com/fleettrack/gps-ingester/internal/config"
	"github.com/fleettrack/gps-ingester/internal/db"
	"github.com/fleettrack/gps-ingester/internal/dedup"
	"github.com/fleettrack/gps-ingester/internal/health"
	"github.com/fleettrack/gps-ingester/internal/history"
	"github.com/fleettrack/gps-ingester/internal/httpapi"
	"github.com/fleettrack/gps-ingester/internal/ingest"
	"github.com/fleettrack/gps-ingester/internal/lastloc"
	"github.com/fleettrack/gps-ingester/internal/maintenance"
	"github.com/fleettrack/gps-ingester/internal/metrics"
	"github.com/fleettrack/gps-ingester/internal/vehicles"
)

const (
	// ingestDrainTimeout bounds shutdown phase 3: in-flight samples must
	// reach the persistence queue within this window or shutdown aborts.
	ingestDrainTimeout = 15 * time.Second

	vehicleRefreshInterval = 5 * time.Minute
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
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
	fmt.Println("Usage: gps-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the ingestion service")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, split large, analyze)")
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

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting gps-ingester",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("expected_devices", cfg.Service.ExpectedDevices),
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Partition manager; the current and future months must exist before the
	// first flush lands.
	manager := maintenance.NewManager(pool, maintenance.Settings{
		WarningMB:       cfg.Partition.WarningMB,
		CriticalMB:      cfg.Partition.CriticalMB,
		EmergencyMB:     cfg.Partition.EmergencyMB,
		AutoSplit:       cfg.Partition.AutoSplit,
		FutureMonths:    cfg.Partition.FutureMonths,
		RetentionMonths: cfg.Partition.RetentionMonths,
	}, logger.Named("maintenance"))
	created, err := manager.EnsureCurrentAndFuture(ctx, cfg.Partition.FutureMonths)
	if err != nil {
		logger.Fatal("failed to ensure partitions on startup", zap.Error(err))
	}
	if len(created) > 0 {
		logger.Info("created partitions", zap.Strings("partitions", created))
	}

	tlsCfg, err := cfg.Broker.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Broker.BuildSASLMechanism()

	// Vehicle directory. A failed initial load is survivable: samples from
	// unknown devices broadcast on the generic topic until the next refresh.
	dir := vehicles.NewDirectory(vehicles.NewStore(pool, logger.Named("vehicles")), logger.Named("vehicles"))
	if err := dir.Refresh(ctx); err != nil {
		logger.Warn("initial vehicle directory load failed", zap.Error(err))
	}

	gate, err := dedup.New(cfg.Dedup.MaxDevices, cfg.Dedup.PerDeviceWindow,
		time.Duration(cfg.Dedup.MaxSkewHours)*time.Hour)
	if err != nil {
		logger.Fatal("failed to build dedup filter", zap.Error(err))
	}

	// Push fabric: hub, alert rules, sample router.
	hub := broadcast.NewHub(cfg.Broadcast.SendBuffer, logger.Named("push"))
	alerter := broadcast.NewAlerter(hub, broadcast.AlertSettings{
		SpeedThreshold: cfg.Broadcast.AlertSpeed,
		HoursStart:     cfg.Broadcast.HoursStart,
		HoursEnd:       cfg.Broadcast.HoursEnd,
		PerHour:        cfg.Alert.PerHour,
		DedupWindow:    time.Duration(cfg.Alert.DedupWindowSec) * time.Second,
	}, logger)

	lastWriter := lastloc.NewWriter(pool, logger.Named("lastloc"))
	cache, err := lastloc.NewCache(cfg.Cache.MaxEntries, lastWriter, logger.Named("lastloc"))
	if err != nil {
		logger.Fatal("failed to build last-location cache", zap.Error(err))
	}

	router := broadcast.NewRouter(hub, cache,
		time.Duration(cfg.Broadcast.RateLimitMs)*time.Millisecond, logger.Named("push"))

	// Batch persistence.
	dead := history.NewDeadLetter(cfg.Batch.DeadLetterDir, logger.Named("history"))
	writer := history.NewWriter(pool, manager, logger.Named("history.writer"),
		cfg.Batch.StoreRaw, cfg.Batch.StoreRawCompress)
	engine := history.NewEngine(writer, dead, alerter, history.Settings{
		BatchSize: cfg.Batch.Size,
		Interval:  time.Duration(cfg.Batch.IntervalMs) * time.Millisecond,
		MaxQueue:  cfg.Batch.MaxQueue,
		Retries:   cfg.Batch.Retries,
		Backoffs:  backoffsFromMs(cfg.Batch.BackoffMs),
	}, logger.Named("history.engine"))

	pipeline := ingest.NewPipeline(gate, dir, engine, cache, router, alerter, ingest.Settings{
		Workers:         cfg.Ingest.Workers,
		PerDeviceQueue:  cfg.Ingest.PerDeviceQueue,
		ExpectedDevices: cfg.Service.ExpectedDevices,
		MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
		ShedFloor:       time.Duration(cfg.Ingest.ShedFloorMs) * time.Millisecond,
	}, logger)

	// Broker pool feeding the pipeline.
	deliveries := make(chan broker.Delivery, cfg.Pool.Max)
	brokerMetrics := kprom.NewMetrics("gps_ingester_broker",
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records))
	brokerPool := broker.NewPool(broker.Config{
		Seeds:                cfg.Broker.URL,
		GroupID:              cfg.Broker.GroupID,
		ClientID:             cfg.Broker.ClientID,
		Topics:               cfg.Broker.Topics,
		TopicPattern:         cfg.Broker.TopicPattern,
		FetchMaxBytes:        cfg.Broker.FetchMaxBytes,
		MaxConcurrentFetches: cfg.Broker.MaxInflight,
		SessionTimeout:       time.Duration(cfg.Broker.Keepalive) * time.Second,
		TLS:                  tlsCfg,
		SASL:                 saslMech,
		Metrics:              brokerMetrics,
	}, broker.Settings{
		Initial:           cfg.Pool.Initial,
		Max:               cfg.Pool.Max,
		DevicesPerSession: cfg.Pool.DevicesPerSession,
		ScaleThresholdPct: cfg.Pool.ScaleThresholdPct,
		ExpectedDevices:   cfg.Service.ExpectedDevices,
	}, deliveries, logger.Named("broker"))

	monitor := health.NewMonitor(health.Sources{
		DB:       pool,
		Pool:     brokerPool,
		Engine:   engine,
		Cache:    cache,
		Pipeline: pipeline,
		Dedup:    gate,
		Vehicles: dir,
		Hub:      hub,
		Alerts:   alerter,
	}, health.Settings{
		ExpectedDevices: cfg.Service.ExpectedDevices,
		MemThresholdPct: cfg.Health.MemThresholdPct,
		CPUThresholdPct: cfg.Health.CPUThresholdPct,
		DBMinConns:      cfg.Health.DBMinConns,
		BatchSuccessPct: cfg.Health.BatchSuccessPct,
		CacheMinHitPct:  cfg.Cache.MinHitRatio * 100,
	}, logger.Named("health"))

	sched := maintenance.NewScheduler(manager, maintenance.Schedule{
		DailyCron:      cfg.Partition.DailyCron,
		WeeklyCron:     cfg.Partition.WeeklyCron,
		CleanupCron:    cfg.Partition.CleanupCron,
		ConfirmCleanup: cfg.Partition.ConfirmCleanup,
	}, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("failed to start maintenance scheduler", zap.Error(err))
	}

	// Lifecycles. Each stage gets its own context so shutdown can cancel
	// them in dependency order instead of all at once.
	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	engineDone := make(chan struct{})
	go func() {
		engine.Run(engineCtx)
		close(engineDone)
	}()

	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()
	pipelineDone := make(chan struct{})
	go func() {
		pipeline.Run(ingestCtx, deliveries)
		close(pipelineDone)
	}()

	brokerCtx, stopBroker := context.WithCancel(ctx)
	defer stopBroker()
	brokerPool.Start(brokerCtx)
	brokerDone := make(chan struct{})
	go func() {
		brokerPool.Wait()
		close(brokerDone)
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go dir.Run(bgCtx, vehicleRefreshInterval)
	go alerter.Run(bgCtx)
	go hub.RunCleanup(bgCtx,
		time.Duration(cfg.Broadcast.CleanupIntervalMin)*time.Minute,
		time.Duration(cfg.Broadcast.SessionIdleMin)*time.Minute)
	go monitor.RunStatsPublisher(bgCtx, time.Duration(cfg.Broadcast.StatsIntervalSec)*time.Second)

	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, httpapi.Deps{
		Partitions: manager,
		Scheduler:  sched,
		Reader:     history.NewReader(pool, logger.Named("history.reader")),
		Cache:      cache,
		Store:      lastWriter,
		Ingest:     pipeline,
		Pool:       brokerPool,
		Monitor:    monitor,
		Hub:        hub,
	}, logger)
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all components started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// A phase that misses its deadline aborts the process: the remaining
	// offsets stay uncommitted and redeliver on the next start.
	abort := func(phase string) {
		logger.Error("shutdown phase did not finish in time, aborting", zap.String("phase", phase))
		alerter.Critical(broadcast.KindShutdownAborted, "",
			fmt.Sprintf("shutdown aborted: %s did not drain in time", phase))
		hub.Close()
		sched.Stop()
		stopBackground()
		logger.Sync()
		os.Exit(1)
	}

	// 1. Stop HTTP intake.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Drain broker sessions: stop polling, hand off in-flight batches,
	// final commit.
	stopBroker()
	if !await(shutdownCtx, brokerDone) {
		abort("broker drain")
	}

	// 3. Drain the ingest inboxes. Every session has exited, so the
	// deliveries channel has no senders left.
	close(deliveries)
	if !awaitTimeout(pipelineDone, ingestDrainTimeout) {
		abort("ingest drain")
	}

	// 4. Force-flush the persistence queue.
	stopEngine()
	if !await(shutdownCtx, engineDone) {
		abort("final flush")
	}

	// 5. Close push sessions with graceful frames, then stop the schedulers
	// and the background loops.
	hub.Close()
	sched.Stop()
	stopBackground()

	logger.Info("gps-ingester stopped")
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
		zap.Int("future_months", cfg.Partition.FutureMonths),
		zap.Int("retention_months", cfg.Partition.RetentionMonths),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	manager := maintenance.NewManager(pool, maintenance.Settings{
		WarningMB:       cfg.Partition.WarningMB,
		CriticalMB:      cfg.Partition.CriticalMB,
		EmergencyMB:     cfg.Partition.EmergencyMB,
		AutoSplit:       cfg.Partition.AutoSplit,
		FutureMonths:    cfg.Partition.FutureMonths,
		RetentionMonths: cfg.Partition.RetentionMonths,
	}, logger)
	report, err := manager.RunMaintenance(ctx)
	if err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete",
		zap.Strings("created", report.Created),
		zap.Strings("split", report.Split),
		zap.Strings("watch", report.Watch),
	)
}

func backoffsFromMs(ms []int) []time.Duration {
	out := make([]time.Duration, 0, len(ms))
	for _, m := range ms {
		out = append(out, time.Duration(m)*time.Millisecond)
	}
	return out
}

func await(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func awaitTimeout(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
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
