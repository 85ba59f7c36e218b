package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sagaweave/sagaweave/config"
	"github.com/sagaweave/sagaweave/pkg/api"
	"github.com/sagaweave/sagaweave/pkg/api/events"
	"github.com/sagaweave/sagaweave/pkg/api/handlers"
	"github.com/sagaweave/sagaweave/pkg/compensation"
	"github.com/sagaweave/sagaweave/pkg/coordinator"
	"github.com/sagaweave/sagaweave/pkg/correlation"
	"github.com/sagaweave/sagaweave/pkg/dispatch"
	"github.com/sagaweave/sagaweave/pkg/eventlog"
	"github.com/sagaweave/sagaweave/pkg/inspect"
	"github.com/sagaweave/sagaweave/pkg/logger"
	"github.com/sagaweave/sagaweave/pkg/metrics"
	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
	"github.com/sagaweave/sagaweave/pkg/scheduler"
	"github.com/sagaweave/sagaweave/pkg/store"
	"github.com/sagaweave/sagaweave/pkg/telemetry/tracing"
	"github.com/sagaweave/sagaweave/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting Sagaweave",
		"version", version.Version,
		"build_time", version.BuildTime,
		"git_commit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Hot reload of the log level while running, when a config file is in use.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, config.NewLoader(), config.WithWatcherLogger(log))
		if err != nil {
			log.Warn("Config watcher unavailable", "error", err)
		} else {
			hot := config.ExtractHotReloadable(cfg)
			watcher.OnChange(func(next *config.Config) {
				nextHot := config.ExtractHotReloadable(next)
				if !hot.Changed(nextHot) {
					return
				}
				if nextHot.LogLevel != hot.LogLevel {
					log.SetLevel(logger.ParseLevel(nextHot.LogLevel))
					log.Info("Log level updated", "level", nextHot.LogLevel)
				}
				hot = nextHot
			})
			go func() {
				if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("Config watcher stopped", "error", err)
				}
			}()
			defer func() { _ = watcher.Stop() }()
		}
	}

	// Tracing
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Metrics
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Redis client, shared by the dispatcher and the drainer lease
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// Storage: state store, outbox store and correlation index share one
	// backend so state, staged messages and index commit together.
	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()

	var (
		stateStore  store.StateStore
		outboxStore outbox.Store
		index       correlation.Index
	)
	switch cfg.Storage.Type {
	case "memory":
		idx := correlation.NewMemoryIndex()
		ob := outbox.NewMemoryStore()
		stateStore = store.NewMemoryStateStore(
			store.WithMemoryOutbox(ob),
			store.WithMemoryIndex(idx),
		)
		outboxStore, index = ob, idx
		if cfg.EventSourcing.Enabled {
			stateStore = eventlog.NewSourcedStateStore(stateStore, eventlog.NewMemoryLog(), eventlog.NewMemorySnapshotStore(),
				eventlog.WithSnapshotInterval(int(cfg.EventSourcing.SnapshotInterval)),
				eventlog.WithStreamPrefix(cfg.EventSourcing.StreamPrefix),
				eventlog.WithSourcedLogger(log),
			)
		}
		log.Info("Initialized memory storage")
	default:
		badgerOpts := badger.DefaultOptions(cfg.Storage.Badger.Path)
		badgerOpts.SyncWrites = cfg.Storage.Badger.SyncWrites
		if cfg.Storage.Badger.ValueLogFileSize > 0 {
			badgerOpts.ValueLogFileSize = cfg.Storage.Badger.ValueLogFileSize
		}
		if cfg.Storage.Badger.NumVersionsToKeep > 0 {
			badgerOpts.NumVersionsToKeep = cfg.Storage.Badger.NumVersionsToKeep
		}
		db, err := badger.Open(badgerOpts)
		if err != nil {
			log.Error("Failed to open Badger storage", "path", cfg.Storage.Badger.Path, "error", err)
			os.Exit(1)
		}
		defer db.Close()

		idx := correlation.NewBadgerIndex(db)
		ob := outbox.NewBadgerStore(db)
		stateStore = store.NewBadgerStateStoreWithDB(db,
			store.WithBadgerOutbox(ob),
			store.WithBadgerIndex(idx),
		)
		outboxStore, index = ob, idx
		if cfg.EventSourcing.Enabled {
			stateStore = eventlog.NewSourcedStateStore(stateStore, eventlog.NewBadgerLog(db), eventlog.NewBadgerSnapshotStore(db),
				eventlog.WithSnapshotInterval(int(cfg.EventSourcing.SnapshotInterval)),
				eventlog.WithStreamPrefix(cfg.EventSourcing.StreamPrefix),
				eventlog.WithSourcedLogger(log),
			)
		}
		log.Info("Initialized Badger storage", "path", cfg.Storage.Badger.Path, "event_sourcing", cfg.EventSourcing.Enabled)
	}
	stateStore = events.NewBroadcastingStore(stateStore, broadcaster)
	defer func() {
		if err := stateStore.Close(); err != nil {
			log.Error("Error closing storage", "error", err)
		}
	}()

	// Saga definitions
	registry := saga.NewRegistry()
	if err := registerDefinitions(registry); err != nil {
		log.Error("Failed to register saga definitions", "error", err)
		os.Exit(1)
	}

	// Compensation engine
	compEngine := compensation.NewEngine(registry,
		compensation.WithMaxRetries(cfg.Engine.MaxRetryAttempts),
		compensation.WithRetryDelay(cfg.Engine.RetryDelay),
		compensation.WithAutoCompensation(cfg.Engine.AutoCompensation),
		compensation.WithLogger(log),
		compensation.WithMetrics(metricsManager),
	)

	// Timeout scheduler and coordinator reference each other; the sink
	// indirection breaks the construction cycle.
	sink := &coordinatorSink{}
	sched := scheduler.New(sink,
		scheduler.WithDegradedThreshold(cfg.Engine.DegradedThreshold),
		scheduler.WithUnhealthyThreshold(cfg.Engine.UnhealthyThreshold),
		scheduler.WithLogger(log),
		scheduler.WithMetrics(metricsManager),
	)
	coord := coordinator.New(registry, stateStore, compEngine,
		coordinator.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		coordinator.WithDefaultStepTimeout(cfg.Engine.DefaultStepTimeout),
		coordinator.WithCorrelationIndex(index),
		coordinator.WithScheduler(sched),
		coordinator.WithLogger(log),
		coordinator.WithMetrics(metricsManager),
	)
	sink.coord = coord
	sched.Start(ctx)
	defer sched.Stop()

	// Dispatcher and outbox drainer
	var dispatcher dispatch.Dispatcher
	var memoryBus *dispatch.MemoryDispatcher
	var redisBus *dispatch.RedisDispatcher
	if redisClient != nil {
		redisBus = dispatch.NewRedisDispatcher(redisClient, "", 64)
		dispatcher = redisBus
		defer redisBus.Close()
	} else {
		memoryBus = dispatch.NewMemoryDispatcher()
		dispatcher = memoryBus
	}

	drainerOpts := []outbox.DrainerOption{
		outbox.WithInterval(cfg.Outbox.DrainInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithBackoff(cfg.Outbox.BackoffBase, cfg.Outbox.BackoffMax),
		outbox.WithArchiveAfter(cfg.Outbox.ArchiveAfter),
		outbox.WithRateLimit(cfg.Outbox.RateLimit, cfg.Outbox.RateBurst),
		outbox.WithLogger(log),
		outbox.WithMetrics(metricsManager),
	}
	if redisClient != nil {
		holder, _ := os.Hostname()
		drainerOpts = append(drainerOpts,
			outbox.WithLease(outbox.NewRedisLease(redisClient, cfg.Outbox.LeaseKey, holder, cfg.Outbox.LeaseTTL)))
	}
	drainer := outbox.NewDrainer(outboxStore, dispatcher, drainerOpts...)
	drainer.Start(ctx)
	defer drainer.Stop()

	// Inbound events
	go runIngress(ctx, log, coord, registry, memoryBus, redisBus)

	// Retention sweep for terminal sagas
	if cfg.Engine.EnableAutomaticCleanup {
		sweeper := store.NewSweeper(stateStore,
			store.WithSweepInterval(cfg.Engine.CleanupInterval),
			store.WithRetention(cfg.Engine.SagaRetentionPeriod),
			store.WithSweeperLogger(log),
		)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	// HTTP API
	inspector := inspect.New(stateStore, index, registry)
	sagaHandler := handlers.NewSagaHandler(inspector, coord, log)
	wsHandler := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	defer wsHandler.Close()
	go api.StreamEvents(ctx, broadcaster, wsHandler)

	apiHandlers := &api.Handlers{
		Saga:      sagaHandler,
		Health:    handlers.NewHealthHandler(&runtimeChecker{store: stateStore, sched: sched, started: time.Now()}),
		WebSocket: wsHandler,
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)
	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("Sagaweave is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
	)
	log.Info("Press Ctrl+C to stop")

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	log.Info("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("Sagaweave stopped gracefully")
}

// registerDefinitions installs the saga definitions this deployment runs.
// Definitions are Go code built with the saga package's builder; embedders
// add theirs here, or use the engine packages directly from their own main.
func registerDefinitions(reg *saga.Registry) error {
	return nil
}

// coordinatorSink forwards scheduler timeout events to the coordinator once
// it exists.
type coordinatorSink struct {
	coord *coordinator.Coordinator
}

func (s *coordinatorSink) ProcessEvent(ctx context.Context, event dispatch.Event) error {
	if s.coord == nil {
		return errors.New("coordinator not started")
	}
	return s.coord.ProcessEvent(ctx, event)
}

// runIngress feeds inbound events from the dispatcher into the coordinator.
// With the memory bus every published message loops back, which is the
// single-node reply-routing model; with Redis one subscription per known
// event type is opened.
func runIngress(
	ctx context.Context,
	log logger.Logger,
	coord *coordinator.Coordinator,
	registry *saga.Registry,
	memoryBus *dispatch.MemoryDispatcher,
	redisBus *dispatch.RedisDispatcher,
) {
	deliveries := make(chan dispatch.Delivery, 64)

	switch {
	case memoryBus != nil:
		sub := memoryBus.Subscribe("*", 64)
		defer sub.Close()
		go forwardDeliveries(ctx, sub.C(), deliveries)
	case redisBus != nil:
		for _, eventType := range registry.EventTypes() {
			ch, err := redisBus.Subscribe(ctx, eventType)
			if err != nil {
				log.Error("Failed to subscribe to event type", "event_type", eventType, "error", err)
				continue
			}
			go forwardDeliveries(ctx, ch, deliveries)
		}
	default:
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-deliveries:
			event := eventFromMessage(delivery.Message)
			if err := coord.ProcessEvent(ctx, event); err != nil {
				log.Warn("Event processing failed",
					"event_type", event.Type,
					"message_id", event.MessageID,
					"error", err,
				)
			}
		}
	}
}

func forwardDeliveries(ctx context.Context, in <-chan dispatch.Delivery, out chan<- dispatch.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- delivery:
			case <-ctx.Done():
				return
			}
		}
	}
}

func eventFromMessage(msg dispatch.Message) dispatch.Event {
	return dispatch.Event{
		MessageID:     msg.MessageID,
		Type:          msg.Type,
		SagaID:        msg.SagaID,
		CorrelationID: msg.CorrelationID,
		Payload:       msg.Payload,
		Headers:       msg.Headers,
		OccurredAt:    time.Now().UTC(),
	}
}

// runtimeChecker backs the health endpoints with a storage probe.
type runtimeChecker struct {
	store   store.StateStore
	sched   *scheduler.Scheduler
	started time.Time
}

func (c *runtimeChecker) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.store.Load(ctx, "health-probe")
	return err == nil || errors.Is(err, store.ErrNotFound)
}

func (c *runtimeChecker) Ready() bool {
	return c.Healthy()
}

func (c *runtimeChecker) Status() map[string]any {
	return map[string]any{
		"healthy":      c.Healthy(),
		"uptime":       time.Since(c.started).String(),
		"armed_timers": c.sched.ArmedCount(),
		"version":      version.Info(),
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("Sagaweave - Distributed Saga Orchestration Engine\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("Sagaweave - Distributed saga orchestration engine\n\n")
	fmt.Printf("Usage: sagaweave [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  sagaweave                                    # Run with default config\n")
	fmt.Printf("  sagaweave -config config.yaml                # Use specific config file\n")
	fmt.Printf("  sagaweave -port 9090 -log-level debug        # Override specific options\n")
	fmt.Printf("  sagaweave -version                           # Print version info\n")
}
