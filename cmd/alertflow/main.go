// Package main is the entry point for the Alertflow correlation service.
// It initializes all components and starts the HTTP server and the batch
// event processor.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"alertflow/internal/adapter"
	"alertflow/internal/api"
	"alertflow/internal/banner"
	"alertflow/internal/config"
	"alertflow/internal/correlation"
	"alertflow/internal/ingest"
	"alertflow/internal/notification"
	"alertflow/internal/processor"
	"alertflow/internal/queue"
	kafkaqueue "alertflow/internal/queue/kafka"
	memoryqueue "alertflow/internal/queue/memory"
	"alertflow/internal/rules"
	"alertflow/internal/store"
	memorystor "alertflow/internal/store/memory"
	postgresstor "alertflow/internal/store/postgres"
	redisstor "alertflow/internal/store/redis"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	banner.Print()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(&cfg.Logger)

	logger.Info("configuration loaded",
		"path", *configPath,
		"storage_mode", cfg.Storage.Mode,
		"rules_path", cfg.Rules.Path,
	)

	// Initialize dependencies based on storage mode
	deps, cleanup, err := initDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Watch the rules file for live reloads
	if cfg.Rules.Watch {
		go func() {
			if err := deps.registry.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error("rules watcher error", "error", err)
			}
		}()
	}

	// Start processor in background
	go func() {
		if err := deps.processor.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("processor error", "error", err)
			cancel()
		}
	}()

	// Start HTTP server
	go func() {
		if err := deps.server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("Alertflow started",
		"address", cfg.Server.Address(),
		"storage_mode", cfg.Storage.Mode,
	)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("Alertflow stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	server    *api.Server
	processor *processor.Service
	registry  *rules.Registry
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		sessionStore store.SessionStore
		alertRepo    store.AlertRepository
		eventRepo    store.EventRepository
		producer     queue.Producer
		consumer     queue.Consumer
		cleanupFuncs []func()
	)

	if cfg.Storage.UseMemory() {
		// Initialize in-memory implementations
		logger.Info("initializing in-memory storage")

		memSessions := memorystor.NewSessionStore()
		sessionStore = memSessions
		cleanupFuncs = append(cleanupFuncs, func() { _ = memSessions.Close() })

		alertRepo = memorystor.NewAlertRepository()
		eventRepo = memorystor.NewEventRepository()

		memQueue := memoryqueue.NewQueue(10000)
		producer = memQueue
		consumer = memQueue
		cleanupFuncs = append(cleanupFuncs, func() { _ = memQueue.Close() })
	} else {
		// Initialize real storage implementations
		logger.Info("initializing production storage (Kafka, Redis, PostgreSQL)")

		// Initialize PostgreSQL
		ctx := context.Background()
		db, err := postgresstor.NewDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		cleanupFuncs = append(cleanupFuncs, db.Close)

		// Run migrations
		if err := db.RunMigrations(ctx); err != nil {
			return nil, nil, err
		}
		logger.Info("database migrations completed")

		alertRepo = postgresstor.NewAlertRepository(db)
		eventRepo = postgresstor.NewEventRepository(db)

		// Initialize Redis
		redisSessions, err := redisstor.NewSessionStore(&cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		sessionStore = redisSessions
		cleanupFuncs = append(cleanupFuncs, func() { _ = redisSessions.Close() })

		// Initialize Kafka
		kafkaProducer := kafkaqueue.NewProducer(&cfg.Kafka)
		producer = kafkaProducer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaProducer.Close() })

		kafkaConsumer := kafkaqueue.NewConsumer(&cfg.Kafka, logger)
		consumer = kafkaConsumer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaConsumer.Close() })
	}

	// Load the correlation rule set
	registry, err := rules.NewRegistry(cfg.Rules.Path, logger)
	if err != nil {
		return nil, nil, err
	}

	// Initialize notification service (stubbed for now)
	notifier := notification.NewStubNotifier(logger)

	// Initialize ingest service with adapters for the supported sources
	ingestService := ingest.NewService(producer, logger)
	registerAdapters(ingestService)

	// Initialize correlation engine and processor service
	correlator := correlation.NewProcessor(registry, sessionStore, alertRepo, logger, cfg.Processor.Workers)
	processorService := processor.NewService(
		consumer,
		eventRepo,
		correlator,
		notifier,
		logger,
		cfg.Processor,
	)

	// Initialize API handlers
	ingestHandler := api.NewIngestHandler(ingestService, logger)
	alertHandler := api.NewAlertHandler(alertRepo, eventRepo, notifier, logger)
	ruleHandler := api.NewRuleHandler(registry, logger)

	// Initialize HTTP server
	server := api.NewServer(api.ServerDeps{
		Config:        &cfg.Server,
		Logger:        logger,
		IngestHandler: ingestHandler,
		AlertHandler:  alertHandler,
		RuleHandler:   ruleHandler,
	})

	// Build cleanup function
	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	return &dependencies{
		server:    server,
		processor: processorService,
		registry:  registry,
	}, cleanup, nil
}

// registerAdapters wires the raw payload mappings for the monitoring
// sources Alertflow understands out of the box.
func registerAdapters(svc *ingest.Service) {
	svc.RegisterSource("zabbix", adapter.Mapping{
		Source:     "zabbix",
		EventID:    "eventid",
		Item:       "item_key",
		ResourceID: "host",
		Level:      "severity",
		Value:      "item_value",
		Title:      "trigger_name",
		StartTime:  "clock",
		LevelMap: map[string]string{
			"disaster": "critical",
			"high":     "error",
			"average":  "warning",
		},
	})
	svc.RegisterSource("prometheus", adapter.Mapping{
		Source:     "prometheus",
		Item:       "alertname",
		ResourceID: "instance",
		Level:      "severity",
		Title:      "summary",
		StartTime:  "startsAt",
		EndTime:    "endsAt",
	})
}

// initLogger creates and configures the application logger.
func initLogger(cfg *config.LoggerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
