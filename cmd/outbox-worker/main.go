package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tidemark/outboxd/pkg/config"
	"github.com/tidemark/outboxd/pkg/handlers"
	"github.com/tidemark/outboxd/pkg/health"
	"github.com/tidemark/outboxd/pkg/jobstatus"
	"github.com/tidemark/outboxd/pkg/notify"
	"github.com/tidemark/outboxd/pkg/processor"
	"github.com/tidemark/outboxd/pkg/search"
	"github.com/tidemark/outboxd/pkg/store"
	"github.com/tidemark/outboxd/pkg/telemetry"
)

func main() {
	configPath := pflag.String("config", ".", "directory containing worker.yaml")
	loop := pflag.Bool("loop", false, "run continuously instead of a single pass")
	pflag.Int("batch-size", 25, "max events claimed per cycle")
	pflag.Duration("interval", 5*time.Second, "poll interval between cycles")
	pflag.Duration("idle-wait", 30*time.Second, "max idle block on the notification channel")
	pflag.Bool("notify", true, "use notify-assisted wakeup instead of pure polling")
	pflag.Int("max-attempts", 5, "failed attempts before dead-lettering")
	pflag.Int("health-port", 8090, "health/metrics listen port")
	pflag.Parse()

	viper.BindPFlag("worker.batch_size", pflag.Lookup("batch-size"))
	viper.BindPFlag("worker.poll_interval", pflag.Lookup("interval"))
	viper.BindPFlag("worker.idle_wait", pflag.Lookup("idle-wait"))
	viper.BindPFlag("worker.notify", pflag.Lookup("notify"))
	viper.BindPFlag("worker.max_attempts", pflag.Lookup("max-attempts"))
	viper.BindPFlag("health.port", pflag.Lookup("health-port"))

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer logger.Sync()

	if cfg.Observability.TracingURL != "" {
		shutdownTelemetry, err := telemetry.Init(cfg.Observability)
		if err != nil {
			logger.Fatal("failed to initialize telemetry", zap.Error(err))
		}
		defer shutdownTelemetry()
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}

	repo := store.NewPostgresRepository(db, cfg.Worker.Channel)
	tracker := jobstatus.NewTracker(db, logger)
	indexer := search.NewClient(cfg.Search.URL, cfg.Search.APIKey)

	registry := processor.NewRegistry()
	registry.MustRegister(handlers.EventItemUpserted,
		handlers.NewIndexingHandler("item", indexer, tracker, logger))
	registry.MustRegister(handlers.EventItemArchived,
		handlers.NewIndexingHandler("item", indexer, tracker, logger))
	registry.MustRegister(handlers.EventFileUpserted,
		handlers.NewIndexingHandler("file", indexer, tracker, logger))
	registry.MustRegister(handlers.EventFileArchived,
		handlers.NewIndexingHandler("file", indexer, tracker, logger))

	monitor := health.NewMonitor(cfg.StaleAfter())
	healthSrv := health.NewServer(cfg.Health.Port, monitor, logger)
	healthSrv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc := processor.NewProcessor(repo, registry, cfg, logger, monitor)

	if !*loop {
		n, err := proc.RunOnce(ctx)
		if err != nil {
			logger.Fatal("batch pass failed", zap.Error(err))
		}
		logger.Info("batch pass complete", zap.Int("events", n))
		shutdownHealth(healthSrv, logger)
		return
	}

	var waiter processor.Waiter = processor.PollWaiter{Interval: cfg.Worker.PollInterval}
	if cfg.Worker.Notify {
		listener := notify.NewListener(cfg.Database.DSN, cfg.Worker.Channel, logger)
		defer listener.Close()
		waiter = &processor.NotifyWaiter{
			Listener: listener,
			IdleWait: cfg.Worker.IdleWait,
			Fallback: cfg.Worker.PollInterval,
		}
	}

	if err := proc.Run(ctx, waiter); err != nil {
		logger.Error("worker loop exited", zap.Error(err))
	}
	shutdownHealth(healthSrv, logger)
}

func shutdownHealth(srv *health.Server, logger *zap.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown failed", zap.Error(err))
	}
}
