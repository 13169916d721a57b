package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chainwatch/config"
	"chainwatch/ingest"
	"chainwatch/storage"
	"chainwatch/util/goroutine"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// App is the running alert pipeline.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Pipeline *PipelineComponents
	SQLite   *storage.SQLite
	Archive  *ingest.SQLiteArchive

	// Source and Publisher default to Kafka when nil at Start
	Source    ingest.Source
	Publisher ingest.DLQPublisher

	Consumer *ingest.Consumer
	Ops      *OpsServer

	serviceWg    sync.WaitGroup
	cancel       context.CancelFunc
	closers      []io.Closer
	shutdownOnce sync.Once

	mu          sync.Mutex
	consumerErr error
}

// NewApp loads configuration from path (or the default locations) and
// builds the pipeline.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := InitConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, _, err := InitLogger(cfg.LogLevel(), cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig builds the pipeline from an already loaded config.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sugar := logger.Sugar()
	app := &App{Config: cfg, Logger: logger, Sugar: sugar}

	sugar.Info("chainwatch alert engine starting...")
	logConfig(cfg, sugar)

	pipeline, err := InitPipeline(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Pipeline = pipeline

	app.SQLite, app.Archive, err = InitArchive(cfg, sugar)
	if err != nil {
		pipeline.Close()
		return nil, err
	}
	return app, nil
}

// Start starts the consumer loop, maintenance and the ops server.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.Source == nil {
		source, err := ingest.NewKafkaSource(a.Config.Kafka, a.Sugar)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create kafka source: %w", err)
		}
		a.Source = source
	}
	if a.Publisher == nil {
		publisher, err := ingest.NewKafkaDLQPublisher(a.Config.Kafka, a.Sugar)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create dead letter publisher: %w", err)
		}
		a.Publisher = publisher
		a.closers = append(a.closers, publisher)
	}

	publisher := a.Publisher
	if a.Archive != nil {
		publisher = ingest.NewArchivingPublisher(publisher, a.Archive, a.Sugar)
	}

	consumer, err := ingest.NewConsumer(a.Config.Consumer, a.Source, publisher, a.Pipeline.Engine, a.Sugar)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	a.Consumer = consumer

	goroutine.Go(&a.serviceWg, "consumer", a.Sugar, func() {
		if err := consumer.Run(runCtx); err != nil {
			a.Sugar.Errorw("Consumer stopped with error", "error", err)
			a.mu.Lock()
			a.consumerErr = err
			a.mu.Unlock()
		}
	})

	goroutine.Go(&a.serviceWg, "maintenance", a.Sugar, func() {
		a.runMaintenance(runCtx)
	})

	if viper.ConfigFileUsed() != "" {
		config.WatchDedup(a.Sugar, a.Pipeline.Engine.UpdateDedupSettings)
	}

	if a.Config.Metrics.Enabled {
		a.startOps()
	}

	a.Sugar.Infow("chainwatch alert engine started", "topic", a.Config.Kafka.Topic)
	return nil
}

func (a *App) startOps() {
	a.Ops = NewOpsServer(a.Config.Metrics.Addr, a.Sugar)
	a.Ops.AddCheck("consumer", func(context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.consumerErr
	})
	if a.SQLite != nil {
		a.Ops.AddCheck("sqlite", a.SQLite.HealthCheck)
	}
	if a.Pipeline.RedisIndex != nil {
		a.Ops.AddCheck("redis", a.Pipeline.RedisIndex.Ping)
	}

	goroutine.Go(&a.serviceWg, "ops-server", a.Sugar, func() {
		if err := a.Ops.Start(); err != nil {
			a.Sugar.Errorw("Ops server failed", "addr", a.Config.Metrics.Addr, "error", err)
		}
	})
}

// runMaintenance prunes expired dedup and correlation state and, when
// configured, reloads the active policies.
func (a *App) runMaintenance(ctx context.Context) {
	prune := a.Config.PruneInterval
	if prune <= 0 {
		prune = time.Minute
	}
	pruneTicker := time.NewTicker(prune)
	defer pruneTicker.Stop()

	var reloadC <-chan time.Time
	if a.Config.Rules.ReloadInterval > 0 {
		reloadTicker := time.NewTicker(a.Config.Rules.ReloadInterval)
		defer reloadTicker.Stop()
		reloadC = reloadTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-pruneTicker.C:
			if n := a.Pipeline.Engine.Prune(now); n > 0 {
				a.Sugar.Debugw("Pruned expired state", "entries", n)
			}
		case <-reloadC:
			// failures keep the current rule set and are logged by the registry
			_, _ = a.Pipeline.Engine.ReloadActivePolicies(ctx)
		}
	}
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends.
func (a *App) WaitForShutdown(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
}

// Shutdown gracefully shuts down all components. It is safe to call more
// than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - the consumer finishes its in-flight message and closes the source
	a.Sugar.Info("Phase 1: Stopping consumer...")
	if a.Consumer != nil {
		a.Consumer.Stop()
		stats := a.Consumer.Stats()
		a.Sugar.Infow("Consumer stopped",
			"consumed", stats.Consumed,
			"processed", stats.Processed,
			"dead_lettered", stats.DeadLettered,
			"committed", stats.Committed)
	}

	// Phase 2 - stop maintenance
	a.Sugar.Info("Phase 2: Stopping background tasks...")
	if a.cancel != nil {
		a.cancel()
	}

	// Phase 3 - stop ops server
	if a.Ops != nil {
		a.Sugar.Info("Phase 3: Stopping ops server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Ops.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop ops server", "error", err)
		}
		cancel()
	}

	// Phase 4 - wait for service goroutines
	a.Sugar.Info("Phase 4: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped")
	case <-time.After(15 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	// Phase 5 - close connections
	a.Sugar.Info("Phase 5: Closing connections...")
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Sugar.Errorw("Failed to close", "error", err)
		}
	}
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	if err := a.Logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
	}
}
