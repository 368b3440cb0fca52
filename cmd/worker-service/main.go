package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/genjob/internal/artifact"
	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/poller"
	"github.com/cuongbtq/genjob/internal/reconcile"
	"github.com/cuongbtq/genjob/internal/registry"
	"github.com/cuongbtq/genjob/internal/upstream"
	"github.com/cuongbtq/genjob/internal/worker"
	"github.com/cuongbtq/genjob/migrations"
	"github.com/cuongbtq/genjob/shared/logger"
	"github.com/cuongbtq/genjob/shared/postgresql"
	"github.com/cuongbtq/genjob/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	jobRegistry := registry.NewPostgres(dbClient.GetDB(), appLogger.Component("registry"))

	store, err := artifact.NewFileStore(cfg.Storage.Path, cfg.Storage.Extension)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	upstreamClient, err := upstream.NewClient(upstream.Config{
		BaseURL:      cfg.Upstream.BaseURL,
		Token:        cfg.Upstream.APIToken,
		CallbackURL:  cfg.Upstream.CallbackURL,
		DefaultModel: cfg.Upstream.DefaultModel,
		GeneratePath: cfg.Upstream.GeneratePath,
		StatusPath:   cfg.Upstream.StatusPath,
		CreditPath:   cfg.Upstream.CreditPath,
		Timeout:      cfg.Upstream.Timeout,
		Logger:       appLogger.Component("upstream"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize upstream client: %w", err)
	}

	engine := reconcile.NewEngine(&reconcile.Config{
		Registry: jobRegistry,
		Fetcher: artifact.NewHTTPFetcher(artifact.FetcherConfig{
			Timeout:   cfg.Storage.FetchTimeout,
			MaxBytes:  cfg.Storage.MaxArtifactBytes,
			UserAgent: cfg.Storage.UserAgent,
			Logger:    appLogger.Component("fetcher"),
		}),
		Store:    store,
		Logger:   appLogger.Component("reconcile"),
		ClaimTTL: cfg.Registry.ClaimTTL,
	})

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Component("worker"),
		Handler:       engine,
		Consumer:      rabbitClient,
		QueueName:     cfg.RabbitMQ.Queue.Name,
		Concurrency:   cfg.Worker.Concurrency,
		QueueSize:     cfg.Worker.QueueSize,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		HandleTimeout: cfg.Worker.HandleTimeout,
	})

	jobPoller := poller.NewPoller(&poller.Config{
		Registry:    jobRegistry,
		Client:      upstreamClient,
		Handler:     engine,
		Logger:      appLogger.Component("poller"),
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workerInstance.Start(gctx) })
	g.Go(func() error { return jobPoller.Run(gctx) })

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	<-gctx.Done()
	appLogger.Info("Shutting down worker service...")

	// Give in-flight events time to finish
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL connects to PostgreSQL and applies pending migrations when enabled
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := client.Migrate(ctx, migrations.FS); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeadLetterExchange: cfg.Queue.DeadLetter,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}
