package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/genjob/internal/api/handler"
	"github.com/cuongbtq/genjob/internal/api/router"
	"github.com/cuongbtq/genjob/internal/artifact"
	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/poller"
	"github.com/cuongbtq/genjob/internal/reconcile"
	"github.com/cuongbtq/genjob/internal/registry"
	"github.com/cuongbtq/genjob/internal/service"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("registry", cfg.Registry.Backend),
		slog.String("events", cfg.Events.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Job registry
	var (
		jobRegistry registry.Registry
		dbClient    *postgresql.Client
	)
	switch cfg.Registry.Backend {
	case config.RegistryPostgres:
		dbClient, err = initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()
		jobRegistry = registry.NewPostgres(dbClient.GetDB(), appLogger.Component("registry"))
	default:
		jobRegistry = registry.NewMemory()
	}

	// Upstream, artifact storage and the reconciliation engine
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

	store, err := artifact.NewFileStore(cfg.Storage.Path, cfg.Storage.Extension)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
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

	jobPoller := poller.NewPoller(&poller.Config{
		Registry:    jobRegistry,
		Client:      upstreamClient,
		Handler:     engine,
		Logger:      appLogger.Component("poller"),
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
	})

	g, gctx := errgroup.WithContext(ctx)

	// Webhook events are handled in process, or handed to the worker service
	var (
		dispatcher handler.EventDispatcher
		broker     handler.HealthChecker
	)
	switch cfg.Events.Mode {
	case config.EventsRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		dispatcher = worker.NewPublisher(rabbitClient, appLogger.Component("publisher"))
		broker = rabbitClient
	default:
		eventWorker := worker.NewWorker(&worker.Config{
			Logger:        appLogger.Component("worker"),
			Handler:       engine,
			Concurrency:   cfg.Worker.Concurrency,
			QueueSize:     cfg.Worker.QueueSize,
			HandleTimeout: cfg.Worker.HandleTimeout,
		})
		dispatcher = eventWorker
		g.Go(func() error { return eventWorker.Start(gctx) })

		// the worker service polls in the split deployment
		g.Go(func() error { return jobPoller.Run(gctx) })
	}

	jobService := service.NewJobService(&service.Config{
		Registry:  jobRegistry,
		Generator: upstreamClient,
		Refresher: jobPoller,
		Artifacts: store,
		Logger:    appLogger.Component("service"),
	})

	deps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		Service:     jobService,
		Dispatcher:  dispatcher,
		Credits:     upstreamClient,
		Broker:      broker,
		ServiceName: cfg.App.Name,
		CallbackURL: upstreamClient.CallbackURL(),

		DispatchTimeout: cfg.Events.DispatchTimeout,
	}
	if dbClient != nil {
		deps.Database = dbClient
	}

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      initRouter(cfg.App.Environment, deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.String("callback_url", upstreamClient.CallbackURL()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown",
				slog.Any("error", err),
			)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("API service shutdown complete")
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
