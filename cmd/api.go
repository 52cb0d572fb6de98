package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/api"
	"example.com/backstage/services/ingest/internal/cache"
	"example.com/backstage/services/ingest/internal/messaging"
	"example.com/backstage/services/ingest/internal/metrics"
	"example.com/backstage/services/ingest/internal/models"
	"example.com/backstage/services/ingest/internal/pipeline"
	"example.com/backstage/services/ingest/internal/search"
	"example.com/backstage/services/ingest/internal/services"
	"example.com/backstage/services/ingest/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server to handle incoming event batch submissions`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		elasticClient = nil
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize usage accounting
	limiter, closePublisher := initUsageLimiter(cfg, "ingest-api")
	defer closePublisher()

	// Initialize services
	ingestService := services.NewIngestService(
		db, readOnlyDB, limiter, elasticClient, tracer, metricsCollector,
		cfg.Pipeline.Workers, cfg.Pipeline.SessionTimeout,
	)

	// Initialize and start the server
	server := api.NewServer(cfg, ingestService, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

// initUsageLimiter wires the usage limiter to Redis and the overage
// notification queue, falling back to in-process counters when Redis is
// disabled or unreachable.
func initUsageLimiter(cfg config.Config, clientType string) (*pipeline.UsageLimiter, func()) {
	var store pipeline.UsageStore
	if cfg.Redis.Enabled {
		redisStore, err := cache.NewRedisUsageStore(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Redis usage store, falling back to in-memory counters")
		} else {
			store = redisStore
		}
	}
	if store == nil {
		store = cache.NewMemoryUsageStore()
	}

	var publisher pipeline.MessagePublisher
	closePublisher := func() {}
	busClient, err := messaging.NewServiceBusClient(cfg.Azure, cfg.Azure.OverageQueueName, clientType)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize overage publisher, overage notifications disabled")
	} else {
		publisher = busClient
		closePublisher = func() {
			if err := busClient.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing overage publisher")
			}
		}
	}

	return pipeline.NewUsageLimiter(store, publisher), closePublisher
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}

	// Read side gets higher limits, lookups dominate its load
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(time.Hour)

	return db, readOnlyDB, nil
}
