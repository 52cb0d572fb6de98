package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/messaging"
	"example.com/backstage/services/ingest/internal/metrics"
	"example.com/backstage/services/ingest/internal/search"
	"example.com/backstage/services/ingest/internal/services"
	"example.com/backstage/services/ingest/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to process queued event batches from Azure Service Bus and close inactive sessions`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

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
	limiter, closePublisher := initUsageLimiter(cfg, "ingest-worker")
	defer closePublisher()

	// Initialize services
	ingestService := services.NewIngestService(
		db, readOnlyDB, limiter, elasticClient, tracer, metricsCollector,
		cfg.Pipeline.Workers, cfg.Pipeline.SessionTimeout,
	)

	// Initialize the Service Bus consumer
	consumer, err := messaging.NewConsumer(cfg.Azure)
	if err != nil {
		return err
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Service Bus consumer")
		}
	}()

	// Start the service bus processor
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.EventsQueueName).Msg("Starting Azure Service Bus processor")
		return consumer.ProcessMessages(ctx, func(ctx context.Context, message *azservicebus.ReceivedMessage) error {
			txn := tracer.StartTransaction("process-event-batch-message")
			defer tracer.EndTransaction(txn)
			return ingestService.ProcessEventBatchMessage(ctx, message, txn)
		})
	})

	// Start the inactive session sweeper
	g.Go(func() error {
		log.Info().
			Dur("interval", cfg.Pipeline.SweepInterval).
			Dur("timeout", cfg.Pipeline.SessionTimeout).
			Msg("Starting inactive session sweeper")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Pipeline.SweepInterval),
			gocron.NewTask(func() {
				if err := ingestService.CloseInactiveSessions(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to close inactive sessions")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
