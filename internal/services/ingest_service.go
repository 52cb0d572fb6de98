package services

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/ingest/internal/metrics"
	"example.com/backstage/services/ingest/internal/models"
	"example.com/backstage/services/ingest/internal/pipeline"
	"example.com/backstage/services/ingest/internal/repositories"
	"example.com/backstage/services/ingest/internal/search"
	"example.com/backstage/services/ingest/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrOrganizationSuspended is returned when a suspended organization
// submits events. The events are counted against usage but discarded.
var ErrOrganizationSuspended = errors.New("organization is suspended")

const staleSessionBatchSize = 100

// EventBatchMessage is the wire format of a queued event batch
// submission.
type EventBatchMessage struct {
	OrganizationID uuid.UUID       `json:"organization_id"`
	ProjectID      uuid.UUID       `json:"project_id"`
	Events         []*models.Event `json:"events"`
}

// IngestService handles event ingestion business logic
type IngestService struct {
	db             *gorm.DB // Write database
	readOnlyDB     *gorm.DB // Read-only database
	orgRepo        repositories.OrganizationRepository
	projectRepo    repositories.ProjectRepository
	stackRepo      repositories.StackRepository
	eventRepo      repositories.EventRepository
	pipeline       *pipeline.Pipeline
	limiter        *pipeline.UsageLimiter
	elasticClient  *search.ElasticClient
	tracer         tracing.Tracer
	metrics        *metrics.Metrics
	sessionTimeout time.Duration
}

// NewIngestService creates a new ingest service
func NewIngestService(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	limiter *pipeline.UsageLimiter,
	elasticClient *search.ElasticClient,
	tracer tracing.Tracer,
	collector *metrics.Metrics,
	workers int,
	sessionTimeout time.Duration,
) *IngestService {
	orgRepo := repositories.NewOrganizationRepository(db, readOnlyDB)
	projectRepo := repositories.NewProjectRepository(db, readOnlyDB)
	stackRepo := repositories.NewStackRepository(db, readOnlyDB)
	eventRepo := repositories.NewEventRepository(db, readOnlyDB)

	return &IngestService{
		db:             db,
		readOnlyDB:     readOnlyDB,
		orgRepo:        orgRepo,
		projectRepo:    projectRepo,
		stackRepo:      stackRepo,
		eventRepo:      eventRepo,
		pipeline:       pipeline.New(stackRepo, eventRepo, limiter, collector, workers),
		limiter:        limiter,
		elasticClient:  elasticClient,
		tracer:         tracer,
		metrics:        collector,
		sessionTimeout: sessionTimeout,
	}
}

// SubmitEvents runs one batch of events for a single project through the
// processing pipeline and indexes the survivors for search. The returned
// contexts report the outcome of every submitted event.
func (s *IngestService) SubmitEvents(ctx context.Context, orgID, projectID uuid.UUID, events []*models.Event) ([]*pipeline.EventContext, error) {
	txn := s.tracer.StartTransaction("submit-events")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "organization_id", orgID.String())
	s.tracer.AddAttribute(txn, "project_id", projectID.String())
	s.tracer.AddAttribute(txn, "event_count", len(events))

	if len(events) == 0 {
		return nil, errors.New("event batch must not be empty")
	}

	span := s.tracer.StartSpan("load-tenant", txn)
	org, err := s.orgRepo.GetByID(ctx, orgID)
	if err != nil {
		span.End()
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to load organization")
	}

	project, err := s.projectRepo.GetByID(ctx, projectID)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to load project")
	}
	if project.OrganizationID != org.ID {
		err := errors.New("project does not belong to organization")
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	if org.IsSuspended {
		// Suspended organizations keep accruing blocked usage but
		// nothing is processed or stored.
		if _, _, err := s.limiter.IncrementUsage(ctx, org, int64(len(events))); err != nil {
			log.Error().Err(err).
				Str("organization_id", org.ID.String()).
				Msg("Failed to account usage for suspended organization")
		}
		s.metrics.IncrementCounterBy("events.discarded", int64(len(events)))
		return nil, ErrOrganizationSuspended
	}

	runSpan := s.tracer.StartSpan("run-pipeline", txn)
	contexts, err := s.pipeline.Run(ctx, org, project, events)
	runSpan.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "pipeline run failed")
	}

	indexSpan := s.tracer.StartSpan("index-events", txn)
	s.indexProcessedEvents(ctx, contexts)
	indexSpan.End()

	log.Info().
		Str("organization_id", org.ID.String()).
		Str("project_id", project.ID.String()).
		Int("submitted", len(events)).
		Int("contexts", len(contexts)).
		Msg("Event batch processed")

	return contexts, nil
}

// indexProcessedEvents pushes surviving events into Elasticsearch. Index
// failures are logged and counted; the database remains the source of
// truth.
func (s *IngestService) indexProcessedEvents(ctx context.Context, contexts []*pipeline.EventContext) {
	if s.elasticClient == nil {
		return
	}
	for _, ectx := range contexts {
		if !ectx.IsProcessed {
			continue
		}
		if err := s.elasticClient.IndexEvent(ctx, ectx.Event); err != nil {
			s.metrics.IncrementCounter("events.index_failed")
			log.Error().Err(err).
				Str("event_id", ectx.Event.ID.String()).
				Msg("Failed to index event")
		}
	}
}

// ProcessEventBatchMessage processes one queued batch submission from
// Azure Service Bus.
func (s *IngestService) ProcessEventBatchMessage(ctx context.Context, message *azservicebus.ReceivedMessage, txn *newrelic.Transaction) error {
	var batch EventBatchMessage
	if err := json.Unmarshal(message.Body, &batch); err != nil {
		return errors.Wrap(err, "failed to unmarshal event batch message")
	}
	if batch.OrganizationID == uuid.Nil || batch.ProjectID == uuid.Nil {
		return errors.New("event batch message missing tenant identifiers")
	}

	span := s.tracer.StartSpan("submit-queued-batch", txn)
	contexts, err := s.SubmitEvents(ctx, batch.OrganizationID, batch.ProjectID, batch.Events)
	span.End()

	if errors.Is(err, ErrOrganizationSuspended) {
		// Redelivery cannot help a suspended organization; drop the
		// message after accounting.
		log.Warn().
			Str("organization_id", batch.OrganizationID.String()).
			Msg("Discarded queued batch for suspended organization")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to process queued event batch")
	}

	failed := 0
	for _, ectx := range contexts {
		if ectx.HasError() {
			failed++
		}
	}
	log.Info().
		Str("message_id", message.MessageID).
		Int("contexts", len(contexts)).
		Int("failed", failed).
		Msg("Queued event batch processed")
	return nil
}

// CloseInactiveSessions ends session starts whose last known activity is
// older than the configured timeout. The synthesized end time is the
// start date plus the recorded duration.
func (s *IngestService) CloseInactiveSessions(ctx context.Context) error {
	txn := s.tracer.StartTransaction("close-inactive-sessions")
	defer s.tracer.EndTransaction(txn)

	cutoff := time.Now().UTC().Add(-s.sessionTimeout)

	span := s.tracer.StartSpan("find-stale-sessions", txn)
	stale, err := s.eventRepo.FindStaleSessionStarts(ctx, cutoff, staleSessionBatchSize)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to find stale session starts")
	}
	if len(stale) == 0 {
		return nil
	}

	closed := 0
	for _, start := range stale {
		lastActivity := start.Date.Add(time.Duration(start.GetDuration() * float64(time.Second)))
		start.SetSessionEndTime(lastActivity)

		if err := s.eventRepo.Save(ctx, start); err != nil {
			s.tracer.RecordError(txn, err)
			log.Error().Err(err).
				Str("event_id", start.ID.String()).
				Msg("Failed to close inactive session")
			continue
		}
		closed++
	}

	s.metrics.IncrementCounterBy("sessions.auto_closed", int64(closed))
	log.Info().
		Int("found", len(stale)).
		Int("closed", closed).
		Msg("Inactive sessions closed")
	return nil
}
