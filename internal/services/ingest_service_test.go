package services

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/cache"
	"example.com/backstage/services/ingest/internal/metrics"
	"example.com/backstage/services/ingest/internal/models"
	"example.com/backstage/services/ingest/internal/pipeline"
	"example.com/backstage/services/ingest/internal/tracing"
)

// Mock repositories for testing
type MockOrganizationRepository struct {
	mock.Mock
}

func (m *MockOrganizationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Organization), args.Error(1)
}

type MockProjectRepository struct {
	mock.Mock
}

func (m *MockProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Project), args.Error(1)
}

type MockEventRepository struct {
	mock.Mock
}

func (m *MockEventRepository) Save(ctx context.Context, event *models.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventRepository) BulkSave(ctx context.Context, events []*models.Event) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

func (m *MockEventRepository) FindOpenSessionStart(ctx context.Context, projectID uuid.UUID, sessionID string) (*models.Event, error) {
	args := m.Called(ctx, projectID, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Event), args.Error(1)
}

func (m *MockEventRepository) FindStaleSessionStarts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Event, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Event), args.Error(1)
}

func receivedMessage(body []byte) *azservicebus.ReceivedMessage {
	return &azservicebus.ReceivedMessage{Body: body, MessageID: "test-message"}
}

func disabledTracer(t *testing.T) tracing.Tracer {
	t.Helper()
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)
	return tracer
}

func newServiceFixture(t *testing.T) (*IngestService, *MockOrganizationRepository, *MockProjectRepository, *MockEventRepository) {
	t.Helper()
	orgRepo := new(MockOrganizationRepository)
	projectRepo := new(MockProjectRepository)
	eventRepo := new(MockEventRepository)

	service := &IngestService{
		orgRepo:        orgRepo,
		projectRepo:    projectRepo,
		eventRepo:      eventRepo,
		limiter:        pipeline.NewUsageLimiter(cache.NewMemoryUsageStore(), nil),
		tracer:         disabledTracer(t),
		metrics:        metrics.NewMetrics(),
		sessionTimeout: 30 * time.Minute,
	}
	return service, orgRepo, projectRepo, eventRepo
}

func TestSubmitEventsSuspendedOrganization(t *testing.T) {
	service, orgRepo, projectRepo, _ := newServiceFixture(t)

	org := &models.Organization{
		ID:                uuid.New(),
		MaxEventsPerMonth: 1000,
		IsSuspended:       true,
	}
	project := &models.Project{ID: uuid.New(), OrganizationID: org.ID}

	orgRepo.On("GetByID", mock.Anything, org.ID).Return(org, nil)
	projectRepo.On("GetByID", mock.Anything, project.ID).Return(project, nil)

	events := []*models.Event{{Type: models.TypeLog, Date: time.Now()}}
	contexts, err := service.SubmitEvents(context.Background(), org.ID, project.ID, events)

	require.ErrorIs(t, err, ErrOrganizationSuspended)
	require.Nil(t, contexts)
	require.Equal(t, int64(1), service.metrics.GetCounters()["events.discarded"])
	orgRepo.AssertExpectations(t)
	projectRepo.AssertExpectations(t)
}

func TestSubmitEventsRejectsForeignProject(t *testing.T) {
	service, orgRepo, projectRepo, _ := newServiceFixture(t)

	org := &models.Organization{ID: uuid.New()}
	project := &models.Project{ID: uuid.New(), OrganizationID: uuid.New()}

	orgRepo.On("GetByID", mock.Anything, org.ID).Return(org, nil)
	projectRepo.On("GetByID", mock.Anything, project.ID).Return(project, nil)

	events := []*models.Event{{Type: models.TypeLog, Date: time.Now()}}
	_, err := service.SubmitEvents(context.Background(), org.ID, project.ID, events)

	require.Error(t, err)
	require.Contains(t, err.Error(), "does not belong")
}

func TestSubmitEventsRejectsEmptyBatch(t *testing.T) {
	service, _, _, _ := newServiceFixture(t)

	_, err := service.SubmitEvents(context.Background(), uuid.New(), uuid.New(), nil)
	require.Error(t, err)
}

func TestCloseInactiveSessions(t *testing.T) {
	service, _, _, eventRepo := newServiceFixture(t)

	started := time.Now().Add(-2 * time.Hour)
	duration := float64(90)
	stale := &models.Event{
		ID:        uuid.New(),
		Type:      models.TypeSession,
		Date:      started,
		SessionID: "sess-1",
		Value:     &duration,
	}

	eventRepo.On("FindStaleSessionStarts", mock.Anything, mock.AnythingOfType("time.Time"), staleSessionBatchSize).
		Return([]*models.Event{stale}, nil)
	eventRepo.On("Save", mock.Anything, stale).Return(nil)

	require.NoError(t, service.CloseInactiveSessions(context.Background()))

	require.True(t, stale.HasSessionEndTime())
	expectedEnd := started.Add(90 * time.Second).UTC().Format(time.RFC3339)
	require.Equal(t, expectedEnd, stale.Data[models.KnownDataSessionEnd])
	require.Equal(t, int64(1), service.metrics.GetCounters()["sessions.auto_closed"])
	eventRepo.AssertExpectations(t)
}

func TestCloseInactiveSessionsNothingStale(t *testing.T) {
	service, _, _, eventRepo := newServiceFixture(t)

	eventRepo.On("FindStaleSessionStarts", mock.Anything, mock.AnythingOfType("time.Time"), staleSessionBatchSize).
		Return([]*models.Event{}, nil)

	require.NoError(t, service.CloseInactiveSessions(context.Background()))
	eventRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestProcessEventBatchMessageRejectsMalformedBody(t *testing.T) {
	service, _, _, _ := newServiceFixture(t)

	message := receivedMessage([]byte("{not json"))
	err := service.ProcessEventBatchMessage(context.Background(), message, nil)
	require.Error(t, err)

	missingTenant := receivedMessage([]byte(`{"events":[{"type":"log"}]}`))
	err = service.ProcessEventBatchMessage(context.Background(), missingTenant, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "tenant")
}
