package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"

	"example.com/backstage/services/ingest/internal/models"
	"example.com/backstage/services/ingest/internal/repositories"
)

// fakeStackRepo is an in-memory stack store keyed by project and
// signature hash.
type fakeStackRepo struct {
	mu        sync.Mutex
	stacks    map[string]*models.Stack
	created   []*models.Stack
	saved     []*models.Stack
	createErr error
	bulkErr   error
	saveErr   error
}

func newFakeStackRepo() *fakeStackRepo {
	return &fakeStackRepo{stacks: make(map[string]*models.Stack)}
}

func stackKey(projectID uuid.UUID, hash string) string {
	return projectID.String() + ":" + hash
}

func (r *fakeStackRepo) FindBySignatureHash(_ context.Context, projectID uuid.UUID, hash string) (*models.Stack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack, ok := r.stacks[stackKey(projectID, hash)]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return stack, nil
}

func (r *fakeStackRepo) Create(_ context.Context, stack *models.Stack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.stacks[stackKey(stack.ProjectID, stack.SignatureHash)] = stack
	r.created = append(r.created, stack)
	return nil
}

func (r *fakeStackRepo) Save(_ context.Context, stack *models.Stack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = append(r.saved, stack)
	return nil
}

func (r *fakeStackRepo) BulkSave(_ context.Context, stacks []*models.Stack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bulkErr != nil {
		return r.bulkErr
	}
	r.saved = append(r.saved, stacks...)
	return nil
}

// fakeEventRepo is an in-memory event store. Open session starts are
// seeded per correlator.
type fakeEventRepo struct {
	mu          sync.Mutex
	saved       []*models.Event
	bulkSaved   []*models.Event
	open        map[string]*models.Event
	stale       []*models.Event
	bulkErr     error
	saveErrFor  map[uuid.UUID]error
	openLookups int
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{
		open:       make(map[string]*models.Event),
		saveErrFor: make(map[uuid.UUID]error),
	}
}

func (r *fakeEventRepo) Save(_ context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.saveErrFor[event.ID]; ok {
		return err
	}
	r.saved = append(r.saved, event)
	return nil
}

func (r *fakeEventRepo) BulkSave(_ context.Context, events []*models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bulkErr != nil {
		return r.bulkErr
	}
	r.bulkSaved = append(r.bulkSaved, events...)
	return nil
}

func (r *fakeEventRepo) FindOpenSessionStart(_ context.Context, _ uuid.UUID, sessionID string) (*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openLookups++
	start, ok := r.open[sessionID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return start, nil
}

func (r *fakeEventRepo) FindStaleSessionStarts(_ context.Context, _ time.Time, _ int) ([]*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale, nil
}

// persistedSessionStarts returns the persisted events of session type.
func (r *fakeEventRepo) persistedSessionStarts() []*models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var starts []*models.Event
	for _, event := range append(append([]*models.Event{}, r.bulkSaved...), r.saved...) {
		if event.Type == models.TypeSession {
			starts = append(starts, event)
		}
	}
	return starts
}

// mockPublisher records overage notifications.
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) SendMessage(ctx context.Context, body interface{}) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}

var errSaveFailed = errors.New("save failed")

func testOrg() *models.Organization {
	return &models.Organization{
		ID:                uuid.New(),
		Name:              "Acme",
		MaxEventsPerMonth: 730000,
		RetentionDays:     90,
	}
}

func testProject(org *models.Organization) *models.Project {
	return &models.Project{
		ID:             uuid.New(),
		OrganizationID: org.ID,
		Name:           "acme-app",
	}
}

func errorEvent(date time.Time, errType, method string) *models.Event {
	return &models.Event{
		ID:   uuid.New(),
		Type: models.TypeError,
		Date: date,
		Data: map[string]interface{}{
			models.KnownDataError: map[string]interface{}{
				"type":   errType,
				"method": method,
			},
		},
	}
}

func sessionEvent(date time.Time, eventType, sessionID string) *models.Event {
	return &models.Event{
		ID:        uuid.New(),
		Type:      eventType,
		Date:      date,
		SessionID: sessionID,
	}
}
