package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/ingest/internal/models"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

const bulkBatchSize = 100

// StackRepository provides access to stack data.
type StackRepository interface {
	FindBySignatureHash(ctx context.Context, projectID uuid.UUID, hash string) (*models.Stack, error)
	Create(ctx context.Context, stack *models.Stack) error
	Save(ctx context.Context, stack *models.Stack) error
	BulkSave(ctx context.Context, stacks []*models.Stack) error
}

// EventRepository provides access to event data.
type EventRepository interface {
	Save(ctx context.Context, event *models.Event) error
	BulkSave(ctx context.Context, events []*models.Event) error
	FindOpenSessionStart(ctx context.Context, projectID uuid.UUID, sessionID string) (*models.Event, error)
	FindStaleSessionStarts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Event, error)
}

// OrganizationRepository provides access to organization data.
type OrganizationRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
}

// ProjectRepository provides access to project data.
type ProjectRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

// stackRepository implements StackRepository on GORM.
type stackRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewStackRepository creates a new stack repository
func NewStackRepository(db *gorm.DB, readOnlyDB *gorm.DB) StackRepository {
	return &stackRepository{db: db, readOnlyDB: readOnlyDB}
}

// FindBySignatureHash gets a stack by its dedup key within a project.
// Lookups go to the write database: the resolver needs read-after-write
// visibility for stacks created moments ago.
func (r *stackRepository) FindBySignatureHash(ctx context.Context, projectID uuid.UUID, hash string) (*models.Stack, error) {
	var stack models.Stack
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND signature_hash = ?", projectID, hash).
		First(&stack).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get stack by signature hash")
	}
	return &stack, nil
}

// Create inserts a new stack
func (r *stackRepository) Create(ctx context.Context, stack *models.Stack) error {
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(stack).Error
	if err != nil {
		return errors.Wrap(err, "failed to create stack")
	}
	return nil
}

// Save upserts a single stack
func (r *stackRepository) Save(ctx context.Context, stack *models.Stack) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Omit(clause.Associations).
		Create(stack).Error
	if err != nil {
		return errors.Wrap(err, "failed to save stack")
	}
	return nil
}

// BulkSave upserts a batch of stacks in a single write
func (r *stackRepository) BulkSave(ctx context.Context, stacks []*models.Stack) error {
	if len(stacks) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Omit(clause.Associations).
		CreateInBatches(stacks, bulkBatchSize).Error
	if err != nil {
		return errors.Wrap(err, "failed to bulk save stacks")
	}
	return nil
}

// eventRepository implements EventRepository on GORM.
type eventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) EventRepository {
	return &eventRepository{db: db, readOnlyDB: readOnlyDB}
}

// Save upserts a single event
func (r *eventRepository) Save(ctx context.Context, event *models.Event) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Omit(clause.Associations).
		Create(event).Error
	if err != nil {
		return errors.Wrap(err, "failed to save event")
	}
	return nil
}

// BulkSave upserts a batch of events in a single write
func (r *eventRepository) BulkSave(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Omit(clause.Associations).
		CreateInBatches(events, bulkBatchSize).Error
	if err != nil {
		return errors.Wrap(err, "failed to bulk save events")
	}
	return nil
}

// FindOpenSessionStart gets the most recent session start for a
// correlator that has not received an end signal yet. Reads go through
// the write database so starts persisted earlier in the same run are
// visible.
func (r *eventRepository) FindOpenSessionStart(ctx context.Context, projectID uuid.UUID, sessionID string) (*models.Event, error) {
	var event models.Event
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND type = ? AND session_id = ? AND (data -> ?) IS NULL",
			projectID, models.TypeSession, sessionID, models.KnownDataSessionEnd).
		Order("date DESC").
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get open session start")
	}
	return &event, nil
}

// FindStaleSessionStarts gets open session starts whose last known
// activity (start date plus recorded duration) is older than the cutoff.
func (r *eventRepository) FindStaleSessionStarts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Event, error) {
	var events []*models.Event
	err := r.readOnlyDB.WithContext(ctx).
		Where("type = ? AND (data -> ?) IS NULL AND date + (COALESCE(value, 0) * interval '1 second') < ?",
			models.TypeSession, models.KnownDataSessionEnd, cutoff).
		Order("date ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get stale session starts")
	}
	return events, nil
}

// organizationRepository implements OrganizationRepository on GORM.
type organizationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *gorm.DB, readOnlyDB *gorm.DB) OrganizationRepository {
	return &organizationRepository{db: db, readOnlyDB: readOnlyDB}
}

// GetByID gets an organization by ID
func (r *organizationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	err := r.readOnlyDB.WithContext(ctx).First(&org, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get organization by ID")
	}
	return &org, nil
}

// projectRepository implements ProjectRepository on GORM.
type projectRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *gorm.DB, readOnlyDB *gorm.DB) ProjectRepository {
	return &projectRepository{db: db, readOnlyDB: readOnlyDB}
}

// GetByID gets a project by ID
func (r *projectRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var project models.Project
	err := r.readOnlyDB.WithContext(ctx).First(&project, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get project by ID")
	}
	return &project, nil
}
