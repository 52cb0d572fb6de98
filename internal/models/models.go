package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Tag limits enforced when merging event tags into a stack.
const (
	MaxTagsPerStack = 50
	MaxTagLength    = 255
)

// TagCritical marks a stack as critical. Reserved tags survive tag-cap
// eviction.
const TagCritical = "Critical"

// ReservedTags is the set of tags that are always retained when a
// stack's tag list is trimmed to MaxTagsPerStack.
var ReservedTags = []string{TagCritical}

// Organization owns projects and is the unit of plan/usage accounting.
type Organization struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
	Name              string         `gorm:"not null" json:"name"`
	PlanID            string         `json:"plan_id"`
	MaxEventsPerMonth int64          `gorm:"not null;default:0" json:"max_events_per_month"`
	RetentionDays     int            `gorm:"not null;default:0" json:"retention_days"`
	IsSuspended       bool           `gorm:"not null;default:false" json:"is_suspended"`
	SuspensionDate    *time.Time     `json:"suspension_date"`
	SuspensionCode    *string        `json:"suspension_code"`
	Projects          []Project      `gorm:"foreignKey:OrganizationID" json:"-"`
}

// GetHourlyEventLimit derives the hourly quota from the monthly plan
// limit. Bursts of roughly five average hours are allowed before the
// hourly window is considered over limit.
func (o *Organization) GetHourlyEventLimit() int64 {
	if o.MaxEventsPerMonth <= 0 {
		return -1
	}
	limit := int64(float64(o.MaxEventsPerMonth) / 730.0 * 5.0)
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Project scopes events and stacks within an organization.
type Project struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	OrganizationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"organization_id"`
	Name           string         `gorm:"not null" json:"name"`
	Organization   Organization   `gorm:"foreignKey:OrganizationID" json:"-"`
}

// Stack is a persistent grouping of event occurrences that share a
// root-cause signature. A stack is unique within a project by its
// signature hash.
type Stack struct {
	ID                   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt            time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
	OrganizationID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"organization_id"`
	ProjectID            uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_stacks_project_signature" json:"project_id"`
	Type                 string         `gorm:"not null" json:"type"`
	SignatureHash        string         `gorm:"not null;uniqueIndex:idx_stacks_project_signature" json:"signature_hash"`
	SignatureInfo        map[string]string `gorm:"type:jsonb;serializer:json" json:"signature_info"`
	Title                string         `json:"title"`
	Tags                 []string       `gorm:"type:jsonb;serializer:json" json:"tags"`
	TotalOccurrences     int64          `gorm:"not null;default:0" json:"total_occurrences"`
	FirstOccurrence      time.Time      `json:"first_occurrence"`
	LastOccurrence       time.Time      `json:"last_occurrence"`
	DateFixed            *time.Time     `json:"date_fixed"`
	FixedInVersion       string         `json:"fixed_in_version"`
	IsRegressed          bool           `gorm:"not null;default:false" json:"is_regressed"`
	IsHidden             bool           `gorm:"not null;default:false" json:"is_hidden"`
	DisableNotifications bool           `gorm:"not null;default:false" json:"disable_notifications"`
}

// IsFixed reports whether the stack is currently in the fixed state.
func (s *Stack) IsFixed() bool {
	return s.DateFixed != nil && !s.IsRegressed
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Organization{},
		&Project{},
		&Stack{},
		&Event{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}
