package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/backstage/services/ingest/internal/models"
)

// Validation limits for the event date window.
const (
	// maxFutureOffset tolerates client clock skew.
	maxFutureOffset = 10 * time.Minute

	// defaultRetentionDays bounds how old an event may be when the
	// organization has no explicit retention configured.
	defaultRetentionDays = 90
)

var validEventTypes = map[string]bool{
	models.TypeError:            true,
	models.TypeLog:              true,
	models.TypeNotFound:         true,
	models.TypeFeatureUsage:     true,
	models.TypeSession:          true,
	models.TypeSessionEnd:       true,
	models.TypeSessionHeartbeat: true,
}

// ValidationStage rejects malformed events before any stage touches
// shared state. Rejected events are failed per-context, never retried.
type ValidationStage struct {
	now func() time.Time
}

// NewValidationStage creates a new validation stage
func NewValidationStage() *ValidationStage {
	return &ValidationStage{now: time.Now}
}

// Name returns the stage name
func (s *ValidationStage) Name() string { return "validation" }

// Run validates every context and stamps identity/ownership defaults.
func (s *ValidationStage) Run(_ context.Context, b *Batch) error {
	now := s.now()
	for _, ectx := range b.Contexts {
		if ectx.ShouldSkip() {
			continue
		}
		if msg := s.validate(ectx, now); msg != "" {
			ectx.SetError(msg)
		}
	}
	return nil
}

func (s *ValidationStage) validate(ectx *EventContext, now time.Time) string {
	event := ectx.Event

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.OrganizationID = ectx.Organization.ID
	event.ProjectID = ectx.Project.ID

	if event.Type == "" {
		event.Type = models.TypeLog
	}
	if !validEventTypes[event.Type] {
		return fmt.Sprintf("invalid event type: %s", event.Type)
	}

	if event.Date.IsZero() {
		event.Date = now
	}
	if event.Date.After(now.Add(maxFutureOffset)) {
		return "event date is too far in the future"
	}
	retention := ectx.Organization.RetentionDays
	if retention <= 0 {
		retention = defaultRetentionDays
	}
	if event.Date.Before(now.AddDate(0, 0, -retention)) {
		return "event date is outside the organization's retention period"
	}

	for _, tag := range event.Tags {
		if strings.TrimSpace(tag) == "" {
			return "tags must not be empty or whitespace"
		}
	}

	return ""
}
