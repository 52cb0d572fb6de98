package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event types accepted by the pipeline
const (
	TypeError            = "error"
	TypeLog              = "log"
	TypeNotFound         = "404"
	TypeFeatureUsage     = "usage"
	TypeSession          = "session"
	TypeSessionEnd       = "sessionend"
	TypeSessionHeartbeat = "heartbeat"
)

// Reserved data keys. Keys prefixed with "@" are internal and are never
// written to the index projection.
const (
	ReservedKeyPrefix = "@"

	KnownDataError      = "@error"
	KnownDataUserInfo   = "@user"
	KnownDataVersion    = "@version"
	KnownDataSessionEnd = "@session_end"
)

// Event is a single telemetry occurrence submitted by a client.
type Event struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	OrganizationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"organization_id"`
	ProjectID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	StackID        uuid.UUID      `gorm:"type:uuid;index" json:"stack_id"`
	Type           string         `gorm:"not null" json:"type"`
	Source         string         `json:"source"`
	Message        string         `json:"message"`
	Date           time.Time      `gorm:"not null;index" json:"date"`
	Tags           []string       `gorm:"type:jsonb;serializer:json" json:"tags"`
	ReferenceID    string         `gorm:"column:reference_id" json:"reference_id"`
	SessionID      string         `gorm:"index" json:"session_id"`
	Value          *float64       `json:"value"`
	Data           map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"data"`
	Idx            map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"idx"`
	IsFixed        bool           `gorm:"not null;default:false" json:"is_fixed"`
	IsHidden       bool           `gorm:"not null;default:false" json:"is_hidden"`
}

// IsSessionEvent reports whether the event carries session lifecycle
// semantics rather than ordinary telemetry.
func (e *Event) IsSessionEvent() bool {
	return e.Type == TypeSession || e.Type == TypeSessionEnd || e.Type == TypeSessionHeartbeat
}

// GetVersion returns the application version the event was reported
// from, or an empty string when the client did not send one.
func (e *Event) GetVersion() string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data[KnownDataVersion].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// GetUserIdentity returns the reporting user's identity from the event
// data. Clients send it either as a plain string or as a user info
// object with an "identity" field.
func (e *Event) GetUserIdentity() string {
	if e.Data == nil {
		return ""
	}
	switch v := e.Data[KnownDataUserInfo].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]interface{}:
		if ident, ok := v["identity"].(string); ok {
			return strings.TrimSpace(ident)
		}
	}
	return ""
}

// GetDuration returns the session duration carried in Value, in whole
// seconds. Only meaningful on session start events.
func (e *Event) GetDuration() float64 {
	if e.Value == nil {
		return 0
	}
	return *e.Value
}

// SetDuration stores a session duration on the event, never shrinking a
// previously recorded value.
func (e *Event) SetDuration(seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	if e.Value != nil && *e.Value >= seconds {
		return
	}
	v := seconds
	e.Value = &v
}

// HasSessionEndTime reports whether a session start event has been
// closed by a session end signal.
func (e *Event) HasSessionEndTime() bool {
	if e.Data == nil {
		return false
	}
	_, ok := e.Data[KnownDataSessionEnd]
	return ok
}

// SetSessionEndTime closes a session start event.
func (e *Event) SetSessionEndTime(end time.Time) {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[KnownDataSessionEnd] = end.UTC().Format(time.RFC3339)
}
