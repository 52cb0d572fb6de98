package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/ingest/internal/models"
	"example.com/backstage/services/ingest/internal/repositories"
)

// autoSessionPrefix namespaces identity-derived correlators so they can
// never collide with client-supplied session ids.
const autoSessionPrefix = "ident:"

// SessionStage reconstructs sessions from disjoint start/heartbeat/end
// signals. Manual sessions correlate on the client-supplied session id,
// auto sessions on the reporting user's identity. Events with neither
// pass through untouched.
type SessionStage struct {
	events   repositories.EventRepository
	resolver *StackResolver
}

// NewSessionStage creates a new session stage
func NewSessionStage(events repositories.EventRepository, resolver *StackResolver) *SessionStage {
	return &SessionStage{events: events, resolver: resolver}
}

// Name returns the stage name
func (s *SessionStage) Name() string { return "session" }

// sessionGroup accumulates the batch contexts sharing one correlator.
type sessionGroup struct {
	correlator string
	contexts   []*EventContext
}

// Run folds every correlator group in event-date order, then hides
// stacks whose only batch activity was heartbeats.
func (s *SessionStage) Run(ctx context.Context, b *Batch) error {
	groups := s.groupByCorrelator(b)
	for _, group := range groups {
		s.processGroup(ctx, b, group)
	}
	hideHeartbeatOnlyStacks(b)
	return nil
}

// groupByCorrelator buckets live contexts by session correlator,
// stamping auto correlators onto the events so open-session lookups and
// the index projection can find them later.
func (s *SessionStage) groupByCorrelator(b *Batch) []*sessionGroup {
	var groups []*sessionGroup
	index := make(map[string]*sessionGroup)

	for _, ectx := range b.Contexts {
		if ectx.ShouldSkip() {
			continue
		}

		correlator := ectx.Event.SessionID
		if correlator == "" {
			identity := ectx.Event.GetUserIdentity()
			if identity == "" {
				// No correlator at all: the event is not session tracked.
				continue
			}
			correlator = autoSessionPrefix + identity
			ectx.Event.SessionID = correlator
		}

		group, ok := index[correlator]
		if !ok {
			group = &sessionGroup{correlator: correlator}
			index[correlator] = group
			groups = append(groups, group)
		}
		group.contexts = append(group.contexts, ectx)
	}
	return groups
}

// processGroup replays one correlator's events in date order against a
// single open-session slot. Starts persisted in prior runs are fetched
// once and written back directly when modified.
func (s *SessionStage) processGroup(ctx context.Context, b *Batch, group *sessionGroup) {
	var open *models.Event
	queried := false
	priorRun := make(map[uuid.UUID]*models.Event)

	currentOpen := func() *models.Event {
		if open != nil && !open.HasSessionEndTime() {
			return open
		}
		if open != nil || queried {
			// A session closed in this batch is never resurrected and a
			// missing persisted start stays missing for the whole run.
			return nil
		}
		queried = true
		start, err := s.events.FindOpenSessionStart(ctx, b.Project.ID, group.correlator)
		if err != nil {
			if !errors.Is(err, repositories.ErrNotFound) {
				log.Error().Err(err).Str("session_id", group.correlator).Msg("Open session lookup failed")
			}
			return nil
		}
		open = start
		priorRun[start.ID] = start
		return open
	}

	for _, ectx := range sortByEventDate(group.contexts) {
		event := ectx.Event
		switch event.Type {
		case models.TypeSessionHeartbeat:
			// Heartbeats never count toward duration.

		case models.TypeSessionEnd:
			start := currentOpen()
			if start == nil {
				// Duplicate end: idempotent no-op.
				ectx.Cancel()
				continue
			}
			foldSessionActivity(start, event.Date)
			start.SetSessionEndTime(event.Date)
			// The end signal is folded into its start and not persisted
			// as a standalone occurrence.
			ectx.Cancel()

		case models.TypeSession:
			start := currentOpen()
			if start != nil {
				// Duplicate start inside an open window: fold and drop.
				foldSessionActivity(start, event.Date)
				ectx.Cancel()
				continue
			}
			event.SetDuration(event.GetDuration())
			open = event

		default:
			start := currentOpen()
			if start == nil {
				start = s.openSession(ctx, b, ectx)
				if start == nil {
					continue
				}
				open = start
			}
			foldSessionActivity(start, event.Date)
		}
	}

	for _, start := range priorRun {
		if err := s.events.Save(ctx, start); err != nil {
			log.Error().Err(err).Str("event_id", start.ID.String()).Msg("Failed to update session start")
		}
	}
}

// openSession synthesizes a session start for ordinary activity with no
// open session and appends it to the batch so it is persisted alongside
// the triggering event.
func (s *SessionStage) openSession(ctx context.Context, b *Batch, trigger *EventContext) *models.Event {
	zero := float64(0)
	start := &models.Event{
		ID:             uuid.New(),
		OrganizationID: trigger.Event.OrganizationID,
		ProjectID:      trigger.Event.ProjectID,
		Type:           models.TypeSession,
		Date:           trigger.Event.Date,
		SessionID:      trigger.Event.SessionID,
		Value:          &zero,
	}

	startCtx := &EventContext{
		Event:        start,
		Organization: b.Organization,
		Project:      b.Project,
	}
	if err := s.resolver.Resolve(ctx, b, startCtx); err != nil {
		trigger.SetError(errors.Wrap(err, "failed to open session").Error())
		return nil
	}
	b.Append(startCtx)
	return start
}

// foldSessionActivity widens a session start's duration to cover an
// activity instant. Duration is whole seconds and never shrinks, which
// makes folding order-independent.
func foldSessionActivity(start *models.Event, activity time.Time) {
	seconds := activity.Sub(start.Date).Seconds()
	if seconds < 0 {
		return
	}
	start.SetDuration(float64(int64(seconds)))
}

// hideHeartbeatOnlyStacks suppresses stacks whose only activity in the
// batch was heartbeat events. Any other event type reaching a stack
// keeps it visible.
func hideHeartbeatOnlyStacks(b *Batch) {
	heartbeatOnly := make(map[uuid.UUID]bool)
	byStack := make(map[uuid.UUID][]*EventContext)

	for _, ectx := range b.Contexts {
		if ectx.Stack == nil || ectx.ShouldSkip() {
			continue
		}
		id := ectx.Stack.ID
		if _, ok := heartbeatOnly[id]; !ok {
			heartbeatOnly[id] = true
		}
		if ectx.Event.Type != models.TypeSessionHeartbeat {
			heartbeatOnly[id] = false
		}
		byStack[id] = append(byStack[id], ectx)
	}

	for id, only := range heartbeatOnly {
		if !only {
			continue
		}
		for _, ectx := range byStack[id] {
			ectx.Stack.IsHidden = true
			ectx.Event.IsHidden = true
		}
	}
}
