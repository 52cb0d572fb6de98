package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/ingest/internal/models"
)

func newSessionFixture() (*fakeStackRepo, *fakeEventRepo, *StackingStage, *SessionStage) {
	stacks := newFakeStackRepo()
	events := newFakeEventRepo()
	resolver := NewStackResolver(stacks)
	return stacks, events, NewStackingStage(resolver), NewSessionStage(events, resolver)
}

func runSessionStages(t *testing.T, b *Batch, stacking *StackingStage, session *SessionStage) {
	t.Helper()
	require.NoError(t, stacking.Run(context.Background(), b))
	require.NoError(t, session.Run(context.Background(), b))
}

func TestDuplicateSessionEndCancelled(t *testing.T) {
	_, _, stacking, session := newSessionFixture()

	org := testOrg()
	project := testProject(org)
	now := time.Now()

	start := sessionEvent(now, models.TypeSession, "sess-1")
	end := sessionEvent(now.Add(30*time.Second), models.TypeSessionEnd, "sess-1")
	duplicateEnd := sessionEvent(now.Add(31*time.Second), models.TypeSessionEnd, "sess-1")

	b := NewBatch(org, project, []*models.Event{start, end, duplicateEnd})
	runSessionStages(t, b, stacking, session)

	require.False(t, b.Contexts[0].IsCancelled, "the start survives")
	require.True(t, b.Contexts[1].IsCancelled, "the end folds into the start")
	require.True(t, b.Contexts[2].IsCancelled, "the duplicate end is a no-op")

	require.True(t, start.HasSessionEndTime())
	require.Equal(t, float64(30), start.GetDuration())
}

func TestSessionEndsWithoutStartAreBothCancelled(t *testing.T) {
	_, events, stacking, session := newSessionFixture()

	org := testOrg()
	project := testProject(org)
	now := time.Now()

	first := sessionEvent(now, models.TypeSessionEnd, "sess-gone")
	second := sessionEvent(now.Add(time.Second), models.TypeSessionEnd, "sess-gone")
	b := NewBatch(org, project, []*models.Event{first, second})
	runSessionStages(t, b, stacking, session)

	require.True(t, b.Contexts[0].IsCancelled)
	require.True(t, b.Contexts[1].IsCancelled)
	require.Equal(t, 1, events.openLookups, "exactly one lookup for the correlator")
	require.Empty(t, events.saved)
	require.Empty(t, b.Live(), "nothing is eligible for persistence")
}

func TestSessionDurationIsOrderIndependent(t *testing.T) {
	org := testOrg()
	project := testProject(org)
	now := time.Now()

	start := func() *models.Event { return sessionEvent(now, models.TypeSession, "sess-1") }
	activityAt := func(offset time.Duration) *models.Event {
		event := sessionEvent(now.Add(offset), models.TypeLog, "sess-1")
		event.Message = "activity"
		return event
	}

	orderings := [][]*models.Event{
		{start(), activityAt(5 * time.Second), activityAt(10 * time.Second)},
		{activityAt(10 * time.Second), start(), activityAt(5 * time.Second)},
		{activityAt(5 * time.Second), activityAt(10 * time.Second), start()},
	}

	for i, events := range orderings {
		_, _, stacking, session := newSessionFixture()
		b := NewBatch(org, project, events)
		runSessionStages(t, b, stacking, session)

		var starts []*models.Event
		for _, ectx := range b.Contexts {
			if ectx.Event.Type == models.TypeSession && !ectx.ShouldSkip() {
				starts = append(starts, ectx.Event)
			}
		}
		require.Len(t, starts, 1, "ordering %d", i)
		require.Equal(t, float64(10), starts[0].GetDuration(), "ordering %d", i)
	}
}

func TestAutoSessionFromUserIdentity(t *testing.T) {
	_, _, stacking, session := newSessionFixture()

	org := testOrg()
	project := testProject(org)
	now := time.Now()

	event := &models.Event{
		ID:   uuid.New(),
		Type: models.TypeLog,
		Date: now,
		Data: map[string]interface{}{
			models.KnownDataUserInfo: map[string]interface{}{"identity": "ada"},
		},
	}

	b := NewBatch(org, project, []*models.Event{event})
	runSessionStages(t, b, stacking, session)

	require.Equal(t, "ident:ada", event.SessionID)

	// A start was synthesized and appended to the batch.
	require.Len(t, b.Contexts, 2)
	synthesized := b.Contexts[1].Event
	require.Equal(t, models.TypeSession, synthesized.Type)
	require.Equal(t, "ident:ada", synthesized.SessionID)
	require.Equal(t, event.Date, synthesized.Date)
	require.NotEqual(t, uuid.Nil, synthesized.StackID)
}

func TestEventsWithoutCorrelatorAreNotSessionTracked(t *testing.T) {
	_, events, stacking, session := newSessionFixture()

	org := testOrg()
	project := testProject(org)

	event := errorEvent(time.Now(), "TimeoutException", "Acme.Http.Client.Do")
	b := NewBatch(org, project, []*models.Event{event})
	runSessionStages(t, b, stacking, session)

	require.Len(t, b.Contexts, 1, "no session start synthesized")
	require.Empty(t, event.SessionID)
	require.Zero(t, events.openLookups)
}

func TestSessionEndClosesPersistedStart(t *testing.T) {
	_, events, stacking, session := newSessionFixture()

	org := testOrg()
	project := testProject(org)
	now := time.Now()

	persisted := sessionEvent(now.Add(-time.Minute), models.TypeSession, "sess-1")
	persisted.OrganizationID = org.ID
	persisted.ProjectID = project.ID
	events.open["sess-1"] = persisted

	end := sessionEvent(now, models.TypeSessionEnd, "sess-1")
	b := NewBatch(org, project, []*models.Event{end})
	runSessionStages(t, b, stacking, session)

	require.True(t, b.Contexts[0].IsCancelled)
	require.True(t, persisted.HasSessionEndTime())
	require.Equal(t, float64(60), persisted.GetDuration())
	require.Contains(t, events.saved, persisted, "the updated persisted start is written back")
}

func TestClosedSessionIsNotResurrected(t *testing.T) {
	_, events, stacking, session := newSessionFixture()

	org := testOrg()
	project := testProject(org)
	now := time.Now()

	start := sessionEvent(now, models.TypeSession, "sess-1")
	end := sessionEvent(now.Add(10*time.Second), models.TypeSessionEnd, "sess-1")
	lateActivity := sessionEvent(now.Add(20*time.Second), models.TypeLog, "sess-1")

	b := NewBatch(org, project, []*models.Event{start, end, lateActivity})
	runSessionStages(t, b, stacking, session)

	// Activity after the end opens a fresh session instead of reopening
	// the closed one.
	require.Equal(t, float64(10), start.GetDuration())
	require.True(t, start.HasSessionEndTime())
	require.Len(t, b.Contexts, 4)

	synthesized := b.Contexts[3].Event
	require.Equal(t, models.TypeSession, synthesized.Type)
	require.Equal(t, lateActivity.Date, synthesized.Date)
	require.False(t, synthesized.HasSessionEndTime())
	require.Zero(t, events.openLookups, "a session closed in this run suppresses the store lookup")
}

func TestHeartbeatOnlyStackHidden(t *testing.T) {
	_, _, stacking, session := newSessionFixture()

	org := testOrg()
	project := testProject(org)
	now := time.Now()

	heartbeats := []*models.Event{
		sessionEvent(now, models.TypeSessionHeartbeat, "sess-1"),
		sessionEvent(now.Add(time.Minute), models.TypeSessionHeartbeat, "sess-1"),
	}

	b := NewBatch(org, project, heartbeats)
	runSessionStages(t, b, stacking, session)

	for _, ectx := range b.Contexts {
		require.True(t, ectx.Stack.IsHidden)
		require.True(t, ectx.Event.IsHidden)
	}
}

func TestMixedActivityStackStaysVisible(t *testing.T) {
	_, _, stacking, session := newSessionFixture()

	org := testOrg()
	project := testProject(org)
	now := time.Now()

	heartbeat := sessionEvent(now, models.TypeSessionHeartbeat, "sess-1")
	start := sessionEvent(now.Add(-time.Second), models.TypeSession, "sess-1")

	b := NewBatch(org, project, []*models.Event{heartbeat, start})
	runSessionStages(t, b, stacking, session)

	// The heartbeat's own stack contains only heartbeats, but the
	// session stack stays visible.
	require.False(t, b.Contexts[1].Stack.IsHidden)
	require.False(t, start.IsHidden)
}
