package pipeline

import (
	"sort"

	"example.com/backstage/services/ingest/internal/models"
)

// EventContext is the pipeline's unit of work: one event plus its
// tenant and the state the stages accumulate. It is never persisted.
type EventContext struct {
	Event        *models.Event
	Organization *models.Organization
	Project      *models.Project
	Stack        *models.Stack

	SignatureHash string
	IsNew         bool
	IsRegression  bool
	IsProcessed   bool
	IsCancelled   bool
	ErrorMessage  string
}

// Cancel excludes the context from persistence as an expected business
// outcome, not a failure.
func (c *EventContext) Cancel() {
	c.IsCancelled = true
}

// SetError aborts the remaining stages for this context and surfaces
// the message to the caller.
func (c *EventContext) SetError(message string) {
	c.ErrorMessage = message
}

// HasError reports whether a stage failed this context.
func (c *EventContext) HasError() bool {
	return c.ErrorMessage != ""
}

// ShouldSkip reports whether remaining stages must short-circuit.
func (c *EventContext) ShouldSkip() bool {
	return c.IsCancelled || c.HasError()
}

// Batch holds the contexts of one pipeline run plus the batch-scoped
// coordination state the stages share. Batches are single-tenant.
type Batch struct {
	Organization *models.Organization
	Project      *models.Project
	Contexts     []*EventContext

	// stacks collapses concurrent creates: one resolved stack per
	// signature for the lifetime of the batch.
	stacks map[string]*models.Stack
}

// NewBatch wraps raw events into contexts for one pipeline run.
func NewBatch(org *models.Organization, project *models.Project, events []*models.Event) *Batch {
	b := &Batch{
		Organization: org,
		Project:      project,
		Contexts:     make([]*EventContext, 0, len(events)),
		stacks:       make(map[string]*models.Stack),
	}
	for _, event := range events {
		b.Contexts = append(b.Contexts, &EventContext{
			Event:        event,
			Organization: org,
			Project:      project,
		})
	}
	return b
}

// Append adds a context created mid-run (e.g. a synthesized session
// start) to the batch.
func (b *Batch) Append(ectx *EventContext) {
	b.Contexts = append(b.Contexts, ectx)
}

// ResolvedStack returns the stack already resolved for a signature in
// this batch, if any.
func (b *Batch) ResolvedStack(hash string) (*models.Stack, bool) {
	st, ok := b.stacks[hash]
	return st, ok
}

// CacheStack records the stack resolved for a signature so later
// contexts in the batch reuse it instead of hitting the store.
func (b *Batch) CacheStack(hash string, stack *models.Stack) {
	b.stacks[hash] = stack
}

// Live returns the contexts that are still eligible for processing.
func (b *Batch) Live() []*EventContext {
	live := make([]*EventContext, 0, len(b.Contexts))
	for _, ectx := range b.Contexts {
		if !ectx.ShouldSkip() {
			live = append(live, ectx)
		}
	}
	return live
}

// sortByEventDate orders contexts by the client-reported event date,
// not arrival order. Ties keep arrival order (stable sort).
func sortByEventDate(contexts []*EventContext) []*EventContext {
	sorted := make([]*EventContext, len(contexts))
	copy(sorted, contexts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Event.Date.Before(sorted[j].Event.Date)
	})
	return sorted
}
