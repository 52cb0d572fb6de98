package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/ingest/internal/metrics"
	"example.com/backstage/services/ingest/internal/models"
	"example.com/backstage/services/ingest/internal/repositories"
)

// Stage is one step of the event pipeline. Stages receive the whole
// batch so they can coordinate across contexts; per-context failures
// are recorded on the context, a returned error fails the remaining
// live contexts.
type Stage interface {
	Name() string
	Run(ctx context.Context, b *Batch) error
}

// Pipeline converts a batch of raw events plus their owning tenant into
// persisted, cross-referenced domain objects. The stage list is closed
// and composed at startup.
type Pipeline struct {
	stages  []Stage
	usage   *UsageStage
	events  repositories.EventRepository
	stacks  repositories.StackRepository
	metrics *metrics.Metrics
}

// New composes the pipeline in its fixed stage order: validation,
// stacking, session tracking, tag sync, data indexing, then persistence
// and usage accounting.
func New(
	stacks repositories.StackRepository,
	events repositories.EventRepository,
	limiter *UsageLimiter,
	collector *metrics.Metrics,
	workers int,
) *Pipeline {
	resolver := NewStackResolver(stacks)
	return &Pipeline{
		stages: []Stage{
			NewValidationStage(),
			NewStackingStage(resolver),
			NewSessionStage(events, resolver),
			NewTagSyncStage(),
			NewDataIndexStage(workers),
		},
		usage:   NewUsageStage(limiter),
		events:  events,
		stacks:  stacks,
		metrics: collector,
	}
}

// Run processes one single-tenant batch. Every input event yields a
// context in the result describing its outcome; contexts appended by
// the stages (synthesized session starts) follow the inputs.
func (p *Pipeline) Run(ctx context.Context, org *models.Organization, project *models.Project, events []*models.Event) ([]*EventContext, error) {
	if len(events) == 0 {
		return nil, errors.New("batch must not be empty")
	}

	b := NewBatch(org, project, events)
	p.metrics.IncrementCounterBy("events.submitted", int64(len(events)))

	for _, stage := range p.stages {
		if err := stage.Run(ctx, b); err != nil {
			// Stage-level faults take the remaining live contexts down;
			// already-failed and cancelled contexts keep their outcome.
			log.Error().Err(err).Str("stage", stage.Name()).Msg("Pipeline stage failed")
			for _, ectx := range b.Live() {
				ectx.SetError(errors.Wrapf(err, "%s stage failed", stage.Name()).Error())
			}
			break
		}
	}

	p.persist(ctx, b)

	if err := p.usage.Run(ctx, b); err != nil {
		log.Error().Err(err).Msg("Usage accounting failed")
	}

	p.recordOutcomes(b)
	return b.Contexts, nil
}

// persist writes surviving events and their modified stacks in bulk.
// A failed bulk write degrades to per-document saves so one bad
// document cannot lose the rest of the batch.
func (p *Pipeline) persist(ctx context.Context, b *Batch) {
	live := b.Live()
	if len(live) == 0 {
		return
	}

	stacks := p.collectStacks(live)

	events := make([]*models.Event, 0, len(live))
	for _, ectx := range live {
		events = append(events, ectx.Event)
	}

	if err := p.events.BulkSave(ctx, events); err != nil {
		log.Warn().Err(err).Int("count", len(events)).Msg("Bulk event save failed, retrying per document")
		for _, ectx := range live {
			if err := p.events.Save(ctx, ectx.Event); err != nil {
				ectx.SetError(errors.Wrap(err, "failed to save event").Error())
			}
		}
	}

	if err := p.stacks.BulkSave(ctx, stacks); err != nil {
		log.Warn().Err(err).Int("count", len(stacks)).Msg("Bulk stack save failed, retrying per document")
		failed := make(map[*models.Stack]bool)
		for _, stack := range stacks {
			if err := p.stacks.Save(ctx, stack); err != nil {
				failed[stack] = true
				log.Error().Err(err).Str("stack_id", stack.ID.String()).Msg("Failed to save stack")
			}
		}
		for _, ectx := range live {
			if !ectx.HasError() && failed[ectx.Stack] {
				ectx.SetError("failed to save stack")
			}
		}
	}

	for _, ectx := range live {
		if !ectx.HasError() {
			ectx.IsProcessed = true
		}
	}
}

// collectStacks gathers each distinct stack touched by the surviving
// contexts and applies its occurrence stats as one batched update per
// stack, not one write per event.
func (p *Pipeline) collectStacks(live []*EventContext) []*models.Stack {
	stacks := make([]*models.Stack, 0)
	counted := make(map[*models.Stack]bool)

	for _, ectx := range live {
		stack := ectx.Stack
		if stack == nil {
			continue
		}
		if !counted[stack] {
			counted[stack] = true
			stacks = append(stacks, stack)
		}
		stack.TotalOccurrences++
		if stack.FirstOccurrence.IsZero() || ectx.Event.Date.Before(stack.FirstOccurrence) {
			stack.FirstOccurrence = ectx.Event.Date
		}
		if ectx.Event.Date.After(stack.LastOccurrence) {
			stack.LastOccurrence = ectx.Event.Date
		}
	}
	return stacks
}

func (p *Pipeline) recordOutcomes(b *Batch) {
	var processed, cancelled, failed, created, regressed int64
	for _, ectx := range b.Contexts {
		switch {
		case ectx.HasError():
			failed++
		case ectx.IsCancelled:
			cancelled++
		case ectx.IsProcessed:
			processed++
		}
		if ectx.IsNew {
			created++
		}
		if ectx.IsRegression {
			regressed++
		}
	}
	p.metrics.IncrementCounterBy("events.processed", processed)
	p.metrics.IncrementCounterBy("events.cancelled", cancelled)
	p.metrics.IncrementCounterBy("events.failed", failed)
	p.metrics.IncrementCounterBy("stacks.created", created)
	p.metrics.IncrementCounterBy("stacks.regressed", regressed)
}
