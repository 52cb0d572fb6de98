package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/ingest/internal/models"
	"example.com/backstage/services/ingest/internal/repositories"
	"example.com/backstage/services/ingest/internal/version"
)

// StackResolver assigns events to stacks by signature, creating at most
// one new stack per distinct signature within a batch.
type StackResolver struct {
	stacks repositories.StackRepository
}

// NewStackResolver creates a new stack resolver
func NewStackResolver(stacks repositories.StackRepository) *StackResolver {
	return &StackResolver{stacks: stacks}
}

// Resolve attaches a stack to the context, reusing the batch-scoped
// cache so every context sharing a signature lands on the same stack.
// Only the context that triggered the create is marked new.
func (r *StackResolver) Resolve(ctx context.Context, b *Batch, ectx *EventContext) error {
	hash, info := ComputeSignature(ectx.Event)
	ectx.SignatureHash = hash

	if stack, ok := b.ResolvedStack(hash); ok {
		attachStack(ectx, stack)
		return nil
	}

	stack, err := r.stacks.FindBySignatureHash(ctx, ectx.Project.ID, hash)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return errors.Wrap(err, "failed to resolve stack")
	}

	if stack == nil {
		stack = newStack(ectx.Event, hash, info)
		if err := r.stacks.Create(ctx, stack); err != nil {
			return errors.Wrap(err, "failed to create stack")
		}
		b.CacheStack(hash, stack)
		attachStack(ectx, stack)
		ectx.IsNew = true
		log.Debug().
			Str("stack_id", stack.ID.String()).
			Str("signature_hash", hash).
			Msg("Created new stack")
		return nil
	}

	b.CacheStack(hash, stack)
	attachStack(ectx, stack)
	return nil
}

func attachStack(ectx *EventContext, stack *models.Stack) {
	ectx.Stack = stack
	ectx.Event.StackID = stack.ID
	if stack.IsHidden {
		ectx.Event.IsHidden = true
	}
}

func newStack(event *models.Event, hash string, info map[string]string) *models.Stack {
	title := event.Message
	if title == "" {
		title = event.Source
	}
	return &models.Stack{
		ID:              uuid.New(),
		OrganizationID:  event.OrganizationID,
		ProjectID:       event.ProjectID,
		Type:            event.Type,
		SignatureHash:   hash,
		SignatureInfo:   info,
		Title:           title,
		FirstOccurrence: event.Date,
		LastOccurrence:  event.Date,
	}
}

// StackingStage resolves a stack for every live context and evaluates
// fix/regression transitions once per stack per batch.
type StackingStage struct {
	resolver *StackResolver
}

// NewStackingStage creates a new stacking stage
func NewStackingStage(resolver *StackResolver) *StackingStage {
	return &StackingStage{resolver: resolver}
}

// Name returns the stage name
func (s *StackingStage) Name() string { return "stacking" }

// Run assigns stacks in arrival order, then applies the fixed-state
// machine per stack ordered by event date.
func (s *StackingStage) Run(ctx context.Context, b *Batch) error {
	byStack := make(map[uuid.UUID][]*EventContext)
	order := make([]uuid.UUID, 0)

	for _, ectx := range b.Contexts {
		if ectx.ShouldSkip() {
			continue
		}
		if err := s.resolver.Resolve(ctx, b, ectx); err != nil {
			ectx.SetError(err.Error())
			log.Error().Err(err).Str("event_id", ectx.Event.ID.String()).Msg("Stacking failed")
			continue
		}
		if _, ok := byStack[ectx.Stack.ID]; !ok {
			order = append(order, ectx.Stack.ID)
		}
		byStack[ectx.Stack.ID] = append(byStack[ectx.Stack.ID], ectx)
	}

	for _, stackID := range order {
		group := byStack[stackID]
		evaluateFixedState(group[0].Stack, sortByEventDate(group))
	}
	return nil
}

// evaluateFixedState walks a stack's batch contexts in event-date order
// and applies the fix/regression state machine. At most one context per
// run is flagged as the regression trigger: the earliest-dated
// qualifying event performs the transition, later qualifying events
// observe the already-regressed stack.
func evaluateFixedState(stack *models.Stack, contexts []*EventContext) {
	for _, ectx := range contexts {
		if stack.DateFixed == nil {
			ectx.Event.IsFixed = false
			continue
		}

		ver := ectx.Event.GetVersion()
		if ver == "" || stack.FixedInVersion == "" {
			// Not comparable: conservatively treat as still fixed.
			ectx.Event.IsFixed = true
			continue
		}

		cmp, err := version.CompareStrings(ver, stack.FixedInVersion)
		if err != nil || cmp <= 0 {
			ectx.Event.IsFixed = true
			continue
		}

		markStackRegressed(stack)
		ectx.IsRegression = true
		ectx.Event.IsFixed = false
		log.Info().
			Str("stack_id", stack.ID.String()).
			Str("event_version", ver).
			Str("fixed_in_version", stack.FixedInVersion).
			Msg("Stack regressed")
	}
}

// markStackRegressed transitions a fixed stack to the regressed state.
// DateFixed and IsRegressed are mutually exclusive; FixedInVersion is
// kept for display.
func markStackRegressed(stack *models.Stack) {
	stack.DateFixed = nil
	stack.IsRegressed = true
}

// markStackFixed transitions a stack to the fixed state, clearing any
// regression flag.
func markStackFixed(stack *models.Stack, fixedAt time.Time, fixedInVersion string) {
	stack.DateFixed = &fixedAt
	stack.FixedInVersion = fixedInVersion
	stack.IsRegressed = false
}
