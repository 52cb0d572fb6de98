package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/ingest/internal/messaging"
	"example.com/backstage/services/ingest/internal/models"
)

// UsageStore is the accounting backend: atomic window-bucketed counters
// plus a set-once marker used to debounce overage notifications.
type UsageStore interface {
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)
	GetCount(ctx context.Context, key string) (int64, error)
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MessagePublisher publishes fire-and-forget notifications. The
// limiter's own debounce is the correctness mechanism, so at-least-once
// bus delivery is acceptable.
type MessagePublisher interface {
	SendMessage(ctx context.Context, body interface{}) error
}

// UsageLimiter accounts organization event usage against plan limits
// and emits at most one overage notification per accounting window.
type UsageLimiter struct {
	store     UsageStore
	publisher MessagePublisher
	now       func() time.Time
}

// NewUsageLimiter creates a new usage limiter
func NewUsageLimiter(store UsageStore, publisher MessagePublisher) *UsageLimiter {
	return &UsageLimiter{store: store, publisher: publisher, now: time.Now}
}

// IncrementUsage adds count events to the organization's hourly and
// monthly windows and reports whether either window is over its limit.
// Counts landing over a limit (or on a suspended organization) are
// additionally recorded as blocked.
func (l *UsageLimiter) IncrementUsage(ctx context.Context, org *models.Organization, count int64) (overHourly, overMonthly bool, err error) {
	if count <= 0 {
		return false, false, nil
	}
	now := l.now().UTC()

	hourly, err := l.incrementWindow(ctx, org, hourlyWindow(org, now), count)
	if err != nil {
		return false, false, err
	}
	monthly, err := l.incrementWindow(ctx, org, monthlyWindow(org, now), count)
	if err != nil {
		return hourly, false, err
	}
	return hourly, monthly, nil
}

// usageWindow describes one accounting window's keys, limit and expiry.
type usageWindow struct {
	name     string
	totalKey string
	blockKey string
	onceKey  string
	limit    int64
	ttl      time.Duration
	isHourly bool
}

func hourlyWindow(org *models.Organization, now time.Time) usageWindow {
	bucket := now.Format("2006010215")
	return usageWindow{
		name:     "hourly",
		totalKey: fmt.Sprintf("usage:%s:hourly:%s:total", org.ID, bucket),
		blockKey: fmt.Sprintf("usage:%s:hourly:%s:blocked", org.ID, bucket),
		onceKey:  fmt.Sprintf("usage:%s:hourly:%s:notified", org.ID, bucket),
		limit:    org.GetHourlyEventLimit(),
		ttl:      2 * time.Hour,
		isHourly: true,
	}
}

func monthlyWindow(org *models.Organization, now time.Time) usageWindow {
	bucket := now.Format("200601")
	return usageWindow{
		name:     "monthly",
		totalKey: fmt.Sprintf("usage:%s:monthly:%s:total", org.ID, bucket),
		blockKey: fmt.Sprintf("usage:%s:monthly:%s:blocked", org.ID, bucket),
		onceKey:  fmt.Sprintf("usage:%s:monthly:%s:notified", org.ID, bucket),
		limit:    monthlyLimit(org),
		ttl:      32 * 24 * time.Hour,
		isHourly: false,
	}
}

func monthlyLimit(org *models.Organization) int64 {
	if org.MaxEventsPerMonth <= 0 {
		return -1
	}
	return org.MaxEventsPerMonth
}

func (l *UsageLimiter) incrementWindow(ctx context.Context, org *models.Organization, w usageWindow, count int64) (bool, error) {
	total, err := l.store.Increment(ctx, w.totalKey, count, w.ttl)
	if err != nil {
		return false, errors.Wrapf(err, "failed to increment %s usage", w.name)
	}

	over := w.limit >= 0 && total > w.limit

	blocked := int64(0)
	switch {
	case org.IsSuspended:
		// Suspended organizations accrue fully blocked usage; whether
		// their events are rejected is the caller's concern.
		blocked = count
	case over:
		blocked = total - w.limit
		if blocked > count {
			blocked = count
		}
	}
	if blocked > 0 {
		if _, err := l.store.Increment(ctx, w.blockKey, blocked, w.ttl); err != nil {
			return over, errors.Wrapf(err, "failed to increment %s blocked count", w.name)
		}
	}

	if over {
		first, err := l.store.MarkOnce(ctx, w.onceKey, w.ttl)
		if err != nil {
			return over, errors.Wrapf(err, "failed to mark %s overage notification", w.name)
		}
		if first {
			l.publishOverage(ctx, org, w)
		}
	}

	return over, nil
}

func (l *UsageLimiter) publishOverage(ctx context.Context, org *models.Organization, w usageWindow) {
	if l.publisher == nil {
		return
	}
	overage := messaging.PlanOverage{OrganizationID: org.ID, IsHourly: w.isHourly}
	if err := l.publisher.SendMessage(ctx, overage); err != nil {
		// Fire and forget: a lost notification is recovered by the next
		// window, never by retry loops inside the pipeline.
		log.Error().Err(err).
			Str("organization_id", org.ID.String()).
			Str("window", w.name).
			Msg("Failed to publish plan overage")
		return
	}
	log.Info().
		Str("organization_id", org.ID.String()).
		Str("window", w.name).
		Msg("Plan overage published")
}

// UsageStage accounts the batch after persistence: only contexts that
// made it through processing count toward usage.
type UsageStage struct {
	limiter *UsageLimiter
}

// NewUsageStage creates a new usage stage
func NewUsageStage(limiter *UsageLimiter) *UsageStage {
	return &UsageStage{limiter: limiter}
}

// Name returns the stage name
func (s *UsageStage) Name() string { return "usage" }

// Run increments the organization's usage by the number of processed
// contexts in the batch.
func (s *UsageStage) Run(ctx context.Context, b *Batch) error {
	count := int64(0)
	for _, ectx := range b.Contexts {
		if ectx.IsProcessed {
			count++
		}
	}
	if count == 0 {
		return nil
	}

	overHourly, overMonthly, err := s.limiter.IncrementUsage(ctx, b.Organization, count)
	if err != nil {
		return err
	}
	if overHourly || overMonthly {
		log.Warn().
			Str("organization_id", b.Organization.ID.String()).
			Bool("hourly", overHourly).
			Bool("monthly", overMonthly).
			Int64("count", count).
			Msg("Organization over plan event limit")
	}
	return nil
}
