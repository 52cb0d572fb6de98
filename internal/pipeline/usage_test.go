package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/ingest/internal/cache"
	"example.com/backstage/services/ingest/internal/messaging"
	"example.com/backstage/services/ingest/internal/models"
)

func TestHourlyEventLimitDerivation(t *testing.T) {
	org := &models.Organization{MaxEventsPerMonth: 730000}
	require.Equal(t, int64(5000), org.GetHourlyEventLimit())

	unlimited := &models.Organization{MaxEventsPerMonth: -1}
	require.Equal(t, int64(-1), unlimited.GetHourlyEventLimit())

	tiny := &models.Organization{MaxEventsPerMonth: 10}
	require.Equal(t, int64(1), tiny.GetHourlyEventLimit())
}

func newTestLimiter(store UsageStore, publisher MessagePublisher) *UsageLimiter {
	limiter := NewUsageLimiter(store, publisher)
	limiter.now = func() time.Time {
		return time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC)
	}
	return limiter
}

func TestUsageUnderLimit(t *testing.T) {
	publisher := new(mockPublisher)
	limiter := newTestLimiter(cache.NewMemoryUsageStore(), publisher)

	org := testOrg()
	overHourly, overMonthly, err := limiter.IncrementUsage(context.Background(), org, 100)
	require.NoError(t, err)
	require.False(t, overHourly)
	require.False(t, overMonthly)

	publisher.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestUsageOverHourlyLimitNotifiesExactlyOnce(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("SendMessage", mock.Anything, mock.Anything).Return(nil)
	limiter := newTestLimiter(cache.NewMemoryUsageStore(), publisher)

	org := testOrg() // hourly limit 5000

	// Landing exactly on the limit is not an overage.
	overHourly, _, err := limiter.IncrementUsage(context.Background(), org, 5000)
	require.NoError(t, err)
	require.False(t, overHourly)
	publisher.AssertNumberOfCalls(t, "SendMessage", 0)

	overHourly, _, err = limiter.IncrementUsage(context.Background(), org, 1)
	require.NoError(t, err)
	require.True(t, overHourly)

	// Still over in the same window: no second notification.
	overHourly, _, err = limiter.IncrementUsage(context.Background(), org, 10)
	require.NoError(t, err)
	require.True(t, overHourly)

	publisher.AssertNumberOfCalls(t, "SendMessage", 1)

	call := publisher.Calls[0]
	overage, ok := call.Arguments.Get(1).(messaging.PlanOverage)
	require.True(t, ok)
	require.Equal(t, org.ID, overage.OrganizationID)
	require.True(t, overage.IsHourly)
}

func TestUsageOverMonthlyLimitNotifies(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("SendMessage", mock.Anything, mock.Anything).Return(nil)
	limiter := newTestLimiter(cache.NewMemoryUsageStore(), publisher)

	org := testOrg()
	org.MaxEventsPerMonth = 1000

	// Spread the increments so the hourly window (limit ~6) and monthly
	// window both overflow; each fires its own notification.
	_, overMonthly, err := limiter.IncrementUsage(context.Background(), org, 1200)
	require.NoError(t, err)
	require.True(t, overMonthly)

	publisher.AssertNumberOfCalls(t, "SendMessage", 2)
	monthly, ok := publisher.Calls[1].Arguments.Get(1).(messaging.PlanOverage)
	require.True(t, ok)
	require.False(t, monthly.IsHourly)
}

func TestUsageUnlimitedPlanNeverOver(t *testing.T) {
	publisher := new(mockPublisher)
	limiter := newTestLimiter(cache.NewMemoryUsageStore(), publisher)

	org := testOrg()
	org.MaxEventsPerMonth = -1

	overHourly, overMonthly, err := limiter.IncrementUsage(context.Background(), org, 10_000_000)
	require.NoError(t, err)
	require.False(t, overHourly)
	require.False(t, overMonthly)

	publisher.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestSuspendedOrganizationAccruesBlockedUsage(t *testing.T) {
	store := cache.NewMemoryUsageStore()
	limiter := newTestLimiter(store, nil)

	org := testOrg()
	org.IsSuspended = true

	_, _, err := limiter.IncrementUsage(context.Background(), org, 250)
	require.NoError(t, err)

	bucket := limiter.now().UTC().Format("2006010215")
	blockedKey := fmt.Sprintf("usage:%s:hourly:%s:blocked", org.ID, bucket)
	blocked, err := store.GetCount(context.Background(), blockedKey)
	require.NoError(t, err)
	require.Equal(t, int64(250), blocked)

	totalKey := fmt.Sprintf("usage:%s:hourly:%s:total", org.ID, bucket)
	total, err := store.GetCount(context.Background(), totalKey)
	require.NoError(t, err)
	require.Equal(t, int64(250), total, "suspended usage still counts toward the total")
}

func TestOverageBlockedCountIsPartial(t *testing.T) {
	store := cache.NewMemoryUsageStore()
	publisher := new(mockPublisher)
	publisher.On("SendMessage", mock.Anything, mock.Anything).Return(nil)
	limiter := newTestLimiter(store, publisher)

	org := testOrg() // hourly limit 5000

	// 4990 under the limit, then 20 more: only the 10 over the limit
	// count as blocked.
	_, _, err := limiter.IncrementUsage(context.Background(), org, 4990)
	require.NoError(t, err)
	_, _, err = limiter.IncrementUsage(context.Background(), org, 20)
	require.NoError(t, err)

	bucket := limiter.now().UTC().Format("2006010215")
	blockedKey := fmt.Sprintf("usage:%s:hourly:%s:blocked", org.ID, bucket)
	blocked, err := store.GetCount(context.Background(), blockedKey)
	require.NoError(t, err)
	require.Equal(t, int64(10), blocked)
}

func TestUsageStageCountsProcessedContextsOnly(t *testing.T) {
	store := cache.NewMemoryUsageStore()
	limiter := newTestLimiter(store, nil)
	stage := NewUsageStage(limiter)

	org := testOrg()
	project := testProject(org)
	now := time.Now()

	events := []*models.Event{
		errorEvent(now, "TimeoutException", "Acme.Http.Client.Do"),
		errorEvent(now, "TimeoutException", "Acme.Http.Client.Do"),
		errorEvent(now, "TimeoutException", "Acme.Http.Client.Do"),
	}
	b := NewBatch(org, project, events)
	b.Contexts[0].IsProcessed = true
	b.Contexts[1].Cancel()
	b.Contexts[2].SetError("validation failed")

	require.NoError(t, stage.Run(context.Background(), b))

	bucket := limiter.now().UTC().Format("2006010215")
	totalKey := fmt.Sprintf("usage:%s:hourly:%s:total", org.ID, bucket)
	total, err := store.GetCount(context.Background(), totalKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
}
