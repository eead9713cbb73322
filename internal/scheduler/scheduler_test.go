// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

type fakeQuotaStore struct {
	quota *metastore.Quota
	err   error
}

func (f *fakeQuotaStore) GetQuota(ctx context.Context, userID string) (*metastore.Quota, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.quota, nil
}

type fakeDispatcher struct {
	submitted []submittedJob
}

type submittedJob struct {
	jobID       string
	priority    metastore.Priority
	availableAt time.Time
}

func (f *fakeDispatcher) Submit(ctx context.Context, jobID string, priority metastore.Priority, availableAt time.Time) error {
	f.submitted = append(f.submitted, submittedJob{jobID, priority, availableAt})
	return nil
}

type fakeDepthSource struct {
	depths map[string]int64
}

func (f *fakeDepthSource) QueueDepths(ctx context.Context) (map[string]int64, error) {
	return f.depths, nil
}

func newTestScheduler(quota *metastore.Quota, dispatcher *fakeDispatcher) *Scheduler {
	cfg := config.Scheduler{
		MaxConcurrentGlobal: 10,
		BackpressureQMax:    30,
		BackoffBase:         10 * time.Millisecond,
		BackoffMax:          100 * time.Millisecond,
		BackoffJitter:       5 * time.Millisecond,
	}
	quotas := config.Quotas{MaxConcurrentPerUser: 2, DailyJobCap: 5, DailyProcessingMinutes: 120}
	return New(cfg, quotas, zap.NewNop(), &fakeQuotaStore{quota: quota}, dispatcher, "")
}

func TestSubmitAdmitsWithinQuota(t *testing.T) {
	s := newTestScheduler(&metastore.Quota{ConcurrentRunning: 0, JobsSubmittedToday: 0}, &fakeDispatcher{})
	dispatcher := s.dispatcher.(*fakeDispatcher)
	job := &metastore.Job{ID: "job-1", OwnerID: "user-1", Priority: metastore.PriorityHigh}
	require.NoError(t, s.Submit(context.Background(), job))
	require.Len(t, dispatcher.submitted, 1)
	assert.Equal(t, metastore.PriorityHigh, dispatcher.submitted[0].priority)
}

func TestSubmitRejectsOverConcurrentQuota(t *testing.T) {
	s := newTestScheduler(&metastore.Quota{ConcurrentRunning: 2}, &fakeDispatcher{})
	job := &metastore.Job{ID: "job-1", OwnerID: "user-1", Priority: metastore.PriorityLow}
	err := s.Submit(context.Background(), job)
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.QuotaExceeded, e.Kind)
}

func TestSubmitRejectsOverDailyJobCap(t *testing.T) {
	s := newTestScheduler(&metastore.Quota{JobsSubmittedToday: 5}, &fakeDispatcher{})
	job := &metastore.Job{ID: "job-1", OwnerID: "user-1", Priority: metastore.PriorityLow}
	err := s.Submit(context.Background(), job)
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.QuotaExceeded, e.Kind)
}

func TestApplyBackpressureDegradesHighUnderYellowLoad(t *testing.T) {
	s := newTestScheduler(&metastore.Quota{}, &fakeDispatcher{})
	s.SetDepthSource(&fakeDepthSource{depths: map[string]int64{"high": 15}}) // yellow band (10 <= depth < 20)
	priority, delay := s.applyBackpressure(context.Background(), metastore.PriorityHigh)
	assert.Equal(t, metastore.PriorityMedium, priority)
	assert.Zero(t, delay)
}

func TestApplyBackpressureDelaysUnderRedLoad(t *testing.T) {
	s := newTestScheduler(&metastore.Quota{}, &fakeDispatcher{})
	s.SetDepthSource(&fakeDepthSource{depths: map[string]int64{"high": 25}}) // red band (>= 20)
	priority, delay := s.applyBackpressure(context.Background(), metastore.PriorityHigh)
	assert.Equal(t, metastore.PriorityLow, priority)
	assert.Greater(t, delay, time.Duration(0))
}

func TestApplyBackpressureLeavesGreenLoadUnchanged(t *testing.T) {
	s := newTestScheduler(&metastore.Quota{}, &fakeDispatcher{})
	s.SetDepthSource(&fakeDepthSource{depths: map[string]int64{"high": 2}})
	priority, delay := s.applyBackpressure(context.Background(), metastore.PriorityHigh)
	assert.Equal(t, metastore.PriorityHigh, priority)
	assert.Zero(t, delay)
}

func TestCancelAtAdmittedRemovesFromQueue(t *testing.T) {
	s := newTestScheduler(&metastore.Quota{}, &fakeDispatcher{})
	job := &metastore.Job{ID: "job-1", OwnerID: "user-1", Priority: metastore.PriorityLow}
	require.NoError(t, s.Submit(context.Background(), job))
	assert.Equal(t, CancelRemovedFromQueue, s.Cancel("job-1"))
	assert.Equal(t, CancelUnknown, s.Cancel("job-1"))
}

func TestCancelAtRunningSignalsContext(t *testing.T) {
	s := newTestScheduler(&metastore.Quota{}, &fakeDispatcher{})
	ctx, cancel := context.WithCancel(context.Background())
	s.MarkRunning("job-1", cancel)
	assert.Equal(t, CancelSignaled, s.Cancel("job-1"))
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be canceled")
	}
}

func TestLimiterTryAcquireRespectsCapacity(t *testing.T) {
	l := NewLimiter(1)
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	l.Release()
	assert.True(t, l.TryAcquire())
}

func TestLimiterUnlimitedWhenZeroCapacity(t *testing.T) {
	l := NewLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.TryAcquire())
	}
}
