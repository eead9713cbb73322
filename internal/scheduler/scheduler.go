// Copyright 2025 James Ross
// Package scheduler implements admission control, concurrency caps and
// backpressure for job submissions, and tracks each job's coarse
// lifecycle (Admitted -> Dispatched -> Claimed -> Running -> Terminal)
// independently of the dispatch backend that happens to be carrying it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/backoffutil"
	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// DepthSource reports pending queue depth by priority; dispatch.Backend
// implementations satisfy this, matching obs.DepthSource so the same
// backend can feed both the metrics sampler and backpressure decisions.
type DepthSource interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
}

// Dispatcher is the subset of dispatch.Backend the scheduler submits
// through; kept as a local interface so this package never imports
// the dispatch package's concrete types.
type Dispatcher interface {
	Submit(ctx context.Context, jobID string, priority metastore.Priority, availableAt time.Time) error
}

// QuotaStore is the subset of metastore.Store used for admission checks.
type QuotaStore interface {
	GetQuota(ctx context.Context, userID string) (*metastore.Quota, error)
}

// Phase is the scheduler's view of where a job sits in its lifecycle,
// independent of JobState (which is MetaStore's durable view).
type Phase string

const (
	PhaseAdmitted  Phase = "admitted"
	PhaseDispatched Phase = "dispatched"
	PhaseClaimed   Phase = "claimed"
	PhaseRunning   Phase = "running"
	PhaseTerminal  Phase = "terminal"
)

type trackedJob struct {
	phase  Phase
	cancel context.CancelFunc
}

// Scheduler admits job submissions, enforces concurrency caps, and
// tracks lifecycle phase transitions for cancellation routing.
type Scheduler struct {
	cfg    config.Scheduler
	quotas config.Quotas
	log    *zap.Logger

	quotaStore QuotaStore
	dispatcher Dispatcher
	diskPath   string

	global *Limiter
	phase  map[string]*Limiter
	mode   map[string]*Limiter

	mu   sync.Mutex
	jobs map[string]*trackedJob

	depthSource DepthSource
	draining    atomic.Bool
}

func New(cfg config.Scheduler, quotas config.Quotas, log *zap.Logger, quotaStore QuotaStore, dispatcher Dispatcher, diskPath string) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		quotas:     quotas,
		log:        log,
		quotaStore: quotaStore,
		dispatcher: dispatcher,
		diskPath:   diskPath,
		global:     NewLimiter(cfg.MaxConcurrentGlobal),
		phase:      map[string]*Limiter{},
		mode:       map[string]*Limiter{},
		jobs:       map[string]*trackedJob{},
	}
	for name, n := range cfg.PhaseConcurrency {
		s.phase[name] = NewLimiter(n)
	}
	for name, n := range cfg.ModeConcurrency {
		s.mode[name] = NewLimiter(n)
	}
	return s
}

// SetDepthSource wires the pending-queue depth sampler (normally the
// current dispatch backend itself) used to compute backpressure.
func (s *Scheduler) SetDepthSource(src DepthSource) {
	s.depthSource = src
}

// SetDraining stops admission of new submissions without disturbing
// jobs already admitted; LifecycleManager flips this at the start of
// graceful shutdown.
func (s *Scheduler) SetDraining(draining bool) {
	s.draining.Store(draining)
}

func (s *Scheduler) IsDraining() bool {
	return s.draining.Load()
}

// Submit runs admission checks for a newly persisted job, applies
// backpressure degrade/delay, and hands it to the dispatch backend.
// The job row itself must already exist in MetaStore (state QUEUED)
// before Submit is called — Submit only decides whether and how it
// enters the queue.
func (s *Scheduler) Submit(ctx context.Context, job *metastore.Job) error {
	if s.draining.Load() {
		return errs.New("Scheduler.Submit", errs.Draining, fmt.Errorf("server is draining, not accepting new submissions"))
	}
	if err := s.checkAdmission(ctx, job); err != nil {
		return err
	}

	priority, delay := s.applyBackpressure(ctx, job.Priority)
	availableAt := time.Now()
	if delay > 0 {
		availableAt = availableAt.Add(delay)
	}

	if err := s.dispatcher.Submit(ctx, job.ID, priority, availableAt); err != nil {
		return err
	}

	s.mu.Lock()
	s.jobs[job.ID] = &trackedJob{phase: PhaseAdmitted}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) checkAdmission(ctx context.Context, job *metastore.Job) error {
	quota, err := s.quotaStore.GetQuota(ctx, job.OwnerID)
	if err != nil {
		return err
	}
	if s.quotas.MaxConcurrentPerUser > 0 && quota.ConcurrentRunning >= s.quotas.MaxConcurrentPerUser {
		return errs.New("Scheduler.Submit", errs.QuotaExceeded, fmt.Errorf("user %s already has %d concurrent jobs", job.OwnerID, quota.ConcurrentRunning)).
			WithReason("max_concurrent_per_user", int64(s.quotas.MaxConcurrentPerUser), int64(quota.ConcurrentRunning))
	}
	if s.quotas.DailyJobCap > 0 && quota.JobsSubmittedToday >= s.quotas.DailyJobCap {
		return errs.New("Scheduler.Submit", errs.QuotaExceeded, fmt.Errorf("user %s hit daily job cap", job.OwnerID)).
			WithReason("daily_job_cap", int64(s.quotas.DailyJobCap), int64(quota.JobsSubmittedToday))
	}
	if s.quotas.DailyProcessingMinutes > 0 && quota.ProcessingMinutesToday >= float64(s.quotas.DailyProcessingMinutes) {
		return errs.New("Scheduler.Submit", errs.QuotaExceeded, fmt.Errorf("user %s hit daily processing-minutes cap", job.OwnerID)).
			WithReason("daily_processing_minutes", int64(s.quotas.DailyProcessingMinutes), int64(quota.ProcessingMinutesToday))
	}
	if err := s.checkDiskGuard(); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) checkDiskGuard() error {
	if s.cfg.LowDiskMarginMB <= 0 || s.diskPath == "" {
		return nil
	}
	usage, err := disk.Usage(s.diskPath)
	if err != nil {
		// A broken disk probe should not itself block admission; log and allow.
		s.log.Warn("disk usage probe failed, admission proceeding", obs.String("path", s.diskPath), obs.Err(err))
		return nil
	}
	freeMB := int64(usage.Free / (1024 * 1024))
	if freeMB < s.cfg.LowDiskMarginMB {
		return errs.New("Scheduler.Submit", errs.Transient, fmt.Errorf("disk free %dMB below margin %dMB", freeMB, s.cfg.LowDiskMarginMB))
	}
	return nil
}

// applyBackpressure degrades priority and/or adds a jittered delay
// based on how deep the pending queue is relative to backpressure_q_max.
// Thresholds split the configured ceiling into thirds: below a third is
// green (no change), below two-thirds is yellow (high degrades to
// medium), at or above two-thirds is red (anything degrades to low and
// is delayed).
func (s *Scheduler) applyBackpressure(ctx context.Context, priority metastore.Priority) (metastore.Priority, time.Duration) {
	if s.depthSource == nil || s.cfg.BackpressureQMax <= 0 {
		return priority, 0
	}
	depths, err := s.depthSource.QueueDepths(ctx)
	if err != nil {
		return priority, 0
	}
	var depth int64
	for _, d := range depths {
		depth += d
	}
	yellow := int64(s.cfg.BackpressureQMax) / 3
	red := int64(s.cfg.BackpressureQMax*2) / 3

	switch {
	case depth < yellow:
		return priority, 0
	case depth < red:
		if priority == metastore.PriorityHigh {
			obs.SchedulerDegrades.Inc()
			return metastore.PriorityMedium, 0
		}
		return priority, 0
	default:
		delay := backoffutil.JitteredExponential(1, s.cfg.BackoffBase, s.cfg.BackoffMax, s.cfg.BackoffJitter)
		if priority != metastore.PriorityLow {
			obs.SchedulerDegrades.Inc()
		}
		return metastore.PriorityLow, delay
	}
}

// AcquireGlobal/AcquirePhase/AcquireMode try to take a concurrency slot
// without blocking. The worker calls AcquirePhase before a stage run,
// retrying with backoff within its retry budget, and ReleasePhase once
// the stage finishes (success or error alike). Nothing in the server
// calls AcquireGlobal or AcquireMode, so the global and per-mode caps
// are not enforced. A phase or mode with no configured limiter is
// treated as unbounded for that dimension.
func (s *Scheduler) AcquireGlobal() bool { return s.global.TryAcquire() }
func (s *Scheduler) ReleaseGlobal()      { s.global.Release() }

func (s *Scheduler) AcquirePhase(phase string) bool {
	l, ok := s.phase[phase]
	if !ok {
		return true
	}
	return l.TryAcquire()
}

func (s *Scheduler) ReleasePhase(phase string) {
	if l, ok := s.phase[phase]; ok {
		l.Release()
	}
}

func (s *Scheduler) AcquireMode(mode string) bool {
	l, ok := s.mode[mode]
	if !ok {
		return true
	}
	return l.TryAcquire()
}

func (s *Scheduler) ReleaseMode(mode string) {
	if l, ok := s.mode[mode]; ok {
		l.Release()
	}
}

// MarkDispatched/MarkClaimed/MarkRunning/MarkTerminal record lifecycle
// phase transitions, so Cancel knows how to route a cancellation
// request. Nothing in the server calls MarkDispatched, so a submitted
// job stays Admitted until a worker marks it claimed.
func (s *Scheduler) MarkDispatched(jobID string) { s.setPhase(jobID, PhaseDispatched, nil) }

func (s *Scheduler) MarkClaimed(jobID string) { s.setPhase(jobID, PhaseClaimed, nil) }

func (s *Scheduler) MarkRunning(jobID string, cancel context.CancelFunc) {
	s.setPhase(jobID, PhaseRunning, cancel)
}

func (s *Scheduler) MarkTerminal(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

func (s *Scheduler) setPhase(jobID string, phase Phase, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tj, ok := s.jobs[jobID]
	if !ok {
		tj = &trackedJob{}
		s.jobs[jobID] = tj
	}
	tj.phase = phase
	if cancel != nil {
		tj.cancel = cancel
	}
}

// CancelResult tells the caller what kind of cancellation happened, so
// the HTTP handler can decide whether to also mark the MetaStore row
// CANCELED immediately (Admitted/Dispatched) or merely request it
// (Claimed/Running, where the worker finishes the transition).
type CancelResult string

const (
	CancelRemovedFromQueue CancelResult = "removed_from_queue"
	CancelSignaled         CancelResult = "signaled"
	CancelUnknown          CancelResult = "unknown"
)

// Cancel looks up a job's scheduler-tracked phase and either reports
// that it was never dispatched (caller should just mark it CANCELED in
// MetaStore) or invokes its in-memory cancellation signal.
func (s *Scheduler) Cancel(jobID string) CancelResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	tj, ok := s.jobs[jobID]
	if !ok {
		return CancelUnknown
	}
	switch tj.phase {
	case PhaseAdmitted, PhaseDispatched:
		delete(s.jobs, jobID)
		return CancelRemovedFromQueue
	case PhaseClaimed, PhaseRunning:
		if tj.cancel != nil {
			tj.cancel()
		}
		return CancelSignaled
	default:
		return CancelUnknown
	}
}
