// Copyright 2025 James Ross
// Package worker runs the long-lived goroutines that claim jobs from a
// dispatch backend and drive them through the declared stage pipeline,
// with per-stage checkpointing, watchdog timeouts, and cooperative
// cancellation.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/backoffutil"
	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/dispatch"
	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/obs"
	"github.com/flyingrobots/dubcast-job-server/internal/scheduler"
	"github.com/flyingrobots/dubcast-job-server/internal/stage"
	"github.com/flyingrobots/dubcast-job-server/internal/uploadstore"
)

// EventPublisher is the subset of EventHub the worker needs; kept local
// so this package never imports the event plane.
type EventPublisher interface {
	PublishJobEvent(jobID string, kind string, fields map[string]any)
}

type Pool struct {
	cfg     config.Worker
	backend dispatch.Backend
	store   *metastore.Store
	uploads *uploadstore.Store
	sched   *scheduler.Scheduler
	events  EventPublisher
	stages  map[stage.Name]stage.Stage
	log     *zap.Logger

	baseID   string
	draining atomic.Bool
}

func New(cfg config.Worker, backend dispatch.Backend, store *metastore.Store, uploads *uploadstore.Store, sched *scheduler.Scheduler, events EventPublisher, stages map[stage.Name]stage.Stage, log *zap.Logger) *Pool {
	host, _ := os.Hostname()
	return &Pool{
		cfg: cfg, backend: backend, store: store, uploads: uploads, sched: sched,
		events: events, stages: stages, log: log,
		baseID: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Run blocks until ctx is done or Drain has been called and every
// worker has finished its current job, having spawned cfg.Count worker
// goroutines and waited for each to return.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-w%d", p.baseID, i)
		go func() {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			p.loop(ctx, consumer)
		}()
	}
	wg.Wait()
}

// Drain stops every worker from claiming new jobs once its current one
// (if any) finishes, without canceling ctx and so without disturbing a
// job already in flight. LifecycleManager calls this as the first step
// of graceful shutdown; Run returns once all workers have drained.
func (p *Pool) Drain() {
	p.draining.Store(true)
}

func (p *Pool) loop(ctx context.Context, consumer string) {
	for ctx.Err() == nil && !p.draining.Load() {
		claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		claims, err := dispatch.ClaimWithLease(claimCtx, p.backend, p.store, p.log, consumer, 1, p.cfg.HeartbeatTTL)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		for _, c := range claims {
			p.runJob(ctx, consumer, c)
		}
	}
}

func (p *Pool) runJob(ctx context.Context, consumer string, claim dispatch.Claim) {
	p.sched.MarkClaimed(claim.JobID)
	obs.JobsClaimed.Inc()

	job, err := p.store.GetJob(ctx, claim.JobID)
	if err != nil {
		p.log.Warn("worker: failed to load claimed job, acking to drop it", obs.String("job_id", claim.JobID), obs.Err(err))
		_ = p.backend.Ack(ctx, claim.JobID, claim.ClaimToken)
		return
	}

	rerunFrom := readRerunMarker(job.Runtime)
	if job.State != metastore.JobQueued && rerunFrom == "" {
		_ = p.backend.Ack(ctx, claim.JobID, claim.ClaimToken)
		return
	}

	job, err = p.store.UpdateJob(ctx, claim.JobID, metastore.JobQueued, func(j *metastore.Job) error {
		j.State = metastore.JobRunning
		return nil
	})
	if err != nil {
		// Optimistic transition lost the race (someone else already moved
		// this job, or it was canceled out from under us); skip cleanly.
		_ = p.backend.Ack(ctx, claim.JobID, claim.ClaimToken)
		return
	}
	p.events.PublishJobEvent(job.ID, "state", map[string]any{"state": string(metastore.JobRunning)})

	runCtx, runCancel := context.WithCancel(ctx)
	p.sched.MarkRunning(job.ID, runCancel)
	defer runCancel()

	stopHeartbeat := p.renewLeaseLoop(ctx, job.ID, consumer)
	outcome := p.runPipeline(runCtx, job, rerunFrom)
	stopHeartbeat()

	switch outcome.class {
	case stage.Cancelled:
		p.finishJob(ctx, job.ID, metastore.JobCanceled, "", consumer, claim)
		obs.JobsCanceled.Inc()
	case stage.Fatal:
		p.finishJob(ctx, job.ID, metastore.JobFailed, outcome.err.Error(), consumer, claim)
		obs.JobsFailed.Inc()
	default:
		p.completeJob(ctx, job, consumer, claim)
		obs.JobsCompleted.Inc()
	}
	p.sched.MarkTerminal(job.ID)
}

func (p *Pool) renewLeaseLoop(ctx context.Context, jobID, consumer string) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		interval := p.cfg.HeartbeatTTL / 2
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.store.RenewLease(ctx, jobID, consumer, p.cfg.HeartbeatTTL); err != nil {
					p.log.Warn("worker: lease renewal failed", obs.String("job_id", jobID), obs.Err(err))
				}
			}
		}
	}()
	return func() { close(stopCh) }
}

type pipelineOutcome struct {
	class stage.Class
	err   error
}

// runPipeline iterates the declared stage order, skipping stages whose
// checkpoint is marked done (unless the rerun marker names this stage
// or a predecessor, in which case the checkpoint is ignored even if a
// stale write left it looking done). The recorded artifact hashes are
// not re-verified before a skip.
func (p *Pool) runPipeline(ctx context.Context, job *metastore.Job, rerunFrom stage.Name) pipelineOutcome {
	rerunSet := map[stage.Name]bool{}
	for _, n := range stage.RerunFrom(rerunFrom) {
		rerunSet[n] = true
	}

	artifacts := map[stage.Name]map[string]string{}
	srcPath, err := p.resolveSourcePath(ctx, job)
	if err != nil {
		return pipelineOutcome{class: stage.Fatal, err: err}
	}

	for _, name := range stage.Order {
		if ctx.Err() != nil {
			return pipelineOutcome{class: stage.Cancelled, err: ctx.Err()}
		}
		if job.CancelRequested {
			return pipelineOutcome{class: stage.Cancelled, err: fmt.Errorf("cancel requested")}
		}

		if cp, ok := job.Checkpoint[string(name)]; ok && cp.Done && !rerunSet[name] {
			if paths, ok := checkpointArtifacts(cp); ok {
				artifacts[name] = paths
			}
			continue
		}

		impl, ok := p.stages[name]
		if !ok {
			return pipelineOutcome{class: stage.Fatal, err: fmt.Errorf("no stage implementation registered for %s", name)}
		}

		out, err := p.runStageWithRetry(ctx, impl, stage.Input{
			JobID: job.ID, OwnerID: job.OwnerID, SourcePath: srcPath,
			Artifacts: artifacts, RuntimeJSON: job.Runtime,
		})
		if err != nil {
			return pipelineOutcome{class: stage.ClassOf(err), err: err}
		}

		artifacts[name] = out.ArtifactPaths
		job = p.persistCheckpoint(ctx, job, name, out)
		p.events.PublishJobEvent(job.ID, "progress", map[string]any{
			"stage": string(name), "progress": job.Progress, "message": out.Message,
		})
	}
	return pipelineOutcome{}
}

func (p *Pool) resolveSourcePath(ctx context.Context, job *metastore.Job) (string, error) {
	switch job.InputRef.Kind {
	case metastore.InputRefPath:
		return job.InputRef.Path, nil
	case metastore.InputRefUpload:
		return p.uploads.ResolvedPath(ctx, job.InputRef.UploadID)
	default:
		return "", errs.New("worker.resolveSourcePath", errs.Fatal, fmt.Errorf("job %s has no usable input_ref", job.ID))
	}
}

func (p *Pool) runStageWithRetry(ctx context.Context, impl stage.Stage, in stage.Input) (stage.Output, error) {
	name := impl.Name()
	timeout := p.cfg.StageTimeouts[string(name)]
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	acquired := p.sched.AcquirePhase(string(name))
	for attempt := 1; !acquired && attempt < maxAttempts(p.cfg.MaxRetries); attempt++ {
		select {
		case <-time.After(backoffutil.JitteredExponential(attempt, 200*time.Millisecond, 10*time.Second, 500*time.Millisecond)):
		case <-ctx.Done():
			return stage.Output{}, stage.NewCancelledError(ctx.Err())
		}
		acquired = p.sched.AcquirePhase(string(name))
	}
	if !acquired {
		return stage.Output{}, stage.NewFatalError(fmt.Errorf("phase %s at capacity after %d attempts", name, maxAttempts(p.cfg.MaxRetries)))
	}
	defer p.sched.ReleasePhase(string(name))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts(p.cfg.MaxRetries); attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := impl.Run(stageCtx, in)
		watchdogFired := stageCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err == nil {
			return out, nil
		}
		if watchdogFired {
			return stage.Output{}, stage.NewFatalError(fmt.Errorf("stage %s exceeded timeout %s", name, timeout))
		}
		if ctx.Err() != nil {
			return stage.Output{}, stage.NewCancelledError(ctx.Err())
		}
		if stage.ClassOf(err) != stage.Transient {
			return stage.Output{}, err
		}
		lastErr = err
		obs.StageRetries.WithLabelValues(string(name)).Inc()
		delay := backoffutil.JitteredExponential(attempt, 200*time.Millisecond, 10*time.Second, 500*time.Millisecond)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stage.Output{}, stage.NewCancelledError(ctx.Err())
		}
	}
	return stage.Output{}, stage.NewFatalError(fmt.Errorf("stage %s exhausted retries: %w", name, lastErr))
}

func maxAttempts(configured int) int {
	if configured <= 0 {
		return 1
	}
	return configured + 1
}

func checkpointArtifacts(cp metastore.StageCheckpoint) (map[string]string, bool) {
	if len(cp.ArtifactHashes) == 0 {
		return nil, false
	}
	return cp.ArtifactHashes, true
}

func (p *Pool) persistCheckpoint(ctx context.Context, job *metastore.Job, name stage.Name, out stage.Output) *metastore.Job {
	now := time.Now().UTC()
	progress := stageProgress(name)
	updated, err := p.store.UpdateJob(ctx, job.ID, "", func(j *metastore.Job) error {
		if j.Checkpoint == nil {
			j.Checkpoint = map[string]metastore.StageCheckpoint{}
		}
		j.Checkpoint[string(name)] = metastore.StageCheckpoint{Done: true, DoneAt: &now, ArtifactHashes: out.ArtifactPaths}
		j.LastStage = string(name)
		if progress > j.Progress {
			j.Progress = progress
		}
		j.Message = out.Message
		return nil
	})
	if err != nil {
		p.log.Warn("worker: checkpoint persist failed", obs.String("job_id", job.ID), obs.Err(err))
		return job
	}
	return updated
}

func stageProgress(name stage.Name) float64 {
	for i, n := range stage.Order {
		if n == name {
			return float64(i+1) / float64(len(stage.Order))
		}
	}
	return 0
}

func (p *Pool) finishJob(ctx context.Context, jobID string, state metastore.JobState, lastError, consumer string, claim dispatch.Claim) {
	_, err := p.store.UpdateJob(ctx, jobID, "", func(j *metastore.Job) error {
		j.State = state
		j.LastError = lastError
		return nil
	})
	if err != nil {
		p.log.Error("worker: failed to persist terminal state", obs.String("job_id", jobID), obs.Err(err))
	}
	_ = p.store.ReleaseLease(ctx, jobID, consumer)
	_ = p.backend.Ack(ctx, jobID, claim.ClaimToken)
	p.events.PublishJobEvent(jobID, "state", map[string]any{"state": string(state), "last_error": lastError})
}

func (p *Pool) completeJob(ctx context.Context, job *metastore.Job, consumer string, claim dispatch.Claim) {
	updated, err := p.store.UpdateJob(ctx, job.ID, "", func(j *metastore.Job) error {
		j.State = metastore.JobDone
		j.Progress = 1
		return nil
	})
	if err != nil {
		p.log.Error("worker: failed to persist DONE state", obs.String("job_id", job.ID), obs.Err(err))
		updated = job
	}
	if updated.LibraryKey != nil {
		if err := p.store.UpsertLibraryEntry(ctx, *updated.LibraryKey, updated.OwnerID, updated.ID); err != nil {
			p.log.Warn("worker: library index update failed", obs.String("job_id", job.ID), obs.Err(err))
		}
	}
	_ = p.store.ReleaseLease(ctx, job.ID, consumer)
	_ = p.backend.Ack(ctx, job.ID, claim.ClaimToken)
	p.events.PublishJobEvent(job.ID, "state", map[string]any{"state": string(metastore.JobDone)})
}
