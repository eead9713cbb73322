// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/dispatch"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/scheduler"
	"github.com/flyingrobots/dubcast-job-server/internal/stage"
	"github.com/flyingrobots/dubcast-job-server/internal/uploadstore"
)

type recordingEvents struct {
	events []string
}

func (r *recordingEvents) PublishJobEvent(jobID string, kind string, fields map[string]any) {
	r.events = append(r.events, kind)
}

type alwaysOKQuotaStore struct{}

func (alwaysOKQuotaStore) GetQuota(ctx context.Context, userID string) (*metastore.Quota, error) {
	return &metastore.Quota{}, nil
}

func newTestPool(t *testing.T) (*Pool, *metastore.Store, *uploadstore.Store, *dispatch.LocalDispatch, *recordingEvents) {
	t.Helper()
	dir := t.TempDir()
	store, err := metastore.Open(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	uploads := uploadstore.New(store, zap.NewNop(), filepath.Join(dir, "uploads"))
	backend := dispatch.NewLocalDispatch(0)
	sched := scheduler.New(config.Scheduler{MaxConcurrentGlobal: 10}, config.Quotas{}, zap.NewNop(), alwaysOKQuotaStore{}, backend, "")
	events := &recordingEvents{}

	workDir := filepath.Join(dir, "work")
	cfg := config.Worker{Count: 1, MaxRetries: 1, DefaultTimeout: 5 * time.Second, HeartbeatTTL: time.Minute}
	pool := New(cfg, backend, store, uploads, sched, events, DefaultPipeline(workDir), zap.NewNop())
	return pool, store, uploads, backend, events
}

func writeSourceFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "source.mp4")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	pool, store, _, backend, events := newTestPool(t)
	ctx := context.Background()

	srcDir := t.TempDir()
	srcPath := writeSourceFile(t, srcDir, "source bytes")

	job := &metastore.Job{
		ID: "job-1", OwnerID: "user-1", State: metastore.JobQueued, Priority: metastore.PriorityHigh,
		InputRef: metastore.InputRef{Kind: metastore.InputRefPath, Path: srcPath},
	}
	require.NoError(t, store.PutJob(ctx, job))
	require.NoError(t, backend.Submit(ctx, job.ID, job.Priority, time.Now()))

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	claims, err := backend.Claim(runCtx, "test-consumer", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	pool.runJob(ctx, "test-consumer", claims[0])

	final, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, metastore.JobDone, final.State)
	assert.InDelta(t, 1.0, final.Progress, 0.0001)
	for _, name := range stage.Order {
		cp, ok := final.Checkpoint[string(name)]
		assert.True(t, ok, "expected checkpoint for stage %s", name)
		assert.True(t, cp.Done)
	}
	assert.Contains(t, events.events, "state")
	assert.Contains(t, events.events, "progress")
}

func TestPoolSkipsStagesWithExistingCheckpoint(t *testing.T) {
	pool, store, _, backend, _ := newTestPool(t)
	ctx := context.Background()

	srcDir := t.TempDir()
	srcPath := writeSourceFile(t, srcDir, "source bytes")

	now := time.Now().UTC()
	job := &metastore.Job{
		ID: "job-2", OwnerID: "user-1", State: metastore.JobQueued, Priority: metastore.PriorityHigh,
		InputRef: metastore.InputRef{Kind: metastore.InputRefPath, Path: srcPath},
		Checkpoint: map[string]metastore.StageCheckpoint{
			string(stage.ASR): {Done: true, DoneAt: &now, ArtifactHashes: map[string]string{"output": srcPath, "sha256": "deadbeef"}},
		},
	}
	require.NoError(t, store.PutJob(ctx, job))
	require.NoError(t, backend.Submit(ctx, job.ID, job.Priority, time.Now()))

	claims, err := backend.Claim(ctx, "test-consumer", 1, time.Minute)
	require.NoError(t, err)
	pool.runJob(ctx, "test-consumer", claims[0])

	final, err := store.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, metastore.JobDone, final.State)
}

func TestPoolCancelsWhenCancelRequested(t *testing.T) {
	pool, store, _, backend, events := newTestPool(t)
	ctx := context.Background()

	srcDir := t.TempDir()
	srcPath := writeSourceFile(t, srcDir, "source bytes")

	job := &metastore.Job{
		ID: "job-3", OwnerID: "user-1", State: metastore.JobQueued, Priority: metastore.PriorityHigh,
		InputRef:        metastore.InputRef{Kind: metastore.InputRefPath, Path: srcPath},
		CancelRequested: true,
	}
	require.NoError(t, store.PutJob(ctx, job))
	require.NoError(t, backend.Submit(ctx, job.ID, job.Priority, time.Now()))

	claims, err := backend.Claim(ctx, "test-consumer", 1, time.Minute)
	require.NoError(t, err)
	pool.runJob(ctx, "test-consumer", claims[0])

	final, err := store.GetJob(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, metastore.JobCanceled, final.State)
	assert.Contains(t, events.events, "state")
}

func TestTriggerRerunInvalidatesDownstreamCheckpoints(t *testing.T) {
	pool, store, _, backend, _ := newTestPool(t)
	ctx := context.Background()
	_ = pool

	now := time.Now().UTC()
	checkpoint := map[string]metastore.StageCheckpoint{}
	for _, name := range stage.Order {
		checkpoint[string(name)] = metastore.StageCheckpoint{Done: true, DoneAt: &now}
	}
	job := &metastore.Job{
		ID: "job-4", OwnerID: "user-1", State: metastore.JobDone, Priority: metastore.PriorityHigh,
		Progress:   1,
		Checkpoint: checkpoint,
		Runtime:    json.RawMessage(`{"target_language":"es","voice":"clara"}`),
	}
	require.NoError(t, store.PutJob(ctx, job))

	sched := scheduler.New(config.Scheduler{MaxConcurrentGlobal: 10}, config.Quotas{}, zap.NewNop(), alwaysOKQuotaStore{}, backend, "")
	updated, err := TriggerRerun(ctx, store, sched, "job-4", stage.TTS)
	require.NoError(t, err)

	assert.Equal(t, metastore.JobQueued, updated.State)
	assert.Zero(t, updated.Progress)

	var runtime map[string]any
	require.NoError(t, json.Unmarshal(updated.Runtime, &runtime))
	assert.Equal(t, "es", runtime["target_language"])
	assert.Equal(t, "clara", runtime["voice"])
	assert.Equal(t, string(stage.TTS), runtime["rerun_from"])
	for _, name := range []stage.Name{stage.ASR, stage.Translate} {
		cp, ok := updated.Checkpoint[string(name)]
		assert.True(t, ok)
		assert.True(t, cp.Done)
	}
	for _, name := range []stage.Name{stage.TTS, stage.Mix, stage.Lipsync, stage.Package} {
		_, ok := updated.Checkpoint[string(name)]
		assert.False(t, ok, "expected checkpoint for %s to be cleared", name)
	}
}
