// Copyright 2025 James Ross
package policy

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// QuotaStore is the subset of metastore.Store quota enforcement needs.
type QuotaStore interface {
	GetQuota(ctx context.Context, userID string) (*metastore.Quota, error)
}

// Quotas is the hard-check gate on the submit and upload-init critical
// paths: every check here either passes silently or returns a
// QuotaExceeded/QuotaBytes *errs.E carrying the limit/current pair the
// HTTP surface surfaces in a 429/413 body.
type Quotas struct {
	store        QuotaStore
	uploads      config.Uploads
	jobs         config.Quotas
	diskPath     string
	lowDiskMarginMB int64
	log          *zap.Logger
}

func NewQuotas(store QuotaStore, uploads config.Uploads, jobs config.Quotas, diskPath string, lowDiskMarginMB int64, log *zap.Logger) *Quotas {
	return &Quotas{store: store, uploads: uploads, jobs: jobs, diskPath: diskPath, lowDiskMarginMB: lowDiskMarginMB, log: log}
}

// CheckUploadInit enforces max_upload_bytes, max_storage_bytes_per_user
// and max_uploads_inflight_per_user before a new upload session opens.
func (q *Quotas) CheckUploadInit(ctx context.Context, userID string, declaredBytes int64, inflight int) error {
	maxUpload := q.uploads.MaxUploadMB << 20
	if declaredBytes > maxUpload {
		return errs.New("policy.CheckUploadInit", errs.QuotaBytes, fmt.Errorf("upload exceeds max_upload_bytes")).
			WithReason("max_upload_bytes", maxUpload, declaredBytes)
	}
	if inflight >= q.uploads.MaxInflightPerUser {
		return errs.New("policy.CheckUploadInit", errs.QuotaExceeded, fmt.Errorf("too many uploads in flight")).
			WithReason("max_uploads_inflight_per_user", int64(q.uploads.MaxInflightPerUser), int64(inflight))
	}
	quota, err := q.store.GetQuota(ctx, userID)
	if err != nil {
		return err
	}
	maxStorage := q.uploads.MaxStorageMBPerUser << 20
	if quota.StorageBytesUsed+declaredBytes > maxStorage {
		return errs.New("policy.CheckUploadInit", errs.QuotaBytes, fmt.Errorf("upload would exceed max_storage_bytes_per_user")).
			WithReason("max_storage_bytes_per_user", maxStorage, quota.StorageBytesUsed+declaredBytes)
	}
	return nil
}

// CheckJobSubmit enforces jobs_per_day_per_user,
// max_concurrent_running_per_user, daily_processing_minutes_per_user and
// the low-disk guard, before a job is admitted to the scheduler.
func (q *Quotas) CheckJobSubmit(ctx context.Context, userID string) error {
	quota, err := q.store.GetQuota(ctx, userID)
	if err != nil {
		return err
	}
	if quota.JobsSubmittedToday >= q.jobs.JobsPerDayPerUser {
		return errs.New("policy.CheckJobSubmit", errs.QuotaExceeded, fmt.Errorf("daily job cap reached")).
			WithReason("jobs_per_day_per_user", int64(q.jobs.JobsPerDayPerUser), int64(quota.JobsSubmittedToday))
	}
	if quota.ConcurrentRunning >= q.jobs.MaxConcurrentPerUser {
		return errs.New("policy.CheckJobSubmit", errs.QuotaExceeded, fmt.Errorf("concurrent running cap reached")).
			WithReason("max_concurrent_running_per_user", int64(q.jobs.MaxConcurrentPerUser), int64(quota.ConcurrentRunning))
	}
	if quota.ProcessingMinutesToday >= float64(q.jobs.DailyProcessingMinutes) {
		return errs.New("policy.CheckJobSubmit", errs.QuotaExceeded, fmt.Errorf("daily processing minutes cap reached")).
			WithReason("daily_processing_minutes_per_user", int64(q.jobs.DailyProcessingMinutes), int64(quota.ProcessingMinutesToday))
	}
	return q.checkDiskGuard()
}

// checkDiskGuard refuses submission (not just dispatch) when free disk
// drops below the configured margin, per spec's "low-disk refusal at
// both submit and dispatch" — the scheduler applies the same guard
// again at actual dispatch time, since the gap between submit and
// dispatch can itself exhaust the margin.
func (q *Quotas) checkDiskGuard() error {
	if q.diskPath == "" || q.lowDiskMarginMB <= 0 {
		return nil
	}
	usage, err := disk.Usage(q.diskPath)
	if err != nil {
		q.log.Warn("disk usage probe failed at submit, admission proceeding", obs.String("path", q.diskPath), obs.Err(err))
		return nil
	}
	freeMB := int64(usage.Free / (1024 * 1024))
	if freeMB < q.lowDiskMarginMB {
		return errs.New("policy.CheckJobSubmit", errs.Transient, fmt.Errorf("disk free %dMB below margin %dMB", freeMB, q.lowDiskMarginMB))
	}
	return nil
}
