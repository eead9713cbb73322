// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

func todayUTC() string { return time.Now().UTC().Format("2006-01-02") }

// GetQuota reads (and lazily creates, resetting daily counters if the
// stored window_day has rolled over) a user's quota row.
func (s *Store) GetQuota(ctx context.Context, userID string) (*Quota, error) {
	var q *Quota
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT user_id, storage_bytes_used, jobs_submitted_today, processing_minutes_today,
				concurrent_running, window_day, updated_at FROM quotas WHERE user_id = ?`, userID)
		var loaded Quota
		var updatedAt string
		err := row.Scan(&loaded.UserID, &loaded.StorageBytesUsed, &loaded.JobsSubmittedToday,
			&loaded.ProcessingMinutesToday, &loaded.ConcurrentRunning, &loaded.WindowDay, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			loaded = Quota{UserID: userID, WindowDay: todayUTC(), UpdatedAt: time.Now().UTC()}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO quotas (user_id, storage_bytes_used, jobs_submitted_today, processing_minutes_today,
					concurrent_running, window_day, updated_at) VALUES (?, 0, 0, 0, 0, ?, ?)`,
				userID, loaded.WindowDay, iso(loaded.UpdatedAt)); err != nil {
				return errs.New("metastore.GetQuota", errs.Internal, err)
			}
			q = &loaded
			return nil
		}
		if err != nil {
			return errs.New("metastore.GetQuota", errs.Internal, err)
		}
		loaded.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return errs.New("metastore.GetQuota", errs.Internal, err)
		}

		today := todayUTC()
		if loaded.WindowDay != today {
			loaded.JobsSubmittedToday = 0
			loaded.ProcessingMinutesToday = 0
			loaded.WindowDay = today
			if _, err := tx.ExecContext(ctx, `
				UPDATE quotas SET jobs_submitted_today = 0, processing_minutes_today = 0, window_day = ?, updated_at = ?
				WHERE user_id = ?`, today, iso(time.Now().UTC()), userID); err != nil {
				return errs.New("metastore.GetQuota", errs.Internal, err)
			}
		}
		q = &loaded
		return nil
	})
	return q, err
}

// AdjustQuota applies deltas atomically; deltaConcurrent and
// deltaJobsToday may be negative (e.g. a job finishing decrements
// concurrent_running). Callers must have already validated against
// limits — AdjustQuota only ever records the movement.
func (s *Store) AdjustQuota(ctx context.Context, userID string, deltaStorageBytes int64, deltaJobsToday int, deltaProcessingMinutes float64, deltaConcurrent int) error {
	// ensure the row exists and the window is current
	if _, err := s.GetQuota(ctx, userID); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE quotas SET
				storage_bytes_used = storage_bytes_used + ?,
				jobs_submitted_today = jobs_submitted_today + ?,
				processing_minutes_today = processing_minutes_today + ?,
				concurrent_running = concurrent_running + ?,
				updated_at = ?
			WHERE user_id = ?`,
			deltaStorageBytes, deltaJobsToday, deltaProcessingMinutes, deltaConcurrent, iso(time.Now().UTC()), userID)
		if err != nil {
			return errs.New("metastore.AdjustQuota", errs.Internal, err)
		}
		return nil
	})
}
