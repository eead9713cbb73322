// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// UpsertOutbox updates the outbox row's state; PutJob already inserts
// the row in state pending as part of job creation, so this marks it
// sent (to redis or local) or records a failed attempt. No code in the
// server calls it.
func (s *Store) UpsertOutbox(ctx context.Context, jobID string, state OutboxState, lastError string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if state == OutboxError {
			_, err := tx.ExecContext(ctx, `
				UPDATE outbox SET state = ?, attempts = attempts + 1, last_error = ? WHERE job_id = ?`,
				state, lastError, jobID)
			if err != nil {
				return errs.New("metastore.UpsertOutbox", errs.Internal, err)
			}
			return nil
		}
		_, err := tx.ExecContext(ctx, `UPDATE outbox SET state = ?, last_error = ? WHERE job_id = ?`, state, lastError, jobID)
		if err != nil {
			return errs.New("metastore.UpsertOutbox", errs.Internal, err)
		}
		return nil
	})
}

// PendingOutbox returns rows not yet successfully dispatched, oldest
// first, bounded so a flush pass never tries to drain an unbounded
// backlog in one go.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, priority, state, attempts, last_error, created_at
		FROM outbox WHERE state IN (?, ?) ORDER BY created_at ASC LIMIT ?`,
		OutboxPending, OutboxError, limit)
	if err != nil {
		return nil, errs.New("metastore.PendingOutbox", errs.Internal, err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		var createdAt string
		if err := rows.Scan(&r.JobID, &r.Priority, &r.State, &r.Attempts, &r.LastError, &createdAt); err != nil {
			return nil, errs.New("metastore.PendingOutbox", errs.Internal, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, errs.New("metastore.PendingOutbox", errs.Internal, err)
		}
		out = append(out, r)
	}
	return out, nil
}
