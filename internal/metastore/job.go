// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// PutJob inserts a new job and, in the same transaction, an outbox row
// in state pending. The row is a durable record of the submit; nothing
// in the server reads pending rows back to dispatch them.
func (s *Store) PutJob(ctx context.Context, j *Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.UpdatedAt = j.CreatedAt
	if j.Checkpoint == nil {
		j.Checkpoint = map[string]StageCheckpoint{}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		inputRef, err := json.Marshal(j.InputRef)
		if err != nil {
			return errs.New("metastore.PutJob", errs.Internal, err)
		}
		checkpoint, err := json.Marshal(j.Checkpoint)
		if err != nil {
			return errs.New("metastore.PutJob", errs.Internal, err)
		}
		var libKey []byte
		if j.LibraryKey != nil {
			if libKey, err = json.Marshal(j.LibraryKey); err != nil {
				return errs.New("metastore.PutJob", errs.Internal, err)
			}
		}
		runtime := j.Runtime
		if runtime == nil {
			runtime = json.RawMessage("{}")
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, owner_id, created_at, updated_at, state, priority, visibility,
				progress, message, last_stage, last_error, input_ref, runtime,
				owner_storage_bytes_delta, checkpoint, library_key, archived, deleted_at, cancel_requested)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.OwnerID, iso(j.CreatedAt), iso(j.UpdatedAt), j.State, j.Priority, j.Visibility,
			j.Progress, j.Message, j.LastStage, j.LastError, string(inputRef), string(runtime),
			j.OwnerStorageBytesDelta, string(checkpoint), nullableBytes(libKey), boolInt(j.Archived), nullTime(j.DeletedAt), boolInt(j.CancelRequested))
		if err != nil {
			return errs.New("metastore.PutJob", errs.Internal, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (job_id, priority, state, attempts, last_error, created_at)
			VALUES (?, ?, ?, 0, '', ?)`, j.ID, j.Priority, OutboxPending, iso(j.CreatedAt))
		if err != nil {
			return errs.New("metastore.PutJob", errs.Internal, err)
		}
		return nil
	})
}

// GetJob loads a job by id. Soft-deleted jobs are still returned; it is
// the caller's responsibility (ObjectAccess / list filters) to hide them
// from normal listings.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New("metastore.GetJob", errs.NotFound, err)
	}
	if err != nil {
		return nil, errs.New("metastore.GetJob", errs.Internal, err)
	}
	return j, nil
}

// UpdateJob applies mutator to the current row under the writer lock.
// If expectedState is non-empty, the update is conditioned on the
// current state matching it (the optimistic-concurrency check the
// scheduler and worker rely on for QUEUED->RUNNING transitions);
// mismatch returns a Conflict error and the mutator is not applied.
func (s *Store) UpdateJob(ctx context.Context, id string, expectedState JobState, mutator func(*Job) error) (*Job, error) {
	var result *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.New("metastore.UpdateJob", errs.NotFound, err)
		}
		if err != nil {
			return errs.New("metastore.UpdateJob", errs.Internal, err)
		}

		if expectedState != "" && j.State != expectedState {
			return errs.New("metastore.UpdateJob", errs.Conflict,
				fmt.Errorf("job %s expected state %s, found %s", id, expectedState, j.State)).
				WithReason("state_mismatch", 0, 0)
		}

		if err := mutator(j); err != nil {
			return err
		}
		j.UpdatedAt = time.Now().UTC()

		inputRef, err := json.Marshal(j.InputRef)
		if err != nil {
			return errs.New("metastore.UpdateJob", errs.Internal, err)
		}
		checkpoint, err := json.Marshal(j.Checkpoint)
		if err != nil {
			return errs.New("metastore.UpdateJob", errs.Internal, err)
		}
		var libKey []byte
		if j.LibraryKey != nil {
			if libKey, err = json.Marshal(j.LibraryKey); err != nil {
				return errs.New("metastore.UpdateJob", errs.Internal, err)
			}
		}
		runtime := j.Runtime
		if runtime == nil {
			runtime = json.RawMessage("{}")
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET owner_id=?, updated_at=?, state=?, priority=?, visibility=?,
				progress=?, message=?, last_stage=?, last_error=?, input_ref=?, runtime=?,
				owner_storage_bytes_delta=?, checkpoint=?, library_key=?, archived=?, deleted_at=?, cancel_requested=?
			WHERE id=?`,
			j.OwnerID, iso(j.UpdatedAt), j.State, j.Priority, j.Visibility,
			j.Progress, j.Message, j.LastStage, j.LastError, string(inputRef), string(runtime),
			j.OwnerStorageBytesDelta, string(checkpoint), nullableBytes(libKey), boolInt(j.Archived), nullTime(j.DeletedAt), boolInt(j.CancelRequested), id)
		if err != nil {
			return errs.New("metastore.UpdateJob", errs.Internal, err)
		}
		result = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// JobFilter narrows ListJobs; zero-value fields are unconstrained.
type JobFilter struct {
	OwnerID    string
	State      JobState
	Visibility Visibility
	IncludeDeleted bool
}

// JobPage paginates via an opaque cursor (the created_at of the last
// row seen, since ids are not time-ordered).
type JobPage struct {
	Limit  int
	Cursor string
}

func (s *Store) ListJobs(ctx context.Context, filter JobFilter, page JobPage) ([]*Job, string, error) {
	if page.Limit <= 0 || page.Limit > 200 {
		page.Limit = 50
	}

	query := jobSelectColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	if filter.Visibility != "" {
		query += ` AND visibility = ?`
		args = append(args, filter.Visibility)
	}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if page.Cursor != "" {
		query += ` AND created_at < ?`
		args = append(args, page.Cursor)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, page.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", errs.New("metastore.ListJobs", errs.Internal, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, "", errs.New("metastore.ListJobs", errs.Internal, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errs.New("metastore.ListJobs", errs.Internal, err)
	}

	var nextCursor string
	if len(jobs) > page.Limit {
		nextCursor = iso(jobs[page.Limit-1].CreatedAt)
		jobs = jobs[:page.Limit]
	}
	return jobs, nextCursor, nil
}

const jobSelectColumns = `SELECT id, owner_id, created_at, updated_at, state, priority, visibility,
	progress, message, last_stage, last_error, input_ref, runtime,
	owner_storage_bytes_delta, checkpoint, library_key, archived, deleted_at, cancel_requested`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var createdAt, updatedAt string
	var inputRef, runtime, checkpoint string
	var libKey sql.NullString
	var deletedAt sql.NullString
	var archived, cancelRequested int

	err := row.Scan(&j.ID, &j.OwnerID, &createdAt, &updatedAt, &j.State, &j.Priority, &j.Visibility,
		&j.Progress, &j.Message, &j.LastStage, &j.LastError, &inputRef, &runtime,
		&j.OwnerStorageBytesDelta, &checkpoint, &libKey, &archived, &deletedAt, &cancelRequested)
	if err != nil {
		return nil, err
	}

	j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	j.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputRef), &j.InputRef); err != nil {
		return nil, err
	}
	j.Runtime = json.RawMessage(runtime)
	if err := json.Unmarshal([]byte(checkpoint), &j.Checkpoint); err != nil {
		return nil, err
	}
	if libKey.Valid && libKey.String != "" {
		var lk LibraryKey
		if err := json.Unmarshal([]byte(libKey.String), &lk); err != nil {
			return nil, err
		}
		j.LibraryKey = &lk
	}
	j.Archived = archived != 0
	j.CancelRequested = cancelRequested != 0
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return nil, err
		}
		j.DeletedAt = &t
	}
	return &j, nil
}

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return iso(*t)
}

func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
