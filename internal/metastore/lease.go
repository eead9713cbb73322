// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// AcquireLease is the single atomic statement giving at-most-once
// execution across any number of worker processes: it inserts a new
// lease row, or replaces an existing one, iff the existing lease has
// already expired. A conflict (lease held by someone else, not yet
// expired) is reported without being treated as an error — the caller
// is expected to ack/skip silently.
func (s *Store) AcquireLease(ctx context.Context, jobID, consumer string, ttl time.Duration) (acquired bool, err error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE leases SET consumer = ?, expires_at = ?
			WHERE job_id = ? AND expires_at <= ?`,
			consumer, iso(expires), jobID, iso(now))
		if execErr != nil {
			return errs.New("metastore.AcquireLease", errs.Internal, execErr)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			acquired = true
			return nil
		}

		// No existing expired row to replace: try a fresh insert. If a
		// live lease already exists this fails the unique constraint on
		// job_id, which we read as "held by other".
		_, insErr := tx.ExecContext(ctx, `
			INSERT INTO leases (job_id, consumer, expires_at) VALUES (?, ?, ?)`,
			jobID, consumer, iso(expires))
		if insErr == nil {
			acquired = true
			return nil
		}
		// Constraint violation: someone else holds a live lease.
		acquired = false
		return nil
	})
	return acquired, err
}

// RenewLease extends a lease this consumer already holds, for long-running
// stage work that would otherwise outlive the original TTL. A mismatched
// consumer (lease expired and reclaimed by someone else) renews nothing.
func (s *Store) RenewLease(ctx context.Context, jobID, consumer string, ttl time.Duration) (renewed bool, err error) {
	expires := time.Now().UTC().Add(ttl)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE leases SET expires_at = ? WHERE job_id = ? AND consumer = ?`,
			iso(expires), jobID, consumer)
		if execErr != nil {
			return errs.New("metastore.RenewLease", errs.Internal, execErr)
		}
		n, _ := res.RowsAffected()
		renewed = n > 0
		return nil
	})
	return renewed, err
}

// ReleaseLease drops a lease this consumer holds, allowing immediate
// re-claim instead of waiting out the TTL (used on clean job completion).
func (s *Store) ReleaseLease(ctx context.Context, jobID, consumer string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE job_id = ? AND consumer = ?`, jobID, consumer)
		if err != nil {
			return errs.New("metastore.ReleaseLease", errs.Internal, err)
		}
		return nil
	})
}

// ExpiredLeases returns leases whose TTL has lapsed, for the reaper to
// reclaim and re-submit.
func (s *Store) ExpiredLeases(ctx context.Context) ([]DispatchLease, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, consumer, expires_at FROM leases WHERE expires_at <= ?`, iso(time.Now().UTC()))
	if err != nil {
		return nil, errs.New("metastore.ExpiredLeases", errs.Internal, err)
	}
	defer rows.Close()

	var out []DispatchLease
	for rows.Next() {
		var l DispatchLease
		var expiresAt string
		if err := rows.Scan(&l.JobID, &l.Consumer, &expiresAt); err != nil {
			return nil, errs.New("metastore.ExpiredLeases", errs.Internal, err)
		}
		if l.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
			return nil, errs.New("metastore.ExpiredLeases", errs.Internal, err)
		}
		out = append(out, l)
	}
	return out, nil
}
