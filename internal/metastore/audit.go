// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// AppendAuditEvent records a redacted security event for queryable
// history; internal/audit additionally mirrors every event to a
// rotated on-disk log for offline retention.
func (s *Store) AppendAuditEvent(ctx context.Context, e AuditEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_events (ts, request_id, actor_id, action, target, outcome, meta_redacted)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			iso(e.Timestamp), e.RequestID, e.ActorID, e.Action, e.Target, e.Outcome, e.MetaRedacted)
		if err != nil {
			return errs.New("metastore.AppendAuditEvent", errs.Internal, err)
		}
		return nil
	})
}

type AuditQuery struct {
	ActorID string
	Action  string
	Since   time.Time
	Limit   int
}

func (s *Store) QueryAuditEvents(ctx context.Context, q AuditQuery) ([]AuditEvent, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 200
	}
	query := `SELECT id, ts, request_id, actor_id, action, target, outcome, meta_redacted FROM audit_events WHERE 1=1`
	var args []interface{}
	if q.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, q.ActorID)
	}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if !q.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, iso(q.Since))
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New("metastore.QueryAuditEvents", errs.Internal, err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.RequestID, &e.ActorID, &e.Action, &e.Target, &e.Outcome, &e.MetaRedacted); err != nil {
			return nil, errs.New("metastore.QueryAuditEvents", errs.Internal, err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, errs.New("metastore.QueryAuditEvents", errs.Internal, err)
		}
		out = append(out, e)
	}
	return out, nil
}
