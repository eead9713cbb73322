// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// AppendLog appends one line to a job's log, backed by MetaStore so log
// tailing can use the same index the rest of the store relies on rather
// than re-opening a separate file per request.
func (s *Store) AppendLog(ctx context.Context, jobID, line string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM job_logs WHERE job_id = ?`, jobID).Scan(&seq)
		if err != nil {
			return errs.New("metastore.AppendLog", errs.Internal, err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO job_logs (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)`,
			jobID, seq, line, iso(time.Now()))
		if err != nil {
			return errs.New("metastore.AppendLog", errs.Internal, err)
		}
		return nil
	})
}

// LogLine is one line of a job's log, with its position for SSE/WS
// resume via Last-Event-ID.
type LogLine struct {
	Seq       int64     `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// TailLog returns up to n most recent lines in ascending order.
func (s *Store) TailLog(ctx context.Context, jobID string, n int) ([]LogLine, error) {
	if n <= 0 || n > 10000 {
		n = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, line, created_at FROM job_logs WHERE job_id = ? ORDER BY seq DESC LIMIT ?`, jobID, n)
	if err != nil {
		return nil, errs.New("metastore.TailLog", errs.Internal, err)
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var l LogLine
		var createdAt string
		if err := rows.Scan(&l.Seq, &l.Line, &createdAt); err != nil {
			return nil, errs.New("metastore.TailLog", errs.Internal, err)
		}
		l.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, errs.New("metastore.TailLog", errs.Internal, err)
		}
		lines = append(lines, l)
	}
	// reverse to ascending order
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// LogSince returns lines with seq > after, for SSE reconnect replay.
func (s *Store) LogSince(ctx context.Context, jobID string, after int64) ([]LogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, line, created_at FROM job_logs WHERE job_id = ? AND seq > ? ORDER BY seq ASC LIMIT 1000`, jobID, after)
	if err != nil {
		return nil, errs.New("metastore.LogSince", errs.Internal, err)
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var l LogLine
		var createdAt string
		if err := rows.Scan(&l.Seq, &l.Line, &createdAt); err != nil {
			return nil, errs.New("metastore.LogSince", errs.Internal, err)
		}
		l.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, errs.New("metastore.LogSince", errs.Internal, err)
		}
		lines = append(lines, l)
	}
	return lines, nil
}
