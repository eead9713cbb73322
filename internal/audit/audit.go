// Copyright 2025 James Ross
// Package audit is the append-only security event sink: every access
// decision, privilege use and job-ownership check worth a trail gets
// written here, redacted at write time, never the other way around.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

// sensitiveKeys mirrors the reference corpus's own redact-by-key-name
// list; any meta field whose key matches (case-insensitively) is
// replaced wholesale rather than partially masked.
var sensitiveKeys = map[string]bool{
	"token": true, "password": true, "secret": true, "key": true,
	"cookie": true, "authorization": true, "jwt": true, "session": true,
	"api_key": true, "apikey": true, "bearer": true, "csrf": true,
}

// Event is one record to append; Meta is redacted before it is ever
// serialized, so callers may pass raw request/job context through
// without pre-scrubbing it themselves.
type Event struct {
	RequestID string
	ActorID   string
	Action    string
	Target    string
	Outcome   string
	Meta      map[string]any
}

// Recorder is the subset of metastore.Store the audit log writes its
// queryable mirror through; kept local so tests can substitute a fake.
type Recorder interface {
	AppendAuditEvent(ctx context.Context, e metastore.AuditEvent) error
}

// Log is the audit sink: every event is written to a rotated,
// append-only file (for offline retention and incident forensics) and
// mirrored into MetaStore (for in-app querying by actor/action/time).
type Log struct {
	mu   sync.Mutex
	file *lumberjack.Logger
	rec  Recorder
}

func New(cfg config.Audit, rec Recorder) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	return &Log{
		file: &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.RotateMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		},
		rec: rec,
	}, nil
}

// Record redacts ev.Meta, appends the JSON line to the rotating file,
// and mirrors the same redacted record into MetaStore. A MetaStore
// write failure is logged-and-swallowed by the caller's own logger,
// not here: losing the queryable mirror must never block the action
// the event describes, only the durable file write is load-bearing.
func (l *Log) Record(ctx context.Context, ev Event) error {
	redacted := redactMeta(ev.Meta)
	metaJSON, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("audit: marshal meta: %w", err)
	}

	ts := time.Now().UTC()
	line := struct {
		Timestamp time.Time       `json:"ts"`
		RequestID string          `json:"request_id"`
		ActorID   string          `json:"actor_id,omitempty"`
		Action    string          `json:"action"`
		Target    string          `json:"target"`
		Outcome   string          `json:"outcome"`
		Meta      json.RawMessage `json:"meta,omitempty"`
	}{ts, ev.RequestID, ev.ActorID, ev.Action, ev.Target, ev.Outcome, metaJSON}

	payload, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	l.mu.Lock()
	_, writeErr := l.file.Write(append(payload, '\n'))
	l.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("audit: write entry: %w", writeErr)
	}

	if l.rec != nil {
		return l.rec.AppendAuditEvent(ctx, metastore.AuditEvent{
			Timestamp:    ts,
			RequestID:    ev.RequestID,
			ActorID:      ev.ActorID,
			Action:       ev.Action,
			Target:       ev.Target,
			Outcome:      ev.Outcome,
			MetaRedacted: string(metaJSON),
		})
	}
	return nil
}

func (l *Log) Close() error {
	return l.file.Close()
}

// redactMeta never logs content fields (transcripts, file bodies) or
// anything key-matched as a secret; everything else passes through.
func redactMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		lk := strings.ToLower(k)
		switch {
		case sensitiveKeys[lk]:
			out[k] = "[REDACTED]"
		case lk == "transcript" || lk == "content" || lk == "body" || lk == "file_contents":
			out[k] = "[OMITTED]"
		default:
			out[k] = v
		}
	}
	return out
}
