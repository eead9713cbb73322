// Copyright 2025 James Ross
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

type fakeRecorder struct {
	events []metastore.AuditEvent
}

func (f *fakeRecorder) AppendAuditEvent(ctx context.Context, e metastore.AuditEvent) error {
	f.events = append(f.events, e)
	return nil
}

func newTestLog(t *testing.T, rec Recorder) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l, err := New(config.Audit{LogPath: path, RotateMB: 10, MaxBackups: 3}, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestRecordWritesFileAndMirror(t *testing.T) {
	rec := &fakeRecorder{}
	l, path := newTestLog(t, rec)

	err := l.Record(context.Background(), Event{
		RequestID: "req-1", ActorID: "user-1", Action: "job.submit", Target: "job-1", Outcome: "allowed",
		Meta: map[string]any{"priority": "high"},
	})
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "job.submit", rec.events[0].Action)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job.submit"`)
	assert.Contains(t, string(data), `"priority":"high"`)
}

func TestRecordRedactsSensitiveKeys(t *testing.T) {
	rec := &fakeRecorder{}
	l, _ := newTestLog(t, rec)

	err := l.Record(context.Background(), Event{
		RequestID: "req-2", Action: "auth.login", Target: "user-1", Outcome: "allowed",
		Meta: map[string]any{"token": "abc123", "password": "hunter2", "remote_ip": "10.0.0.1"},
	})
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.events[0].MetaRedacted), &meta))
	assert.Equal(t, "[REDACTED]", meta["token"])
	assert.Equal(t, "[REDACTED]", meta["password"])
	assert.Equal(t, "10.0.0.1", meta["remote_ip"])
}

func TestRecordOmitsContentFields(t *testing.T) {
	rec := &fakeRecorder{}
	l, _ := newTestLog(t, rec)

	err := l.Record(context.Background(), Event{
		RequestID: "req-3", Action: "job.rerun", Target: "job-1", Outcome: "allowed",
		Meta: map[string]any{"transcript": "full transcript text", "content": "file bytes here"},
	})
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.events[0].MetaRedacted), &meta))
	assert.Equal(t, "[OMITTED]", meta["transcript"])
	assert.Equal(t, "[OMITTED]", meta["content"])
}

func TestRecordWithoutRecorderStillWritesFile(t *testing.T) {
	l, path := newTestLog(t, nil)

	err := l.Record(context.Background(), Event{RequestID: "req-4", Action: "job.cancel", Target: "job-2", Outcome: "allowed"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job.cancel"`)
}
