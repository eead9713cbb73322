// Copyright 2025 James Ross
package uploadstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	meta, err := metastore.Open(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	return New(meta, zap.NewNop(), filepath.Join(dir, "uploads"))
}

func TestSanitizeFilenameRejectsTraversal(t *testing.T) {
	_, err := SanitizeFilename("../etc/passwd")
	assert.Error(t, err)

	_, err = SanitizeFilename(".hidden")
	assert.Error(t, err)

	_, err = SanitizeFilename("archive.tar.gz.php")
	assert.Error(t, err)

	_, err = SanitizeFilename("movie.mp4")
	assert.NoError(t, err)
}

func TestInitWriteChunkComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Init(ctx, nil, "owner-1", "movie.mp4", 10, 4, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, u.ExpectedChunks)

	_, err = s.WriteChunk(ctx, u.ID, 0, 0, []byte("AAAA"))
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, u.ID, 1, 4, []byte("BBBB"))
	require.NoError(t, err)
	updated, err := s.WriteChunk(ctx, u.ID, 2, 8, []byte("CC"))
	require.NoError(t, err)
	assert.Equal(t, metastore.UploadComplete, updated.State)

	path, err := s.Complete(ctx, u.ID, "")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestWriteChunkRejectsOverlapMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Init(ctx, nil, "owner-1", "movie.mp4", 8, 4, time.Hour)
	require.NoError(t, err)

	_, err = s.WriteChunk(ctx, u.ID, 0, 0, []byte("AAAA"))
	require.NoError(t, err)

	// Re-delivering identical bytes is a no-op success.
	_, err = s.WriteChunk(ctx, u.ID, 0, 0, []byte("AAAA"))
	require.NoError(t, err)

	// Re-delivering different bytes at a committed index is a conflict.
	_, err = s.WriteChunk(ctx, u.ID, 0, 0, []byte("ZZZZ"))
	assert.Error(t, err)
}

func TestWriteChunkRejectsBadOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Init(ctx, nil, "owner-1", "movie.mp4", 8, 4, time.Hour)
	require.NoError(t, err)

	_, err = s.WriteChunk(ctx, u.ID, 1, 0, []byte("AAAA"))
	assert.Error(t, err)
}
