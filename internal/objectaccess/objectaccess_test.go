// Copyright 2025 James Ross
package objectaccess

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
)

type fakeStore struct {
	jobs     map[string]*metastore.Job
	uploads  map[string]*metastore.Upload
	entries  map[metastore.LibraryKey][]*metastore.LibraryEntry
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (*metastore.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, errs.New("fakeStore.GetJob", errs.NotFound, nil)
	}
	return j, nil
}

func (f *fakeStore) GetUpload(ctx context.Context, id string) (*metastore.Upload, error) {
	u, ok := f.uploads[id]
	if !ok {
		return nil, errs.New("fakeStore.GetUpload", errs.NotFound, nil)
	}
	return u, nil
}

func (f *fakeStore) GetLibraryEntriesByKey(ctx context.Context, key metastore.LibraryKey) ([]*metastore.LibraryEntry, error) {
	return f.entries[key], nil
}

func TestRequireJobAccessOwnerAllowed(t *testing.T) {
	job := &metastore.Job{ID: "job-1", OwnerID: "user-1", Visibility: metastore.VisibilityPrivate}
	ident := &policy.Identity{UserID: "user-1", Role: metastore.RoleOperator}
	assert.NoError(t, RequireJobAccess(ident, job, Options{}))
}

func TestRequireJobAccessAdminAllowed(t *testing.T) {
	job := &metastore.Job{ID: "job-1", OwnerID: "user-1", Visibility: metastore.VisibilityPrivate}
	ident := &policy.Identity{UserID: "admin-1", Role: metastore.RoleAdmin}
	assert.NoError(t, RequireJobAccess(ident, job, Options{}))
}

func TestRequireJobAccessNonOwnerPrivateDenied(t *testing.T) {
	job := &metastore.Job{ID: "job-1", OwnerID: "user-1", Visibility: metastore.VisibilityPrivate}
	ident := &policy.Identity{UserID: "user-2", Role: metastore.RoleOperator}
	assert.Error(t, RequireJobAccess(ident, job, Options{AllowSharedRead: true}))
}

func TestRequireJobAccessNonOwnerSharedReadAllowed(t *testing.T) {
	job := &metastore.Job{ID: "job-1", OwnerID: "user-1", Visibility: metastore.VisibilityShared}
	ident := &policy.Identity{UserID: "user-2", Role: metastore.RoleOperator}
	assert.NoError(t, RequireJobAccess(ident, job, Options{AllowSharedRead: true}))
}

func TestRequireJobAccessSharedWriteStillDenied(t *testing.T) {
	job := &metastore.Job{ID: "job-1", OwnerID: "user-1", Visibility: metastore.VisibilityShared}
	ident := &policy.Identity{UserID: "user-2", Role: metastore.RoleOperator}
	assert.Error(t, RequireJobAccess(ident, job, Options{AllowSharedRead: false}))
}

func TestRequireUploadAccessOwnerOnly(t *testing.T) {
	upload := &metastore.Upload{ID: "up-1", OwnerID: "user-1"}
	assert.NoError(t, RequireUploadAccess(&policy.Identity{UserID: "user-1", Role: metastore.RoleOperator}, upload))
	assert.Error(t, RequireUploadAccess(&policy.Identity{UserID: "user-2", Role: metastore.RoleOperator}, upload))
}

func TestRequireFileAccessResolvesOwningJob(t *testing.T) {
	root := t.TempDir()
	store := &fakeStore{jobs: map[string]*metastore.Job{
		"job-1": {ID: "job-1", OwnerID: "user-1", Visibility: metastore.VisibilityPrivate},
	}}
	g, err := New(store, root)
	require.NoError(t, err)

	path := filepath.Join(root, "job-1", "mix.out")
	ident := &policy.Identity{UserID: "user-1", Role: metastore.RoleOperator}
	assert.NoError(t, g.RequireFileAccess(context.Background(), ident, path))

	other := &policy.Identity{UserID: "user-2", Role: metastore.RoleOperator}
	assert.Error(t, g.RequireFileAccess(context.Background(), other, path))
}

func TestRequireFileAccessRejectsEscapeOutsideRoot(t *testing.T) {
	root := t.TempDir()
	store := &fakeStore{jobs: map[string]*metastore.Job{}}
	g, err := New(store, root)
	require.NoError(t, err)

	escaped := filepath.Join(root, "..", "etc", "passwd")
	ident := &policy.Identity{UserID: "user-1", Role: metastore.RoleOperator}
	assert.Error(t, g.RequireFileAccess(context.Background(), ident, escaped))
}

func TestRequireLibraryAccessOwnerAllowed(t *testing.T) {
	key := metastore.LibraryKey{SeriesSlug: "show", Season: 1, Episode: 1}
	store := &fakeStore{entries: map[metastore.LibraryKey][]*metastore.LibraryEntry{
		key: {{SeriesSlug: "show", Season: 1, Episode: 1, OwnerID: "user-1", JobIDs: []string{"job-1"}}},
	}}
	g, err := New(store, t.TempDir())
	require.NoError(t, err)

	ident := &policy.Identity{UserID: "user-1", Role: metastore.RoleOperator}
	assert.NoError(t, g.RequireLibraryAccess(context.Background(), ident, key, Options{}))
}

func TestRequireLibraryAccessNonOwnerSharedReadAllowed(t *testing.T) {
	key := metastore.LibraryKey{SeriesSlug: "show", Season: 1, Episode: 1}
	store := &fakeStore{
		jobs: map[string]*metastore.Job{
			"job-1": {ID: "job-1", OwnerID: "user-1", Visibility: metastore.VisibilityShared},
		},
		entries: map[metastore.LibraryKey][]*metastore.LibraryEntry{
			key: {{SeriesSlug: "show", Season: 1, Episode: 1, OwnerID: "user-1", JobIDs: []string{"job-1"}}},
		},
	}
	g, err := New(store, t.TempDir())
	require.NoError(t, err)

	ident := &policy.Identity{UserID: "user-2", Role: metastore.RoleOperator}
	assert.NoError(t, g.RequireLibraryAccess(context.Background(), ident, key, Options{AllowSharedRead: true}))
	assert.Error(t, g.RequireLibraryAccess(context.Background(), ident, key, Options{AllowSharedRead: false}))
}
