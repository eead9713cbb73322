// Copyright 2025 James Ross
// Package objectaccess is the single place every handler routes an
// owner/admin/shared-visibility decision through. No handler queries
// MetaStore for a job or upload's owner_id itself and compares it
// inline — that check lives here, once, so the rule never drifts.
package objectaccess

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/policy"
)

// Store is the subset of metastore.Store ObjectAccess reads through.
type Store interface {
	GetJob(ctx context.Context, id string) (*metastore.Job, error)
	GetUpload(ctx context.Context, id string) (*metastore.Upload, error)
	GetLibraryEntriesByKey(ctx context.Context, key metastore.LibraryKey) ([]*metastore.LibraryEntry, error)
}

// Gate implements the four access checks named by the spec's
// ObjectAccess module. outputsRoot is the canonical root every served
// file path must resolve underneath.
type Gate struct {
	store       Store
	outputsRoot string
}

func New(store Store, outputsRoot string) (*Gate, error) {
	abs, err := filepath.Abs(outputsRoot)
	if err != nil {
		return nil, err
	}
	return &Gate{store: store, outputsRoot: abs}, nil
}

// Options narrows an access check; AllowSharedRead permits a non-owner
// read against a shared-visibility object, never a write.
type Options struct {
	AllowSharedRead bool
}

func isOwnerOrAdmin(ident *policy.Identity, ownerID string) bool {
	return ident != nil && (ident.Role == metastore.RoleAdmin || ident.UserID == ownerID)
}

// RequireJobAccess authorizes ident against job, honoring shared-read
// visibility for non-owners when opts.AllowSharedRead is set.
func RequireJobAccess(ident *policy.Identity, job *metastore.Job, opts Options) error {
	if job == nil {
		return errs.New("objectaccess.RequireJobAccess", errs.NotFound, nil)
	}
	if isOwnerOrAdmin(ident, job.OwnerID) {
		return nil
	}
	if opts.AllowSharedRead && job.Visibility == metastore.VisibilityShared {
		return nil
	}
	return errs.New("objectaccess.RequireJobAccess", errs.Forbidden, nil)
}

// RequireUploadAccess authorizes ident against upload. Uploads have no
// shared-visibility concept: only the owner or an admin may touch an
// in-progress upload session.
func RequireUploadAccess(ident *policy.Identity, upload *metastore.Upload) error {
	if upload == nil {
		return errs.New("objectaccess.RequireUploadAccess", errs.NotFound, nil)
	}
	if isOwnerOrAdmin(ident, upload.OwnerID) {
		return nil
	}
	return errs.New("objectaccess.RequireUploadAccess", errs.Forbidden, nil)
}

// RequireFileAccess resolves path to its canonical form, verifies it
// is contained under the outputs root, maps it to its owning job by
// the server's own <outputs_root>/<job_id>/... layout convention, and
// defers to RequireJobAccess for the actual decision.
func (g *Gate) RequireFileAccess(ctx context.Context, ident *policy.Identity, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errs.New("objectaccess.RequireFileAccess", errs.Forbidden, err)
	}
	rel, err := filepath.Rel(g.outputsRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errs.New("objectaccess.RequireFileAccess", errs.Forbidden, nil)
	}

	jobID := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if jobID == "" || jobID == "." {
		return errs.New("objectaccess.RequireFileAccess", errs.Forbidden, nil)
	}

	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		return errs.New("objectaccess.RequireFileAccess", errs.NotFound, err)
	}
	return RequireJobAccess(ident, job, Options{AllowSharedRead: true})
}

// RequireLibraryAccess authorizes ident against a series/season/episode
// slot: owner/admin always passes; a non-owner read is allowed only
// when opts.AllowSharedRead is set and at least one job filed under
// key by any owner is visibility=shared.
func (g *Gate) RequireLibraryAccess(ctx context.Context, ident *policy.Identity, key metastore.LibraryKey, opts Options) error {
	entries, err := g.store.GetLibraryEntriesByKey(ctx, key)
	if err != nil {
		return errs.New("objectaccess.RequireLibraryAccess", errs.Internal, err)
	}
	if ident != nil && ident.Role == metastore.RoleAdmin {
		return nil
	}
	for _, e := range entries {
		if ident != nil && e.OwnerID == ident.UserID {
			return nil
		}
	}
	if !opts.AllowSharedRead {
		return errs.New("objectaccess.RequireLibraryAccess", errs.Forbidden, nil)
	}
	for _, e := range entries {
		for _, jobID := range e.JobIDs {
			job, err := g.store.GetJob(ctx, jobID)
			if err != nil || job == nil {
				continue
			}
			if job.Visibility == metastore.VisibilityShared {
				return nil
			}
		}
	}
	return errs.New("objectaccess.RequireLibraryAccess", errs.Forbidden, nil)
}
