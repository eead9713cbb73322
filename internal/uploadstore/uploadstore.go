// Copyright 2025 James Ross
package uploadstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// Store is the C2 UploadStore: resumable chunked upload sessions backed
// by metadata in MetaStore and chunk bytes on disk under Root.
type Store struct {
	meta *metastore.Store
	log  *zap.Logger
	root string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // fine-grained per-upload_id serialization of chunk commits
}

func New(meta *metastore.Store, log *zap.Logger, root string) *Store {
	return &Store{meta: meta, log: log, root: root, locks: map[string]*sync.Mutex{}}
}

func (s *Store) lockFor(uploadID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[uploadID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[uploadID] = l
	}
	return l
}

// QuotaChecker is satisfied by the policy engine; UploadStore consults
// it at Init so the hard per-upload and per-user storage caps are
// enforced before any directory is created.
type QuotaChecker interface {
	CheckUploadQuota(ctx context.Context, ownerID string, totalBytes int64) error
}

// Init validates the filename and quota, creates the metadata record
// and a private directory for this session's chunks.
func (s *Store) Init(ctx context.Context, quota QuotaChecker, ownerID, filename string, totalBytes, chunkBytes int64, ttl time.Duration) (*metastore.Upload, error) {
	safe, err := SanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	if chunkBytes <= 0 {
		return nil, errs.New("uploadstore.Init", errs.Validation, fmt.Errorf("chunk_bytes must be positive"))
	}
	if totalBytes <= 0 {
		return nil, errs.New("uploadstore.Init", errs.Validation, fmt.Errorf("total_bytes must be positive"))
	}
	if quota != nil {
		if err := quota.CheckUploadQuota(ctx, ownerID, totalBytes); err != nil {
			return nil, err
		}
	}

	expectedChunks := int((totalBytes + chunkBytes - 1) / chunkBytes)
	id := uuid.NewString()
	now := time.Now().UTC()

	dir, err := ResolveUnderRoot(s.root, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("uploadstore.Init", errs.Internal, err)
	}

	u := &metastore.Upload{
		ID:             id,
		OwnerID:        ownerID,
		FilenameSafe:   safe,
		TotalBytes:     totalBytes,
		ChunkBytes:     chunkBytes,
		ExpectedChunks: expectedChunks,
		Received:       metastore.NewBitmap(expectedChunks),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		State:          metastore.UploadOpen,
	}
	if err := s.meta.CreateUpload(ctx, u); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	obs.UploadsActive.Inc()
	return u, nil
}

// WriteChunk requires offset == index*chunk_bytes, rejects overlap
// (a previously committed index whose bytes differ), and commits
// atomically via a write-to-temp-then-rename.
func (s *Store) WriteChunk(ctx context.Context, uploadID string, index int, offset int64, data []byte) (*metastore.Upload, error) {
	lock := s.lockFor(uploadID)
	lock.Lock()
	defer lock.Unlock()

	u, err := s.meta.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if u.State != metastore.UploadOpen {
		return nil, errs.New("uploadstore.WriteChunk", errs.Conflict, fmt.Errorf("upload %s is not open (state=%s)", uploadID, u.State))
	}
	expectedOffset := int64(index) * u.ChunkBytes
	if offset != expectedOffset {
		return nil, errs.New("uploadstore.WriteChunk", errs.Validation,
			fmt.Errorf("chunk %d offset %d does not match expected %d", index, offset, expectedOffset))
	}
	isFinal := index == u.ExpectedChunks-1
	maxLen := u.ChunkBytes
	if isFinal {
		maxLen = u.TotalBytes - expectedOffset
	}
	if int64(len(data)) > maxLen {
		if isFinal {
			return nil, errs.New("uploadstore.WriteChunk", errs.Conflict,
				fmt.Errorf("final chunk %d (%d bytes) exceeds remaining bytes %d", index, len(data), maxLen))
		}
		return nil, errs.New("uploadstore.WriteChunk", errs.Validation,
			fmt.Errorf("chunk %d exceeds allowed length %d", index, maxLen))
	}

	chunkPath, err := ResolveUnderRoot(s.root, filepath.Join(uploadID, chunkFileName(index)))
	if err != nil {
		return nil, err
	}

	if u.Received.IsSet(index) {
		existing, err := os.ReadFile(chunkPath)
		if err != nil {
			return nil, errs.New("uploadstore.WriteChunk", errs.Internal, err)
		}
		if sumsEqual(existing, data) {
			return u, nil // idempotent re-delivery of the same bytes
		}
		return nil, errs.New("uploadstore.WriteChunk", errs.Conflict,
			fmt.Errorf("chunk %d already committed with different bytes", index))
	}

	if err := writeViaTempRename(chunkPath, data); err != nil {
		return nil, errs.New("uploadstore.WriteChunk", errs.Internal, err)
	}

	updated, err := s.meta.CommitChunk(ctx, uploadID, index, int64(len(data)))
	if err != nil {
		return nil, err
	}
	obs.UploadBytesReceived.Add(float64(len(data)))
	return updated, nil
}

// Complete verifies the bitmap and byte total agree, optionally checks
// a declared hash, and moves the assembled file to its canonical path.
func (s *Store) Complete(ctx context.Context, uploadID string, declaredHash string) (string, error) {
	lock := s.lockFor(uploadID)
	lock.Lock()
	defer lock.Unlock()

	u, err := s.meta.GetUpload(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if u.State != metastore.UploadComplete {
		return "", errs.New("uploadstore.Complete", errs.Conflict,
			fmt.Errorf("upload %s is not fully received (state=%s, %d/%d bytes)", uploadID, u.State, u.ReceivedBytes, u.TotalBytes))
	}

	finalHash, assembledPath, err := s.assemble(uploadID, u)
	if err != nil {
		return "", err
	}
	if declaredHash != "" && declaredHash != finalHash {
		return "", errs.New("uploadstore.Complete", errs.Conflict,
			fmt.Errorf("declared hash does not match assembled content"))
	}
	if err := s.meta.SetUploadHash(ctx, uploadID, "", finalHash); err != nil {
		return "", err
	}
	obs.UploadsActive.Dec()
	return assembledPath, nil
}

func (s *Store) assemble(uploadID string, u *metastore.Upload) (hash string, finalPath string, err error) {
	finalPath, err = ResolveUnderRoot(s.root, filepath.Join(uploadID, u.FilenameSafe))
	if err != nil {
		return "", "", err
	}
	tmpPath := finalPath + ".assembling"
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", "", errs.New("uploadstore.assemble", errs.Internal, err)
	}
	h := sha256.New()
	w := io.MultiWriter(out, h)

	for i := 0; i < u.ExpectedChunks; i++ {
		chunkPath, err := ResolveUnderRoot(s.root, filepath.Join(uploadID, chunkFileName(i)))
		if err != nil {
			_ = out.Close()
			return "", "", err
		}
		f, err := os.Open(chunkPath)
		if err != nil {
			_ = out.Close()
			return "", "", errs.New("uploadstore.assemble", errs.Internal, err)
		}
		_, copyErr := io.Copy(w, f)
		_ = f.Close()
		if copyErr != nil {
			_ = out.Close()
			return "", "", errs.New("uploadstore.assemble", errs.Internal, copyErr)
		}
	}
	if err := out.Close(); err != nil {
		return "", "", errs.New("uploadstore.assemble", errs.Internal, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", "", errs.New("uploadstore.assemble", errs.Internal, err)
	}
	return hex.EncodeToString(h.Sum(nil)), finalPath, nil
}

type Status struct {
	ReceivedBytes   int64
	MissingIndices  []int
	State           metastore.UploadState
}

func (s *Store) Status(ctx context.Context, uploadID string) (*Status, error) {
	u, err := s.meta.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return &Status{
		ReceivedBytes:  u.ReceivedBytes,
		MissingIndices: u.Received.MissingIndices(u.ExpectedChunks),
		State:          u.State,
	}, nil
}

// ResolvedPath returns the canonical on-disk path of an already-completed
// upload's assembled file, without re-running assembly. An upload that
// is not complete yields a Conflict error.
func (s *Store) ResolvedPath(ctx context.Context, uploadID string) (string, error) {
	u, err := s.meta.GetUpload(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if u.State != metastore.UploadComplete {
		return "", errs.New("uploadstore.ResolvedPath", errs.Conflict,
			fmt.Errorf("upload %s is not complete (state=%s)", uploadID, u.State))
	}
	return ResolveUnderRoot(s.root, filepath.Join(uploadID, u.FilenameSafe))
}

func chunkFileName(index int) string { return fmt.Sprintf("chunk-%08d", index) }

func sumsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	ha, hb := sha256.Sum256(a), sha256.Sum256(b)
	return ha == hb
}

func writeViaTempRename(finalPath string, data []byte) error {
	tmp := finalPath + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, finalPath)
}
