// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

func (s *Store) CreateUpload(ctx context.Context, u *Upload) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Received == nil {
		u.Received = NewBitmap(u.ExpectedChunks)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO uploads (id, owner_id, filename_safe, total_bytes, chunk_bytes, expected_chunks,
				received_bitmap, received_bytes, created_at, expires_at, state, hash_so_far, final_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, '', '')`,
			u.ID, u.OwnerID, u.FilenameSafe, u.TotalBytes, u.ChunkBytes, u.ExpectedChunks,
			base64.StdEncoding.EncodeToString(u.Received.Bytes()), iso(u.CreatedAt), iso(u.ExpiresAt), UploadOpen)
		if err != nil {
			return errs.New("metastore.CreateUpload", errs.Internal, err)
		}
		return nil
	})
}

func (s *Store) GetUpload(ctx context.Context, id string) (*Upload, error) {
	return s.scanUpload(s.db.QueryRowContext(ctx, uploadSelectColumns+` WHERE id = ?`, id))
}

// CountOpenUploadsByOwner reports how many of ownerID's upload sessions
// are still open, for the policy engine's max_uploads_inflight_per_user
// check at Init time.
func (s *Store) CountOpenUploadsByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads WHERE owner_id = ? AND state = ?`, ownerID, UploadOpen)
	if err := row.Scan(&n); err != nil {
		return 0, errs.New("metastore.CountOpenUploadsByOwner", errs.Internal, err)
	}
	return n, nil
}

const uploadSelectColumns = `SELECT id, owner_id, filename_safe, total_bytes, chunk_bytes, expected_chunks,
	received_bitmap, received_bytes, created_at, expires_at, state, hash_so_far, final_hash FROM uploads`

func (s *Store) scanUpload(row *sql.Row) (*Upload, error) {
	var u Upload
	var bitmapB64, createdAt, expiresAt string
	err := row.Scan(&u.ID, &u.OwnerID, &u.FilenameSafe, &u.TotalBytes, &u.ChunkBytes, &u.ExpectedChunks,
		&bitmapB64, &u.ReceivedBytes, &createdAt, &expiresAt, &u.State, &u.HashSoFar, &u.FinalHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New("metastore.GetUpload", errs.NotFound, err)
	}
	if err != nil {
		return nil, errs.New("metastore.GetUpload", errs.Internal, err)
	}
	raw, err := base64.StdEncoding.DecodeString(bitmapB64)
	if err != nil {
		return nil, errs.New("metastore.GetUpload", errs.Internal, err)
	}
	if len(raw) == 0 {
		u.Received = NewBitmap(u.ExpectedChunks)
	} else {
		u.Received = LoadBitmap(raw)
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errs.New("metastore.GetUpload", errs.Internal, err)
	}
	if u.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, errs.New("metastore.GetUpload", errs.Internal, err)
	}
	return &u, nil
}

// CommitChunk marks index as received, bumps received_bytes, and flips
// state to complete when every index in [0, expected_chunks) is set and
// the byte total matches — all inside one transaction so a concurrent
// reader never observes a partially-updated bitmap/byte-count pair.
func (s *Store) CommitChunk(ctx context.Context, uploadID string, index int, chunkLen int64) (*Upload, error) {
	var result *Upload
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, uploadSelectColumnsTx+` WHERE id = ?`, uploadID)
		u, err := s.scanUploadTx(row)
		if err != nil {
			return err
		}
		if u.Received.IsSet(index) {
			result = u
			return nil // idempotent re-delivery of an already-committed index
		}
		u.Received.Set(index)
		u.ReceivedBytes += chunkLen
		if u.Received.AllSet(u.ExpectedChunks) && u.ReceivedBytes == u.TotalBytes {
			u.State = UploadComplete
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE uploads SET received_bitmap = ?, received_bytes = ?, state = ? WHERE id = ?`,
			base64.StdEncoding.EncodeToString(u.Received.Bytes()), u.ReceivedBytes, u.State, uploadID)
		if err != nil {
			return errs.New("metastore.CommitChunk", errs.Internal, err)
		}
		result = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const uploadSelectColumnsTx = uploadSelectColumns

func (s *Store) scanUploadTx(row *sql.Row) (*Upload, error) {
	return s.scanUpload(row)
}

func (s *Store) SetUploadHash(ctx context.Context, uploadID, hashSoFar, finalHash string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE uploads SET hash_so_far = ?, final_hash = ? WHERE id = ?`,
			hashSoFar, finalHash, uploadID)
		if err != nil {
			return errs.New("metastore.SetUploadHash", errs.Internal, err)
		}
		return nil
	})
}

func (s *Store) MarkUploadAbandoned(ctx context.Context, uploadID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE uploads SET state = ? WHERE id = ?`, UploadAbandoned, uploadID)
		if err != nil {
			return errs.New("metastore.MarkUploadAbandoned", errs.Internal, err)
		}
		return nil
	})
}

// ExpiredUploads lists open sessions past their expiry, for UploadStore's
// GC sweep to reclaim disk and quota.
func (s *Store) ExpiredUploads(ctx context.Context) ([]*Upload, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM uploads WHERE state = ? AND expires_at < ?`,
		UploadOpen, iso(time.Now().UTC()))
	if err != nil {
		return nil, errs.New("metastore.ExpiredUploads", errs.Internal, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.New("metastore.ExpiredUploads", errs.Internal, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var out []*Upload
	for _, id := range ids {
		u, err := s.GetUpload(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}
