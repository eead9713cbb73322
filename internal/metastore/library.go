// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// UpsertLibraryEntry adds jobID to the denormalized library index for
// the given key, creating the entry if this is the first job filed
// under it.
func (s *Store) UpsertLibraryEntry(ctx context.Context, key LibraryKey, ownerID, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT job_ids FROM library_entries WHERE series_slug = ? AND season = ? AND episode = ? AND owner_id = ?`,
			key.SeriesSlug, key.Season, key.Episode, ownerID)
		var rawIDs string
		err := row.Scan(&rawIDs)
		now := iso(time.Now().UTC())

		if errors.Is(err, sql.ErrNoRows) {
			ids, _ := json.Marshal([]string{jobID})
			_, err := tx.ExecContext(ctx, `
				INSERT INTO library_entries (series_slug, season, episode, owner_id, job_ids, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`, key.SeriesSlug, key.Season, key.Episode, ownerID, string(ids), now)
			if err != nil {
				return errs.New("metastore.UpsertLibraryEntry", errs.Internal, err)
			}
			return nil
		}
		if err != nil {
			return errs.New("metastore.UpsertLibraryEntry", errs.Internal, err)
		}

		var ids []string
		if err := json.Unmarshal([]byte(rawIDs), &ids); err != nil {
			return errs.New("metastore.UpsertLibraryEntry", errs.Internal, err)
		}
		for _, id := range ids {
			if id == jobID {
				return nil // already indexed
			}
		}
		ids = append(ids, jobID)
		newRaw, _ := json.Marshal(ids)
		_, err = tx.ExecContext(ctx, `
			UPDATE library_entries SET job_ids = ?, updated_at = ?
			WHERE series_slug = ? AND season = ? AND episode = ? AND owner_id = ?`,
			string(newRaw), now, key.SeriesSlug, key.Season, key.Episode, ownerID)
		if err != nil {
			return errs.New("metastore.UpsertLibraryEntry", errs.Internal, err)
		}
		return nil
	})
}

// GetLibraryEntriesByKey returns every owner's entry filed under key,
// across all owners — ObjectAccess uses this to find a non-owner's
// shared-visibility jobs within the same series/season/episode slot.
func (s *Store) GetLibraryEntriesByKey(ctx context.Context, key LibraryKey) ([]*LibraryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT series_slug, season, episode, owner_id, job_ids, updated_at
		FROM library_entries WHERE series_slug = ? AND season = ? AND episode = ?`,
		key.SeriesSlug, key.Season, key.Episode)
	if err != nil {
		return nil, errs.New("metastore.GetLibraryEntriesByKey", errs.Internal, err)
	}
	defer rows.Close()

	var out []*LibraryEntry
	for rows.Next() {
		var e LibraryEntry
		var jobIDs, updatedAt string
		if err := rows.Scan(&e.SeriesSlug, &e.Season, &e.Episode, &e.OwnerID, &jobIDs, &updatedAt); err != nil {
			return nil, errs.New("metastore.GetLibraryEntriesByKey", errs.Internal, err)
		}
		if err := json.Unmarshal([]byte(jobIDs), &e.JobIDs); err != nil {
			return nil, errs.New("metastore.GetLibraryEntriesByKey", errs.Internal, err)
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, errs.New("metastore.GetLibraryEntriesByKey", errs.Internal, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *Store) ListLibraryEntries(ctx context.Context, ownerID string) ([]*LibraryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT series_slug, season, episode, owner_id, job_ids, updated_at
		FROM library_entries WHERE owner_id = ? ORDER BY series_slug, season, episode`, ownerID)
	if err != nil {
		return nil, errs.New("metastore.ListLibraryEntries", errs.Internal, err)
	}
	defer rows.Close()

	var out []*LibraryEntry
	for rows.Next() {
		var e LibraryEntry
		var jobIDs, updatedAt string
		if err := rows.Scan(&e.SeriesSlug, &e.Season, &e.Episode, &e.OwnerID, &jobIDs, &updatedAt); err != nil {
			return nil, errs.New("metastore.ListLibraryEntries", errs.Internal, err)
		}
		if err := json.Unmarshal([]byte(jobIDs), &e.JobIDs); err != nil {
			return nil, errs.New("metastore.ListLibraryEntries", errs.Internal, err)
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, errs.New("metastore.ListLibraryEntries", errs.Internal, err)
		}
		out = append(out, &e)
	}
	return out, nil
}
