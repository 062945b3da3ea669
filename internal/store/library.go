// Reel is a media dubbing job server.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"reel/pkg/models"
)

// UpsertLibraryEntry writes the series index row for a finished job.
// A later job completing with the same (owner, series, season, episode)
// key replaces the earlier entry.
func (s *Store) UpsertLibraryEntry(ctx context.Context, e models.LibraryEntry) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		// The key may already point at an older job; the replacement
		// takes over the slot.
		const del = `DELETE FROM library WHERE owner_id=? AND series_slug=? AND season=? AND episode=? AND job_id != ?`
		if _, err := tx.ExecContext(ctx, del, e.OwnerID, e.SeriesSlug, e.Season, e.Episode, e.JobID); err != nil {
			return fmt.Errorf("clear library slot: %w", err)
		}

		const upsert = `
INSERT INTO library(job_id, owner_id, series_slug, season, episode, title, visibility, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
  series_slug=excluded.series_slug,
  season=excluded.season,
  episode=excluded.episode,
  title=excluded.title,
  visibility=excluded.visibility,
  updated_at=excluded.updated_at;`
		if _, err := tx.ExecContext(ctx, upsert,
			e.JobID, e.OwnerID, e.SeriesSlug, e.Season, e.Episode, e.Title,
			e.Visibility.String(), e.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("upsert library entry: %w", err)
		}
		return nil
	})
}

// DeleteLibraryEntry removes a job's library row if present.
func (s *Store) DeleteLibraryEntry(ctx context.Context, jobID string) error {
	const del = `DELETE FROM library WHERE job_id=?`
	if _, err := s.exec(ctx, del, jobID); err != nil {
		return fmt.Errorf("delete library entry: %w", err)
	}
	return nil
}

// GetLibraryEntry returns the library row for a job or ErrNotFound.
func (s *Store) GetLibraryEntry(ctx context.Context, jobID string) (*models.LibraryEntry, error) {
	const q = `SELECT job_id, owner_id, series_slug, season, episode, title, visibility, updated_at
FROM library WHERE job_id=?`
	e, err := scanLibraryEntry(s.db.QueryRowContext(ctx, q, jobID))
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// LibraryFilter narrows ListLibrary.
type LibraryFilter struct {
	// ViewerID restricts to entries the viewer may read: their own plus
	// shared ones. Empty means no visibility constraint (admin).
	ViewerID string
	// Series restricts to one series slug.
	Series string
	// Season restricts to one season; valid only with Series. Zero
	// means all seasons.
	Season int
}

// ListLibrary returns library entries ordered by series, season, and
// episode.
func (s *Store) ListLibrary(ctx context.Context, f LibraryFilter) ([]models.LibraryEntry, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT job_id, owner_id, series_slug, season, episode, title, visibility, updated_at
FROM library WHERE 1=1`)
	var args []any

	if f.ViewerID != "" {
		sb.WriteString(` AND (owner_id=? OR visibility='shared')`)
		args = append(args, f.ViewerID)
	}
	if f.Series != "" {
		sb.WriteString(` AND series_slug=?`)
		args = append(args, f.Series)
		if f.Season > 0 {
			sb.WriteString(` AND season=?`)
			args = append(args, f.Season)
		}
	}
	sb.WriteString(` ORDER BY series_slug ASC, season ASC, episode ASC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query library: %w", err)
	}
	defer rows.Close()

	var out []models.LibraryEntry
	for rows.Next() {
		e, err := scanLibraryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library: %w", err)
	}
	return out, nil
}

func scanLibraryEntry(r rowScanner) (models.LibraryEntry, error) {
	var row struct {
		jobID, owner, series string
		season, episode      int
		title, visibility    string
		updatedAt            time.Time
	}
	err := r.Scan(&row.jobID, &row.owner, &row.series, &row.season, &row.episode,
		&row.title, &row.visibility, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LibraryEntry{}, ErrNotFound
	}
	if err != nil {
		return models.LibraryEntry{}, fmt.Errorf("scan library entry: %w", err)
	}
	return models.LibraryEntry{
		JobID:      row.jobID,
		OwnerID:    row.owner,
		SeriesSlug: row.series,
		Season:     row.season,
		Episode:    row.episode,
		Title:      row.title,
		Visibility: models.Visibility(row.visibility),
		UpdatedAt:  row.updatedAt.UTC(),
	}, nil
}
