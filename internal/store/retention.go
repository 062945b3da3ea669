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
	"fmt"
	"time"

	"reel/pkg/models"
)

// ListRetentionCandidates returns completed jobs whose intermediate
// artifacts are due for pruning: DONE, not soft-deleted, not yet swept,
// finished before cutoff. Oldest finishers first so a backlog drains in
// completion order.
func (s *Store) ListRetentionCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs
WHERE state='DONE' AND deleted_at IS NULL AND retention_swept_at IS NULL
  AND finished_at IS NOT NULL AND finished_at < ?
ORDER BY finished_at ASC LIMIT ?`
	return s.queryJobs(ctx, q, cutoff.UTC(), limit)
}

// ListPurgeCandidates returns soft-deleted jobs past the purge grace.
// RUNNING jobs are excluded; a live run still holds its output
// directory, and cancellation settles the state first.
func (s *Store) ListPurgeCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs
WHERE deleted_at IS NOT NULL AND deleted_at < ? AND state != 'RUNNING'
ORDER BY deleted_at ASC LIMIT ?`
	return s.queryJobs(ctx, q, cutoff.UTC(), limit)
}

// PurgeJob hard-deletes a job row. Leases, outbox, logs, timeline, and
// library rows cascade with it. The caller removes the output directory
// before calling; a purged job is unrecoverable.
func (s *Store) PurgeJob(ctx context.Context, id string) error {
	const del = `DELETE FROM jobs WHERE id=?`
	res, err := s.exec(ctx, del, id)
	if err != nil {
		return fmt.Errorf("purge job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// CountJobsReferencingUpload counts jobs other than excludeJobID whose
// input is the given upload, soft-deleted ones included. The purge
// sweeper removes an input upload only when this reaches zero.
func (s *Store) CountJobsReferencingUpload(ctx context.Context, uploadID, excludeJobID string) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE input_kind='upload' AND input_ref=? AND id != ?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, uploadID, excludeJobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count upload references: %w", err)
	}
	return n, nil
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
