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
	"time"

	"reel/pkg/models"
)

// ListPendingOutbox returns outbox rows still awaiting delivery to the
// dispatch backend, oldest first. Rows in the error state are included
// so the flusher keeps retrying them.
func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxRow, error) {
	q := `SELECT job_id, state, attempts, last_error, created_at, updated_at
FROM outbox WHERE state IN ('pending','error') ORDER BY created_at ASC`
	if limit > 0 {
		q = q + fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxRow
	for rows.Next() {
		r, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// GetOutbox returns the outbox row for a job or ErrNotFound.
func (s *Store) GetOutbox(ctx context.Context, jobID string) (*models.OutboxRow, error) {
	const q = `SELECT job_id, state, attempts, last_error, created_at, updated_at FROM outbox WHERE job_id=?`
	r, err := scanOutbox(s.db.QueryRowContext(ctx, q, jobID))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// MarkOutboxSent records successful delivery to a backend. state must
// be sent_redis or sent_local.
func (s *Store) MarkOutboxSent(ctx context.Context, jobID string, state models.OutboxState) error {
	if state != models.OutboxSentRedis && state != models.OutboxSentLocal {
		return fmt.Errorf("invalid sent state %q", state)
	}
	const upd = `UPDATE outbox SET state=?, last_error=NULL, updated_at=? WHERE job_id=?`
	res, err := s.exec(ctx, upd, string(state), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// RequeueOutbox resets a job's outbox row to pending. Used on resume:
// a paused job's original queue entry was consumed by the claim guard,
// so the submission must be delivered again.
func (s *Store) RequeueOutbox(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	const upsert = `
INSERT INTO outbox(job_id, state, attempts, created_at, updated_at)
VALUES(?, 'pending', 0, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET state='pending', last_error=NULL, updated_at=excluded.updated_at`
	if _, err := s.exec(ctx, upsert, jobID, now, now); err != nil {
		return fmt.Errorf("requeue outbox: %w", err)
	}
	return nil
}

// DeleteOutbox drops a job's outbox row. The flusher settles rows this
// way when the job left QUEUED before delivery.
func (s *Store) DeleteOutbox(ctx context.Context, jobID string) error {
	if _, err := s.exec(ctx, `DELETE FROM outbox WHERE job_id=?`, jobID); err != nil {
		return fmt.Errorf("delete outbox: %w", err)
	}
	return nil
}

// MarkOutboxError records a failed delivery attempt; the row stays
// eligible for retry.
func (s *Store) MarkOutboxError(ctx context.Context, jobID string, deliveryErr error) error {
	msg := ""
	if deliveryErr != nil {
		msg = deliveryErr.Error()
	}
	const upd = `UPDATE outbox SET state='error', attempts=attempts+1, last_error=?, updated_at=? WHERE job_id=?`
	res, err := s.exec(ctx, upd, nullIfEmpty(msg), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("mark outbox error: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

func scanOutbox(r rowScanner) (models.OutboxRow, error) {
	var row struct {
		jobID, state         string
		attempts             int
		lastError            sql.NullString
		createdAt, updatedAt time.Time
	}
	err := r.Scan(&row.jobID, &row.state, &row.attempts, &row.lastError, &row.createdAt, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OutboxRow{}, ErrNotFound
	}
	if err != nil {
		return models.OutboxRow{}, fmt.Errorf("scan outbox row: %w", err)
	}
	return models.OutboxRow{
		JobID:     row.jobID,
		State:     models.OutboxState(row.state),
		Attempts:  row.attempts,
		LastError: fromNullStringPtr(row.lastError),
		CreatedAt: row.createdAt.UTC(),
		UpdatedAt: row.updatedAt.UTC(),
	}, nil
}
