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

const quotaDayFormat = "2006-01-02"

// AdjustQuota runs a check-and-reserve against a user's quota counters
// as one atomic step. The row is created on first use, daily counters
// roll over when the stored day is not today, then mutate runs and may
// reject by returning an error, which leaves the row untouched. Because
// this holds the writer lock, two concurrent submissions can never both
// pass a capacity check the combined total would violate.
func (s *Store) AdjustQuota(ctx context.Context, userID string, mutate func(*models.QuotaUsage) error) (*models.QuotaUsage, error) {
	now := time.Now().UTC()
	today := now.Format(quotaDayFormat)

	var updated *models.QuotaUsage
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		u, err := getQuotaTx(ctx, tx, userID)
		if errors.Is(err, ErrNotFound) {
			u = &models.QuotaUsage{UserID: userID, Day: today}
		} else if err != nil {
			return err
		}

		if u.Day != today {
			u.JobsSubmittedToday = 0
			u.ProcessingMinutesToday = 0
			u.Day = today
		}

		if err := mutate(u); err != nil {
			return err
		}

		// Counters never go negative; decrements after a reconcile
		// could otherwise undershoot.
		if u.ConcurrentRunning < 0 {
			u.ConcurrentRunning = 0
		}
		if u.UploadsInflight < 0 {
			u.UploadsInflight = 0
		}
		if u.StorageBytesUsed < 0 {
			u.StorageBytesUsed = 0
		}
		u.UpdatedAt = now

		const upsert = `
INSERT INTO quota_usage(user_id, storage_bytes_used, jobs_submitted_today, processing_minutes_today,
  concurrent_running, uploads_inflight, day, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  storage_bytes_used=excluded.storage_bytes_used,
  jobs_submitted_today=excluded.jobs_submitted_today,
  processing_minutes_today=excluded.processing_minutes_today,
  concurrent_running=excluded.concurrent_running,
  uploads_inflight=excluded.uploads_inflight,
  day=excluded.day,
  updated_at=excluded.updated_at;`
		if _, err := tx.ExecContext(ctx, upsert,
			u.UserID, u.StorageBytesUsed, u.JobsSubmittedToday, u.ProcessingMinutesToday,
			u.ConcurrentRunning, u.UploadsInflight, u.Day, u.UpdatedAt); err != nil {
			return fmt.Errorf("upsert quota usage: %w", err)
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetQuotaUsage returns a user's quota counters with daily counters
// already rolled for display. Never returns ErrNotFound; an absent row
// reads as all zeroes.
func (s *Store) GetQuotaUsage(ctx context.Context, userID string) (*models.QuotaUsage, error) {
	const q = `SELECT user_id, storage_bytes_used, jobs_submitted_today, processing_minutes_today,
concurrent_running, uploads_inflight, day, updated_at FROM quota_usage WHERE user_id=?`
	u, err := scanQuota(s.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, ErrNotFound) {
		return &models.QuotaUsage{UserID: userID, Day: time.Now().UTC().Format(quotaDayFormat)}, nil
	}
	if err != nil {
		return nil, err
	}
	if today := time.Now().UTC().Format(quotaDayFormat); u.Day != today {
		u.JobsSubmittedToday = 0
		u.ProcessingMinutesToday = 0
		u.Day = today
	}
	return u, nil
}

// ResetDailyQuotas zeroes daily counters for rows still carrying an old
// day. The maintenance task runs this at UTC midnight; AdjustQuota also
// rolls lazily, so this only matters for rows nobody touched.
func (s *Store) ResetDailyQuotas(ctx context.Context) (int64, error) {
	today := time.Now().UTC().Format(quotaDayFormat)
	const upd = `UPDATE quota_usage SET jobs_submitted_today=0, processing_minutes_today=0, day=?, updated_at=? WHERE day != ?`
	res, err := s.exec(ctx, upd, today, time.Now().UTC(), today)
	if err != nil {
		return 0, fmt.Errorf("reset daily quotas: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReconcileQuotas recomputes the derived counters (concurrent_running,
// uploads_inflight, storage_bytes_used) from the jobs and uploads
// tables. Incremental accounting can drift after a crash; this runs
// periodically to pull it back.
func (s *Store) ReconcileQuotas(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const upd = `
UPDATE quota_usage SET
  concurrent_running = (
    SELECT COUNT(*) FROM jobs
    WHERE jobs.owner_id = quota_usage.user_id AND jobs.deleted_at IS NULL
      AND jobs.state IN ('QUEUED','PAUSED','RUNNING')),
  uploads_inflight = (
    SELECT COUNT(*) FROM uploads
    WHERE uploads.owner_id = quota_usage.user_id AND uploads.state = 'open'),
  storage_bytes_used = (
    SELECT COALESCE(SUM(total_bytes), 0) FROM uploads
    WHERE uploads.owner_id = quota_usage.user_id AND uploads.state IN ('open','complete'))
    + (
    SELECT COALESCE(SUM(owner_storage_bytes_delta), 0) FROM jobs
    WHERE jobs.owner_id = quota_usage.user_id AND jobs.deleted_at IS NULL),
  updated_at = ?`
		if _, err := tx.ExecContext(ctx, upd, time.Now().UTC()); err != nil {
			return fmt.Errorf("reconcile quotas: %w", err)
		}
		return nil
	})
}

// ListQuotaUsage returns every user's counters, busiest first, for the
// admin usage report.
func (s *Store) ListQuotaUsage(ctx context.Context) ([]models.QuotaUsage, error) {
	const q = `SELECT user_id, storage_bytes_used, jobs_submitted_today, processing_minutes_today,
concurrent_running, uploads_inflight, day, updated_at FROM quota_usage
ORDER BY jobs_submitted_today DESC, storage_bytes_used DESC, user_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list quota usage: %w", err)
	}
	defer rows.Close()
	var out []models.QuotaUsage
	for rows.Next() {
		u, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func getQuotaTx(ctx context.Context, tx *sql.Tx, userID string) (*models.QuotaUsage, error) {
	const q = `SELECT user_id, storage_bytes_used, jobs_submitted_today, processing_minutes_today,
concurrent_running, uploads_inflight, day, updated_at FROM quota_usage WHERE user_id=?`
	return scanQuota(tx.QueryRowContext(ctx, q, userID))
}

func scanQuota(r rowScanner) (*models.QuotaUsage, error) {
	var u models.QuotaUsage
	err := r.Scan(&u.UserID, &u.StorageBytesUsed, &u.JobsSubmittedToday, &u.ProcessingMinutesToday,
		&u.ConcurrentRunning, &u.UploadsInflight, &u.Day, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan quota usage: %w", err)
	}
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}
