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

// AcquireLease takes the execution lease for a job. It succeeds when no
// lease exists, when the caller already holds it (extending it), or
// when the current lease has expired. stolenFrom names the previous
// holder when an expired lease was taken over.
func (s *Store) AcquireLease(ctx context.Context, jobID, consumer string, ttl time.Duration) (acquired bool, stolenFrom string, err error) {
	now := time.Now().UTC()
	until := now.Add(ttl)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		const q = `SELECT consumer, expires_at FROM leases WHERE job_id=?`
		var holder string
		var expires time.Time
		scanErr := tx.QueryRowContext(ctx, q, jobID).Scan(&holder, &expires)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			const ins = `INSERT INTO leases(job_id, consumer, acquired_at, expires_at) VALUES(?, ?, ?, ?)`
			if _, err := tx.ExecContext(ctx, ins, jobID, consumer, now, until); err != nil {
				return fmt.Errorf("insert lease: %w", err)
			}
			acquired = true
			return nil
		case scanErr != nil:
			return fmt.Errorf("select lease: %w", scanErr)
		}

		if holder != consumer && expires.After(now) {
			// Live lease held elsewhere.
			return nil
		}

		const upd = `UPDATE leases SET consumer=?, acquired_at=?, expires_at=? WHERE job_id=?`
		if _, err := tx.ExecContext(ctx, upd, consumer, now, until, jobID); err != nil {
			return fmt.Errorf("update lease: %w", err)
		}
		acquired = true
		if holder != consumer {
			stolenFrom = holder
		}
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return acquired, stolenFrom, nil
}

// ExtendLease pushes out the expiry of a lease the caller still holds.
// Returns false if the lease is gone, expired, or held by someone else;
// the caller must stop work on the job in that case.
func (s *Store) ExtendLease(ctx context.Context, jobID, consumer string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	const upd = `UPDATE leases SET expires_at=? WHERE job_id=? AND consumer=? AND expires_at > ?`
	res, err := s.exec(ctx, upd, now.Add(ttl), jobID, consumer, now)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseLease drops the lease if the caller holds it. Releasing a
// lease you no longer hold is not an error.
func (s *Store) ReleaseLease(ctx context.Context, jobID, consumer string) error {
	const del = `DELETE FROM leases WHERE job_id=? AND consumer=?`
	if _, err := s.exec(ctx, del, jobID, consumer); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetLease returns the current lease for a job or ErrNotFound.
func (s *Store) GetLease(ctx context.Context, jobID string) (*models.DispatchLease, error) {
	const q = `SELECT job_id, consumer, acquired_at, expires_at FROM leases WHERE job_id=?`
	var l models.DispatchLease
	err := s.db.QueryRowContext(ctx, q, jobID).Scan(&l.JobID, &l.Consumer, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return &l, nil
}

// ListLeases returns all current leases for queue introspection.
func (s *Store) ListLeases(ctx context.Context) ([]models.DispatchLease, error) {
	const q = `SELECT job_id, consumer, acquired_at, expires_at FROM leases ORDER BY acquired_at ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer rows.Close()

	var out []models.DispatchLease
	for rows.Next() {
		var l models.DispatchLease
		if err := rows.Scan(&l.JobID, &l.Consumer, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		l.AcquiredAt = l.AcquiredAt.UTC()
		l.ExpiresAt = l.ExpiresAt.UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return out, nil
}
