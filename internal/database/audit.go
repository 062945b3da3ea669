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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"reel/pkg/models"
)

// Detail blobs are returned whole from GetAudit but clipped in listings
// so the admin table stays cheap to render.
const listDetailLimit = 4096

// AuditFilter narrows ListAudits. Zero values match everything.
type AuditFilter struct {
	UserID   string
	Action   string
	TargetID string
	Since    time.Time
	Limit    int
}

// Audit operations

// CreateAudit inserts an audit record and sets its assigned ID
func (db *DB) CreateAudit(ctx context.Context, record *models.AuditRecord) error {
	query := `INSERT INTO audits (request_id, user_id, user_login, action, target_kind, target_id, method, path, status_code, ip_hash, duration_ms, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.ExecContext(ctx, query, record.RequestID, record.UserID, record.UserLogin,
		record.Action, record.TargetKind, record.TargetID, record.Method, record.Path,
		record.StatusCode, record.IPHash, record.DurationMS, record.Detail)
	if err != nil {
		return fmt.Errorf("failed to create audit: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}

	record.ID = id
	record.CreatedAt = time.Now()

	return nil
}

// GetAudit returns a single audit record by ID with the full detail blob
func (db *DB) GetAudit(ctx context.Context, id int64) (*models.AuditRecord, error) {
	query := `SELECT id, request_id, user_id, user_login, action, target_kind, target_id, method, path, status_code, ip_hash, duration_ms, detail, created_at FROM audits WHERE id = ?`

	var record models.AuditRecord
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&record.ID, &record.RequestID, &record.UserID, &record.UserLogin, &record.Action,
		&record.TargetKind, &record.TargetID, &record.Method, &record.Path,
		&record.StatusCode, &record.IPHash, &record.DurationMS, &record.Detail, &record.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit: %w", err)
	}

	return &record, nil
}

// ListAudits returns audit records newest first. Detail is truncated to
// keep listings bounded; use GetAudit for the full record.
func (db *DB) ListAudits(ctx context.Context, filter AuditFilter) ([]models.AuditRecord, error) {
	query := `SELECT id, request_id, user_id, user_login, action, target_kind, target_id, method, path, status_code, ip_hash, duration_ms, substr(detail, 1, ?), created_at FROM audits WHERE 1=1`
	args := []any{listDetailLimit}

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audits: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var record models.AuditRecord
		err := rows.Scan(&record.ID, &record.RequestID, &record.UserID, &record.UserLogin,
			&record.Action, &record.TargetKind, &record.TargetID, &record.Method, &record.Path,
			&record.StatusCode, &record.IPHash, &record.DurationMS, &record.Detail, &record.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// CleanupOldAudits removes records older than the retention window.
// Returns the number deleted.
func (db *DB) CleanupOldAudits(ctx context.Context, keep time.Duration) (int64, error) {
	query := `DELETE FROM audits WHERE created_at < ?`

	result, err := db.conn.ExecContext(ctx, query, time.Now().Add(-keep))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audits: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n, nil
}
