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

const uploadColumns = `id, owner_id, filename_safe, total_bytes, chunk_bytes, expected_chunks,
received, received_bytes, state, hash_so_far, final_hash, final_path, created_at, expires_at`

// InsertUpload persists a new upload session.
func (s *Store) InsertUpload(ctx context.Context, u *models.Upload) error {
	if u.ID == "" {
		return fmt.Errorf("upload ID must not be empty")
	}
	const ins = `
INSERT INTO uploads(` + uploadColumns + `)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, ins,
		u.ID, u.OwnerID, u.FilenameSafe, u.TotalBytes, u.ChunkBytes, u.ExpectedChunks,
		[]byte(u.Received), u.ReceivedBytes, u.State.String(), u.HashSoFar, u.FinalHash, u.FinalPath,
		u.CreatedAt.UTC(), u.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// GetUpload retrieves an upload session by ID.
func (s *Store) GetUpload(ctx context.Context, id string) (*models.Upload, error) {
	const q = `SELECT ` + uploadColumns + ` FROM uploads WHERE id=?`
	return scanUpload(s.db.QueryRowContext(ctx, q, id))
}

// UpdateUpload applies mutate to the upload row under the writer lock.
// Used to commit chunk bits, mark completion, and extend expiry in one
// atomic read-modify-write.
func (s *Store) UpdateUpload(ctx context.Context, id string, mutate func(*models.Upload) error) (*models.Upload, error) {
	var updated *models.Upload
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const q = `SELECT ` + uploadColumns + ` FROM uploads WHERE id=?`
		u, err := scanUpload(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		if err := mutate(u); err != nil {
			return err
		}

		const upd = `
UPDATE uploads SET
  received=?, received_bytes=?, state=?, hash_so_far=?, final_hash=?, final_path=?, expires_at=?
WHERE id=?`
		res, err := tx.ExecContext(ctx, upd,
			[]byte(u.Received), u.ReceivedBytes, u.State.String(), u.HashSoFar, u.FinalHash, u.FinalPath,
			u.ExpiresAt.UTC(), u.ID)
		if err != nil {
			return fmt.Errorf("update upload: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotFound
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteUpload removes an upload row. Removing the on-disk session
// directory is the caller's job.
func (s *Store) DeleteUpload(ctx context.Context, id string) error {
	const del = `DELETE FROM uploads WHERE id=?`
	res, err := s.exec(ctx, del, id)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// ListExpiredUploads returns open sessions whose expiry passed before
// now, oldest first. The upload GC sweeps these.
func (s *Store) ListExpiredUploads(ctx context.Context, now time.Time, limit int) ([]*models.Upload, error) {
	q := `SELECT ` + uploadColumns + ` FROM uploads WHERE state='open' AND expires_at < ? ORDER BY expires_at ASC`
	if limit > 0 {
		q = q + fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired uploads: %w", err)
	}
	defer rows.Close()

	var out []*models.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired uploads: %w", err)
	}
	return out, nil
}

// CountOpenUploadsByOwner counts an owner's open upload sessions.
func (s *Store) CountOpenUploadsByOwner(ctx context.Context, ownerID string) (int, error) {
	const q = `SELECT COUNT(*) FROM uploads WHERE owner_id=? AND state='open'`
	var n int
	if err := s.db.QueryRowContext(ctx, q, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open uploads: %w", err)
	}
	return n, nil
}

func scanUpload(r rowScanner) (*models.Upload, error) {
	var row struct {
		id, owner, filename    string
		totalBytes, chunkBytes int64
		expectedChunks         int
		received               []byte
		receivedBytes          int64
		state, hashSoFar       string
		finalHash, finalPath   string
		createdAt, expiresAt   time.Time
	}
	err := r.Scan(&row.id, &row.owner, &row.filename, &row.totalBytes, &row.chunkBytes,
		&row.expectedChunks, &row.received, &row.receivedBytes, &row.state,
		&row.hashSoFar, &row.finalHash, &row.finalPath, &row.createdAt, &row.expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan upload: %w", err)
	}

	return &models.Upload{
		ID:             row.id,
		OwnerID:        row.owner,
		FilenameSafe:   row.filename,
		TotalBytes:     row.totalBytes,
		ChunkBytes:     row.chunkBytes,
		ExpectedChunks: row.expectedChunks,
		Received:       models.ChunkBitmap(row.received),
		ReceivedBytes:  row.receivedBytes,
		State:          models.UploadState(row.state),
		HashSoFar:      row.hashSoFar,
		FinalHash:      row.finalHash,
		FinalPath:      row.finalPath,
		CreatedAt:      row.createdAt.UTC(),
		ExpiresAt:      row.expiresAt.UTC(),
	}, nil
}
