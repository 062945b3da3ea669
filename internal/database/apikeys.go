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
	"encoding/json"
	"fmt"
	"time"

	"reel/pkg/models"
)

// API key operations

// CreateApiKey creates a new API key record. Only the secret hash is
// stored; the caller shows the raw secret to the user once.
func (db *DB) CreateApiKey(ctx context.Context, key *models.ApiKey) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	query := `INSERT INTO api_keys (id, prefix, secret_hash, owner_id, scopes, expires_at) VALUES (?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query, key.ID, key.Prefix, key.SecretHash,
		key.OwnerID, string(scopes), nullTime(key.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	key.CreatedAt = time.Now()

	return nil
}

// GetApiKeyByPrefix returns a key by its public prefix. Revoked and
// expired keys still load so callers can report why a key was refused.
func (db *DB) GetApiKeyByPrefix(ctx context.Context, prefix string) (*models.ApiKey, error) {
	query := `SELECT id, prefix, secret_hash, owner_id, scopes, created_at, expires_at, revoked_at, last_used_at FROM api_keys WHERE prefix = ?`

	row := db.conn.QueryRowContext(ctx, query, prefix)
	key, err := scanApiKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return key, nil
}

// ListApiKeysByOwner returns all of a user's API keys, newest first
func (db *DB) ListApiKeysByOwner(ctx context.Context, ownerID string) ([]models.ApiKey, error) {
	query := `SELECT id, prefix, secret_hash, owner_id, scopes, created_at, expires_at, revoked_at, last_used_at FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC`

	rows, err := db.conn.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	var keys []models.ApiKey
	for rows.Next() {
		key, err := scanApiKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, *key)
	}

	return keys, rows.Err()
}

// RevokeApiKey revokes one of the owner's keys. Returns false if no
// live key matched.
func (db *DB) RevokeApiKey(ctx context.Context, ownerID, keyID string) (bool, error) {
	query := `UPDATE api_keys SET revoked_at = CURRENT_TIMESTAMP WHERE id = ? AND owner_id = ? AND revoked_at IS NULL`

	result, err := db.conn.ExecContext(ctx, query, keyID, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n > 0, nil
}

// TouchApiKey records key use for the admin listing
func (db *DB) TouchApiKey(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`

	_, err := db.conn.ExecContext(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}

	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanApiKey(row scannable) (*models.ApiKey, error) {
	var key models.ApiKey
	var scopes string
	var expires, revoked, lastUsed sql.NullTime
	err := row.Scan(&key.ID, &key.Prefix, &key.SecretHash, &key.OwnerID, &scopes,
		&key.CreatedAt, &expires, &revoked, &lastUsed)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scopes), &key.Scopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		key.ExpiresAt = &t
	}
	if revoked.Valid {
		t := revoked.Time
		key.RevokedAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsedAt = &t
	}

	return &key, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
