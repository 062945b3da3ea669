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
	"log/slog"
	"time"

	"reel/pkg/crypto"
	"reel/pkg/models"

	_ "modernc.org/sqlite"
)

// DB wraps the identity database connection: users, invites, sessions,
// API keys, and pairing codes. Job state lives in the separate jobs
// store so identity lookups never contend with execution writes.
type DB struct {
	conn      *sql.DB
	encryptor *crypto.Encryptor
}

// New creates a new database connection without secret encryption
func New(dbPath string) (*DB, error) {
	return NewWithEncryption(dbPath, "")
}

// NewWithEncryption creates a new database connection. When a key is
// provided, TOTP seeds are encrypted at rest.
func NewWithEncryption(dbPath string, encryptionKey string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize encryptor if key is provided
	var encryptor *crypto.Encryptor
	if encryptionKey != "" {
		encryptor, err = crypto.NewEncryptor(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
		}
	} else {
		slog.Warn("Secret encryption disabled - TOTP seeds will be stored in plaintext")
	}

	return &DB{
		conn:      conn,
		encryptor: encryptor,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	slog.Info("Running identity database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			login TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT DEFAULT 'viewer',
			totp_enabled BOOLEAN DEFAULT false,
			totp_secret TEXT DEFAULT '',
			enabled BOOLEAN DEFAULT true,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS invites (
			token TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			redeemed_by TEXT,
			redeemed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			device_id TEXT DEFAULT '',
			created_ip_hash TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			revoked_at DATETIME,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			prefix TEXT NOT NULL UNIQUE,
			secret_hash TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME,
			revoked_at DATETIME,
			last_used_at DATETIME,
			FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS pairing_codes (
			code TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			redeemed_at DATETIME,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT DEFAULT '',
			user_id TEXT DEFAULT '',
			user_login TEXT DEFAULT '',
			action TEXT NOT NULL,
			target_kind TEXT DEFAULT '',
			target_id TEXT DEFAULT '',
			method TEXT DEFAULT '',
			path TEXT DEFAULT '',
			status_code INTEGER DEFAULT 0,
			ip_hash TEXT DEFAULT '',
			duration_ms INTEGER DEFAULT 0,
			detail TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_token_hash ON sessions(token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix)`,
		`CREATE INDEX IF NOT EXISTS idx_invites_expires_at ON invites(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_created_at ON audits(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_user_id ON audits(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_action ON audits(action)`,
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, migration := range migrations {
		if _, err := tx.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return tx.Commit()
}

// DisableForeignKeys disables foreign key constraints (for testing)
func (db *DB) DisableForeignKeys() error {
	_, err := db.conn.Exec("PRAGMA foreign_keys=OFF")
	return err
}

// User operations

// GetUsers returns all users from the database
func (db *DB) GetUsers(ctx context.Context) ([]models.User, error) {
	query := `SELECT id, login, password_hash, role, totp_enabled, totp_secret, enabled, created_at, updated_at FROM users ORDER BY login`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		err := rows.Scan(&user.ID, &user.Login, &user.PasswordHash, &user.Role,
			&user.TOTPEnabled, &user.TOTPSecret, &user.Enabled, &user.CreatedAt, &user.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}

		db.decryptTOTP(&user)
		users = append(users, user)
	}

	return users, rows.Err()
}

// GetUser returns a single user by ID
func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, login, password_hash, role, totp_enabled, totp_secret, enabled, created_at, updated_at FROM users WHERE id = ?`

	var user models.User
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Login, &user.PasswordHash, &user.Role,
		&user.TOTPEnabled, &user.TOTPSecret, &user.Enabled, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	db.decryptTOTP(&user)
	return &user, nil
}

// GetUserByLogin returns a single user by login name
func (db *DB) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	query := `SELECT id, login, password_hash, role, totp_enabled, totp_secret, enabled, created_at, updated_at FROM users WHERE login = ?`

	var user models.User
	err := db.conn.QueryRowContext(ctx, query, login).Scan(
		&user.ID, &user.Login, &user.PasswordHash, &user.Role,
		&user.TOTPEnabled, &user.TOTPSecret, &user.Enabled, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by login: %w", err)
	}

	db.decryptTOTP(&user)
	return &user, nil
}

// CreateUser creates a new user
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	secret, err := db.encryptTOTP(user.TOTPSecret)
	if err != nil {
		return err
	}

	query := `INSERT INTO users (id, login, password_hash, role, totp_enabled, totp_secret, enabled) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query, user.ID, user.Login, user.PasswordHash, user.Role,
		user.TOTPEnabled, secret, user.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()

	return nil
}

// UpdateUser updates an existing user
func (db *DB) UpdateUser(ctx context.Context, user *models.User) error {
	secret, err := db.encryptTOTP(user.TOTPSecret)
	if err != nil {
		return err
	}

	query := `UPDATE users SET login = ?, password_hash = ?, role = ?, totp_enabled = ?, totp_secret = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	_, err = db.conn.ExecContext(ctx, query, user.Login, user.PasswordHash, user.Role,
		user.TOTPEnabled, secret, user.Enabled, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	return nil
}

// DeleteUser deletes a user by ID
func (db *DB) DeleteUser(ctx context.Context, id string) error {
	query := `DELETE FROM users WHERE id = ?`

	_, err := db.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	return nil
}

// CountUsers returns the number of users in the database
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM users`

	var count int
	err := db.conn.QueryRowContext(ctx, query).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}

	return count, nil
}

// CountAdmins returns the number of enabled admin accounts. Role and
// enabled edits must never drive this to zero.
func (db *DB) CountAdmins(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM users WHERE role = 'admin' AND enabled = true`

	var count int
	err := db.conn.QueryRowContext(ctx, query).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}

	return count, nil
}

func (db *DB) encryptTOTP(secret string) (string, error) {
	if db.encryptor == nil || secret == "" {
		return secret, nil
	}
	encrypted, err := db.encryptor.Encrypt(secret)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt TOTP secret: %w", err)
	}
	return encrypted, nil
}

// decryptTOTP decrypts the stored seed in place. On failure the stored
// value is kept, which makes code verification fail closed.
func (db *DB) decryptTOTP(user *models.User) {
	if db.encryptor == nil || user.TOTPSecret == "" {
		return
	}
	decrypted, err := db.encryptor.Decrypt(user.TOTPSecret)
	if err != nil {
		slog.Error("Failed to decrypt TOTP secret", "user", user.Login, "error", err)
		return
	}
	user.TOTPSecret = decrypted
}

// Session operations

// CreateSession creates a new session
func (db *DB) CreateSession(ctx context.Context, session *models.Session) error {
	query := `INSERT INTO sessions (id, user_id, token_hash, device_id, created_ip_hash, expires_at) VALUES (?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query, session.ID, session.UserID, session.TokenHash,
		session.DeviceID, session.CreatedIPHash, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetSessionByTokenHash returns a live session by token hash. Expired
// and revoked sessions read as absent.
func (db *DB) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	query := `SELECT id, user_id, token_hash, device_id, created_ip_hash, created_at, expires_at, revoked_at FROM sessions WHERE token_hash = ? AND expires_at > ? AND revoked_at IS NULL`

	var session models.Session
	var revoked sql.NullTime
	err := db.conn.QueryRowContext(ctx, query, tokenHash, time.Now()).Scan(
		&session.ID, &session.UserID, &session.TokenHash, &session.DeviceID,
		&session.CreatedIPHash, &session.CreatedAt, &session.ExpiresAt, &revoked)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if revoked.Valid {
		t := revoked.Time
		session.RevokedAt = &t
	}

	return &session, nil
}

// ListUserSessions returns a user's sessions, live ones first
func (db *DB) ListUserSessions(ctx context.Context, userID string) ([]models.Session, error) {
	query := `SELECT id, user_id, token_hash, device_id, created_ip_hash, created_at, expires_at, revoked_at FROM sessions WHERE user_id = ? ORDER BY revoked_at IS NOT NULL, created_at DESC`

	rows, err := db.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var session models.Session
		var revoked sql.NullTime
		err := rows.Scan(&session.ID, &session.UserID, &session.TokenHash, &session.DeviceID,
			&session.CreatedIPHash, &session.CreatedAt, &session.ExpiresAt, &revoked)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if revoked.Valid {
			t := revoked.Time
			session.RevokedAt = &t
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// RevokeSession revokes one of the user's sessions by session ID.
// Returns false if no live session matched.
func (db *DB) RevokeSession(ctx context.Context, userID, sessionID string) (bool, error) {
	query := `UPDATE sessions SET revoked_at = CURRENT_TIMESTAMP WHERE id = ? AND user_id = ? AND revoked_at IS NULL`

	result, err := db.conn.ExecContext(ctx, query, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n > 0, nil
}

// RevokeSessionByTokenHash revokes the session behind a presented token
func (db *DB) RevokeSessionByTokenHash(ctx context.Context, tokenHash string) error {
	query := `UPDATE sessions SET revoked_at = CURRENT_TIMESTAMP WHERE token_hash = ? AND revoked_at IS NULL`

	_, err := db.conn.ExecContext(ctx, query, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	return nil
}

// RevokeUserSessions revokes all live sessions for a user, used after a
// password change or account disable.
func (db *DB) RevokeUserSessions(ctx context.Context, userID string) error {
	query := `UPDATE sessions SET revoked_at = CURRENT_TIMESTAMP WHERE user_id = ? AND revoked_at IS NULL`

	_, err := db.conn.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke user sessions: %w", err)
	}

	return nil
}

// CleanupExpiredSessions removes expired sessions and revoked sessions
// older than a day
func (db *DB) CleanupExpiredSessions(ctx context.Context) error {
	query := `DELETE FROM sessions WHERE expires_at <= ? OR (revoked_at IS NOT NULL AND revoked_at <= ?)`

	now := time.Now()
	_, err := db.conn.ExecContext(ctx, query, now, now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}

	return nil
}
