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
	"errors"
	"fmt"
	"time"

	"reel/pkg/models"
)

// Redemption failures the handlers map to conflict responses.
var (
	ErrInviteInvalid = errors.New("invite is invalid, expired, or already redeemed")
	ErrLoginTaken    = errors.New("login is already taken")
)

// Invite operations

// CreateInvite creates a new invite token
func (db *DB) CreateInvite(ctx context.Context, invite *models.Invite) error {
	query := `INSERT INTO invites (token, role, created_by, expires_at) VALUES (?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query, invite.Token, invite.Role, invite.CreatedBy, invite.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create invite: %w", err)
	}

	invite.CreatedAt = time.Now()

	return nil
}

// GetInvite returns a single invite by token
func (db *DB) GetInvite(ctx context.Context, token string) (*models.Invite, error) {
	query := `SELECT token, role, created_by, created_at, expires_at, redeemed_by, redeemed_at FROM invites WHERE token = ?`

	var invite models.Invite
	var redeemedBy sql.NullString
	var redeemedAt sql.NullTime
	err := db.conn.QueryRowContext(ctx, query, token).Scan(
		&invite.Token, &invite.Role, &invite.CreatedBy, &invite.CreatedAt,
		&invite.ExpiresAt, &redeemedBy, &redeemedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}
	if redeemedBy.Valid {
		s := redeemedBy.String
		invite.RedeemedBy = &s
	}
	if redeemedAt.Valid {
		t := redeemedAt.Time
		invite.RedeemedAt = &t
	}

	return &invite, nil
}

// ListInvites returns all invites, newest first
func (db *DB) ListInvites(ctx context.Context) ([]models.Invite, error) {
	query := `SELECT token, role, created_by, created_at, expires_at, redeemed_by, redeemed_at FROM invites ORDER BY created_at DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query invites: %w", err)
	}
	defer rows.Close()

	var invites []models.Invite
	for rows.Next() {
		var invite models.Invite
		var redeemedBy sql.NullString
		var redeemedAt sql.NullTime
		err := rows.Scan(&invite.Token, &invite.Role, &invite.CreatedBy, &invite.CreatedAt,
			&invite.ExpiresAt, &redeemedBy, &redeemedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		if redeemedBy.Valid {
			s := redeemedBy.String
			invite.RedeemedBy = &s
		}
		if redeemedAt.Valid {
			t := redeemedAt.Time
			invite.RedeemedAt = &t
		}
		invites = append(invites, invite)
	}

	return invites, rows.Err()
}

// DeleteInvite deletes an unredeemed invite by token
func (db *DB) DeleteInvite(ctx context.Context, token string) error {
	query := `DELETE FROM invites WHERE token = ? AND redeemed_by IS NULL`

	_, err := db.conn.ExecContext(ctx, query, token)
	if err != nil {
		return fmt.Errorf("failed to delete invite: %w", err)
	}

	return nil
}

// RedeemInvite consumes an invite and creates the account in one
// transaction. The invite decides the role; the caller fills in the
// rest of the user. Concurrent redemptions of the same token race on
// the guarded update, so exactly one wins.
func (db *DB) RedeemInvite(ctx context.Context, token string, user *models.User) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var role string
	query := `SELECT role FROM invites WHERE token = ? AND redeemed_by IS NULL AND expires_at > ?`
	err = tx.QueryRowContext(ctx, query, token, time.Now()).Scan(&role)
	if err == sql.ErrNoRows {
		return ErrInviteInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to get invite: %w", err)
	}

	var taken int
	query = `SELECT COUNT(*) FROM users WHERE login = ?`
	if err := tx.QueryRowContext(ctx, query, user.Login).Scan(&taken); err != nil {
		return fmt.Errorf("failed to check login: %w", err)
	}
	if taken > 0 {
		return ErrLoginTaken
	}

	query = `UPDATE invites SET redeemed_by = ?, redeemed_at = CURRENT_TIMESTAMP WHERE token = ? AND redeemed_by IS NULL AND expires_at > ?`
	result, err := tx.ExecContext(ctx, query, user.ID, token, time.Now())
	if err != nil {
		return fmt.Errorf("failed to redeem invite: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return ErrInviteInvalid
	}

	user.Role = role
	secret, err := db.encryptTOTP(user.TOTPSecret)
	if err != nil {
		return err
	}

	query = `INSERT INTO users (id, login, password_hash, role, totp_enabled, totp_secret, enabled) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, user.ID, user.Login, user.PasswordHash, user.Role,
		user.TOTPEnabled, secret, user.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()

	return nil
}

// CleanupExpiredInvites removes unredeemed invites past expiry
func (db *DB) CleanupExpiredInvites(ctx context.Context) error {
	query := `DELETE FROM invites WHERE redeemed_by IS NULL AND expires_at <= ?`

	_, err := db.conn.ExecContext(ctx, query, time.Now())
	if err != nil {
		return fmt.Errorf("failed to cleanup expired invites: %w", err)
	}

	return nil
}

// Pairing code operations

// CreatePairingCode creates a short-lived device pairing code
func (db *DB) CreatePairingCode(ctx context.Context, code *models.PairingCode) error {
	query := `INSERT INTO pairing_codes (code, user_id, expires_at) VALUES (?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query, code.Code, code.UserID, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create pairing code: %w", err)
	}

	code.CreatedAt = time.Now()

	return nil
}

// RedeemPairingCode consumes a pairing code. Used, expired, and unknown
// codes all read as absent so callers cannot probe which it was.
func (db *DB) RedeemPairingCode(ctx context.Context, code string) (*models.PairingCode, error) {
	query := `UPDATE pairing_codes SET redeemed_at = CURRENT_TIMESTAMP WHERE code = ? AND redeemed_at IS NULL AND expires_at > ?`

	result, err := db.conn.ExecContext(ctx, query, code, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to redeem pairing code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	query = `SELECT code, user_id, created_at, expires_at, redeemed_at FROM pairing_codes WHERE code = ?`

	var pc models.PairingCode
	var redeemedAt sql.NullTime
	err = db.conn.QueryRowContext(ctx, query, code).Scan(
		&pc.Code, &pc.UserID, &pc.CreatedAt, &pc.ExpiresAt, &redeemedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get pairing code: %w", err)
	}
	if redeemedAt.Valid {
		t := redeemedAt.Time
		pc.RedeemedAt = &t
	}

	return &pc, nil
}

// CleanupExpiredPairingCodes removes expired and redeemed pairing codes
func (db *DB) CleanupExpiredPairingCodes(ctx context.Context) error {
	query := `DELETE FROM pairing_codes WHERE expires_at <= ? OR redeemed_at IS NOT NULL`

	_, err := db.conn.ExecContext(ctx, query, time.Now())
	if err != nil {
		return fmt.Errorf("failed to cleanup expired pairing codes: %w", err)
	}

	return nil
}
