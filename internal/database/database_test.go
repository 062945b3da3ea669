// Reel is a media dubbing job server.
// Copyright (C) 2025  Matthew Burns
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
	"os"
	"path/filepath"
	"testing"
	"time"

	"reel/pkg/models"
)

func TestNew(t *testing.T) {
	// Create temporary database file
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	// Verify database file exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatalf("Database file was not created")
	}
}

func TestMigrate(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	err = db.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	// Verify tables exist by trying to query them
	_, err = db.GetUsers(ctx)
	if err != nil {
		t.Fatalf("Failed to query users table after migration: %v", err)
	}

	// Migrations must be re-runnable
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Second migration failed: %v", err)
	}
}

func TestUserCRUD(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	// Test GetUsers (empty initially)
	users, err := db.GetUsers(ctx)
	if err != nil {
		t.Fatalf("GetUsers failed: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("Expected 0 users initially, got %d", len(users))
	}

	// Test CountUsers (should be 0)
	count, err := db.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected count 0, got %d", count)
	}

	// Test CreateUser
	user := &models.User{
		ID:           "user-test-123",
		Login:        "testuser",
		PasswordHash: "hashed_password_123",
		Role:         models.RoleEditor,
		Enabled:      true,
	}
	err = db.CreateUser(ctx, user)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	// Test GetUser
	retrieved, err := db.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if retrieved.Login != user.Login {
		t.Errorf("Expected login %q, got %q", user.Login, retrieved.Login)
	}

	// Test GetUserByLogin
	byLogin, err := db.GetUserByLogin(ctx, user.Login)
	if err != nil {
		t.Fatalf("GetUserByLogin failed: %v", err)
	}
	if byLogin.ID != user.ID {
		t.Errorf("Expected user ID %q, got %q", user.ID, byLogin.ID)
	}

	// Test GetUsers (should have 1)
	users, err = db.GetUsers(ctx)
	if err != nil {
		t.Fatalf("GetUsers failed: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("Expected 1 user, got %d", len(users))
	}

	// Test UpdateUser
	user.Role = models.RoleOperator
	user.Enabled = false
	err = db.UpdateUser(ctx, user)
	if err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}

	updated, err := db.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser (after update) failed: %v", err)
	}
	if updated.Role != models.RoleOperator {
		t.Errorf("Expected role 'operator', got %q", updated.Role)
	}
	if updated.Enabled {
		t.Error("Expected Enabled=false")
	}

	// Test DeleteUser
	err = db.DeleteUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}

	// Verify deletion - GetUser should return nil (no error, just nil user)
	deleted, err := db.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser after delete returned error: %v", err)
	}
	if deleted != nil {
		t.Error("Expected nil user after deletion")
	}

	count, err = db.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers (after delete) failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected count 0 after delete, got %d", count)
	}
}

func TestCountAdmins(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	admin := &models.User{ID: "u-admin", Login: "admin", PasswordHash: "h", Role: models.RoleAdmin, Enabled: true}
	if err := db.CreateUser(ctx, admin); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	viewer := &models.User{ID: "u-viewer", Login: "viewer", PasswordHash: "h", Role: models.RoleViewer, Enabled: true}
	if err := db.CreateUser(ctx, viewer); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	count, err := db.CountAdmins(ctx)
	if err != nil {
		t.Fatalf("CountAdmins failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 admin, got %d", count)
	}

	// A disabled admin must not count
	admin.Enabled = false
	if err := db.UpdateUser(ctx, admin); err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}
	count, err = db.CountAdmins(ctx)
	if err != nil {
		t.Fatalf("CountAdmins failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 admins after disable, got %d", count)
	}
}

func TestUserTOTPEncryption(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewWithEncryption(dbPath, "test-encryption-key")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	secret := "JBSWY3DPEHPK3PXP"
	user := &models.User{
		ID:           "user-totp",
		Login:        "totpuser",
		PasswordHash: "h",
		Role:         models.RoleViewer,
		TOTPEnabled:  true,
		TOTPSecret:   secret,
		Enabled:      true,
	}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	// The raw column must not contain the plaintext seed
	var raw string
	err = db.conn.QueryRowContext(ctx, "SELECT totp_secret FROM users WHERE id = ?", user.ID).Scan(&raw)
	if err != nil {
		t.Fatalf("Failed to read raw totp_secret: %v", err)
	}
	if raw == secret {
		t.Fatal("TOTP secret was stored in plaintext")
	}

	// Reads decrypt transparently
	retrieved, err := db.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if retrieved.TOTPSecret != secret {
		t.Errorf("Expected decrypted secret %q, got %q", secret, retrieved.TOTPSecret)
	}

	byLogin, err := db.GetUserByLogin(ctx, user.Login)
	if err != nil {
		t.Fatalf("GetUserByLogin failed: %v", err)
	}
	if byLogin.TOTPSecret != secret {
		t.Errorf("Expected decrypted secret via login lookup, got %q", byLogin.TOTPSecret)
	}
}

func TestSessionOperations(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	// Disable foreign key constraints for testing
	if err := db.DisableForeignKeys(); err != nil {
		t.Fatalf("Failed to disable foreign keys: %v", err)
	}

	// Test CreateSession
	session := &models.Session{
		ID:            "test-session-1",
		UserID:        "user-123",
		TokenHash:     "hash-123",
		DeviceID:      "laptop",
		CreatedIPHash: "iphash",
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}

	err = db.CreateSession(ctx, session)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	// Test GetSessionByTokenHash
	retrieved, err := db.GetSessionByTokenHash(ctx, session.TokenHash)
	if err != nil {
		t.Fatalf("Failed to get session by token hash: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Retrieved session is nil")
	}
	if retrieved.ID != session.ID {
		t.Errorf("Expected session ID %s, got %s", session.ID, retrieved.ID)
	}
	if retrieved.DeviceID != "laptop" {
		t.Errorf("Expected device ID 'laptop', got %s", retrieved.DeviceID)
	}

	// Test ListUserSessions
	sessions, err := db.ListUserSessions(ctx, session.UserID)
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}

	// Test RevokeSession
	ok, err := db.RevokeSession(ctx, session.UserID, session.ID)
	if err != nil {
		t.Fatalf("Failed to revoke session: %v", err)
	}
	if !ok {
		t.Fatal("Expected revoke to report success")
	}

	// Revoked sessions read as absent by token hash
	gone, err := db.GetSessionByTokenHash(ctx, session.TokenHash)
	if err != nil {
		t.Fatalf("Failed to check revoked session: %v", err)
	}
	if gone != nil {
		t.Error("Session should be nil after revocation")
	}

	// Revoking again reports no match
	ok, err = db.RevokeSession(ctx, session.UserID, session.ID)
	if err != nil {
		t.Fatalf("Failed to re-revoke session: %v", err)
	}
	if ok {
		t.Error("Second revoke should report no live session")
	}

	// But the listing still shows it with RevokedAt set
	sessions, err = db.ListUserSessions(ctx, session.UserID)
	if err != nil {
		t.Fatalf("Failed to list sessions after revoke: %v", err)
	}
	if len(sessions) != 1 || sessions[0].RevokedAt == nil {
		t.Errorf("Expected listed session with RevokedAt set, got %+v", sessions)
	}
}

func TestRevokeUserSessions(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}
	if err := db.DisableForeignKeys(); err != nil {
		t.Fatalf("Failed to disable foreign keys: %v", err)
	}

	for i, hash := range []string{"h1", "h2", "h3"} {
		s := &models.Session{
			ID:        "sess-" + hash,
			UserID:    "user-123",
			TokenHash: hash,
			ExpiresAt: time.Now().Add(time.Hour),
		}
		if i == 2 {
			s.UserID = "other-user"
		}
		if err := db.CreateSession(ctx, s); err != nil {
			t.Fatalf("Failed to create session %d: %v", i, err)
		}
	}

	if err := db.RevokeUserSessions(ctx, "user-123"); err != nil {
		t.Fatalf("Failed to revoke user sessions: %v", err)
	}

	for _, hash := range []string{"h1", "h2"} {
		s, err := db.GetSessionByTokenHash(ctx, hash)
		if err != nil {
			t.Fatalf("Failed to get session: %v", err)
		}
		if s != nil {
			t.Errorf("Session %s should be revoked", hash)
		}
	}

	// The other user's session survives
	s, err := db.GetSessionByTokenHash(ctx, "h3")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if s == nil {
		t.Error("Other user's session should still be live")
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	// Disable foreign key constraints for testing
	if err := db.DisableForeignKeys(); err != nil {
		t.Fatalf("Failed to disable foreign keys: %v", err)
	}

	// Create an expired session
	expiredSession := &models.Session{
		ID:        "expired-session",
		UserID:    "user-123",
		TokenHash: "expired-hash",
		ExpiresAt: time.Now().Add(-1 * time.Hour), // Already expired
	}

	err = db.CreateSession(ctx, expiredSession)
	if err != nil {
		t.Fatalf("Failed to create expired session: %v", err)
	}

	// Create a valid session
	validSession := &models.Session{
		ID:        "valid-session",
		UserID:    "user-123",
		TokenHash: "valid-hash",
		ExpiresAt: time.Now().Add(1 * time.Hour), // Valid for 1 hour
	}

	err = db.CreateSession(ctx, validSession)
	if err != nil {
		t.Fatalf("Failed to create valid session: %v", err)
	}

	// Cleanup expired sessions
	err = db.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to cleanup expired sessions: %v", err)
	}

	// Count sessions directly to verify cleanup worked
	var expiredCount, validCount int

	// Check if expired session exists
	err = db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE token_hash = ?", expiredSession.TokenHash).Scan(&expiredCount)
	if err != nil {
		t.Fatalf("Failed to check expired session count: %v", err)
	}

	if expiredCount != 0 {
		t.Error("Expired session should have been cleaned up")
	}

	// Check if valid session exists
	err = db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE token_hash = ?", validSession.TokenHash).Scan(&validCount)
	if err != nil {
		t.Fatalf("Failed to check valid session count: %v", err)
	}

	if validCount != 1 {
		t.Error("Valid session should still exist")
	}
}

func BenchmarkCreateUser(b *testing.B) {
	tmpDir := b.TempDir()
	dbPath := filepath.Join(tmpDir, "benchmark.db")

	db, err := New(dbPath)
	if err != nil {
		b.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		b.Fatalf("Migration failed: %v", err)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		user := &models.User{
			ID:           "bench-user",
			Login:        "bench",
			PasswordHash: "hash",
			Role:         models.RoleViewer,
			Enabled:      true,
		}

		err := db.CreateUser(ctx, user)
		if err != nil {
			b.Fatalf("Failed to create user: %v", err)
		}

		// Clean up for next iteration
		_ = db.DeleteUser(ctx, user.ID)
	}
}
