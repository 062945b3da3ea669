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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"reel/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}
	return db
}

func TestInviteLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	invite := &models.Invite{
		Token:     "invite-token-1",
		Role:      models.RoleOperator,
		CreatedBy: "admin-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := db.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}

	got, err := db.GetInvite(ctx, invite.Token)
	if err != nil {
		t.Fatalf("GetInvite failed: %v", err)
	}
	if got == nil || got.Role != models.RoleOperator || got.RedeemedBy != nil {
		t.Fatalf("Unexpected invite: %+v", got)
	}

	list, err := db.ListInvites(ctx)
	if err != nil {
		t.Fatalf("ListInvites failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 invite, got %d", len(list))
	}

	if err := db.DeleteInvite(ctx, invite.Token); err != nil {
		t.Fatalf("DeleteInvite failed: %v", err)
	}
	gone, err := db.GetInvite(ctx, invite.Token)
	if err != nil {
		t.Fatalf("GetInvite after delete failed: %v", err)
	}
	if gone != nil {
		t.Error("Expected nil invite after deletion")
	}
}

func TestRedeemInvite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	invite := &models.Invite{
		Token:     "invite-redeem-1",
		Role:      models.RoleEditor,
		CreatedBy: "admin-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := db.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}

	user := &models.User{
		ID:           "new-user-1",
		Login:        "newbie",
		PasswordHash: "hash",
		Enabled:      true,
	}
	if err := db.RedeemInvite(ctx, invite.Token, user); err != nil {
		t.Fatalf("RedeemInvite failed: %v", err)
	}

	// The invite decides the role
	if user.Role != models.RoleEditor {
		t.Errorf("Expected role from invite, got %q", user.Role)
	}

	// The account exists
	created, err := db.GetUserByLogin(ctx, "newbie")
	if err != nil {
		t.Fatalf("GetUserByLogin failed: %v", err)
	}
	if created == nil || created.Role != models.RoleEditor {
		t.Fatalf("Unexpected created user: %+v", created)
	}

	// The invite records who redeemed it
	redeemed, err := db.GetInvite(ctx, invite.Token)
	if err != nil {
		t.Fatalf("GetInvite failed: %v", err)
	}
	if redeemed.RedeemedBy == nil || *redeemed.RedeemedBy != user.ID || redeemed.RedeemedAt == nil {
		t.Fatalf("Expected redemption recorded, got %+v", redeemed)
	}

	// Second redemption fails with a conflict
	again := &models.User{ID: "new-user-2", Login: "other", PasswordHash: "h", Enabled: true}
	err = db.RedeemInvite(ctx, invite.Token, again)
	if !errors.Is(err, ErrInviteInvalid) {
		t.Fatalf("Expected ErrInviteInvalid on second redemption, got %v", err)
	}

	// The losing user must not exist
	loser, err := db.GetUserByLogin(ctx, "other")
	if err != nil {
		t.Fatalf("GetUserByLogin failed: %v", err)
	}
	if loser != nil {
		t.Error("Losing redemption must not create a user")
	}
}

func TestRedeemInviteExpired(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	invite := &models.Invite{
		Token:     "invite-expired",
		Role:      models.RoleViewer,
		CreatedBy: "admin-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := db.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}

	user := &models.User{ID: "u-late", Login: "late", PasswordHash: "h", Enabled: true}
	err := db.RedeemInvite(ctx, invite.Token, user)
	if !errors.Is(err, ErrInviteInvalid) {
		t.Fatalf("Expected ErrInviteInvalid for expired invite, got %v", err)
	}
}

func TestRedeemInviteLoginTaken(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	existing := &models.User{ID: "u-existing", Login: "taken", PasswordHash: "h", Role: models.RoleViewer, Enabled: true}
	if err := db.CreateUser(ctx, existing); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	invite := &models.Invite{
		Token:     "invite-taken",
		Role:      models.RoleViewer,
		CreatedBy: "admin-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := db.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}

	user := &models.User{ID: "u-dup", Login: "taken", PasswordHash: "h", Enabled: true}
	err := db.RedeemInvite(ctx, invite.Token, user)
	if !errors.Is(err, ErrLoginTaken) {
		t.Fatalf("Expected ErrLoginTaken, got %v", err)
	}

	// The invite must remain redeemable after the failed attempt
	still, err := db.GetInvite(ctx, invite.Token)
	if err != nil {
		t.Fatalf("GetInvite failed: %v", err)
	}
	if still.RedeemedBy != nil {
		t.Error("Failed redemption must not consume the invite")
	}
}

func TestCleanupExpiredInvites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	expired := &models.Invite{Token: "inv-old", Role: models.RoleViewer, CreatedBy: "a", ExpiresAt: time.Now().Add(-time.Hour)}
	fresh := &models.Invite{Token: "inv-new", Role: models.RoleViewer, CreatedBy: "a", ExpiresAt: time.Now().Add(time.Hour)}
	for _, inv := range []*models.Invite{expired, fresh} {
		if err := db.CreateInvite(ctx, inv); err != nil {
			t.Fatalf("CreateInvite failed: %v", err)
		}
	}

	if err := db.CleanupExpiredInvites(ctx); err != nil {
		t.Fatalf("CleanupExpiredInvites failed: %v", err)
	}

	list, err := db.ListInvites(ctx)
	if err != nil {
		t.Fatalf("ListInvites failed: %v", err)
	}
	if len(list) != 1 || list[0].Token != "inv-new" {
		t.Fatalf("Expected only the fresh invite, got %+v", list)
	}
}

func TestPairingCodes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	user := &models.User{ID: "u-pair", Login: "pair", PasswordHash: "h", Role: models.RoleViewer, Enabled: true}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	code := &models.PairingCode{
		Code:      "PAIR42",
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(2 * time.Minute),
	}
	if err := db.CreatePairingCode(ctx, code); err != nil {
		t.Fatalf("CreatePairingCode failed: %v", err)
	}

	// First redemption wins
	got, err := db.RedeemPairingCode(ctx, "PAIR42")
	if err != nil {
		t.Fatalf("RedeemPairingCode failed: %v", err)
	}
	if got == nil || got.UserID != user.ID || got.RedeemedAt == nil {
		t.Fatalf("Unexpected pairing code: %+v", got)
	}

	// Second redemption reads as absent
	again, err := db.RedeemPairingCode(ctx, "PAIR42")
	if err != nil {
		t.Fatalf("Second RedeemPairingCode failed: %v", err)
	}
	if again != nil {
		t.Error("Used pairing code must not redeem twice")
	}

	// Expired codes read as absent too
	stale := &models.PairingCode{Code: "STALE1", UserID: user.ID, ExpiresAt: time.Now().Add(-time.Minute)}
	if err := db.CreatePairingCode(ctx, stale); err != nil {
		t.Fatalf("CreatePairingCode failed: %v", err)
	}
	missed, err := db.RedeemPairingCode(ctx, "STALE1")
	if err != nil {
		t.Fatalf("RedeemPairingCode failed: %v", err)
	}
	if missed != nil {
		t.Error("Expired pairing code must not redeem")
	}

	// Cleanup removes both used and expired codes
	if err := db.CleanupExpiredPairingCodes(ctx); err != nil {
		t.Fatalf("CleanupExpiredPairingCodes failed: %v", err)
	}
	var remaining int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM pairing_codes").Scan(&remaining); err != nil {
		t.Fatalf("Failed to count pairing codes: %v", err)
	}
	if remaining != 0 {
		t.Errorf("Expected 0 pairing codes after cleanup, got %d", remaining)
	}
}
