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

package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reel/internal/ctxkeys"
	"reel/internal/database"
	"reel/pkg/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open database failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

func TestRecorderPersistsAndRedacts(t *testing.T) {
	db := newTestDB(t)
	mirror := filepath.Join(t.TempDir(), "audit.log")
	rec := New(db, Options{MirrorPath: mirror, Buffer: 8})

	ctx := ctxkeys.WithRequestID(context.Background(), "req-1")
	rec.RecordDetail(ctx, models.AuditRecord{
		UserID:     "u1",
		UserLogin:  "alice",
		Action:     models.AuditJobSubmit,
		TargetKind: "job",
		TargetID:   "j1",
		Method:     "POST",
		Path:       "/api/jobs",
		StatusCode: 201,
	}, map[string]any{"series": "show", "password": "hunter2"})
	rec.Record(ctx, models.AuditRecord{
		UserID:     "u1",
		UserLogin:  "alice",
		Action:     models.AuditLogin,
		Method:     "POST",
		Path:       "/api/auth/login",
		StatusCode: 200,
	})
	rec.Close()

	if n := rec.Dropped(); n != 0 {
		t.Fatalf("expected no drops, got %d", n)
	}

	list, err := db.ListAudits(context.Background(), database.AuditFilter{})
	if err != nil {
		t.Fatalf("list audits failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}

	var submit *models.AuditRecord
	for i := range list {
		if list[i].Action == models.AuditJobSubmit {
			submit = &list[i]
		}
	}
	if submit == nil {
		t.Fatal("submit record not persisted")
	}
	if submit.RequestID != "req-1" {
		t.Errorf("expected request id from context, got %q", submit.RequestID)
	}
	if !strings.Contains(submit.Detail, "show") {
		t.Errorf("expected benign detail kept, got %q", submit.Detail)
	}
	if strings.Contains(submit.Detail, "hunter2") || !strings.Contains(submit.Detail, "[REDACTED]") {
		t.Errorf("expected password redacted, got %q", submit.Detail)
	}

	data, err := os.ReadFile(mirror)
	if err != nil {
		t.Fatalf("read mirror failed: %v", err)
	}
	if !strings.Contains(string(data), models.AuditJobSubmit) {
		t.Errorf("mirror missing submit record: %s", data)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Error("mirror leaked a password")
	}
}

func TestRecorderScrubsEmbeddedTokens(t *testing.T) {
	db := newTestDB(t)
	rec := New(db, Options{Buffer: 4})

	rec.Record(context.Background(), models.AuditRecord{
		Action: models.AuditApiKeyCreate,
		Detail: `client sent eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.c2ln in the body`,
	})
	rec.Close()

	list, err := db.ListAudits(context.Background(), database.AuditFilter{})
	if err != nil {
		t.Fatalf("list audits failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	if strings.Contains(list[0].Detail, "eyJ") || !strings.Contains(list[0].Detail, "[JWT-REDACTED]") {
		t.Errorf("expected token scrubbed, got %q", list[0].Detail)
	}
}

func TestRecorderCloseIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	rec := New(db, Options{Buffer: 4})

	rec.Close()
	rec.Close()

	// Recording after close is a silent no-op
	rec.Record(context.Background(), models.AuditRecord{Action: models.AuditLogout})

	list, err := db.ListAudits(context.Background(), database.AuditFilter{})
	if err != nil {
		t.Fatalf("list audits failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no records after close, got %d", len(list))
	}
}
