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

package api

import (
	"net/http"
	"testing"
	"time"

	"reel/pkg/models"
)

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("edith", models.RoleEditor)

	for _, path := range []string{
		"/api/admin/queue",
		"/api/admin/users",
		"/api/admin/invites",
		"/api/admin/reports/usage",
		"/api/admin/audit",
	} {
		resp := s.do(http.MethodGet, path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("GET %s = %d, want 403", path, resp.StatusCode)
		}
	}
}

func TestAdminQueueStatus(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("root", models.RoleAdmin)
	submitJob(t, admin, "queued.mp4")

	resp := admin.do(http.MethodGet, "/api/admin/queue", nil)
	wantStatus(t, resp, http.StatusOK)
	got := decodeBody[struct {
		Backend     string           `json:"backend"`
		Health      string           `json:"health"`
		JobsByState map[string]int64 `json:"jobs_by_state"`
	}](t, resp)
	if got.Backend != "local" {
		t.Errorf("backend = %q, want local", got.Backend)
	}
	if got.Health != "ok" {
		t.Errorf("health = %q, want ok", got.Health)
	}
	if got.JobsByState["QUEUED"] != 1 {
		t.Errorf("jobs_by_state[QUEUED] = %d, want 1", got.JobsByState["QUEUED"])
	}
}

func TestAdminQuotaReport(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("root", models.RoleAdmin)
	alice := env.login("alice", models.RoleEditor)
	submitJob(t, alice, "counted.mp4")

	resp := admin.do(http.MethodGet, "/api/admin/quotas/"+alice.user.ID, nil)
	wantStatus(t, resp, http.StatusOK)
	usage := decodeBody[models.QuotaUsage](t, resp)
	if usage.JobsSubmittedToday != 1 {
		t.Errorf("jobs_submitted_today = %d, want 1", usage.JobsSubmittedToday)
	}

	resp = admin.do(http.MethodGet, "/api/admin/reports/usage", nil)
	wantStatus(t, resp, http.StatusOK)
	report := decodeBody[struct {
		Usage []models.QuotaUsage `json:"usage"`
	}](t, resp)
	found := false
	for _, u := range report.Usage {
		if u.UserID == alice.user.ID {
			found = true
		}
	}
	if !found {
		t.Error("usage report does not include the submitting user")
	}
}

func TestAdminDisableUserRevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("root", models.RoleAdmin)
	alice := env.login("alice", models.RoleEditor)

	resp := admin.do(http.MethodPost, "/api/admin/users/"+alice.user.ID+"/disable", nil)
	wantStatus(t, resp, http.StatusOK)
	got := decodeBody[userResponse](t, resp)
	if got.ID != alice.user.ID {
		t.Errorf("disabled user = %s, want %s", got.ID, alice.user.ID)
	}

	// The open session died with the account.
	r := alice.do(http.MethodGet, "/api/jobs", nil)
	r.Body.Close()
	if r.StatusCode != http.StatusUnauthorized {
		t.Errorf("disabled user's session still works: %d", r.StatusCode)
	}
}

func TestAdminCannotDisableLastAdmin(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("root", models.RoleAdmin)

	resp := admin.do(http.MethodPost, "/api/admin/users/"+admin.user.ID+"/disable", nil)
	wantStatus(t, resp, http.StatusConflict)

	// With a second admin the first becomes disableable.
	env.seedUser("root2", models.RoleAdmin)
	resp = admin.do(http.MethodPost, "/api/admin/users/"+admin.user.ID+"/disable", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAdminInviteRejectsBadRole(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("root", models.RoleAdmin)

	resp := admin.do(http.MethodPost, "/api/admin/invites", map[string]any{"role": "superuser"})
	wantStatus(t, resp, http.StatusBadRequest)
}

func TestAdminStealExpiredLease(t *testing.T) {
	env := newTestEnv(t)
	op := env.login("oscar", models.RoleOperator)
	job := submitJob(t, op, "leased.mp4")

	if _, err := env.store.UpdateJob(env.ctx, job.ID,
		[]models.JobState{models.JobQueued},
		func(j *models.Job) error {
			j.State = models.JobRunning
			now := time.Now().UTC()
			j.StartedAt = &now
			return nil
		}); err != nil {
		t.Fatalf("force running: %v", err)
	}

	// A live lease must not be stolen.
	if _, _, err := env.store.AcquireLease(env.ctx, job.ID, "worker-dead", time.Minute); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	resp := op.do(http.MethodPost, "/api/admin/leases/"+job.ID+"/steal", nil)
	wantStatus(t, resp, http.StatusConflict)

	// Expire it, then the steal re-queues the job.
	if _, _, err := env.store.AcquireLease(env.ctx, job.ID, "worker-dead", -time.Minute); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	resp = op.do(http.MethodPost, "/api/admin/leases/"+job.ID+"/steal", nil)
	wantStatus(t, resp, http.StatusOK)
	got := decodeBody[models.Job](t, resp)
	if got.State != models.JobQueued {
		t.Errorf("state = %s, want QUEUED after steal", got.State)
	}
	if got.StartedAt != nil {
		t.Error("started_at not cleared after steal")
	}
}

func TestAdminAuditFilterValidation(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("root", models.RoleAdmin)

	resp := admin.do(http.MethodGet, "/api/admin/audit?since=not-a-time", nil)
	wantStatus(t, resp, http.StatusBadRequest)

	resp = admin.do(http.MethodGet, "/api/admin/audit", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
