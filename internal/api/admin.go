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
	"time"

	"reel/internal/apierr"
	"reel/internal/database"
	"reel/internal/dispatch"
	"reel/internal/events"
	"reel/internal/metrics"
	"reel/internal/policy"
	"reel/pkg/crypto"
	"reel/pkg/models"
)

const defaultInviteTTL = 7 * 24 * time.Hour

func (s *Server) routeAdmin(mux *http.ServeMux) {
	admin := func(h http.HandlerFunc) http.Handler {
		return chain(s.read(h), policy.RequireAuth, policy.RequireRole(models.RoleAdmin))
	}
	adminMut := func(h http.HandlerFunc) http.Handler {
		return chain(s.mutation(h), policy.RequireAuth, policy.RequireRole(models.RoleAdmin))
	}

	mux.Handle("GET /api/admin/queue", admin(s.handleAdminQueue))
	mux.Handle("GET /api/admin/quotas/{user}", admin(s.handleAdminQuota))
	mux.Handle("GET /api/admin/invites", admin(s.handleAdminListInvites))
	mux.Handle("POST /api/admin/invites", adminMut(s.handleAdminCreateInvite))
	mux.Handle("GET /api/admin/users", admin(s.handleAdminListUsers))
	mux.Handle("POST /api/admin/users/{id}/disable", adminMut(s.handleAdminDisableUser))
	mux.Handle("GET /api/admin/reports/usage", admin(s.handleAdminUsageReport))
	mux.Handle("GET /api/admin/audit", admin(s.handleAdminAudit))
	mux.Handle("POST /api/admin/leases/{job}/steal",
		chain(s.mutation(s.handleAdminStealLease), policy.RequireAuth, policy.RequireRole(models.RoleOperator)))
}

// handleAdminQueue exposes the dispatch plane: per-priority depths,
// outstanding leases, outbox backlog, and, on the auto backend, the
// breaker state.
func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"backend": s.backend.Name()}

	if auto, ok := s.backend.(*dispatch.Auto); ok {
		resp["status"] = auto.Status(r.Context())
	} else {
		depth, err := s.backend.Depth(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp["depth"] = depth
	}
	if err := s.backend.Health(r.Context()); err != nil {
		resp["health"] = err.Error()
	} else {
		resp["health"] = "ok"
	}

	counts, err := s.store.CountsByState(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp["jobs_by_state"] = counts

	leases, err := s.store.ListLeases(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp["leases"] = leases

	pending, err := s.store.ListPendingOutbox(r.Context(), 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp["outbox_pending"] = pending

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminQuota(w http.ResponseWriter, r *http.Request) {
	usage, err := s.store.GetQuotaUsage(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type createInviteRequest struct {
	Role      string `json:"role"`
	ExpiresIn int64  `json:"expires_in_s,omitempty"`
}

func (s *Server) handleAdminCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !models.ValidRole(req.Role) {
		s.fail(w, r, apierr.Validation("invalid role %q", req.Role))
		return
	}
	token, err := crypto.RandomToken()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ttl := defaultInviteTTL
	if req.ExpiresIn > 0 {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}
	ident := policy.IdentityFrom(r.Context())
	inv := &models.Invite{
		Token:     token,
		Role:      req.Role,
		CreatedBy: ident.UserID,
		CreatedAt: s.now(),
		ExpiresAt: s.now().Add(ttl),
	}
	if err := s.db.CreateInvite(r.Context(), inv); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recordAudit(r, models.AuditInviteCreate, "invite", "", http.StatusCreated, map[string]any{"role": req.Role})
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleAdminListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := s.db.ListInvites(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": invites})
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.GetUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]userResponse, len(users))
	for i := range users {
		out[i] = toUserResponse(&users[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

// handleAdminDisableUser disables the account and revokes its open
// sessions so the lockout is immediate. The last admin cannot be
// disabled.
func (s *Server) handleAdminDisableUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	user, err := s.db.GetUser(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if user == nil {
		s.fail(w, r, apierr.NotFound("user not found"))
		return
	}
	if user.Role == models.RoleAdmin {
		admins, err := s.db.CountAdmins(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if admins <= 1 {
			s.fail(w, r, apierr.Conflict("cannot disable the last admin"))
			return
		}
	}
	user.Enabled = false
	if err := s.db.UpdateUser(r.Context(), user); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.db.RevokeUserSessions(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recordAudit(r, models.AuditUserUpdate, "user", id, http.StatusOK, map[string]any{"enabled": false})
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleAdminUsageReport(w http.ResponseWriter, r *http.Request) {
	usage, err := s.store.ListQuotaUsage(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": usage})
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := database.AuditFilter{
		UserID:   q.Get("user_id"),
		Action:   q.Get("action"),
		TargetID: q.Get("target_id"),
		Limit:    intParam(q.Get("limit"), 100),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.fail(w, r, apierr.Validation("since must be RFC3339"))
			return
		}
		f.Since = t
	}
	records, err := s.db.ListAudits(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": records})
}

// handleAdminStealLease reclaims an expired execution lease so the job
// of a crashed worker runs again. A live lease is never stolen here;
// the heartbeat keeps it extended while its worker is healthy.
func (s *Server) handleAdminStealLease(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	lease, err := s.store.GetLease(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, storeErr(err, "lease"))
		return
	}
	if lease.ExpiresAt.After(s.now()) {
		s.fail(w, r, apierr.Conflict("lease is still held until %s", lease.ExpiresAt.UTC().Format(time.RFC3339)))
		return
	}
	if err := s.store.ReleaseLease(r.Context(), jobID, lease.Consumer); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.store.UpdateJob(r.Context(), jobID,
		[]models.JobState{models.JobRunning},
		func(j *models.Job) error {
			j.State = models.JobQueued
			j.AvailableAt = s.now()
			j.StartedAt = nil
			j.Message = "requeued after lease steal"
			return nil
		})
	if err != nil {
		s.fail(w, r, storeErr(err, "job"))
		return
	}
	if err := s.store.RequeueOutbox(r.Context(), jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.sched.Kick()
	metrics.IncLeaseSteal()
	s.hub.Publish(events.JobTopic(jobID), models.Event{
		Type:    models.EventState,
		JobID:   jobID,
		Time:    s.now(),
		State:   job.State,
		Message: job.Message,
	})
	s.recordAudit(r, models.AuditLeaseSteal, "job", jobID, http.StatusOK, map[string]any{"stolen_from": lease.Consumer})
	writeJSON(w, http.StatusOK, job)
}
