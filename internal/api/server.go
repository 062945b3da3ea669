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

// Package api is the HTTP surface of the server. It owns routing, the
// middleware chain, and the request/response models; every decision with
// teeth (identity, CSRF, rate, quota, per-object access) is delegated to
// the policy engine and the access checker so no check lives in two
// places.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"reel/internal/access"
	"reel/internal/apierr"
	"reel/internal/audit"
	"reel/internal/config"
	"reel/internal/database"
	"reel/internal/dispatch"
	"reel/internal/events"
	"reel/internal/lifecycle"
	"reel/internal/metrics"
	"reel/internal/policy"
	"reel/internal/scheduler"
	"reel/internal/stage"
	"reel/internal/store"
	"reel/internal/upload"
	"reel/pkg/crypto"
	"reel/pkg/models"
)

// Deps carries everything the HTTP layer needs. All fields except Audit
// and Life are required.
type Deps struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   *store.Store
	DB      *database.DB
	Policy  *policy.Engine
	Access  *access.Checker
	Uploads *upload.Manager
	Sched   *scheduler.Scheduler
	Backend dispatch.Backend
	Hub     *events.Hub
	// Pipeline names the stage sequence; rerun invalidation is computed
	// from its ordering.
	Pipeline *stage.Pipeline

	// Audit is optional; a nil recorder drops audit writes.
	Audit *audit.Recorder
	// Life gates submission endpoints while draining. Nil disables the
	// gate (tests).
	Life *lifecycle.Manager
}

// Server holds the handler state.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	db       *database.DB
	engine   *policy.Engine
	access   *access.Checker
	uploads  *upload.Manager
	sched    *scheduler.Scheduler
	backend  dispatch.Backend
	hub      *events.Hub
	pipeline *stage.Pipeline
	audit    *audit.Recorder
	life     *lifecycle.Manager

	now func() time.Time
}

// New validates the dependency set and returns a Server.
func New(d Deps) (*Server, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("api: store is required")
	case d.DB == nil:
		return nil, errors.New("api: identity database is required")
	case d.Policy == nil:
		return nil, errors.New("api: policy engine is required")
	case d.Access == nil:
		return nil, errors.New("api: access checker is required")
	case d.Uploads == nil:
		return nil, errors.New("api: upload manager is required")
	case d.Sched == nil:
		return nil, errors.New("api: scheduler is required")
	case d.Backend == nil:
		return nil, errors.New("api: dispatch backend is required")
	case d.Hub == nil:
		return nil, errors.New("api: event hub is required")
	case d.Pipeline == nil:
		return nil, errors.New("api: pipeline is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		cfg:      d.Config,
		logger:   d.Logger,
		store:    d.Store,
		db:       d.DB,
		engine:   d.Policy,
		access:   d.Access,
		uploads:  d.Uploads,
		sched:    d.Sched,
		backend:  d.Backend,
		hub:      d.Hub,
		pipeline: d.Pipeline,
		audit:    d.Audit,
		life:     d.Life,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// middleware is a composable handler wrapper.
type middleware func(http.Handler) http.Handler

// chain applies mws outermost-first around h.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Handler builds the full route table. Health, readiness, and metrics
// mount outside the remote-access gate so probes and scrapers on the
// box keep working when external access is locked down.
func (s *Server) Handler() http.Handler {
	inner := http.NewServeMux()
	s.routeAuth(inner)
	s.routeUploads(inner)
	s.routeJobs(inner)
	s.routeStreams(inner)
	s.routeFiles(inner)
	s.routeAdmin(inner)

	// Self-registration is not served: respond 404 without revealing
	// whether the route could exist.
	inner.HandleFunc("POST /api/register", s.handleSignupDisabled)
	inner.HandleFunc("POST /auth/signup", s.handleSignupDisabled)

	gated := chain(inner,
		s.engine.RemoteGate,
		s.requestContext,
		s.securityHeaders,
		s.engine.Identify,
	)

	outer := http.NewServeMux()
	outer.HandleFunc("GET /healthz", s.handleHealthz)
	outer.HandleFunc("GET /readyz", s.handleReadyz)
	outer.Handle("GET /metrics", metrics.Handler())
	outer.Handle("/", gated)
	return outer
}

// mutation is the standard wrapper stack for state-changing endpoints:
// drain gate, CSRF for cookie sessions, and the mutate rate class.
func (s *Server) mutation(h http.HandlerFunc) http.Handler {
	mws := []middleware{}
	if s.life != nil {
		mws = append(mws, s.life.Gate)
	}
	mws = append(mws, s.engine.CSRF, s.engine.RateLimit(policy.RateClassMutate))
	return chain(h, mws...)
}

// read wraps read endpoints with the read rate class.
func (s *Server) read(h http.HandlerFunc) http.Handler {
	return chain(h, s.engine.RateLimit(policy.RateClassRead))
}

func (s *Server) handleSignupDisabled(w http.ResponseWriter, r *http.Request) {
	apierr.Write(w, apierr.NotFound("not found"))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.life != nil && !s.life.Ready() {
		apierr.Write(w, apierr.Draining(5*time.Second))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fail writes err through the shared responder, logging anything that
// collapses to a 500 so the detail lands in the server log instead of
// the client body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apierr.FromError(err) == nil {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	apierr.Write(w, err)
}

// recordAudit enqueues an audit entry for the current request, filling
// in the identity and transport fields so handlers only name the
// action, the target, and any detail worth keeping.
func (s *Server) recordAudit(r *http.Request, action, targetKind, targetID string, status int, detail map[string]any) {
	if s.audit == nil {
		return
	}
	rec := models.AuditRecord{
		Action:     action,
		TargetKind: targetKind,
		TargetID:   targetID,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		IPHash:     crypto.HashIP(s.engine.SourceIP(r), s.cfg.SessionSecret),
		CreatedAt:  s.now(),
	}
	if ident := policy.IdentityFrom(r.Context()); ident != nil {
		rec.UserID = ident.UserID
		rec.UserLogin = ident.Login
	}
	s.audit.RecordDetail(r.Context(), rec, detail)
}

// storeErr maps store sentinels onto API error kinds.
func storeErr(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierr.NotFound(what + " not found")
	case errors.Is(err, store.ErrStateConflict), errors.Is(err, store.ErrIllegalTransition):
		return apierr.Conflict("%s state does not allow this operation", what)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
