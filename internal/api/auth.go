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
	"errors"
	"net/http"
	"strings"
	"time"

	"reel/internal/apierr"
	"reel/internal/database"
	"reel/internal/policy"
	"reel/pkg/auth"
	"reel/pkg/crypto"
	"reel/pkg/models"
)

const (
	pairingCodeTTL = 5 * time.Minute
	totpIssuer     = "reel"
)

func (s *Server) routeAuth(mux *http.ServeMux) {
	authRate := s.engine.RateLimit(policy.RateClassAuth)

	mux.Handle("POST /auth/login", chain(http.HandlerFunc(s.handleLogin), authRate))
	mux.Handle("POST /auth/refresh", chain(http.HandlerFunc(s.handleRefresh), policy.RequireAuth, s.engine.RateLimit(policy.RateClassMutate)))
	mux.Handle("POST /auth/logout", chain(s.mutation(s.handleLogout), policy.RequireAuth))
	mux.Handle("POST /auth/totp/setup", chain(s.mutation(s.handleTOTPSetup), policy.RequireAuth))
	mux.Handle("POST /auth/totp/verify", chain(s.mutation(s.handleTOTPVerify), policy.RequireAuth))
	mux.Handle("POST /auth/qr/init", chain(s.mutation(s.handleQRInit), policy.RequireAuth))
	mux.Handle("POST /auth/qr/redeem", chain(http.HandlerFunc(s.handleQRRedeem), authRate))
	mux.Handle("GET /auth/sessions", chain(s.read(s.handleListSessions), policy.RequireAuth))
	mux.Handle("POST /auth/sessions/{id}/revoke", chain(s.mutation(s.handleRevokeSession), policy.RequireAuth))
	mux.Handle("GET /auth/keys", chain(s.read(s.handleListKeys), policy.RequireAuth))
	mux.Handle("POST /auth/keys", chain(s.mutation(s.handleCreateKey), policy.RequireAuth))
	mux.Handle("POST /auth/keys/{id}/revoke", chain(s.mutation(s.handleRevokeKey), policy.RequireAuth))
	mux.Handle("POST /api/invites/redeem", chain(http.HandlerFunc(s.handleRedeemInvite), authRate))
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

type sessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	CSRFToken string       `json:"csrf_token"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	Role        string `json:"role"`
	TOTPEnabled bool   `json:"totp_enabled"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{ID: u.ID, Login: u.Login, Role: u.Role, TOTPEnabled: u.TOTPEnabled}
}

// handleLogin verifies credentials and mints a session, delivered both
// as an HttpOnly cookie (with its CSRF sibling) and as a bearer token
// in the body. Failures are deliberately uniform: an unknown login and
// a wrong password read the same.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Login == "" || req.Password == "" {
		s.fail(w, r, apierr.Validation("login and password are required"))
		return
	}

	user, err := s.db.GetUserByLogin(r.Context(), strings.ToLower(req.Login))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if user == nil || !user.Enabled {
		s.auditAuthFailure(r, req.Login)
		s.fail(w, r, apierr.Auth("invalid credentials"))
		return
	}
	ok, err := crypto.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		s.auditAuthFailure(r, req.Login)
		s.fail(w, r, apierr.Auth("invalid credentials"))
		return
	}
	if user.TOTPEnabled {
		ok, err := auth.VerifyTOTP(user.TOTPSecret, req.TOTPCode, s.now())
		if err != nil || !ok {
			s.auditAuthFailure(r, req.Login)
			s.fail(w, r, apierr.Auth("invalid credentials"))
			return
		}
	}

	// Upgrade legacy hashes in place while we still hold the cleartext.
	if crypto.NeedsRehash(user.PasswordHash) {
		if rehashed, err := crypto.HashPassword(req.Password); err == nil {
			user.PasswordHash = rehashed
			_ = s.db.UpdateUser(r.Context(), user)
		}
	}

	sess, token, err := s.engine.IssueSession(r.Context(), user, s.engine.SourceIP(r), req.DeviceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.SetCookie(w, s.engine.SessionCookieFor(token, sess.ExpiresAt))
	http.SetCookie(w, s.engine.CSRFCookieFor(sess.ID, sess.ExpiresAt))
	s.recordAudit(r, models.AuditLogin, "user", user.ID, http.StatusOK, nil)
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
		CSRFToken: s.engine.CSRFToken(sess.ID),
		User:      toUserResponse(user),
	})
}

// handleRefresh rotates the caller's session: a new token is issued and
// the presented one revoked, so a long-lived client never rides a
// single token to its expiry cliff.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	if ident.Method == policy.MethodAPIKey {
		s.fail(w, r, apierr.Validation("api keys are not refreshable"))
		return
	}
	user, err := s.db.GetUser(r.Context(), ident.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if user == nil || !user.Enabled {
		s.fail(w, r, apierr.Auth("invalid credentials"))
		return
	}
	sess, token, err := s.engine.IssueSession(r.Context(), user, s.engine.SourceIP(r), "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if old := rawSessionToken(r); old != "" {
		_ = s.engine.RevokeSessionToken(r.Context(), old)
	}
	http.SetCookie(w, s.engine.SessionCookieFor(token, sess.ExpiresAt))
	http.SetCookie(w, s.engine.CSRFCookieFor(sess.ID, sess.ExpiresAt))
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
		CSRFToken: s.engine.CSRFToken(sess.ID),
		User:      toUserResponse(user),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := rawSessionToken(r); token != "" {
		if err := s.engine.RevokeSessionToken(r.Context(), token); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.engine.ClearSessionCookies(w)
	s.recordAudit(r, models.AuditLogout, "", "", http.StatusOK, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// rawSessionToken extracts the presented session token from the cookie
// or bearer header, whichever carried it.
func rawSessionToken(r *http.Request) string {
	if c, err := r.Cookie(policy.SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return ""
}

type totpSetupResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// handleTOTPSetup stages a new TOTP secret on the account. The secret
// only takes effect once a valid code confirms the authenticator took
// it, so a half-finished setup cannot lock the user out.
func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	user, err := s.db.GetUser(r.Context(), ident.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if user == nil {
		s.fail(w, r, apierr.Auth("invalid credentials"))
		return
	}
	secret, err := auth.GenerateTOTPSecret()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user.TOTPSecret = secret
	user.TOTPEnabled = false
	if err := s.db.UpdateUser(r.Context(), user); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totpSetupResponse{
		Secret:          secret,
		ProvisioningURI: auth.TOTPProvisioningURI(totpIssuer, user.Login, secret),
	})
}

func (s *Server) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ident := policy.IdentityFrom(r.Context())
	user, err := s.db.GetUser(r.Context(), ident.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if user == nil || user.TOTPSecret == "" {
		s.fail(w, r, apierr.Validation("totp setup has not been started"))
		return
	}
	ok, err := auth.VerifyTOTP(user.TOTPSecret, req.Code, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, apierr.Validation("totp code does not match"))
		return
	}
	user.TOTPEnabled = true
	if err := s.db.UpdateUser(r.Context(), user); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recordAudit(r, models.AuditUserUpdate, "user", user.ID, http.StatusOK, map[string]any{"totp_enabled": true})
	writeJSON(w, http.StatusOK, map[string]bool{"totp_enabled": true})
}

// handleQRInit mints a one-shot pairing code so a second device can
// obtain its own session by scanning instead of typing a password.
func (s *Server) handleQRInit(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	if ident.Method == policy.MethodAPIKey {
		s.fail(w, r, apierr.Forbidden("pairing requires an interactive session"))
		return
	}
	code, err := crypto.RandomToken()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pc := &models.PairingCode{
		Code:      code,
		UserID:    ident.UserID,
		CreatedAt: s.now(),
		ExpiresAt: s.now().Add(pairingCodeTTL),
	}
	if err := s.db.CreatePairingCode(r.Context(), pc); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recordAudit(r, models.AuditPairingCreate, "user", ident.UserID, http.StatusCreated, nil)
	writeJSON(w, http.StatusCreated, map[string]any{"code": code, "expires_at": pc.ExpiresAt})
}

func (s *Server) handleQRRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		DeviceID string `json:"device_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Code == "" {
		s.fail(w, r, apierr.Validation("code is required"))
		return
	}
	pc, err := s.db.RedeemPairingCode(r.Context(), req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if pc == nil {
		s.fail(w, r, apierr.Auth("invalid or expired pairing code"))
		return
	}
	user, err := s.db.GetUser(r.Context(), pc.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if user == nil || !user.Enabled {
		s.fail(w, r, apierr.Auth("invalid or expired pairing code"))
		return
	}
	sess, token, err := s.engine.IssueSession(r.Context(), user, s.engine.SourceIP(r), req.DeviceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.SetCookie(w, s.engine.SessionCookieFor(token, sess.ExpiresAt))
	http.SetCookie(w, s.engine.CSRFCookieFor(sess.ID, sess.ExpiresAt))
	s.recordAudit(r, models.AuditPairingRedeem, "user", user.ID, http.StatusOK, nil)
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
		CSRFToken: s.engine.CSRFToken(sess.ID),
		User:      toUserResponse(user),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	sessions, err := s.db.ListUserSessions(r.Context(), ident.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	revoked, err := s.db.RevokeSession(r.Context(), ident.UserID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !revoked {
		s.fail(w, r, apierr.NotFound("session not found"))
		return
	}
	s.recordAudit(r, models.AuditSessionRevoke, "session", r.PathValue("id"), http.StatusOK, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	keys, err := s.db.ListApiKeysByOwner(r.Context(), ident.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

type createKeyRequest struct {
	Scopes    []string `json:"scopes"`
	ExpiresIn int64    `json:"expires_in_s,omitempty"`
}

// handleCreateKey mints an API key scoped no wider than the caller's
// own role allows. The full token appears in this response only.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	if ident.Method == policy.MethodAPIKey {
		s.fail(w, r, apierr.Forbidden("api keys cannot mint api keys"))
		return
	}
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Scopes) == 0 {
		s.fail(w, r, apierr.Validation("at least one scope is required"))
		return
	}
	for _, scope := range req.Scopes {
		if !ident.Allowed(scope) {
			s.fail(w, r, apierr.Forbidden("scope exceeds your role"))
			return
		}
	}
	user, err := s.db.GetUser(r.Context(), ident.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if user == nil {
		s.fail(w, r, apierr.Auth("invalid credentials"))
		return
	}
	var expiresAt *time.Time
	if req.ExpiresIn > 0 {
		t := s.now().Add(time.Duration(req.ExpiresIn) * time.Second)
		expiresAt = &t
	}
	key, token, err := s.engine.MintAPIKey(r.Context(), user, req.Scopes, expiresAt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recordAudit(r, models.AuditApiKeyCreate, "apikey", key.ID, http.StatusCreated, map[string]any{"scopes": req.Scopes})
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "token": token})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	revoked, err := s.db.RevokeApiKey(r.Context(), ident.UserID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !revoked {
		s.fail(w, r, apierr.NotFound("api key not found"))
		return
	}
	s.recordAudit(r, models.AuditApiKeyRevoke, "apikey", r.PathValue("id"), http.StatusOK, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type redeemInviteRequest struct {
	Token    string `json:"token"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

// handleRedeemInvite is the only public account-creation path. The
// invite decides the role; a consumed or expired token reads the same
// as a missing one.
func (s *Server) handleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	var req redeemInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.Login = strings.ToLower(strings.TrimSpace(req.Login))
	if req.Token == "" || req.Login == "" {
		s.fail(w, r, apierr.Validation("token and login are required"))
		return
	}
	if err := auth.ValidateNewPassword(req.Password); err != nil {
		s.fail(w, r, apierr.Validation("%v", err))
		return
	}
	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := crypto.RandomID()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user := &models.User{
		ID:           id,
		Login:        req.Login,
		PasswordHash: hash,
		Enabled:      true,
	}
	if err := s.db.RedeemInvite(r.Context(), req.Token, user); err != nil {
		switch {
		case errors.Is(err, database.ErrInviteInvalid):
			s.fail(w, r, apierr.NotFound("invite not found"))
		case errors.Is(err, database.ErrLoginTaken):
			s.fail(w, r, apierr.Conflict("login is already taken"))
		default:
			s.fail(w, r, err)
		}
		return
	}
	s.recordAudit(r, models.AuditInviteRedeem, "user", user.ID, http.StatusCreated, map[string]any{"login": user.Login, "role": user.Role})
	writeJSON(w, http.StatusCreated, map[string]any{"user": toUserResponse(user)})
}

func (s *Server) auditAuthFailure(r *http.Request, login string) {
	s.recordAudit(r, models.AuditLoginFailed, "user", "", http.StatusUnauthorized, map[string]any{"login": login})
}
