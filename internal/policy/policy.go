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

// Package policy resolves request identity and enforces the cross-cutting
// access rules: the API-key/bearer/cookie credential chain, RBAC roles
// and key scopes, CSRF for cookie sessions, per-class rate limits, and
// the remote-access gate. Handlers never re-implement any of these.
package policy

import (
	"context"
	"crypto/hmac"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"reel/internal/database"
	"reel/internal/metrics"
	"reel/pkg/contextkeys"
	"reel/pkg/crypto"
	"reel/pkg/models"
)

// Cookie and header names of the credential chain.
const (
	SessionCookie = "reel_session"
	CSRFCookie    = "reel_csrf"
	CSRFHeader    = "X-CSRF-Token"
	APIKeyHeader  = "X-API-Key"
)

// Identity methods, in resolution order.
const (
	MethodAPIKey = "apikey"
	MethodBearer = "bearer"
	MethodCookie = "cookie"
)

// Config carries the policy knobs. Zero values get safe defaults in New.
type Config struct {
	// SessionTTL is the lifetime of an issued session.
	SessionTTL time.Duration
	// CookieSecure sets the Secure attribute on session cookies.
	CookieSecure bool
	// CookieSameSite is "lax", "strict", or "none".
	CookieSameSite string
	// CSRFSecret keys the double-submit token HMAC.
	CSRFSecret string
	// SessionSecret keys IP hashing and signed media URLs.
	SessionSecret string

	// RemoteAccessMode is "off", "tailscale", or "cloudflare".
	RemoteAccessMode string
	// TrustedProxySubnets lists CIDRs whose X-Forwarded-For is believed.
	TrustedProxySubnets []string
	// AllowedSubnets restricts clients to the listed CIDRs. Empty allows all.
	AllowedSubnets []string
	// JWTSecret verifies Cloudflare Access tokens in cloudflare mode.
	JWTSecret string

	// RateAuthPerMin is the per-IP bucket rate for auth endpoints.
	RateAuthPerMin int
	// RateMutatePerMin is the per-identity rate for mutating endpoints.
	RateMutatePerMin int
	// RateReadPerSec is the per-identity rate for read endpoints.
	RateReadPerSec int
}

// Identity is the resolved actor of a request: who they are, how they
// authenticated, and what that method lets them do.
type Identity struct {
	UserID    string
	Login     string
	Role      string
	Method    string
	SessionID string
	// Scopes is set only for API-key identities; session identities
	// derive capability from the role alone.
	Scopes   []string
	SourceIP string
}

// IsAdmin reports whether the identity acts with admin privileges. An
// API key never outranks its scopes even when its owner is an admin.
func (id *Identity) IsAdmin() bool {
	if id == nil {
		return false
	}
	if id.Method == MethodAPIKey {
		return id.Role == models.RoleAdmin && hasScope(id.Scopes, models.ScopeAdminAll)
	}
	return id.Role == models.RoleAdmin
}

// RoleAtLeast reports whether the identity's role grants at least min.
func (id *Identity) RoleAtLeast(min string) bool {
	return id != nil && models.RoleAtLeast(id.Role, min)
}

// Allowed reports whether the identity may exercise a capability scope.
// Session identities map role → implied scopes; API keys additionally
// need the scope granted to the key, so a leaked read-only key cannot
// submit work even for an editor.
func (id *Identity) Allowed(scope string) bool {
	if id == nil {
		return false
	}
	if !roleAllows(id.Role, scope) {
		return false
	}
	if id.Method == MethodAPIKey {
		return hasScope(id.Scopes, scope)
	}
	return true
}

// AllowedJob reports whether the identity may act on one specific job.
// Resource-scoped keys ("job:<id>:read|write") unlock only their job;
// broad scopes and sessions fall through to Allowed.
func (id *Identity) AllowedJob(jobID, action string) bool {
	if id == nil {
		return false
	}
	if id.Method == MethodAPIKey {
		if hasScope(id.Scopes, "job:"+jobID+":"+action) {
			return true
		}
	}
	switch action {
	case "read":
		return id.Allowed(models.ScopeReadJob)
	case "write":
		return id.Allowed(models.ScopeEditJob)
	default:
		return false
	}
}

func roleAllows(role, scope string) bool {
	switch scope {
	case models.ScopeReadJob:
		return models.RoleAtLeast(role, models.RoleViewer)
	case models.ScopeSubmitJob:
		return models.RoleAtLeast(role, models.RoleOperator)
	case models.ScopeEditJob:
		return models.RoleAtLeast(role, models.RoleEditor)
	case models.ScopeAdminAll:
		return role == models.RoleAdmin
	default:
		// Resource-scoped variants carry their own grant; the role
		// only needs to clear the matching broad capability.
		if strings.HasSuffix(scope, ":read") {
			return models.RoleAtLeast(role, models.RoleViewer)
		}
		if strings.HasSuffix(scope, ":write") {
			return models.RoleAtLeast(role, models.RoleEditor)
		}
		return false
	}
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want || s == models.ScopeAdminAll {
			return true
		}
	}
	return false
}

// Engine is the policy decision point shared by all middleware and
// handlers.
type Engine struct {
	db     *database.DB
	cfg    Config
	logger *slog.Logger
	limits *limiterPool
	gate   *remoteGate
	now    func() time.Time
}

// New builds an Engine. The identity database is required; everything
// else defaults.
func New(db *database.DB, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = "lax"
	}
	if cfg.RateAuthPerMin <= 0 {
		cfg.RateAuthPerMin = 10
	}
	if cfg.RateMutatePerMin <= 0 {
		cfg.RateMutatePerMin = 60
	}
	if cfg.RateReadPerSec <= 0 {
		cfg.RateReadPerSec = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	gate, err := newRemoteGate(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		db:     db,
		cfg:    cfg,
		logger: logger,
		limits: newLimiterPool(cfg),
		gate:   gate,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Authenticate resolves the request's identity through the credential
// chain: API key header, then bearer token, then session cookie. A
// request with no credentials returns (nil, nil); presented but invalid
// credentials return an error so the caller can 401.
func (e *Engine) Authenticate(r *http.Request) (*Identity, error) {
	ip := e.SourceIP(r)

	if key := r.Header.Get(APIKeyHeader); key != "" {
		id, err := e.authenticateAPIKey(r.Context(), key)
		if err != nil {
			metrics.IncAuthFailure("apikey")
			return nil, err
		}
		id.SourceIP = ip
		return id, nil
	}

	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			id, err := e.authenticateSession(r.Context(), parts[1], MethodBearer)
			if err != nil {
				metrics.IncAuthFailure("bearer")
				return nil, err
			}
			id.SourceIP = ip
			return id, nil
		}
		metrics.IncAuthFailure("scheme")
		return nil, fmt.Errorf("unsupported authorization scheme")
	}

	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		id, err := e.authenticateSession(r.Context(), c.Value, MethodCookie)
		if err != nil {
			metrics.IncAuthFailure("cookie")
			return nil, err
		}
		id.SourceIP = ip
		return id, nil
	}

	return nil, nil
}

// authenticateAPIKey validates a "<prefix>.<secret>" key.
func (e *Engine) authenticateAPIKey(ctx context.Context, raw string) (*Identity, error) {
	prefix, secret, ok := strings.Cut(raw, ".")
	if !ok || prefix == "" || secret == "" {
		return nil, fmt.Errorf("malformed api key")
	}
	key, err := e.db.GetApiKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("look up api key: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("unknown api key")
	}
	if !hmac.Equal([]byte(crypto.HashToken(secret)), []byte(key.SecretHash)) {
		return nil, fmt.Errorf("api key secret mismatch")
	}
	if !key.Active(e.now()) {
		return nil, fmt.Errorf("api key revoked or expired")
	}
	user, err := e.db.GetUser(ctx, key.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load key owner: %w", err)
	}
	if user == nil || !user.Enabled {
		return nil, fmt.Errorf("key owner disabled")
	}
	// Best effort; a stale last_used_at is not worth failing auth over.
	_ = e.db.TouchApiKey(ctx, key.ID)
	return &Identity{
		UserID: user.ID,
		Login:  user.Login,
		Role:   user.Role,
		Method: MethodAPIKey,
		Scopes: key.Scopes,
	}, nil
}

// authenticateSession validates a raw session token from a bearer header
// or cookie.
func (e *Engine) authenticateSession(ctx context.Context, token, method string) (*Identity, error) {
	sess, err := e.db.GetSessionByTokenHash(ctx, crypto.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("look up session: %w", err)
	}
	if sess == nil || !sess.Active(e.now()) {
		return nil, fmt.Errorf("session invalid or expired")
	}
	user, err := e.db.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("load session user: %w", err)
	}
	if user == nil || !user.Enabled {
		return nil, fmt.Errorf("session user disabled")
	}
	return &Identity{
		UserID:    user.ID,
		Login:     user.Login,
		Role:      user.Role,
		Method:    method,
		SessionID: sess.ID,
	}, nil
}

// IssueSession mints a session for user and returns the raw token. Only
// the token hash is stored; the caller sets the cookie or returns the
// token in the login response body.
func (e *Engine) IssueSession(ctx context.Context, user *models.User, sourceIP, deviceID string) (*models.Session, string, error) {
	id, err := crypto.RandomID()
	if err != nil {
		return nil, "", err
	}
	token, err := crypto.RandomToken()
	if err != nil {
		return nil, "", err
	}
	now := e.now()
	sess := &models.Session{
		ID:            id,
		UserID:        user.ID,
		TokenHash:     crypto.HashToken(token),
		DeviceID:      deviceID,
		CreatedIPHash: crypto.HashIP(sourceIP, e.cfg.SessionSecret),
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.cfg.SessionTTL),
	}
	if err := e.db.CreateSession(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("persist session: %w", err)
	}
	return sess, token, nil
}

// RevokeSessionToken revokes the session behind a raw token (logout).
func (e *Engine) RevokeSessionToken(ctx context.Context, token string) error {
	return e.db.RevokeSessionByTokenHash(ctx, crypto.HashToken(token))
}

// SessionCookieFor builds the HttpOnly session cookie.
func (e *Engine) SessionCookieFor(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   e.cfg.CookieSecure,
		SameSite: e.sameSite(),
	}
}

// CSRFCookieFor builds the readable CSRF cookie paired with a session.
func (e *Engine) CSRFCookieFor(sessionID string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CSRFCookie,
		Value:    e.CSRFToken(sessionID),
		Path:     "/",
		Expires:  expires,
		HttpOnly: false,
		Secure:   e.cfg.CookieSecure,
		SameSite: e.sameSite(),
	}
}

// ClearSessionCookies expires both cookies (logout).
func (e *Engine) ClearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{SessionCookie, CSRFCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == SessionCookie,
			Secure:   e.cfg.CookieSecure,
			SameSite: e.sameSite(),
		})
	}
}

func (e *Engine) sameSite() http.SameSite {
	switch strings.ToLower(e.cfg.CookieSameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// MintAPIKey creates an API key for owner and returns the record plus
// the full "<prefix>.<secret>" token, shown to the user exactly once.
func (e *Engine) MintAPIKey(ctx context.Context, owner *models.User, scopes []string, expiresAt *time.Time) (*models.ApiKey, string, error) {
	id, err := crypto.RandomID()
	if err != nil {
		return nil, "", err
	}
	prefix, err := crypto.RandomID()
	if err != nil {
		return nil, "", err
	}
	prefix = prefix[:12]
	secret, err := crypto.RandomToken()
	if err != nil {
		return nil, "", err
	}
	key := &models.ApiKey{
		ID:         id,
		Prefix:     prefix,
		SecretHash: crypto.HashToken(secret),
		OwnerID:    owner.ID,
		Scopes:     scopes,
		ExpiresAt:  expiresAt,
	}
	if err := e.db.CreateApiKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("persist api key: %w", err)
	}
	return key, prefix + "." + secret, nil
}

// SignMediaURL returns the query-string signature pair for an expiring
// media link to path.
func (e *Engine) SignMediaURL(path string, expires time.Time) (sig string) {
	return crypto.SignURL(e.cfg.SessionSecret, path, expires)
}

// VerifyMediaURL checks a signed media link.
func (e *Engine) VerifyMediaURL(path string, expires time.Time, sig string) bool {
	return crypto.VerifyURL(e.cfg.SessionSecret, path, expires, sig, e.now())
}

// WithIdentity stores the identity in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextkeys.IdentityKey, id)
}

// IdentityFrom extracts the request identity, or nil for anonymous.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextkeys.IdentityKey).(*Identity)
	return id
}
