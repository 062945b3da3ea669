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

package policy

import (
	"net/http"

	"reel/internal/apierr"
)

// RemoteGate rejects requests that fail the configured remote-access
// mode or subnet allowlist. It runs before identity resolution so a
// blocked network never reaches credential checks.
func (e *Engine) RemoteGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := e.CheckRemote(r); err != nil {
			e.logger.Warn("remote access denied", "path", r.URL.Path, "source_ip", e.SourceIP(r))
			apierr.Write(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Identify resolves the credential chain and stores the identity in the
// request context. Anonymous requests pass through with a nil identity;
// presented-but-invalid credentials stop here with a 401 so a typoed
// key never silently downgrades to anonymous.
func (e *Engine) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := e.Authenticate(r)
		if err != nil {
			e.logger.Warn("authentication rejected", "path", r.URL.Path, "source_ip", e.SourceIP(r), "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="reel"`)
			apierr.Write(w, apierr.Auth("invalid credentials"))
			return
		}
		if id != nil {
			r = r.WithContext(WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// CSRF enforces the double-submit token on mutating cookie requests.
// Must run after Identify.
func (e *Engine) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := e.CheckCSRF(r, IdentityFrom(r.Context())); err != nil {
			apierr.Write(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit applies the class bucket for the request's principal. Must
// run after Identify for the per-identity classes.
func (e *Engine) RateLimit(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := e.CheckRate(class, IdentityFrom(r.Context()), e.SourceIP(r)); err != nil {
				apierr.Write(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth rejects anonymous requests.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IdentityFrom(r.Context()) == nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="reel"`)
			apierr.Write(w, apierr.Auth("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects identities below the minimum role.
func RequireRole(min string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFrom(r.Context())
			if id == nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="reel"`)
				apierr.Write(w, apierr.Auth("authentication required"))
				return
			}
			if !id.RoleAtLeast(min) {
				apierr.Write(w, apierr.Forbidden("insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope rejects identities lacking a capability scope. For API
// keys this checks the key grant on top of the owner's role.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFrom(r.Context())
			if id == nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="reel"`)
				apierr.Write(w, apierr.Auth("authentication required"))
				return
			}
			if !id.Allowed(scope) {
				apierr.Write(w, apierr.Forbidden("insufficient scope"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
