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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"reel/internal/apierr"
	"reel/internal/metrics"
)

// CSRFToken derives the double-submit token for a session. The token is
// an HMAC over the session ID, so it cannot be planted by a sibling
// subdomain and needs no server-side storage.
func (e *Engine) CSRFToken(sessionID string) string {
	mac := hmac.New(sha256.New, []byte(e.cfg.CSRFSecret))
	mac.Write([]byte("csrf:" + sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckCSRF enforces the double-submit check on mutating cookie-session
// requests. Header credentials (bearer, API key) are exempt: browsers
// never attach those cross-site. Safe methods are exempt too.
func (e *Engine) CheckCSRF(r *http.Request, id *Identity) error {
	if id == nil || id.Method != MethodCookie {
		return nil
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}
	got := r.Header.Get(CSRFHeader)
	if got == "" {
		metrics.IncAuthFailure("csrf")
		return apierr.Forbidden("missing csrf token")
	}
	want := e.CSRFToken(id.SessionID)
	if !hmac.Equal([]byte(got), []byte(want)) {
		metrics.IncAuthFailure("csrf")
		return apierr.Forbidden("csrf token mismatch")
	}
	return nil
}
