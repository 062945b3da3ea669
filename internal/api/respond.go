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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"reel/internal/apierr"
)

// maxBodyBytes bounds JSON request bodies. Chunk uploads carry their
// own limit from the session's chunk size.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields
// so client typos surface as 400s instead of silently configuring
// nothing. An empty body decodes to the zero value.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apierr.Validation("invalid request body: %v", err)
	}
	return nil
}

// weakETag derives a weak validator from the identifying parts of a
// representation, typically an ID and its updated_at timestamp.
func weakETag(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return `W/"` + hex.EncodeToString(sum[:16]) + `"`
}

// etagTime renders a timestamp for ETag composition; zero renders as
// "0" to avoid unstable empty encodings.
func etagTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// writeJSONWithETag sets the ETag and short-circuits to 304 when the
// request's If-None-Match already holds the current validator.
func writeJSONWithETag(w http.ResponseWriter, r *http.Request, status int, v any, etag string) {
	if etag != "" {
		w.Header().Set("ETag", etag)
		if inm := r.Header.Get("If-None-Match"); inm != "" && ifNoneMatchMatches(inm, etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	writeJSON(w, status, v)
}

// ifNoneMatchMatches checks an If-None-Match header against an entity
// tag, accepting the wildcard, comma-separated lists, and bare weak
// prefixes.
func ifNoneMatchMatches(ifNoneMatch, etag string) bool {
	s := strings.TrimSpace(ifNoneMatch)
	if s == "" {
		return false
	}
	if s == "*" {
		return true
	}
	bare := strings.TrimPrefix(etag, "W/")
	for _, part := range strings.Split(s, ",") {
		v := strings.TrimSpace(part)
		if v == etag || strings.TrimPrefix(v, "W/") == bare {
			return true
		}
	}
	return false
}
