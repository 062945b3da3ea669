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
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reel/internal/apierr"
	"reel/internal/policy"
	"reel/pkg/models"
)

func (s *Server) routeUploads(mux *http.ServeMux) {
	mux.Handle("POST /api/uploads/init", chain(s.mutation(s.handleUploadInit), policy.RequireAuth, policy.RequireScope(models.ScopeSubmitJob)))
	mux.Handle("POST /api/uploads/{id}/chunk", chain(s.mutation(s.handleUploadChunk), policy.RequireAuth, policy.RequireScope(models.ScopeSubmitJob)))
	mux.Handle("POST /api/uploads/{id}/complete", chain(s.mutation(s.handleUploadComplete), policy.RequireAuth, policy.RequireScope(models.ScopeSubmitJob)))
	mux.Handle("GET /api/uploads/{id}", chain(s.read(s.handleUploadGet), policy.RequireAuth))
	mux.Handle("DELETE /api/uploads/{id}", chain(s.mutation(s.handleUploadAbort), policy.RequireAuth))
}

type uploadInitRequest struct {
	Filename   string `json:"filename"`
	TotalBytes int64  `json:"total_bytes"`
	ChunkBytes int64  `json:"chunk_bytes,omitempty"`
}

// uploadResponse is the session view returned by every upload endpoint:
// enough for a client to resume from scratch knowing only the ID.
type uploadResponse struct {
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	TotalBytes     int64  `json:"total_bytes"`
	ChunkBytes     int64  `json:"chunk_bytes"`
	ExpectedChunks int    `json:"expected_chunks"`
	ReceivedBytes  int64  `json:"received_bytes"`
	State          string `json:"state"`
	MissingChunks  []int  `json:"missing_chunks"`
	FinalHash      string `json:"final_hash,omitempty"`
	ExpiresAt      string `json:"expires_at"`
}

func toUploadResponse(u *models.Upload) uploadResponse {
	return uploadResponse{
		ID:             u.ID,
		Filename:       u.FilenameSafe,
		TotalBytes:     u.TotalBytes,
		ChunkBytes:     u.ChunkBytes,
		ExpectedChunks: u.ExpectedChunks,
		ReceivedBytes:  u.ReceivedBytes,
		State:          string(u.State),
		MissingChunks:  u.MissingIndices(),
		FinalHash:      u.FinalHash,
		ExpiresAt:      u.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req uploadInitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ident := policy.IdentityFrom(r.Context())
	u, err := s.uploads.Init(r.Context(), ident.UserID, req.Filename, req.TotalBytes, req.ChunkBytes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recordAudit(r, models.AuditUploadInit, "upload", u.ID, http.StatusCreated, map[string]any{
		"filename":    u.FilenameSafe,
		"total_bytes": u.TotalBytes,
	})
	writeJSON(w, http.StatusCreated, toUploadResponse(u))
}

// handleUploadChunk accepts one chunk body. The chunk is addressed by
// ?index= (offset derived as index*chunk_bytes, ?offset= cross-checked
// when present) or by a Content-Range header alone. Re-sending a
// committed chunk is a no-op that still returns the current session
// view, so dumb retry loops converge.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := s.uploads.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.access.Upload(policy.IdentityFrom(r.Context()), u); err != nil {
		s.fail(w, r, err)
		return
	}

	var index int
	var offset int64
	switch {
	case r.URL.Query().Has("index"):
		index, err = strconv.Atoi(r.URL.Query().Get("index"))
		if err != nil || index < 0 {
			s.fail(w, r, apierr.Validation("chunk index must be a non-negative integer"))
			return
		}
		offset = int64(index) * u.ChunkBytes
		if off := r.URL.Query().Get("offset"); off != "" {
			given, err := strconv.ParseInt(off, 10, 64)
			if err != nil || given != offset {
				s.fail(w, r, apierr.Validation("offset %s does not match chunk %d at offset %d", off, index, offset))
				return
			}
		}
		if cr := r.Header.Get("Content-Range"); cr != "" {
			start, err := parseContentRangeStart(cr)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			if start != offset {
				s.fail(w, r, apierr.Validation("content-range start %d does not match chunk %d at offset %d", start, index, offset))
				return
			}
		}
	case r.Header.Get("Content-Range") != "":
		start, err := parseContentRangeStart(r.Header.Get("Content-Range"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if u.ChunkBytes <= 0 || start%u.ChunkBytes != 0 {
			s.fail(w, r, apierr.Validation("content-range start %d is not chunk-aligned", start))
			return
		}
		index = int(start / u.ChunkBytes)
		offset = start
	default:
		s.fail(w, r, apierr.Validation("chunk requires ?index= or a Content-Range header"))
		return
	}

	body := io.LimitReader(r.Body, u.ChunkBytes+1)
	u, err = s.uploads.WriteChunk(r.Context(), id, index, offset, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUploadResponse(u))
}

// parseContentRangeStart extracts the start byte from a
// "bytes start-end/total" header.
func parseContentRangeStart(cr string) (int64, error) {
	rest, ok := strings.CutPrefix(cr, "bytes ")
	if !ok {
		return 0, apierr.Validation("malformed Content-Range %q", cr)
	}
	span, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, apierr.Validation("malformed Content-Range %q", cr)
	}
	startStr, _, ok := strings.Cut(span, "-")
	if !ok {
		return 0, apierr.Validation("malformed Content-Range %q", cr)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, apierr.Validation("malformed Content-Range %q", cr)
	}
	return start, nil
}

type uploadCompleteRequest struct {
	SHA256 string `json:"sha256,omitempty"`
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req uploadCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.uploads.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.access.Upload(policy.IdentityFrom(r.Context()), u); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err = s.uploads.Complete(r.Context(), id, req.SHA256)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUploadResponse(u))
}

func (s *Server) handleUploadGet(w http.ResponseWriter, r *http.Request) {
	u, err := s.uploads.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.access.Upload(policy.IdentityFrom(r.Context()), u); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUploadResponse(u))
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := s.uploads.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.access.Upload(policy.IdentityFrom(r.Context()), u); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.uploads.Abort(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recordAudit(r, models.AuditUploadAbort, "upload", id, http.StatusOK, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}
