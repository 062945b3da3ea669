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
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"reel/internal/apierr"
	"reel/internal/policy"
	"reel/pkg/models"
)

// videoExtensions rank candidate primary outputs; earlier is better.
var videoExtensions = []string{".mp4", ".mkv", ".webm", ".mov"}

// maxSignedURLTTL caps how far out a share link may expire.
const maxSignedURLTTL = 7 * 24 * time.Hour

func (s *Server) routeFiles(mux *http.ServeMux) {
	mux.Handle("GET /files/{path...}", chain(http.HandlerFunc(s.handleFileGet), policy.RequireAuth))
	// /video accepts signed URLs, so authentication happens inside.
	mux.HandleFunc("GET /video/{job}", s.handleVideoGet)
}

// handleFileGet serves one artifact. Ownership resolves through the
// path's stem segment; http.ServeContent supplies Range and
// If-Modified-Since behavior.
func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	_, full, err := s.access.File(r.Context(), ident, r.PathValue("path"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.serveFile(w, r, full)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, full string) {
	f, err := os.Open(full)
	if err != nil {
		s.fail(w, r, apierr.NotFound("file not found"))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.fail(w, r, apierr.NotFound("file not found"))
		return
	}
	http.ServeContent(w, r, filepath.Base(full), info.ModTime(), f)
}

// handleVideoGet serves a job's primary output. Three access paths:
// a valid exp/sig pair from a share link, or an authenticated identity
// that passes the job read check. Authenticated owners may also mint a
// share link with ?sign=<ttl_s> instead of fetching bytes.
func (s *Server) handleVideoGet(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	q := r.URL.Query()

	if q.Get("sig") != "" {
		expUnix, err := strconv.ParseInt(q.Get("exp"), 10, 64)
		if err != nil {
			s.fail(w, r, apierr.Auth("invalid signature"))
			return
		}
		exp := time.Unix(expUnix, 0).UTC()
		if !s.engine.VerifyMediaURL("/video/"+jobID, exp, q.Get("sig")) {
			s.fail(w, r, apierr.Auth("invalid or expired signature"))
			return
		}
		job, err := s.store.GetJob(r.Context(), jobID)
		if err != nil {
			s.fail(w, r, storeErr(err, "job"))
			return
		}
		if job.DeletedAt != nil {
			s.fail(w, r, apierr.NotFound("job not found"))
			return
		}
		s.serveVideo(w, r, job)
		return
	}

	ident := policy.IdentityFrom(r.Context())
	if ident == nil {
		s.fail(w, r, apierr.Auth("authentication required"))
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, storeErr(err, "job"))
		return
	}
	if err := s.access.Job(ident, job, true); err != nil {
		s.fail(w, r, err)
		return
	}

	if raw := q.Get("sign"); raw != "" {
		ttl, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ttl <= 0 {
			s.fail(w, r, apierr.Validation("sign must be a positive TTL in seconds"))
			return
		}
		d := time.Duration(ttl) * time.Second
		if d > maxSignedURLTTL {
			d = maxSignedURLTTL
		}
		exp := s.now().Add(d).Truncate(time.Second)
		sig := s.engine.SignMediaURL("/video/"+jobID, exp)
		writeJSON(w, http.StatusOK, map[string]any{
			"url":        "/video/" + jobID + "?exp=" + strconv.FormatInt(exp.Unix(), 10) + "&sig=" + sig,
			"expires_at": exp,
		})
		return
	}

	s.serveVideo(w, r, job)
}

func (s *Server) serveVideo(w http.ResponseWriter, r *http.Request, job *models.Job) {
	full, err := s.primaryOutput(job)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.serveFile(w, r, full)
}

// primaryOutput picks the file /video serves: the finalize checkpoint's
// artifact when it names a video, else the largest video file in the
// stem directory tree.
func (s *Server) primaryOutput(job *models.Job) (string, error) {
	root := filepath.Join(s.cfg.OutputDir, job.Stem)

	if cp, ok := job.Checkpoint["finalize"]; ok && cp.Done {
		names := make([]string, 0, len(cp.ArtifactHashes))
		for name := range cp.ArtifactHashes {
			if isVideoName(name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			full := filepath.Join(root, filepath.FromSlash(name))
			if rel, err := filepath.Rel(root, full); err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
				return full, nil
			}
		}
	}

	var (
		best     string
		bestSize int64
	)
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isVideoName(d.Name()) {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
		return nil
	})
	if best == "" {
		return "", apierr.NotFound("no video output available")
	}
	return best, nil
}

func isVideoName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, v := range videoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}
