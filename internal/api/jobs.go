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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reel/internal/apierr"
	"reel/internal/policy"
	"reel/internal/store"
	"reel/internal/upload"
	"reel/pkg/models"
)

// maxBatchSubmit bounds one batch request.
const maxBatchSubmit = 20

func (s *Server) routeJobs(mux *http.ServeMux) {
	submit := func(h http.HandlerFunc) http.Handler {
		return chain(s.mutation(h), policy.RequireAuth, policy.RequireScope(models.ScopeSubmitJob))
	}
	// Per-object mutations carry no role gate: ownership decides in the
	// handler, so an operator manages their own jobs end to end.
	owner := func(h http.HandlerFunc) http.Handler {
		return chain(s.mutation(h), policy.RequireAuth)
	}

	mux.Handle("POST /api/jobs", submit(s.handleJobSubmit))
	mux.Handle("POST /api/jobs/batch", submit(s.handleJobBatch))
	mux.Handle("GET /api/jobs", chain(s.read(s.handleJobList), policy.RequireAuth))
	mux.Handle("GET /api/jobs/{id}", chain(s.read(s.handleJobGet), policy.RequireAuth))
	mux.Handle("POST /api/jobs/{id}/cancel", owner(s.handleJobCancel))
	mux.Handle("POST /api/jobs/{id}/pause", owner(s.handleJobPause))
	mux.Handle("POST /api/jobs/{id}/resume", owner(s.handleJobResume))
	mux.Handle("POST /api/jobs/{id}/rerun", chain(s.mutation(s.handleJobRerun), policy.RequireAuth, policy.RequireRole(models.RoleOperator)))
	mux.Handle("POST /api/jobs/{id}/visibility", owner(s.handleJobVisibility))
	mux.Handle("DELETE /api/jobs/{id}", owner(s.handleJobDelete))
	mux.Handle("GET /api/jobs/{id}/files", chain(s.read(s.handleJobFiles), policy.RequireAuth))
	mux.Handle("GET /api/jobs/{id}/timeline", chain(s.read(s.handleJobTimeline), policy.RequireAuth))
	mux.Handle("GET /api/jobs/{id}/logs/tail", chain(s.read(s.handleJobLogsTail), policy.RequireAuth))
	mux.Handle("GET /api/library", chain(s.read(s.handleLibraryList), policy.RequireAuth))
}

type submitRequest struct {
	UploadID   string             `json:"upload_id,omitempty"`
	Path       string             `json:"path,omitempty"`
	Priority   models.Priority    `json:"priority,omitempty"`
	Visibility models.Visibility  `json:"visibility,omitempty"`
	Runtime    json.RawMessage    `json:"runtime,omitempty"`
	LibraryKey *models.LibraryKey `json:"library_key,omitempty"`
}

func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.submitOne(r, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type batchSubmitRequest struct {
	Jobs []submitRequest `json:"jobs"`
}

type batchSubmitResult struct {
	Job   *models.Job `json:"job,omitempty"`
	Error string      `json:"error,omitempty"`
}

// handleJobBatch submits each entry independently: one bad entry does
// not sink the rest, and each entry runs the full admission path.
func (s *Server) handleJobBatch(w http.ResponseWriter, r *http.Request) {
	var req batchSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Jobs) == 0 {
		s.fail(w, r, apierr.Validation("jobs must not be empty"))
		return
	}
	if len(req.Jobs) > maxBatchSubmit {
		s.fail(w, r, apierr.Validation("batch size exceeds %d", maxBatchSubmit))
		return
	}
	results := make([]batchSubmitResult, 0, len(req.Jobs))
	for _, entry := range req.Jobs {
		job, err := s.submitOne(r, entry)
		if err != nil {
			if e := apierr.FromError(err); e != nil {
				results = append(results, batchSubmitResult{Error: e.Message()})
			} else {
				s.logger.Error("batch submit failed", "error", err)
				results = append(results, batchSubmitResult{Error: "internal error"})
			}
			continue
		}
		results = append(results, batchSubmitResult{Job: job})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

// submitOne validates the input reference, runs admission, derives a
// unique stem, and inserts the job. The outbox row rides the same
// transaction as the insert, so an accepted submission survives a
// dispatch backend outage.
func (s *Server) submitOne(r *http.Request, req submitRequest) (*models.Job, error) {
	ident := policy.IdentityFrom(r.Context())

	if (req.UploadID == "") == (req.Path == "") {
		return nil, apierr.Validation("exactly one of upload_id or path is required")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, apierr.Validation("invalid priority %q", req.Priority)
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPrivate
	}
	if !req.Visibility.Valid() {
		return nil, apierr.Validation("invalid visibility %q", req.Visibility)
	}

	var (
		kind models.InputKind
		ref  string
		base string
	)
	switch {
	case req.UploadID != "":
		u, err := s.uploads.Get(r.Context(), req.UploadID)
		if err != nil {
			return nil, err
		}
		if err := s.access.Upload(ident, u); err != nil {
			return nil, err
		}
		if u.State != models.UploadComplete {
			return nil, apierr.Conflict("upload %s is %s, not complete", u.ID, u.State)
		}
		kind, ref, base = models.InputUpload, u.ID, u.FilenameSafe
	default:
		// Server-local paths are an operator convenience and admin-only:
		// they would otherwise let any user probe the filesystem.
		if !ident.IsAdmin() {
			return nil, apierr.Forbidden("local-path submission requires admin")
		}
		info, err := os.Stat(req.Path)
		if err != nil || !info.Mode().IsRegular() {
			return nil, apierr.Validation("path is not a readable file")
		}
		kind, ref, base = models.InputPath, req.Path, filepath.Base(req.Path)
	}

	if err := s.sched.AdmitSubmission(r.Context(), ident.UserID); err != nil {
		return nil, err
	}

	stem, err := s.uniqueStem(r, base)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(ident.UserID, kind, ref, stem, req.Runtime)
	job.ID = uuid.NewString()
	job.Priority = req.Priority
	job.Visibility = req.Visibility
	job.LibraryKey = req.LibraryKey
	job.SubmittedAt = s.now()
	job.AvailableAt = job.SubmittedAt

	if err := s.writeTargetPointer(job.ID, stem); err != nil {
		return nil, err
	}
	if err := s.store.InsertJob(r.Context(), &job); err != nil {
		return nil, err
	}
	if job.LibraryKey != nil {
		_ = s.store.UpsertLibraryEntry(r.Context(), models.LibraryEntry{
			JobID:      job.ID,
			OwnerID:    job.OwnerID,
			SeriesSlug: job.LibraryKey.SeriesSlug,
			Season:     job.LibraryKey.Season,
			Episode:    job.LibraryKey.Episode,
			Visibility: job.Visibility,
			UpdatedAt:  s.now(),
		})
	}
	_ = s.store.AppendTimeline(r.Context(), models.TimelineEvent{
		JobID:   job.ID,
		Time:    s.now(),
		Level:   models.EventLevelInfo,
		Message: "submitted",
	})
	s.sched.Kick()
	s.recordAudit(r, models.AuditJobSubmit, "job", job.ID, http.StatusAccepted, map[string]any{
		"input_kind": string(kind),
		"stem":       stem,
		"priority":   string(job.Priority),
	})
	return &job, nil
}

// uniqueStem derives the job's output directory name from the input
// filename, suffixing with a short random tag when the plain stem is
// already taken.
func (s *Server) uniqueStem(r *http.Request, base string) (string, error) {
	safe, err := upload.SanitizeFilename(base)
	if err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(safe, filepath.Ext(safe))
	if stem == "" || stem == "jobs" {
		stem = "media"
	}
	if _, err := s.store.GetJobByStem(r.Context(), stem); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return stem, nil
		}
		return "", err
	}
	return fmt.Sprintf("%s-%s", stem, uuid.NewString()[:8]), nil
}

// writeTargetPointer records which stem directory a job writes to, so
// cleanup tooling can map a job ID to its output tree without the
// database.
func (s *Server) writeTargetPointer(jobID, stem string) error {
	dir := filepath.Join(s.cfg.OutputDir, "jobs", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job pointer dir: %w", err)
	}
	target := filepath.Join(s.cfg.OutputDir, stem)
	if err := os.WriteFile(filepath.Join(dir, "target.txt"), []byte(target+"\n"), 0o644); err != nil {
		return fmt.Errorf("write target pointer: %w", err)
	}
	return nil
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	q := r.URL.Query()

	f := store.JobFilter{
		Series:          q.Get("series"),
		IncludeArchived: q.Get("archived") == "true",
	}
	if !ident.IsAdmin() {
		f.VisibleTo = ident.UserID
	}
	if q.Get("mine") == "true" {
		f.OwnerID = ident.UserID
		f.VisibleTo = ""
	}
	if st := q.Get("state"); st != "" {
		for _, part := range strings.Split(st, ",") {
			js := models.JobState(strings.ToUpper(strings.TrimSpace(part)))
			if !js.Valid() {
				s.fail(w, r, apierr.Validation("invalid state %q", part))
				return
			}
			f.States = append(f.States, js)
		}
	}
	f.Limit = intParam(q.Get("limit"), 100)
	if f.Limit > 500 {
		f.Limit = 500
	}
	f.Offset = intParam(q.Get("offset"), 0)

	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// getJobChecked loads a job and runs the object-access check.
func (s *Server) getJobChecked(r *http.Request, allowSharedRead bool) (*models.Job, error) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, storeErr(err, "job")
	}
	if err := s.access.Job(policy.IdentityFrom(r.Context()), job, allowSharedRead); err != nil {
		return nil, err
	}
	return job, nil
}

// getJobForWrite loads a job for a mutating operation. Sessions pass on
// ownership alone; an API key must additionally carry a write-capable
// scope for this job, so a leaked read-only key cannot cancel work.
func (s *Server) getJobForWrite(r *http.Request) (*models.Job, error) {
	job, err := s.getJobChecked(r, false)
	if err != nil {
		return nil, err
	}
	ident := policy.IdentityFrom(r.Context())
	if ident.Method == policy.MethodAPIKey && !ident.AllowedJob(job.ID, "write") {
		return nil, apierr.Forbidden("insufficient scope")
	}
	return job, nil
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobChecked(r, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	etag := weakETag(job.ID, string(job.State), etagTime(job.UpdatedAt))
	writeJSONWithETag(w, r, http.StatusOK, job, etag)
}

// handleJobCancel cancels a job. Queued and paused jobs flip directly
// to CANCELED; running jobs get a cooperative cancel request that the
// executing stage observes at its next checkpoint boundary.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobForWrite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	switch job.State {
	case models.JobQueued, models.JobPaused:
		now := s.now()
		job, err = s.store.UpdateJob(r.Context(), job.ID,
			[]models.JobState{models.JobQueued, models.JobPaused},
			func(j *models.Job) error {
				j.State = models.JobCanceled
				j.FinishedAt = &now
				j.Message = "canceled before start"
				return nil
			})
		if err != nil {
			s.fail(w, r, storeErr(err, "job"))
			return
		}
	case models.JobRunning:
		job, err = s.store.UpdateJob(r.Context(), job.ID,
			[]models.JobState{models.JobRunning},
			func(j *models.Job) error {
				j.CancelRequested = true
				return nil
			})
		if err != nil {
			s.fail(w, r, storeErr(err, "job"))
			return
		}
		s.sched.SignalCancel(job.ID)
	default:
		s.fail(w, r, apierr.Conflict("job is already %s", job.State))
		return
	}
	s.recordAudit(r, models.AuditJobCancel, "job", job.ID, http.StatusOK, nil)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobPause(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobForWrite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, err = s.store.UpdateJob(r.Context(), job.ID,
		[]models.JobState{models.JobQueued},
		func(j *models.Job) error {
			j.State = models.JobPaused
			return nil
		})
	if err != nil {
		s.fail(w, r, storeErr(err, "job"))
		return
	}
	s.recordAudit(r, models.AuditJobPause, "job", job.ID, http.StatusOK, nil)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobResume(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobForWrite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, err = s.store.UpdateJob(r.Context(), job.ID,
		[]models.JobState{models.JobPaused},
		func(j *models.Job) error {
			j.State = models.JobQueued
			j.AvailableAt = s.now()
			return nil
		})
	if err != nil {
		s.fail(w, r, storeErr(err, "job"))
		return
	}
	if err := s.store.RequeueOutbox(r.Context(), job.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.sched.Kick()
	s.recordAudit(r, models.AuditJobResume, "job", job.ID, http.StatusOK, nil)
	writeJSON(w, http.StatusOK, job)
}

type rerunRequest struct {
	// VoiceClonePass reruns only synthesis and everything after it,
	// keeping transcription and translation checkpoints.
	VoiceClonePass bool `json:"voice_clone_pass,omitempty"`
	// FromStage invalidates the named stage and all downstream stages.
	FromStage string `json:"from_stage,omitempty"`
	// Runtime, when present, replaces the job's runtime snapshot.
	Runtime json.RawMessage `json:"runtime,omitempty"`
}

// handleJobRerun re-queues a terminal job. With no options the rerun is
// full: every checkpoint is discarded. A voice-clone pass keeps the
// expensive early stages and redoes tts, mix, and everything after mix.
func (s *Server) handleJobRerun(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobForWrite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req rerunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.VoiceClonePass && req.FromStage != "" {
		s.fail(w, r, apierr.Validation("voice_clone_pass and from_stage are mutually exclusive"))
		return
	}

	var (
		invalidate []string
		fullReset  bool
	)
	switch {
	case req.VoiceClonePass:
		invalidate = append([]string{"tts"}, s.pipeline.Downstream("mix")...)
	case req.FromStage != "":
		invalidate = s.pipeline.Downstream(req.FromStage)
		if len(invalidate) == 0 {
			s.fail(w, r, apierr.Validation("unknown stage %q", req.FromStage))
			return
		}
	default:
		fullReset = true
	}

	if len(req.Runtime) > 0 {
		if _, err := s.store.UpdateJob(r.Context(), job.ID,
			[]models.JobState{job.State},
			func(j *models.Job) error {
				j.Runtime = req.Runtime
				return nil
			}); err != nil {
			s.fail(w, r, storeErr(err, "job"))
			return
		}
	}

	job, err = s.store.RerunJob(r.Context(), job.ID, invalidate, fullReset)
	if err != nil {
		s.fail(w, r, storeErr(err, "job"))
		return
	}
	_ = s.store.AppendTimeline(r.Context(), models.TimelineEvent{
		JobID:   job.ID,
		Time:    s.now(),
		Level:   models.EventLevelInfo,
		Message: rerunMessage(req),
	})
	s.sched.Kick()
	s.recordAudit(r, models.AuditJobRerun, "job", job.ID, http.StatusOK, map[string]any{
		"voice_clone_pass": req.VoiceClonePass,
		"from_stage":       req.FromStage,
		"full_reset":       fullReset,
	})
	writeJSON(w, http.StatusOK, job)
}

func rerunMessage(req rerunRequest) string {
	switch {
	case req.VoiceClonePass:
		return "rerun requested (voice clone pass)"
	case req.FromStage != "":
		return fmt.Sprintf("rerun requested from stage %s", req.FromStage)
	default:
		return "rerun requested (full reset)"
	}
}

type visibilityRequest struct {
	Visibility models.Visibility `json:"visibility"`
}

func (s *Server) handleJobVisibility(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobForWrite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req visibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !req.Visibility.Valid() {
		s.fail(w, r, apierr.Validation("invalid visibility %q", req.Visibility))
		return
	}
	job, err = s.store.UpdateJob(r.Context(), job.ID, nil, func(j *models.Job) error {
		j.Visibility = req.Visibility
		return nil
	})
	if err != nil {
		s.fail(w, r, storeErr(err, "job"))
		return
	}
	if job.LibraryKey != nil {
		_ = s.store.UpsertLibraryEntry(r.Context(), models.LibraryEntry{
			JobID:      job.ID,
			OwnerID:    job.OwnerID,
			SeriesSlug: job.LibraryKey.SeriesSlug,
			Season:     job.LibraryKey.Season,
			Episode:    job.LibraryKey.Episode,
			Visibility: job.Visibility,
			UpdatedAt:  s.now(),
		})
	}
	s.recordAudit(r, models.AuditJobEdit, "job", job.ID, http.StatusOK, map[string]any{"visibility": string(req.Visibility)})
	writeJSON(w, http.StatusOK, job)
}

// handleJobDelete soft-deletes: the row stays for the purge sweeper,
// artifacts stay on disk until retention collects them. Running jobs
// must be canceled first.
func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobForWrite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if job.State == models.JobRunning {
		s.fail(w, r, apierr.Conflict("running jobs must be canceled before deletion"))
		return
	}
	now := s.now()
	job, err = s.store.UpdateJob(r.Context(), job.ID, nil, func(j *models.Job) error {
		if j.State == models.JobRunning {
			return store.ErrStateConflict
		}
		j.DeletedAt = &now
		return nil
	})
	if err != nil {
		s.fail(w, r, storeErr(err, "job"))
		return
	}
	_ = s.store.DeleteLibraryEntry(r.Context(), job.ID)
	s.recordAudit(r, models.AuditJobDelete, "job", job.ID, http.StatusOK, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type jobFile struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	ModTime   string `json:"mod_time"`
}

// handleJobFiles lists the job's output tree relative to its stem
// directory. Paths returned here are valid inputs to /files/.
func (s *Server) handleJobFiles(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobChecked(r, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	root := filepath.Join(s.cfg.OutputDir, job.Stem)
	files := make([]jobFile, 0)
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.cfg.OutputDir, path)
		if err != nil {
			return nil
		}
		files = append(files, jobFile{
			Path:      filepath.ToSlash(rel),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		s.fail(w, r, err)
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleJobTimeline(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobChecked(r, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit := intParam(r.URL.Query().Get("limit"), 200)
	events, err := s.store.ListTimeline(r.Context(), job.ID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": events})
}

func (s *Server) handleJobLogsTail(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobChecked(r, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n := intParam(r.URL.Query().Get("n"), 100)
	if n > 1000 {
		n = 1000
	}
	lines, err := s.store.TailLog(r.Context(), job.ID, n)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleLibraryList(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	q := r.URL.Query()
	f := store.LibraryFilter{
		Series: q.Get("series"),
		Season: intParam(q.Get("season"), 0),
	}
	if !ident.IsAdmin() {
		f.ViewerID = ident.UserID
	}
	entries, err := s.store.ListLibrary(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"library": entries})
}
