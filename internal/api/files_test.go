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
	"os"
	"path/filepath"
	"testing"
	"time"

	"reel/pkg/models"
)

// writeOutput drops a file into the job's stem directory.
func writeOutput(t *testing.T, env *testEnv, stem, name string, content []byte) {
	t.Helper()
	full := filepath.Join(env.cfg.OutputDir, stem, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
}

func TestFileServeWithRange(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "ranged.mp4")

	content := []byte("0123456789abcdef")
	writeOutput(t, env, job.Stem, "subs/final.srt", content)

	resp := s.do(http.MethodGet, "/files/"+job.Stem+"/subs/final.srt", nil)
	wantStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != string(content) {
		t.Errorf("body = %q, want %q", body, content)
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/files/"+job.Stem+"/subs/final.srt", nil)
	req.Header.Set("Range", "bytes=4-7")
	r2, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("range get: %v", err)
	}
	defer r2.Body.Close()
	if r2.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", r2.StatusCode)
	}
	part, _ := io.ReadAll(r2.Body)
	if string(part) != "4567" {
		t.Errorf("range body = %q, want 4567", part)
	}
}

func TestFileTraversalBlocked(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "contained.mp4")
	writeOutput(t, env, job.Stem, "out.mp4", []byte("video"))

	for _, path := range []string{
		"/files/" + job.Stem + "/../../../etc/passwd",
		"/files/..%2f..%2fetc%2fpasswd",
		"/files/nosuchstem/out.mp4",
	} {
		resp := s.do(http.MethodGet, path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestFileCrossUserDenied(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login("alice", models.RoleEditor)
	mallory := env.login("mallory", models.RoleEditor)
	job := submitJob(t, alice, "mine.mp4")
	writeOutput(t, env, job.Stem, "out.mp4", []byte("video"))

	resp := mallory.do(http.MethodGet, "/files/"+job.Stem+"/out.mp4", nil)
	wantStatus(t, resp, http.StatusForbidden)
}

func TestJobFilesListing(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "listed.mp4")

	writeOutput(t, env, job.Stem, "out.mp4", []byte("aaaa"))
	writeOutput(t, env, job.Stem, "subs/final.srt", []byte("bb"))

	resp := s.do(http.MethodGet, "/api/jobs/"+job.ID+"/files", nil)
	wantStatus(t, resp, http.StatusOK)
	got := decodeBody[struct {
		Files []jobFile `json:"files"`
	}](t, resp)
	if len(got.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(got.Files))
	}
	// Sorted by path, relative to the outputs root.
	if got.Files[0].Path != job.Stem+"/out.mp4" {
		t.Errorf("first path = %q", got.Files[0].Path)
	}
	if got.Files[1].Path != job.Stem+"/subs/final.srt" {
		t.Errorf("second path = %q", got.Files[1].Path)
	}

	// Listed paths are valid /files/ inputs.
	r := s.do(http.MethodGet, "/files/"+got.Files[0].Path, nil)
	wantStatus(t, r, http.StatusOK)
	r.Body.Close()
}

func TestVideoServesPrimaryOutput(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "feature.mp4")

	writeOutput(t, env, job.Stem, "small.mp4", []byte("tiny"))
	writeOutput(t, env, job.Stem, "feature.dubbed.mp4", []byte("the big dubbed video"))

	resp := s.do(http.MethodGet, "/video/"+job.ID, nil)
	wantStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "the big dubbed video" {
		t.Errorf("served %q, want the largest video output", body)
	}
}

func TestVideoNoOutputIs404(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "empty.mp4")

	resp := s.do(http.MethodGet, "/video/"+job.ID, nil)
	wantStatus(t, resp, http.StatusNotFound)
}

func TestVideoSignedURL(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "share.mp4")
	writeOutput(t, env, job.Stem, "share.dubbed.mp4", []byte("shared bytes"))

	resp := s.do(http.MethodGet, "/video/"+job.ID+"?sign=3600", nil)
	wantStatus(t, resp, http.StatusOK)
	minted := decodeBody[struct {
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expires_at"`
	}](t, resp)
	if minted.URL == "" {
		t.Fatal("no signed url minted")
	}

	// The signed link works without any credentials.
	r2, err := http.Get(env.srv.URL + minted.URL)
	if err != nil {
		t.Fatalf("signed get: %v", err)
	}
	defer r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Fatalf("signed get = %d, want 200", r2.StatusCode)
	}
	body, _ := io.ReadAll(r2.Body)
	if string(body) != "shared bytes" {
		t.Errorf("signed body = %q", body)
	}

	// Tampering with the job ID invalidates the signature.
	other := submitJobAs(t, env, s, "other.mp4")
	tampered := "/video/" + other.ID + minted.URL[len("/video/"+job.ID):]
	r3, err := http.Get(env.srv.URL + tampered)
	if err != nil {
		t.Fatalf("tampered get: %v", err)
	}
	r3.Body.Close()
	if r3.StatusCode != http.StatusUnauthorized {
		t.Errorf("tampered get = %d, want 401", r3.StatusCode)
	}
}

// submitJobAs submits without tripping the per-user concurrency cap by
// canceling the caller's previous queued job first.
func submitJobAs(t *testing.T, env *testEnv, s *session, filename string) *models.Job {
	t.Helper()
	resp := s.do(http.MethodGet, "/api/jobs?mine=true", nil)
	wantStatus(t, resp, http.StatusOK)
	list := decodeBody[struct {
		Jobs []models.Job `json:"jobs"`
	}](t, resp)
	for _, j := range list.Jobs {
		if j.State == models.JobQueued || j.State == models.JobPaused {
			r := s.do(http.MethodPost, "/api/jobs/"+j.ID+"/cancel", nil)
			r.Body.Close()
		}
	}
	return submitJob(t, s, filename)
}
