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

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"reel/pkg/models"
)

func insertTerminalJob(t *testing.T, s *Store, ctx context.Context, owner string, state models.JobState, finished time.Time) *models.Job {
	t.Helper()
	job := newTestJob(owner)
	job.State = state
	job.Progress = 1
	job.StartedAt = timePtr(finished.Add(-10 * time.Minute))
	job.FinishedAt = timePtr(finished)
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	return job
}

func timePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

func TestListRetentionCandidates(t *testing.T) {
	s, ctx := newTestStore(t)

	now := time.Now().UTC()
	cutoff := now.Add(-time.Hour)

	oldest := insertTerminalJob(t, s, ctx, "alice", models.JobDone, now.Add(-72*time.Hour))
	older := insertTerminalJob(t, s, ctx, "alice", models.JobDone, now.Add(-48*time.Hour))

	// None of these qualify: too recent, wrong state, already swept,
	// or soft-deleted.
	insertTerminalJob(t, s, ctx, "alice", models.JobDone, now.Add(-time.Minute))
	insertTerminalJob(t, s, ctx, "alice", models.JobFailed, now.Add(-72*time.Hour))
	swept := insertTerminalJob(t, s, ctx, "alice", models.JobDone, now.Add(-72*time.Hour))
	if _, err := s.UpdateJob(ctx, swept.ID, nil, func(j *models.Job) error {
		j.RetentionSweptAt = timePtr(now)
		return nil
	}); err != nil {
		t.Fatalf("mark swept failed: %v", err)
	}
	deleted := insertTerminalJob(t, s, ctx, "bob", models.JobDone, now.Add(-72*time.Hour))
	if _, err := s.UpdateJob(ctx, deleted.ID, nil, func(j *models.Job) error {
		j.DeletedAt = timePtr(now)
		return nil
	}); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	got, err := s.ListRetentionCandidates(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("ListRetentionCandidates failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != oldest.ID || got[1].ID != older.ID {
		t.Errorf("expected oldest-first order [%s %s], got [%s %s]",
			oldest.ID, older.ID, got[0].ID, got[1].ID)
	}

	limited, err := s.ListRetentionCandidates(ctx, cutoff, 1)
	if err != nil {
		t.Fatalf("ListRetentionCandidates with limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != oldest.ID {
		t.Errorf("expected limit to keep the oldest candidate, got %v", limited)
	}
}

func TestListPurgeCandidates(t *testing.T) {
	s, ctx := newTestStore(t)

	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)

	due := insertTerminalJob(t, s, ctx, "alice", models.JobCanceled, now.Add(-80*time.Hour))
	if _, err := s.UpdateJob(ctx, due.ID, nil, func(j *models.Job) error {
		j.DeletedAt = timePtr(now.Add(-48 * time.Hour))
		return nil
	}); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	recent := insertTerminalJob(t, s, ctx, "alice", models.JobDone, now.Add(-80*time.Hour))
	if _, err := s.UpdateJob(ctx, recent.ID, nil, func(j *models.Job) error {
		j.DeletedAt = timePtr(now.Add(-time.Hour))
		return nil
	}); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	// A deleted job still marked RUNNING never purges; its run has to
	// settle first.
	running := newTestJob("bob")
	running.State = models.JobRunning
	running.DeletedAt = timePtr(now.Add(-48 * time.Hour))
	if err := s.InsertJob(ctx, running); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	insertTerminalJob(t, s, ctx, "bob", models.JobDone, now.Add(-80*time.Hour))

	got, err := s.ListPurgeCandidates(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("ListPurgeCandidates failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only the overdue deleted job, got %v", got)
	}
}

func TestPurgeJobCascades(t *testing.T) {
	s, ctx := newTestStore(t)

	job := insertTerminalJob(t, s, ctx, "alice", models.JobDone, time.Now().UTC().Add(-48*time.Hour))
	if _, err := s.AppendLog(ctx, job.ID, "stage probe complete"); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	if err := s.AppendTimeline(ctx, models.TimelineEvent{
		JobID: job.ID, Time: time.Now().UTC(), Level: models.EventLevelInfo, Message: "done",
	}); err != nil {
		t.Fatalf("AppendTimeline failed: %v", err)
	}
	if err := s.UpsertLibraryEntry(ctx, models.LibraryEntry{
		JobID: job.ID, OwnerID: "alice", SeriesSlug: "show", Season: 1, Episode: 2,
		Visibility: models.VisibilityPrivate, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertLibraryEntry failed: %v", err)
	}
	if _, _, err := s.AcquireLease(ctx, job.ID, "worker-1", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	if err := s.PurgeJob(ctx, job.ID); err != nil {
		t.Fatalf("PurgeJob failed: %v", err)
	}

	if _, err := s.GetJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected job gone, got %v", err)
	}
	if lines, err := s.TailLog(ctx, job.ID, 10); err != nil || len(lines) != 0 {
		t.Errorf("expected logs cascaded away, got %d lines, err %v", len(lines), err)
	}
	if evs, err := s.ListTimeline(ctx, job.ID, 10); err != nil || len(evs) != 0 {
		t.Errorf("expected timeline cascaded away, got %d events, err %v", len(evs), err)
	}
	if _, err := s.GetLibraryEntry(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected library entry gone, got %v", err)
	}
	if _, err := s.GetLease(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected lease gone, got %v", err)
	}
	if _, err := s.GetOutbox(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected outbox row gone, got %v", err)
	}

	if err := s.PurgeJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second purge, got %v", err)
	}
}

func TestCountJobsReferencingUpload(t *testing.T) {
	s, ctx := newTestStore(t)

	uploadID := "upload-shared"
	a := newTestJob("alice")
	a.InputKind = models.InputUpload
	a.InputRef = uploadID
	if err := s.InsertJob(ctx, a); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	b := newTestJob("alice")
	b.InputKind = models.InputUpload
	b.InputRef = uploadID
	if err := s.InsertJob(ctx, b); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	n, err := s.CountJobsReferencingUpload(ctx, uploadID, a.ID)
	if err != nil {
		t.Fatalf("CountJobsReferencingUpload failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 other reference, got %d", n)
	}

	n, err = s.CountJobsReferencingUpload(ctx, "upload-unrelated", a.ID)
	if err != nil {
		t.Fatalf("CountJobsReferencingUpload failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no references, got %d", n)
	}
}

func TestRerunClearsRetentionMark(t *testing.T) {
	s, ctx := newTestStore(t)

	now := time.Now().UTC()
	job := insertTerminalJob(t, s, ctx, "alice", models.JobDone, now.Add(-48*time.Hour))
	if _, err := s.UpdateJob(ctx, job.ID, nil, func(j *models.Job) error {
		j.RetentionSweptAt = timePtr(now)
		return nil
	}); err != nil {
		t.Fatalf("mark swept failed: %v", err)
	}

	rerun, err := s.RerunJob(ctx, job.ID, nil, false)
	if err != nil {
		t.Fatalf("RerunJob failed: %v", err)
	}
	if rerun.RetentionSweptAt != nil {
		t.Errorf("expected rerun to clear the retention mark, got %v", rerun.RetentionSweptAt)
	}
}
