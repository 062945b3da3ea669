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

package maintenance

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"reel/internal/config"
	"reel/internal/database"
	"reel/internal/logging"
	"reel/internal/store"
	"reel/internal/upload"
	"reel/pkg/models"
)

type fixture struct {
	ctx     context.Context
	cfg     config.Config
	store   *store.Store
	db      *database.DB
	uploads *upload.Manager
	runner  *Runner
}

func newFixture(t *testing.T, policy string) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	root := t.TempDir()
	cfg := config.Default()
	cfg.StateDir = root
	cfg.OutputDir = filepath.Join(root, "out")
	cfg.UploadsDir = filepath.Join(root, "uploads")
	cfg.RetentionPolicy = policy

	st, err := store.Open(ctx, filepath.Join(root, "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	db, err := database.New(filepath.Join(root, "auth.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	uploads, err := upload.NewManager(st, cfg.UploadsDir, upload.Limits{
		SessionTTL: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("upload manager: %v", err)
	}

	runner, err := New(cfg, logging.New("error"), st, db, uploads)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return &fixture{ctx: ctx, cfg: cfg, store: st, db: db, uploads: uploads, runner: runner}
}

// seedDoneJob inserts a job that finished at the given time, with an
// output tree containing both intermediate and final artifacts.
func (f *fixture) seedDoneJob(t *testing.T, stem string, finished time.Time) *models.Job {
	t.Helper()
	job := models.NewJob("owner-1", models.InputPath, "/tmp/"+stem+".mp4", stem, nil)
	job.ID = uuid.NewString()
	if err := f.store.InsertJob(f.ctx, &job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if _, err := f.store.UpdateJob(f.ctx, job.ID,
		[]models.JobState{models.JobQueued},
		func(j *models.Job) error {
			j.State = models.JobRunning
			return nil
		}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	done, err := f.store.UpdateJob(f.ctx, job.ID,
		[]models.JobState{models.JobRunning},
		func(j *models.Job) error {
			j.State = models.JobDone
			j.FinishedAt = &finished
			return nil
		})
	if err != nil {
		t.Fatalf("to done: %v", err)
	}

	for _, p := range []string{
		"out.mp4",
		"subs/final.srt",
		"audio/vocals.wav",
		"analysis/diarization.json",
		"qa/report.json",
	} {
		full := filepath.Join(f.cfg.OutputDir, stem, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(p), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return done
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRetentionSweepPrunesIntermediates(t *testing.T) {
	f := newFixture(t, "balanced")

	old := f.seedDoneJob(t, "old-episode", time.Now().UTC().Add(-8*24*time.Hour))
	fresh := f.seedDoneJob(t, "fresh-episode", time.Now().UTC().Add(-time.Hour))

	if err := f.runner.sweepRetention(f.ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	oldRoot := filepath.Join(f.cfg.OutputDir, "old-episode")
	if exists(filepath.Join(oldRoot, "audio")) || exists(filepath.Join(oldRoot, "analysis")) || exists(filepath.Join(oldRoot, "qa")) {
		t.Error("intermediate dirs survived the balanced sweep")
	}
	if !exists(filepath.Join(oldRoot, "out.mp4")) || !exists(filepath.Join(oldRoot, "subs", "final.srt")) {
		t.Error("final outputs must survive the sweep")
	}

	got, err := f.store.GetJob(f.ctx, old.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.RetentionSweptAt == nil {
		t.Error("swept job not marked")
	}

	// A job inside the grace window is untouched.
	freshRoot := filepath.Join(f.cfg.OutputDir, "fresh-episode")
	if !exists(filepath.Join(freshRoot, "audio", "vocals.wav")) {
		t.Error("recent job pruned before its grace expired")
	}
	gotFresh, err := f.store.GetJob(f.ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh job: %v", err)
	}
	if gotFresh.RetentionSweptAt != nil {
		t.Error("recent job marked swept")
	}
}

func TestRetentionSweepFullPolicyIsNoop(t *testing.T) {
	f := newFixture(t, "full")
	f.seedDoneJob(t, "kept-episode", time.Now().UTC().Add(-30*24*time.Hour))

	if err := f.runner.sweepRetention(f.ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !exists(filepath.Join(f.cfg.OutputDir, "kept-episode", "audio", "vocals.wav")) {
		t.Error("full policy must keep every artifact")
	}
}

func TestPurgeSweepRemovesSoftDeleted(t *testing.T) {
	f := newFixture(t, "full")
	job := f.seedDoneJob(t, "doomed-episode", time.Now().UTC().Add(-30*24*time.Hour))

	deletedAt := time.Now().UTC().Add(-8 * 24 * time.Hour)
	if _, err := f.store.UpdateJob(f.ctx, job.ID, nil, func(j *models.Job) error {
		j.DeletedAt = &deletedAt
		return nil
	}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	pointer := filepath.Join(f.cfg.OutputDir, "jobs", job.ID)
	if err := os.MkdirAll(pointer, 0o755); err != nil {
		t.Fatalf("mkdir pointer: %v", err)
	}

	if err := f.runner.sweepPurged(f.ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if exists(filepath.Join(f.cfg.OutputDir, "doomed-episode")) {
		t.Error("output tree survived the purge")
	}
	if exists(pointer) {
		t.Error("job pointer survived the purge")
	}
	if _, err := f.store.GetJob(f.ctx, job.ID); err == nil {
		t.Error("job row survived the purge")
	}
}

func TestPurgeSweepHonorsGrace(t *testing.T) {
	f := newFixture(t, "full")
	job := f.seedDoneJob(t, "grace-episode", time.Now().UTC().Add(-time.Hour))

	deletedAt := time.Now().UTC().Add(-time.Hour)
	if _, err := f.store.UpdateJob(f.ctx, job.ID, nil, func(j *models.Job) error {
		j.DeletedAt = &deletedAt
		return nil
	}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if err := f.runner.sweepPurged(f.ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := f.store.GetJob(f.ctx, job.ID); err != nil {
		t.Error("job purged before its grace window passed")
	}
}

func TestUploadSweepAbandonsExpiredSessions(t *testing.T) {
	f := newFixture(t, "full")

	u, err := f.uploads.Init(f.ctx, "owner-1", "stale.mp4", 1024, 0)
	if err != nil {
		t.Fatalf("init upload: %v", err)
	}

	// The fixture's nanosecond TTL means the session is already expired.
	if err := f.runner.sweepUploads(f.ctx); err != nil {
		t.Fatalf("sweep uploads: %v", err)
	}

	got, err := f.uploads.Get(f.ctx, u.ID)
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if got.State != models.UploadAbandoned {
		t.Errorf("state = %s, want abandoned", got.State)
	}

	usage, err := f.store.GetQuotaUsage(f.ctx, "owner-1")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if usage.UploadsInflight != 0 || usage.StorageBytesUsed != 0 {
		t.Errorf("reservation not returned: inflight=%d bytes=%d",
			usage.UploadsInflight, usage.StorageBytesUsed)
	}
}

func TestDailyQuotaRoll(t *testing.T) {
	f := newFixture(t, "full")

	// Seed a quota row, then force its day into the past.
	if _, err := f.store.AdjustQuota(f.ctx, "owner-1", func(q *models.QuotaUsage) error {
		q.JobsSubmittedToday = 5
		q.ProcessingMinutesToday = 120
		return nil
	}); err != nil {
		t.Fatalf("seed quota: %v", err)
	}
	err := f.store.WithTx(f.ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(f.ctx, `UPDATE quota_usage SET day='2020-01-01' WHERE user_id=?`, "owner-1")
		return err
	})
	if err != nil {
		t.Fatalf("backdate day: %v", err)
	}

	if err := f.runner.rollQuotas(f.ctx); err != nil {
		t.Fatalf("roll: %v", err)
	}

	usage, err := f.store.GetQuotaUsage(f.ctx, "owner-1")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if usage.JobsSubmittedToday != 0 || usage.ProcessingMinutesToday != 0 {
		t.Errorf("daily counters not reset: jobs=%d minutes=%v",
			usage.JobsSubmittedToday, usage.ProcessingMinutesToday)
	}
}
