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

// Package maintenance runs the background housekeeping schedule: upload
// garbage collection, artifact retention, purge of soft-deleted jobs,
// identity-table cleanup, and the nightly quota roll. Each task is
// independent; one failing run logs and waits for its next tick.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"reel/internal/config"
	"reel/internal/database"
	"reel/internal/store"
	"reel/internal/upload"
	"reel/pkg/models"
)

const (
	// retentionGrace is how long after completion a DONE job keeps its
	// intermediate artifacts under the balanced policy.
	retentionGrace = 7 * 24 * time.Hour

	// purgeGrace is how long a soft-deleted job survives before the
	// sweeper hard-deletes it.
	purgeGrace = 7 * 24 * time.Hour

	// auditKeep is how long audit rows are retained.
	auditKeep = 90 * 24 * time.Hour

	sweepLimit = 200

	// taskTimeout bounds one run of any task.
	taskTimeout = 10 * time.Minute
)

// intermediateDirs are the per-stem subdirectories the balanced policy
// prunes; final outputs live at the stem root and under subs/.
var intermediateDirs = []string{"audio", "analysis", "qa", "review", "manifests"}

// minimalExtraDirs are additionally pruned under the minimal policy.
var minimalExtraDirs = []string{"mobile"}

// Runner owns the cron schedule. Construct with New, call Start, and
// Stop during shutdown.
type Runner struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	db      *database.DB
	uploads *upload.Manager
	cron    *cron.Cron
}

// New wires the schedule but does not start it.
func New(cfg config.Config, logger *slog.Logger, st *store.Store, db *database.DB, uploads *upload.Manager) (*Runner, error) {
	r := &Runner{
		cfg:     cfg,
		logger:  logger.With("component", "maintenance"),
		store:   st,
		db:      db,
		uploads: uploads,
		cron:    cron.New(),
	}

	gcEvery := cfg.UploadGCInterval
	if gcEvery <= 0 {
		gcEvery = 10 * time.Minute
	}
	sweepEvery := cfg.RetentionSweepInterval
	if sweepEvery <= 0 {
		sweepEvery = time.Hour
	}

	schedule := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{fmt.Sprintf("@every %s", gcEvery), "upload_gc", r.sweepUploads},
		{fmt.Sprintf("@every %s", sweepEvery), "retention_sweep", r.sweepRetention},
		{"@every 6h", "purge_sweep", r.sweepPurged},
		{"@every 1h", "identity_cleanup", r.cleanupIdentity},
		{"5 0 * * *", "daily_quota_roll", r.rollQuotas},
	}
	for _, task := range schedule {
		task := task
		if _, err := r.cron.AddFunc(task.spec, func() { r.runTask(task.name, task.run) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", task.name, err)
		}
	}
	return r, nil
}

// Start begins running the schedule in the cron's own goroutine.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for running tasks to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Runner) runTask(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		r.logger.Error("Maintenance task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	r.logger.Debug("Maintenance task finished", "task", name, "duration", time.Since(start))
}

func (r *Runner) sweepUploads(ctx context.Context) error {
	n, err := r.uploads.SweepExpired(ctx, time.Now().UTC())
	if n > 0 {
		r.logger.Info("Swept expired upload sessions", "count", n)
	}
	return err
}

// sweepRetention prunes intermediate artifacts of completed jobs
// according to the configured policy, then marks each job swept so it
// is never re-visited.
func (r *Runner) sweepRetention(ctx context.Context) error {
	policy := r.cfg.RetentionPolicy
	if policy == "" || policy == "full" {
		return nil
	}

	cutoff := time.Now().UTC()
	if policy == "balanced" {
		cutoff = cutoff.Add(-retentionGrace)
	}
	jobs, err := r.store.ListRetentionCandidates(ctx, cutoff, sweepLimit)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.pruneJobArtifacts(job, policy); err != nil {
			r.logger.Warn("Retention prune failed", "job_id", job.ID, "error", err)
			continue
		}
		now := time.Now().UTC()
		if _, err := r.store.UpdateJob(ctx, job.ID, []models.JobState{models.JobDone},
			func(j *models.Job) error {
				j.RetentionSweptAt = &now
				return nil
			}); err != nil {
			// A rerun raced the sweep; its fresh run re-creates what it
			// needs and clears the marker itself.
			r.logger.Warn("Retention mark failed", "job_id", job.ID, "error", err)
		}
	}
	if len(jobs) > 0 {
		r.logger.Info("Retention sweep finished", "policy", policy, "jobs", len(jobs))
	}
	return nil
}

func (r *Runner) pruneJobArtifacts(job *models.Job, policy string) error {
	root := filepath.Join(r.cfg.OutputDir, job.Stem)
	dirs := intermediateDirs
	if policy == "minimal" {
		dirs = append(append([]string{}, intermediateDirs...), minimalExtraDirs...)
	}
	for _, d := range dirs {
		if err := os.RemoveAll(filepath.Join(root, d)); err != nil {
			return fmt.Errorf("prune %s: %w", d, err)
		}
	}
	return nil
}

// sweepPurged hard-deletes soft-deleted jobs past the grace window:
// output tree, job pointer, the database row, and the input upload when
// no other job references it.
func (r *Runner) sweepPurged(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-purgeGrace)
	jobs, err := r.store.ListPurgeCandidates(ctx, cutoff, sweepLimit)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := os.RemoveAll(filepath.Join(r.cfg.OutputDir, job.Stem)); err != nil {
			r.logger.Warn("Purge failed to remove output tree", "job_id", job.ID, "error", err)
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.cfg.OutputDir, "jobs", job.ID)); err != nil {
			r.logger.Warn("Purge failed to remove job pointer", "job_id", job.ID, "error", err)
		}

		if job.InputKind == models.InputUpload {
			refs, err := r.store.CountJobsReferencingUpload(ctx, job.InputRef, job.ID)
			if err == nil && refs == 0 {
				if err := r.uploads.Remove(ctx, job.InputRef); err != nil {
					r.logger.Warn("Purge failed to remove input upload",
						"job_id", job.ID, "upload_id", job.InputRef, "error", err)
				}
			}
		}

		if err := r.store.PurgeJob(ctx, job.ID); err != nil {
			r.logger.Warn("Purge failed to delete job row", "job_id", job.ID, "error", err)
		}
	}
	if len(jobs) > 0 {
		r.logger.Info("Purged soft-deleted jobs", "count", len(jobs))
	}
	return nil
}

func (r *Runner) cleanupIdentity(ctx context.Context) error {
	if err := r.db.CleanupExpiredSessions(ctx); err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	if err := r.db.CleanupExpiredInvites(ctx); err != nil {
		return fmt.Errorf("cleanup invites: %w", err)
	}
	if err := r.db.CleanupExpiredPairingCodes(ctx); err != nil {
		return fmt.Errorf("cleanup pairing codes: %w", err)
	}
	return nil
}

// rollQuotas runs just after UTC midnight: zero the daily counters,
// repair any drift in the derived ones, and age out old audit rows.
func (r *Runner) rollQuotas(ctx context.Context) error {
	n, err := r.store.ResetDailyQuotas(ctx)
	if err != nil {
		return fmt.Errorf("reset daily quotas: %w", err)
	}
	if err := r.store.ReconcileQuotas(ctx); err != nil {
		return fmt.Errorf("reconcile quotas: %w", err)
	}
	removed, err := r.db.CleanupOldAudits(ctx, auditKeep)
	if err != nil {
		return fmt.Errorf("cleanup audits: %w", err)
	}
	r.logger.Info("Daily maintenance finished", "quota_rows_reset", n, "audit_rows_removed", removed)
	return nil
}
