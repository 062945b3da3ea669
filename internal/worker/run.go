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

package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"reel/internal/dispatch"
	"reel/internal/events"
	"reel/internal/metrics"
	"reel/internal/stage"
	"reel/internal/store"
	"reel/pkg/models"
)

// abortCause distinguishes why a run's context was canceled.
type abortCause int

const (
	abortShutdown abortCause = iota
	abortLease
	abortCancel
)

// run drives one leased job through the pipeline. job is QUEUED, or
// RUNNING when resuming a dead holder's work.
func (p *Pool) run(ctx context.Context, consumerID string, claim dispatch.Claim, job *models.Job, resuming bool) {
	started := p.now()

	rt, err := models.ParseRuntime(job.Runtime)
	if err != nil {
		p.finishFailed(claim, job, "", fmt.Errorf("invalid runtime config: %w", err))
		return
	}
	inputPath, err := p.resolveInput(ctx, job)
	if err != nil {
		p.finishFailed(claim, job, "", err)
		return
	}

	if resuming {
		p.appendTimeline(ctx, job.ID, models.EventLevelWarn, nil,
			"resuming after lease takeover (worker "+consumerID+")")
	} else {
		updated, err := p.store.UpdateJob(ctx, job.ID, []models.JobState{models.JobQueued}, func(j *models.Job) error {
			j.State = models.JobRunning
			j.StartedAt = &started
			j.Message = "running"
			return nil
		})
		if errors.Is(err, store.ErrStateConflict) {
			p.ack(claim)
			return
		}
		if err != nil {
			p.logger.Warn("start transition failed", "job_id", job.ID, "error", err)
			p.nack(claim, storeGlitchDelay)
			return
		}
		job = updated
		metrics.IncJobTransition(string(models.JobQueued), string(models.JobRunning))
		p.appendTimeline(ctx, job.ID, models.EventLevelInfo, nil, "run started (worker "+consumerID+")")
		p.publishState(job)
	}

	metrics.SetJobsRunning(int(p.running.Add(1)))
	defer func() { metrics.SetJobsRunning(int(p.running.Add(-1))) }()

	workDir := filepath.Join(p.cfg.OutputDir, job.Stem)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		p.finishFailed(claim, job, "", fmt.Errorf("create work dir: %w", err))
		return
	}

	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	var leaseLost atomic.Bool
	hbDone := make(chan struct{})
	go p.heartbeat(runCtx, job.ID, consumerID, &leaseLost, abort, hbDone)
	defer func() {
		abort()
		<-hbDone
	}()

	go func() {
		select {
		case <-p.sched.CancelChan(job.ID):
			abort()
		case <-runCtx.Done():
		}
	}()

	artifacts := map[string]string{}
	skipPrefix := true
	for i := 0; i < p.pipeline.Len(); i++ {
		st := p.pipeline.Stage(i)
		name := st.Name()

		// Only the completed prefix skips; the first gap runs everything
		// after it so downstream stages never build on stale inputs.
		if skipPrefix {
			if cp, ok := job.Checkpoint[name]; ok && cp.Done && p.checkpointValid(workDir, cp) {
				for artifactName := range cp.ArtifactHashes {
					artifacts[artifactName] = filepath.Join(workDir, artifactName)
				}
				p.logger.Debug("checkpoint hit", "job_id", job.ID, "stage", name)
				continue
			}
			skipPrefix = false
		}

		// Durable cancel check between stages: cancel may have been
		// requested through another process's API.
		if p.cancelRequested(runCtx, job) {
			p.finishCanceled(claim, job, name)
			return
		}

		releaseStage, err := p.sched.AcquireStageSlot(runCtx, name)
		if err != nil {
			p.handleAbort(claim, job, name, &leaseLost)
			return
		}
		out, runErr := p.execStage(runCtx, st, stage.Input{
			JobID:     job.ID,
			WorkDir:   workDir,
			InputPath: inputPath,
			Runtime:   rt,
			Artifacts: cloneArtifacts(artifacts),
		}, job.ID)
		releaseStage()

		if runErr != nil {
			if stage.Classify(runErr) == stage.ClassCanceled {
				p.handleAbort(claim, job, name, &leaseLost)
				return
			}
			p.finishFailed(claim, job, name, runErr)
			return
		}

		for artifactName, path := range out.Artifacts {
			artifacts[artifactName] = path
		}
		hashes, err := hashArtifacts(out.Artifacts)
		if err != nil {
			p.finishFailed(claim, job, name, fmt.Errorf("hash artifacts: %w", err))
			return
		}

		doneAt := p.now()
		progress := p.pipeline.ProgressAt(i, 1)
		msg := out.Message
		if msg == "" {
			msg = name + " complete"
		}
		// Background context: finished work persists even when the
		// pool is shutting down under us.
		pctx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
		updated, err := p.store.UpdateJob(pctx, job.ID, []models.JobState{models.JobRunning}, func(j *models.Job) error {
			if j.Checkpoint == nil {
				j.Checkpoint = models.Checkpoint{}
			}
			j.Checkpoint[name] = models.StageCheckpoint{Done: true, DoneAt: &doneAt, ArtifactHashes: hashes}
			j.Progress = progress
			j.LastStage = name
			j.Message = msg
			return nil
		})
		cancelPersist()
		if err != nil {
			// Lost the RUNNING state under us; let redelivery sort it out.
			p.logger.Warn("persist checkpoint failed", "job_id", job.ID, "stage", name, "error", err)
			p.nack(claim, 0)
			return
		}
		job = updated
		p.progressEvent(job, name)
		p.appendLog(ctx, job.ID, fmt.Sprintf("stage %s complete (%.0f%%)", name, progress*100))
	}

	p.finishDone(claim, job, started, workDir)
}

// execStage runs one stage under the watchdog, retrying transient
// failures with backoff. The returned error carries its class.
func (p *Pool) execStage(ctx context.Context, st stage.Stage, in stage.Input, jobID string) (stage.Output, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		startAt := p.now()
		out, err := st.Run(sctx, in)
		cancel()
		dur := p.now().Sub(startAt)

		if err == nil {
			metrics.ObserveStage(st.Name(), "success", dur)
			return out, nil
		}
		class := stage.Classify(err)
		metrics.ObserveStage(st.Name(), classLabel(class), dur)
		if class != stage.ClassTransient || ctx.Err() != nil {
			return out, err
		}

		lastErr = err
		if attempt < p.cfg.RetryAttempts {
			metrics.IncStageRetry(st.Name())
			p.appendTimeline(ctx, jobID, models.EventLevelWarn, strPtr(st.Name()),
				fmt.Sprintf("transient error (attempt %d/%d): %s",
					attempt, p.cfg.RetryAttempts, truncate(err.Error(), 256)))
			if err := sleepCtx(ctx, p.retryDelay(attempt)); err != nil {
				return stage.Output{}, err
			}
		}
	}
	return stage.Output{}, fmt.Errorf("%d attempts exhausted: %w", p.cfg.RetryAttempts, lastErr)
}

// handleAbort routes an interrupted run: lease loss abandons, user
// cancel settles terminally, shutdown redelivers for resume.
func (p *Pool) handleAbort(claim dispatch.Claim, job *models.Job, stageName string, leaseLost *atomic.Bool) {
	switch p.abortCause(job.ID, leaseLost) {
	case abortLease:
		// Another worker may already be resuming; touch nothing.
		p.logger.Warn("abandoning run after lease loss", "job_id", job.ID, "stage", stageName)
	case abortCancel:
		p.finishCanceled(claim, job, stageName)
	default:
		bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		p.appendTimeline(bctx, job.ID, models.EventLevelWarn, strPtr(stageName),
			"interrupted by shutdown; resuming on restart")
		cancel()
		p.nack(claim, 0)
	}
}

func (p *Pool) abortCause(jobID string, leaseLost *atomic.Bool) abortCause {
	if leaseLost.Load() {
		return abortLease
	}
	select {
	case <-p.sched.CancelChan(jobID):
		return abortCancel
	default:
	}
	bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if j, err := p.store.GetJob(bctx, jobID); err == nil && j.CancelRequested {
		return abortCancel
	}
	return abortShutdown
}

// cancelRequested consults the in-process signal and the durable flag.
func (p *Pool) cancelRequested(ctx context.Context, job *models.Job) bool {
	if job.CancelRequested {
		return true
	}
	select {
	case <-p.sched.CancelChan(job.ID):
		return true
	default:
	}
	fresh, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		return false
	}
	job.CancelRequested = fresh.CancelRequested
	return fresh.CancelRequested
}

func (p *Pool) resolveInput(ctx context.Context, job *models.Job) (string, error) {
	switch job.InputKind {
	case models.InputUpload:
		u, err := p.store.GetUpload(ctx, job.InputRef)
		if err != nil {
			return "", fmt.Errorf("resolve upload %s: %w", job.InputRef, err)
		}
		if u.State != models.UploadComplete || u.FinalPath == "" {
			return "", fmt.Errorf("upload %s is not complete", job.InputRef)
		}
		return u.FinalPath, nil
	case models.InputPath:
		if _, err := os.Stat(job.InputRef); err != nil {
			return "", fmt.Errorf("input file: %w", err)
		}
		return job.InputRef, nil
	default:
		return "", fmt.Errorf("unknown input kind %q", job.InputKind)
	}
}

// finishDone settles a fully checkpointed job: terminal write, quota and
// storage accounting, library upsert, then ack.
func (p *Pool) finishDone(claim dispatch.Claim, job *models.Job, started time.Time, workDir string) {
	bctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	elapsed := p.now().Sub(started)
	storageBytes, err := dirSize(workDir)
	if err != nil {
		p.logger.Warn("measure output size failed", "job_id", job.ID, "error", err)
		storageBytes = job.OwnerStorageBytesDelta
	}
	prevDelta := job.OwnerStorageBytesDelta
	now := p.now()

	updated, err := p.store.UpdateJob(bctx, job.ID, []models.JobState{models.JobRunning}, func(j *models.Job) error {
		j.State = models.JobDone
		j.Progress = 1
		j.FinishedAt = &now
		j.Message = "dubbing complete"
		j.OwnerStorageBytesDelta = storageBytes
		return nil
	})
	if err != nil {
		// Redelivery will find every checkpoint done and land here again.
		p.logger.Warn("mark done failed", "job_id", job.ID, "error", err)
		p.nack(claim, 0)
		return
	}
	metrics.IncJobTransition(string(models.JobRunning), string(models.JobDone))

	if _, err := p.store.AdjustQuota(bctx, job.OwnerID, func(u *models.QuotaUsage) error {
		u.ProcessingMinutesToday += elapsed.Minutes()
		u.StorageBytesUsed += storageBytes - prevDelta
		return nil
	}); err != nil {
		p.logger.Warn("quota accounting failed", "job_id", job.ID, "error", err)
	}

	if job.LibraryKey != nil {
		k := job.LibraryKey
		if err := p.store.UpsertLibraryEntry(bctx, models.LibraryEntry{
			JobID:      job.ID,
			OwnerID:    job.OwnerID,
			SeriesSlug: k.SeriesSlug,
			Season:     k.Season,
			Episode:    k.Episode,
			Title:      job.Stem,
			Visibility: job.Visibility,
			UpdatedAt:  now,
		}); err != nil {
			p.logger.Warn("library upsert failed", "job_id", job.ID, "error", err)
		}
	}

	p.appendTimeline(bctx, job.ID, models.EventLevelInfo, nil,
		fmt.Sprintf("job complete in %s", elapsed.Round(time.Second)))
	p.publishState(updated)
	p.sched.ClearCancel(job.ID)
	p.ack(claim)
}

func (p *Pool) finishFailed(claim dispatch.Claim, job *models.Job, stageName string, cause error) {
	bctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	from := job.State
	now := p.now()
	msg := truncate(cause.Error(), 500)
	updated, err := p.store.UpdateJob(bctx, job.ID, []models.JobState{from}, func(j *models.Job) error {
		j.State = models.JobFailed
		j.FinishedAt = &now
		j.LastError = &msg
		if stageName != "" {
			j.LastStage = stageName
		}
		j.Message = failMessage(stageName)
		return nil
	})
	if errors.Is(err, store.ErrStateConflict) {
		p.ack(claim)
		return
	}
	if err != nil {
		p.logger.Warn("mark failed failed", "job_id", job.ID, "error", err)
		p.nack(claim, 0)
		return
	}
	metrics.IncJobTransition(string(from), string(models.JobFailed))

	var stagePtr *string
	if stageName != "" {
		stagePtr = strPtr(stageName)
	}
	p.appendTimeline(bctx, job.ID, models.EventLevelError, stagePtr, msg)
	p.publishState(updated)
	p.sched.ClearCancel(job.ID)
	p.ack(claim)
}

func (p *Pool) finishCanceled(claim dispatch.Claim, job *models.Job, stageName string) {
	bctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := p.now()
	updated, err := p.store.UpdateJob(bctx, job.ID, []models.JobState{models.JobRunning}, func(j *models.Job) error {
		j.State = models.JobCanceled
		j.FinishedAt = &now
		j.Message = "canceled"
		return nil
	})
	if errors.Is(err, store.ErrStateConflict) {
		p.ack(claim)
		return
	}
	if err != nil {
		p.logger.Warn("mark canceled failed", "job_id", job.ID, "error", err)
		p.nack(claim, 0)
		return
	}
	metrics.IncJobTransition(string(models.JobRunning), string(models.JobCanceled))

	var stagePtr *string
	if stageName != "" {
		stagePtr = strPtr(stageName)
	}
	p.appendTimeline(bctx, job.ID, models.EventLevelInfo, stagePtr, "canceled")
	p.publishState(updated)
	p.sched.ClearCancel(job.ID)
	p.ack(claim)
}

func (p *Pool) progressEvent(job *models.Job, stageName string) {
	if p.hub == nil {
		return
	}
	ev := models.Event{
		Type:     models.EventProgress,
		JobID:    job.ID,
		Time:     p.now(),
		Progress: job.Progress,
		Stage:    stageName,
		Message:  job.Message,
	}
	topic := events.JobTopic(job.ID)
	if p.coalesce != nil {
		p.coalesce.Progress(topic, ev)
		return
	}
	p.hub.Publish(topic, ev)
}

func (p *Pool) appendLog(ctx context.Context, jobID, line string) {
	if _, err := p.store.AppendLog(ctx, jobID, line); err != nil {
		p.logger.Warn("append log failed", "job_id", jobID, "error", err)
		return
	}
	if p.hub != nil {
		p.hub.Publish(events.JobTopic(jobID), models.Event{
			Type:  models.EventLog,
			JobID: jobID,
			Time:  p.now(),
			Lines: []string{line},
		})
	}
}

// checkpointValid re-hashes a checkpoint's artifacts. Artifact names are
// work-dir relative by contract, so a stale or missing file invalidates
// the checkpoint and forces the stage to run again.
func (p *Pool) checkpointValid(workDir string, cp models.StageCheckpoint) bool {
	for name, want := range cp.ArtifactHashes {
		got, err := hashFile(filepath.Join(workDir, name))
		if err != nil || got != want {
			return false
		}
	}
	return true
}

func (p *Pool) retryDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp > 10 {
		exp = 10
	}
	backoff := p.cfg.RetryBaseDelay * (1 << exp)
	if backoff > p.cfg.RetryMaxDelay {
		backoff = p.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Float64() * p.cfg.RetryJitter * float64(backoff) * 2)
	return backoff - time.Duration(p.cfg.RetryJitter*float64(backoff)) + jitter
}

func classLabel(c stage.Class) string {
	switch c {
	case stage.ClassFatal:
		return "fatal"
	case stage.ClassCanceled:
		return "canceled"
	default:
		return "transient"
	}
}

func failMessage(stageName string) string {
	if stageName == "" {
		return "failed"
	}
	return "failed at " + stageName
}

func cloneArtifacts(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func hashArtifacts(artifacts map[string]string) (map[string]string, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}
	hashes := make(map[string]string, len(artifacts))
	for name, path := range artifacts {
		h, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", name, err)
		}
		hashes[name] = h
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
