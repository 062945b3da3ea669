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

// Package worker claims jobs from the dispatch backend and drives them
// through the stage pipeline. Dispatch is at-least-once; the execution
// lease makes runs at-most-once, and checkpoints make a takeover after
// a crash resume instead of restart.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reel/internal/dispatch"
	"reel/internal/events"
	"reel/internal/metrics"
	"reel/internal/scheduler"
	"reel/internal/stage"
	"reel/internal/store"
	"reel/pkg/models"
)

// Redelivery delays for claims the worker cannot act on right now.
const (
	storeGlitchDelay  = 15 * time.Second
	userCapRetryDelay = 5 * time.Second
)

// Config controls the worker pool.
type Config struct {
	Workers       int
	LeaseTTL      time.Duration
	VisibilityTTL time.Duration
	StageTimeout  time.Duration

	// Transient stage errors retry within these bounds before the job
	// fails.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64

	OutputDir string

	// HeartbeatEvery is how often the lease is extended mid-run.
	HeartbeatEvery time.Duration
}

// Pool runs Config.Workers claim loops against the dispatch backend.
type Pool struct {
	store    *store.Store
	backend  dispatch.Backend
	sched    *scheduler.Scheduler
	pipeline *stage.Pipeline
	hub      *events.Hub
	coalesce *events.Coalescer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	consumerBase string
	running      atomic.Int64
}

// New wires a worker pool. hub and coalesce may be nil; live events are
// then skipped and only durable state is written.
func New(st *store.Store, backend dispatch.Backend, sched *scheduler.Scheduler, pipeline *stage.Pipeline, hub *events.Hub, coalesce *events.Coalescer, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.HeartbeatEvery <= 0 || cfg.HeartbeatEvery >= cfg.LeaseTTL {
		cfg.HeartbeatEvery = cfg.LeaseTTL / 2
	}
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 5 * time.Minute
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 45 * time.Minute
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 4
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 3 * time.Second
	}
	if cfg.RetryJitter <= 0 {
		cfg.RetryJitter = 0.3
	}
	if logger == nil {
		logger = slog.Default()
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reel"
	}
	return &Pool{
		store:        st,
		backend:      backend,
		sched:        sched,
		pipeline:     pipeline,
		hub:          hub,
		coalesce:     coalesce,
		cfg:          cfg,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		consumerBase: host + "-" + uuid.NewString()[:8],
	}
}

// Run starts the claim loops and blocks until ctx ends and all loops
// have returned. In-flight jobs are interrupted; their leases release
// and their claims redeliver, so a restart resumes them.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		"workers", p.cfg.Workers, "lease_ttl", p.cfg.LeaseTTL, "stage_timeout", p.cfg.StageTimeout)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		consumerID := fmt.Sprintf("%s-%d", p.consumerBase, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.claimLoop(ctx, consumerID)
		}()
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

// claimLoop acquires a global run slot, claims one job, and processes
// it, until ctx ends. Holding the slot before claiming keeps claimed
// work from waiting behind a full pool.
func (p *Pool) claimLoop(ctx context.Context, consumerID string) {
	for ctx.Err() == nil {
		releaseSlot, err := p.sched.AcquireRunSlot(ctx)
		if err != nil {
			return
		}

		claims, err := p.backend.Claim(ctx, consumerID, 1, p.cfg.VisibilityTTL)
		metrics.ObserveDispatchOp(p.backend.Name(), "claim", err)
		if err != nil || len(claims) == 0 {
			releaseSlot()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.logger.Warn("claim failed", "consumer", consumerID, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}

		p.process(ctx, consumerID, claims[0])
		releaseSlot()
	}
}

// process takes one claim through the lease gate and the state guard,
// then hands it to the pipeline run.
func (p *Pool) process(ctx context.Context, consumerID string, claim dispatch.Claim) {
	jobID := claim.JobID

	acquired, stolenFrom, err := p.store.AcquireLease(ctx, jobID, consumerID, p.cfg.LeaseTTL)
	if err != nil {
		// A claim can outlive its job row; the lease insert fails its
		// foreign key then, and the claim must settle, not redeliver.
		if _, jerr := p.store.GetJob(ctx, jobID); errors.Is(jerr, store.ErrNotFound) {
			p.ack(claim)
			return
		}
		p.logger.Warn("lease acquire failed", "job_id", jobID, "error", err)
		p.nack(claim, storeGlitchDelay)
		return
	}
	if !acquired {
		// Duplicate delivery; the live lease holder owns this job.
		p.ack(claim)
		return
	}
	if stolenFrom != "" {
		metrics.IncLeaseSteal()
		p.logger.Info("took over expired lease",
			"job_id", jobID, "previous_holder", stolenFrom, "consumer", consumerID)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.store.ReleaseLease(rctx, jobID, consumerID); err != nil {
			p.logger.Warn("lease release failed", "job_id", jobID, "error", err)
		}
	}()

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		p.ack(claim)
		return
	}
	if err != nil {
		p.logger.Warn("load job failed", "job_id", jobID, "error", err)
		p.nack(claim, storeGlitchDelay)
		return
	}

	resuming := false
	switch job.State {
	case models.JobQueued:
	case models.JobRunning:
		// We hold the lease, so the previous holder is dead. Resume
		// from the checkpoint prefix instead of settling the claim.
		resuming = true
	default:
		// Paused, terminal, or otherwise not runnable anymore.
		p.ack(claim)
		return
	}

	if job.CancelRequested && !resuming {
		p.cancelBeforeStart(claim, job)
		return
	}

	if until := time.Until(job.AvailableAt); until > 0 {
		p.nack(claim, until)
		return
	}

	releaseUser, err := p.sched.ReserveUserRun(ctx, job.OwnerID)
	if err != nil {
		// Owner at their concurrent-run cap; try again shortly.
		p.nack(claim, userCapRetryDelay)
		return
	}
	defer releaseUser()

	p.run(ctx, consumerID, claim, job, resuming)
}

// cancelBeforeStart settles a job whose cancel arrived while it was
// still queued.
func (p *Pool) cancelBeforeStart(claim dispatch.Claim, job *models.Job) {
	bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := p.now()
	updated, err := p.store.UpdateJob(bctx, job.ID, []models.JobState{models.JobQueued}, func(j *models.Job) error {
		j.State = models.JobCanceled
		j.FinishedAt = &now
		j.Message = "canceled before start"
		return nil
	})
	if err != nil {
		p.logger.Warn("cancel-before-start failed", "job_id", job.ID, "error", err)
		p.nack(claim, storeGlitchDelay)
		return
	}
	metrics.IncJobTransition(string(models.JobQueued), string(models.JobCanceled))
	p.appendTimeline(bctx, job.ID, models.EventLevelInfo, nil, "canceled before start")
	p.publishState(updated)
	p.sched.ClearCancel(job.ID)
	p.ack(claim)
}

// heartbeat extends the lease until ctx ends. Losing the lease aborts
// the run: another worker may already be resuming this job.
func (p *Pool) heartbeat(ctx context.Context, jobID, consumerID string, lost *atomic.Bool, abort context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ok, err := p.store.ExtendLease(hctx, jobID, consumerID, p.cfg.LeaseTTL)
			cancel()
			if err != nil {
				// Transient store trouble; the lease has slack until TTL.
				p.logger.Warn("lease extend failed", "job_id", jobID, "error", err)
				continue
			}
			if !ok {
				lost.Store(true)
				p.logger.Warn("lease lost mid-run; aborting", "job_id", jobID, "consumer", consumerID)
				abort()
				return
			}
		}
	}
}

// ack settles a claim with its own short deadline so shutdown paths
// still settle.
func (p *Pool) ack(claim dispatch.Claim) {
	actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.backend.Ack(actx, claim); err != nil && !errors.Is(err, dispatch.ErrUnknownClaim) {
		p.logger.Warn("ack failed", "job_id", claim.JobID, "error", err)
	}
}

func (p *Pool) nack(claim dispatch.Claim, delay time.Duration) {
	nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.backend.Nack(nctx, claim, delay); err != nil && !errors.Is(err, dispatch.ErrUnknownClaim) {
		p.logger.Warn("nack failed", "job_id", claim.JobID, "error", err)
	}
}

func (p *Pool) appendTimeline(ctx context.Context, jobID string, level models.EventLevel, stageName *string, msg string) {
	ev := models.TimelineEvent{
		JobID:   jobID,
		Time:    p.now(),
		Level:   level,
		Stage:   stageName,
		Message: truncate(msg, 2000),
	}
	if err := p.store.AppendTimeline(ctx, ev); err != nil {
		p.logger.Warn("append timeline failed", "job_id", jobID, "error", err)
		return
	}
	if p.hub != nil {
		stageLabel := ""
		if stageName != nil {
			stageLabel = *stageName
		}
		p.hub.Publish(events.JobTopic(jobID), models.Event{
			Type:    models.EventTimeline,
			JobID:   jobID,
			Time:    ev.Time,
			Stage:   stageLabel,
			Message: ev.Message,
		})
	}
}

// publishState flushes any pending coalesced progress first so a stale
// tick cannot land after the transition. Transitions also mirror to the
// global topic for the cross-job feed.
func (p *Pool) publishState(job *models.Job) {
	if p.hub == nil {
		return
	}
	topic := events.JobTopic(job.ID)
	if p.coalesce != nil {
		p.coalesce.Flush(topic)
	}
	ev := models.Event{
		Type:     models.EventState,
		JobID:    job.ID,
		Time:     p.now(),
		State:    job.State,
		Progress: job.Progress,
		Stage:    job.LastStage,
		Message:  job.Message,
	}
	p.hub.Publish(topic, ev)
	p.hub.Publish(events.TopicGlobal, ev)
}

func strPtr(s string) *string { return &s }

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
