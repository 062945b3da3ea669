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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"reel/internal/dispatch"
	"reel/internal/events"
	"reel/internal/metrics"
	"reel/internal/store"
	"reel/pkg/models"
)

// Backpressure delay bounds for low-priority submissions that cannot
// degrade further.
const (
	flushBackoffBase   = 2 * time.Second
	flushBackoffMax    = 2 * time.Minute
	flushBackoffJitter = 0.3
)

// routedSubmitter is implemented by the auto backend; it reports which
// backend a submission landed on so the outbox records sent_redis vs
// sent_local truthfully.
type routedSubmitter interface {
	SubmitRouted(ctx context.Context, sub dispatch.Submission) (string, error)
}

// Flush delivers pending outbox rows to the dispatch backend and
// returns how many were handed over. Rows whose job has left QUEUED are
// settled or skipped; delivery failures are recorded on the row and
// retried on the next pass.
func (s *Scheduler) Flush(ctx context.Context) (int, error) {
	rows, err := s.store.ListPendingOutbox(ctx, s.cfg.FlushBatch)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}
	if len(rows) == 0 {
		s.reportDepth(ctx)
		return 0, nil
	}

	overloaded := false
	if s.cfg.BackpressureQueueMax > 0 {
		if depth, err := s.backend.Depth(ctx); err == nil {
			total := 0
			for _, n := range depth {
				total += n
			}
			overloaded = total > s.cfg.BackpressureQueueMax
		}
	}

	sent := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		delivered, err := s.flushOne(ctx, row, overloaded)
		if err != nil {
			s.logger.Warn("outbox delivery failed",
				"job_id", row.JobID, "attempts", row.Attempts, "error", err)
			if merr := s.store.MarkOutboxError(ctx, row.JobID, err); merr != nil {
				s.logger.Warn("mark outbox error failed",
					"job_id", row.JobID, "error", merr)
			}
			continue
		}
		if delivered {
			sent++
		}
	}
	s.reportDepth(ctx)
	return sent, nil
}

// flushOne handles a single outbox row. delivered is true only when the
// submission was handed to a backend and the row marked sent.
func (s *Scheduler) flushOne(ctx context.Context, row models.OutboxRow, overloaded bool) (bool, error) {
	job, err := s.store.GetJob(ctx, row.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// Job row is gone; nothing left to dispatch.
		return false, s.settleRow(ctx, row.JobID)
	}
	if err != nil {
		return false, err
	}

	switch job.State {
	case models.JobQueued:
	case models.JobPaused:
		// Stays pending; resume kicks the flusher.
		return false, nil
	default:
		// Terminal or running before dispatch settled; the entry is moot.
		return false, s.settleRow(ctx, row.JobID)
	}

	if overloaded {
		job, err = s.applyBackpressure(ctx, job, row.Attempts)
		if errors.Is(err, store.ErrStateConflict) {
			// State moved under us; revisit on the next pass.
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}

	sub := dispatch.Submission{
		JobID:       job.ID,
		Priority:    job.Priority,
		AvailableAt: job.AvailableAt,
		SubmittedAt: job.SubmittedAt,
	}

	var landed string
	if rs, ok := s.backend.(routedSubmitter); ok {
		landed, err = rs.SubmitRouted(ctx, sub)
	} else {
		landed = s.backend.Name()
		err = s.backend.Submit(ctx, sub)
	}
	if landed == "" {
		landed = s.backend.Name()
	}
	metrics.ObserveDispatchOp(landed, "submit", err)
	if err != nil {
		return false, fmt.Errorf("submit to %s: %w", landed, err)
	}

	state := models.OutboxSentLocal
	if landed == "redis" {
		state = models.OutboxSentRedis
	}
	if err := s.store.MarkOutboxSent(ctx, row.JobID, state); err != nil {
		// Row may have been requeued or deleted concurrently; the
		// backend dedupes a re-submit either way.
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return true, nil
}

// applyBackpressure degrades the job one priority step, or delays a
// low-priority job, persisting the change so the queue entry and the
// job row agree.
func (s *Scheduler) applyBackpressure(ctx context.Context, job *models.Job, attempts int) (*models.Job, error) {
	if job.Priority != models.PriorityLow {
		to := job.Priority.Degrade()
		updated, err := s.store.UpdateJob(ctx, job.ID, []models.JobState{models.JobQueued}, func(j *models.Job) error {
			j.Priority = to
			return nil
		})
		if err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("queue overloaded: priority degraded to %s", to)
		s.recordQueueEvent(ctx, job.ID, msg)
		return updated, nil
	}

	delay := flushBackoff(attempts)
	availableAt := time.Now().UTC().Add(delay)
	updated, err := s.store.UpdateJob(ctx, job.ID, []models.JobState{models.JobQueued}, func(j *models.Job) error {
		j.AvailableAt = availableAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("queue overloaded: delayed %s", delay.Round(time.Second))
	s.recordQueueEvent(ctx, job.ID, msg)
	return updated, nil
}

// recordQueueEvent writes a timeline row and mirrors it on the live
// stream. Best effort; dispatch must not fail on bookkeeping.
func (s *Scheduler) recordQueueEvent(ctx context.Context, jobID, msg string) {
	ev := models.TimelineEvent{
		JobID:   jobID,
		Time:    time.Now().UTC(),
		Level:   models.EventLevelWarn,
		Message: msg,
	}
	if err := s.store.AppendTimeline(ctx, ev); err != nil {
		s.logger.Warn("append timeline failed", "job_id", jobID, "error", err)
	}
	if s.hub != nil {
		s.hub.Publish(events.JobTopic(jobID), models.Event{
			Type:    models.EventQueue,
			JobID:   jobID,
			Time:    time.Now().UTC(),
			Message: msg,
		})
	}
	s.logger.Info("backpressure applied", "job_id", jobID, "detail", msg)
}

// settleRow removes an outbox row whose job no longer needs dispatch.
func (s *Scheduler) settleRow(ctx context.Context, jobID string) error {
	if err := s.store.DeleteOutbox(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("settle outbox: %w", err)
	}
	return nil
}

// reportDepth refreshes the queue depth gauge.
func (s *Scheduler) reportDepth(ctx context.Context) {
	depth, err := s.backend.Depth(ctx)
	if err != nil {
		return
	}
	total := 0
	for _, n := range depth {
		total += n
	}
	metrics.SetQueueDepth(s.backend.Name(), total)
}

// flushBackoff returns the delay for the attempts-th backpressure
// deferral, exponential with +/- jitter around the base.
func flushBackoff(attempts int) time.Duration {
	exp := attempts
	if exp > 10 {
		exp = 10
	}
	backoff := flushBackoffBase * (1 << exp)
	if backoff > flushBackoffMax {
		backoff = flushBackoffMax
	}
	jitter := time.Duration(rand.Float64() * flushBackoffJitter * float64(backoff) * 2)
	return backoff - time.Duration(flushBackoffJitter*float64(backoff)) + jitter
}
