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
	"strings"
	"testing"
	"time"

	"reel/internal/dispatch"
	"reel/internal/store"
	"reel/pkg/models"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func occupy(t *testing.T, ctx context.Context, local *dispatch.Local, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := local.Submit(ctx, dispatch.Submission{
		JobID:       id,
		Priority:    models.PriorityMedium,
		AvailableAt: now,
		SubmittedAt: now,
	})
	if err != nil {
		t.Fatalf("occupy %s failed: %v", id, err)
	}
}

func TestFlushDeliversPendingRows(t *testing.T) {
	s, st, local, ctx := newTestScheduler(t, Config{})

	jobA := insertJob(t, ctx, st, "alice", models.PriorityMedium)
	jobB := insertJob(t, ctx, st, "alice", models.PriorityHigh)

	sent, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	for _, id := range []string{jobA.ID, jobB.ID} {
		row, err := st.GetOutbox(ctx, id)
		if err != nil {
			t.Fatalf("GetOutbox(%s) failed: %v", id, err)
		}
		if row.State != models.OutboxSentLocal {
			t.Errorf("outbox %s state = %s, want %s", id, row.State, models.OutboxSentLocal)
		}
	}

	claims := local.TryClaim(10)
	if len(claims) != 2 {
		t.Fatalf("claimable = %d, want 2", len(claims))
	}

	// Nothing pending; a second pass is a no-op.
	sent, err = s.Flush(ctx)
	if err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}
	if sent != 0 {
		t.Fatalf("second pass sent = %d, want 0", sent)
	}
}

func TestFlushSettlesRowsForTerminalJobs(t *testing.T) {
	s, st, local, ctx := newTestScheduler(t, Config{})

	job := insertJob(t, ctx, st, "alice", models.PriorityMedium)
	if _, err := st.UpdateJob(ctx, job.ID, nil, func(j *models.Job) error {
		now := time.Now().UTC()
		j.State = models.JobCanceled
		j.FinishedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("cancel job failed: %v", err)
	}

	sent, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
	if _, err := st.GetOutbox(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("outbox row should be settled, got %v", err)
	}
	if claims := local.TryClaim(10); len(claims) != 0 {
		t.Fatalf("canceled job must not be dispatched, claimed %d", len(claims))
	}
}

func TestFlushSkipsPausedRows(t *testing.T) {
	s, st, local, ctx := newTestScheduler(t, Config{})

	job := insertJob(t, ctx, st, "alice", models.PriorityMedium)
	if _, err := st.UpdateJob(ctx, job.ID, nil, func(j *models.Job) error {
		j.State = models.JobPaused
		return nil
	}); err != nil {
		t.Fatalf("pause job failed: %v", err)
	}

	sent, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
	row, err := st.GetOutbox(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetOutbox failed: %v", err)
	}
	if row.State != models.OutboxPending {
		t.Fatalf("paused row state = %s, want pending", row.State)
	}
	if claims := local.TryClaim(10); len(claims) != 0 {
		t.Fatalf("paused job must not be dispatched, claimed %d", len(claims))
	}

	// Resume puts it back on the next pass.
	if _, err := st.UpdateJob(ctx, job.ID, nil, func(j *models.Job) error {
		j.State = models.JobQueued
		return nil
	}); err != nil {
		t.Fatalf("resume job failed: %v", err)
	}
	sent, err = s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush after resume failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent after resume = %d, want 1", sent)
	}
}

func TestFlushDegradesUnderBackpressure(t *testing.T) {
	local := dispatch.NewLocal(64)
	s, st, ctx := newTestSchedulerWith(t, Config{BackpressureQueueMax: 1}, local)

	occupy(t, ctx, local, "occupier-1")
	occupy(t, ctx, local, "occupier-2")

	job := insertJob(t, ctx, st, "alice", models.PriorityHigh)

	sent, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Priority != models.PriorityMedium {
		t.Fatalf("priority = %s, want medium after one degrade step", got.Priority)
	}

	row, err := st.GetOutbox(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetOutbox failed: %v", err)
	}
	if row.State != models.OutboxSentLocal {
		t.Fatalf("outbox state = %s, want sent_local", row.State)
	}

	events, err := st.ListTimeline(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("ListTimeline failed: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Level == models.EventLevelWarn && strings.Contains(ev.Message, "degraded") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a degrade warning on the timeline, got %+v", events)
	}
}

func TestFlushDelaysLowPriorityUnderBackpressure(t *testing.T) {
	local := dispatch.NewLocal(64)
	s, st, ctx := newTestSchedulerWith(t, Config{BackpressureQueueMax: 1}, local)

	occupy(t, ctx, local, "occupier-1")
	occupy(t, ctx, local, "occupier-2")

	before := time.Now().UTC()
	job := insertJob(t, ctx, st, "alice", models.PriorityLow)

	sent, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Priority != models.PriorityLow {
		t.Fatalf("low priority must not change, got %s", got.Priority)
	}
	if delay := got.AvailableAt.Sub(before); delay < time.Second {
		t.Fatalf("AvailableAt moved %v, want at least 1s of deferral", delay)
	}

	// The deferred job is queued but not yet claimable.
	claims := local.TryClaim(10)
	if len(claims) != 2 {
		t.Fatalf("claimable = %d, want only the 2 occupiers", len(claims))
	}
	for _, c := range claims {
		if c.JobID == job.ID {
			t.Fatalf("deferred job %s should not be claimable yet", job.ID)
		}
	}

	row, err := st.GetOutbox(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetOutbox failed: %v", err)
	}
	if row.State != models.OutboxSentLocal {
		t.Fatalf("outbox state = %s, want sent_local", row.State)
	}
}

func TestFlushRecordsDeliveryErrors(t *testing.T) {
	local := dispatch.NewLocal(1)
	s, st, ctx := newTestSchedulerWith(t, Config{}, local)

	occupy(t, ctx, local, "occupier-1")
	job := insertJob(t, ctx, st, "alice", models.PriorityMedium)

	sent, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0 while the queue is full", sent)
	}

	row, err := st.GetOutbox(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetOutbox failed: %v", err)
	}
	if row.State != models.OutboxError {
		t.Fatalf("outbox state = %s, want error", row.State)
	}
	if row.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", row.Attempts)
	}
	if row.LastError == nil {
		t.Fatal("LastError should record the delivery failure")
	}

	// Free a slot and the error row retries to completion.
	claims := local.TryClaim(1)
	if len(claims) != 1 {
		t.Fatalf("claimable = %d, want 1", len(claims))
	}
	if err := local.Ack(ctx, claims[0]); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	sent, err = s.Flush(ctx)
	if err != nil {
		t.Fatalf("retry Flush failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("retry sent = %d, want 1", sent)
	}
	row, err = st.GetOutbox(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetOutbox failed: %v", err)
	}
	if row.State != models.OutboxSentLocal {
		t.Fatalf("outbox state after retry = %s, want sent_local", row.State)
	}
}

// stubRouted pretends to be the auto backend so the flusher records
// sent_redis.
type stubRouted struct {
	submitted []dispatch.Submission
}

func (f *stubRouted) Name() string { return "redis" }

func (f *stubRouted) Submit(ctx context.Context, sub dispatch.Submission) error {
	f.submitted = append(f.submitted, sub)
	return nil
}

func (f *stubRouted) SubmitRouted(ctx context.Context, sub dispatch.Submission) (string, error) {
	return "redis", f.Submit(ctx, sub)
}

func (f *stubRouted) Claim(ctx context.Context, consumerID string, n int, ttl time.Duration) ([]dispatch.Claim, error) {
	return nil, nil
}

func (f *stubRouted) Ack(ctx context.Context, c dispatch.Claim) error { return nil }

func (f *stubRouted) Nack(ctx context.Context, c dispatch.Claim, d time.Duration) error { return nil }

func (f *stubRouted) Depth(ctx context.Context) (map[models.Priority]int, error) {
	return map[models.Priority]int{}, nil
}

func (f *stubRouted) Health(ctx context.Context) error { return nil }

func (f *stubRouted) Close() error { return nil }

func TestFlushRecordsRoutedBackend(t *testing.T) {
	stub := &stubRouted{}
	s, st, ctx := newTestSchedulerWith(t, Config{}, stub)

	job := insertJob(t, ctx, st, "alice", models.PriorityMedium)

	sent, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if len(stub.submitted) != 1 || stub.submitted[0].JobID != job.ID {
		t.Fatalf("backend received %+v", stub.submitted)
	}

	row, err := st.GetOutbox(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetOutbox failed: %v", err)
	}
	if row.State != models.OutboxSentRedis {
		t.Fatalf("outbox state = %s, want sent_redis", row.State)
	}
}

func TestRunLoopFlushesOnKick(t *testing.T) {
	// Long interval so only the kick can trigger the pass.
	s, st, _, ctx := newTestScheduler(t, Config{FlushInterval: time.Hour})

	job := insertJob(t, ctx, st, "alice", models.PriorityMedium)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(runCtx)
		close(done)
	}()

	s.Kick()
	waitFor(t, "outbox row to be sent", func() bool {
		row, err := st.GetOutbox(ctx, job.ID)
		return err == nil && row.State == models.OutboxSentLocal
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
