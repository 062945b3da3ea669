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

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"reel/pkg/models"
)

func sub(id string, p models.Priority) Submission {
	now := time.Now()
	return Submission{JobID: id, Priority: p, AvailableAt: now, SubmittedAt: now}
}

func TestLocalPriorityOrdering(t *testing.T) {
	l := NewLocal(16)
	defer l.Close()
	ctx := context.Background()

	base := time.Now().Add(-time.Second)
	submissions := []Submission{
		{JobID: "low-1", Priority: models.PriorityLow, AvailableAt: base, SubmittedAt: base},
		{JobID: "med-1", Priority: models.PriorityMedium, AvailableAt: base, SubmittedAt: base.Add(time.Millisecond)},
		{JobID: "high-1", Priority: models.PriorityHigh, AvailableAt: base, SubmittedAt: base.Add(2 * time.Millisecond)},
		{JobID: "med-0", Priority: models.PriorityMedium, AvailableAt: base, SubmittedAt: base},
	}
	for _, s := range submissions {
		if err := l.Submit(ctx, s); err != nil {
			t.Fatalf("Submit(%s) failed: %v", s.JobID, err)
		}
	}

	claims := l.TryClaim(10)
	if len(claims) != 4 {
		t.Fatalf("claimed %d jobs, want 4", len(claims))
	}
	want := []string{"high-1", "med-0", "med-1", "low-1"}
	for i, c := range claims {
		if c.JobID != want[i] {
			t.Errorf("claim[%d] = %s, want %s", i, c.JobID, want[i])
		}
	}
}

func TestLocalTieBreakByJobID(t *testing.T) {
	l := NewLocal(16)
	defer l.Close()
	ctx := context.Background()

	at := time.Now().Add(-time.Second)
	for _, id := range []string{"b", "a", "c"} {
		s := Submission{JobID: id, Priority: models.PriorityMedium, AvailableAt: at, SubmittedAt: at}
		if err := l.Submit(ctx, s); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	claims := l.TryClaim(3)
	if len(claims) != 3 {
		t.Fatalf("claimed %d, want 3", len(claims))
	}
	for i, want := range []string{"a", "b", "c"} {
		if claims[i].JobID != want {
			t.Errorf("claim[%d] = %s, want %s", i, claims[i].JobID, want)
		}
	}
}

func TestLocalDelayedEntrySkipped(t *testing.T) {
	l := NewLocal(16)
	defer l.Close()
	ctx := context.Background()

	now := time.Now()
	future := Submission{JobID: "high-later", Priority: models.PriorityHigh,
		AvailableAt: now.Add(time.Hour), SubmittedAt: now}
	ready := Submission{JobID: "med-now", Priority: models.PriorityMedium,
		AvailableAt: now.Add(-time.Second), SubmittedAt: now}
	if err := l.Submit(ctx, future); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := l.Submit(ctx, ready); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	claims := l.TryClaim(5)
	if len(claims) != 1 || claims[0].JobID != "med-now" {
		t.Fatalf("claims = %+v, want only med-now", claims)
	}

	// The delayed entry is still pending.
	depths, _ := l.Depth(ctx)
	if depths[models.PriorityHigh] != 1 {
		t.Errorf("high depth = %d, want 1", depths[models.PriorityHigh])
	}
}

func TestLocalCapacityAndDedupe(t *testing.T) {
	l := NewLocal(2)
	defer l.Close()
	ctx := context.Background()

	if err := l.Submit(ctx, sub("a", models.PriorityMedium)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := l.Submit(ctx, sub("b", models.PriorityMedium)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := l.Submit(ctx, sub("c", models.PriorityMedium)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("overflow submit: err = %v, want ErrQueueFull", err)
	}
	// Re-submitting a queued job is a no-op even at capacity.
	if err := l.Submit(ctx, sub("a", models.PriorityMedium)); err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
}

func TestLocalAckNack(t *testing.T) {
	l := NewLocal(16)
	defer l.Close()
	ctx := context.Background()

	if err := l.Submit(ctx, sub("job-1", models.PriorityMedium)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	claims := l.TryClaim(1)
	if len(claims) != 1 {
		t.Fatalf("claimed %d, want 1", len(claims))
	}

	if err := l.Ack(ctx, Claim{JobID: "job-1", Token: "bogus"}); !errors.Is(err, ErrUnknownClaim) {
		t.Fatalf("bogus ack: err = %v", err)
	}

	// Nack makes the job claimable again after its delay.
	if err := l.Nack(ctx, claims[0], 30*time.Millisecond); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if got := l.TryClaim(1); len(got) != 0 {
		t.Fatalf("claimed during nack delay: %+v", got)
	}
	time.Sleep(50 * time.Millisecond)
	got := l.TryClaim(1)
	if len(got) != 1 || got[0].JobID != "job-1" {
		t.Fatalf("claims after delay = %+v", got)
	}

	if err := l.Ack(ctx, got[0]); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	// Once settled, the job may be submitted again.
	if err := l.Submit(ctx, sub("job-1", models.PriorityMedium)); err != nil {
		t.Fatalf("resubmit after ack: %v", err)
	}
	if got := l.TryClaim(1); len(got) != 1 {
		t.Fatal("resubmitted job not claimable")
	}
}

func TestLocalClaimBlocksUntilSubmit(t *testing.T) {
	l := NewLocal(16)
	defer l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		claims []Claim
		err    error
	}
	done := make(chan result, 1)
	go func() {
		claims, err := l.Claim(ctx, "w1", 1, time.Minute)
		done <- result{claims, err}
	}()

	time.Sleep(30 * time.Millisecond)
	if err := l.Submit(ctx, sub("late", models.PriorityLow)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Claim failed: %v", r.err)
		}
		if len(r.claims) != 1 || r.claims[0].JobID != "late" {
			t.Fatalf("claims = %+v", r.claims)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("claim never woke up")
	}
}

func TestLocalCloseReleasesClaimers(t *testing.T) {
	l := NewLocal(16)
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Claim(context.Background(), "w1", 1, time.Minute)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("claim returned nil error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("claim did not return after close")
	}
}
