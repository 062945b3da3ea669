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

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reel/pkg/models"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r, err := NewRedisWithClient(context.Background(), client)
	if err != nil {
		t.Fatalf("NewRedisWithClient failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func claimOne(t *testing.T, r *Redis, consumer string, ttl time.Duration) Claim {
	t.Helper()
	claims, err := r.Claim(context.Background(), consumer, 1, ttl)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("claimed %d entries, want 1", len(claims))
	}
	return claims[0]
}

func TestRedisSubmitClaimAck(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	for _, s := range []Submission{
		{JobID: "job-low", Priority: models.PriorityLow, AvailableAt: now, SubmittedAt: now},
		{JobID: "job-med", Priority: models.PriorityMedium, AvailableAt: now, SubmittedAt: now},
		{JobID: "job-high", Priority: models.PriorityHigh, AvailableAt: now, SubmittedAt: now},
	} {
		if err := r.Submit(ctx, s); err != nil {
			t.Fatalf("Submit(%s) failed: %v", s.JobID, err)
		}
	}

	// A second submit of a queued job is a no-op.
	if err := r.Submit(ctx, Submission{JobID: "job-low", Priority: models.PriorityLow, AvailableAt: now, SubmittedAt: now}); err != nil {
		t.Fatalf("duplicate Submit failed: %v", err)
	}
	if n, _ := r.client.XLen(ctx, streamKey(models.PriorityLow)).Result(); n != 1 {
		t.Fatalf("low stream length = %d after duplicate submit, want 1", n)
	}

	// Highest priority drains first.
	for _, want := range []string{"job-high", "job-med", "job-low"} {
		c := claimOne(t, r, "wA", time.Minute)
		if c.JobID != want {
			t.Fatalf("claimed %s, want %s", c.JobID, want)
		}
		if err := r.Ack(ctx, c); err != nil {
			t.Fatalf("Ack(%s) failed: %v", c.JobID, err)
		}
	}

	if n, _ := r.client.SCard(ctx, queuedSet).Result(); n != 0 {
		t.Errorf("queued set has %d members after acks, want 0", n)
	}
	for _, p := range claimPriorities {
		if n, _ := r.client.XLen(ctx, streamKey(p)).Result(); n != 0 {
			t.Errorf("%s stream length = %d after acks, want 0", p, n)
		}
	}

	// Settled jobs may be submitted again.
	if err := r.Submit(ctx, Submission{JobID: "job-high", Priority: models.PriorityHigh, AvailableAt: now, SubmittedAt: now}); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if n, _ := r.client.XLen(ctx, streamKey(models.PriorityHigh)).Result(); n != 1 {
		t.Errorf("high stream length = %d after resubmit, want 1", n)
	}
}

func TestRedisDelayedPromotion(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	s := Submission{JobID: "later", Priority: models.PriorityHigh,
		AvailableAt: now.Add(150 * time.Millisecond), SubmittedAt: now}
	if err := r.Submit(ctx, s); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if n, _ := r.client.XLen(ctx, streamKey(models.PriorityHigh)).Result(); n != 0 {
		t.Fatalf("delayed submission landed on the stream immediately")
	}
	depths, err := r.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depths[models.PriorityHigh] != 1 {
		t.Fatalf("high depth = %d, want 1 (delayed entry counts)", depths[models.PriorityHigh])
	}

	time.Sleep(200 * time.Millisecond)
	c := claimOne(t, r, "wA", time.Minute)
	if c.JobID != "later" {
		t.Fatalf("claimed %s, want later", c.JobID)
	}
	if n, _ := r.client.ZCard(ctx, delayedKey).Result(); n != 0 {
		t.Errorf("delayed set has %d members after promotion, want 0", n)
	}
	if err := r.Ack(ctx, c); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestRedisNackRedelivery(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	if err := r.Submit(ctx, Submission{JobID: "retry-me", Priority: models.PriorityMedium, AvailableAt: now, SubmittedAt: now}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	c1 := claimOne(t, r, "wA", time.Minute)
	if err := r.Nack(ctx, c1, 0); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	c2 := claimOne(t, r, "wA", time.Minute)
	if c2.JobID != "retry-me" {
		t.Fatalf("redelivered %s, want retry-me", c2.JobID)
	}
	if c2.Token == c1.Token {
		t.Fatal("redelivery reused the settled entry token")
	}

	// A delayed nack parks the job in the delayed set.
	if err := r.Nack(ctx, c2, 80*time.Millisecond); err != nil {
		t.Fatalf("delayed Nack failed: %v", err)
	}
	if n, _ := r.client.ZCard(ctx, delayedKey).Result(); n != 1 {
		t.Fatalf("delayed set has %d members, want 1", n)
	}

	time.Sleep(120 * time.Millisecond)
	c3 := claimOne(t, r, "wB", time.Minute)
	if c3.JobID != "retry-me" {
		t.Fatalf("claimed %s after delay, want retry-me", c3.JobID)
	}
	if err := r.Ack(ctx, c3); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if n, _ := r.client.SCard(ctx, queuedSet).Result(); n != 0 {
		t.Errorf("queued set has %d members after ack, want 0", n)
	}
}

func TestRedisVisibilityReclaim(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	if err := r.Submit(ctx, Submission{JobID: "stuck", Priority: models.PriorityMedium, AvailableAt: now, SubmittedAt: now}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	cA := claimOne(t, r, "wA", time.Minute)

	// wA never acks. After the visibility TTL another consumer takes over.
	time.Sleep(30 * time.Millisecond)
	cB := claimOne(t, r, "wB", 10*time.Millisecond)
	if cB.JobID != "stuck" {
		t.Fatalf("reclaimed %s, want stuck", cB.JobID)
	}
	if err := r.Ack(ctx, cB); err != nil {
		t.Fatalf("Ack by new consumer failed: %v", err)
	}

	// The stale claim can no longer settle the entry.
	if err := r.Ack(ctx, cA); !errors.Is(err, ErrUnknownClaim) {
		t.Fatalf("stale ack: err = %v, want ErrUnknownClaim", err)
	}
}

func TestRedisUnknownTokens(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	cases := []Claim{
		{JobID: "x", Token: "garbage"},
		{JobID: "x", Token: "weird|1-1"},
		{JobID: "x", Token: "high|99-1"},
	}
	for _, c := range cases {
		if err := r.Ack(ctx, c); !errors.Is(err, ErrUnknownClaim) {
			t.Errorf("Ack(%q): err = %v, want ErrUnknownClaim", c.Token, err)
		}
	}
	if err := r.Nack(ctx, Claim{JobID: "x", Token: "nope"}, 0); !errors.Is(err, ErrUnknownClaim) {
		t.Errorf("Nack with malformed token: err = %v, want ErrUnknownClaim", err)
	}
}

func TestRedisDepthCountsAllPriorities(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	subs := []Submission{
		{JobID: "h1", Priority: models.PriorityHigh, AvailableAt: now, SubmittedAt: now},
		{JobID: "l1", Priority: models.PriorityLow, AvailableAt: now, SubmittedAt: now},
		{JobID: "m1", Priority: models.PriorityMedium, AvailableAt: now.Add(time.Hour), SubmittedAt: now},
	}
	for _, s := range subs {
		if err := r.Submit(ctx, s); err != nil {
			t.Fatalf("Submit(%s) failed: %v", s.JobID, err)
		}
	}

	depths, err := r.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	want := map[models.Priority]int{
		models.PriorityHigh:   1,
		models.PriorityMedium: 1,
		models.PriorityLow:    1,
	}
	for p, n := range want {
		if depths[p] != n {
			t.Errorf("depth[%s] = %d, want %d", p, depths[p], n)
		}
	}
}
