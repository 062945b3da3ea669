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
	"strings"
	"sync"
	"testing"
	"time"

	"reel/pkg/models"
)

var errRedisDown = errors.New("redis down")

// fakeBackend stands in for the Redis backend with switchable health.
type fakeBackend struct {
	mu      sync.Mutex
	healthy bool
	queued  []Submission
	acked   []string
	closed  bool
}

func (f *fakeBackend) Name() string { return "redis" }

func (f *fakeBackend) Submit(ctx context.Context, sub Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return errRedisDown
	}
	f.queued = append(f.queued, sub)
	return nil
}

func (f *fakeBackend) Claim(ctx context.Context, consumerID string, n int, visibilityTTL time.Duration) ([]Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return nil, errRedisDown
	}
	var out []Claim
	for len(f.queued) > 0 && len(out) < n {
		sub := f.queued[0]
		f.queued = f.queued[1:]
		out = append(out, Claim{JobID: sub.JobID, Token: "entry-" + sub.JobID})
	}
	return out, nil
}

func (f *fakeBackend) Ack(ctx context.Context, claim Claim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, claim.JobID)
	return nil
}

func (f *fakeBackend) Nack(ctx context.Context, claim Claim, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, Submission{JobID: claim.JobID, Priority: models.PriorityMedium})
	return nil
}

func (f *fakeBackend) Depth(ctx context.Context) (map[models.Priority]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	depths := make(map[models.Priority]int)
	for _, s := range f.queued {
		depths[s.Priority]++
	}
	return depths, nil
}

func (f *fakeBackend) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return errRedisDown
	}
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) setHealthy(ok bool) {
	f.mu.Lock()
	f.healthy = ok
	f.mu.Unlock()
}

func (f *fakeBackend) queuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

func testAutoOptions() AutoOptions {
	return AutoOptions{
		TripFailures:      2,
		RecoverySuccesses: 1,
		RecoveryTimeout:   40 * time.Millisecond,
		ProbeInterval:     15 * time.Millisecond,
		BootProbes:        1,
		ProbeTimeout:      100 * time.Millisecond,
	}
}

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

func TestAutoRoutesToRedisWhenHealthy(t *testing.T) {
	fake := &fakeBackend{healthy: true}
	a := NewAuto(context.Background(), NewLocal(16), fake, testAutoOptions())
	defer a.Close()
	ctx := context.Background()

	if a.Name() != "redis" {
		t.Fatalf("Name() = %s, want redis", a.Name())
	}
	if err := a.Submit(ctx, sub("j1", models.PriorityHigh)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if fake.queuedCount() != 1 {
		t.Fatalf("redis queued %d, want 1", fake.queuedCount())
	}
	if depths, _ := a.local.Depth(ctx); depths[models.PriorityHigh] != 0 {
		t.Fatal("submission leaked into local queue")
	}
}

func TestAutoFailoverAndRecovery(t *testing.T) {
	fake := &fakeBackend{healthy: true}
	a := NewAuto(context.Background(), NewLocal(16), fake, testAutoOptions())
	defer a.Close()
	ctx := context.Background()

	var switchMu sync.Mutex
	var switches []string
	a.SetSwitchHook(func(from, to string) {
		switchMu.Lock()
		switches = append(switches, from+">"+to)
		switchMu.Unlock()
	})
	sawSwitch := func(s string) bool {
		switchMu.Lock()
		defer switchMu.Unlock()
		for _, got := range switches {
			if got == s {
				return true
			}
		}
		return false
	}

	// Failed submissions degrade to local while counting toward the trip.
	fake.setHealthy(false)
	for i, id := range []string{"d1", "d2", "d3"} {
		if err := a.Submit(ctx, sub(id, models.PriorityMedium)); err != nil {
			t.Fatalf("degraded Submit %d failed: %v", i, err)
		}
	}
	if depths, _ := a.local.Depth(ctx); depths[models.PriorityMedium] != 3 {
		t.Fatalf("local depth = %d, want 3", depths[models.PriorityMedium])
	}

	waitFor(t, "breaker to open", func() bool {
		return !a.usingRedis()
	})
	waitFor(t, "redis>local switch event", func() bool {
		return sawSwitch("redis>local")
	})
	if a.Name() != "local" {
		t.Fatalf("Name() = %s while degraded, want local", a.Name())
	}

	// After the backend heals, probes close the breaker and new
	// submissions return to Redis.
	fake.setHealthy(true)
	waitFor(t, "breaker to close", func() bool {
		return a.usingRedis()
	})
	waitFor(t, "local>redis switch event", func() bool {
		return sawSwitch("local>redis")
	})

	if err := a.Submit(ctx, sub("back", models.PriorityLow)); err != nil {
		t.Fatalf("Submit after recovery failed: %v", err)
	}
	if fake.queuedCount() != 1 {
		t.Fatalf("redis queued %d after recovery, want 1", fake.queuedCount())
	}
}

func TestAutoClaimDrainsLocalFirst(t *testing.T) {
	fake := &fakeBackend{healthy: true}
	local := NewLocal(16)
	a := NewAuto(context.Background(), local, fake, testAutoOptions())
	defer a.Close()
	ctx := context.Background()

	if err := fake.Submit(ctx, sub("remote-job", models.PriorityHigh)); err != nil {
		t.Fatalf("seed redis: %v", err)
	}
	if err := local.Submit(ctx, sub("stranded-job", models.PriorityLow)); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	claims, err := a.Claim(ctx, "w1", 1, time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claims) != 1 || claims[0].JobID != "stranded-job" {
		t.Fatalf("claims = %+v, want stranded-job first", claims)
	}
	if !strings.HasPrefix(claims[0].Token, "local:") {
		t.Fatalf("token %q lacks local origin", claims[0].Token)
	}
	if err := a.Ack(ctx, claims[0]); err != nil {
		t.Fatalf("Ack local claim failed: %v", err)
	}

	claims, err = a.Claim(ctx, "w1", 1, time.Minute)
	if err != nil {
		t.Fatalf("second Claim failed: %v", err)
	}
	if len(claims) != 1 || claims[0].JobID != "remote-job" {
		t.Fatalf("claims = %+v, want remote-job", claims)
	}
	if !strings.HasPrefix(claims[0].Token, "redis:") {
		t.Fatalf("token %q lacks redis origin", claims[0].Token)
	}
	if err := a.Ack(ctx, claims[0]); err != nil {
		t.Fatalf("Ack redis claim failed: %v", err)
	}
	fake.mu.Lock()
	acked := len(fake.acked)
	fake.mu.Unlock()
	if acked != 1 {
		t.Fatalf("redis acks = %d, want 1", acked)
	}
}

func TestAutoTokenRouting(t *testing.T) {
	fake := &fakeBackend{healthy: true}
	a := NewAuto(context.Background(), NewLocal(16), fake, testAutoOptions())
	defer a.Close()
	ctx := context.Background()

	for _, c := range []Claim{
		{JobID: "x", Token: "noprefix"},
		{JobID: "x", Token: "mars:123"},
	} {
		if err := a.Ack(ctx, c); !errors.Is(err, ErrUnknownClaim) {
			t.Errorf("Ack(%q): err = %v, want ErrUnknownClaim", c.Token, err)
		}
		if err := a.Nack(ctx, c, 0); !errors.Is(err, ErrUnknownClaim) {
			t.Errorf("Nack(%q): err = %v, want ErrUnknownClaim", c.Token, err)
		}
	}
}

func TestAutoWithoutRedis(t *testing.T) {
	a := NewAuto(context.Background(), NewLocal(16), nil, testAutoOptions())
	ctx := context.Background()

	if a.Name() != "local" {
		t.Fatalf("Name() = %s, want local", a.Name())
	}
	if err := a.Submit(ctx, sub("only-local", models.PriorityMedium)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	claims, err := a.Claim(ctx, "w1", 1, time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claims) != 1 || claims[0].JobID != "only-local" {
		t.Fatalf("claims = %+v", claims)
	}
	if err := a.Ack(ctx, claims[0]); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	st := a.Status(ctx)
	if st.Backend != "local" || st.RedisConfigured {
		t.Fatalf("status = %+v", st)
	}
	if err := a.Ack(ctx, Claim{JobID: "x", Token: "redis:y"}); !errors.Is(err, ErrUnknownClaim) {
		t.Fatalf("redis-origin ack without redis: err = %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
