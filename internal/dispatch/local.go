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
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"reel/pkg/models"
)

// claimPollInterval bounds how long a blocked Claim waits before
// re-checking delayed entries.
const claimPollInterval = 250 * time.Millisecond

// Local is the in-memory dispatch backend: a bounded priority heap with
// wake-up notification. Contents do not survive a restart; the outbox
// flusher re-submits pending jobs on boot.
type Local struct {
	capacity int

	mu      sync.Mutex
	pending entryHeap
	present map[string]struct{}
	claimed map[string]Submission

	notify chan struct{}
	done   chan struct{}
	closer sync.Once
}

type entry struct {
	sub    Submission
	weight int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	if !h[i].sub.AvailableAt.Equal(h[j].sub.AvailableAt) {
		return h[i].sub.AvailableAt.Before(h[j].sub.AvailableAt)
	}
	if !h[i].sub.SubmittedAt.Equal(h[j].sub.SubmittedAt) {
		return h[i].sub.SubmittedAt.Before(h[j].sub.SubmittedAt)
	}
	return h[i].sub.JobID < h[j].sub.JobID
}
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// NewLocal returns a local backend holding at most capacity pending jobs.
func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		capacity = 256
	}
	return &Local{
		capacity: capacity,
		present:  make(map[string]struct{}),
		claimed:  make(map[string]Submission),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (l *Local) Name() string { return "local" }

// Submit enqueues sub. A job already pending or claimed is left alone.
// A full queue returns ErrQueueFull so the caller can apply backpressure.
func (l *Local) Submit(ctx context.Context, sub Submission) error {
	select {
	case <-l.done:
		return context.Canceled
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.present[sub.JobID]; dup {
		return nil
	}
	if l.pending.Len() >= l.capacity {
		return ErrQueueFull
	}
	heap.Push(&l.pending, &entry{sub: sub, weight: sub.Priority.Weight()})
	l.present[sub.JobID] = struct{}{}
	l.wake()
	return nil
}

// wake nudges a blocked claimer without ever blocking the submitter.
func (l *Local) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Claim pops up to n ready jobs in priority order, blocking until at
// least one is available, ctx expires, or the backend closes. The
// visibility TTL is unused locally: claimed entries sit in memory and
// are restored only by Nack, while crash recovery is the outbox's job.
func (l *Local) Claim(ctx context.Context, consumerID string, n int, visibilityTTL time.Duration) ([]Claim, error) {
	if n <= 0 {
		n = 1
	}
	for {
		claims := l.popReady(n)
		if len(claims) > 0 {
			return claims, nil
		}

		timer := time.NewTimer(claimPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-l.done:
			timer.Stop()
			return nil, context.Canceled
		case <-l.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// TryClaim pops up to n ready jobs without blocking.
func (l *Local) TryClaim(n int) []Claim {
	if n <= 0 {
		n = 1
	}
	return l.popReady(n)
}

// popReady removes up to n entries whose availability has arrived,
// skipping over higher-priority entries still waiting on their delay.
func (l *Local) popReady(n int) []Claim {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var out []Claim
	var deferred []*entry
	for l.pending.Len() > 0 && len(out) < n {
		e := heap.Pop(&l.pending).(*entry)
		if e.sub.AvailableAt.After(now) {
			deferred = append(deferred, e)
			continue
		}
		token := uuid.NewString()
		l.claimed[token] = e.sub
		out = append(out, Claim{JobID: e.sub.JobID, Token: token})
	}
	for _, e := range deferred {
		heap.Push(&l.pending, e)
	}
	return out
}

// Ack forgets a settled claim.
func (l *Local) Ack(ctx context.Context, claim Claim) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.claimed[claim.Token]
	if !ok || sub.JobID != claim.JobID {
		return ErrUnknownClaim
	}
	delete(l.claimed, claim.Token)
	delete(l.present, claim.JobID)
	return nil
}

// Nack restores a claimed job to the queue, visible after delay. The
// original submission time is kept so the job does not lose its place
// behind peers submitted earlier.
func (l *Local) Nack(ctx context.Context, claim Claim, delay time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.claimed[claim.Token]
	if !ok || sub.JobID != claim.JobID {
		return ErrUnknownClaim
	}
	delete(l.claimed, claim.Token)
	sub.AvailableAt = time.Now().Add(delay)
	heap.Push(&l.pending, &entry{sub: sub, weight: sub.Priority.Weight()})
	l.wake()
	return nil
}

// Depth counts pending entries per priority, delayed included.
func (l *Local) Depth(ctx context.Context) (map[models.Priority]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	depths := make(map[models.Priority]int, 3)
	for _, e := range l.pending {
		depths[e.sub.Priority]++
	}
	return depths, nil
}

// Health always reports healthy; the local queue cannot be unreachable.
func (l *Local) Health(ctx context.Context) error { return nil }

// Close releases blocked claimers. Pending entries are dropped; the
// outbox re-submits them on the next boot.
func (l *Local) Close() error {
	l.closer.Do(func() { close(l.done) })
	return nil
}
