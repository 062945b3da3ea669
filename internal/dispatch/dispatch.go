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

// Package dispatch decides where runnable job IDs come from next. Two
// backends implement the same contract: Local holds a bounded in-memory
// priority heap, Redis holds durable streams with a consumer group. The
// Auto wrapper selects between them with a circuit breaker so a Redis
// outage degrades to local dispatch instead of stalling submissions.
//
// Dispatch delivers at-least-once. At-most-once execution is the
// execution lease's job, not the backend's: every claim must still win
// the job's lease before running it.
package dispatch

import (
	"context"
	"errors"
	"time"

	"reel/pkg/models"
)

// ErrQueueFull reports that the local queue is at capacity. Submitters
// apply backpressure (degrade or delay) instead of dropping the job.
var ErrQueueFull = errors.New("dispatch queue is full")

// ErrUnknownClaim reports an Ack/Nack whose token does not match any
// outstanding claim, usually because visibility expired and another
// consumer reclaimed the entry.
var ErrUnknownClaim = errors.New("claim token is not outstanding")

// Submission is one job entering the queue.
type Submission struct {
	JobID       string
	Priority    models.Priority
	AvailableAt time.Time
	SubmittedAt time.Time
}

// Claim is a job handed to a consumer. The token is opaque and must be
// presented on Ack or Nack.
type Claim struct {
	JobID string
	Token string
}

// Backend is the dispatch capability set.
type Backend interface {
	// Name identifies the backend ("local" or "redis") in logs,
	// metrics, and queue events.
	Name() string

	// Submit enqueues a job. Submitting an already queued job ID is a
	// no-op, so the outbox flusher can retry safely.
	Submit(ctx context.Context, sub Submission) error

	// Claim returns up to n jobs ready to run, blocking until at least
	// one is available or ctx expires. A claimed entry invisible longer
	// than visibilityTTL becomes reclaimable by other consumers.
	Claim(ctx context.Context, consumerID string, n int, visibilityTTL time.Duration) ([]Claim, error)

	// Ack settles a claim after the job reached a terminal state.
	Ack(ctx context.Context, claim Claim) error

	// Nack returns a claimed job to the queue, visible again after delay.
	Nack(ctx context.Context, claim Claim, delay time.Duration) error

	// Depth reports pending entries per priority, delayed included.
	Depth(ctx context.Context) (map[models.Priority]int, error)

	// Health returns nil when the backend can accept work.
	Health(ctx context.Context) error

	Close() error
}
