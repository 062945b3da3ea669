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

// Package scheduler admits submissions, flushes the outbox to the
// dispatch backend, applies the backpressure degrade policy, and owns
// the concurrency slots workers execute under. Durable job state lives
// in the store; everything here is rebuildable from it.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"reel/internal/dispatch"
	"reel/internal/events"
	"reel/internal/store"
)

// Config carries the scheduler's knobs, snapshotted from server config.
type Config struct {
	MaxConcurrentGlobal    int
	MaxConcurrentPerUser   int
	StageConcurrency       map[string]int
	DailyJobCap            int
	DailyProcessingMinutes int
	BackpressureQueueMax   int
	MinFreeDiskMB          int64
	OutputDir              string

	FlushInterval time.Duration
	FlushBatch    int
}

// Scheduler coordinates admission, dispatch delivery, and execution
// concurrency. One instance per process.
type Scheduler struct {
	store   *store.Store
	backend dispatch.Backend
	hub     *events.Hub
	cfg     Config
	logger  *slog.Logger

	runSem   *semaphore.Weighted
	stageSem map[string]*semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]chan struct{}

	// diskFree is swappable for tests.
	diskFree func(path string) (uint64, error)

	kick chan struct{}
}

// New wires a scheduler. hub may be nil; degrade events are then only
// recorded on the job timeline.
func New(st *store.Store, backend dispatch.Backend, hub *events.Hub, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrentGlobal <= 0 {
		cfg.MaxConcurrentGlobal = 2
	}
	if cfg.MaxConcurrentPerUser <= 0 {
		cfg.MaxConcurrentPerUser = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	stageSem := make(map[string]*semaphore.Weighted, len(cfg.StageConcurrency))
	for name, n := range cfg.StageConcurrency {
		if n > 0 {
			stageSem[name] = semaphore.NewWeighted(int64(n))
		}
	}

	return &Scheduler{
		store:    st,
		backend:  backend,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
		runSem:   semaphore.NewWeighted(int64(cfg.MaxConcurrentGlobal)),
		stageSem: stageSem,
		cancels:  make(map[string]chan struct{}),
		diskFree: statfsFree,
		kick:     make(chan struct{}, 1),
	}
}

// Run flushes the outbox on a fixed cadence and whenever kicked, until
// ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
		case <-ticker.C:
		}
		if _, err := s.Flush(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("outbox flush failed", "error", err)
		}
	}
}

// Kick asks the flusher to run soon. Safe from any goroutine; never
// blocks.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// AcquireRunSlot blocks until a global execution slot frees, or ctx
// ends. The returned release must be called exactly once.
func (s *Scheduler) AcquireRunSlot(ctx context.Context) (func(), error) {
	if err := s.runSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { s.runSem.Release(1) }) }, nil
}

// AcquireStageSlot blocks until the stage's slot frees. Stages without a
// configured cap run unbounded.
func (s *Scheduler) AcquireStageSlot(ctx context.Context, stageName string) (func(), error) {
	sem, ok := s.stageSem[stageName]
	if !ok {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// CancelChan returns a channel closed once cancellation of the job is
// requested. The durable cancel flag on the job row is authoritative;
// this is the prompt in-memory signal.
func (s *Scheduler) CancelChan(jobID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.cancels[jobID]
	if !ok {
		ch = make(chan struct{})
		s.cancels[jobID] = ch
	}
	return ch
}

// SignalCancel closes the job's cancel channel. Idempotent.
func (s *Scheduler) SignalCancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.cancels[jobID]
	if !ok {
		ch = make(chan struct{})
		s.cancels[jobID] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// ClearCancel drops the job's cancel channel after a run settles.
func (s *Scheduler) ClearCancel(jobID string) {
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()
}
