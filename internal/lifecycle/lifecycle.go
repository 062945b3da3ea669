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

// Package lifecycle supervises the server's background tasks and runs
// the ordered shutdown: drain flag, frontend close with grace, task
// cancellation, then closers in reverse registration order. Task
// cancellation is expected at shutdown and never reported as a failure.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"reel/internal/apierr"
)

// DefaultGrace bounds how long shutdown waits for in-flight requests
// and running tasks.
const DefaultGrace = 30 * time.Second

// drainRetryAfter is the Retry-After advertised on 503s while draining.
const drainRetryAfter = 10 * time.Second

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager owns the task group and the draining flag. Construct with
// New, register tasks and closers, then block in Run until a signal or
// a task failure starts the shutdown sequence.
type Manager struct {
	logger *slog.Logger
	grace  time.Duration

	group   *errgroup.Group
	taskCtx context.Context
	cancel  context.CancelFunc

	ready    atomic.Bool
	draining atomic.Bool

	mu        sync.Mutex
	frontends []step
	closers   []step
}

// New builds a Manager. grace <= 0 uses DefaultGrace.
func New(logger *slog.Logger, grace time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	base, cancel := context.WithCancel(context.Background())
	group, taskCtx := errgroup.WithContext(base)
	return &Manager{
		logger:  logger,
		grace:   grace,
		group:   group,
		taskCtx: taskCtx,
		cancel:  cancel,
	}
}

// Context is the root context background tasks derive from. It cancels
// when shutdown reaches the task phase or any task fails.
func (m *Manager) Context() context.Context { return m.taskCtx }

// Go starts a supervised task. A task returning a non-cancellation
// error brings the whole process down through the shutdown sequence;
// returning on cancellation is the normal way to stop.
func (m *Manager) Go(name string, fn func(context.Context) error) {
	m.group.Go(func() error {
		err := fn(m.taskCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("task failed", "task", name, "error", err)
			return fmt.Errorf("%s: %w", name, err)
		}
		m.logger.Debug("task stopped", "task", name)
		return nil
	})
}

// OnDrain registers a frontend stop (the HTTP server's Shutdown). These
// run first, with the grace context, while tasks are still live so
// in-flight requests can finish against a working backend.
func (m *Manager) OnDrain(name string, fn func(context.Context) error) {
	m.mu.Lock()
	m.frontends = append(m.frontends, step{name, fn})
	m.mu.Unlock()
}

// OnClose registers a closer that runs after every task has stopped.
// Closers run in reverse registration order, so registering in startup
// order tears down dependents before their dependencies.
func (m *Manager) OnClose(name string, fn func(context.Context) error) {
	m.mu.Lock()
	m.closers = append(m.closers, step{name, fn})
	m.mu.Unlock()
}

// Ready reports whether the server is running and not draining.
func (m *Manager) Ready() bool { return m.ready.Load() && !m.draining.Load() }

// Draining reports whether shutdown has begun.
func (m *Manager) Draining() bool { return m.draining.Load() }

// StartDrain flips the draining flag ahead of Run's own shutdown
// sequence. Idempotent.
func (m *Manager) StartDrain() {
	if m.draining.CompareAndSwap(false, true) {
		m.logger.Info("draining")
	}
}

// Gate rejects gated requests with 503 and a Retry-After while the
// server drains. Mounted on submit-class endpoints only; reads keep
// working until the listener closes.
func (m *Manager) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Draining() {
			apierr.Write(w, apierr.Draining(drainRetryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run blocks until ctx is done (the signal context) or a task fails,
// then executes the shutdown sequence and returns the first task
// failure, if any. Cancellation errors are absorbed.
func (m *Manager) Run(ctx context.Context) error {
	m.ready.Store(true)
	defer m.ready.Store(false)

	select {
	case <-ctx.Done():
		m.logger.Info("shutdown requested")
	case <-m.taskCtx.Done():
		m.logger.Warn("shutting down after task failure")
	}

	m.StartDrain()

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), m.grace)
	defer cancelGrace()

	m.mu.Lock()
	frontends := append([]step(nil), m.frontends...)
	closers := append([]step(nil), m.closers...)
	m.mu.Unlock()

	for _, f := range frontends {
		if err := f.fn(graceCtx); err != nil {
			m.logger.Warn("frontend stop failed", "name", f.name, "error", err)
		}
	}

	m.cancel()
	err := m.waitTasks(graceCtx)

	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if cerr := c.fn(graceCtx); cerr != nil {
			m.logger.Warn("closer failed", "name", c.name, "error", cerr)
		}
	}

	m.logger.Info("shutdown complete")
	return err
}

// waitTasks waits for the group within the grace window. A task that
// ignores cancellation must not wedge the process.
func (m *Manager) waitTasks(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()

	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		m.logger.Error("tasks did not stop within the grace period")
		return errors.New("shutdown grace period exceeded")
	}
}
