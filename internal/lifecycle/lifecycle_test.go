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

package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestManager(grace time.Duration) *Manager {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), grace)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// recorder collects ordered event names across goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recorder) index(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == name {
			return i
		}
	}
	return -1
}

func TestRunShutdownSequence(t *testing.T) {
	m := newTestManager(5 * time.Second)
	rec := &recorder{}

	m.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		rec.add("task-canceled")
		return ctx.Err()
	})
	m.OnDrain("http", func(context.Context) error {
		rec.add("frontend")
		return nil
	})
	m.OnClose("store", func(context.Context) error {
		rec.add("close-store")
		return nil
	})
	m.OnClose("hub", func(context.Context) error {
		rec.add("close-hub")
		return nil
	})

	sigCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(sigCtx) }()

	waitFor(t, m.Ready, "manager never became ready")
	stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v, want nil for a clean stop", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return")
	}

	frontend, task := rec.index("frontend"), rec.index("task-canceled")
	hub, store := rec.index("close-hub"), rec.index("close-store")
	if frontend == -1 || task == -1 || hub == -1 || store == -1 {
		t.Fatalf("missing steps: %v", rec.events)
	}
	if frontend > task {
		t.Fatalf("frontend stopped after tasks: %v", rec.events)
	}
	if task > hub || task > store {
		t.Fatalf("closers ran before tasks stopped: %v", rec.events)
	}
	// Reverse registration order: hub registered last, closes first.
	if hub > store {
		t.Fatalf("closers not in reverse order: %v", rec.events)
	}
	if !m.Draining() {
		t.Fatal("draining flag not set")
	}
	if m.Ready() {
		t.Fatal("still ready after shutdown")
	}
}

func TestTaskFailureStartsShutdown(t *testing.T) {
	m := newTestManager(5 * time.Second)
	var peerStopped bool

	m.Go("bad", func(ctx context.Context) error {
		return errors.New("boom")
	})
	m.Go("good", func(ctx context.Context) error {
		<-ctx.Done()
		peerStopped = true
		return ctx.Err()
	})

	// Signal context never fires; the failure alone must bring Run back.
	err := m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("run returned %v, want the task failure", err)
	}
	if !peerStopped {
		t.Fatal("sibling task was not canceled")
	}
}

func TestGateRejectsWhileDraining(t *testing.T) {
	m := newTestManager(0)
	h := m.Gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status before drain = %d", w.Code)
	}

	m.StartDrain()

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status while draining = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
	if !strings.Contains(w.Body.String(), "draining") {
		t.Fatalf("body %q missing draining", w.Body.String())
	}
}

func TestShutdownGraceExceeded(t *testing.T) {
	m := newTestManager(50 * time.Millisecond)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	m.Go("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	sigCtx, stop := context.WithCancel(context.Background())
	stop()

	err := m.Run(sigCtx)
	if err == nil || !strings.Contains(err.Error(), "grace period") {
		t.Fatalf("run returned %v, want grace period error", err)
	}
}

func TestStartDrainIsIdempotent(t *testing.T) {
	m := newTestManager(0)
	m.StartDrain()
	m.StartDrain()
	if !m.Draining() {
		t.Fatal("not draining")
	}
}
