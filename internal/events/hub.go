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

// Package events is the in-process event plane. Producers publish to named
// topics; SSE and WebSocket handlers subscribe. Each topic keeps a bounded
// replay ring so a reconnecting client can resume from its last sequence
// number, and fan-out never blocks a producer: a subscriber that cannot keep
// up is marked dropped and disconnected instead.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"reel/internal/metrics"
	"reel/pkg/models"
)

const (
	// ringSize bounds per-topic replay history. A client further behind
	// than this cannot resume seamlessly and must re-snapshot.
	ringSize = 256

	// subBuffer is the per-subscriber channel depth. When it fills the
	// subscriber is dropped rather than stalling the publisher.
	subBuffer = 64
)

// TopicGlobal carries cross-job events: queue backend switches and
// degrade transitions.
const TopicGlobal = "global"

// JobTopic returns the topic name for one job's live stream.
func JobTopic(jobID string) string {
	return "job:" + jobID
}

// Subscriber is one attached client. Read from C until it is closed. If
// Dropped reports true after the close, the subscriber fell behind and the
// transport should tell the client to re-snapshot before reconnecting.
type Subscriber struct {
	C <-chan models.Event

	ch      chan models.Event
	dropped atomic.Bool
	closer  sync.Once
}

// Dropped reports whether this subscriber was disconnected for falling
// behind the publisher.
func (s *Subscriber) Dropped() bool {
	return s.dropped.Load()
}

func (s *Subscriber) close() {
	s.closer.Do(func() { close(s.ch) })
}

// topic state is guarded by the owning Hub's mutex.
type topic struct {
	seq   uint64
	ring  [ringSize]models.Event
	head  int // next write position
	count int
	subs  map[*Subscriber]struct{}
}

// oldestSeq returns the lowest sequence number still held in the ring.
// Zero when the ring is empty.
func (t *topic) oldestSeq() uint64 {
	if t.count == 0 {
		return 0
	}
	return t.seq - uint64(t.count) + 1
}

// replayAfter returns retained events with Seq > lastSeq, oldest first.
func (t *topic) replayAfter(lastSeq uint64) []models.Event {
	if t.count == 0 || t.seq <= lastSeq {
		return nil
	}
	var out []models.Event
	start := (t.head - t.count + ringSize) % ringSize
	for i := 0; i < t.count; i++ {
		ev := t.ring[(start+i)%ringSize]
		if ev.Seq > lastSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Hub routes events from producers to subscribers by topic name.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Publish assigns the event the topic's next sequence number, stamps the
// time if unset, records it in the replay ring, and fans it out to every
// subscriber without blocking. A subscriber whose buffer is full is marked
// dropped and its channel closed. Publishing models.EventBye tears the
// topic down after delivery. Returns the assigned sequence number.
func (h *Hub) Publish(name string, ev models.Event) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}

	t := h.topics[name]
	if t == nil {
		if ev.Type == models.EventBye {
			return 0
		}
		t = &topic{subs: make(map[*Subscriber]struct{})}
		h.topics[name] = t
	}

	t.seq++
	ev.Seq = t.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	t.ring[t.head] = ev
	t.head = (t.head + 1) % ringSize
	if t.count < ringSize {
		t.count++
	}

	for s := range t.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Store(true)
			s.close()
			delete(t.subs, s)
			metrics.IncEventsDropped()
		}
	}

	if ev.Type == models.EventBye {
		h.teardownLocked(name, t)
	}
	return ev.Seq
}

// Subscribe attaches a new subscriber to the named topic, creating the
// topic if needed. When lastSeq is non-zero, events newer than lastSeq that
// are still in the replay ring are returned for the transport to deliver
// before the live channel. resumeComplete is false when the ring no longer
// reaches back to lastSeq, meaning the client has a gap and should
// re-snapshot. lastSeq zero means a fresh attach: no replay, complete.
func (h *Hub) Subscribe(name string, lastSeq uint64) (sub *Subscriber, replay []models.Event, resumeComplete bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub = &Subscriber{ch: make(chan models.Event, subBuffer)}
	sub.C = sub.ch
	if h.closed {
		sub.close()
		return sub, nil, true
	}

	t := h.topics[name]
	if t == nil {
		t = &topic{subs: make(map[*Subscriber]struct{})}
		h.topics[name] = t
	}
	t.subs[sub] = struct{}{}

	if lastSeq == 0 {
		return sub, nil, true
	}
	resumeComplete = lastSeq+1 >= t.oldestSeq()
	return sub, t.replayAfter(lastSeq), resumeComplete
}

// Unsubscribe detaches sub from the named topic and closes its channel.
// Safe to call after the hub already dropped or closed the subscriber.
func (h *Hub) Unsubscribe(name string, sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if t := h.topics[name]; t != nil {
		delete(t.subs, sub)
	}
	h.mu.Unlock()
	sub.close()
}

// Subscribers returns the number of live subscribers on a topic.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[name]
	if t == nil {
		return 0
	}
	return len(t.subs)
}

// Shutdown sends a final bye on every live topic and closes all
// subscribers. Further publishes and subscribes are no-ops.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for name, t := range h.topics {
		t.seq++
		bye := models.Event{Type: models.EventBye, Seq: t.seq, Time: time.Now().UTC()}
		for s := range t.subs {
			select {
			case s.ch <- bye:
			default:
			}
		}
		h.teardownLocked(name, t)
	}
	h.closed = true
}

func (h *Hub) teardownLocked(name string, t *topic) {
	for s := range t.subs {
		s.close()
	}
	delete(h.topics, name)
}
