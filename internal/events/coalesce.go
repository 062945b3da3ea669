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

package events

import (
	"sync"
	"time"

	"reel/pkg/models"
)

// coalesceInterval is the default progress publish cadence.
const coalesceInterval = 200 * time.Millisecond

// Coalescer rate-limits progress events: per topic only the latest pending
// progress is published, once per interval. Publishers must Flush a topic
// before emitting a state or terminal event on it so a stale progress tick
// cannot land after the transition.
type Coalescer struct {
	hub      *Hub
	interval time.Duration

	mu      sync.Mutex
	pending map[string]models.Event

	stop    chan struct{}
	done    chan struct{}
	stopper sync.Once
}

// NewCoalescer starts a coalescer publishing into hub. A non-positive
// interval selects the default cadence.
func NewCoalescer(hub *Hub, interval time.Duration) *Coalescer {
	if interval <= 0 {
		interval = coalesceInterval
	}
	c := &Coalescer{
		hub:      hub,
		interval: interval,
		pending:  make(map[string]models.Event),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Progress stages a progress event for the topic. Successive calls before
// the next tick replace each other; only the newest value is published.
func (c *Coalescer) Progress(topicName string, ev models.Event) {
	c.mu.Lock()
	c.pending[topicName] = ev
	c.mu.Unlock()
}

// Flush immediately publishes the pending progress for one topic, if any.
func (c *Coalescer) Flush(topicName string) {
	c.mu.Lock()
	ev, ok := c.pending[topicName]
	if ok {
		delete(c.pending, topicName)
	}
	c.mu.Unlock()
	if ok {
		c.hub.Publish(topicName, ev)
	}
}

// Close flushes everything still pending and stops the ticker.
func (c *Coalescer) Close() {
	c.stopper.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Coalescer) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flushAll()
		case <-c.stop:
			c.flushAll()
			close(c.done)
			return
		}
	}
}

func (c *Coalescer) flushAll() {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]models.Event)
	c.mu.Unlock()
	for name, ev := range batch {
		c.hub.Publish(name, ev)
	}
}
