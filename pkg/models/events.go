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

package models

import "time"

// EventLevel represents the severity of a timeline entry.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// String returns the string value of the EventLevel.
func (l EventLevel) String() string { return string(l) }

// TimelineEvent is one append-only row in a job's timeline: stage
// transitions, retries, checkpoint writes, operator actions.
type TimelineEvent struct {
	ID      int64      `json:"id" db:"id"`
	JobID   string     `json:"job_id" db:"job_id"`
	Time    time.Time  `json:"time" db:"time"`
	Level   EventLevel `json:"level" db:"level"`
	Stage   *string    `json:"stage,omitempty" db:"stage"`
	Message string     `json:"message" db:"message"`
}

// EventType tags a push event on the live event plane.
type EventType string

const (
	EventState      EventType = "state"       // job state transition
	EventProgress   EventType = "progress"    // progress increment (coalesced)
	EventLog        EventType = "log"         // log line append (batched)
	EventTimeline   EventType = "timeline"    // timeline row append
	EventQueue      EventType = "queue"       // dispatch backend / degrade transition
	EventDropNotice EventType = "drop_notice" // subscriber buffer saturated
	EventBye        EventType = "bye"         // terminal event before close
)

// Event is one message on a job topic or the global topic. Seq is the
// per-topic sequence number carried as the SSE event ID so clients can
// resume with Last-Event-ID.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id,omitempty"`
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	State    JobState  `json:"state,omitempty"`
	Progress float64   `json:"progress,omitempty"`
	Stage    string    `json:"stage,omitempty"`
	Message  string    `json:"message,omitempty"`
	Lines    []string  `json:"lines,omitempty"`
}
