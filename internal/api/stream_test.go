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

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"reel/internal/events"
	"reel/pkg/models"
)

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	ID    string
	Event string
	Data  models.Event
}

// openStream starts an SSE request and returns a frame reader plus a
// cancel that tears the connection down.
func openStream(t *testing.T, s *session, path string) (func() sseFrame, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.env.srv.URL+path, nil)
	if err != nil {
		cancel()
		t.Fatalf("new request: %v", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		resp.Body.Close()
		cancel()
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	next := func() sseFrame {
		t.Helper()
		var f sseFrame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "" && f.Event != "":
				return f
			case strings.HasPrefix(line, "id: "):
				f.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f.Data); err != nil {
					t.Fatalf("decode event data: %v", err)
				}
			}
		}
		t.Fatalf("stream ended before a frame arrived: %v", scanner.Err())
		return f
	}
	stop := func() {
		cancel()
		resp.Body.Close()
	}
	return next, stop
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestJobEventStreamReplay(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "streamed.mp4")
	topic := events.JobTopic(job.ID)

	env.hub.Publish(topic, models.Event{Type: models.EventState, JobID: job.ID, State: models.JobRunning})
	env.hub.Publish(topic, models.Event{Type: models.EventLog, JobID: job.ID, Lines: []string{"probe: ok"}})

	// Resuming after seq 1 replays only the second event.
	next, stop := openStream(t, s, "/events/jobs/"+job.ID+"?last_event_id=1")
	defer stop()

	f := next()
	if f.Event != string(models.EventLog) {
		t.Fatalf("event = %q, want log", f.Event)
	}
	if f.ID != "2" {
		t.Errorf("id = %q, want 2", f.ID)
	}
	if len(f.Data.Lines) != 1 || f.Data.Lines[0] != "probe: ok" {
		t.Errorf("lines = %v", f.Data.Lines)
	}
}

func TestJobEventStreamLiveDelivery(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "live.mp4")
	topic := events.JobTopic(job.ID)

	next, stop := openStream(t, s, "/events/jobs/"+job.ID)
	defer stop()

	waitFor(t, 5*time.Second, func() bool { return env.hub.Subscribers(topic) == 1 })
	env.hub.Publish(topic, models.Event{Type: models.EventProgress, JobID: job.ID, Progress: 0.5, Stage: "tts"})

	f := next()
	if f.Event != string(models.EventProgress) {
		t.Fatalf("event = %q, want progress", f.Event)
	}
	if f.Data.Progress != 0.5 || f.Data.Stage != "tts" {
		t.Errorf("progress/stage = %v/%q", f.Data.Progress, f.Data.Stage)
	}
}

func TestJobEventStreamDropNotice(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "behind.mp4")
	topic := events.JobTopic(job.ID)

	// Overflow the replay ring so a resume from seq 1 has a gap.
	for i := 0; i < 300; i++ {
		env.hub.Publish(topic, models.Event{Type: models.EventProgress, JobID: job.ID, Progress: float64(i) / 300})
	}

	next, stop := openStream(t, s, "/events/jobs/"+job.ID+"?last_event_id=1")
	defer stop()

	f := next()
	if f.Event != string(models.EventDropNotice) {
		t.Fatalf("first event = %q, want drop_notice", f.Event)
	}
}

func TestJobLogStreamFiltersEvents(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "logs.mp4")
	topic := events.JobTopic(job.ID)

	env.hub.Publish(topic, models.Event{Type: models.EventState, JobID: job.ID, State: models.JobRunning})
	env.hub.Publish(topic, models.Event{Type: models.EventLog, JobID: job.ID, Lines: []string{"line one"}})

	next, stop := openStream(t, s, "/api/jobs/"+job.ID+"/logs/stream?last_event_id=1")
	defer stop()

	// The state event at seq 1 is excluded; still, only log frames pass.
	f := next()
	if f.Event != string(models.EventLog) {
		t.Fatalf("event = %q, want log only", f.Event)
	}
}

func TestGlobalEventStreamOwnershipFilter(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login("alice", models.RoleEditor)
	job := submitJob(t, alice, "global.mp4")

	// Seq 1 anchors the resume point; seq 2 belongs to nobody alice
	// knows; seq 3 is hers.
	env.hub.Publish(events.TopicGlobal, models.Event{Type: models.EventQueue, Message: "queue backend switched from redis to local"})
	env.hub.Publish(events.TopicGlobal, models.Event{Type: models.EventState, JobID: "someone-elses-job", State: models.JobRunning})
	env.hub.Publish(events.TopicGlobal, models.Event{Type: models.EventState, JobID: job.ID, State: models.JobRunning})

	next, stop := openStream(t, alice, "/api/jobs/events?last_event_id=1")
	defer stop()

	f := next()
	if f.Data.JobID != job.ID {
		t.Fatalf("job_id = %q, want own job %s (foreign events must be filtered)", f.Data.JobID, job.ID)
	}
}

func TestJobWSStream(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "socketed.mp4")
	topic := events.JobTopic(job.ID)

	env.hub.Publish(topic, models.Event{Type: models.EventState, JobID: job.ID, State: models.JobRunning})
	env.hub.Publish(topic, models.Event{Type: models.EventLog, JobID: job.ID, Lines: []string{"ws line"}})

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/jobs/" + job.ID + "?last_event_id=1"
	dialer := websocket.Dialer{Jar: s.client.Jar}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev models.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != models.EventLog || ev.Seq != 2 {
		t.Errorf("event = %s seq %d, want log seq 2", ev.Type, ev.Seq)
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	s := env.login("alice", models.RoleEditor)
	job := submitJob(t, s, "authed.mp4")

	for _, path := range []string{
		"/events/jobs/" + job.ID,
		"/api/jobs/events",
		fmt.Sprintf("/api/jobs/%s/logs/stream", job.ID),
	} {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, resp.StatusCode)
		}
	}
}
