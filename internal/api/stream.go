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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"reel/internal/apierr"
	"reel/internal/events"
	"reel/internal/metrics"
	"reel/internal/policy"
	"reel/pkg/models"
)

const (
	// ssePingInterval keeps idle SSE connections alive through proxies.
	ssePingInterval = 15 * time.Second

	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

func (s *Server) routeStreams(mux *http.ServeMux) {
	mux.Handle("GET /events/jobs/{id}", chain(http.HandlerFunc(s.handleJobEvents), policy.RequireAuth))
	mux.Handle("GET /api/jobs/{id}/logs/stream", chain(http.HandlerFunc(s.handleJobLogStream), policy.RequireAuth))
	mux.Handle("GET /api/jobs/events", chain(http.HandlerFunc(s.handleGlobalEvents), policy.RequireAuth))
	mux.Handle("GET /ws/jobs/{id}", chain(http.HandlerFunc(s.handleJobWS), policy.RequireAuth))
}

// sseStream is one open text/event-stream response.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func openSSE(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, apierr.New(apierr.KindFatal, "streaming is not supported on this connection")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, flusher: flusher}, nil
}

// send writes one SSE frame. The event Seq rides the id: field so a
// reconnecting client can resume with Last-Event-ID.
func (s *sseStream) send(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// lastEventID parses the SSE resume point from the header, falling back
// to the ?last_event_id query parameter for clients that cannot set
// headers.
func lastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// handleJobEvents streams one job's full event feed: state transitions,
// coalesced progress, batched log lines, timeline rows, and a terminal
// bye. Replay resumes from Last-Event-ID; when the ring no longer holds
// that point the stream opens with a drop notice so the client knows to
// re-fetch the job snapshot.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobChecked(r, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.streamTopic(w, r, events.JobTopic(job.ID), lastEventID(r), nil)
}

// handleJobLogStream is the log-only view of the job feed.
func (s *Server) handleJobLogStream(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobChecked(r, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	keep := func(ev models.Event) bool {
		return ev.Type == models.EventLog || ev.Type == models.EventBye || ev.Type == models.EventDropNotice
	}
	s.streamTopic(w, r, events.JobTopic(job.ID), lastEventID(r), keep)
}

// handleGlobalEvents streams the cross-job feed. Admins see everything;
// everyone else sees queue events plus transitions of their own jobs.
// Ownership of unknown job IDs is resolved through the store once and
// cached for the connection's lifetime.
func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	ident := policy.IdentityFrom(r.Context())
	owned := map[string]bool{}
	keep := func(ev models.Event) bool {
		if ident.IsAdmin() {
			return true
		}
		if ev.JobID == "" {
			// Queue and degrade events carry no job and are visible to all.
			return true
		}
		mine, seen := owned[ev.JobID]
		if !seen {
			job, err := s.store.GetJob(r.Context(), ev.JobID)
			mine = err == nil && job.OwnerID == ident.UserID
			owned[ev.JobID] = mine
		}
		return mine
	}
	s.streamTopic(w, r, events.TopicGlobal, lastEventID(r), keep)
}

// streamTopic subscribes to one hub topic and pumps it over SSE until
// the client goes away, the topic ends, or the subscriber falls behind.
func (s *Server) streamTopic(w http.ResponseWriter, r *http.Request, topic string, lastSeq uint64, keep func(models.Event) bool) {
	stream, err := openSSE(w)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sub, replay, resumeComplete := s.hub.Subscribe(topic, lastSeq)
	defer s.hub.Unsubscribe(topic, sub)

	metrics.AddStreamClients("sse", 1)
	defer metrics.AddStreamClients("sse", -1)

	if lastSeq > 0 && !resumeComplete {
		_ = stream.send(models.Event{
			Type:    models.EventDropNotice,
			Time:    s.now(),
			Message: "replay window exceeded; re-fetch the job snapshot",
		})
	}
	for _, ev := range replay {
		if keep != nil && !keep(ev) {
			continue
		}
		if err := stream.send(ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := stream.ping(); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					metrics.IncEventsDropped()
					_ = stream.send(models.Event{
						Type:    models.EventDropNotice,
						Time:    s.now(),
						Message: "stream fell behind; reconnect and re-fetch the job snapshot",
					})
				}
				return
			}
			if keep != nil && !keep(ev) {
				continue
			}
			if err := stream.send(ev); err != nil {
				return
			}
			if ev.Type == models.EventBye {
				return
			}
		}
	}
}

// wsUpgrader trusts the CORS allow-list for browser origins; requests
// without an Origin header (native clients) pass.
func (s *Server) wsUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
}

// handleJobWS serves the same per-job feed over a WebSocket for clients
// that keep a bidirectional transport open anyway. Events go out as
// JSON text messages; inbound messages are drained and ignored except
// for close handling.
func (s *Server) handleJobWS(w http.ResponseWriter, r *http.Request) {
	job, err := s.getJobChecked(r, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := s.wsUpgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	metrics.AddStreamClients("ws", 1)
	defer metrics.AddStreamClients("ws", -1)

	topic := events.JobTopic(job.ID)
	sub, replay, resumeComplete := s.hub.Subscribe(topic, lastEventID(r))
	defer s.hub.Unsubscribe(topic, sub)

	// Reader goroutine: surfaces client close as a context signal.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeEvent := func(ev models.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	}

	if !resumeComplete && lastEventID(r) > 0 {
		_ = writeEvent(models.Event{
			Type:    models.EventDropNotice,
			Time:    s.now(),
			Message: "replay window exceeded; re-fetch the job snapshot",
		})
	}
	for _, ev := range replay {
		if err := writeEvent(ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					metrics.IncEventsDropped()
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"))
				return
			}
			if err := writeEvent(ev); err != nil {
				return
			}
			if ev.Type == models.EventBye {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
		}
	}
}
