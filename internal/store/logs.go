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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"reel/pkg/models"
)

// LogLine is one stored job log line. ID is the position index used to
// resume log streams.
type LogLine struct {
	ID    int64     `json:"id"`
	JobID string    `json:"job_id"`
	Time  time.Time `json:"time"`
	Line  string    `json:"line"`
}

// AppendLog stores one log line for a job and returns its position.
func (s *Store) AppendLog(ctx context.Context, jobID, line string) (int64, error) {
	const ins = `INSERT INTO job_logs(job_id, time, line) VALUES(?, ?, ?)`
	res, err := s.exec(ctx, ins, jobID, time.Now().UTC(), line)
	if err != nil {
		return 0, fmt.Errorf("insert job log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job log insert id: %w", err)
	}
	return id, nil
}

// TailLog returns the last n log lines for a job in append order.
func (s *Store) TailLog(ctx context.Context, jobID string, n int) ([]LogLine, error) {
	if n <= 0 {
		n = 100
	}
	const q = `SELECT id, job_id, time, line FROM job_logs WHERE job_id=? ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, jobID, n)
	if err != nil {
		return nil, fmt.Errorf("query job log tail: %w", err)
	}
	defer rows.Close()

	var out []LogLine
	for rows.Next() {
		var l LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Time, &l.Line); err != nil {
			return nil, fmt.Errorf("scan job log line: %w", err)
		}
		l.Time = l.Time.UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job log tail: %w", err)
	}

	// Reverse into append order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LogsAfter returns log lines with position greater than after, oldest
// first. Streams use this to resume after a reconnect.
func (s *Store) LogsAfter(ctx context.Context, jobID string, after int64, limit int) ([]LogLine, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `SELECT id, job_id, time, line FROM job_logs WHERE job_id=? AND id > ? ORDER BY id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, jobID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()

	var out []LogLine
	for rows.Next() {
		var l LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Time, &l.Line); err != nil {
			return nil, fmt.Errorf("scan job log line: %w", err)
		}
		l.Time = l.Time.UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job logs: %w", err)
	}
	return out, nil
}

// --------------- Timeline ---------------

// AppendTimeline inserts a new timeline row for a job.
func (s *Store) AppendTimeline(ctx context.Context, ev models.TimelineEvent) error {
	const ins = `INSERT INTO timeline(job_id, time, level, stage, message) VALUES(?, ?, ?, ?, ?)`
	var stage any
	if ev.Stage != nil {
		stage = *ev.Stage
	}
	_, err := s.exec(ctx, ins, ev.JobID, ev.Time.UTC(), ev.Level.String(), stage, ev.Message)
	if err != nil {
		return fmt.Errorf("insert timeline event: %w", err)
	}
	return nil
}

// ListTimeline fetches timeline rows for a job ordered by time ascending.
// If limit <= 0, returns all.
func (s *Store) ListTimeline(ctx context.Context, jobID string, limit int) ([]models.TimelineEvent, error) {
	q := `SELECT id, job_id, time, level, stage, message FROM timeline WHERE job_id=? ORDER BY time ASC, id ASC`
	if limit > 0 {
		q = q + fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var out []models.TimelineEvent
	for rows.Next() {
		var (
			id       int64
			rowJobID string
			t        time.Time
			level    string
			stage    sql.NullString
			msg      string
		)
		if err := rows.Scan(&id, &rowJobID, &t, &level, &stage, &msg); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		out = append(out, models.TimelineEvent{
			ID:      id,
			JobID:   rowJobID,
			Time:    t.UTC(),
			Level:   models.EventLevel(level),
			Stage:   fromNullStringPtr(stage),
			Message: msg,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return out, nil
}
