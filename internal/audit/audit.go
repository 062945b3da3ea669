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

// Package audit records security-relevant events for compliance and
// forensics. Records are persisted to the identity database for the
// admin query surface and mirrored to a rotated JSONL file for
// shipping. Recording never blocks the request path: the queue drops
// under pressure and counts what it dropped.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"reel/internal/ctxkeys"
	"reel/internal/database"
	"reel/pkg/crypto"
	"reel/pkg/models"

	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultBuffer = 256

// writeTimeout bounds each database insert so a wedged disk cannot
// stall the drain goroutine forever.
const writeTimeout = 5 * time.Second

// Options configures the recorder.
type Options struct {
	// MirrorPath is the JSONL mirror file. Empty disables the mirror.
	MirrorPath string
	// MaxSizeMB rotates the mirror when it exceeds this size (default 50).
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep (default 10).
	MaxBackups int
	// MaxAgeDays removes rotated files older than this (default 90).
	MaxAgeDays int
	// Buffer is the enqueue depth before records are dropped.
	Buffer int
}

// Recorder is the audit sink handlers write to.
type Recorder struct {
	db      *database.DB
	mirror  *slog.Logger
	ch      chan *models.AuditRecord
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// New starts a recorder draining into db. Call Close to flush it.
func New(db *database.DB, opts Options) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}

	r := &Recorder{
		db:   db,
		ch:   make(chan *models.AuditRecord, opts.Buffer),
		done: make(chan struct{}),
	}

	if opts.MirrorPath != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 50
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 10
		}
		if opts.MaxAgeDays <= 0 {
			opts.MaxAgeDays = 90
		}
		r.mirror = slog.New(slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   opts.MirrorPath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Record enqueues one audit record. The request ID is taken from ctx
// when the record does not carry one. Never blocks; drops on overflow.
func (r *Recorder) Record(ctx context.Context, rec models.AuditRecord) {
	if r.closed.Load() {
		return
	}
	if rec.RequestID == "" {
		rec.RequestID = ctxkeys.GetRequestID(ctx)
	}
	rec.Path = crypto.ScrubText(rec.Path)
	rec.Detail = crypto.ScrubText(rec.Detail)

	select {
	case r.ch <- &rec:
	default:
		r.dropped.Add(1)
		slog.Warn("Audit queue full, dropping record", "action", rec.Action)
	}
}

// RecordDetail enqueues a record with a structured detail map. The map
// is redacted before it is serialized, so callers can pass request
// payloads without scrubbing them first.
func (r *Recorder) RecordDetail(ctx context.Context, rec models.AuditRecord, detail map[string]any) {
	if len(detail) > 0 {
		b, err := json.Marshal(crypto.RedactMap(detail))
		if err == nil {
			rec.Detail = string(b)
		} else {
			slog.Warn("Failed to marshal audit detail", "action", rec.Action, "error", err)
		}
	}
	r.Record(ctx, rec)
}

// Dropped returns how many records were discarded under pressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains queued records and stops the recorder.
func (r *Recorder) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.done)
	}
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.ch:
			r.write(rec)
		case <-r.done:
			// Drain whatever is still queued, then stop.
			for {
				select {
				case rec := <-r.ch:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec *models.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.db.CreateAudit(ctx, rec); err != nil {
		slog.Error("Failed to persist audit record", "action", rec.Action, "error", err)
	}

	if r.mirror != nil {
		r.mirror.Info("audit",
			slog.String("request_id", rec.RequestID),
			slog.String("user_id", rec.UserID),
			slog.String("user", rec.UserLogin),
			slog.String("action", rec.Action),
			slog.String("target_kind", rec.TargetKind),
			slog.String("target_id", rec.TargetID),
			slog.String("method", rec.Method),
			slog.String("path", rec.Path),
			slog.Int("status", rec.StatusCode),
			slog.String("ip_hash", rec.IPHash),
			slog.Int64("duration_ms", rec.DurationMS),
			slog.String("detail", rec.Detail),
		)
	}
}
