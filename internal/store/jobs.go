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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reel/pkg/models"
)

// jobColumns is the canonical column list shared by every job query.
const jobColumns = `id, owner_id, state, priority, visibility, progress, message, last_stage, last_error,
input_kind, input_ref, stem, runtime_json, owner_storage_bytes_delta, checkpoint_json, library_key_json,
archived, deleted_at, retention_swept_at, cancel_requested, submitted_at, available_at, started_at, finished_at, created_at, updated_at`

// InsertJob persists a new job and, in the same transaction, a pending
// outbox row so the submission reaches the dispatch backend even if the
// process dies between commit and publish.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID must not be empty")
	}
	if !job.State.Valid() {
		return fmt.Errorf("invalid job state %q", job.State)
	}

	checkpoint, err := json.Marshal(job.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	var libraryKey any
	if job.LibraryKey != nil {
		b, err := json.Marshal(job.LibraryKey)
		if err != nil {
			return fmt.Errorf("marshal library key: %w", err)
		}
		libraryKey = string(b)
	}

	now := time.Now().UTC()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `
INSERT INTO jobs(` + jobColumns + `)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, ins,
			job.ID, job.OwnerID, job.State.String(), job.Priority.String(), job.Visibility.String(),
			job.Progress, job.Message, job.LastStage, nullPtr(job.LastError),
			string(job.InputKind), job.InputRef, job.Stem, nullIfEmpty(string(job.Runtime)),
			job.OwnerStorageBytesDelta, string(checkpoint), libraryKey,
			job.Archived, nullTimePtr(job.DeletedAt), nullTimePtr(job.RetentionSweptAt), job.CancelRequested,
			job.SubmittedAt.UTC(), job.AvailableAt.UTC(), nullTimePtr(job.StartedAt), nullTimePtr(job.FinishedAt),
			job.CreatedAt.UTC(), job.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		const outbox = `
INSERT INTO outbox(job_id, state, attempts, created_at, updated_at)
VALUES(?, ?, 0, ?, ?)`
		if _, err := tx.ExecContext(ctx, outbox, job.ID, string(models.OutboxPending), now, now); err != nil {
			return fmt.Errorf("insert outbox row: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by ID, including soft-deleted rows.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

// GetJobByStem retrieves a job by its output directory stem. Used to
// resolve file paths back to their owning job for access checks.
func (s *Store) GetJobByStem(ctx context.Context, stem string) (*models.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE stem=?`
	return scanJob(s.db.QueryRowContext(ctx, q, stem))
}

// UpdateJob applies mutate to the job under the writer lock. When
// expect is non-empty the job must currently be in one of the listed
// states or ErrStateConflict is returned. State changes made by mutate
// must be legal lifecycle transitions; progress never decreases while
// the job stays RUNNING.
func (s *Store) UpdateJob(ctx context.Context, id string, expect []models.JobState, mutate func(*models.Job) error) (*models.Job, error) {
	var updated *models.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if len(expect) > 0 && !stateIn(job.State, expect) {
			return fmt.Errorf("job %s is %s: %w", id, job.State, ErrStateConflict)
		}

		prevState := job.State
		prevProgress := job.Progress
		if err := mutate(job); err != nil {
			return err
		}

		if !job.State.Valid() {
			return fmt.Errorf("invalid job state %q", job.State)
		}
		if job.State != prevState && !prevState.CanTransition(job.State) {
			return fmt.Errorf("%s -> %s: %w", prevState, job.State, ErrIllegalTransition)
		}
		if prevState == models.JobRunning && job.State == models.JobRunning && job.Progress < prevProgress {
			job.Progress = prevProgress
		}
		job.UpdatedAt = time.Now().UTC()

		if err := writeJobTx(ctx, tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RerunJob transitions a terminal job back to QUEUED, the only path out
// of a terminal state. Checkpoints named in invalidate are cleared so
// those stages run again; fullReset clears all of them. A fresh pending
// outbox row is written in the same transaction.
func (s *Store) RerunJob(ctx context.Context, id string, invalidate []string, fullReset bool) (*models.Job, error) {
	now := time.Now().UTC()
	var updated *models.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !job.State.IsTerminal() {
			return fmt.Errorf("job %s is %s, only terminal jobs can be rerun: %w", id, job.State, ErrStateConflict)
		}
		if job.DeletedAt != nil {
			return fmt.Errorf("job %s is deleted: %w", id, ErrStateConflict)
		}

		if fullReset {
			job.Checkpoint = models.Checkpoint{}
		} else {
			for _, name := range invalidate {
				delete(job.Checkpoint, name)
			}
		}

		job.State = models.JobQueued
		job.Progress = 0
		job.Message = ""
		job.LastError = nil
		job.LastStage = ""
		job.CancelRequested = false
		job.RetentionSweptAt = nil
		job.StartedAt = nil
		job.FinishedAt = nil
		job.AvailableAt = now
		job.UpdatedAt = now

		if err := writeJobTx(ctx, tx, job); err != nil {
			return err
		}

		const outbox = `
INSERT INTO outbox(job_id, state, attempts, last_error, created_at, updated_at)
VALUES(?, ?, 0, NULL, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET state=excluded.state, attempts=0, last_error=NULL, updated_at=excluded.updated_at;`
		if _, err := tx.ExecContext(ctx, outbox, id, string(models.OutboxPending), now, now); err != nil {
			return fmt.Errorf("requeue outbox row: %w", err)
		}

		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	// OwnerID restricts to jobs owned by this user.
	OwnerID string
	// VisibleTo restricts to jobs this user may read: their own plus
	// shared ones. Ignored when OwnerID is set.
	VisibleTo string
	// States restricts to the listed states.
	States []models.JobState
	// Series restricts to jobs whose library entry matches the slug.
	Series string
	// IncludeDeleted includes soft-deleted jobs.
	IncludeDeleted bool
	// IncludeArchived includes archived jobs.
	IncludeArchived bool
	// Limit caps the result size; <= 0 means no cap.
	Limit int
	// Offset skips rows for pagination.
	Offset int
}

// ListJobs returns jobs matching the filter, newest submission first.
// Ties break on ID so pagination is stable.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`)
	var args []any

	if !f.IncludeDeleted {
		sb.WriteString(` AND deleted_at IS NULL`)
	}
	if !f.IncludeArchived {
		sb.WriteString(` AND archived=0`)
	}
	if f.OwnerID != "" {
		sb.WriteString(` AND owner_id=?`)
		args = append(args, f.OwnerID)
	} else if f.VisibleTo != "" {
		sb.WriteString(` AND (owner_id=? OR visibility='shared')`)
		args = append(args, f.VisibleTo)
	}
	if len(f.States) > 0 {
		sb.WriteString(` AND state IN (?` + strings.Repeat(",?", len(f.States)-1) + `)`)
		for _, st := range f.States {
			args = append(args, st.String())
		}
	}
	if f.Series != "" {
		sb.WriteString(` AND id IN (SELECT job_id FROM library WHERE series_slug=?)`)
		args = append(args, f.Series)
	}

	sb.WriteString(` ORDER BY submitted_at DESC, id DESC`)
	if f.Limit > 0 {
		sb.WriteString(fmt.Sprintf(` LIMIT %d`, f.Limit))
		if f.Offset > 0 {
			sb.WriteString(fmt.Sprintf(` OFFSET %d`, f.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// CountActiveByOwner counts an owner's non-terminal, non-deleted jobs.
func (s *Store) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE owner_id=? AND deleted_at IS NULL AND state IN ('QUEUED','PAUSED','RUNNING')`
	var n int
	if err := s.db.QueryRowContext(ctx, q, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// QueuedDepth counts jobs waiting to run. The scheduler compares this
// to the backpressure threshold.
func (s *Store) QueuedDepth(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE state='QUEUED' AND deleted_at IS NULL`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// CountsByState returns job counts grouped by state for introspection.
func (s *Store) CountsByState(ctx context.Context) (map[models.JobState]int, error) {
	const q = `SELECT state, COUNT(*) FROM jobs WHERE deleted_at IS NULL GROUP BY state`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()

	out := make(map[models.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		out[models.JobState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	return out, nil
}

// --------------- Internal helpers ---------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var row struct {
		id, owner, state, priority, visibility string
		progress                               float64
		message, lastStage                     string
		lastError                              sql.NullString
		inputKind, inputRef, stem              string
		runtime                                sql.NullString
		storageDelta                           int64
		checkpoint                             string
		libraryKey                             sql.NullString
		archived, cancelRequested              bool
		deletedAt, retentionSweptAt            sql.NullTime
		submittedAt, availableAt               time.Time
		startedAt, finishedAt                  sql.NullTime
		createdAt, updatedAt                   time.Time
	}

	err := r.Scan(&row.id, &row.owner, &row.state, &row.priority, &row.visibility,
		&row.progress, &row.message, &row.lastStage, &row.lastError,
		&row.inputKind, &row.inputRef, &row.stem, &row.runtime, &row.storageDelta,
		&row.checkpoint, &row.libraryKey, &row.archived, &row.deletedAt, &row.retentionSweptAt, &row.cancelRequested,
		&row.submittedAt, &row.availableAt, &row.startedAt, &row.finishedAt,
		&row.createdAt, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	checkpoint := models.Checkpoint{}
	if row.checkpoint != "" {
		if err := json.Unmarshal([]byte(row.checkpoint), &checkpoint); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
	}
	var libraryKey *models.LibraryKey
	if row.libraryKey.Valid && row.libraryKey.String != "" {
		libraryKey = &models.LibraryKey{}
		if err := json.Unmarshal([]byte(row.libraryKey.String), libraryKey); err != nil {
			return nil, fmt.Errorf("unmarshal library key: %w", err)
		}
	}
	var runtime json.RawMessage
	if row.runtime.Valid && row.runtime.String != "" {
		runtime = json.RawMessage(row.runtime.String)
	}

	return &models.Job{
		ID:                     row.id,
		OwnerID:                row.owner,
		State:                  models.JobState(row.state),
		Priority:               models.Priority(row.priority),
		Visibility:             models.Visibility(row.visibility),
		Progress:               row.progress,
		Message:                row.message,
		LastStage:              row.lastStage,
		LastError:              fromNullStringPtr(row.lastError),
		InputKind:              models.InputKind(row.inputKind),
		InputRef:               row.inputRef,
		Stem:                   row.stem,
		Runtime:                runtime,
		OwnerStorageBytesDelta: row.storageDelta,
		Checkpoint:             checkpoint,
		LibraryKey:             libraryKey,
		Archived:               row.archived,
		DeletedAt:              fromNullTimePtr(row.deletedAt),
		RetentionSweptAt:       fromNullTimePtr(row.retentionSweptAt),
		CancelRequested:        row.cancelRequested,
		SubmittedAt:            row.submittedAt.UTC(),
		AvailableAt:            row.availableAt.UTC(),
		StartedAt:              fromNullTimePtr(row.startedAt),
		FinishedAt:             fromNullTimePtr(row.finishedAt),
		CreatedAt:              row.createdAt.UTC(),
		UpdatedAt:              row.updatedAt.UTC(),
	}, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (*models.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	return scanJob(tx.QueryRowContext(ctx, q, id))
}

func writeJobTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	checkpoint, err := json.Marshal(job.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	var libraryKey any
	if job.LibraryKey != nil {
		b, err := json.Marshal(job.LibraryKey)
		if err != nil {
			return fmt.Errorf("marshal library key: %w", err)
		}
		libraryKey = string(b)
	}

	const upd = `
UPDATE jobs SET
  state=?, priority=?, visibility=?, progress=?, message=?, last_stage=?, last_error=?,
  runtime_json=?, owner_storage_bytes_delta=?, checkpoint_json=?, library_key_json=?,
  archived=?, deleted_at=?, retention_swept_at=?, cancel_requested=?, available_at=?, started_at=?, finished_at=?, updated_at=?
WHERE id=?`
	res, err := tx.ExecContext(ctx, upd,
		job.State.String(), job.Priority.String(), job.Visibility.String(),
		job.Progress, job.Message, job.LastStage, nullPtr(job.LastError),
		nullIfEmpty(string(job.Runtime)), job.OwnerStorageBytesDelta, string(checkpoint), libraryKey,
		job.Archived, nullTimePtr(job.DeletedAt), nullTimePtr(job.RetentionSweptAt), job.CancelRequested,
		job.AvailableAt.UTC(), nullTimePtr(job.StartedAt), nullTimePtr(job.FinishedAt), job.UpdatedAt.UTC(),
		job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

func stateIn(s models.JobState, list []models.JobState) bool {
	for _, st := range list {
		if s == st {
			return true
		}
	}
	return false
}

func nullPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
