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

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a dubbing job.
// Transitions: QUEUED → {RUNNING|CANCELED|FAILED}, QUEUED ↔ PAUSED,
// RUNNING → {DONE|FAILED|CANCELED}. Terminal states only leave via rerun.
type JobState string

const (
	JobQueued   JobState = "QUEUED"
	JobPaused   JobState = "PAUSED"
	JobRunning  JobState = "RUNNING"
	JobDone     JobState = "DONE"
	JobFailed   JobState = "FAILED"
	JobCanceled JobState = "CANCELED"
)

// Valid reports whether the state is one of the allowed states.
func (s JobState) Valid() bool {
	switch s {
	case JobQueued, JobPaused, JobRunning, JobDone, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is terminal (DONE, FAILED, or CANCELED).
func (s JobState) IsTerminal() bool {
	switch s {
	case JobDone, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobState.
func (s JobState) String() string { return string(s) }

// CanTransition reports whether moving from s to next is a legal
// lifecycle transition. Reruns are modeled as terminal → QUEUED and are
// only legal through the explicit rerun path, so they are excluded here.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobPaused || next == JobCanceled || next == JobFailed
	case JobPaused:
		return next == JobQueued || next == JobCanceled
	case JobRunning:
		return next == JobDone || next == JobFailed || next == JobCanceled
	default:
		return false
	}
}

// Priority orders jobs in the dispatch queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether the priority is one of the allowed values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// Weight returns the numeric rank used for queue ordering; higher runs first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Degrade returns the next lower priority, used by the scheduler's
// backpressure policy. Low degrades to itself.
func (p Priority) Degrade() Priority {
	switch p {
	case PriorityHigh:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// String returns the string value of the Priority.
func (p Priority) String() string { return string(p) }

// Visibility controls whether authenticated non-owners can read a job
// and its artifacts.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
)

// Valid reports whether the visibility is one of the allowed values.
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityShared
}

// String returns the string value of the Visibility.
func (v Visibility) String() string { return string(v) }

// InputKind tags how Job.InputRef should be interpreted.
type InputKind string

const (
	InputUpload InputKind = "upload" // InputRef is an upload ID
	InputPath   InputKind = "path"   // InputRef is a server-local file path
)

// StageCheckpoint records that a pipeline stage completed, together with
// the hashes of the artifacts it produced. A worker skips a stage whose
// checkpoint is done and whose recorded hashes still match.
type StageCheckpoint struct {
	Done           bool              `json:"done"`
	DoneAt         *time.Time        `json:"done_at,omitempty"`
	ArtifactHashes map[string]string `json:"artifact_hashes,omitempty"`
}

// Checkpoint maps stage name → completion record for one job.
type Checkpoint map[string]StageCheckpoint

// LibraryKey identifies a job's slot in the series library.
type LibraryKey struct {
	SeriesSlug string `json:"series_slug"`
	Season     int    `json:"season"`
	Episode    int    `json:"episode"`
}

// Job is the primary aggregate: one submitted video and its dubbing run.
// Runtime is the free-form configuration snapshot taken at submit and is
// immutable afterwards except for operator overrides (reruns).
type Job struct {
	ID         string     `json:"id" db:"id"`
	OwnerID    string     `json:"owner_id" db:"owner_id"`
	State      JobState   `json:"state" db:"state"`
	Priority   Priority   `json:"priority" db:"priority"`
	Visibility Visibility `json:"visibility" db:"visibility"`

	Progress  float64 `json:"progress" db:"progress"`
	Message   string  `json:"message" db:"message"`
	LastStage string  `json:"last_stage,omitempty" db:"last_stage"`
	LastError *string `json:"last_error,omitempty" db:"last_error"`

	InputKind InputKind       `json:"input_kind" db:"input_kind"`
	InputRef  string          `json:"input_ref" db:"input_ref"`
	Stem      string          `json:"stem" db:"stem"`
	Runtime   json.RawMessage `json:"runtime,omitempty" db:"runtime_json"`

	OwnerStorageBytesDelta int64       `json:"owner_storage_bytes_delta" db:"owner_storage_bytes_delta"`
	Checkpoint             Checkpoint  `json:"checkpoint,omitempty" db:"checkpoint_json"`
	LibraryKey             *LibraryKey `json:"library_key,omitempty" db:"library_key_json"`

	Archived  bool       `json:"archived" db:"archived"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`

	// RetentionSweptAt marks that the retention sweeper already pruned
	// this job's intermediate artifacts. Reruns clear it.
	RetentionSweptAt *time.Time `json:"retention_swept_at,omitempty" db:"retention_swept_at"`

	CancelRequested bool       `json:"cancel_requested,omitempty" db:"cancel_requested"`
	SubmittedAt     time.Time  `json:"submitted_at" db:"submitted_at"`
	AvailableAt     time.Time  `json:"available_at" db:"available_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// NewJob constructs a Job in QUEUED state with timestamps set.
// Caller should assign a unique ID (e.g., uuid) before persistence.
func NewJob(ownerID string, kind InputKind, ref, stem string, runtime json.RawMessage) Job {
	now := time.Now().UTC()
	return Job{
		OwnerID:     ownerID,
		State:       JobQueued,
		Priority:    PriorityMedium,
		Visibility:  VisibilityPrivate,
		InputKind:   kind,
		InputRef:    ref,
		Stem:        stem,
		Runtime:     runtime,
		Checkpoint:  Checkpoint{},
		SubmittedAt: now,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// UploadState is the lifecycle state of a resumable upload session.
type UploadState string

const (
	UploadOpen      UploadState = "open"
	UploadComplete  UploadState = "complete"
	UploadAbandoned UploadState = "abandoned"
)

// Valid reports whether the state is one of the allowed values.
func (s UploadState) Valid() bool {
	switch s {
	case UploadOpen, UploadComplete, UploadAbandoned:
		return true
	default:
		return false
	}
}

// String returns the string value of the UploadState.
func (s UploadState) String() string { return string(s) }

// Upload is a resumable chunked upload session. Received is a sparse
// bitmap of committed chunk indices; the session is complete iff every
// index in [0, ExpectedChunks) is set and ReceivedBytes == TotalBytes.
type Upload struct {
	ID             string      `json:"id" db:"id"`
	OwnerID        string      `json:"owner_id" db:"owner_id"`
	FilenameSafe   string      `json:"filename" db:"filename_safe"`
	TotalBytes     int64       `json:"total_bytes" db:"total_bytes"`
	ChunkBytes     int64       `json:"chunk_bytes" db:"chunk_bytes"`
	ExpectedChunks int         `json:"expected_chunks" db:"expected_chunks"`
	Received       ChunkBitmap `json:"-" db:"received"`
	ReceivedBytes  int64       `json:"received_bytes" db:"received_bytes"`
	State          UploadState `json:"state" db:"state"`
	HashSoFar      string      `json:"-" db:"hash_so_far"`
	FinalHash      string      `json:"final_hash,omitempty" db:"final_hash"`
	FinalPath      string      `json:"-" db:"final_path"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at" db:"expires_at"`
}

// MissingIndices returns the chunk indices not yet committed, in order.
func (u *Upload) MissingIndices() []int {
	missing := make([]int, 0)
	for i := 0; i < u.ExpectedChunks; i++ {
		if !u.Received.Get(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// SizeOfChunk returns the exact byte length chunk index i must carry.
// Every chunk is ChunkBytes long except the final one, which carries the
// remainder.
func (u *Upload) SizeOfChunk(i int) int64 {
	if i == u.ExpectedChunks-1 {
		if rem := u.TotalBytes - int64(u.ExpectedChunks-1)*u.ChunkBytes; rem > 0 {
			return rem
		}
	}
	return u.ChunkBytes
}

// ChunkBitmap is a packed bitset of committed chunk indices.
type ChunkBitmap []byte

// NewChunkBitmap returns a bitmap sized for n chunks.
func NewChunkBitmap(n int) ChunkBitmap {
	return make(ChunkBitmap, (n+7)/8)
}

// Get reports whether bit i is set. Out-of-range indices read as unset.
func (b ChunkBitmap) Get(i int) bool {
	if i < 0 || i/8 >= len(b) {
		return false
	}
	return b[i/8]&(1<<uint(i%8)) != 0
}

// Set sets bit i. Out-of-range indices are ignored.
func (b ChunkBitmap) Set(i int) {
	if i < 0 || i/8 >= len(b) {
		return
	}
	b[i/8] |= 1 << uint(i%8)
}

// CountSet returns the number of set bits.
func (b ChunkBitmap) CountSet() int {
	n := 0
	for _, by := range b {
		for by != 0 {
			n += int(by & 1)
			by >>= 1
		}
	}
	return n
}

// Clone returns an independent copy of the bitmap.
func (b ChunkBitmap) Clone() ChunkBitmap {
	out := make(ChunkBitmap, len(b))
	copy(out, b)
	return out
}

// DispatchLease is the single-holder record that makes job execution
// at-most-once across instances. Acquisition inserts the row or replaces
// it iff the existing lease has expired.
type DispatchLease struct {
	JobID      string    `json:"job_id" db:"job_id"`
	Consumer   string    `json:"consumer" db:"consumer"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// OutboxState tracks delivery of a job submission to the dispatch backend.
type OutboxState string

const (
	OutboxPending   OutboxState = "pending"
	OutboxSentRedis OutboxState = "sent_redis"
	OutboxSentLocal OutboxState = "sent_local"
	OutboxError     OutboxState = "error"
)

// OutboxRow is written in the same transaction as a new job and flushed
// to the dispatch backend by a background task, so a submission survives
// backend outages.
type OutboxRow struct {
	JobID     string      `json:"job_id" db:"job_id"`
	State     OutboxState `json:"state" db:"state"`
	Attempts  int         `json:"attempts" db:"attempts"`
	LastError *string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// LibraryEntry is the denormalized series/season/episode index row
// derived from Job.LibraryKey.
type LibraryEntry struct {
	JobID      string     `json:"job_id" db:"job_id"`
	OwnerID    string     `json:"owner_id" db:"owner_id"`
	SeriesSlug string     `json:"series_slug" db:"series_slug"`
	Season     int        `json:"season" db:"season"`
	Episode    int        `json:"episode" db:"episode"`
	Title      string     `json:"title,omitempty" db:"title"`
	Visibility Visibility `json:"visibility" db:"visibility"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}
