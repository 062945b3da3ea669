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

// Package upload implements resumable chunked upload sessions. Session
// metadata and the committed-chunk bitmap live in the job store; chunk
// bytes live on disk under one directory per session. Chunks commit by
// temp-write and rename, so a crash never leaves a half-committed chunk
// visible, and the bitmap bit is set only after the rename.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reel/internal/apierr"
	"reel/internal/store"
	"reel/pkg/models"
)

const (
	minChunkBytes = 256 << 10
	maxChunkBytes = 64 << 20

	// maxOpenSessionsPerOwner caps concurrently open sessions per user.
	maxOpenSessionsPerOwner = 8
)

// Limits carries the quota bounds enforced at session init.
type Limits struct {
	// MaxUploadBytes is the largest declared size of a single upload.
	MaxUploadBytes int64
	// MaxStorageBytes is the per-user storage quota.
	MaxStorageBytes int64
	// DefaultChunkBytes is used when the client does not pick a chunk size.
	DefaultChunkBytes int64
	// SessionTTL is the idle lifetime of a session; chunk writes slide it.
	SessionTTL time.Duration
}

// Manager owns upload sessions: metadata in the store, bytes under root.
type Manager struct {
	store  *store.Store
	root   string
	limits Limits

	mu      sync.Mutex
	flights map[string]*flight
}

// flight tracks in-progress writes for one session so two deliveries of
// the same chunk index never race, and finalization excludes writers.
type flight struct {
	exclusive bool
	indices   map[int]struct{}
}

// NewManager creates the uploads root if needed and returns a manager.
func NewManager(st *store.Store, root string, limits Limits) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("uploads root must not be empty")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create uploads root: %w", err)
	}
	if limits.DefaultChunkBytes <= 0 {
		limits.DefaultChunkBytes = 4 << 20
	}
	if limits.SessionTTL <= 0 {
		limits.SessionTTL = 24 * time.Hour
	}
	return &Manager{
		store:   st,
		root:    root,
		limits:  limits,
		flights: make(map[string]*flight),
	}, nil
}

// Init validates the request against the owner's quota, reserves the
// declared bytes, and opens a new session with its directory on disk.
func (m *Manager) Init(ctx context.Context, ownerID, filename string, totalBytes, chunkBytes int64) (*models.Upload, error) {
	safe, err := SanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	if totalBytes <= 0 {
		return nil, apierr.Validation("total_bytes must be positive")
	}
	if m.limits.MaxUploadBytes > 0 && totalBytes > m.limits.MaxUploadBytes {
		return nil, apierr.QuotaBytes("max_upload_bytes", m.limits.MaxUploadBytes, totalBytes)
	}
	if chunkBytes == 0 {
		chunkBytes = m.limits.DefaultChunkBytes
	}
	if chunkBytes < minChunkBytes || chunkBytes > maxChunkBytes {
		return nil, apierr.Validation("chunk_bytes must be between %d and %d", minChunkBytes, maxChunkBytes)
	}

	// Reserve the declared bytes up front. The reservation is released on
	// abort or expiry, and kept when the session completes.
	_, err = m.store.AdjustQuota(ctx, ownerID, func(q *models.QuotaUsage) error {
		if q.UploadsInflight >= maxOpenSessionsPerOwner {
			return apierr.Quota("max_uploads_inflight", maxOpenSessionsPerOwner, int64(q.UploadsInflight))
		}
		if m.limits.MaxStorageBytes > 0 && q.StorageBytesUsed+totalBytes > m.limits.MaxStorageBytes {
			return apierr.QuotaBytes("max_storage_bytes_per_user", m.limits.MaxStorageBytes, q.StorageBytesUsed+totalBytes)
		}
		q.UploadsInflight++
		q.StorageBytesUsed += totalBytes
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := int((totalBytes + chunkBytes - 1) / chunkBytes)
	u := &models.Upload{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		FilenameSafe:   safe,
		TotalBytes:     totalBytes,
		ChunkBytes:     chunkBytes,
		ExpectedChunks: expected,
		Received:       models.NewChunkBitmap(expected),
		State:          models.UploadOpen,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.limits.SessionTTL),
	}

	if err := os.MkdirAll(m.sessionDir(u.ID), 0755); err != nil {
		m.releaseReservation(ctx, ownerID, totalBytes)
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	if err := m.store.InsertUpload(ctx, u); err != nil {
		_ = os.RemoveAll(m.sessionDir(u.ID))
		m.releaseReservation(ctx, ownerID, totalBytes)
		return nil, err
	}
	return u, nil
}

// Get returns the session metadata, including the missing-index view.
func (m *Manager) Get(ctx context.Context, id string) (*models.Upload, error) {
	u, err := m.store.GetUpload(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.NotFound("upload session not found")
	}
	return u, err
}

// Abort abandons an open session, frees its disk bytes, and returns the
// quota reservation. Aborting an already abandoned session is a no-op.
func (m *Manager) Abort(ctx context.Context, id string) error {
	if !m.enterExclusive(id) {
		return apierr.Conflict("upload session is busy")
	}
	defer m.leaveExclusive(id)

	u, err := m.store.GetUpload(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.NotFound("upload session not found")
	}
	if err != nil {
		return err
	}
	switch u.State {
	case models.UploadAbandoned:
		return nil
	case models.UploadComplete:
		return apierr.Conflict("upload already completed")
	}

	if _, err := m.store.UpdateUpload(ctx, id, func(cur *models.Upload) error {
		cur.State = models.UploadAbandoned
		return nil
	}); err != nil {
		return err
	}
	if err := os.RemoveAll(m.sessionDir(id)); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	m.releaseReservation(ctx, u.OwnerID, u.TotalBytes)
	return nil
}

// Remove deletes a finished session: its directory, its row, and, for
// completed sessions, the storage reservation its bytes still hold.
// Open sessions must be aborted first. Removing an unknown session is a
// no-op so the purge sweeper can retry safely.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if !m.enterExclusive(id) {
		return apierr.Conflict("upload session is busy")
	}
	defer m.leaveExclusive(id)

	u, err := m.store.GetUpload(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.State == models.UploadOpen {
		return apierr.Conflict("upload session is still open")
	}

	if err := os.RemoveAll(m.sessionDir(id)); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	if err := m.store.DeleteUpload(ctx, id); err != nil {
		return err
	}
	if u.State == models.UploadComplete {
		// Complete kept the byte reservation; removing the file hands
		// it back. The inflight slot was already freed at completion.
		_, _ = m.store.AdjustQuota(ctx, u.OwnerID, func(q *models.QuotaUsage) error {
			q.StorageBytesUsed -= u.TotalBytes
			return nil
		})
	}
	return nil
}

// releaseReservation undoes an Init reservation. Errors only get logged
// by the caller path; ReconcileQuotas repairs any drift.
func (m *Manager) releaseReservation(ctx context.Context, ownerID string, totalBytes int64) {
	_, _ = m.store.AdjustQuota(ctx, ownerID, func(q *models.QuotaUsage) error {
		q.UploadsInflight--
		q.StorageBytesUsed -= totalBytes
		return nil
	})
}

func (m *Manager) sessionDir(id string) string {
	return filepath.Join(m.root, id)
}

// containedPath joins parts under the session directory and rejects any
// escape from the uploads root.
func (m *Manager) containedPath(id string, parts ...string) (string, error) {
	p := filepath.Join(append([]string{m.sessionDir(id)}, parts...)...)
	rel, err := filepath.Rel(m.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes uploads root: %q", p)
	}
	return p, nil
}

func (m *Manager) enterChunk(id string, index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flights[id]
	if f == nil {
		f = &flight{indices: make(map[int]struct{})}
		m.flights[id] = f
	}
	if f.exclusive {
		return false
	}
	if _, busy := f.indices[index]; busy {
		return false
	}
	f.indices[index] = struct{}{}
	return true
}

func (m *Manager) leaveChunk(id string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flights[id]
	if f == nil {
		return
	}
	delete(f.indices, index)
	if len(f.indices) == 0 && !f.exclusive {
		delete(m.flights, id)
	}
}

func (m *Manager) enterExclusive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flights[id]
	if f == nil {
		f = &flight{indices: make(map[int]struct{})}
		m.flights[id] = f
	}
	if f.exclusive || len(f.indices) > 0 {
		return false
	}
	f.exclusive = true
	return true
}

func (m *Manager) leaveExclusive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flights[id]
	if f == nil {
		return
	}
	f.exclusive = false
	if len(f.indices) == 0 {
		delete(m.flights, id)
	}
}
