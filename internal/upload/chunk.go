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

package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"reel/internal/apierr"
	"reel/internal/metrics"
	"reel/internal/store"
	"reel/pkg/models"
)

// WriteChunk commits one chunk. The offset must sit exactly on the
// chunk's slot (index * chunk_bytes); anything else is an overlap and is
// rejected without touching state. Re-delivery of an already committed
// index is a no-op when the bytes match and a conflict when they differ.
func (m *Manager) WriteChunk(ctx context.Context, id string, index int, offset int64, data io.Reader) (*models.Upload, error) {
	u, err := m.store.GetUpload(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.NotFound("upload session not found")
	}
	if err != nil {
		return nil, err
	}
	if u.State != models.UploadOpen {
		metrics.IncUploadChunk("rejected")
		return nil, apierr.Conflict("upload session is %s", u.State)
	}
	if time.Now().UTC().After(u.ExpiresAt) {
		metrics.IncUploadChunk("rejected")
		return nil, apierr.Conflict("upload session expired")
	}
	if index < 0 || index >= u.ExpectedChunks {
		metrics.IncUploadChunk("rejected")
		return nil, apierr.Validation("chunk index %d out of range [0,%d)", index, u.ExpectedChunks)
	}
	if want := int64(index) * u.ChunkBytes; offset != want {
		metrics.IncUploadChunk("rejected")
		return nil, apierr.Conflict("offset %d overlaps chunk %d (expected %d)", offset, index, want)
	}

	if !m.enterChunk(id, index) {
		metrics.IncUploadChunk("rejected")
		return nil, apierr.Conflict("chunk %d write already in flight", index)
	}
	defer m.leaveChunk(id, index)

	wantSize := u.SizeOfChunk(index)
	tmpPath, err := m.containedPath(id, fmt.Sprintf(".chunk-%d.tmp", index))
	if err != nil {
		return nil, err
	}
	committedPath, err := m.containedPath(id, fmt.Sprintf(".chunk-%d", index))
	if err != nil {
		return nil, err
	}

	n, err := m.stageChunk(tmpPath, data, wantSize)
	if err != nil {
		_ = os.Remove(tmpPath)
		metrics.IncUploadChunk("rejected")
		return nil, err
	}

	// Already committed: compare against the stored bytes instead of
	// overwriting, so a divergent retry cannot corrupt the session.
	if u.Received.Get(index) {
		same, err := equalFiles(tmpPath, committedPath)
		_ = os.Remove(tmpPath)
		if err != nil {
			return nil, err
		}
		if !same {
			metrics.IncUploadChunk("conflict")
			return nil, apierr.Conflict("chunk %d re-delivery differs from committed bytes", index)
		}
		metrics.IncUploadChunk("duplicate")
		return u, nil
	}

	if err := os.Rename(tmpPath, committedPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("commit chunk: %w", err)
	}

	updated, err := m.store.UpdateUpload(ctx, id, func(cur *models.Upload) error {
		if cur.State != models.UploadOpen {
			return apierr.Conflict("upload session is %s", cur.State)
		}
		if cur.Received.Get(index) {
			// Lost a race with an identical delivery; the bytes on
			// disk are the same either way.
			return nil
		}
		cur.Received.Set(index)
		cur.ReceivedBytes += n
		cur.ExpiresAt = time.Now().UTC().Add(m.limits.SessionTTL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncUploadChunk("committed")
	metrics.AddUploadBytes(n)
	return updated, nil
}

// stageChunk streams data into path and enforces the exact expected
// size. Returns the byte count written.
func (m *Manager) stageChunk(path string, data io.Reader, want int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("stage chunk: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(data, want+1))
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("write chunk: %w", err)
	}
	if n != want {
		f.Close()
		return 0, apierr.Validation("chunk size %d does not match expected %d", n, want)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("sync chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close chunk: %w", err)
	}
	return n, nil
}

// Complete verifies every chunk arrived, assembles the final file while
// streaming its sha256, and marks the session complete. declaredHash is
// optional; when present it must match the computed digest. Completing
// an already complete session is idempotent.
func (m *Manager) Complete(ctx context.Context, id, declaredHash string) (*models.Upload, error) {
	if !m.enterExclusive(id) {
		return nil, apierr.Conflict("chunk writes still in flight")
	}
	defer m.leaveExclusive(id)

	u, err := m.store.GetUpload(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.NotFound("upload session not found")
	}
	if err != nil {
		return nil, err
	}
	switch u.State {
	case models.UploadComplete:
		if declaredHash != "" && declaredHash != u.FinalHash {
			return nil, apierr.Conflict("declared hash does not match completed upload")
		}
		return u, nil
	case models.UploadAbandoned:
		return nil, apierr.Conflict("upload session is abandoned")
	}

	if missing := u.MissingIndices(); len(missing) > 0 {
		return nil, apierr.Conflict("upload incomplete: %d chunks missing (first: %v)", len(missing), firstN(missing, 5))
	}
	if u.ReceivedBytes != u.TotalBytes {
		return nil, apierr.Conflict("received %d bytes, declared %d", u.ReceivedBytes, u.TotalBytes)
	}

	finalPath, err := m.containedPath(id, u.FilenameSafe)
	if err != nil {
		return nil, err
	}
	digest, err := m.assemble(u, finalPath)
	if err != nil {
		return nil, err
	}
	if declaredHash != "" && declaredHash != digest {
		_ = os.Remove(finalPath)
		return nil, apierr.Conflict("declared hash %s does not match computed %s", declaredHash, digest)
	}

	updated, err := m.store.UpdateUpload(ctx, id, func(cur *models.Upload) error {
		cur.State = models.UploadComplete
		cur.FinalHash = digest
		cur.FinalPath = finalPath
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Chunk files are redundant once the assembled file exists.
	for i := 0; i < u.ExpectedChunks; i++ {
		if p, err := m.containedPath(id, fmt.Sprintf(".chunk-%d", i)); err == nil {
			_ = os.Remove(p)
		}
	}

	// The session no longer counts as inflight; its bytes stay reserved.
	_, _ = m.store.AdjustQuota(ctx, u.OwnerID, func(q *models.QuotaUsage) error {
		q.UploadsInflight--
		return nil
	})
	return updated, nil
}

// assemble concatenates the committed chunks in index order into path,
// temp-write plus rename, and returns the hex sha256 of the whole file.
func (m *Manager) assemble(u *models.Upload, path string) (string, error) {
	tmp := path + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create assembly file: %w", err)
	}
	defer func() {
		if out != nil {
			out.Close()
			_ = os.Remove(tmp)
		}
	}()

	hash := sha256.New()
	w := io.MultiWriter(out, hash)
	for i := 0; i < u.ExpectedChunks; i++ {
		p, err := m.containedPath(u.ID, fmt.Sprintf(".chunk-%d", i))
		if err != nil {
			return "", err
		}
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				return "", apierr.New(apierr.KindCorruption, fmt.Sprintf("committed chunk %d missing on disk", i))
			}
			return "", fmt.Errorf("open chunk %d: %w", i, err)
		}
		n, err := io.Copy(w, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("assemble chunk %d: %w", i, err)
		}
		if n != u.SizeOfChunk(i) {
			return "", apierr.New(apierr.KindCorruption, fmt.Sprintf("chunk %d is %d bytes on disk, expected %d", i, n, u.SizeOfChunk(i)))
		}
	}

	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("sync assembly: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close assembly: %w", err)
	}
	out = nil
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize assembly: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// equalFiles streams both files and reports whether their contents match.
func equalFiles(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", a, err)
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", b, err)
	}
	defer fb.Close()

	bufA := make([]byte, 32<<10)
	bufB := make([]byte, 32<<10)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			return errB == io.EOF || errB == io.ErrUnexpectedEOF, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, errB
		}
	}
}

func firstN(v []int, n int) []int {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
