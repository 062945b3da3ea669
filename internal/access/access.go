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

// Package access is the single place per-object authorization happens.
// Every handler routes job, upload, file, and library decisions through
// a Checker; nothing else re-derives ownership.
package access

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"reel/internal/apierr"
	"reel/internal/policy"
	"reel/internal/store"
	"reel/pkg/models"
)

// Checker resolves object ownership and visibility against the jobs
// store.
type Checker struct {
	store *store.Store
	// outputsRoot is the absolute outputs directory; every served file
	// must canonicalize to a path inside it.
	outputsRoot string
}

// New builds a Checker over the jobs store and the outputs root.
func New(st *store.Store, outputsRoot string) (*Checker, error) {
	if st == nil {
		return nil, errors.New("access: store is required")
	}
	abs, err := filepath.Abs(filepath.Clean(outputsRoot))
	if err != nil {
		return nil, fmt.Errorf("access: resolve outputs root: %w", err)
	}
	return &Checker{store: st, outputsRoot: abs}, nil
}

// Job decides whether ident may touch job. Admins pass, owners pass,
// and when allowSharedRead is set a shared job is readable by any
// authenticated user. Everything else is a 403.
func (c *Checker) Job(ident *policy.Identity, job *models.Job, allowSharedRead bool) error {
	if ident == nil {
		return apierr.Auth("authentication required")
	}
	if ident.IsAdmin() {
		return nil
	}
	if job.OwnerID == ident.UserID {
		return nil
	}
	if allowSharedRead && job.Visibility == models.VisibilityShared {
		return nil
	}
	return apierr.Forbidden("access denied")
}

// Upload decides whether ident may touch an upload session. Sessions
// are never shared: owner or admin only.
func (c *Checker) Upload(ident *policy.Identity, up *models.Upload) error {
	if ident == nil {
		return apierr.Auth("authentication required")
	}
	if ident.IsAdmin() || up.OwnerID == ident.UserID {
		return nil
	}
	return apierr.Forbidden("access denied")
}

// Library decides whether ident may touch a library entry. Shared
// entries are readable by any authenticated user when allowSharedRead
// is set.
func (c *Checker) Library(ident *policy.Identity, entry *models.LibraryEntry, allowSharedRead bool) error {
	if ident == nil {
		return apierr.Auth("authentication required")
	}
	if ident.IsAdmin() || entry.OwnerID == ident.UserID {
		return nil
	}
	if allowSharedRead && entry.Visibility == models.VisibilityShared {
		return nil
	}
	return apierr.Forbidden("access denied")
}

// File resolves a requested path to a file under the outputs root, maps
// it to its owning job via the first path segment (the job stem), and
// applies the job read check. Returns the owning job and the canonical
// on-disk path to serve.
//
// The path is normalized before any lookup and re-verified after
// symlink resolution, so neither dot-dot segments nor a planted symlink
// can reach outside the outputs root. Missing files and unknown stems
// both read as 404; a wrong owner reads as 403 only after the stem
// resolved, which never reveals more than the job endpoint itself.
func (c *Checker) File(ctx context.Context, ident *policy.Identity, requested string) (*models.Job, string, error) {
	if ident == nil {
		return nil, "", apierr.Auth("authentication required")
	}

	rel := strings.TrimPrefix(path.Clean("/"+requested), "/")
	if rel == "" || rel == "." || strings.HasPrefix(rel, "..") {
		return nil, "", apierr.NotFound("file not found")
	}

	stem := rel
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		stem = rel[:i]
	}

	job, err := c.store.GetJobByStem(ctx, stem)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", apierr.NotFound("file not found")
		}
		return nil, "", err
	}
	if job.DeletedAt != nil {
		return nil, "", apierr.NotFound("file not found")
	}
	if err := c.Job(ident, job, true); err != nil {
		return nil, "", err
	}

	full := filepath.Join(c.outputsRoot, filepath.FromSlash(rel))
	if contained, err := filepath.Rel(c.outputsRoot, full); err != nil || strings.HasPrefix(contained, "..") {
		return nil, "", apierr.NotFound("file not found")
	}

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apierr.NotFound("file not found")
		}
		return nil, "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(c.outputsRoot)
	if err != nil {
		return nil, "", fmt.Errorf("resolve outputs root: %w", err)
	}
	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
		return nil, "", apierr.NotFound("file not found")
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apierr.NotFound("file not found")
		}
		return nil, "", fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, "", apierr.NotFound("file not found")
	}

	return job, resolved, nil
}
