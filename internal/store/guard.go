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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafeStatePath indicates the database path points into a source
// checkout, build output directory, or build scratch space.
var ErrUnsafeStatePath = errors.New("unsafe state path")

// buildOutputDirs are directory names that hold disposable build
// products. A database inside one would vanish on the next clean.
var buildOutputDirs = map[string]bool{
	"bin":          true,
	"build":        true,
	"dist":         true,
	"target":       true,
	"obj":          true,
	"node_modules": true,
}

// checkStatePath rejects database paths that live somewhere state does
// not belong: the compiler's scratch space, a build output directory, or
// a source checkout (any ancestor containing go.mod or .git).
func checkStatePath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve state path: %w", err)
	}

	if strings.Contains(abs, string(filepath.Separator)+"go-build") {
		return fmt.Errorf("%w: %s is inside the Go build cache", ErrUnsafeStatePath, abs)
	}
	if cache := os.Getenv("GOCACHE"); cache != "" && strings.HasPrefix(abs, cache+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is inside the Go build cache", ErrUnsafeStatePath, abs)
	}

	dir := filepath.Dir(abs)
	for {
		if buildOutputDirs[filepath.Base(dir)] {
			return fmt.Errorf("%w: %s is inside build output directory %s", ErrUnsafeStatePath, abs, dir)
		}
		if fileExists(filepath.Join(dir, "go.mod")) || fileExists(filepath.Join(dir, ".git")) {
			return fmt.Errorf("%w: %s is inside source checkout %s", ErrUnsafeStatePath, abs, dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
