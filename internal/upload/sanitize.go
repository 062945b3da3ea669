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
	"strings"

	"reel/internal/apierr"
)

// allowedExtensions is the media container / audio allowlist. Anything
// else is refused at init rather than quarantined later.
var allowedExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".m4v":  true,
	".ts":   true,
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
}

const maxFilenameLen = 200

// SanitizeFilename normalizes a client-supplied filename into a single
// safe path element. Rejects empty stems, hidden files, path
// separators, stacked extensions, and extensions outside the media
// allowlist. Characters outside [A-Za-z0-9._-] are mapped to '_'.
func SanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apierr.Validation("filename must not be empty")
	}
	if len(name) > maxFilenameLen {
		return "", apierr.Validation("filename longer than %d characters", maxFilenameLen)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return "", apierr.Validation("filename must not contain path separators")
	}
	if strings.HasPrefix(name, ".") {
		return "", apierr.Validation("filename must not start with a dot")
	}

	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		return "", apierr.Validation("filename must carry a media extension")
	}
	stem, ext := name[:dot], strings.ToLower(name[dot:])
	if strings.Contains(stem, ".") {
		return "", apierr.Validation("stacked extensions are not allowed")
	}
	if !allowedExtensions[ext] {
		return "", apierr.Validation("extension %q is not an accepted media type", ext)
	}

	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	cleaned := strings.Trim(b.String(), "_")
	if cleaned == "" {
		return "", apierr.Validation("filename stem is empty after sanitization")
	}
	return cleaned + ext, nil
}
