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
	"bytes"
	"encoding/json"
	"fmt"
)

// RuntimeConfig is the typed view of a job's runtime snapshot. It is
// captured at submit, stored as Job.Runtime, and handed to every stage
// unchanged. Overrides carries collaborator-specific knobs the server
// does not interpret.
type RuntimeConfig struct {
	SourceLang     string            `json:"source_lang,omitempty"`
	TargetLang     string            `json:"target_lang,omitempty"`
	VoiceProfile   string            `json:"voice_profile,omitempty"`
	SubtitleFormat string            `json:"subtitle_format,omitempty"`
	VoiceClonePass bool              `json:"voice_clone_pass,omitempty"`
	Overrides      map[string]string `json:"overrides,omitempty"`
}

// ParseRuntime decodes a runtime snapshot. Empty input yields the zero
// config. Unknown fields are rejected so typos surface at submit time
// instead of silently configuring nothing.
func ParseRuntime(raw json.RawMessage) (RuntimeConfig, error) {
	var rc RuntimeConfig
	if len(raw) == 0 {
		return rc, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rc); err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse runtime config: %w", err)
	}
	return rc, nil
}

// Encode serializes the config back into Job.Runtime form.
func (rc RuntimeConfig) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("encode runtime config: %w", err)
	}
	return b, nil
}
