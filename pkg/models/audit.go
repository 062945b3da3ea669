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

import "time"

// AuditRecord is one entry in the security audit trail: auth events,
// submissions, state-changing operations, and admin actions. Detail is
// a redacted JSON blob; raw credentials never reach it.
type AuditRecord struct {
	ID         int64     `json:"id" db:"id"`
	RequestID  string    `json:"request_id" db:"request_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	UserLogin  string    `json:"user_login" db:"user_login"`
	Action     string    `json:"action" db:"action"`
	TargetKind string    `json:"target_kind,omitempty" db:"target_kind"`
	TargetID   string    `json:"target_id,omitempty" db:"target_id"`
	Method     string    `json:"method" db:"method"`
	Path       string    `json:"path" db:"path"`
	StatusCode int       `json:"status_code" db:"status_code"`
	IPHash     string    `json:"ip_hash" db:"ip_hash"`
	DurationMS int64     `json:"duration_ms" db:"duration_ms"`
	Detail     string    `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Audit actions recorded by the server. Handlers use these so the
// admin filter can match on exact strings.
const (
	AuditLogin          = "auth.login"
	AuditLoginFailed    = "auth.login.failed"
	AuditLogout         = "auth.logout"
	AuditInviteCreate   = "invite.create"
	AuditInviteRedeem   = "invite.redeem"
	AuditPairingCreate  = "pairing.create"
	AuditPairingRedeem  = "pairing.redeem"
	AuditApiKeyCreate   = "apikey.create"
	AuditApiKeyRevoke   = "apikey.revoke"
	AuditSessionRevoke  = "session.revoke"
	AuditUserUpdate     = "user.update"
	AuditUserDelete     = "user.delete"
	AuditJobSubmit      = "job.submit"
	AuditJobCancel      = "job.cancel"
	AuditJobPause       = "job.pause"
	AuditJobResume      = "job.resume"
	AuditJobRerun       = "job.rerun"
	AuditJobDelete      = "job.delete"
	AuditJobEdit        = "job.edit"
	AuditUploadInit     = "upload.init"
	AuditUploadAbort    = "upload.abort"
	AuditLeaseSteal     = "lease.steal"
	AuditBackendSwitch  = "queue.switch"
	AuditRetentionSweep = "retention.sweep"
)
