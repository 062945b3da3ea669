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

// User roles, ordered viewer < operator < editor < admin.
const (
	RoleViewer   = "viewer"   // Read-only access to own and shared jobs
	RoleOperator = "operator" // Can rerun jobs and steal stale leases
	RoleEditor   = "editor"   // Can edit runtime overrides and library entries
	RoleAdmin    = "admin"    // Full access to everything
)

// RoleRank returns the ordering rank of a role; unknown roles rank below
// viewer so a corrupted value never grants access.
func RoleRank(role string) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleOperator:
		return 1
	case RoleViewer:
		return 0
	default:
		return -1
	}
}

// RoleAtLeast reports whether role grants at least the privileges of min.
func RoleAtLeast(role, min string) bool {
	r := RoleRank(role)
	return r >= 0 && r >= RoleRank(min)
}

// ValidRole reports whether role is one of the defined roles.
func ValidRole(role string) bool { return RoleRank(role) >= 0 }

// User represents an account on the server. Accounts exist only through
// invite redemption or admin creation; there is no self-signup.
type User struct {
	ID           string    `json:"id" db:"id"`
	Login        string    `json:"login" db:"login"`
	PasswordHash string    `json:"-" db:"password_hash"` // Never expose password hash
	Role         string    `json:"role" db:"role"`
	TOTPEnabled  bool      `json:"totp_enabled" db:"totp_enabled"`
	TOTPSecret   string    `json:"-" db:"totp_secret"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Invite is a one-shot token granting the right to create exactly one
// user account with the given role.
type Invite struct {
	Token      string     `json:"token" db:"token"`
	Role       string     `json:"role" db:"role"`
	CreatedBy  string     `json:"created_by" db:"created_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	RedeemedBy *string    `json:"redeemed_by,omitempty" db:"redeemed_by"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty" db:"redeemed_at"`
}

// Session is a cookie-backed login. The raw token is returned to the
// client once; only its hash is stored.
type Session struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	TokenHash     string     `json:"-" db:"token_hash"`
	DeviceID      string     `json:"device_id,omitempty" db:"device_id"`
	CreatedIPHash string     `json:"-" db:"created_ip_hash"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Active reports whether the session is usable at time now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// API key scopes. Resource-scoped variants take the form
// "job:<id>:read" or "job:<id>:write".
const (
	ScopeReadJob   = "read:job"
	ScopeSubmitJob = "submit:job"
	ScopeEditJob   = "edit:job"
	ScopeAdminAll  = "admin:*"
)

// ApiKey is a long-lived credential for programmatic clients. The secret
// is shown once at creation; only its hash is stored. Prefix is the short
// public fragment used for lookup.
type ApiKey struct {
	ID         string     `json:"id" db:"id"`
	Prefix     string     `json:"prefix" db:"prefix"`
	SecretHash string     `json:"-" db:"secret_hash"`
	OwnerID    string     `json:"owner_id" db:"owner_id"`
	Scopes     []string   `json:"scopes" db:"scopes"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Active reports whether the key is usable at time now.
func (k *ApiKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// HasScope reports whether the key carries the named scope. admin:*
// implies every scope.
func (k *ApiKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == ScopeAdminAll {
			return true
		}
	}
	return false
}

// PairingCode is a short-lived one-shot code minted by an authenticated
// session so a second device (QR flow) can obtain its own session.
type PairingCode struct {
	Code       string     `json:"code" db:"code"`
	UserID     string     `json:"user_id" db:"user_id"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty" db:"redeemed_at"`
}

// QuotaUsage is the per-user counter row the policy engine checks on the
// critical path. Day is the UTC date (YYYY-MM-DD) the daily counters
// belong to; a new day resets them.
type QuotaUsage struct {
	UserID                 string    `json:"user_id" db:"user_id"`
	StorageBytesUsed       int64     `json:"storage_bytes_used" db:"storage_bytes_used"`
	JobsSubmittedToday     int       `json:"jobs_submitted_today" db:"jobs_submitted_today"`
	ProcessingMinutesToday float64   `json:"processing_minutes_today" db:"processing_minutes_today"`
	ConcurrentRunning      int       `json:"concurrent_running" db:"concurrent_running"`
	UploadsInflight        int       `json:"uploads_inflight" db:"uploads_inflight"`
	Day                    string    `json:"day" db:"day"`
	UpdatedAt              time.Time `json:"updated_at" db:"updated_at"`
}
