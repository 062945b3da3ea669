// Reel is a media dubbing job server.
// Copyright (C) 2025  Matthew Burns
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

package auth

import (
	"reel/pkg/models"
)

// IsAdmin checks if the user has admin role
func IsAdmin(user *models.User) bool {
	return user != nil && user.Role == models.RoleAdmin && user.Enabled
}

// IsEditor checks if the user has editor role or higher
func IsEditor(user *models.User) bool {
	return user != nil && user.Enabled && models.RoleAtLeast(user.Role, models.RoleEditor)
}

// IsOperator checks if the user has operator role or higher
func IsOperator(user *models.User) bool {
	return user != nil && user.Enabled && models.RoleAtLeast(user.Role, models.RoleOperator)
}

// IsViewer checks if the user has any valid role (can view)
func IsViewer(user *models.User) bool {
	return user != nil && user.Enabled && models.ValidRole(user.Role)
}

// CanSubmitJobs checks if the user can submit dubbing jobs.
// Viewers are read-only; everyone above can submit.
func CanSubmitJobs(user *models.User) bool {
	return IsOperator(user)
}

// CanRerunJobs checks if the user can trigger reruns, including the
// two-pass voice-clone rerun (operator or higher).
func CanRerunJobs(user *models.User) bool {
	return IsOperator(user)
}

// CanEditRuntime checks if the user can apply runtime overrides and
// edit library entries (editor or higher).
func CanEditRuntime(user *models.User) bool {
	return IsEditor(user)
}

// CanManageUsers checks if the user can manage invites and other users
// (admin only).
func CanManageUsers(user *models.User) bool {
	return IsAdmin(user)
}

// GetRoleDisplayName returns a human-friendly name for a role
func GetRoleDisplayName(role string) string {
	switch role {
	case models.RoleAdmin:
		return "Administrator"
	case models.RoleEditor:
		return "Editor"
	case models.RoleOperator:
		return "Operator"
	case models.RoleViewer:
		return "Viewer"
	default:
		return "Unknown"
	}
}
