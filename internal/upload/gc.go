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
	"context"
	"log/slog"
	"os"
	"time"

	"reel/pkg/models"
)

const sweepBatch = 100

// SweepExpired abandons open sessions whose expiry passed, frees their
// disk bytes, and returns the quota reservations. Sessions with writes
// in flight are skipped and picked up on the next sweep. Returns the
// number of sessions swept.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	swept := 0
	for {
		expired, err := m.store.ListExpiredUploads(ctx, now, sweepBatch)
		if err != nil {
			return swept, err
		}
		if len(expired) == 0 {
			return swept, nil
		}

		progressed := false
		for _, u := range expired {
			if ctx.Err() != nil {
				return swept, ctx.Err()
			}
			if !m.enterExclusive(u.ID) {
				continue
			}
			err := m.sweepOne(ctx, u)
			m.leaveExclusive(u.ID)
			if err != nil {
				slog.Warn("Upload GC failed to sweep session",
					"upload_id", u.ID, "error", err)
				continue
			}
			swept++
			progressed = true
		}
		// Every remaining candidate was busy or failing; let the next
		// sweep retry instead of spinning.
		if !progressed || len(expired) < sweepBatch {
			return swept, nil
		}
	}
}

func (m *Manager) sweepOne(ctx context.Context, u *models.Upload) error {
	if _, err := m.store.UpdateUpload(ctx, u.ID, func(cur *models.Upload) error {
		cur.State = models.UploadAbandoned
		return nil
	}); err != nil {
		return err
	}
	if err := os.RemoveAll(m.sessionDir(u.ID)); err != nil {
		return err
	}
	m.releaseReservation(ctx, u.OwnerID, u.TotalBytes)
	slog.Info("Upload GC abandoned expired session",
		"upload_id", u.ID, "owner_id", u.OwnerID, "received_bytes", u.ReceivedBytes)
	return nil
}
