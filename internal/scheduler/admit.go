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

package scheduler

import (
	"context"
	"sync"
	"time"

	"reel/internal/apierr"
	"reel/internal/metrics"
	"reel/pkg/models"
)

const mib = int64(1) << 20

// AdmitSubmission runs the admission checks for one new job by ownerID:
// free disk on the output volume, the owner's active-job cap, then the
// daily submission counters. Passing reserves one daily submission; the
// nightly reconcile corrects the counter if the insert never lands.
func (s *Scheduler) AdmitSubmission(ctx context.Context, ownerID string) error {
	if s.cfg.MinFreeDiskMB > 0 {
		free, err := s.diskFree(s.cfg.OutputDir)
		if err != nil {
			// A broken statfs must not block submissions.
			s.logger.Warn("disk free check failed; admitting anyway",
				"path", s.cfg.OutputDir, "error", err)
		} else if int64(free) < s.cfg.MinFreeDiskMB*mib {
			metrics.IncQuotaRejection("disk_low")
			return apierr.New(apierr.KindTransient, "server is low on disk space, try again later")
		}
	}

	if s.cfg.MaxConcurrentPerUser > 0 {
		active, err := s.store.CountActiveByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		if active >= s.cfg.MaxConcurrentPerUser {
			metrics.IncQuotaRejection("concurrent_jobs_limit")
			return apierr.Quota("concurrent_jobs_limit",
				int64(s.cfg.MaxConcurrentPerUser), int64(active))
		}
	}

	_, err := s.store.AdjustQuota(ctx, ownerID, func(u *models.QuotaUsage) error {
		if s.cfg.DailyJobCap > 0 && u.JobsSubmittedToday >= s.cfg.DailyJobCap {
			metrics.IncQuotaRejection("daily_jobs_limit")
			return apierr.Quota("daily_jobs_limit",
				int64(s.cfg.DailyJobCap), int64(u.JobsSubmittedToday))
		}
		if s.cfg.DailyProcessingMinutes > 0 &&
			u.ProcessingMinutesToday >= float64(s.cfg.DailyProcessingMinutes) {
			metrics.IncQuotaRejection("daily_minutes_limit")
			return apierr.Quota("daily_minutes_limit",
				int64(s.cfg.DailyProcessingMinutes), int64(u.ProcessingMinutesToday))
		}
		u.JobsSubmittedToday++
		return nil
	})
	return err
}

// ReserveUserRun reserves one of the owner's concurrent execution slots
// before a claimed job starts running. The release is idempotent and
// must be called once the run settles, success or not.
func (s *Scheduler) ReserveUserRun(ctx context.Context, ownerID string) (func(), error) {
	if s.cfg.MaxConcurrentPerUser <= 0 {
		return func() {}, nil
	}
	_, err := s.store.AdjustQuota(ctx, ownerID, func(u *models.QuotaUsage) error {
		if u.ConcurrentRunning >= s.cfg.MaxConcurrentPerUser {
			return apierr.Quota("concurrent_jobs_limit",
				int64(s.cfg.MaxConcurrentPerUser), int64(u.ConcurrentRunning))
		}
		u.ConcurrentRunning++
		return nil
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			// The run's context may already be gone.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := s.store.AdjustQuota(rctx, ownerID, func(u *models.QuotaUsage) error {
				u.ConcurrentRunning--
				return nil
			}); err != nil {
				s.logger.Warn("release user run slot failed",
					"user_id", ownerID, "error", err)
			}
		})
	}
	return release, nil
}
