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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"reel/internal/access"
	"reel/internal/api"
	"reel/internal/audit"
	"reel/internal/config"
	"reel/internal/database"
	"reel/internal/dispatch"
	"reel/internal/events"
	"reel/internal/lifecycle"
	"reel/internal/logging"
	"reel/internal/maintenance"
	"reel/internal/metrics"
	"reel/internal/policy"
	"reel/internal/scheduler"
	"reel/internal/stage"
	"reel/internal/store"
	"reel/internal/upload"
	"reel/internal/worker"
	"reel/pkg/crypto"
	"reel/pkg/models"
)

const shutdownGrace = 30 * time.Second

func main() {
	var logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.ApplyDerived()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}
	for _, dir := range []string{cfg.StateDir, cfg.OutputDir, cfg.LogDir, cfg.UploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores. jobs.db carries the work plane, auth.db the identity
	// plane; TOTP seeds in auth.db encrypt under the session secret.
	st, err := store.Open(ctx, filepath.Join(cfg.StateDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = st.Close() }()

	db, err := database.NewWithEncryption(filepath.Join(cfg.StateDir, "auth.db"), cfg.SessionSecret)
	if err != nil {
		return fmt.Errorf("open identity database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate identity database: %w", err)
	}
	if err := bootstrapAdmin(ctx, db); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	// Event plane.
	hub := events.NewHub()
	coalesce := events.NewCoalescer(hub, 200*time.Millisecond)
	defer coalesce.Close()

	// Audit trail: async writer into auth.db with a JSONL mirror.
	recorder := audit.New(db, audit.Options{
		MirrorPath: filepath.Join(cfg.LogDir, "audit.jsonl"),
	})
	defer recorder.Close()

	backend, err := buildBackend(ctx, cfg, hub, recorder)
	if err != nil {
		return fmt.Errorf("build dispatch backend: %w", err)
	}
	defer func() { _ = backend.Close() }()

	sched := scheduler.New(st, backend, hub, scheduler.Config{
		MaxConcurrentGlobal:    cfg.MaxConcurrentGlobal,
		MaxConcurrentPerUser:   cfg.MaxConcurrentPerUser,
		StageConcurrency:       cfg.StageConcurrency,
		DailyJobCap:            cfg.DailyJobCap,
		DailyProcessingMinutes: cfg.DailyProcessingMinutes,
		BackpressureQueueMax:   cfg.BackpressureQueueMax,
		MinFreeDiskMB:          cfg.MinFreeDiskMB,
		OutputDir:              cfg.OutputDir,
	}, logger)

	pipeline, err := stage.NewSynthetic(stage.SyntheticOptions{})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	pool := worker.New(st, backend, sched, pipeline, hub, coalesce, worker.Config{
		Workers:       cfg.Workers,
		LeaseTTL:      cfg.LeaseTTL,
		VisibilityTTL: cfg.RedisVisibilityTimeout,
		StageTimeout:  cfg.StageTimeout,
		OutputDir:     cfg.OutputDir,
	}, logger)

	uploads, err := upload.NewManager(st, cfg.UploadsDir, upload.Limits{
		MaxUploadBytes:    cfg.MaxUploadBytes(),
		MaxStorageBytes:   cfg.MaxStorageBytesPerUser(),
		DefaultChunkBytes: cfg.UploadChunkBytes,
		SessionTTL:        cfg.UploadSessionTTL,
	})
	if err != nil {
		return fmt.Errorf("build upload manager: %w", err)
	}

	engine, err := policy.New(db, policy.Config{
		CookieSecure:        cfg.CookieSecure,
		CookieSameSite:      cfg.CookieSameSite,
		CSRFSecret:          cfg.CSRFSecret,
		SessionSecret:       cfg.SessionSecret,
		RemoteAccessMode:    cfg.RemoteAccessMode,
		TrustedProxySubnets: cfg.TrustedProxySubnets,
		AllowedSubnets:      cfg.AllowedSubnets,
		JWTSecret:           cfg.JWTSecret,
		RateAuthPerMin:      cfg.RateAuthPerMin,
		RateMutatePerMin:    cfg.RateMutatePerMin,
		RateReadPerSec:      cfg.RateReadPerSec,
	}, logger)
	if err != nil {
		return fmt.Errorf("build policy engine: %w", err)
	}

	checker, err := access.New(st, cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("build access checker: %w", err)
	}

	life := lifecycle.New(logger, shutdownGrace)

	srv, err := api.New(api.Deps{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		DB:       db,
		Policy:   engine,
		Access:   checker,
		Uploads:  uploads,
		Sched:    sched,
		Backend:  backend,
		Hub:      hub,
		Pipeline: pipeline,
		Audit:    recorder,
		Life:     life,
	})
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}

	janitor, err := maintenance.New(cfg, logger, st, db, uploads)
	if err != nil {
		return fmt.Errorf("build maintenance runner: %w", err)
	}
	janitor.Start()
	defer janitor.Stop()

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	life.Go("scheduler", sched.Run)
	life.Go("workers", pool.Run)
	life.Go("http", func(taskCtx context.Context) error {
		slog.Info("Starting server", "addr", cfg.ListenAddr, "backend", backend.Name())
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	life.OnDrain("http", func(graceCtx context.Context) error {
		return httpServer.Shutdown(graceCtx)
	})
	life.OnClose("event hub", func(context.Context) error {
		hub.Shutdown()
		return nil
	})

	return life.Run(ctx)
}

// buildBackend selects the dispatch backend per QUEUE_BACKEND. Auto
// fronts local with Redis behind a breaker and reports every switch on
// the global topic.
func buildBackend(ctx context.Context, cfg config.Config, hub *events.Hub, recorder *audit.Recorder) (dispatch.Backend, error) {
	local := dispatch.NewLocal(cfg.BackpressureQueueMax * 2)

	switch cfg.QueueBackend {
	case "local":
		return local, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_URL")
		}
		return dispatch.NewRedis(ctx, cfg.RedisURL)
	case "auto", "":
		var redisBackend dispatch.Backend
		if cfg.RedisURL != "" {
			rb, err := dispatch.NewRedis(ctx, cfg.RedisURL)
			if err != nil {
				// Auto mode tolerates a down Redis at boot; the prober
				// keeps trying while local carries the queue.
				slog.Warn("Redis unavailable at startup, starting on the local queue", "error", err)
			} else {
				redisBackend = rb
			}
		}
		auto := dispatch.NewAuto(ctx, local, redisBackend, dispatch.AutoOptions{})
		auto.SetSwitchHook(func(from, to string) {
			metrics.IncBackendSwitch(from, to)
			hub.Publish(events.TopicGlobal, models.Event{
				Type:    models.EventQueue,
				Time:    time.Now().UTC(),
				Message: fmt.Sprintf("queue backend switched from %s to %s", from, to),
			})
			recorder.Record(context.Background(), models.AuditRecord{
				Action:     models.AuditBackendSwitch,
				TargetKind: "backend",
				TargetID:   to,
				Detail:     fmt.Sprintf(`{"from":%q,"to":%q}`, from, to),
				CreatedAt:  time.Now().UTC(),
			})
		})
		return auto, nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}

// bootstrapAdmin creates the first admin account on an empty identity
// database. The password comes from REEL_ADMIN_PASSWORD; without it a
// fresh install stays invite-less and unusable, so the miss is fatal.
func bootstrapAdmin(ctx context.Context, db *database.DB) error {
	count, err := db.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	password := os.Getenv("REEL_ADMIN_PASSWORD")
	if password == "" {
		return fmt.Errorf("no users exist and REEL_ADMIN_PASSWORD is not set")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin := &models.User{
		ID:           uuid.NewString(),
		Login:        "admin",
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		Enabled:      true,
	}
	if err := db.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	slog.Info("Created initial admin user", "login", admin.Login)
	return nil
}
