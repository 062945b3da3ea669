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

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration loaded from the environment.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// StateDir is the root directory for databases and runtime state.
	StateDir string

	// OutputDir is the root directory for per-job output trees.
	OutputDir string

	// LogDir is the directory for the audit log and rotated server logs.
	LogDir string

	// UploadsDir is the root directory for resumable upload sessions.
	UploadsDir string

	// MaxUploadMB is the maximum declared size of a single upload in MiB.
	MaxUploadMB int64

	// MaxStorageMBPerUser is the per-user storage quota in MiB.
	MaxStorageMBPerUser int64

	// UploadChunkBytes is the fixed chunk size for resumable uploads.
	UploadChunkBytes int64

	// UploadSessionTTL is how long an idle upload session survives before
	// the garbage collector removes it.
	UploadSessionTTL time.Duration

	// UploadGCInterval is the interval between upload GC sweeps.
	UploadGCInterval time.Duration

	// MaxConcurrentGlobal is the process-wide cap on running jobs.
	MaxConcurrentGlobal int

	// MaxConcurrentPerUser is the per-user cap on active (non-terminal) jobs.
	MaxConcurrentPerUser int

	// StageConcurrency caps concurrent executions per stage name,
	// e.g. "transcribe=1,tts=2". Stages not listed are uncapped.
	StageConcurrency map[string]int

	// DailyJobCap is the per-user cap on submissions per UTC day.
	DailyJobCap int

	// DailyProcessingMinutes is the per-user cap on processing minutes per UTC day.
	DailyProcessingMinutes int

	// BackpressureQueueMax is the queue depth above which new submissions
	// are degraded in priority or delayed.
	BackpressureQueueMax int

	// MinFreeDiskMB refuses new work when free space on the output
	// filesystem falls below this margin.
	MinFreeDiskMB int64

	// QueueBackend selects the dispatch backend: "auto", "local", or "redis".
	QueueBackend string

	// RedisURL is the Redis connection URL. Empty disables Redis entirely.
	RedisURL string

	// RedisVisibilityTimeout is how long a claimed Redis entry stays
	// invisible before it can be re-claimed by another consumer.
	RedisVisibilityTimeout time.Duration

	// LeaseTTL is the execution lease duration. Workers extend it at
	// half-interval while a job runs.
	LeaseTTL time.Duration

	// Workers is the number of worker goroutines claiming jobs.
	Workers int

	// StageTimeout is the per-stage watchdog timeout.
	StageTimeout time.Duration

	// RemoteAccessMode gates non-local traffic: "off", "tailscale", or
	// "cloudflare".
	RemoteAccessMode string

	// TrustedProxySubnets lists CIDRs of reverse proxies whose
	// X-Forwarded-For is believed.
	TrustedProxySubnets []string

	// AllowedSubnets restricts clients to the listed CIDRs. Empty allows all.
	AllowedSubnets []string

	// CORSOrigins lists allowed CORS origins. Empty disables CORS headers.
	CORSOrigins []string

	// CookieSecure sets the Secure attribute on session cookies.
	CookieSecure bool

	// CookieSameSite sets the SameSite attribute: "lax", "strict", or "none".
	CookieSameSite string

	// JWTSecret verifies externally issued access tokens (cloudflare mode).
	JWTSecret string

	// CSRFSecret keys the CSRF double-submit token HMAC.
	CSRFSecret string

	// SessionSecret keys session token signing and at-rest encryption of
	// TOTP seeds.
	SessionSecret string

	// RetentionPolicy controls artifact retention: "full", "balanced",
	// or "minimal".
	RetentionPolicy string

	// RetentionSweepInterval is the interval between retention sweeps.
	RetentionSweepInterval time.Duration

	// RateAuthPerMin is the per-IP token bucket rate for auth endpoints.
	RateAuthPerMin int

	// RateMutatePerMin is the per-identity rate for mutating endpoints.
	RateMutatePerMin int

	// RateReadPerSec is the per-identity rate for read endpoints.
	RateReadPerSec int
}

// Default returns the default server configuration.
func Default() Config {
	return Config{
		ListenAddr:             ":8080",
		StateDir:               "/var/lib/reel",
		OutputDir:              "",
		LogDir:                 "",
		UploadsDir:             "",
		MaxUploadMB:            2048,
		MaxStorageMBPerUser:    20480,
		UploadChunkBytes:       4 << 20,
		UploadSessionTTL:       24 * time.Hour,
		UploadGCInterval:       10 * time.Minute,
		MaxConcurrentGlobal:    2,
		MaxConcurrentPerUser:   1,
		StageConcurrency:       map[string]int{},
		DailyJobCap:            24,
		DailyProcessingMinutes: 240,
		BackpressureQueueMax:   50,
		MinFreeDiskMB:          2048,
		QueueBackend:           "auto",
		RedisURL:               "",
		RedisVisibilityTimeout: 5 * time.Minute,
		LeaseTTL:               60 * time.Second,
		Workers:                0,
		StageTimeout:           45 * time.Minute,
		RemoteAccessMode:       "off",
		TrustedProxySubnets:    nil,
		AllowedSubnets:         nil,
		CORSOrigins:            nil,
		CookieSecure:           true,
		CookieSameSite:         "lax",
		JWTSecret:              "",
		CSRFSecret:             "",
		SessionSecret:          "",
		RetentionPolicy:        "full",
		RetentionSweepInterval: 1 * time.Hour,
		RateAuthPerMin:         10,
		RateMutatePerMin:       60,
		RateReadPerSec:         20,
	}
}

// LoadFromEnv loads the server configuration from environment variables.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	// LISTEN_ADDR
	if val := os.Getenv("LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
	}

	// STATE_DIR
	if val := os.Getenv("STATE_DIR"); val != "" {
		cfg.StateDir = val
	}

	// OUTPUT_DIR
	if val := os.Getenv("OUTPUT_DIR"); val != "" {
		cfg.OutputDir = val
	}

	// LOG_DIR
	if val := os.Getenv("LOG_DIR"); val != "" {
		cfg.LogDir = val
	}

	// UPLOADS_DIR
	if val := os.Getenv("UPLOADS_DIR"); val != "" {
		cfg.UploadsDir = val
	}

	// MAX_UPLOAD_MB
	if val := os.Getenv("MAX_UPLOAD_MB"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_UPLOAD_MB value: %w", err)
		}
		cfg.MaxUploadMB = n
	}

	// MAX_STORAGE_MB_PER_USER
	if val := os.Getenv("MAX_STORAGE_MB_PER_USER"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_STORAGE_MB_PER_USER value: %w", err)
		}
		cfg.MaxStorageMBPerUser = n
	}

	// UPLOAD_CHUNK_BYTES
	if val := os.Getenv("UPLOAD_CHUNK_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid UPLOAD_CHUNK_BYTES value: %w", err)
		}
		cfg.UploadChunkBytes = n
	}

	// UPLOAD_SESSION_TTL_SEC
	if val := os.Getenv("UPLOAD_SESSION_TTL_SEC"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid UPLOAD_SESSION_TTL_SEC value: %w", err)
		}
		cfg.UploadSessionTTL = time.Duration(n) * time.Second
	}

	// UPLOAD_GC_INTERVAL_SEC
	if val := os.Getenv("UPLOAD_GC_INTERVAL_SEC"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid UPLOAD_GC_INTERVAL_SEC value: %w", err)
		}
		cfg.UploadGCInterval = time.Duration(n) * time.Second
	}

	// MAX_CONCURRENT_GLOBAL
	if val := os.Getenv("MAX_CONCURRENT_GLOBAL"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_CONCURRENT_GLOBAL value: %w", err)
		}
		cfg.MaxConcurrentGlobal = n
	}

	// MAX_CONCURRENT_PER_USER
	if val := os.Getenv("MAX_CONCURRENT_PER_USER"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_CONCURRENT_PER_USER value: %w", err)
		}
		cfg.MaxConcurrentPerUser = n
	}

	// STAGE_CONCURRENCY
	if val := os.Getenv("STAGE_CONCURRENCY"); val != "" {
		m, err := ParseStageConcurrency(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid STAGE_CONCURRENCY value: %w", err)
		}
		cfg.StageConcurrency = m
	}

	// DAILY_JOB_CAP
	if val := os.Getenv("DAILY_JOB_CAP"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid DAILY_JOB_CAP value: %w", err)
		}
		cfg.DailyJobCap = n
	}

	// DAILY_PROCESSING_MINUTES
	if val := os.Getenv("DAILY_PROCESSING_MINUTES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid DAILY_PROCESSING_MINUTES value: %w", err)
		}
		cfg.DailyProcessingMinutes = n
	}

	// BACKPRESSURE_Q_MAX
	if val := os.Getenv("BACKPRESSURE_Q_MAX"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid BACKPRESSURE_Q_MAX value: %w", err)
		}
		cfg.BackpressureQueueMax = n
	}

	// MIN_FREE_DISK_MB
	if val := os.Getenv("MIN_FREE_DISK_MB"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid MIN_FREE_DISK_MB value: %w", err)
		}
		cfg.MinFreeDiskMB = n
	}

	// QUEUE_BACKEND
	if val := os.Getenv("QUEUE_BACKEND"); val != "" {
		if val != "auto" && val != "local" && val != "redis" {
			return cfg, fmt.Errorf("invalid QUEUE_BACKEND: must be 'auto', 'local', or 'redis', got %q", val)
		}
		cfg.QueueBackend = val
	}

	// REDIS_URL
	if val := os.Getenv("REDIS_URL"); val != "" {
		cfg.RedisURL = val
	}

	// REDIS_QUEUE_VISIBILITY_TIMEOUT_S
	if val := os.Getenv("REDIS_QUEUE_VISIBILITY_TIMEOUT_S"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid REDIS_QUEUE_VISIBILITY_TIMEOUT_S value: %w", err)
		}
		cfg.RedisVisibilityTimeout = time.Duration(n) * time.Second
	}

	// LEASE_TTL_S
	if val := os.Getenv("LEASE_TTL_S"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid LEASE_TTL_S value: %w", err)
		}
		cfg.LeaseTTL = time.Duration(n) * time.Second
	}

	// WORKERS
	if val := os.Getenv("WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WORKERS value: %w", err)
		}
		cfg.Workers = n
	}

	// STAGE_TIMEOUT_SEC
	if val := os.Getenv("STAGE_TIMEOUT_SEC"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid STAGE_TIMEOUT_SEC value: %w", err)
		}
		cfg.StageTimeout = time.Duration(n) * time.Second
	}

	// REMOTE_ACCESS_MODE
	if val := os.Getenv("REMOTE_ACCESS_MODE"); val != "" {
		if val != "off" && val != "tailscale" && val != "cloudflare" {
			return cfg, fmt.Errorf("invalid REMOTE_ACCESS_MODE: must be 'off', 'tailscale', or 'cloudflare', got %q", val)
		}
		cfg.RemoteAccessMode = val
	}

	// TRUSTED_PROXY_SUBNETS
	if val := os.Getenv("TRUSTED_PROXY_SUBNETS"); val != "" {
		cfg.TrustedProxySubnets = splitCSV(val)
	}

	// ALLOWED_SUBNETS
	if val := os.Getenv("ALLOWED_SUBNETS"); val != "" {
		cfg.AllowedSubnets = splitCSV(val)
	}

	// CORS_ORIGINS
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		cfg.CORSOrigins = splitCSV(val)
	}

	// COOKIE_SECURE
	if val := os.Getenv("COOKIE_SECURE"); val != "" {
		secure, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid COOKIE_SECURE value: %w", err)
		}
		cfg.CookieSecure = secure
	}

	// COOKIE_SAMESITE
	if val := os.Getenv("COOKIE_SAMESITE"); val != "" {
		if val != "lax" && val != "strict" && val != "none" {
			return cfg, fmt.Errorf("invalid COOKIE_SAMESITE: must be 'lax', 'strict', or 'none', got %q", val)
		}
		cfg.CookieSameSite = val
	}

	// JWT_SECRET
	if val := os.Getenv("JWT_SECRET"); val != "" {
		cfg.JWTSecret = val
	}

	// CSRF_SECRET
	if val := os.Getenv("CSRF_SECRET"); val != "" {
		cfg.CSRFSecret = val
	}

	// SESSION_SECRET
	if val := os.Getenv("SESSION_SECRET"); val != "" {
		cfg.SessionSecret = val
	}

	// RETENTION_POLICY
	if val := os.Getenv("RETENTION_POLICY"); val != "" {
		if _, err := ParseRetention(val); err != nil {
			return cfg, fmt.Errorf("invalid RETENTION_POLICY value: %w", err)
		}
		cfg.RetentionPolicy = val
	}

	// RETENTION_SWEEP_INTERVAL_SEC
	if val := os.Getenv("RETENTION_SWEEP_INTERVAL_SEC"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RETENTION_SWEEP_INTERVAL_SEC value: %w", err)
		}
		cfg.RetentionSweepInterval = time.Duration(n) * time.Second
	}

	// RATE_AUTH_PER_MIN
	if val := os.Getenv("RATE_AUTH_PER_MIN"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_AUTH_PER_MIN value: %w", err)
		}
		cfg.RateAuthPerMin = n
	}

	// RATE_MUTATE_PER_MIN
	if val := os.Getenv("RATE_MUTATE_PER_MIN"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_MUTATE_PER_MIN value: %w", err)
		}
		cfg.RateMutatePerMin = n
	}

	// RATE_READ_PER_SEC
	if val := os.Getenv("RATE_READ_PER_SEC"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_READ_PER_SEC value: %w", err)
		}
		cfg.RateReadPerSec = n
	}

	cfg.ApplyDerived()
	return cfg, nil
}

// ApplyDerived fills in paths and counts that default relative to other
// settings when not set explicitly.
func (c *Config) ApplyDerived() {
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(c.StateDir, "outputs")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.StateDir, "logs")
	}
	if c.UploadsDir == "" {
		c.UploadsDir = filepath.Join(c.StateDir, "uploads")
	}
	if c.Workers <= 0 {
		c.Workers = c.MaxConcurrentGlobal
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("STATE_DIR must not be empty")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	if c.UploadChunkBytes < 64<<10 || c.UploadChunkBytes > 64<<20 {
		return fmt.Errorf("UPLOAD_CHUNK_BYTES must be between 64KiB and 64MiB")
	}
	if c.MaxConcurrentGlobal < 1 {
		return fmt.Errorf("MAX_CONCURRENT_GLOBAL must be at least 1")
	}
	if c.MaxConcurrentPerUser < 1 {
		return fmt.Errorf("MAX_CONCURRENT_PER_USER must be at least 1")
	}
	if c.BackpressureQueueMax < 1 {
		return fmt.Errorf("BACKPRESSURE_Q_MAX must be at least 1")
	}
	if c.LeaseTTL < 5*time.Second {
		return fmt.Errorf("LEASE_TTL_S must be at least 5 seconds")
	}
	if c.RedisVisibilityTimeout < c.LeaseTTL {
		return fmt.Errorf("REDIS_QUEUE_VISIBILITY_TIMEOUT_S must not be shorter than the lease TTL")
	}
	if c.QueueBackend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_URL")
	}
	if c.CSRFSecret == "" {
		return fmt.Errorf("CSRF_SECRET must be set")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET must be set")
	}
	if c.RemoteAccessMode == "cloudflare" && c.JWTSecret == "" {
		return fmt.Errorf("REMOTE_ACCESS_MODE=cloudflare requires JWT_SECRET")
	}
	for _, cidr := range c.TrustedProxySubnets {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid TRUSTED_PROXY_SUBNETS entry %q: %w", cidr, err)
		}
	}
	for _, cidr := range c.AllowedSubnets {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid ALLOWED_SUBNETS entry %q: %w", cidr, err)
		}
	}
	if _, err := ParseRetention(c.RetentionPolicy); err != nil {
		return err
	}
	return nil
}

// MaxUploadBytes returns the upload size cap in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// MaxStorageBytesPerUser returns the per-user storage quota in bytes.
func (c *Config) MaxStorageBytesPerUser() int64 {
	return c.MaxStorageMBPerUser << 20
}

// MinFreeDiskBytes returns the low-disk margin in bytes.
func (c *Config) MinFreeDiskBytes() int64 {
	return c.MinFreeDiskMB << 20
}

// Retention is a parsed retention policy.
type Retention string

const (
	// RetentionFull keeps every artifact indefinitely.
	RetentionFull Retention = "full"
	// RetentionBalanced keeps final outputs and drops intermediate
	// stage artifacts of jobs that finished over a week ago.
	RetentionBalanced Retention = "balanced"
	// RetentionMinimal keeps only final outputs, dropping intermediates
	// as soon as the owning job is terminal.
	RetentionMinimal Retention = "minimal"
)

// ParseRetention parses a RETENTION_POLICY string.
func ParseRetention(s string) (Retention, error) {
	switch s {
	case "", string(RetentionFull):
		return RetentionFull, nil
	case string(RetentionBalanced):
		return RetentionBalanced, nil
	case string(RetentionMinimal):
		return RetentionMinimal, nil
	default:
		return "", fmt.Errorf("invalid retention policy %q (want full, balanced, or minimal)", s)
	}
}

// ParseStageConcurrency parses a STAGE_CONCURRENCY string such as
// "transcribe=1,tts=2" into a per-stage cap map.
func ParseStageConcurrency(s string) (map[string]int, error) {
	m := make(map[string]int)
	for _, part := range splitCSV(s) {
		name, arg, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q is not name=count", part)
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("entry %q: count must be a positive integer", part)
		}
		m[strings.TrimSpace(name)] = n
	}
	return m, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
