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

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"reel/internal/metrics"
	"reel/pkg/models"
)

// AutoOptions tunes the failover policy.
type AutoOptions struct {
	// TripFailures is how many consecutive Redis failures open the
	// breaker and route new submissions to the local queue.
	TripFailures int
	// RecoverySuccesses is how many consecutive probe successes are
	// required before switching back to Redis.
	RecoverySuccesses int
	// RecoveryTimeout is how long the breaker stays open before
	// recovery probing begins.
	RecoveryTimeout time.Duration
	// ProbeInterval is the health probe cadence.
	ProbeInterval time.Duration
	// BootProbes is how many probe successes select Redis at startup.
	BootProbes int
	// ProbeTimeout bounds each individual health probe.
	ProbeTimeout time.Duration
}

// DefaultAutoOptions returns the production failover tuning.
func DefaultAutoOptions() AutoOptions {
	return AutoOptions{
		TripFailures:      5,
		RecoverySuccesses: 3,
		RecoveryTimeout:   15 * time.Second,
		ProbeInterval:     5 * time.Second,
		BootProbes:        3,
		ProbeTimeout:      2 * time.Second,
	}
}

// Auto selects between the Redis and local backends. Redis carries new
// submissions while its breaker is closed; when consecutive failures
// trip the breaker, submissions degrade to the local queue and a
// background prober drives the hysteresis back. Claims always drain the
// local queue first so nothing stranded by a failover is left behind.
type Auto struct {
	local *Local
	redis Backend
	brk   *gobreaker.CircuitBreaker
	opts  AutoOptions

	hookMu   sync.Mutex
	onSwitch func(from, to string)

	stop   chan struct{}
	done   chan struct{}
	closer sync.Once
}

// NewAuto wires the selector. redis may be nil when no Redis URL is
// configured; everything then runs on the local queue. Boot probing
// selects the starting backend before the first submission.
func NewAuto(ctx context.Context, local *Local, redisBackend Backend, opts AutoOptions) *Auto {
	if opts.TripFailures <= 0 {
		opts.TripFailures = 5
	}
	if opts.RecoverySuccesses <= 0 {
		opts.RecoverySuccesses = 3
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 15 * time.Second
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Second
	}
	if opts.BootProbes <= 0 {
		opts.BootProbes = 3
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}

	a := &Auto{
		local: local,
		redis: redisBackend,
		opts:  opts,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	a.brk = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-dispatch",
		MaxRequests: uint32(opts.RecoverySuccesses),
		Timeout:     opts.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(opts.TripFailures)
		},
		OnStateChange: a.onStateChange,
	})

	if a.redis != nil {
		a.bootProbe(ctx)
	}
	go a.probeLoop()
	return a
}

// SetSwitchHook registers the callback invoked on backend switches,
// after the switch is effective. Used to publish queue events and audit
// records.
func (a *Auto) SetSwitchHook(fn func(from, to string)) {
	a.hookMu.Lock()
	a.onSwitch = fn
	a.hookMu.Unlock()
}

// bootProbe runs startup probes through the breaker: either the
// configured number of successes selects Redis, or the failures trip
// the breaker and the local queue starts as current.
func (a *Auto) bootProbe(ctx context.Context) {
	successes := 0
	for i := 0; i < a.opts.BootProbes+a.opts.TripFailures; i++ {
		if a.brk.State() == gobreaker.StateOpen {
			return
		}
		if err := a.probe(ctx); err != nil {
			successes = 0
			continue
		}
		successes++
		if successes >= a.opts.BootProbes {
			return
		}
	}
}

func (a *Auto) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, a.opts.ProbeTimeout)
	defer cancel()
	_, err := a.brk.Execute(func() (interface{}, error) {
		return nil, a.redis.Health(pctx)
	})
	return err
}

func (a *Auto) probeLoop() {
	defer close(a.done)
	if a.redis == nil {
		<-a.stop
		return
	}
	ticker := time.NewTicker(a.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			_ = a.probe(context.Background())
		}
	}
}

func (a *Auto) onStateChange(name string, from, to gobreaker.State) {
	switch {
	case to == gobreaker.StateOpen && from == gobreaker.StateClosed:
		slog.Warn("Redis dispatch degraded; routing new submissions to local queue")
		metrics.IncBackendSwitch("redis", "local")
		a.fireSwitch("redis", "local")
	case to == gobreaker.StateClosed:
		slog.Info("Redis dispatch recovered; routing new submissions to redis")
		metrics.IncBackendSwitch("local", "redis")
		a.fireSwitch("local", "redis")
	}
}

func (a *Auto) fireSwitch(from, to string) {
	a.hookMu.Lock()
	fn := a.onSwitch
	a.hookMu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}

// usingRedis reports whether new submissions route to Redis. Half-open
// deliberately reads false: recovery applies to new submissions only
// after the breaker fully closes.
func (a *Auto) usingRedis() bool {
	return a.redis != nil && a.brk.State() == gobreaker.StateClosed
}

// Name reports the backend currently taking submissions.
func (a *Auto) Name() string {
	if a.usingRedis() {
		return a.redis.Name()
	}
	return a.local.Name()
}

// Submit routes to Redis while healthy, degrading to the local queue on
// any failure. ErrQueueFull from the local queue propagates so the
// scheduler can apply backpressure.
func (a *Auto) Submit(ctx context.Context, sub Submission) error {
	_, err := a.SubmitRouted(ctx, sub)
	return err
}

// SubmitRouted enqueues like Submit and also reports which backend the
// submission landed on, so the outbox can record sent_redis vs
// sent_local accurately.
func (a *Auto) SubmitRouted(ctx context.Context, sub Submission) (string, error) {
	if a.usingRedis() {
		_, err := a.brk.Execute(func() (interface{}, error) {
			return nil, a.redis.Submit(ctx, sub)
		})
		if err == nil {
			return "redis", nil
		}
		slog.Warn("Redis submit failed; using local queue",
			"job_id", sub.JobID, "error", err)
	}
	if err := a.local.Submit(ctx, sub); err != nil {
		return "", err
	}
	return "local", nil
}

// Claim drains the local queue first, then Redis. Tokens carry their
// origin so Ack and Nack route back to the right backend.
func (a *Auto) Claim(ctx context.Context, consumerID string, n int, visibilityTTL time.Duration) ([]Claim, error) {
	for {
		if claims := a.local.TryClaim(n); len(claims) > 0 {
			return wrapClaims("local", claims), nil
		}

		if a.usingRedis() {
			v, err := a.brk.Execute(func() (interface{}, error) {
				return a.redis.Claim(ctx, consumerID, n, visibilityTTL)
			})
			if err == nil {
				if claims := v.([]Claim); len(claims) > 0 {
					return wrapClaims("redis", claims), nil
				}
			} else if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Empty or failing read; fall through to wait on local.
		}

		waitCtx, cancel := context.WithTimeout(ctx, claimPollInterval*2)
		claims, err := a.local.Claim(waitCtx, consumerID, n, visibilityTTL)
		cancel()
		if len(claims) > 0 {
			return wrapClaims("local", claims), nil
		}
		// A timed-out wait loops; cancellation and close propagate.
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func wrapClaims(origin string, claims []Claim) []Claim {
	for i := range claims {
		claims[i].Token = origin + ":" + claims[i].Token
	}
	return claims
}

func (a *Auto) route(claim Claim) (Backend, Claim, error) {
	origin, rest, found := strings.Cut(claim.Token, ":")
	if !found {
		return nil, Claim{}, ErrUnknownClaim
	}
	inner := Claim{JobID: claim.JobID, Token: rest}
	switch origin {
	case "local":
		return a.local, inner, nil
	case "redis":
		if a.redis == nil {
			return nil, Claim{}, ErrUnknownClaim
		}
		return a.redis, inner, nil
	default:
		return nil, Claim{}, ErrUnknownClaim
	}
}

// Ack settles a claim on its originating backend.
func (a *Auto) Ack(ctx context.Context, claim Claim) error {
	backend, inner, err := a.route(claim)
	if err != nil {
		return err
	}
	return backend.Ack(ctx, inner)
}

// Nack returns a claim to its originating backend.
func (a *Auto) Nack(ctx context.Context, claim Claim, delay time.Duration) error {
	backend, inner, err := a.route(claim)
	if err != nil {
		return err
	}
	return backend.Nack(ctx, inner, delay)
}

// Depth merges both backends' pending depths.
func (a *Auto) Depth(ctx context.Context) (map[models.Priority]int, error) {
	depths, err := a.local.Depth(ctx)
	if err != nil {
		return nil, err
	}
	if a.usingRedis() {
		rd, err := a.redis.Depth(ctx)
		if err != nil {
			return depths, nil
		}
		for p, n := range rd {
			depths[p] += n
		}
	}
	return depths, nil
}

// Health reports the health of the backend taking submissions.
func (a *Auto) Health(ctx context.Context) error {
	if a.usingRedis() {
		return a.redis.Health(ctx)
	}
	return a.local.Health(ctx)
}

// Status describes the selector for admin introspection.
type Status struct {
	Backend         string                  `json:"backend"`
	RedisConfigured bool                    `json:"redis_configured"`
	BreakerState    string                  `json:"breaker_state"`
	LocalDepth      map[models.Priority]int `json:"local_depth"`
	RedisDepth      map[models.Priority]int `json:"redis_depth,omitempty"`
}

// Status reports the active backend, breaker state, and queue depths.
func (a *Auto) Status(ctx context.Context) Status {
	st := Status{
		Backend:         a.Name(),
		RedisConfigured: a.redis != nil,
		BreakerState:    a.brk.State().String(),
	}
	st.LocalDepth, _ = a.local.Depth(ctx)
	if a.usingRedis() {
		st.RedisDepth, _ = a.redis.Depth(ctx)
	}
	return st
}

// Close stops the prober and closes both backends.
func (a *Auto) Close() error {
	a.closer.Do(func() { close(a.stop) })
	<-a.done
	var err error
	if a.redis != nil {
		err = a.redis.Close()
	}
	if cerr := a.local.Close(); err == nil {
		err = cerr
	}
	return err
}
