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

package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reel/internal/apierr"
	"reel/internal/metrics"
)

// Request classes with independent token buckets.
const (
	RateClassAuth   = "auth"   // login, invite redeem, pairing: per source IP
	RateClassMutate = "mutate" // writes: per identity
	RateClassRead   = "read"   // reads and streams: per identity
)

// limiterPool holds one token bucket per (class, principal) pair.
// Buckets are created on first sight and swept when idle so the map
// does not grow with every IP that ever probed the server.
type limiterPool struct {
	mu        sync.Mutex
	buckets   map[string]*bucketEntry
	lastSweep time.Time

	authLimit   rate.Limit
	authBurst   int
	mutateLimit rate.Limit
	mutateBurst int
	readLimit   rate.Limit
	readBurst   int
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	bucketIdleCutoff = 10 * time.Minute
	bucketSweepEvery = time.Minute
	bucketSweepFloor = 256
)

func newLimiterPool(cfg Config) *limiterPool {
	return &limiterPool{
		buckets:     make(map[string]*bucketEntry),
		lastSweep:   time.Now(),
		authLimit:   rate.Limit(float64(cfg.RateAuthPerMin) / 60),
		authBurst:   cfg.RateAuthPerMin,
		mutateLimit: rate.Limit(float64(cfg.RateMutatePerMin) / 60),
		mutateBurst: cfg.RateMutatePerMin,
		readLimit:   rate.Limit(cfg.RateReadPerSec),
		readBurst:   cfg.RateReadPerSec * 2,
	}
}

func (p *limiterPool) params(class string) (rate.Limit, int) {
	switch class {
	case RateClassAuth:
		return p.authLimit, p.authBurst
	case RateClassMutate:
		return p.mutateLimit, p.mutateBurst
	default:
		return p.readLimit, p.readBurst
	}
}

// take consumes one token from the bucket for (class, key). When the
// bucket is empty it reports the wait a client should observe before
// retrying, without consuming the token.
func (p *limiterPool) take(class, key string, now time.Time) (bool, time.Duration) {
	limit, burst := p.params(class)

	p.mu.Lock()
	mapKey := class + "|" + key
	b, ok := p.buckets[mapKey]
	if !ok {
		b = &bucketEntry{lim: rate.NewLimiter(limit, burst)}
		p.buckets[mapKey] = b
	}
	b.lastSeen = now
	p.sweepLocked(now)
	p.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// sweepLocked drops buckets idle past the cutoff. Cheap enough to run
// inline; skipped until the map has real size.
func (p *limiterPool) sweepLocked(now time.Time) {
	if len(p.buckets) < bucketSweepFloor || now.Sub(p.lastSweep) < bucketSweepEvery {
		return
	}
	for k, b := range p.buckets {
		if now.Sub(b.lastSeen) > bucketIdleCutoff {
			delete(p.buckets, k)
		}
	}
	p.lastSweep = now
}

// CheckRate enforces the class limit for the request's principal. Auth
// endpoints are limited per source IP since no identity exists yet;
// everything else is limited per authenticated user, falling back to IP
// for anonymous reads.
func (e *Engine) CheckRate(class string, id *Identity, sourceIP string) error {
	key := sourceIP
	if class != RateClassAuth && id != nil {
		key = id.UserID
	}
	ok, retryAfter := e.limits.take(class, key, e.now())
	if ok {
		return nil
	}
	metrics.IncRateLimited(class)
	return apierr.RateLimited(retryAfter)
}
