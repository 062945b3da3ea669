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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"reel/pkg/models"
)

const (
	keyPrefix  = "reel:dispatch:"
	queuedSet  = keyPrefix + "queued"
	delayedKey = keyPrefix + "delayed"
	groupName  = "reel-workers"

	// streamMaxLen bounds each priority stream; trimming is approximate.
	streamMaxLen = 100000

	// promoteBatch caps delayed entries promoted per claim cycle.
	promoteBatch = 128

	// claimBlock is how long an empty-handed claim blocks on the streams.
	claimBlock = 2 * time.Second
)

// claimPriorities is the claim scan order; streams are listed to
// XREADGROUP in this order so higher priorities drain first.
var claimPriorities = []models.Priority{models.PriorityHigh, models.PriorityMedium, models.PriorityLow}

// Redis is the durable dispatch backend: one stream per priority read
// through a consumer group, plus a sorted set holding delayed entries
// until their availability arrives. Entries claimed by a crashed
// consumer are reclaimed via XAUTOCLAIM once idle past the visibility
// TTL.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to url and prepares the streams and consumer group.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisWithClient(ctx, redis.NewClient(opts))
}

// NewRedisWithClient wraps an existing client; the caller keeps
// ownership of nothing, Close closes it.
func NewRedisWithClient(ctx context.Context, client *redis.Client) (*Redis, error) {
	r := &Redis{client: client}
	if err := r.ensureGroups(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

func (r *Redis) ensureGroups(ctx context.Context) error {
	for _, p := range claimPriorities {
		err := r.client.XGroupCreateMkStream(ctx, streamKey(p), groupName, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group for %s: %w", p, err)
		}
	}
	return nil
}

func streamKey(p models.Priority) string {
	return keyPrefix + "stream:" + p.String()
}

func (r *Redis) Name() string { return "redis" }

// Submit enqueues a job, holding it in the delayed set when its
// availability lies in the future. The queued membership set makes
// outbox retries no-ops; membership and enqueue commit atomically so a
// retry never observes one without the other.
func (r *Redis) Submit(ctx context.Context, sub Submission) error {
	member, err := r.client.SIsMember(ctx, queuedSet, sub.JobID).Result()
	if err != nil {
		return fmt.Errorf("check queued: %w", err)
	}
	if member {
		return nil
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, queuedSet, sub.JobID)
		if sub.AvailableAt.After(time.Now().Add(50 * time.Millisecond)) {
			pipe.ZAdd(ctx, delayedKey, redis.Z{
				Score:  float64(sub.AvailableAt.UnixMilli()),
				Member: encodeDelayed(sub),
			})
			return nil
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(sub.Priority),
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"job_id":       sub.JobID,
				"submitted_at": strconv.FormatInt(sub.SubmittedAt.UnixNano(), 10),
			},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", sub.JobID, err)
	}
	return nil
}

func (r *Redis) append(ctx context.Context, sub Submission) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(sub.Priority),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"job_id":       sub.JobID,
			"submitted_at": strconv.FormatInt(sub.SubmittedAt.UnixNano(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append to %s stream: %w", sub.Priority, err)
	}
	return nil
}

// Claim promotes due delayed entries, reclaims entries idle past the
// visibility TTL, then reads new entries, highest priority first.
// Blocks briefly when nothing is immediately available.
func (r *Redis) Claim(ctx context.Context, consumerID string, n int, visibilityTTL time.Duration) ([]Claim, error) {
	if n <= 0 {
		n = 1
	}
	if err := r.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	var out []Claim
	for _, p := range claimPriorities {
		if len(out) >= n {
			break
		}
		msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   streamKey(p),
			Group:    groupName,
			Consumer: consumerID,
			MinIdle:  visibilityTTL,
			Start:    "0-0",
			Count:    int64(n - len(out)),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("autoclaim %s: %w", p, err)
		}
		out = r.appendClaims(ctx, out, p, msgs, n)
	}
	if len(out) >= n {
		return out, nil
	}

	// Block only when completely empty-handed.
	block := claimBlock
	if len(out) > 0 {
		block = -1
	}
	streams := make([]string, 0, 6)
	for _, p := range claimPriorities {
		streams = append(streams, streamKey(p))
	}
	for range claimPriorities {
		streams = append(streams, ">")
	}
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: consumerID,
		Streams:  streams,
		Count:    int64(n - len(out)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		return nil, fmt.Errorf("read group: %w", err)
	}
	for _, stream := range res {
		p := priorityOfStream(stream.Stream)
		out = r.appendClaims(ctx, out, p, stream.Messages, n)
	}
	return out, nil
}

// appendClaims converts messages to claims up to the cap; entries past
// the cap are returned to the queue immediately.
func (r *Redis) appendClaims(ctx context.Context, out []Claim, p models.Priority, msgs []redis.XMessage, n int) []Claim {
	for _, msg := range msgs {
		jobID, _ := msg.Values["job_id"].(string)
		if jobID == "" {
			// Malformed entry; settle it so it cannot wedge the group.
			r.client.XAck(ctx, streamKey(p), groupName, msg.ID)
			r.client.XDel(ctx, streamKey(p), msg.ID)
			continue
		}
		c := Claim{JobID: jobID, Token: string(p) + "|" + msg.ID}
		if len(out) >= n {
			_ = r.Nack(ctx, c, 0)
			continue
		}
		out = append(out, c)
	}
	return out
}

// promoteDelayed moves due entries from the delayed set onto their
// streams. ZREM before XADD keeps concurrent promoters from doubling an
// entry; losing the race leaves the other instance to append it.
func (r *Redis) promoteDelayed(ctx context.Context) error {
	now := time.Now().UnixMilli()
	members, err := r.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed: %w", err)
	}
	for _, member := range members {
		removed, err := r.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("remove delayed: %w", err)
		}
		if removed == 0 {
			continue
		}
		sub, err := decodeDelayed(member)
		if err != nil {
			continue
		}
		if err := r.append(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

// Ack settles a stream entry and clears the job's queued membership.
func (r *Redis) Ack(ctx context.Context, claim Claim) error {
	p, entryID, err := parseToken(claim.Token)
	if err != nil {
		return err
	}
	acked, err := r.client.XAck(ctx, streamKey(p), groupName, entryID).Result()
	if err != nil {
		return fmt.Errorf("ack entry: %w", err)
	}
	r.client.XDel(ctx, streamKey(p), entryID)
	r.client.SRem(ctx, queuedSet, claim.JobID)
	if acked == 0 {
		return ErrUnknownClaim
	}
	return nil
}

// Nack settles the claimed entry and re-enqueues the job, visible after
// delay. The job keeps its queued membership throughout.
func (r *Redis) Nack(ctx context.Context, claim Claim, delay time.Duration) error {
	p, entryID, err := parseToken(claim.Token)
	if err != nil {
		return err
	}
	if _, err := r.client.XAck(ctx, streamKey(p), groupName, entryID).Result(); err != nil {
		return fmt.Errorf("ack entry: %w", err)
	}
	r.client.XDel(ctx, streamKey(p), entryID)

	sub := Submission{
		JobID:       claim.JobID,
		Priority:    p,
		AvailableAt: time.Now().Add(delay),
		SubmittedAt: time.Now(),
	}
	if delay > 0 {
		err := r.client.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(sub.AvailableAt.UnixMilli()),
			Member: encodeDelayed(sub),
		}).Err()
		if err != nil {
			return fmt.Errorf("requeue delayed: %w", err)
		}
		return nil
	}
	return r.append(ctx, sub)
}

// Depth reports stream lengths per priority plus delayed entries.
func (r *Redis) Depth(ctx context.Context) (map[models.Priority]int, error) {
	depths := make(map[models.Priority]int, 3)
	for _, p := range claimPriorities {
		n, err := r.client.XLen(ctx, streamKey(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("stream length %s: %w", p, err)
		}
		depths[p] = int(n)
	}
	members, err := r.client.ZRange(ctx, delayedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("delayed members: %w", err)
	}
	for _, member := range members {
		if sub, err := decodeDelayed(member); err == nil {
			depths[sub.Priority]++
		}
	}
	return depths, nil
}

// Health pings the server.
func (r *Redis) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func encodeDelayed(sub Submission) string {
	return string(sub.Priority) + "|" + sub.JobID + "|" + strconv.FormatInt(sub.SubmittedAt.UnixNano(), 10)
}

func decodeDelayed(member string) (Submission, error) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return Submission{}, fmt.Errorf("malformed delayed member: %q", member)
	}
	p := models.Priority(parts[0])
	if !p.Valid() {
		return Submission{}, fmt.Errorf("malformed delayed priority: %q", parts[0])
	}
	nano, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Submission{}, fmt.Errorf("malformed delayed timestamp: %q", parts[2])
	}
	return Submission{
		JobID:       parts[1],
		Priority:    p,
		AvailableAt: time.Now(),
		SubmittedAt: time.Unix(0, nano),
	}, nil
}

func parseToken(token string) (models.Priority, string, error) {
	parts := strings.SplitN(token, "|", 2)
	if len(parts) != 2 {
		return "", "", ErrUnknownClaim
	}
	p := models.Priority(parts[0])
	if !p.Valid() {
		return "", "", ErrUnknownClaim
	}
	return p, parts[1], nil
}

func priorityOfStream(stream string) models.Priority {
	return models.Priority(strings.TrimPrefix(stream, keyPrefix+"stream:"))
}
