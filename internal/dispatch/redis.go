// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
	"github.com/flyingrobots/dubcast-job-server/internal/redisclient"
)

// RedisDispatchConfig configures the durable stream backend.
type RedisDispatchConfig struct {
	URL           string
	StreamPrefix  string // one stream per priority: "<prefix>:high", ":medium", ":low"
	ConsumerGroup string
	ClaimMinIdle  time.Duration
	BlockTimeout  time.Duration
}

// RedisDispatch durably queues jobs on three Redis Streams, one per
// priority, each with a single consumer group. Claim drains high
// before medium before low, then blocks on all three.
type RedisDispatch struct {
	client        *redis.Client
	cfg           RedisDispatchConfig
	consumerGroup string
}

func streamsByPriority(prefix string) map[metastore.Priority]string {
	return map[metastore.Priority]string{
		metastore.PriorityHigh:   prefix + ":high",
		metastore.PriorityMedium: prefix + ":medium",
		metastore.PriorityLow:    prefix + ":low",
	}
}

func NewRedisDispatch(ctx context.Context, cfg RedisDispatchConfig) (*RedisDispatch, error) {
	client, err := redisclient.New(redisclient.Options{URL: cfg.URL})
	if err != nil {
		return nil, errs.New("NewRedisDispatch", errs.Fatal, fmt.Errorf("invalid redis url: %w", err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errs.New("NewRedisDispatch", errs.Transient, fmt.Errorf("redis ping failed: %w", err))
	}

	r := &RedisDispatch{client: client, cfg: cfg, consumerGroup: cfg.ConsumerGroup}
	for _, stream := range streamsByPriority(cfg.StreamPrefix) {
		if err := r.ensureConsumerGroup(ctx, stream); err != nil {
			return nil, errs.New("NewRedisDispatch", errs.Fatal, err)
		}
	}
	return r, nil
}

// ensureConsumerGroup creates the consumer group with XGROUP CREATE
// ... MKSTREAM, which also creates the stream key if it does not exist
// yet; a BUSYGROUP reply (group already exists) counts as success.
func (r *RedisDispatch) ensureConsumerGroup(ctx context.Context, stream string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "0").Err()
	if err == nil {
		return nil
	}
	var busy = "BUSYGROUP Consumer Group name already exists"
	if err.Error() == busy {
		return nil
	}
	return fmt.Errorf("failed to ensure consumer group on %s: %w", stream, err)
}

func (r *RedisDispatch) Submit(ctx context.Context, jobID string, priority metastore.Priority, availableAt time.Time) error {
	stream := streamsByPriority(r.cfg.StreamPrefix)[priority]
	if stream == "" {
		return errs.New("RedisDispatch.Submit", errs.Validation, fmt.Errorf("unknown priority %q", priority))
	}
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"job_id":       jobID,
			"available_at": availableAt.UTC().Format(time.RFC3339Nano),
		},
	}
	// Streams have no native delayed-delivery primitive; Claim filters
	// entries whose available_at is still in the future and leaves them
	// pending for a later pass.
	if _, err := r.client.XAdd(ctx, args).Result(); err != nil {
		return errs.New("RedisDispatch.Submit", errs.Transient, fmt.Errorf("xadd %s: %w", stream, err))
	}
	return nil
}

func encodeClaimToken(stream, messageID string) string {
	return stream + "|" + messageID
}

func decodeClaimToken(token string) (stream, messageID string, err error) {
	for i := 0; i < len(token); i++ {
		if token[i] == '|' {
			return token[:i], token[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed claim token %q", token)
}

// Claim reclaims idle-pending entries first, then reads fresh ones,
// checking high before medium before low on every pass.
func (r *RedisDispatch) Claim(ctx context.Context, consumer string, n int, visibilityTTL time.Duration) ([]Claim, error) {
	streams := []string{
		streamsByPriority(r.cfg.StreamPrefix)[metastore.PriorityHigh],
		streamsByPriority(r.cfg.StreamPrefix)[metastore.PriorityMedium],
		streamsByPriority(r.cfg.StreamPrefix)[metastore.PriorityLow],
	}

	var claims []Claim
	for _, stream := range streams {
		if len(claims) >= n {
			break
		}
		reclaimed, err := r.claimPending(ctx, stream, consumer, n-len(claims))
		if err != nil {
			return nil, errs.New("RedisDispatch.Claim", errs.Transient, err)
		}
		claims = append(claims, reclaimed...)
	}
	if len(claims) >= n {
		return claims, nil
	}

	block := r.cfg.BlockTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < block {
			block = remaining
		}
	}
	args := &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumer,
		Streams:  append(append([]string{}, streams...), ">", ">", ">"),
		Count:    int64(n - len(claims)),
		Block:    block,
	}
	res, err := r.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return claims, nil
		}
		return claims, nil // timed out or transient; caller retries
	}
	now := time.Now().UTC()
	for _, s := range res {
		for _, msg := range s.Messages {
			availableAt := parseAvailableAt(msg.Values)
			if availableAt.After(now) {
				// Not ready yet; leave pending, it'll be reclaimed once due.
				continue
			}
			jobID, _ := msg.Values["job_id"].(string)
			claims = append(claims, Claim{JobID: jobID, ClaimToken: encodeClaimToken(s.Stream, msg.ID)})
			if len(claims) >= n {
				return claims, nil
			}
		}
	}
	return claims, nil
}

func parseAvailableAt(values map[string]interface{}) time.Time {
	raw, ok := values["available_at"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r *RedisDispatch) claimPending(ctx context.Context, stream, consumer string, count int) ([]Claim, error) {
	if count <= 0 || r.cfg.ClaimMinIdle <= 0 {
		return nil, nil
	}
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s: %w", stream, err)
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= r.cfg.ClaimMinIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    r.consumerGroup,
		Consumer: consumer,
		MinIdle:  r.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	claims := make([]Claim, 0, len(msgs))
	now := time.Now().UTC()
	for _, msg := range msgs {
		if parseAvailableAt(msg.Values).After(now) {
			continue // not due yet; stays pending for a later pass
		}
		jobID, _ := msg.Values["job_id"].(string)
		claims = append(claims, Claim{JobID: jobID, ClaimToken: encodeClaimToken(stream, msg.ID)})
	}
	return claims, nil
}

func (r *RedisDispatch) Ack(ctx context.Context, jobID, claimToken string) error {
	stream, messageID, err := decodeClaimToken(claimToken)
	if err != nil {
		return errs.New("RedisDispatch.Ack", errs.Validation, err)
	}
	if err := r.client.XAck(ctx, stream, r.consumerGroup, messageID).Err(); err != nil {
		return errs.New("RedisDispatch.Ack", errs.Transient, fmt.Errorf("xack: %w", err))
	}
	return nil
}

// Nack acks the original delivery (removing it from the PEL) and
// resubmits the job to its origin stream's priority with a delayed
// available_at, to be filtered out by Claim until due.
func (r *RedisDispatch) Nack(ctx context.Context, jobID, claimToken string, delay time.Duration) error {
	stream, messageID, err := decodeClaimToken(claimToken)
	if err != nil {
		return errs.New("RedisDispatch.Nack", errs.Validation, err)
	}
	priority := priorityForStream(stream, r.cfg.StreamPrefix)
	if err := r.client.XAck(ctx, stream, r.consumerGroup, messageID).Err(); err != nil {
		return errs.New("RedisDispatch.Nack", errs.Transient, fmt.Errorf("xack: %w", err))
	}
	return r.Submit(ctx, jobID, priority, time.Now().Add(delay))
}

func priorityForStream(stream, prefix string) metastore.Priority {
	for p, s := range streamsByPriority(prefix) {
		if s == stream {
			return p
		}
	}
	return metastore.PriorityMedium
}

func (r *RedisDispatch) Health(ctx context.Context) HealthStatus {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return HealthDegraded
	}
	return HealthOK
}

func (r *RedisDispatch) Close() error {
	return r.client.Close()
}

func (r *RedisDispatch) QueueDepths(ctx context.Context) (map[string]int64, error) {
	depths := map[string]int64{}
	for priority, stream := range streamsByPriority(r.cfg.StreamPrefix) {
		info, err := r.client.XLen(ctx, stream).Result()
		if err != nil {
			depths[string(priority)] = 0
			continue
		}
		depths[string(priority)] = info
	}
	return depths, nil
}
