package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RedisStreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	Batch     int64
	Block     time.Duration
	ClaimIdle time.Duration // pending entries idle this long are redelivered
}

// work queue on a Redis Stream consumer group. Entries stay in the group's
// pending list until acknowledged; entries left idle by a crashed or slow
// consumer are reclaimed with XAUTOCLAIM.
type RedisStreamQueue struct {
	rc  redis.UniversalClient
	cfg RedisStreamConfig

	mu          sync.Mutex
	claimCursor string
}

func NewRedisStreamQueue(ctx context.Context, rc redis.UniversalClient, cfg RedisStreamConfig) (*RedisStreamQueue, error) {
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 5 * time.Minute
	}

	q := &RedisStreamQueue{rc: rc, cfg: cfg, claimCursor: "0-0"}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisStreamQueue) ensureGroup(ctx context.Context) error {
	// MKSTREAM lets the group exist before the first message
	err := q.rc.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", q.cfg.Group, q.cfg.Stream, err)
	}
	return nil
}

func (q *RedisStreamQueue) Receive(ctx context.Context) ([]Delivery, error) {
	claimed, err := q.claimIdle(ctx)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := q.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    q.cfg.Batch,
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", q.cfg.Stream, err)
	}

	var deliveries []Delivery
	for _, s := range streams {
		for _, m := range s.Messages {
			deliveries = append(deliveries, redisDelivery(m, 1))
		}
	}
	return deliveries, nil
}

// claimIdle takes over entries another consumer read but never acknowledged
func (q *RedisStreamQueue) claimIdle(ctx context.Context) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs, next, err := q.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Start:    q.claimCursor,
		Count:    q.cfg.Batch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to auto-claim from stream %s: %w", q.cfg.Stream, err)
	}
	q.claimCursor = next
	if q.claimCursor == "" {
		q.claimCursor = "0-0"
	}

	deliveries := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		deliveries = append(deliveries, redisDelivery(m, q.deliveryCount(ctx, m.ID)))
	}
	if len(deliveries) > 0 {
		log.Info().Str("stream", q.cfg.Stream).Int("count", len(deliveries)).Msg("Reclaimed idle stream entries")
	}
	return deliveries, nil
}

func (q *RedisStreamQueue) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.rc.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return int(pending[0].RetryCount)
}

func redisDelivery(m redis.XMessage, count int) Delivery {
	payload, _ := m.Values["payload"].(string)
	return Delivery{
		ID:           m.ID,
		Body:         []byte(payload),
		Receipt:      m.ID,
		ReceiveCount: count,
	}
}

func (q *RedisStreamQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.rc.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.Receipt).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.ID, err)
	}
	return nil
}

// the entry stays pending and is reclaimed after ClaimIdle
func (q *RedisStreamQueue) Release(ctx context.Context, d Delivery) error {
	return nil
}

// re-claiming for ourselves resets the entry's idle time
func (q *RedisStreamQueue) Extend(ctx context.Context, d Delivery, by time.Duration) error {
	err := q.rc.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  0,
		Messages: []string{d.Receipt},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to extend %s: %w", d.ID, err)
	}
	return nil
}

func (q *RedisStreamQueue) Stats(ctx context.Context) (QueueStats, error) {
	length, err := q.rc.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to read stream length: %w", err)
	}
	pending, err := q.rc.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to read pending entries: %w", err)
	}
	return QueueStats{
		Available: length - pending.Count,
		InFlight:  pending.Count,
	}, nil
}

func (q *RedisStreamQueue) Close() error {
	return nil
}

type RedisStreamPublisher struct {
	rc     redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(rc redis.UniversalClient, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{rc: rc, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, rec ResultRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := p.Enqueue(ctx, body); err != nil {
		return fmt.Errorf("failed to publish result for %s: %w", rec.ImageID, err)
	}
	return nil
}

func (p *RedisStreamPublisher) Enqueue(ctx context.Context, body []byte) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"payload": string(body)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.rc.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisStreamPublisher) Close() error {
	return nil
}
