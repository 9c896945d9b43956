package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// redisClient is the subset of *redis.Client the broker uses.
type redisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisConfig configures a RedisBroker.
type RedisConfig struct {
	URL          string
	Prefix       string
	PollInterval time.Duration
	// Visibility is how long a claimed message may stay unacked before it
	// is scheduled again.
	Visibility time.Duration
}

// RedisBroker keeps message ids in a sorted set scored by visibility time
// and bodies in a hash. A worker claims a message by moving its id from the
// schedule to an in-flight set scored by its deadline; only the worker whose
// removal succeeds runs it. Ack drops the id and body. In-flight ids past
// their deadline go back on the schedule, so delivery is at-least-once.
type RedisBroker struct {
	client     redisClient
	schedKey   string
	flightKey  string
	bodyKey    string
	poll       time.Duration
	visibility time.Duration
	now        func() time.Time
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "queue: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "queue: ping redis")
	}
	return newRedisBroker(client, cfg), nil
}

func newRedisBroker(client redisClient, cfg RedisConfig) *RedisBroker {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "callscore:jobs"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	visibility := cfg.Visibility
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	return &RedisBroker{
		client:     client,
		schedKey:   prefix + ":schedule",
		flightKey:  prefix + ":inflight",
		bodyKey:    prefix + ":bodies",
		poll:       poll,
		visibility: visibility,
		now:        time.Now,
	}
}

// Submit stores the body, then schedules the id.
func (b *RedisBroker) Submit(ctx context.Context, name string, payload any, opts ...Option) error {
	msg, err := newMessage(name, payload, b.now(), opts)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "queue: marshal message")
	}
	if err := b.client.HSet(ctx, b.bodyKey, msg.ID, body).Err(); err != nil {
		return eris.Wrapf(err, "queue: store %s body", name)
	}
	score := float64(msg.VisibleAt.UnixMilli())
	if err := b.client.ZAdd(ctx, b.schedKey, redis.Z{Score: score, Member: msg.ID}).Err(); err != nil {
		return eris.Wrapf(err, "queue: schedule %s", name)
	}
	return nil
}

// Receive polls for the earliest visible message and claims it.
func (b *RedisBroker) Receive(ctx context.Context) (*Message, func() error, error) {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		if err := b.reap(ctx); err != nil {
			return nil, nil, err
		}
		msg, err := b.claim(ctx)
		if err != nil {
			return nil, nil, err
		}
		if msg != nil {
			id := msg.ID
			ack := func() error {
				return b.ack(context.WithoutCancel(ctx), id)
			}
			return msg, ack, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *RedisBroker) claim(ctx context.Context) (*Message, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.schedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(b.now().UnixMilli(), 10),
		Count: 10,
	}).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: range schedule")
	}

	for _, id := range ids {
		// In flight before it leaves the schedule, so a crash in between
		// leaves the id reapable rather than lost.
		deadline := float64(b.now().Add(b.visibility).UnixMilli())
		if err := b.client.ZAdd(ctx, b.flightKey, redis.Z{Score: deadline, Member: id}).Err(); err != nil {
			return nil, eris.Wrap(err, "queue: mark in flight")
		}
		removed, err := b.client.ZRem(ctx, b.schedKey, id).Result()
		if err != nil {
			return nil, eris.Wrap(err, "queue: claim")
		}
		if removed == 0 {
			continue // another worker won
		}

		raw, err := b.client.HGet(ctx, b.bodyKey, id).Result()
		if errors.Is(err, redis.Nil) {
			zap.L().Warn("queue: claimed message without body", zap.String("id", id))
			b.client.ZRem(ctx, b.flightKey, id) //nolint:errcheck
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "queue: load body")
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			zap.L().Error("queue: dropping undecodable message", zap.String("id", id), zap.Error(err))
			b.ack(ctx, id) //nolint:errcheck
			continue
		}
		return &msg, nil
	}
	return nil, nil
}

// reap puts in-flight messages whose deadline has passed back on the
// schedule, visible immediately.
func (b *RedisBroker) reap(ctx context.Context) error {
	now := b.now()
	ids, err := b.client.ZRangeByScore(ctx, b.flightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return eris.Wrap(err, "queue: range in flight")
	}
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, b.flightKey, id).Result()
		if err != nil {
			return eris.Wrap(err, "queue: reap")
		}
		if removed == 0 {
			continue
		}
		score := float64(now.UnixMilli())
		if err := b.client.ZAdd(ctx, b.schedKey, redis.Z{Score: score, Member: id}).Err(); err != nil {
			return eris.Wrapf(err, "queue: reschedule %s", id)
		}
		zap.L().Warn("queue: redelivering unacked message", zap.String("id", id))
	}
	return nil
}

func (b *RedisBroker) ack(ctx context.Context, id string) error {
	if err := b.client.ZRem(ctx, b.flightKey, id).Err(); err != nil {
		return eris.Wrap(err, "queue: ack")
	}
	return eris.Wrap(b.client.HDel(ctx, b.bodyKey, id).Err(), "queue: ack")
}

// Len returns the number of scheduled messages. In-flight ones are not
// counted.
func (b *RedisBroker) Len(ctx context.Context) (int64, error) {
	n, err := b.client.ZCard(ctx, b.schedKey).Result()
	return n, eris.Wrap(err, "queue: zcard")
}

// Close closes the Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
