// Package bus is the event fabric of the pipeline: a thin surface over Redis
// providing durable streams with consumer groups, best-effort pub/sub,
// latest-value hashes, bounded lists, and trimmed time series. Every other
// component depends only on this package for inter-component traffic.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultDialTimeout = 5 * time.Second

// Bus wraps a Redis client with the pipeline's event-fabric operations.
type Bus struct {
	rdb goredis.UniversalClient
	log *logrus.Entry

	publishes atomic.Int64
	consumes  atomic.Int64
	acks      atomic.Int64
	errors    atomic.Int64
}

// Stats is a point-in-time snapshot of bus activity counters.
type Stats struct {
	StreamPublishes int64 `json:"stream_publishes"`
	EntriesConsumed int64 `json:"entries_consumed"`
	EntriesAcked    int64 `json:"entries_acked"`
	BackendErrors   int64 `json:"backend_errors"`
}

// New connects to the Redis backend at addr and verifies the connection with
// a ping before returning.
func New(ctx context.Context, addr string, log *logrus.Entry) (*Bus, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultDialTimeout,
		WriteTimeout: defaultDialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, backendErr("ping redis", err)
	}
	return NewWithClient(rdb, log), nil
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(rdb goredis.UniversalClient, log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{rdb: rdb, log: log}
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Ping reports whether the backend is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return backendErr("ping redis", err)
	}
	return nil
}

// Snapshot returns a copy of the activity counters.
func (b *Bus) Snapshot() Stats {
	return Stats{
		StreamPublishes: b.publishes.Load(),
		EntriesConsumed: b.consumes.Load(),
		EntriesAcked:    b.acks.Load(),
		BackendErrors:   b.errors.Load(),
	}
}

// PublishPubSub publishes payload as JSON on a fire-and-forget channel.
func (b *Bus) PublishPubSub(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return decodeErr(fmt.Sprintf("marshal pubsub payload for %s", channel), err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		b.errors.Add(1)
		return backendErr(fmt.Sprintf("publish to %s", channel), err)
	}
	return nil
}

// SubscribePubSub subscribes to the given channels and invokes handler for
// every message until ctx is cancelled. Each subscriber receives its own
// delivery; a slow handler only delays this subscription.
func (b *Bus) SubscribePubSub(ctx context.Context, handler func(channel string, payload []byte), channels ...string) error {
	sub := b.rdb.Subscribe(ctx, channels...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return backendErr(fmt.Sprintf("subscribe to %v", channels), err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return backendErr(fmt.Sprintf("subscription to %v closed", channels), context.Canceled)
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// SetLatest stores a last-writer-wins hash under key with an optional expiry.
func (b *Bus) SetLatest(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.errors.Add(1)
		return backendErr(fmt.Sprintf("hset %s", key), err)
	}
	return nil
}

// GetLatest reads a latest-value hash. A missing key yields a nil map and no
// error.
func (b *Bus) GetLatest(ctx context.Context, key string) (map[string]string, error) {
	fields, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		b.errors.Add(1)
		return nil, backendErr(fmt.Sprintf("hgetall %s", key), err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// PushBoundedList prepends value (as JSON) to key and trims the list to the
// cap most recent entries.
func (b *Bus) PushBoundedList(ctx context.Context, key string, value any, cap int64) error {
	data, err := json.Marshal(value)
	if err != nil {
		return decodeErr(fmt.Sprintf("marshal list entry for %s", key), err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, cap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		b.errors.Add(1)
		return backendErr(fmt.Sprintf("lpush %s", key), err)
	}
	return nil
}

// RecentList returns up to limit of the most recent entries pushed to key,
// newest first.
func (b *Bus) RecentList(ctx context.Context, key string, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	vals, err := b.rdb.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		b.errors.Add(1)
		return nil, backendErr(fmt.Sprintf("lrange %s", key), err)
	}
	return vals, nil
}

// IncrementFields applies float deltas to a hash's fields atomically, with an
// optional expiry. Used for rollup counters.
func (b *Bus) IncrementFields(ctx context.Context, key string, deltas map[string]float64, ttl time.Duration) error {
	pipe := b.rdb.TxPipeline()
	for field, delta := range deltas {
		pipe.HIncrByFloat(ctx, key, field, delta)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.errors.Add(1)
		return backendErr(fmt.Sprintf("hincrbyfloat %s", key), err)
	}
	return nil
}

// AppendSeries adds member to a score-ordered time series at the given unix
// timestamp and drops entries older than the horizon.
func (b *Bus) AppendSeries(ctx context.Context, key string, ts float64, member any, horizon time.Duration) error {
	data, err := json.Marshal(member)
	if err != nil {
		return decodeErr(fmt.Sprintf("marshal series entry for %s", key), err)
	}
	cutoff := ts - horizon.Seconds()
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: ts, Member: data})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff))
	if _, err := pipe.Exec(ctx); err != nil {
		b.errors.Add(1)
		return backendErr(fmt.Sprintf("zadd %s", key), err)
	}
	return nil
}
