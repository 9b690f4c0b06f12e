package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"context"

	goredis "github.com/redis/go-redis/v9"
)

// Stream and key names shared across the pipeline.
const (
	StreamRadar        = "traffic:radar"
	StreamConsolidated = "traffic:consolidated"

	GroupConsolidator = "consolidator-group"
	GroupPersister    = "persister-group"

	ChannelTrafficEvents      = "traffic_events"
	ChannelCameraDetections   = "camera_detections"
	ChannelSystemLog          = "system_log"
	ChannelConsolidatedQueued = "consolidated_data_queued"
	ChannelRealtime           = "real_time_event"

	KeyWeatherDHT22   = "weather:dht22"
	KeyWeatherAirport = "weather:airport:latest"

	SeriesWeatherDHT22 = "weather:series:dht22"

	ListRecentPrefix = "traffic:recent:"
)

// StreamMessage is one entry read from a durable stream.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// PublishStream appends fields to a durable stream and returns the generated
// monotonic entry ID.
func (b *Bus) PublishStream(ctx context.Context, stream string, fields map[string]any) (string, error) {
	id, err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()
	if err != nil {
		b.errors.Add(1)
		return "", backendErr(fmt.Sprintf("xadd %s", stream), err)
	}
	b.publishes.Add(1)
	return id, nil
}

// EnsureGroup creates the consumer group on stream, creating the stream if it
// does not exist yet. An already-existing group is a no-op.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return backendErr(fmt.Sprintf("create group %s on %s", group, stream), err)
	}
	return nil
}

// ConsumeGroup reads up to max entries for the named consumer within group.
// Each entry is delivered to exactly one consumer in the group until acked.
// block bounds how long the call waits for new entries; an empty result after
// the block window is not an error.
func (b *Bus) ConsumeGroup(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]StreamMessage, error) {
	res, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		b.errors.Add(1)
		return nil, backendErr(fmt.Sprintf("xreadgroup %s/%s", stream, group), err)
	}

	var msgs []StreamMessage
	for _, streamRes := range res {
		for _, m := range streamRes.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				s, ok := v.(string)
				if !ok {
					s = fmt.Sprint(v)
				}
				fields[k] = s
			}
			msgs = append(msgs, StreamMessage{ID: m.ID, Fields: fields})
		}
	}
	b.consumes.Add(int64(len(msgs)))
	return msgs, nil
}

// ConsumePending re-reads entries that were delivered to this consumer but
// never acked, oldest first. Used on restart to drain redeliveries before
// reading new entries.
func (b *Bus) ConsumePending(ctx context.Context, stream, group, consumer string, max int64) ([]StreamMessage, error) {
	res, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    max,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		b.errors.Add(1)
		return nil, backendErr(fmt.Sprintf("xreadgroup pending %s/%s", stream, group), err)
	}

	var msgs []StreamMessage
	for _, streamRes := range res {
		for _, m := range streamRes.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				s, ok := v.(string)
				if !ok {
					s = fmt.Sprint(v)
				}
				fields[k] = s
			}
			msgs = append(msgs, StreamMessage{ID: m.ID, Fields: fields})
		}
	}
	b.consumes.Add(int64(len(msgs)))
	return msgs, nil
}

// Ack removes entries from the group's pending list. Acking an already-acked
// entry is safe.
func (b *Bus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		b.errors.Add(1)
		return backendErr(fmt.Sprintf("xack %s/%s", stream, group), err)
	}
	b.acks.Add(int64(len(ids)))
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
