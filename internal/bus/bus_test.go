package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := NewWithClient(rdb, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestPublishConsumeAck(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, StreamRadar, GroupConsolidator))

	id1, err := b.PublishStream(ctx, StreamRadar, map[string]any{"speed": "12.3", "detection_id": "aa11bb22"})
	require.NoError(t, err)
	id2, err := b.PublishStream(ctx, StreamRadar, map[string]any{"speed": "30.0", "detection_id": "cc33dd44"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	msgs, err := b.ConsumeGroup(ctx, StreamRadar, GroupConsolidator, "consumer-a", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Per-group FIFO: entries arrive in publish order.
	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, "12.3", msgs[0].Fields["speed"])
	assert.Equal(t, id2, msgs[1].ID)

	require.NoError(t, b.Ack(ctx, StreamRadar, GroupConsolidator, msgs[0].ID, msgs[1].ID))

	// Double ack is safe.
	require.NoError(t, b.Ack(ctx, StreamRadar, GroupConsolidator, msgs[0].ID))

	stats := b.Snapshot()
	assert.Equal(t, int64(2), stats.StreamPublishes)
	assert.Equal(t, int64(2), stats.EntriesConsumed)
	assert.Equal(t, int64(3), stats.EntriesAcked)
}

func TestEnsureGroupIdempotent(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, StreamConsolidated, GroupPersister))
	// BUSYGROUP on re-creation is a no-op.
	require.NoError(t, b.EnsureGroup(ctx, StreamConsolidated, GroupPersister))
}

func TestUnackedEntriesRedelivered(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, StreamConsolidated, GroupPersister))

	id, err := b.PublishStream(ctx, StreamConsolidated, map[string]any{"data": "{}", "correlation_id": "aa11bb22"})
	require.NoError(t, err)

	// First consumer reads but never acks.
	msgs, err := b.ConsumeGroup(ctx, StreamConsolidated, GroupPersister, "persister-1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Restarted consumer drains its pending entries before new ones.
	pending, err := b.ConsumePending(ctx, StreamConsolidated, GroupPersister, "persister-1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	require.NoError(t, b.Ack(ctx, StreamConsolidated, GroupPersister, id))

	pending, err = b.ConsumePending(ctx, StreamConsolidated, GroupPersister, "persister-1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConsumeGroupEmpty(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, StreamRadar, GroupConsolidator))

	msgs, err := b.ConsumeGroup(ctx, StreamRadar, GroupConsolidator, "consumer-a", 10, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSetGetLatest(t *testing.T) {
	b, mr := newTestBus(t)
	ctx := context.Background()

	err := b.SetLatest(ctx, KeyWeatherDHT22, map[string]any{
		"temperature_c": "21.5",
		"humidity_pct":  "48.0",
		"source":        "local",
	}, time.Hour)
	require.NoError(t, err)

	got, err := b.GetLatest(ctx, KeyWeatherDHT22)
	require.NoError(t, err)
	assert.Equal(t, "21.5", got["temperature_c"])
	assert.Equal(t, "48.0", got["humidity_pct"])

	// TTL applied
	mr.FastForward(2 * time.Hour)
	got, err = b.GetLatest(ctx, KeyWeatherDHT22)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetLatestMissingKey(t *testing.T) {
	b, _ := newTestBus(t)

	got, err := b.GetLatest(context.Background(), "weather:nothing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPushBoundedListTrims(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.PushBoundedList(ctx, "traffic:recent:test", map[string]int{"n": i}, 5))
	}

	vals, err := b.RecentList(ctx, "traffic:recent:test", 100)
	require.NoError(t, err)
	require.Len(t, vals, 5)
	// Newest first.
	assert.JSONEq(t, `{"n":9}`, vals[0])
	assert.JSONEq(t, `{"n":5}`, vals[4])
}

func TestAppendSeriesTrimsHorizon(t *testing.T) {
	b, mr := newTestBus(t)
	ctx := context.Background()

	now := float64(time.Now().Unix())
	old := now - (25 * time.Hour).Seconds()

	require.NoError(t, b.AppendSeries(ctx, "weather:series", old, map[string]any{"t": 1}, 24*time.Hour))
	require.NoError(t, b.AppendSeries(ctx, "weather:series", now, map[string]any{"t": 2}, 24*time.Hour))

	members, err := mr.ZMembers("weather:series")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Contains(t, members[0], `"t":2`)
}

func TestPubSubRoundTrip(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = b.SubscribePubSub(ctx, func(channel string, payload []byte) {
			received <- channel + ":" + string(payload)
		}, ChannelTrafficEvents)
	}()

	<-ready
	// Subscription setup races with the publish; retry until delivery.
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, b.PublishPubSub(ctx, ChannelTrafficEvents, map[string]string{"event_type": "vehicle_detection"}))
		select {
		case got := <-received:
			assert.Contains(t, got, ChannelTrafficEvents)
			assert.Contains(t, got, "vehicle_detection")
			return
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("pub/sub message never delivered")
			}
		}
	}
}

func TestBackendUnavailableClassification(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := NewWithClient(rdb, nil)
	mr.Close()

	_, err := b.PublishStream(context.Background(), StreamRadar, map[string]any{"speed": "1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendUnavailable), "want ErrBackendUnavailable in chain, got %v", err)
	assert.False(t, errors.Is(err, ErrDecode))
}
