package persister

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/correlator"
	"github.com/banshee-data/trafficwatch/internal/db"
	"github.com/banshee-data/trafficwatch/internal/radar"
	"github.com/banshee-data/trafficwatch/internal/timeutil"
)

func testHarness(t *testing.T) (*Persister, *bus.Bus, *db.DB, *timeutil.MockClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logrus.NewEntry(logrus.New())
	b, err := bus.New(context.Background(), mr.Addr(), log)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	p := New(b, store, nil, log, 90, clock)
	require.NoError(t, b.EnsureGroup(context.Background(), bus.StreamConsolidated, bus.GroupPersister))
	return p, b, store, clock
}

func testRecord(id string, ts float64) *correlator.ConsolidatedRecord {
	return &correlator.ConsolidatedRecord{
		ConsolidationID: id,
		CorrelationID:   "corr-" + id,
		Timestamp:       ts,
		TriggerSource:   "radar",
		RadarData: correlator.RadarData{
			VehicleDetection: radar.VehicleDetection{
				DetectionID:   "det-" + id,
				CorrelationID: "corr-" + id,
				Timestamp:     ts,
				SpeedMph:      22,
				SpeedMps:      22 * 0.44704,
				AlertLevel:    radar.AlertLow,
				Unit:          "mph",
				Source:        "radar",
			},
			Direction:      "receding",
			GroupID:        "vehicle_1_abcd",
			DetectionCount: 1,
			SpeedTrend:     correlator.TrendInitial,
		},
		CameraData: correlator.CameraData{VehicleCount: 1, FallbackReason: "no_camera_correlation"},
	}
}

func publishRecord(t *testing.T, b *bus.Bus, rec *correlator.ConsolidatedRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = b.PublishStream(context.Background(), bus.StreamConsolidated, map[string]any{
		"data":           string(data),
		"correlation_id": rec.CorrelationID,
		"timestamp":      rec.Timestamp,
	})
	require.NoError(t, err)
}

// consume pulls the next batch into the persister's consumer and handles it.
func consume(t *testing.T, p *Persister) {
	t.Helper()
	ctx := context.Background()
	msgs, err := p.bus.ConsumeGroup(ctx, bus.StreamConsolidated, bus.GroupPersister, p.consumer, batchSize, time.Millisecond)
	require.NoError(t, err)
	p.handleBatch(ctx, msgs)
}

func TestPersistsAndAcks(t *testing.T) {
	p, b, store, _ := testHarness(t)
	ctx := context.Background()

	publishRecord(t, b, testRecord("c1", 1700000000))
	consume(t, p)

	events, err := store.RecentConsolidated(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c1", events[0].ConsolidationID)
	assert.Equal(t, int64(1), p.Snapshot().Persisted)

	pending, err := b.ConsumePending(ctx, bus.StreamConsolidated, bus.GroupPersister, p.consumer, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "entry must be acked after commit")
}

func TestReplayIsIdempotent(t *testing.T) {
	p, b, store, _ := testHarness(t)
	ctx := context.Background()

	rec := testRecord("c1", 1700000000)
	publishRecord(t, b, rec)
	publishRecord(t, b, rec)
	consume(t, p)

	events, err := store.RecentConsolidated(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "replayed consolidation_id collapses to one row")
}

func TestMalformedEntryDeadLettered(t *testing.T) {
	p, b, store, _ := testHarness(t)
	ctx := context.Background()

	_, err := b.PublishStream(ctx, bus.StreamConsolidated, map[string]any{"data": "not json"})
	require.NoError(t, err)
	_, err = b.PublishStream(ctx, bus.StreamConsolidated, map[string]any{"unrelated": "1"})
	require.NoError(t, err)
	consume(t, p)

	events, err := store.RecentConsolidated(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(2), p.Snapshot().DeadLetter)

	pending, err := b.ConsumePending(ctx, bus.StreamConsolidated, bus.GroupPersister, p.consumer, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "dead-lettered entries are still acked")
}

func TestDrainPendingReplaysUnackedEntries(t *testing.T) {
	p, b, store, _ := testHarness(t)
	ctx := context.Background()

	// Deliver entries to this consumer without acking, simulating a crash
	// after delivery.
	for i := 1; i <= 3; i++ {
		publishRecord(t, b, testRecord(fmt.Sprintf("c%d", i), 1700000000))
	}
	msgs, err := b.ConsumeGroup(ctx, bus.StreamConsolidated, bus.GroupPersister, p.consumer, batchSize, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	require.NoError(t, p.drainPending(ctx))

	events, err := store.RecentConsolidated(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	pending, err := b.ConsumePending(ctx, bus.StreamConsolidated, bus.GroupPersister, p.consumer, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRestartPersistsEntriesDeliveredBeforeCrash(t *testing.T) {
	p, b, store, clock := testHarness(t)
	ctx := context.Background()

	// Five records delivered to the first incarnation, which dies before
	// acking any of them.
	for i := 1; i <= 5; i++ {
		publishRecord(t, b, testRecord(fmt.Sprintf("c%d", i), 1700000000))
	}
	msgs, err := b.ConsumeGroup(ctx, bus.StreamConsolidated, bus.GroupPersister, p.consumer, batchSize, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	// A freshly constructed persister stands in for the restarted process.
	// It must reclaim the same consumer name, or the pending entries stay
	// stranded in the dead incarnation's pending list forever.
	restarted := New(b, store, nil, logrus.NewEntry(logrus.New()), 90, clock)
	require.Equal(t, p.consumer, restarted.consumer, "consumer name must be stable across restarts")

	require.NoError(t, restarted.drainPending(ctx))

	events, err := store.RecentConsolidated(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	pending, err := b.ConsumePending(ctx, bus.StreamConsolidated, bus.GroupPersister, restarted.consumer, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetentionSweep(t *testing.T) {
	p, _, store, clock := testHarness(t)
	ctx := context.Background()

	now := float64(clock.Now().Unix())
	old := now - 91*24*3600
	require.NoError(t, store.UpsertConsolidated(ctx, testRecord("old", old), old))
	require.NoError(t, store.UpsertConsolidated(ctx, testRecord("new", now), now))

	p.sweepOnce(ctx)

	events, err := store.RecentConsolidated(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].ConsolidationID)
}
