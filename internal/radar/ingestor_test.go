package radar

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/serialmux"
	"github.com/banshee-data/trafficwatch/internal/timeutil"
)

func newIngestorUnderTest(t *testing.T) (*Ingestor, *serialmux.MockSerialPort, *bus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := bus.NewWithClient(rdb, nil)
	t.Cleanup(func() { _ = b.Close() })

	port := serialmux.NewBlockingMockSerialPort()
	mux := serialmux.NewSerialMux(port)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	ing := NewIngestor(mux, b, logrus.NewEntry(logger), DefaultThresholds(), timeutil.RealClock{})
	ing.CommandWindow = 5 * time.Millisecond
	return ing, port, b
}

func waitForStats(t *testing.T, cond func(Stats) bool, ing *Ingestor) Stats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := ing.Snapshot()
		if cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats condition not met: %+v", ing.Snapshot())
	return Stats{}
}

func TestIngestorPublishesDetection(t *testing.T) {
	ing, port, b := newIngestorUnderTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.EnsureGroup(ctx, bus.StreamRadar, bus.GroupConsolidator))

	go ing.Run(ctx)
	port.Feed("\"m\",12.3\n")

	waitForStats(t, func(s Stats) bool { return s.Published == 1 }, ing)

	msgs, err := b.ConsumeGroup(ctx, bus.StreamRadar, bus.GroupConsolidator, "test", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	fields := msgs[0].Fields
	assert.Equal(t, "12.3", fields["speed"])
	assert.Equal(t, "low", fields["alert_level"])
	assert.Equal(t, "m", fields["magnitude"])
	assert.Len(t, fields["detection_id"], 8)
	assert.Equal(t, fields["detection_id"], fields["correlation_id"])
	assert.Equal(t, "radar", fields["_source"])
	assert.Equal(t, "csv_quoted", fields["_format"])
	assert.Equal(t, `"m",12.3`, fields["_raw"])
}

func TestIngestorFiltersNoise(t *testing.T) {
	ing, port, b := newIngestorUnderTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.EnsureGroup(ctx, bus.StreamRadar, bus.GroupConsolidator))

	go ing.Run(ctx)
	port.Feed("\"m\",1.5\n")

	s := waitForStats(t, func(s Stats) bool { return s.NoiseFiltered == 1 }, ing)
	assert.Equal(t, int64(0), s.Published)

	msgs, err := b.ConsumeGroup(ctx, bus.StreamRadar, bus.GroupConsolidator, "test", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs, "noise must never reach the stream")
}

func TestIngestorCountsParseFailures(t *testing.T) {
	ing, port, _ := newIngestorUnderTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ing.Run(ctx)
	port.Feed("garbled nonsense line\n\"m\",30.0\n")

	s := waitForStats(t, func(s Stats) bool { return s.Published == 1 }, ing)
	assert.Equal(t, int64(1), s.ParseFailures)
	assert.Equal(t, int64(2), s.LinesRead)
}

func TestIngestorNoiseBoundaryEmitted(t *testing.T) {
	// |speed| exactly at the noise threshold is emitted, not filtered.
	ing, port, b := newIngestorUnderTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.EnsureGroup(ctx, bus.StreamRadar, bus.GroupConsolidator))

	go ing.Run(ctx)
	port.Feed("\"m\",2.0\n")

	s := waitForStats(t, func(s Stats) bool { return s.Published == 1 }, ing)
	assert.Equal(t, int64(0), s.NoiseFiltered)

	msgs, err := b.ConsumeGroup(ctx, bus.StreamRadar, bus.GroupConsolidator, "test", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "low", msgs[0].Fields["alert_level"])
}

func TestIngestorLineDuringConfigurationNotLost(t *testing.T) {
	// A reading arriving while the configuration commands are still in
	// flight must reach the ingest loop once configuration finishes.
	ing, port, b := newIngestorUnderTest(t)
	ing.CommandWindow = 300 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.EnsureGroup(ctx, bus.StreamRadar, bus.GroupConsolidator))

	go ing.Run(ctx)

	// The first command byte on the wire means configuration is underway.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && port.Written() == "" {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, port.Written(), "configuration never started")
	port.Feed("\"m\",12.3\n")

	waitForStats(t, func(s Stats) bool { return s.Published == 1 }, ing)

	msgs, err := b.ConsumeGroup(ctx, bus.StreamRadar, bus.GroupConsolidator, "test", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "12.3", msgs[0].Fields["speed"])
}

func TestIngestorWritesConfigureSequence(t *testing.T) {
	ing, port, _ := newIngestorUnderTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ing.Run(ctx)

	// AE is the last command in the sequence; once it lands the whole
	// sequence is on the wire.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(port.Written(), "AE\r\n") {
		time.Sleep(5 * time.Millisecond)
	}

	written := port.Written()
	assert.Contains(t, written, "OJ\r\n")
	assert.Contains(t, written, "AL2.0\r\n")
	assert.Contains(t, written, "AH26.0\r\n")
	assert.Contains(t, written, "AE\r\n")
}

func TestConfigureSequenceThresholds(t *testing.T) {
	seq := ConfigureSequence(Thresholds{NoiseMph: 2, LowMph: 5, HighMph: 40})
	assert.Equal(t, []string{"OJ", "AL5.0", "AH40.0", "AE"}, seq)
}
