package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/camera"
	"github.com/banshee-data/trafficwatch/internal/radar"
	"github.com/banshee-data/trafficwatch/internal/timeutil"
)

const (
	// batchSize and blockWindow shape each consume call: up to 10 entries,
	// waiting at most a second so shutdown stays responsive.
	batchSize   = 10
	blockWindow = time.Second

	// recentListCap bounds the traffic:recent:consolidated list.
	recentListCap = 100
)

var (
	metricConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_correlator_consumed_total",
		Help: "Radar stream entries consumed.",
	})
	metricGrouped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_correlator_grouped_total",
		Help: "Detections absorbed into an existing vehicle group.",
	})
	metricEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_correlator_emitted_total",
		Help: "Consolidated records published.",
	})
	metricPoison = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_correlator_poison_total",
		Help: "Malformed radar entries acked without processing.",
	})
)

// Correlator is the single-writer worker that turns radar stream entries into
// consolidated records.
type Correlator struct {
	bus      *bus.Bus
	ring     *camera.Ring
	groups   *GroupTable
	log      *logrus.Entry
	consumer string

	consumed atomic.Int64
	grouped  atomic.Int64
	emitted  atomic.Int64
	poison   atomic.Int64
}

// Stats is a snapshot of the correlator counters.
type Stats struct {
	Consumed     int64 `json:"consumed"`
	Grouped      int64 `json:"grouped"`
	Emitted      int64 `json:"emitted"`
	Poison       int64 `json:"poison"`
	ActiveGroups int   `json:"active_groups"`
}

// New builds a correlator reading camera context from ring.
func New(b *bus.Bus, ring *camera.Ring, log *logrus.Entry, clock timeutil.Clock) *Correlator {
	return &Correlator{
		bus:      b,
		ring:     ring,
		groups:   NewGroupTable(clock),
		log:      log,
		consumer: "consolidator-" + consumerHost(),
	}
}

// consumerHost keeps the consumer name stable across restarts so entries left
// pending by a crashed incarnation are redelivered to its replacement.
func consumerHost() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "default"
	}
	return host
}

// Snapshot returns a copy of the correlator counters.
func (c *Correlator) Snapshot() Stats {
	return Stats{
		Consumed:     c.consumed.Load(),
		Grouped:      c.grouped.Load(),
		Emitted:      c.emitted.Load(),
		Poison:       c.poison.Load(),
		ActiveGroups: c.groups.Len(),
	}
}

// Run consumes the radar stream until ctx is cancelled. Entries are acked
// individually: after the consolidated record is published for new groups,
// immediately for duplicates and poison entries. Publish failures leave the
// entry pending for redelivery.
func (c *Correlator) Run(ctx context.Context) error {
	if err := c.bus.EnsureGroup(ctx, bus.StreamRadar, bus.GroupConsolidator); err != nil {
		return err
	}
	c.log.WithField("consumer", c.consumer).Info("correlator consuming radar stream")

	if err := c.drainPending(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := c.bus.ConsumeGroup(ctx, bus.StreamRadar, bus.GroupConsolidator, c.consumer, batchSize, blockWindow)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WithError(err).Warn("radar stream read failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(blockWindow):
			}
			continue
		}
		for _, msg := range msgs {
			if err := c.processMessage(ctx, msg); err != nil {
				c.log.WithError(err).WithField("message_id", msg.ID).Warn("consolidation failed, leaving entry pending")
			}
		}
	}
}

// drainPending replays radar entries delivered to a previous incarnation of
// this consumer but never acked.
func (c *Correlator) drainPending(ctx context.Context) error {
	for {
		msgs, err := c.bus.ConsumePending(ctx, bus.StreamRadar, bus.GroupConsolidator, c.consumer, batchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		c.log.WithField("count", len(msgs)).Info("replaying pending radar entries")
		progressed := false
		for _, msg := range msgs {
			if err := c.processMessage(ctx, msg); err != nil {
				c.log.WithError(err).WithField("message_id", msg.ID).Warn("consolidation failed, leaving entry pending")
			} else {
				progressed = true
			}
		}
		// A wholly failed pass would spin here; let the main loop take over.
		if !progressed {
			return nil
		}
	}
}

// processMessage handles one radar entry end to end. A returned error means
// the entry was deliberately NOT acked.
func (c *Correlator) processMessage(ctx context.Context, msg bus.StreamMessage) error {
	c.consumed.Add(1)
	metricConsumed.Inc()

	det, err := radar.DetectionFromFields(msg.Fields)
	if err != nil {
		c.poison.Add(1)
		metricPoison.Inc()
		c.log.WithError(err).WithField("message_id", msg.ID).Warn("dropping malformed radar entry")
		return c.ack(ctx, msg.ID)
	}

	group, created := c.groups.Observe(det)
	if !created {
		c.grouped.Add(1)
		metricGrouped.Inc()
		c.log.WithFields(logrus.Fields{
			"group_id":        group.ID,
			"detection_id":    det.DetectionID,
			"detection_count": group.DetectionCount,
			"speed_trend":     group.SpeedTrend,
		}).Debug("detection joined existing group")
		return c.ack(ctx, msg.ID)
	}

	record := BuildRecord(det, group, c.ring.Recent(), c.weatherSnapshot(ctx))

	data, err := json.Marshal(record)
	if err != nil {
		// Cannot happen for our own record type, but never leave an
		// unserializable entry pending forever.
		c.poison.Add(1)
		metricPoison.Inc()
		c.log.WithError(err).WithField("message_id", msg.ID).Error("consolidated record not serializable")
		return c.ack(ctx, msg.ID)
	}

	if _, err := c.bus.PublishStream(ctx, bus.StreamConsolidated, map[string]any{
		"data":           string(data),
		"correlation_id": record.CorrelationID,
		"timestamp":      record.Timestamp,
	}); err != nil {
		return err
	}
	c.emitted.Add(1)
	metricEmitted.Inc()

	// Observers get a lightweight nudge; failures here never block the ack.
	if err := c.bus.PublishPubSub(ctx, bus.ChannelConsolidatedQueued, map[string]any{
		"consolidation_id": record.ConsolidationID,
		"correlation_id":   record.CorrelationID,
		"timestamp":        record.Timestamp,
	}); err != nil {
		c.log.WithError(err).Debug("consolidated_data_queued publish failed")
	}
	if err := c.bus.PublishPubSub(ctx, bus.ChannelRealtime, map[string]any{
		"event_type":     "consolidated_record",
		"correlation_id": record.CorrelationID,
		"record":         record,
	}); err != nil {
		c.log.WithError(err).Debug("real_time_event publish failed")
	}
	if err := c.bus.PushBoundedList(ctx, bus.ListRecentPrefix+"consolidated", record, recentListCap); err != nil {
		c.log.WithError(err).Debug("recent consolidated list push failed")
	}
	if err := UpdateRollup(ctx, c.bus, det); err != nil {
		c.log.WithError(err).Debug("hourly rollup update failed")
	}

	c.log.WithFields(logrus.Fields{
		"consolidation_id": record.ConsolidationID,
		"correlation_id":   record.CorrelationID,
		"speed_mph":        det.SpeedMph,
		"alert_level":      det.AlertLevel,
		"method":           record.ProcessingMetadata.ConsolidationMethod,
	}).Info("consolidated record published")

	return c.ack(ctx, msg.ID)
}

func (c *Correlator) ack(ctx context.Context, id string) error {
	if err := c.bus.Ack(ctx, bus.StreamRadar, bus.GroupConsolidator, id); err != nil {
		return err
	}
	return nil
}

// weatherSnapshot reads the latest local and airport observations. A bus
// failure degrades to an empty snapshot rather than blocking consolidation.
func (c *Correlator) weatherSnapshot(ctx context.Context) WeatherData {
	var w WeatherData
	local, err := c.bus.GetLatest(ctx, bus.KeyWeatherDHT22)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.WithError(err).Debug("local weather snapshot failed")
	}
	airport, err := c.bus.GetLatest(ctx, bus.KeyWeatherAirport)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.WithError(err).Debug("airport weather snapshot failed")
	}
	w.Local = local
	w.Airport = airport
	return w
}
