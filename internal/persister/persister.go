// Package persister drains the consolidated stream into the SQLite store and
// enforces the retention policy. Stream entries are acknowledged only after
// the database commit, so a crash between the two replays the entry and the
// idempotent upsert absorbs the duplicate.
package persister

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/correlator"
	"github.com/banshee-data/trafficwatch/internal/db"
	"github.com/banshee-data/trafficwatch/internal/timeutil"
)

const (
	// batchSize and blockWindow shape each consume call.
	batchSize   = 100
	blockWindow = time.Second

	// retentionSweepInterval is how often old rows are purged.
	retentionSweepInterval = time.Hour

	// Write retry backoff bounds.
	retryBaseDelay = time.Second
	retryMaxDelay  = time.Minute
)

// DefaultRetentionDays is how long rows are kept when unconfigured.
const DefaultRetentionDays = 90

var (
	metricPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_persister_persisted_total",
		Help: "Consolidated records committed to the store.",
	})
	metricDeadLetter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_persister_dead_letter_total",
		Help: "Malformed stream entries acked without persisting.",
	})
	metricRetentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_persister_retention_deleted_total",
		Help: "Rows removed by retention sweeps.",
	})
)

// Secondary is an optional mirror store. Failures never block the primary
// path.
type Secondary interface {
	Upsert(ctx context.Context, rec *correlator.ConsolidatedRecord, createdAt float64) error
}

// Persister consumes the consolidated stream into the store.
type Persister struct {
	bus       *bus.Bus
	store     *db.DB
	secondary Secondary
	log       *logrus.Entry
	clock     timeutil.Clock
	consumer  string
	retention time.Duration
	writes    failsafe.Executor[any]

	persisted  atomic.Int64
	deadLetter atomic.Int64
}

// Stats is a snapshot of the persister counters.
type Stats struct {
	Persisted  int64 `json:"persisted"`
	DeadLetter int64 `json:"dead_letter"`
}

// New builds a persister. secondary may be nil; retentionDays <= 0 falls back
// to the default.
func New(b *bus.Bus, store *db.DB, secondary Secondary, log *logrus.Entry, retentionDays int, clock timeutil.Clock) *Persister {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(retryBaseDelay, retryMaxDelay).
		WithMaxRetries(5).
		Build()

	return &Persister{
		bus:       b,
		store:     store,
		secondary: secondary,
		log:       log,
		clock:     clock,
		consumer:  "persister-" + consumerHost(),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		writes:    failsafe.With(retry),
	}
}

// consumerHost names this consumer after the host it runs on. The name must
// be stable across restarts: entries delivered but not acked before a crash
// stay in this consumer's pending list, and drainPending only sees them when
// the restarted process reclaims the same name.
func consumerHost() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "default"
	}
	return host
}

// Snapshot returns a copy of the persister counters.
func (p *Persister) Snapshot() Stats {
	return Stats{Persisted: p.persisted.Load(), DeadLetter: p.deadLetter.Load()}
}

// Run consumes the consolidated stream until ctx is cancelled. Entries left
// pending by a previous incarnation of this consumer are drained first.
func (p *Persister) Run(ctx context.Context) error {
	if err := p.bus.EnsureGroup(ctx, bus.StreamConsolidated, bus.GroupPersister); err != nil {
		return err
	}
	p.log.WithField("consumer", p.consumer).Info("persister consuming consolidated stream")

	if err := p.drainPending(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := p.bus.ConsumeGroup(ctx, bus.StreamConsolidated, bus.GroupPersister, p.consumer, batchSize, blockWindow)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.WithError(err).Warn("consolidated stream read failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(blockWindow):
			}
			continue
		}
		p.handleBatch(ctx, msgs)
	}
}

// drainPending replays entries this consumer took delivery of before a
// restart.
func (p *Persister) drainPending(ctx context.Context) error {
	for {
		msgs, err := p.bus.ConsumePending(ctx, bus.StreamConsolidated, bus.GroupPersister, p.consumer, batchSize)
		if err != nil {
			return fmt.Errorf("drain pending entries: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}
		p.log.WithField("count", len(msgs)).Info("replaying pending consolidated entries")
		if p.handleBatch(ctx, msgs) == 0 {
			// Nothing in the batch could be persisted; spinning here would
			// block startup, so leave the rest pending for the main loop.
			p.log.WithField("count", len(msgs)).Warn("pending entries could not be persisted, deferring")
			return nil
		}
	}
}

func (p *Persister) handleBatch(ctx context.Context, msgs []bus.StreamMessage) int {
	handled := 0
	for _, msg := range msgs {
		if err := p.handleMessage(ctx, msg); err != nil {
			p.log.WithError(err).WithField("message_id", msg.ID).Warn("persist failed, leaving entry pending")
		} else {
			handled++
		}
	}
	return handled
}

// handleMessage persists one entry. A returned error means the entry stays
// pending for redelivery; decode failures are dead-lettered instead.
func (p *Persister) handleMessage(ctx context.Context, msg bus.StreamMessage) error {
	rec, err := decodeRecord(msg.Fields)
	if err != nil {
		p.deadLetter.Add(1)
		metricDeadLetter.Inc()
		p.log.WithError(err).WithField("message_id", msg.ID).Warn("dead-lettering malformed consolidated entry")
		return p.bus.Ack(ctx, bus.StreamConsolidated, bus.GroupPersister, msg.ID)
	}

	createdAt := float64(p.clock.Now().UnixNano()) / 1e9
	err = p.writes.WithContext(ctx).Run(func() error {
		return p.store.UpsertConsolidated(ctx, rec, createdAt)
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ConsolidationID, err)
	}
	p.persisted.Add(1)
	metricPersisted.Inc()

	if p.secondary != nil {
		if err := p.secondary.Upsert(ctx, rec, createdAt); err != nil {
			p.log.WithError(err).WithField("consolidation_id", rec.ConsolidationID).Warn("secondary store upsert failed")
		}
	}

	return p.bus.Ack(ctx, bus.StreamConsolidated, bus.GroupPersister, msg.ID)
}

// decodeRecord parses the consolidated payload out of stream entry fields.
func decodeRecord(fields map[string]string) (*correlator.ConsolidatedRecord, error) {
	data := fields["data"]
	if data == "" {
		return nil, fmt.Errorf("entry has no data field")
	}
	var rec correlator.ConsolidatedRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode consolidated record: %w", err)
	}
	if rec.ConsolidationID == "" {
		return nil, fmt.Errorf("consolidated record missing consolidation_id")
	}
	return &rec, nil
}

// RunRetention deletes expired rows on an hourly cadence and refreshes the
// daily summary. Run alongside Run.
func (p *Persister) RunRetention(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(retentionSweepInterval):
			p.sweepOnce(ctx)
		}
	}
}

func (p *Persister) sweepOnce(ctx context.Context) {
	now := float64(p.clock.Now().UnixNano()) / 1e9
	cutoff := now - p.retention.Seconds()

	counts, err := p.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.log.WithError(err).Warn("retention sweep failed")
	} else {
		var total int64
		for _, n := range counts {
			total += n
		}
		metricRetentionDeleted.Add(float64(total))
		p.log.WithFields(logrus.Fields{
			"consolidated_events": counts["consolidated_events"],
			"traffic_detections":  counts["traffic_detections"],
			"radar_detections":    counts["radar_detections"],
			"cutoff":              cutoff,
		}).Info("retention sweep complete")
	}

	if err := p.store.UpdateDailySummary(ctx, now); err != nil {
		p.log.WithError(err).Warn("daily summary refresh failed")
	}
}
