package weather

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/timeutil"
)

const (
	// DefaultInterval is how often the local sensor is sampled.
	DefaultInterval = 600 * time.Second

	// latestTTL bounds how long a stale sample stays visible. A consumer
	// seeing no hash knows the sensor has been down for at least this long.
	latestTTL = time.Hour

	// seriesHorizon is how much sample history the bus retains.
	seriesHorizon = 24 * time.Hour
)

var (
	metricReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_weather_reads_total",
		Help: "Successful local sensor reads.",
	})
	metricReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_weather_read_failures_total",
		Help: "Failed local sensor reads (bus errors excluded).",
	})
)

// Sampler periodically reads the local sensor and publishes the latest sample
// and a rolling series to the bus.
type Sampler struct {
	sensor   *Sensor
	bus      *bus.Bus
	log      *logrus.Entry
	interval time.Duration
	clock    timeutil.Clock

	reads    atomic.Int64
	failures atomic.Int64
}

// SamplerStats is a snapshot of the sampler counters.
type SamplerStats struct {
	Reads    int64 `json:"reads"`
	Failures int64 `json:"failures"`
}

// NewSampler builds the sampling worker. A non-positive interval falls back
// to the default.
func NewSampler(sensor *Sensor, b *bus.Bus, log *logrus.Entry, interval time.Duration, clock timeutil.Clock) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sampler{sensor: sensor, bus: b, log: log, interval: interval, clock: clock}
}

// Snapshot returns a copy of the sampler counters.
func (s *Sampler) Snapshot() SamplerStats {
	return SamplerStats{Reads: s.reads.Load(), Failures: s.failures.Load()}
}

// Run samples immediately, then on every interval tick until ctx is
// cancelled. A failed read is logged and skipped; the previous published
// sample stays visible until its TTL lapses.
func (s *Sampler) Run(ctx context.Context) error {
	s.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.interval):
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	sample, err := s.sensor.Read(s.clock.Now())
	if err != nil {
		s.failures.Add(1)
		metricReadFailures.Inc()
		s.log.WithError(err).Warn("local sensor read failed")
		return
	}
	s.reads.Add(1)
	metricReads.Inc()

	if err := s.Publish(ctx, sample); err != nil {
		s.log.WithError(err).Warn("failed to publish weather sample")
		return
	}
	s.log.WithFields(logrus.Fields{
		"temperature_c": sample.TemperatureC,
		"humidity_pct":  sample.HumidityPct,
	}).Debug("published weather sample")
}

// Publish stores sample as the latest local reading and appends it to the
// rolling series.
func (s *Sampler) Publish(ctx context.Context, sample Sample) error {
	fields := map[string]any{
		"timestamp":     sample.Timestamp,
		"temperature_c": sample.TemperatureC,
		"humidity_pct":  sample.HumidityPct,
		"source":        sample.Source,
	}
	if err := s.bus.SetLatest(ctx, bus.KeyWeatherDHT22, fields, latestTTL); err != nil {
		return err
	}
	return s.bus.AppendSeries(ctx, bus.SeriesWeatherDHT22, sample.Timestamp, sample, seriesHorizon)
}
