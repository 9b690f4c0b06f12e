package radar

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/serialmux"
	"github.com/banshee-data/trafficwatch/internal/timeutil"
)

// serialRestartPause is how long the ingestor waits before reopening the read
// loop after a serial I/O error.
const serialRestartPause = time.Second

var (
	metricLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_radar_lines_total",
		Help: "Serial lines received from the radar.",
	})
	metricParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_radar_parse_failures_total",
		Help: "Serial lines that matched no accepted wire format.",
	})
	metricNoise = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_radar_noise_filtered_total",
		Help: "Readings below the noise threshold, never published.",
	})
	metricPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficwatch_radar_detections_published_total",
		Help: "Vehicle detections published to the radar stream.",
	})
)

// Ingestor owns the radar serial port: it configures the device, reads lines,
// parses and classifies them, and publishes detections to the radar stream.
type Ingestor struct {
	mux        serialmux.SerialMuxInterface
	bus        *bus.Bus
	log        *logrus.Entry
	thresholds Thresholds
	clock      timeutil.Clock

	// CommandWindow bounds the wait for each configuration command response.
	// Tests shorten it; production uses the default one-second window.
	CommandWindow time.Duration

	linesRead     atomic.Int64
	parseFailures atomic.Int64
	noiseFiltered atomic.Int64
	published     atomic.Int64
	publishErrors atomic.Int64
}

// Stats is a snapshot of the ingestor's counters for the health surface.
type Stats struct {
	LinesRead     int64 `json:"lines_read"`
	ParseFailures int64 `json:"parse_failures"`
	NoiseFiltered int64 `json:"noise_filtered"`
	Published     int64 `json:"published"`
	PublishErrors int64 `json:"publish_errors"`
}

// NewIngestor builds the radar ingest worker.
func NewIngestor(mux serialmux.SerialMuxInterface, b *bus.Bus, log *logrus.Entry, thresholds Thresholds, clock timeutil.Clock) *Ingestor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Ingestor{
		mux:           mux,
		bus:           b,
		log:           log,
		thresholds:    thresholds,
		clock:         clock,
		CommandWindow: commandResponseWindow,
	}
}

// Snapshot returns a copy of the ingest counters.
func (i *Ingestor) Snapshot() Stats {
	return Stats{
		LinesRead:     i.linesRead.Load(),
		ParseFailures: i.parseFailures.Load(),
		NoiseFiltered: i.noiseFiltered.Load(),
		Published:     i.published.Load(),
		PublishErrors: i.publishErrors.Load(),
	}
}

// Run configures the radar and consumes serial lines until ctx is cancelled.
// Serial I/O errors restart the read loop after a short pause; bus errors are
// logged and never break the loop.
func (i *Ingestor) Run(ctx context.Context) error {
	// The monitor must be live before configuration so command responses can
	// be read back from the port.
	go i.monitorLoop(ctx)

	// Subscribe before configuring: the subscriber channel buffers lines
	// arriving during the command windows, so readings produced while the
	// device is being configured are not lost.
	id, lines := i.mux.Subscribe()
	defer i.mux.Unsubscribe(id)

	Configure(i.mux, i.thresholds, i.log, i.CommandWindow)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			i.handleLine(ctx, line)
		}
	}
}

// monitorLoop keeps the serial read loop alive: an error or EOF from the port
// is logged and the monitor restarted after serialRestartPause.
func (i *Ingestor) monitorLoop(ctx context.Context) {
	for {
		err := i.mux.Monitor(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			i.log.WithError(err).Warn("serial read loop failed, restarting")
		}
		i.clock.Sleep(serialRestartPause)
	}
}

func (i *Ingestor) handleLine(ctx context.Context, line string) {
	i.linesRead.Add(1)
	metricLines.Inc()

	outcome := ParseLine(line, i.clock.Now())
	if !outcome.Parsed() {
		i.parseFailures.Add(1)
		metricParseFailures.Inc()
		i.log.WithField("raw", SanitizeRaw(line)).Debug("dropping unparseable radar line")
		return
	}

	det := NewDetection(outcome.Reading, i.thresholds)
	if det.AlertLevel == AlertNoise {
		i.noiseFiltered.Add(1)
		metricNoise.Inc()
		return
	}

	if err := i.publish(ctx, det); err != nil {
		i.publishErrors.Add(1)
		i.log.WithError(err).WithFields(logrus.Fields{
			"detection_id":   det.DetectionID,
			"correlation_id": det.CorrelationID,
			"speed_mph":      det.SpeedMph,
			"raw":            SanitizeRaw(det.Raw),
		}).Error("failed to publish radar detection")
		return
	}

	i.published.Add(1)
	metricPublished.Inc()
}

func (i *Ingestor) publish(ctx context.Context, det VehicleDetection) error {
	_, err := i.bus.PublishStream(ctx, bus.StreamRadar, map[string]any{
		"speed":          det.SpeedMph,
		"speed_mps":      det.SpeedMps,
		"magnitude":      det.Magnitude,
		"unit":           det.Unit,
		"alert_level":    string(det.AlertLevel),
		"detection_id":   det.DetectionID,
		"correlation_id": det.CorrelationID,
		"_timestamp":     det.Timestamp,
		"_raw":           det.Raw,
		"_source":        det.Source,
		"_format":        string(det.Format),
	})
	if err != nil {
		return err
	}

	// Lightweight observer event; best-effort by design.
	if err := i.bus.PublishPubSub(ctx, bus.ChannelTrafficEvents, map[string]any{
		"event_type":     "vehicle_detection",
		"detection_id":   det.DetectionID,
		"speed_mph":      det.SpeedMph,
		"alert_level":    string(det.AlertLevel),
		"correlation_id": det.CorrelationID,
		"timestamp":      det.Timestamp,
	}); err != nil {
		i.log.WithError(err).WithField("detection_id", det.DetectionID).
			Warn("failed to publish vehicle_detection event")
	}
	return nil
}
