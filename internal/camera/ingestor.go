// Package camera receives detection events from the external AI camera
// process over the event bus and holds the most recent ones for correlation.
// The camera itself is an opaque external producer; nothing here persists.
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/trafficwatch/internal/bus"
)

// resubscribePause is the delay before re-establishing a dropped bus
// subscription.
const resubscribePause = time.Second

// rawEvent is the wire shape published by the camera process.
type rawEvent struct {
	ImageID   string   `json:"image_id"`
	Timestamp *float64 `json:"timestamp"`
	ImagePath string   `json:"image_path"`
	AIResults struct {
		DetectionCount  int     `json:"detection_count"`
		InferenceTimeMs float64 `json:"inference_time_ms"`
		Detections      []struct {
			ClassName  string  `json:"class_name"`
			Confidence float64 `json:"confidence"`
		} `json:"detections"`
	} `json:"ai_results"`
}

// Ingestor subscribes to the camera channel and normalizes events into the
// shared ring.
type Ingestor struct {
	bus  *bus.Bus
	ring *Ring
	log  *logrus.Entry

	received atomic.Int64
	invalid  atomic.Int64
}

// Stats is a snapshot of the ingest counters.
type Stats struct {
	Received int64 `json:"received"`
	Invalid  int64 `json:"invalid"`
}

// NewIngestor builds the camera ingest worker writing into ring.
func NewIngestor(b *bus.Bus, ring *Ring, log *logrus.Entry) *Ingestor {
	return &Ingestor{bus: b, ring: ring, log: log}
}

// Snapshot returns a copy of the ingest counters.
func (i *Ingestor) Snapshot() Stats {
	return Stats{Received: i.received.Load(), Invalid: i.invalid.Load()}
}

// Run subscribes to the camera channel until ctx is cancelled, resubscribing
// with a short pause when the bus connection drops.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		err := i.bus.SubscribePubSub(ctx, i.handle, bus.ChannelCameraDetections)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			i.log.WithError(err).Warn("camera subscription dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resubscribePause):
		}
	}
}

func (i *Ingestor) handle(_ string, payload []byte) {
	i.received.Add(1)

	det, err := Normalize(payload)
	if err != nil {
		i.invalid.Add(1)
		i.log.WithError(err).WithField("raw", truncate(payload)).Debug("dropping malformed camera event")
		return
	}
	i.ring.Push(det)
}

// Normalize converts a raw camera wire message into a Detection. An event
// with no image ID is rejected; a missing timestamp defaults to now so the
// correlation window still applies.
func Normalize(payload []byte) (Detection, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Detection{}, err
	}
	if raw.ImageID == "" {
		return Detection{}, errors.New("camera event missing image_id")
	}

	ts := float64(time.Now().UnixNano()) / 1e9
	if raw.Timestamp != nil {
		ts = *raw.Timestamp
	}

	det := Detection{
		ImageID:         raw.ImageID,
		Timestamp:       ts,
		VehicleCount:    raw.AIResults.DetectionCount,
		ImagePath:       raw.ImagePath,
		InferenceTimeMs: raw.AIResults.InferenceTimeMs,
	}

	seen := make(map[string]bool)
	for _, d := range raw.AIResults.Detections {
		if d.Confidence > det.PrimaryConfidence {
			det.PrimaryConfidence = d.Confidence
		}
		if d.ClassName != "" && !seen[d.ClassName] {
			seen[d.ClassName] = true
			det.VehicleTypes = append(det.VehicleTypes, d.ClassName)
		}
	}
	return det, nil
}

func truncate(payload []byte) string {
	const max = 120
	if len(payload) > max {
		return string(payload[:max]) + "..."
	}
	return string(payload)
}
