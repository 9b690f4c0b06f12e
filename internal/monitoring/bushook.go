package monitoring

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// LogPublisher is the slice of the event bus the hook needs. Declared here so
// monitoring does not depend on the bus package.
type LogPublisher interface {
	PublishPubSub(ctx context.Context, channel string, payload any) error
}

// LogEvent is the wire form of a log entry broadcast on the system_log
// channel.
type LogEvent struct {
	Level         string         `json:"level"`
	Message       string         `json:"message"`
	Component     string         `json:"component,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     float64        `json:"timestamp"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// BusHook republishes log entries at or above a threshold level to the
// system_log pub/sub channel. Delivery is strictly best-effort: entries are
// queued on a bounded channel and dropped when the queue is full so logging
// can never block a worker or recurse through the bus.
type BusHook struct {
	publisher LogPublisher
	channel   string
	threshold logrus.Level
	queue     chan LogEvent
	dropped   atomic.Int64
	done      chan struct{}
}

const busHookQueueDepth = 256

// NewBusHook creates the hook and starts its drain goroutine. Close the
// returned hook during shutdown to stop the goroutine.
func NewBusHook(publisher LogPublisher, channel string, threshold logrus.Level) *BusHook {
	h := &BusHook{
		publisher: publisher,
		channel:   channel,
		threshold: threshold,
		queue:     make(chan LogEvent, busHookQueueDepth),
		done:      make(chan struct{}),
	}
	go h.drain()
	return h
}

// Levels reports the levels the hook fires for.
func (h *BusHook) Levels() []logrus.Level {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= h.threshold {
			levels = append(levels, l)
		}
	}
	return levels
}

// Fire enqueues the entry for publication. Never blocks.
func (h *BusHook) Fire(entry *logrus.Entry) error {
	ev := LogEvent{
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Timestamp: float64(entry.Time.UnixNano()) / 1e9,
	}
	if len(entry.Data) > 0 {
		ev.Fields = make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			switch k {
			case "component":
				if s, ok := v.(string); ok {
					ev.Component = s
					continue
				}
			case "correlation_id":
				if s, ok := v.(string); ok {
					ev.CorrelationID = s
					continue
				}
			}
			ev.Fields[k] = v
		}
		if len(ev.Fields) == 0 {
			ev.Fields = nil
		}
	}

	select {
	case h.queue <- ev:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Dropped returns the number of entries discarded because the queue was full.
func (h *BusHook) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops the drain goroutine.
func (h *BusHook) Close() {
	close(h.done)
}

func (h *BusHook) drain() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.queue:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			// publish failures are swallowed: the bus already logs its own
			// connectivity problems and re-logging here would loop
			_ = h.publisher.PublishPubSub(ctx, h.channel, ev)
			cancel()
		}
	}
}
