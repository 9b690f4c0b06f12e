package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/trafficwatch/internal/bus"
)

// resubscribePause is the delay before re-establishing a dropped bus
// subscription.
const resubscribePause = time.Second

// Bridge forwards event bus pub/sub traffic into the hub.
type Bridge struct {
	bus *bus.Bus
	hub *Hub
	log *logrus.Entry
}

// NewBridge wires the bus to hub.
func NewBridge(b *bus.Bus, hub *Hub, log *logrus.Entry) *Bridge {
	return &Bridge{bus: b, hub: hub, log: log}
}

// Run subscribes to the realtime and log channels until ctx is cancelled,
// resubscribing with a short pause when the connection drops.
func (br *Bridge) Run(ctx context.Context) error {
	for {
		err := br.bus.SubscribePubSub(ctx, br.handle, bus.ChannelRealtime, bus.ChannelSystemLog)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			br.log.WithError(err).Warn("realtime bridge subscription dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resubscribePause):
		}
	}
}

func (br *Bridge) handle(channel string, payload []byte) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		br.log.WithError(err).WithField("channel", channel).Debug("dropping malformed bus event")
		return
	}

	eventType, _ := data["event_type"].(string)
	switch channel {
	case bus.ChannelSystemLog:
		if eventType == "" {
			eventType = "log_entry"
		}
		br.hub.Broadcast(eventType, ChannelLogs, data)
	default:
		if eventType == "" {
			eventType = "event"
		}
		br.hub.Broadcast(eventType, ChannelEvents, data)
	}
}
