// Package broker fans consolidated records and system log lines out to
// WebSocket subscribers. Delivery is best-effort: a slow subscriber loses
// messages, never the producers. The broker reads from the event bus pub/sub
// side, so realtime delivery and persistence are independent.
package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Subscriber-facing channel names.
const (
	ChannelEvents = "real_time_event"
	ChannelLogs   = "system_log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	clientSendBuffer = 256
	broadcastBuffer  = 256
)

var metricDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "trafficwatch_broker_dropped_total",
	Help: "Messages dropped for slow WebSocket subscribers.",
})

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the wire envelope sent to subscribers.
type Message struct {
	Type          string         `json:"type"`
	Channel       string         `json:"channel"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// subscriptionMessage is a subscribe/unsubscribe request from a client.
type subscriptionMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	log        *logrus.Entry
	mutex      sync.RWMutex
}

// Client is one WebSocket subscriber. Every connection gets its own
// correlation ID at upgrade time.
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	correlationID string
	log           *logrus.Entry

	mu       sync.Mutex
	channels []string
}

// NewHub creates an empty hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

// Run drives registration and fanout until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.log.WithFields(logrus.Fields{
				"client_count":   count,
				"correlation_id": client.correlationID,
			}).Info("websocket client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.log.WithFields(logrus.Fields{
				"client_count":   count,
				"correlation_id": client.correlationID,
			}).Info("websocket client disconnected")

		case message := <-h.broadcast:
			h.fanout(message)
		}
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}

// fanout delivers one message to every subscriber of its channel. A full
// send buffer drops the message for that subscriber only.
func (h *Hub) fanout(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		h.log.WithError(err).Error("unmarshal broadcast message")
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.clients {
		if !client.subscribed(msg.Channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
			metricDropped.Inc()
			h.log.WithField("correlation_id", client.correlationID).Debug("dropping message for slow subscriber")
		}
	}
}

// Broadcast queues an event for fanout. It never blocks; when the hub itself
// is saturated the message is dropped and counted.
func (h *Hub) Broadcast(eventType, channel string, data map[string]any) {
	message, err := json.Marshal(Message{
		Type:      eventType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.WithError(err).Error("marshal broadcast message")
		return
	}
	select {
	case h.broadcast <- message:
	default:
		metricDropped.Inc()
		h.log.Warn("broadcast channel full, dropping message")
	}
}

// Stats summarizes the hub for the health surface.
func (h *Hub) Stats() map[string]any {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	channelCounts := make(map[string]int)
	for client := range h.clients {
		client.mu.Lock()
		for _, channel := range client.channels {
			channelCounts[channel]++
		}
		client.mu.Unlock()
	}
	return map[string]any{
		"total_clients":         len(h.clients),
		"channel_subscriptions": channelCounts,
	}
}

// ServeWS upgrades an HTTP request to a WebSocket subscription. New clients
// start subscribed to the realtime event channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, clientSendBuffer),
		channels:      []string{ChannelEvents},
		correlationID: uuid.NewString(),
		log:           h.log,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()

	client.sendEnvelope(Message{
		Type:          "connection_established",
		Channel:       ChannelEvents,
		Timestamp:     time.Now().UTC(),
		CorrelationID: client.correlationID,
	})
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// readPump consumes subscription requests and pong frames until the peer
// goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Debug("websocket read error")
			}
			return
		}

		var sub subscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.log.WithError(err).Warn("invalid subscription message")
			continue
		}
		c.handleSubscription(&sub)
	}
}

// writePump flushes queued messages and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleSubscription(msg *subscriptionMessage) {
	c.mu.Lock()
	switch msg.Action {
	case "subscribe":
		for _, channel := range msg.Channels {
			already := false
			for _, existing := range c.channels {
				if existing == channel {
					already = true
					break
				}
			}
			if !already {
				c.channels = append(c.channels, channel)
			}
		}
	case "unsubscribe":
		for _, channel := range msg.Channels {
			for i, existing := range c.channels {
				if existing == channel {
					c.channels = append(c.channels[:i], c.channels[i+1:]...)
					break
				}
			}
		}
	default:
		c.mu.Unlock()
		return
	}
	channels := append([]string(nil), c.channels...)
	c.mu.Unlock()

	c.sendEnvelope(Message{
		Type:          "subscription_updated",
		Channel:       ChannelEvents,
		Data:          map[string]any{"channels": channels},
		Timestamp:     time.Now().UTC(),
		CorrelationID: c.correlationID,
	})
}

func (c *Client) sendEnvelope(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Error("marshal client message")
		return
	}
	select {
	case c.send <- payload:
	default:
		metricDropped.Inc()
	}
}
