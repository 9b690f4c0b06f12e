// Package api exposes the query surface: consolidated vehicle reads, current
// weather, recent events, the WebSocket endpoint, and operational routes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/trafficwatch/internal/broker"
	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/db"
)

// CorrelationHeader carries the per-request correlation ID on every
// response.
const CorrelationHeader = "X-Correlation-ID"

// Server serves the HTTP query surface.
type Server struct {
	bus   *bus.Bus
	store *db.DB
	hub   *broker.Hub
	log   *logrus.Entry
}

// NewServer builds the query server. hub may be nil when the realtime broker
// is disabled.
func NewServer(b *bus.Bus, store *db.DB, hub *broker.Hub, log *logrus.Entry) *Server {
	return &Server{bus: b, store: store, hub: hub, log: log}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/api/vehicles/consolidated", s.listConsolidated)
	mux.HandleFunc("/api/weather/current", s.currentWeather)
	mux.HandleFunc("/api/events/recent", s.recentEvents)
	mux.HandleFunc("/charts/speeds", s.speedChart)
	mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.ServeWS)
	}
	return mux
}

// Handler wraps the route table with the correlation and logging
// middlewares.
func (s *Server) Handler() http.Handler {
	return CorrelationMiddleware(s.LoggingMiddleware(s.ServeMux()))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// CorrelationMiddleware assigns every request a correlation ID, honoring one
// supplied by the caller.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, correlationID)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs method, path, status, and duration per request.
func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{w, http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         rec.statusCode,
			"duration_ms":    float64(time.Since(start).Nanoseconds()) / 1e6,
			"correlation_id": rec.Header().Get(CorrelationHeader),
		}).Debug("http request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Warn("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}

// health reports whether the bus and store are reachable. Degraded
// dependencies surface as 503 so load checks notice.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := map[string]any{
		"status":    "ok",
		"timestamp": float64(time.Now().UnixNano()) / 1e9,
	}
	status := http.StatusOK

	if err := s.bus.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["redis"] = "down"
		status = http.StatusServiceUnavailable
	} else {
		body["redis"] = "up"
	}

	if err := s.store.PingContext(ctx); err != nil {
		body["status"] = "degraded"
		body["database"] = "down"
		status = http.StatusServiceUnavailable
	} else {
		body["database"] = "up"
	}

	if s.hub != nil {
		body["websocket"] = s.hub.Stats()
	}
	s.writeJSON(w, status, body)
}

// listConsolidated serves GET /api/vehicles/consolidated?limit&since.
func (s *Server) listConsolidated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}

	var since float64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be a unix timestamp")
			return
		}
		since = v
	}

	events, err := s.store.RecentConsolidated(r.Context(), limit, since)
	if err != nil {
		s.log.WithError(err).Error("consolidated query failed")
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []db.StoredEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"total_count": len(events),
		"timestamp":   float64(time.Now().UnixNano()) / 1e9,
	})
}

// currentWeather serves the latest observation per source.
func (s *Server) currentWeather(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	local, err := s.bus.GetLatest(ctx, bus.KeyWeatherDHT22)
	if err != nil {
		s.log.WithError(err).Error("local weather read failed")
		s.writeError(w, http.StatusInternalServerError, "weather read failed")
		return
	}
	airport, err := s.bus.GetLatest(ctx, bus.KeyWeatherAirport)
	if err != nil {
		s.log.WithError(err).Error("airport weather read failed")
		s.writeError(w, http.StatusInternalServerError, "weather read failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"local":     local,
		"airport":   airport,
		"timestamp": float64(time.Now().UnixNano()) / 1e9,
	})
}

// recentEvents serves the most recent consolidated records from the bounded
// Redis list the correlator maintains, so reads stay off the database on the
// hot path. When the list is empty (cold start, flushed Redis) the persisted
// detections answer instead.
func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	raws, err := s.bus.RecentList(r.Context(), bus.ListRecentPrefix+"consolidated", int64(limit))
	if err != nil {
		s.log.WithError(err).Warn("recent consolidated list read failed, falling back to store")
	}
	if len(raws) > 0 {
		events := make([]json.RawMessage, 0, len(raws))
		for _, raw := range raws {
			events = append(events, json.RawMessage(raw))
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"events":      events,
			"total_count": len(events),
			"source":      "live",
			"timestamp":   float64(time.Now().UnixNano()) / 1e9,
		})
		return
	}

	detections, err := s.store.RecentDetections(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("recent events query failed")
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if detections == nil {
		detections = []db.DetectionRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":      detections,
		"total_count": len(detections),
		"source":      "store",
		"timestamp":   float64(time.Now().UnixNano()) / 1e9,
	})
}
