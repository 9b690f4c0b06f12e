package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/correlator"
	"github.com/banshee-data/trafficwatch/internal/db"
	"github.com/banshee-data/trafficwatch/internal/radar"
)

func testServer(t *testing.T) (*Server, *bus.Bus, *db.DB, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logrus.NewEntry(logrus.New())
	b, err := bus.New(context.Background(), mr.Addr(), log)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewServer(b, store, nil, log), b, store, mr
}

func seedRecord(t *testing.T, store *db.DB, id string, ts, speedMph float64) {
	t.Helper()
	rec := &correlator.ConsolidatedRecord{
		ConsolidationID: id,
		CorrelationID:   "corr-" + id,
		Timestamp:       ts,
		TriggerSource:   "radar",
		RadarData: correlator.RadarData{
			VehicleDetection: radar.VehicleDetection{
				DetectionID: "det-" + id,
				Timestamp:   ts,
				SpeedMph:    speedMph,
				AlertLevel:  radar.AlertLow,
			},
			Direction: radar.Direction(speedMph),
		},
	}
	require.NoError(t, store.UpsertConsolidated(context.Background(), rec, ts))
}

func doRequest(t *testing.T, s *Server, path string) (*http.Response, []byte) {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealth(t *testing.T) {
	s, _, _, _ := testServer(t)
	resp, body := doRequest(t, s, "/health")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "up", health["redis"])
	assert.Equal(t, "up", health["database"])
}

func TestHealthDegradedWhenBusDown(t *testing.T) {
	s, _, _, mr := testServer(t)
	mr.Close()

	resp, body := doRequest(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "degraded", health["status"])
	assert.Equal(t, "down", health["redis"])
}

func TestEveryResponseCarriesCorrelationID(t *testing.T) {
	s, _, _, _ := testServer(t)
	resp, _ := doRequest(t, s, "/health")
	assert.NotEmpty(t, resp.Header.Get(CorrelationHeader))
}

func TestInboundCorrelationIDPropagated(t *testing.T) {
	s, _, _, _ := testServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(CorrelationHeader, "caller-supplied")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "caller-supplied", resp.Header.Get(CorrelationHeader))
}

func TestListConsolidated(t *testing.T) {
	s, _, store, _ := testServer(t)
	for i := 1; i <= 5; i++ {
		seedRecord(t, store, string(rune('a'+i-1)), float64(1000+i), 20)
	}

	resp, body := doRequest(t, s, "/api/vehicles/consolidated?limit=3")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Events     []db.StoredEvent `json:"events"`
		TotalCount int              `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 3, out.TotalCount)
	assert.Equal(t, "e", out.Events[0].ConsolidationID, "newest first")
}

func TestListConsolidatedSinceFilter(t *testing.T) {
	s, _, store, _ := testServer(t)
	seedRecord(t, store, "old", 1000, 20)
	seedRecord(t, store, "new", 2000, 20)

	resp, body := doRequest(t, s, "/api/vehicles/consolidated?since=1500")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Events []db.StoredEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Events, 1)
	assert.Equal(t, "new", out.Events[0].ConsolidationID)
}

func TestListConsolidatedRejectsBadParams(t *testing.T) {
	s, _, _, _ := testServer(t)

	resp, _ := doRequest(t, s, "/api/vehicles/consolidated?limit=nope")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, s, "/api/vehicles/consolidated?since=nope")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCurrentWeather(t *testing.T) {
	s, b, _, _ := testServer(t)
	require.NoError(t, b.SetLatest(context.Background(), bus.KeyWeatherDHT22, map[string]any{
		"temperature_c": 21.5, "humidity_pct": 48.0, "source": "local",
	}, time.Hour))

	resp, body := doRequest(t, s, "/api/weather/current")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Local   map[string]string `json:"local"`
		Airport map[string]string `json:"airport"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "21.5", out.Local["temperature_c"])
	assert.Nil(t, out.Airport)
}

func TestRecentEvents(t *testing.T) {
	s, _, store, _ := testServer(t)
	seedRecord(t, store, "c1", 1000, -31.2)

	resp, body := doRequest(t, s, "/api/events/recent")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Events []db.DetectionRow `json:"events"`
		Source string            `json:"source"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "store", out.Source)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "det-c1", out.Events[0].DetectionID)
	assert.Equal(t, "approaching", out.Events[0].Direction)
}

func TestRecentEventsServesLiveList(t *testing.T) {
	s, b, store, _ := testServer(t)
	// Persisted rows exist, but the live list answers first.
	seedRecord(t, store, "old", 1000, 20)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		rec := correlator.ConsolidatedRecord{
			ConsolidationID: fmt.Sprintf("live-%d", i),
			CorrelationID:   fmt.Sprintf("corr-%d", i),
			Timestamp:       float64(2000 + i),
		}
		require.NoError(t, b.PushBoundedList(ctx, bus.ListRecentPrefix+"consolidated", rec, 100))
	}

	resp, body := doRequest(t, s, "/api/events/recent?limit=2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Events     []correlator.ConsolidatedRecord `json:"events"`
		TotalCount int                             `json:"total_count"`
		Source     string                          `json:"source"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "live", out.Source)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "live-3", out.Events[0].ConsolidationID, "newest first")
}

func TestSpeedChartRendersHTML(t *testing.T) {
	s, _, store, _ := testServer(t)
	now := float64(time.Now().Unix())
	seedRecord(t, store, "c1", now-60, 24.5)

	resp, body := doRequest(t, s, "/charts/speeds")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "echarts")
}
