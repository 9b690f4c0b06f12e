package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/timeutil"
)

// AirportPollInterval is how often the external weather endpoint is queried.
// The upstream observation refreshes far less often than the local sensor.
const AirportPollInterval = 15 * time.Minute

// airportResponse is the subset of the upstream payload we keep.
type airportResponse struct {
	TemperatureC *float64 `json:"temperature_c"`
	HumidityPct  *float64 `json:"humidity_pct"`
	Station      string   `json:"station"`
}

// AirportPoller fetches observations from an external weather API and stores
// the latest one on the bus. It is entirely optional; the pipeline degrades
// to local-only weather when it is absent or failing.
type AirportPoller struct {
	url    string
	client *http.Client
	bus    *bus.Bus
	log    *logrus.Entry
	clock  timeutil.Clock
}

// NewAirportPoller builds a poller for url. A nil client gets a sane default.
func NewAirportPoller(url string, client *http.Client, b *bus.Bus, log *logrus.Entry, clock timeutil.Clock) *AirportPoller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &AirportPoller{url: url, client: client, bus: b, log: log, clock: clock}
}

// Run polls immediately and then on every interval until ctx is cancelled.
// Failures are logged and retried on the next tick.
func (p *AirportPoller) Run(ctx context.Context) error {
	if err := p.PollOnce(ctx); err != nil {
		p.log.WithError(err).Warn("airport weather poll failed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(AirportPollInterval):
			if err := p.PollOnce(ctx); err != nil {
				p.log.WithError(err).Warn("airport weather poll failed")
			}
		}
	}
}

// PollOnce fetches one observation and stores it as the latest airport
// sample.
func (p *AirportPoller) PollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build airport request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch airport weather: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("airport weather returned %s", resp.Status)
	}

	var body airportResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode airport weather: %w", err)
	}
	if body.TemperatureC == nil {
		return fmt.Errorf("airport weather missing temperature")
	}

	fields := map[string]any{
		"timestamp":     float64(p.clock.Now().UnixNano()) / 1e9,
		"temperature_c": *body.TemperatureC,
		"source":        "airport",
	}
	if body.HumidityPct != nil {
		fields["humidity_pct"] = *body.HumidityPct
	}
	if body.Station != "" {
		fields["station"] = body.Station
	}
	return p.bus.SetLatest(ctx, bus.KeyWeatherAirport, fields, latestTTL)
}
