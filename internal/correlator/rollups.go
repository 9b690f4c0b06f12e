package correlator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/radar"
)

const (
	// rollupKeyFormat renders the hour bucket, e.g. traffic:rollup:2026082614.
	rollupKeyFormat  = "traffic:rollup:%s"
	rollupHourLayout = "2006010215"

	// rollupTTL keeps two days of hourly buckets.
	rollupTTL = 48 * time.Hour
)

// RollupKey returns the bus key for the hour containing ts.
func RollupKey(ts float64) string {
	hour := time.Unix(int64(ts), 0).UTC().Format(rollupHourLayout)
	return fmt.Sprintf(rollupKeyFormat, hour)
}

// UpdateRollup folds one detection into its hourly bucket: vehicle count,
// per-alert-level counts, and a speed sum from which readers derive the mean.
func UpdateRollup(ctx context.Context, b *bus.Bus, det radar.VehicleDetection) error {
	alertField := "alert_" + string(det.AlertLevel) + "_count"
	deltas := map[string]float64{
		"vehicle_count": 1,
		alertField:      1,
		"speed_sum_mph": math.Abs(det.SpeedMph),
	}
	return b.IncrementFields(ctx, RollupKey(det.Timestamp), deltas, rollupTTL)
}
