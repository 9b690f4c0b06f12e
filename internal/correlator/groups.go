// Package correlator consumes the radar stream, suppresses duplicate
// detections of the same vehicle, joins each surviving detection with recent
// camera and weather data, and emits consolidated records to the durable
// stream.
package correlator

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/trafficwatch/internal/radar"
	"github.com/banshee-data/trafficwatch/internal/timeutil"
)

const (
	// GroupingWindow is how long after its latest detection a vehicle group
	// keeps absorbing matching detections.
	GroupingWindow = 3 * time.Second

	// SpeedVariationMph is the maximum absolute-speed difference for two
	// detections to count as the same vehicle.
	SpeedVariationMph = 5.0

	// MaxGroups bounds the group table; the least recently updated group is
	// evicted beyond this.
	MaxGroups = 100

	// sweepInterval caps how often the eviction sweep runs.
	sweepInterval = 30 * time.Second
)

// Speed trend labels for a vehicle group.
const (
	TrendInitial    = "initial"
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendSteady     = "steady"
)

// VehicleGroup accumulates successive radar detections of one vehicle.
type VehicleGroup struct {
	ID               string
	FirstDetectionID string
	FirstTimestamp   float64
	LatestTimestamp  float64
	FirstSpeedMph    float64
	LatestSpeedMph   float64
	LatestSpeedMps   float64
	DetectionCount   int
	SpeedTrend       string
}

// GroupTable holds active vehicle groups, most recently updated first. It is
// exclusively owned by the correlator worker; no locking.
type GroupTable struct {
	groups    []*VehicleGroup
	clock     timeutil.Clock
	lastSweep time.Time
	evicted   int64
}

// NewGroupTable builds an empty table driven by clock.
func NewGroupTable(clock timeutil.Clock) *GroupTable {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &GroupTable{clock: clock, lastSweep: clock.Now()}
}

// Len returns the number of active groups.
func (t *GroupTable) Len() int { return len(t.groups) }

// Evicted returns the total number of groups dropped by sweeps or the
// cardinality cap.
func (t *GroupTable) Evicted() int64 { return t.evicted }

// Observe assigns det to a vehicle group. It returns the group and whether it
// was newly created; a detection joining an existing group extends it and
// must not produce a consolidated record.
func (t *GroupTable) Observe(det radar.VehicleDetection) (*VehicleGroup, bool) {
	now := t.clock.Now()
	if now.Sub(t.lastSweep) >= sweepInterval {
		t.sweep(now)
	}

	nowSec := float64(now.UnixNano()) / 1e9
	for i, g := range t.groups {
		if !t.matches(g, det, nowSec) {
			continue
		}
		g.LatestTimestamp = det.Timestamp
		g.LatestSpeedMph = det.SpeedMph
		g.LatestSpeedMps = det.SpeedMps
		g.DetectionCount++
		g.SpeedTrend = trend(g.FirstSpeedMph, det.SpeedMph)

		// Move to front so the hottest group is checked first.
		copy(t.groups[1:i+1], t.groups[:i])
		t.groups[0] = g
		return g, false
	}

	g := &VehicleGroup{
		ID:               newGroupID(now),
		FirstDetectionID: det.DetectionID,
		FirstTimestamp:   det.Timestamp,
		LatestTimestamp:  det.Timestamp,
		FirstSpeedMph:    det.SpeedMph,
		LatestSpeedMph:   det.SpeedMph,
		LatestSpeedMps:   det.SpeedMps,
		DetectionCount:   1,
		SpeedTrend:       TrendInitial,
	}
	t.groups = append([]*VehicleGroup{g}, t.groups...)
	if len(t.groups) > MaxGroups {
		t.groups = t.groups[:MaxGroups]
		t.evicted++
	}
	return g, true
}

// matches reports whether det belongs to g: recent enough, similar absolute
// speed, same direction.
func (t *GroupTable) matches(g *VehicleGroup, det radar.VehicleDetection, nowSec float64) bool {
	if nowSec-g.LatestTimestamp > GroupingWindow.Seconds() {
		return false
	}
	if math.Abs(math.Abs(det.SpeedMph)-math.Abs(g.LatestSpeedMph)) > SpeedVariationMph {
		return false
	}
	return sameSign(det.SpeedMps, g.LatestSpeedMps)
}

// sweep drops groups whose latest detection is older than twice the grouping
// window.
func (t *GroupTable) sweep(now time.Time) {
	t.lastSweep = now
	cutoff := float64(now.UnixNano())/1e9 - 2*GroupingWindow.Seconds()

	kept := t.groups[:0]
	for _, g := range t.groups {
		if g.LatestTimestamp >= cutoff {
			kept = append(kept, g)
		} else {
			t.evicted++
		}
	}
	t.groups = kept
}

func trend(firstMph, latestMph float64) string {
	first, latest := math.Abs(firstMph), math.Abs(latestMph)
	switch {
	case latest > first:
		return TrendIncreasing
	case latest < first:
		return TrendDecreasing
	default:
		return TrendSteady
	}
}

func sameSign(a, b float64) bool {
	return math.Signbit(a) == math.Signbit(b)
}

func newGroupID(now time.Time) string {
	b := make([]byte, 2)
	crand.Read(b)
	return fmt.Sprintf("vehicle_%d_%s", now.Unix(), hex.EncodeToString(b))
}
