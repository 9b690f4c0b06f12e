package radar

import (
	crand "crypto/rand"
	"encoding/hex"
	"math"
	"time"

	"github.com/banshee-data/trafficwatch/internal/units"
)

// AlertLevel classifies a detection by absolute speed.
type AlertLevel string

const (
	AlertNoise  AlertLevel = "noise"
	AlertNormal AlertLevel = "normal"
	AlertLow    AlertLevel = "low"
	AlertHigh   AlertLevel = "high"
)

// Thresholds holds the speed classification boundaries in mph. All
// comparisons use absolute speed; the sign only encodes direction.
type Thresholds struct {
	NoiseMph float64
	LowMph   float64
	HighMph  float64
}

// DefaultThresholds returns the stock radar classification boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{NoiseMph: 2, LowMph: 2, HighMph: 26}
}

// Classify maps an absolute speed to an alert level. Boundary values belong
// to the higher class: |speed| equal to a threshold meets it.
func (t Thresholds) Classify(speedMph float64) AlertLevel {
	abs := math.Abs(speedMph)
	switch {
	case abs < t.NoiseMph:
		return AlertNoise
	case abs >= t.HighMph:
		return AlertHigh
	case abs >= t.LowMph:
		return AlertLow
	default:
		return AlertNormal
	}
}

// RadarReading is one successfully parsed serial line. Immutable.
type RadarReading struct {
	Timestamp time.Time
	SpeedMph  float64 // signed; negative means approaching
	Magnitude string
	Unit      string
	Raw       string
	Format    Format
}

// VehicleDetection is a reading that cleared the noise threshold and was
// assigned an identity. Immutable; the correlation ID travels with the
// detection through every downstream hop.
type VehicleDetection struct {
	DetectionID   string     `json:"detection_id"`
	CorrelationID string     `json:"correlation_id"`
	Timestamp     float64    `json:"timestamp"` // unix seconds
	SpeedMph      float64    `json:"speed_mph"`
	SpeedMps      float64    `json:"speed_mps"`
	AlertLevel    AlertLevel `json:"alert_level"`
	Magnitude     string     `json:"magnitude,omitempty"`
	Unit          string     `json:"unit"`
	Source        string     `json:"source"`
	Raw           string     `json:"-"`
	Format        Format     `json:"-"`
}

// Direction derives the travel direction from the sign of the speed.
func (d VehicleDetection) Direction() string {
	return Direction(d.SpeedMph)
}

// Direction reports "approaching" for negative speeds and "receding"
// otherwise.
func Direction(speedMph float64) string {
	if speedMph < 0 {
		return "approaching"
	}
	return "receding"
}

// NewDetection promotes a reading to a detection with a fresh 8-char
// detection ID. The correlation ID starts equal to the detection ID.
func NewDetection(r RadarReading, t Thresholds) VehicleDetection {
	id := newDetectionID()
	return VehicleDetection{
		DetectionID:   id,
		CorrelationID: id,
		Timestamp:     float64(r.Timestamp.UnixNano()) / 1e9,
		SpeedMph:      r.SpeedMph,
		SpeedMps:      units.MphToMps(r.SpeedMph),
		AlertLevel:    t.Classify(r.SpeedMph),
		Magnitude:     r.Magnitude,
		Unit:          units.MPH,
		Source:        "radar",
		Raw:           r.Raw,
		Format:        r.Format,
	}
}

// newDetectionID generates the opaque 8-character hex token used as both
// detection and correlation ID.
func newDetectionID() string {
	b := make([]byte, 4)
	crand.Read(b)
	return hex.EncodeToString(b)
}
