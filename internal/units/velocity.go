// Package units provides shared constants and conversion helpers for speed
// units used across the pipeline.
package units

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// Conversion factors. Radar frames may report speed in either m/s or mph; the
// pipeline stores mph as the primary unit with m/s carried alongside.
const (
	MphPerMps = 2.2369362920544
	MpsPerMph = 0.44704
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// ToMph converts a signed speed in the given unit to mph. The sign is
// preserved: negative speeds indicate a vehicle approaching the sensor.
// Unknown units are treated as mph.
func ToMph(speed float64, unit string) float64 {
	switch unit {
	case MPS:
		return speed * MphPerMps
	case KMPH, KPH:
		return speed / 1.609344
	default:
		return speed
	}
}

// MphToMps converts a signed speed in mph to m/s.
func MphToMps(mph float64) float64 {
	return mph * MpsPerMph
}

// MpsToMph converts a signed speed in m/s to mph.
func MpsToMph(mps float64) float64 {
	return mps * MphPerMps
}
