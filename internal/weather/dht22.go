// Package weather reads the local DHT22 temperature/humidity sensor over
// GPIO, polls an optional external weather API, and keeps the latest sample
// per source on the event bus.
package weather

import (
	"errors"
	"fmt"
	"time"
)

// Validated sensor ranges. A frame outside these is discarded even when the
// checksum passes.
const (
	MinTemperatureC = -40.0
	MaxTemperatureC = 80.0
	MinHumidityPct  = 0.0
	MaxHumidityPct  = 100.0
)

// bitThreshold separates the short high pulse of a 0-bit from the long high
// pulse of a 1-bit.
const bitThreshold = 40 * time.Microsecond

var (
	ErrChecksum   = errors.New("dht22 checksum mismatch")
	ErrShortFrame = errors.New("dht22 frame incomplete")
	ErrOutOfRange = errors.New("dht22 reading out of range")
)

// Sample is one validated weather observation.
type Sample struct {
	Timestamp    float64 `json:"timestamp"` // unix seconds
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
	Source       string  `json:"source"` // "local" or "airport"
}

// Line is the minimal GPIO surface the driver needs. The real implementation
// wraps the platform GPIO character device; tests substitute a fake.
type Line interface {
	SetOutput() error
	SetInput() error
	Write(high bool) error
	Read() (bool, error)
	Close() error
}

// PulseReader produces the 40 high-pulse durations of one sensor frame after
// the start handshake. Separated from decoding so the timing-critical GPIO
// loop stays isolated from testable logic.
type PulseReader interface {
	ReadPulses() ([]time.Duration, error)
}

// Sensor drives a DHT22 on a GPIO line.
type Sensor struct {
	pulses PulseReader
}

// NewSensor builds a sensor from any pulse source.
func NewSensor(pulses PulseReader) *Sensor {
	return &Sensor{pulses: pulses}
}

// Read performs one full sensor read: handshake, 40 timed bits, checksum,
// range validation.
func (s *Sensor) Read(now time.Time) (Sample, error) {
	pulses, err := s.pulses.ReadPulses()
	if err != nil {
		return Sample{}, err
	}
	sample, err := DecodePulses(pulses)
	if err != nil {
		return Sample{}, err
	}
	sample.Timestamp = float64(now.UnixNano()) / 1e9
	sample.Source = "local"
	return sample, nil
}

// DecodePulses converts 40 high-pulse durations into a validated sample.
func DecodePulses(pulses []time.Duration) (Sample, error) {
	if len(pulses) != 40 {
		return Sample{}, fmt.Errorf("%w: got %d bits", ErrShortFrame, len(pulses))
	}

	var frame [5]byte
	for i, p := range pulses {
		frame[i/8] <<= 1
		if p > bitThreshold {
			frame[i/8] |= 1
		}
	}
	return DecodeFrame(frame)
}

// DecodeFrame validates the checksum and scales the 5-byte wire frame.
// Humidity and temperature are tenths; the temperature sign lives in the MSB
// of the high byte.
func DecodeFrame(frame [5]byte) (Sample, error) {
	sum := frame[0] + frame[1] + frame[2] + frame[3]
	if sum != frame[4] {
		return Sample{}, fmt.Errorf("%w: computed %#02x, frame carries %#02x", ErrChecksum, sum, frame[4])
	}

	humidity := float64(uint16(frame[0])<<8|uint16(frame[1])) * 0.1

	rawTemp := uint16(frame[2]&0x7F)<<8 | uint16(frame[3])
	temperature := float64(rawTemp) * 0.1
	if frame[2]&0x80 != 0 {
		temperature = -temperature
	}

	if temperature < MinTemperatureC || temperature > MaxTemperatureC {
		return Sample{}, fmt.Errorf("%w: temperature %.1f°C", ErrOutOfRange, temperature)
	}
	if humidity < MinHumidityPct || humidity > MaxHumidityPct {
		return Sample{}, fmt.Errorf("%w: humidity %.1f%%", ErrOutOfRange, humidity)
	}

	return Sample{TemperatureC: temperature, HumidityPct: humidity}, nil
}
