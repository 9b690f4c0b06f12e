package weather

import (
	"fmt"
	"time"
)

// gpioPulseReader performs the DHT22 start handshake and times the 40 data
// bits on a raw GPIO line. The single-wire protocol is timing sensitive, so
// the loop does nothing but poll the line level.
type gpioPulseReader struct {
	line Line
}

// NewGPIOPulseReader wraps a GPIO line as a pulse source for the sensor.
func NewGPIOPulseReader(line Line) PulseReader {
	return &gpioPulseReader{line: line}
}

const (
	startLowPulse  = 18 * time.Millisecond
	startHighPulse = 30 * time.Microsecond
	levelTimeout   = 5 * time.Millisecond
)

func (g *gpioPulseReader) ReadPulses() ([]time.Duration, error) {
	// Start signal: claim the line, hold low, brief high, then release so
	// the sensor can drive it.
	if err := g.line.SetOutput(); err != nil {
		return nil, fmt.Errorf("claim gpio output: %w", err)
	}
	if err := g.line.Write(false); err != nil {
		return nil, fmt.Errorf("pull gpio low: %w", err)
	}
	time.Sleep(startLowPulse)
	if err := g.line.Write(true); err != nil {
		return nil, fmt.Errorf("pull gpio high: %w", err)
	}
	time.Sleep(startHighPulse)
	if err := g.line.SetInput(); err != nil {
		return nil, fmt.Errorf("release gpio to input: %w", err)
	}

	// Sensor acknowledgment: ~80µs low then ~80µs high.
	if err := g.waitLevel(false); err != nil {
		return nil, fmt.Errorf("await sensor ack low: %w", err)
	}
	if err := g.waitLevel(true); err != nil {
		return nil, fmt.Errorf("await sensor ack high: %w", err)
	}
	if err := g.waitLevel(false); err != nil {
		return nil, fmt.Errorf("await first bit: %w", err)
	}

	// 40 bits: each is a ~50µs low followed by a high whose duration encodes
	// the bit value.
	pulses := make([]time.Duration, 0, 40)
	for i := 0; i < 40; i++ {
		if err := g.waitLevel(true); err != nil {
			return nil, fmt.Errorf("bit %d: %w", i, err)
		}
		start := time.Now()
		if err := g.waitLevel(false); err != nil {
			return nil, fmt.Errorf("bit %d: %w", i, err)
		}
		pulses = append(pulses, time.Since(start))
	}
	return pulses, nil
}

// waitLevel polls until the line reads the wanted level or the timeout
// expires.
func (g *gpioPulseReader) waitLevel(want bool) error {
	deadline := time.Now().Add(levelTimeout)
	for time.Now().Before(deadline) {
		level, err := g.line.Read()
		if err != nil {
			return err
		}
		if level == want {
			return nil
		}
	}
	return fmt.Errorf("timed out waiting for level %v", want)
}
