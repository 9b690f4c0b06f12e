package radar

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/trafficwatch/internal/units"
)

// Format tags which wire format a line parsed as.
type Format string

const (
	FormatCSVQuoted Format = "csv_quoted" // "m",12.3
	FormatJSON      Format = "json"       // {"speed": ..., "unit": ..., "magnitude": ...}
	FormatBare      Format = "bare"       // 12.3
	FormatSpaceUnit Format = "space_unit" // 12.3 mph
	FormatCSV       Format = "csv"        // m,12.3
	FormatUnknown   Format = "unknown"
)

// ParseOutcome is the total result of parsing one serial line. When Format is
// FormatUnknown the Reading field is meaningless and the line is dropped.
type ParseOutcome struct {
	Format  Format
	Reading RadarReading
}

// Parsed reports whether the line yielded a usable reading.
func (o ParseOutcome) Parsed() bool {
	return o.Format != FormatUnknown
}

type jsonFrame struct {
	Speed     *json.Number `json:"speed"`
	Unit      string       `json:"unit"`
	Magnitude *json.Number `json:"magnitude"`
}

// ParseLine parses a raw serial line into a reading, trying each accepted
// wire format in priority order. Sign is preserved throughout; speeds
// reported in m/s are converted to mph. Invalid input never errors, it
// produces the unknown variant.
func ParseLine(line string, now time.Time) ParseOutcome {
	raw := line
	line = strings.TrimSpace(line)
	if line == "" {
		return ParseOutcome{Format: FormatUnknown}
	}

	if r, ok := parseCSVQuoted(line); ok {
		return outcome(FormatCSVQuoted, r, raw, now)
	}
	if r, ok := parseJSON(line); ok {
		return outcome(FormatJSON, r, raw, now)
	}
	if r, ok := parseBare(line); ok {
		return outcome(FormatBare, r, raw, now)
	}
	if r, ok := parseSpaceUnit(line); ok {
		return outcome(FormatSpaceUnit, r, raw, now)
	}
	if r, ok := parseCSV(line); ok {
		return outcome(FormatCSV, r, raw, now)
	}
	return ParseOutcome{Format: FormatUnknown}
}

type partial struct {
	speed     float64
	unit      string
	magnitude string
}

func outcome(f Format, p partial, raw string, now time.Time) ParseOutcome {
	unit := p.unit
	if unit == "" {
		unit = units.MPH
	}
	return ParseOutcome{
		Format: f,
		Reading: RadarReading{
			Timestamp: now,
			SpeedMph:  units.ToMph(p.speed, unit),
			Magnitude: p.magnitude,
			Unit:      unit,
			Raw:       raw,
			Format:    f,
		},
	}
}

// "m",12.3
func parseCSVQuoted(line string) (partial, bool) {
	if !strings.HasPrefix(line, `"`) {
		return partial{}, false
	}
	end := strings.Index(line[1:], `"`)
	if end < 0 {
		return partial{}, false
	}
	magnitude := line[1 : 1+end]
	rest := line[end+2:]
	if !strings.HasPrefix(rest, ",") {
		return partial{}, false
	}
	speed, err := strconv.ParseFloat(strings.TrimSpace(rest[1:]), 64)
	if err != nil {
		return partial{}, false
	}
	return partial{speed: speed, magnitude: magnitude}, true
}

// {"speed": 12.3, "unit": "mps", "magnitude": 42}
func parseJSON(line string) (partial, bool) {
	if !strings.HasPrefix(line, "{") {
		return partial{}, false
	}
	var frame jsonFrame
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&frame); err != nil || frame.Speed == nil {
		return partial{}, false
	}
	speed, err := frame.Speed.Float64()
	if err != nil {
		return partial{}, false
	}
	p := partial{speed: speed, unit: strings.ToLower(frame.Unit)}
	if frame.Magnitude != nil {
		p.magnitude = frame.Magnitude.String()
	}
	return p, true
}

// 12.3
func parseBare(line string) (partial, bool) {
	speed, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return partial{}, false
	}
	return partial{speed: speed}, true
}

// 12.3 mph
func parseSpaceUnit(line string) (partial, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return partial{}, false
	}
	speed, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return partial{}, false
	}
	unit := strings.ToLower(fields[1])
	if !units.IsValid(unit) {
		return partial{}, false
	}
	return partial{speed: speed, unit: unit}, true
}

// m,12.3
func parseCSV(line string) (partial, bool) {
	parts := strings.SplitN(line, ",", 2)
	if len(parts) != 2 {
		return partial{}, false
	}
	magnitude := strings.TrimSpace(parts[0])
	// A quote here means a malformed quoted-CSV line, not a bare magnitude.
	if magnitude == "" || strings.Contains(magnitude, `"`) {
		return partial{}, false
	}
	speed, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return partial{}, false
	}
	return partial{speed: speed, magnitude: magnitude}, true
}

// SanitizeRaw trims a raw payload for logging: invalid UTF-8 is replaced and
// long lines are truncated so a corrupt serial burst cannot flood the log.
func SanitizeRaw(raw string) string {
	const maxLen = 120
	cleaned := strings.ToValidUTF8(raw, "�")
	if len(cleaned) > maxLen {
		return fmt.Sprintf("%s... (%d bytes)", cleaned[:maxLen], len(cleaned))
	}
	return cleaned
}
