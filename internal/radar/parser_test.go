package radar

import (
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var parseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParseLineFormats(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantFormat Format
		wantSpeed  float64
		wantMag    string
	}{
		{"quoted csv", `"m",12.3`, FormatCSVQuoted, 12.3, "m"},
		{"quoted csv negative", `"42",-15.0`, FormatCSVQuoted, -15.0, "42"},
		{"json mph", `{"speed": 20.5, "unit": "mph"}`, FormatJSON, 20.5, ""},
		{"json mps converts", `{"speed": 10.0, "unit": "mps", "magnitude": 99}`, FormatJSON, 22.369362920544, "99"},
		{"json negative", `{"speed": -5.0, "unit": "mph"}`, FormatJSON, -5.0, ""},
		{"bare number", `12.3`, FormatBare, 12.3, ""},
		{"bare negative", `-30.5`, FormatBare, -30.5, ""},
		{"space unit mph", `12.3 mph`, FormatSpaceUnit, 12.3, ""},
		{"space unit mps", `10 mps`, FormatSpaceUnit, 22.369362920544, ""},
		{"plain csv", `m,12.3`, FormatCSV, 12.3, "m"},
		{"plain csv negative", `7,-3.5`, FormatCSV, -3.5, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseLine(tt.line, parseTime)
			require.True(t, got.Parsed(), "expected %q to parse", tt.line)
			assert.Equal(t, tt.wantFormat, got.Format)
			assert.InDelta(t, tt.wantSpeed, got.Reading.SpeedMph, 1e-9)
			assert.Equal(t, tt.wantMag, got.Reading.Magnitude)
			assert.Equal(t, tt.line, got.Reading.Raw)
		})
	}
}

func TestParseLineUnknown(t *testing.T) {
	for _, line := range []string{
		"",
		"   ",
		"not a reading",
		`{"nospeed": true}`,
		`{broken json`,
		`"unterminated,12.3`,
		"12.3 furlongs",
		",",
		"m,",
		"\xff\xfe garbage \xff",
	} {
		got := ParseLine(line, parseTime)
		assert.False(t, got.Parsed(), "expected %q not to parse", line)
		assert.Equal(t, FormatUnknown, got.Format)
	}
}

func TestParseLinePriorityOrder(t *testing.T) {
	// A quoted line must parse as quoted CSV even though the tail would also
	// satisfy the plain CSV grammar.
	got := ParseLine(`"m",12.3`, parseTime)
	assert.Equal(t, FormatCSVQuoted, got.Format)

	// JSON wins over plain CSV for brace-prefixed lines.
	got = ParseLine(`{"speed": 1e9, "unit": "mph"}`, parseTime)
	assert.Equal(t, FormatJSON, got.Format)
}

func TestClassifyBoundaries(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		speed float64
		want  AlertLevel
	}{
		{0, AlertNoise},
		{1.5, AlertNoise},
		{-1.9, AlertNoise},
		{2.0, AlertLow},  // |speed| == noise threshold is emitted
		{-2.0, AlertLow}, // sign irrelevant for classification
		{12.3, AlertLow},
		{25.9, AlertLow},
		{26.0, AlertHigh}, // |speed| == high threshold is high
		{-40.0, AlertHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.speed), "Classify(%v)", tt.speed)
	}
}

func TestNewDetection(t *testing.T) {
	r := ParseLine(`"m",12.3`, parseTime).Reading
	det := NewDetection(r, DefaultThresholds())

	assert.Len(t, det.DetectionID, 8)
	assert.Equal(t, det.DetectionID, det.CorrelationID)
	assert.Equal(t, AlertLow, det.AlertLevel)
	assert.InDelta(t, 12.3, det.SpeedMph, 1e-9)
	assert.InDelta(t, 5.498592, det.SpeedMps, 1e-6)
	assert.Equal(t, "radar", det.Source)
	assert.Equal(t, "receding", det.Direction())
	assert.InDelta(t, float64(parseTime.Unix()), det.Timestamp, 0.001)
}

func TestDirection(t *testing.T) {
	assert.Equal(t, "approaching", Direction(-15.0))
	assert.Equal(t, "receding", Direction(15.0))
	assert.Equal(t, "receding", Direction(0))
}

func TestDetectionFromFieldsRoundTrip(t *testing.T) {
	r := ParseLine(`{"speed": -10.0, "unit": "mps"}`, parseTime).Reading
	det := NewDetection(r, DefaultThresholds())

	fields := map[string]string{
		"speed":          formatFloat(det.SpeedMph),
		"speed_mps":      formatFloat(det.SpeedMps),
		"magnitude":      det.Magnitude,
		"unit":           det.Unit,
		"alert_level":    string(det.AlertLevel),
		"detection_id":   det.DetectionID,
		"correlation_id": det.CorrelationID,
		"_timestamp":     formatFloat(det.Timestamp),
		"_raw":           det.Raw,
		"_source":        det.Source,
		"_format":        string(det.Format),
	}

	got, err := DetectionFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, det.DetectionID, got.DetectionID)
	assert.Equal(t, det.CorrelationID, got.CorrelationID)
	assert.InDelta(t, det.SpeedMph, got.SpeedMph, 1e-9)
	assert.InDelta(t, det.SpeedMps, got.SpeedMps, 1e-9)
	assert.Equal(t, det.AlertLevel, got.AlertLevel)
	assert.True(t, math.Signbit(got.SpeedMph), "sign must survive the stream hop")
}

func TestDetectionFromFieldsInvalid(t *testing.T) {
	_, err := DetectionFromFields(map[string]string{"speed": "12.3", "_timestamp": "100"})
	assert.Error(t, err, "missing detection_id")

	_, err = DetectionFromFields(map[string]string{"detection_id": "ab", "speed": "fast", "_timestamp": "100"})
	assert.Error(t, err, "bad speed")

	_, err = DetectionFromFields(map[string]string{"detection_id": "ab", "speed": "12.3", "_timestamp": "then"})
	assert.Error(t, err, "bad timestamp")
}

func TestSanitizeRaw(t *testing.T) {
	assert.Equal(t, "hello", SanitizeRaw("hello"))
	assert.Contains(t, SanitizeRaw("\xff\xfebad"), "�")

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	got := SanitizeRaw(string(long))
	assert.Contains(t, got, "500 bytes")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
