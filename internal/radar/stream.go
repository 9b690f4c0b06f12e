package radar

import (
	"fmt"
	"strconv"
)

// DetectionFromFields reconstructs a VehicleDetection from radar stream entry
// fields. The required fields are detection_id, speed, and _timestamp; a
// missing or malformed value is a decode error and the entry is dead-lettered
// by the consumer.
func DetectionFromFields(fields map[string]string) (VehicleDetection, error) {
	id := fields["detection_id"]
	if id == "" {
		return VehicleDetection{}, fmt.Errorf("missing detection_id")
	}

	speed, err := strconv.ParseFloat(fields["speed"], 64)
	if err != nil {
		return VehicleDetection{}, fmt.Errorf("bad speed %q: %w", fields["speed"], err)
	}

	ts, err := strconv.ParseFloat(fields["_timestamp"], 64)
	if err != nil {
		return VehicleDetection{}, fmt.Errorf("bad _timestamp %q: %w", fields["_timestamp"], err)
	}

	speedMps := speed * 0.44704
	if raw := fields["speed_mps"]; raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			speedMps = v
		}
	}

	correlationID := fields["correlation_id"]
	if correlationID == "" {
		correlationID = id
	}

	alert := AlertLevel(fields["alert_level"])
	switch alert {
	case AlertNoise, AlertNormal, AlertLow, AlertHigh:
	default:
		alert = AlertNormal
	}

	source := fields["_source"]
	if source == "" {
		source = "radar"
	}

	return VehicleDetection{
		DetectionID:   id,
		CorrelationID: correlationID,
		Timestamp:     ts,
		SpeedMph:      speed,
		SpeedMps:      speedMps,
		AlertLevel:    alert,
		Magnitude:     fields["magnitude"],
		Unit:          fields["unit"],
		Source:        source,
		Raw:           fields["_raw"],
		Format:        Format(fields["_format"]),
	}, nil
}
