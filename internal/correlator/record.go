package correlator

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/trafficwatch/internal/camera"
	"github.com/banshee-data/trafficwatch/internal/radar"
)

// CameraWindow is the maximum radar-to-camera timestamp distance for a
// camera event to be considered the same vehicle.
const CameraWindow = 10 * time.Second

// Consolidation method tags carried in processing metadata.
const (
	MethodCameraCorrelated = "radar_camera_correlated"
	MethodRadarPrimary     = "radar_primary_with_fallbacks"
)

// RadarData is the radar portion of a consolidated record: the triggering
// detection plus its derived direction and group context.
type RadarData struct {
	radar.VehicleDetection
	Direction      string `json:"direction"`
	GroupID        string `json:"group_id"`
	DetectionCount int    `json:"detection_count"`
	SpeedTrend     string `json:"speed_trend"`
}

// CameraData is the camera portion: either a matched detection or a fallback
// stub when no camera event landed inside the window.
type CameraData struct {
	VehicleCount        int      `json:"vehicle_count"`
	VehicleTypes        []string `json:"vehicle_types,omitempty"`
	PrimaryConfidence   float64  `json:"primary_confidence,omitempty"`
	ImageID             string   `json:"image_id,omitempty"`
	ImagePath           string   `json:"image_path,omitempty"`
	InferenceTimeMs     float64  `json:"inference_time_ms,omitempty"`
	CorrelationTimeDiff float64  `json:"correlation_time_diff,omitempty"`
	FallbackReason      string   `json:"fallback_reason,omitempty"`
}

// WeatherData snapshots the latest observation per source at correlation
// time. Either side may be absent.
type WeatherData struct {
	Local   map[string]string `json:"local,omitempty"`
	Airport map[string]string `json:"airport,omitempty"`
}

// ProcessingMetadata records how the consolidation was produced.
type ProcessingMetadata struct {
	SourcesUsed         []string `json:"sources_used"`
	ConsolidationMethod string   `json:"consolidation_method"`
}

// ConsolidatedRecord is the join of a triggering radar detection with the
// closest contemporaneous camera and weather data. Immutable after emission.
type ConsolidatedRecord struct {
	ConsolidationID    string             `json:"consolidation_id"`
	CorrelationID      string             `json:"correlation_id"`
	Timestamp          float64            `json:"timestamp"`
	TriggerSource      string             `json:"trigger_source"`
	RadarData          RadarData          `json:"radar_data"`
	CameraData         CameraData         `json:"camera_data"`
	WeatherData        WeatherData        `json:"weather_data"`
	ProcessingMetadata ProcessingMetadata `json:"processing_metadata"`
}

// BuildRecord assembles a consolidated record for the detection that opened
// group, joining the best camera candidate and the given weather snapshot.
func BuildRecord(det radar.VehicleDetection, group *VehicleGroup, recentCamera []camera.Detection, weather WeatherData) ConsolidatedRecord {
	cam, matched := MatchCamera(det.Timestamp, recentCamera)

	sources := []string{"radar"}
	method := MethodRadarPrimary
	if matched {
		sources = append(sources, "camera")
		method = MethodCameraCorrelated
	}
	if weather.Local != nil {
		sources = append(sources, "weather_local")
	}
	if weather.Airport != nil {
		sources = append(sources, "weather_airport")
	}

	return ConsolidatedRecord{
		ConsolidationID: uuid.NewString(),
		CorrelationID:   det.CorrelationID,
		Timestamp:       det.Timestamp,
		TriggerSource:   "radar",
		RadarData: RadarData{
			VehicleDetection: det,
			Direction:        det.Direction(),
			GroupID:          group.ID,
			DetectionCount:   group.DetectionCount,
			SpeedTrend:       group.SpeedTrend,
		},
		CameraData:  cam,
		WeatherData: weather,
		ProcessingMetadata: ProcessingMetadata{
			SourcesUsed:         sources,
			ConsolidationMethod: method,
		},
	}
}

// MatchCamera walks recent camera detections (newest first) and picks the one
// closest in time to ts, provided it is inside the camera window and actually
// saw a vehicle. Without a match it returns the fallback stub.
func MatchCamera(ts float64, recent []camera.Detection) (CameraData, bool) {
	var best *camera.Detection
	bestDiff := math.Inf(1)
	for i := range recent {
		c := &recent[i]
		if c.VehicleCount <= 0 {
			continue
		}
		diff := math.Abs(ts - c.Timestamp)
		if diff > CameraWindow.Seconds() {
			continue
		}
		if diff < bestDiff {
			best, bestDiff = c, diff
		}
	}

	if best == nil {
		return CameraData{
			VehicleCount:   1,
			FallbackReason: "no_camera_correlation",
		}, false
	}
	return CameraData{
		VehicleCount:        best.VehicleCount,
		VehicleTypes:        best.VehicleTypes,
		PrimaryConfidence:   best.PrimaryConfidence,
		ImageID:             best.ImageID,
		ImagePath:           best.ImagePath,
		InferenceTimeMs:     best.InferenceTimeMs,
		CorrelationTimeDiff: bestDiff,
	}, true
}
