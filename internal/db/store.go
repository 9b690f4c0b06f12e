package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/trafficwatch/internal/correlator"
)

// MaxQueryLimit caps how many rows a single read can return.
const MaxQueryLimit = 1000

// StoredEvent is one persisted consolidated record.
type StoredEvent struct {
	ConsolidationID string          `json:"consolidation_id"`
	CreatedAt       float64         `json:"created_at"`
	Event           json.RawMessage `json:"event"`
}

// DetectionRow is the normalized header of one persisted detection joined
// with its radar fields.
type DetectionRow struct {
	DetectionID   string  `json:"detection_id"`
	CorrelationID string  `json:"correlation_id"`
	TriggerSource string  `json:"trigger_source"`
	Timestamp     float64 `json:"timestamp"`
	Direction     string  `json:"direction"`
	SpeedMph      float64 `json:"speed_mph"`
	SpeedMps      float64 `json:"speed_mps"`
	AlertLevel    string  `json:"alert_level"`
}

// UpsertConsolidated stores one consolidated record: the full JSON blob in
// consolidated_events, plus the decomposed radar fields in traffic_detections
// and radar_detections. Replays of the same consolidation_id overwrite
// cleanly, so redelivered stream entries are idempotent.
func (db *DB) UpsertConsolidated(ctx context.Context, rec *correlator.ConsolidatedRecord, createdAt float64) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal consolidated record: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO consolidated_events (consolidation_id, event_json, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(consolidation_id) DO UPDATE SET
			event_json = excluded.event_json,
			created_at = excluded.created_at`,
		rec.ConsolidationID, string(blob), createdAt,
	); err != nil {
		return fmt.Errorf("upsert consolidated_events: %w", err)
	}

	det := rec.RadarData
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO traffic_detections (id, timestamp, correlation_id, trigger_source, confidence_score, vehicle_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			timestamp        = excluded.timestamp,
			correlation_id   = excluded.correlation_id,
			trigger_source   = excluded.trigger_source,
			confidence_score = excluded.confidence_score,
			vehicle_count    = excluded.vehicle_count`,
		det.DetectionID, det.Timestamp, rec.CorrelationID, rec.TriggerSource,
		rec.CameraData.PrimaryConfidence, rec.CameraData.VehicleCount, createdAt,
	); err != nil {
		return fmt.Errorf("upsert traffic_detections: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO radar_detections (detection_id, speed_mph, speed_mps, alert_level, direction, magnitude, unit)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(detection_id) DO UPDATE SET
			speed_mph   = excluded.speed_mph,
			speed_mps   = excluded.speed_mps,
			alert_level = excluded.alert_level,
			direction   = excluded.direction,
			magnitude   = excluded.magnitude,
			unit        = excluded.unit`,
		det.DetectionID, det.SpeedMph, det.SpeedMps, string(det.AlertLevel), det.Direction, det.Magnitude, det.Unit,
	); err != nil {
		return fmt.Errorf("upsert radar_detections: %w", err)
	}

	return tx.Commit()
}

// RecentConsolidated reads consolidated events newest-first, filtered to
// created_at >= since when since is non-zero. The limit is clamped to
// MaxQueryLimit.
func (db *DB) RecentConsolidated(ctx context.Context, limit int, since float64) ([]StoredEvent, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	rows, err := db.QueryContext(ctx, `
		SELECT consolidation_id, event_json, created_at
		FROM consolidated_events
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query consolidated_events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var blob string
		if err := rows.Scan(&ev.ConsolidationID, &blob, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Event = json.RawMessage(blob)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentDetections reads persisted detections newest-first with their radar
// fields.
func (db *DB) RecentDetections(ctx context.Context, limit int) ([]DetectionRow, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	rows, err := db.QueryContext(ctx, `
		SELECT t.id, t.correlation_id, t.trigger_source, t.timestamp,
		       COALESCE(r.direction, ''), COALESCE(r.speed_mph, 0),
		       COALESCE(r.speed_mps, 0), COALESCE(r.alert_level, '')
		FROM traffic_detections t
		LEFT JOIN radar_detections r ON r.detection_id = t.id
		ORDER BY t.timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query traffic_detections: %w", err)
	}
	defer rows.Close()

	var detections []DetectionRow
	for rows.Next() {
		var d DetectionRow
		if err := rows.Scan(&d.DetectionID, &d.CorrelationID, &d.TriggerSource, &d.Timestamp,
			&d.Direction, &d.SpeedMph, &d.SpeedMps, &d.AlertLevel); err != nil {
			return nil, err
		}
		detections = append(detections, d)
	}
	return detections, rows.Err()
}

// DeleteOlderThan removes rows with timestamps before cutoff from every
// retained table and returns the per-table delete counts.
func (db *DB) DeleteOlderThan(ctx context.Context, cutoff float64) (map[string]int64, error) {
	counts := make(map[string]int64)

	// Child rows first so the foreign key holds.
	radar, err := db.ExecContext(ctx, `
		DELETE FROM radar_detections WHERE detection_id IN
			(SELECT id FROM traffic_detections WHERE timestamp < ?)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete radar_detections: %w", err)
	}
	counts["radar_detections"], _ = radar.RowsAffected()

	traffic, err := db.ExecContext(ctx, `DELETE FROM traffic_detections WHERE timestamp < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete traffic_detections: %w", err)
	}
	counts["traffic_detections"], _ = traffic.RowsAffected()

	consolidated, err := db.ExecContext(ctx, `DELETE FROM consolidated_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete consolidated_events: %w", err)
	}
	counts["consolidated_events"], _ = consolidated.RowsAffected()

	return counts, nil
}

// SpeedsBetween returns the absolute persisted speeds with timestamps in
// [from, to), oldest first. Used for summaries and charts.
func (db *DB) SpeedsBetween(ctx context.Context, from, to float64) ([]float64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.speed_mph
		FROM radar_detections r
		JOIN traffic_detections t ON t.id = r.detection_id
		WHERE r.speed_mph IS NOT NULL AND t.timestamp >= ? AND t.timestamp < ?
		ORDER BY t.timestamp`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query speeds: %w", err)
	}
	defer rows.Close()

	var speeds []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		speeds = append(speeds, math.Abs(s))
	}
	return speeds, rows.Err()
}

// UpdateDailySummary recomputes the summary row for the UTC day containing
// ts.
func (db *DB) UpdateDailySummary(ctx context.Context, ts float64) error {
	dayStart := time.Unix(int64(ts), 0).UTC().Truncate(24 * time.Hour)
	day := dayStart.Format("2006-01-02")
	from := float64(dayStart.Unix())
	to := from + 24*3600

	speeds, err := db.SpeedsBetween(ctx, from, to)
	if err != nil {
		return err
	}

	var mean, max sql.NullFloat64
	if len(speeds) > 0 {
		mean = sql.NullFloat64{Float64: stat.Mean(speeds, nil), Valid: true}
		m := speeds[0]
		for _, s := range speeds[1:] {
			if s > m {
				m = s
			}
		}
		max = sql.NullFloat64{Float64: m, Valid: true}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO daily_summary (date, total_detections, avg_speed, max_speed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_detections = excluded.total_detections,
			avg_speed        = excluded.avg_speed,
			max_speed        = excluded.max_speed,
			updated_at       = excluded.updated_at`,
		day, len(speeds), mean, max, float64(time.Now().UnixNano())/1e9)
	if err != nil {
		return fmt.Errorf("upsert daily_summary: %w", err)
	}
	return nil
}
