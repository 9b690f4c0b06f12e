package persister

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/banshee-data/trafficwatch/internal/correlator"
)

// PostgresSecondary mirrors consolidated events into a Postgres database.
// SQLite stays authoritative; this exists for off-box reporting.
type PostgresSecondary struct {
	db *sql.DB
}

// NewPostgresSecondary connects to dsn and ensures the mirror table exists.
func NewPostgresSecondary(ctx context.Context, dsn string) (*PostgresSecondary, error) {
	pdb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pdb.PingContext(ctx); err != nil {
		pdb.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pdb.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS consolidated_events (
			consolidation_id TEXT PRIMARY KEY,
			event_json       JSONB NOT NULL,
			created_at       DOUBLE PRECISION NOT NULL
		)`); err != nil {
		pdb.Close()
		return nil, fmt.Errorf("create mirror table: %w", err)
	}
	return &PostgresSecondary{db: pdb}, nil
}

// Upsert mirrors one consolidated record.
func (s *PostgresSecondary) Upsert(ctx context.Context, rec *correlator.ConsolidatedRecord, createdAt float64) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal consolidated record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consolidated_events (consolidation_id, event_json, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consolidation_id) DO UPDATE SET
			event_json = EXCLUDED.event_json,
			created_at = EXCLUDED.created_at`,
		rec.ConsolidationID, string(blob), createdAt)
	if err != nil {
		return fmt.Errorf("mirror upsert %s: %w", rec.ConsolidationID, err)
	}
	return nil
}

// Close releases the mirror connection.
func (s *PostgresSecondary) Close() error { return s.db.Close() }
