package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transit-predictor/internal/transit"
)

const samplesSchema = `
CREATE TABLE IF NOT EXISTS segment_samples (
    id          BIGSERIAL PRIMARY KEY,
    route_id    TEXT NOT NULL,
    direction   TEXT NOT NULL,
    start_km    DOUBLE PRECISION NOT NULL,
    end_km      DOUBLE PRECISION NOT NULL,
    vehicle_id  TEXT NOT NULL DEFAULT '',
    entered_at  TIMESTAMPTZ NOT NULL,
    elapsed_sec DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS segment_samples_entered_idx ON segment_samples (entered_at);
`

// SampleStore persists segment traversal samples in Postgres.
type SampleStore struct {
	db *sql.DB
}

func NewSampleStore(db *sql.DB) *SampleStore { return &SampleStore{db: db} }

func (s *SampleStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, samplesSchema); err != nil {
		return fmt.Errorf("postgres: create segment_samples: %w", err)
	}
	return nil
}

// InsertSamples writes a batch in a single transaction.
func (s *SampleStore) InsertSamples(ctx context.Context, samples []transit.SegmentSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO segment_samples
        (route_id, direction, start_km, end_km, vehicle_id, entered_at, elapsed_sec)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("postgres: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, smp.RouteID, string(smp.Direction), smp.StartDist, smp.EndDist,
			smp.VehicleID, smp.EnteredAt, smp.Elapsed); err != nil {
			return fmt.Errorf("postgres: insert sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// LoadSamples returns every sample entered at or after since, oldest first.
func (s *SampleStore) LoadSamples(ctx context.Context, since time.Time) ([]transit.SegmentSample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT route_id, direction, start_km, end_km, vehicle_id, entered_at, elapsed_sec
        FROM segment_samples WHERE entered_at >= $1 ORDER BY entered_at`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: query samples: %w", err)
	}
	defer rows.Close()
	var out []transit.SegmentSample
	for rows.Next() {
		var smp transit.SegmentSample
		var dir string
		if err := rows.Scan(&smp.RouteID, &dir, &smp.StartDist, &smp.EndDist, &smp.VehicleID, &smp.EnteredAt, &smp.Elapsed); err != nil {
			return nil, err
		}
		smp.Direction = transit.Direction(dir)
		out = append(out, smp)
	}
	return out, rows.Err()
}

// DeleteBefore prunes samples older than cutoff.
func (s *SampleStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM segment_samples WHERE entered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune samples: %w", err)
	}
	return res.RowsAffected()
}
