// Package db - pings.go
//
// Append-only persistence of the GPS telemetry stream. Pings are written in
// batches by the persister worker; the WGS84 point is materialized from the
// raw lon/lat pair so the archived stream is directly usable by spatial
// queries.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PingRow is one location ping ready for insertion.
type PingRow struct {
	SessionID  string
	UserID     string
	Lat        float64
	Lon        float64
	AltitudeM  float64
	SpeedMps   float64
	AccuracyM  float64
	HeadingDeg *float64
	CapturedAt time.Time
}

// PingDB handles database operations for location pings.
type PingDB struct {
	db *Database
}

// NewPingDB creates a new PingDB instance.
func NewPingDB(db *Database) *PingDB {
	return &PingDB{db: db}
}

// Begin opens a transaction bounded by the configured query timeout for the
// lifetime of the returned context.
func (p *PingDB) Begin(ctx context.Context) (*sql.Tx, context.Context, context.CancelFunc, error) {
	ctx, cancel := p.db.bound(ctx)
	tx, err := p.db.db.BeginTx(ctx, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to begin ping flush: %w", err)
	}
	return tx, ctx, cancel, nil
}

// InsertBatch appends all rows in one multi-row INSERT inside the caller's
// transaction.
func (p *PingDB) InsertBatch(ctx context.Context, tx *sql.Tx, rows []PingRow) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO location_pings
			(session_id, user_id, geom, altitude_m, speed_mps, accuracy_m, heading_deg, captured_at)
		VALUES `)

	args := make([]interface{}, 0, len(rows)*9)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		sb.WriteString(fmt.Sprintf("($%d, $%d, ST_SetSRID(ST_MakePoint($%d, $%d), 4326), $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))

		var heading sql.NullFloat64
		if row.HeadingDeg != nil {
			heading = sql.NullFloat64{Float64: *row.HeadingDeg, Valid: true}
		}
		args = append(args, row.SessionID, row.UserID, row.Lon, row.Lat,
			row.AltitudeM, row.SpeedMps, row.AccuracyM, heading, row.CapturedAt)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert ping batch of %d: %w", len(rows), err)
	}
	return nil
}
