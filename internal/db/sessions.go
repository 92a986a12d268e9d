// Package db - sessions.go
//
// Ski session lifecycle. The database is authoritative for sessions; the
// hot store only ever holds derived presence. The at-most-one-active-session
// invariant is enforced by running the close-prior/insert-new pair in a
// single transaction.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SkiSession represents one tracked outing.
type SkiSession struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	ResortID       string     `json:"resortId,omitempty"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Active         bool       `json:"active"`
	TotalVerticalM float64    `json:"totalVerticalMeters"`
	TotalDistanceM float64    `json:"totalDistanceMeters"`
	MaxSpeedMps    float64    `json:"maxSpeedMps"`
}

// SessionDB handles database operations for ski sessions.
type SessionDB struct {
	db *Database
}

// NewSessionDB creates a new SessionDB instance.
func NewSessionDB(db *Database) *SessionDB {
	return &SessionDB{db: db}
}

// StartSession closes any prior active session for the user and inserts a
// new active one, atomically. Two concurrent starts from the same user
// serialize on the row update, so at most one session survives active.
func (s *SessionDB) StartSession(ctx context.Context, userID, resortID string) (*SkiSession, error) {
	ctx, cancel := s.db.bound(ctx)
	defer cancel()

	now := time.Now().UTC()
	session := &SkiSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		ResortID:  resortID,
		StartTime: now,
		Active:    true,
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin session start for user %s: %w", userID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE ski_sessions
		SET active = false, end_time = $1, updated_at = $1
		WHERE user_id = $2 AND active
	`, now, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to close prior session for user %s: %w", userID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ski_sessions (id, user_id, resort_id, start_time, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, true, $4, $4)
	`, session.ID, userID, nullString(resortID), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session for user %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session start for user %s: %w", userID, err)
	}
	return session, nil
}

// GetSession retrieves a session by id.
func (s *SessionDB) GetSession(ctx context.Context, sessionID string) (*SkiSession, error) {
	ctx, cancel := s.db.bound(ctx)
	defer cancel()

	session := &SkiSession{}
	query := `
		SELECT id, user_id, COALESCE(resort_id, ''), start_time, end_time, active,
			total_vertical_m, total_distance_m, max_speed_mps
		FROM ski_sessions
		WHERE id = $1
	`
	err := s.db.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID, &session.UserID, &session.ResortID, &session.StartTime, &session.EndTime,
		&session.Active, &session.TotalVerticalM, &session.TotalDistanceM, &session.MaxSpeedMps,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return session, nil
}

// EndSession marks a session inactive, stamps the end time and returns the
// final row so the caller can compute the summary.
func (s *SessionDB) EndSession(ctx context.Context, sessionID string, endTime time.Time) (*SkiSession, error) {
	ctx, cancel := s.db.bound(ctx)
	defer cancel()

	session := &SkiSession{}
	query := `
		UPDATE ski_sessions
		SET active = false, end_time = $1, updated_at = $1
		WHERE id = $2
		RETURNING id, user_id, COALESCE(resort_id, ''), start_time, end_time, active,
			total_vertical_m, total_distance_m, max_speed_mps
	`
	err := s.db.db.QueryRowContext(ctx, query, endTime, sessionID).Scan(
		&session.ID, &session.UserID, &session.ResortID, &session.StartTime, &session.EndTime,
		&session.Active, &session.TotalVerticalM, &session.TotalDistanceM, &session.MaxSpeedMps,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	return session, nil
}

// SessionAggregates is one flush's contribution to a session's totals.
type SessionAggregates struct {
	AdditionalDistanceM float64
	VerticalDescentM    float64
	MaxSpeedMps         float64
}

// ApplySessionAggregates folds a batch's aggregates into the session row
// inside the caller's transaction. Totals only ever grow; max speed is
// taken against the existing value.
func (s *SessionDB) ApplySessionAggregates(ctx context.Context, tx *sql.Tx, sessionID string, agg SessionAggregates) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE ski_sessions
		SET total_distance_m = total_distance_m + $1,
			total_vertical_m = total_vertical_m + $2,
			max_speed_mps = GREATEST(max_speed_mps, $3),
			updated_at = now()
		WHERE id = $4
	`, agg.AdditionalDistanceM, agg.VerticalDescentM, agg.MaxSpeedMps, sessionID)
	if err != nil {
		return fmt.Errorf("failed to apply aggregates to session %s: %w", sessionID, err)
	}
	return nil
}

// CloseStaleSessions ends every active session whose newest persisted ping
// (or start time, if it never pinged) is older than the cutoff. The end
// time is stamped from the last ping when one exists. Returns how many
// sessions were closed.
func (s *SessionDB) CloseStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.db.bound(ctx)
	defer cancel()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE ski_sessions ss
		SET active = false,
			end_time = COALESCE(
				(SELECT MAX(lp.captured_at) FROM location_pings lp WHERE lp.session_id = ss.id),
				now()),
			updated_at = now()
		WHERE ss.active
			AND COALESCE(
				(SELECT MAX(lp.captured_at) FROM location_pings lp WHERE lp.session_id = ss.id),
				ss.start_time) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
