// Package db provides PostgreSQL access for the realtime core.
//
// This file implements the connection and lifecycle management.
//
// The core owns three tables - ski_sessions, location_pings and messages -
// and reads (never writes) the pre-seeded users, friendships and
// group_members tables. location_pings stores WGS84 points via PostGIS so
// the archived streams are queryable by the spatial analytics jobs that
// live outside this process.
//
// Implementation Details:
// - Uses database/sql with the lib/pq driver
// - Connection pooling (25 max open, 5 max idle, 5min lifetime)
// - Migrate() creates the owned tables with CREATE TABLE IF NOT EXISTS
// - Configuration validation prevents SQL injection in connection strings
//
// Thread Safety:
// - Connections are pooled and safe for concurrent use.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/skimate/realtime/internal/logger"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string

	// Timeout bounds every query. Zero means the 5s default.
	Timeout time.Duration
}

// Database represents the database connection
type Database struct {
	db      *sql.DB
	timeout time.Duration
}

// validateConfig validates database configuration to prevent SQL injection
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s (only alphanumeric, underscore, and hyphen allowed)", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s (only alphanumeric, underscore, and hyphen allowed)", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	if config.SSLMode == "" || config.SSLMode == "disable" {
		logger.Database().Warn().Msg("Database SSL/TLS is disabled - set DB_SSL_MODE=require in production")
	}

	return nil
}

// NewDatabase creates a new database connection with connection pooling
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Database{db: db, timeout: timeout}, nil
}

// NewDatabaseForTesting wraps an existing *sql.DB (e.g. a sqlmock handle).
func NewDatabaseForTesting(db *sql.DB) *Database {
	return &Database{db: db, timeout: 5 * time.Second}
}

// DB returns the underlying connection pool.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the database is reachable.
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.db.PingContext(ctx)
}

func (d *Database) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

// Migrate creates the tables owned by the realtime core. The seeded schema
// (users, friendships, groups, group_members, resorts) is assumed to exist.
func (d *Database) Migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ski_sessions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			resort_id TEXT,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT true,
			total_vertical_m DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_distance_m DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_speed_mps DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ski_sessions_user_active
			ON ski_sessions (user_id) WHERE active`,
		`CREATE TABLE IF NOT EXISTS location_pings (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL,
			user_id TEXT NOT NULL,
			geom GEOMETRY(Point, 4326) NOT NULL,
			altitude_m DOUBLE PRECISION NOT NULL,
			speed_mps DOUBLE PRECISION NOT NULL,
			accuracy_m DOUBLE PRECISION NOT NULL,
			heading_deg DOUBLE PRECISION,
			captured_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_location_pings_session
			ON location_pings (session_id, captured_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			sender_id TEXT NOT NULL,
			group_id TEXT,
			recipient_id TEXT,
			content TEXT NOT NULL,
			metadata JSONB,
			read_by TEXT[] NOT NULL DEFAULT '{}',
			sent_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT messages_one_destination
				CHECK ((group_id IS NULL) <> (recipient_id IS NULL))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group
			ON messages (group_id, sent_at DESC) WHERE group_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_messages_dm
			ON messages (sender_id, recipient_id, sent_at DESC) WHERE recipient_id IS NOT NULL`,
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	logger.Database().Info().Msg("Database migrations complete")
	return nil
}
