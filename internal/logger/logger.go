package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "skimate-realtime").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Gateway creates a logger for WebSocket gateway events
func Gateway() *zerolog.Logger {
	l := Log.With().Str("component", "gateway").Logger()
	return &l
}

// Location creates a logger for location engine events
func Location() *zerolog.Logger {
	l := Log.With().Str("component", "location").Logger()
	return &l
}

// Chat creates a logger for chat engine events
func Chat() *zerolog.Logger {
	l := Log.With().Str("component", "chat").Logger()
	return &l
}

// Persister creates a logger for ping persister events
func Persister() *zerolog.Logger {
	l := Log.With().Str("component", "persister").Logger()
	return &l
}

// Database creates a logger for database events
func Database() *zerolog.Logger {
	l := Log.With().Str("component", "database").Logger()
	return &l
}

// Queue creates a logger for job queue events
func Queue() *zerolog.Logger {
	l := Log.With().Str("component", "queue").Logger()
	return &l
}

// Backplane creates a logger for pub/sub backplane events
func Backplane() *zerolog.Logger {
	l := Log.With().Str("component", "backplane").Logger()
	return &l
}

// Reaper creates a logger for the stale session reaper
func Reaper() *zerolog.Logger {
	l := Log.With().Str("component", "reaper").Logger()
	return &l
}
