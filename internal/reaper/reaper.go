// Package reaper closes abandoned tracking sessions in the background.
//
// A client that loses its device mid-run never sends session:end; its
// session would stay active forever and block the at-most-one-active
// invariant from meaning anything. The reaper sweeps on a cron schedule
// and ends every active session whose newest persisted ping is older than
// the staleness cutoff, stamping the end time from that last ping.
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skimate/realtime/internal/db"
	"github.com/skimate/realtime/internal/logger"
)

// Config tunes the reaper.
type Config struct {
	// Schedule is a cron expression; default every 10 minutes.
	Schedule string

	// StaleAfter is how long a session may go without pings; default 6h.
	StaleAfter time.Duration
}

// Reaper periodically closes stale sessions.
type Reaper struct {
	config   Config
	sessions *db.SessionDB
	cron     *cron.Cron
}

// New creates a reaper over the session store.
func New(config Config, sessions *db.SessionDB) *Reaper {
	if config.Schedule == "" {
		config.Schedule = "*/10 * * * *"
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = 6 * time.Hour
	}
	return &Reaper{
		config:   config,
		sessions: sessions,
		cron:     cron.New(),
	}
}

// Start schedules the sweep.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(r.config.Schedule, r.sweep); err != nil {
		return err
	}
	r.cron.Start()
	logger.Reaper().Info().
		Str("schedule", r.config.Schedule).
		Dur("stale_after", r.config.StaleAfter).
		Msg("Stale session reaper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-r.config.StaleAfter)
	closed, err := r.sessions.CloseStaleSessions(ctx, cutoff)
	if err != nil {
		logger.Reaper().Error().Err(err).Msg("Sweep failed")
		return
	}
	if closed > 0 {
		logger.Reaper().Info().Int64("closed", closed).Msg("Closed stale sessions")
	}
}
