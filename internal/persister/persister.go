// Package persister drains the ping job queue, batches the telemetry into
// the durable store and maintains per-session aggregates.
//
// Batching: an in-process buffer flushes when it reaches the batch size or
// when the flush interval elapses with a non-empty buffer, whichever comes
// first. A failed flush returns the batch to the head of the buffer.
//
// The distance integral is per-batch: successive points within one flush
// are joined, batches are not. The stored totals are therefore a lower
// bound, which is the documented contract.
//
// Consumers are idempotent in the at-least-once sense: a replayed job
// re-appends the same ping row, which downstream analytics tolerate.
package persister

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skimate/realtime/internal/db"
	"github.com/skimate/realtime/internal/geo"
	"github.com/skimate/realtime/internal/logger"
	"github.com/skimate/realtime/internal/queue"
)

// PingJob is the queue payload of one accepted ping.
type PingJob struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Altitude  float64  `json:"altitude"`
	Speed     float64  `json:"speed"`
	Accuracy  float64  `json:"accuracy"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds of capture
}

// Config tunes the batching policy.
type Config struct {
	BatchSize     int           // flush threshold, default 100
	FlushInterval time.Duration // max buffer age, default 5s
}

// Persister is the background batch writer.
type Persister struct {
	config   Config
	pings    *db.PingDB
	sessions *db.SessionDB
	queue    *queue.Queue

	mu     sync.Mutex
	buffer []db.PingRow

	flushNow chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// New creates a persister over the given stores and queue.
func New(config Config, pings *db.PingDB, sessions *db.SessionDB, q *queue.Queue) *Persister {
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	return &Persister{
		config:   config,
		pings:    pings,
		sessions: sessions,
		queue:    q,
		flushNow: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes the worker to the ping topic and begins the flush loop.
func (p *Persister) Start() error {
	if err := p.queue.Consume(queue.SubjectPingPersist, p.handleJob); err != nil {
		return fmt.Errorf("failed to start ping consumer: %w", err)
	}
	go p.flushLoop()
	return nil
}

// Stop ends the flush loop and drains the remaining buffer.
func (p *Persister) Stop() {
	close(p.stop)
	<-p.done

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		p.mu.Lock()
		empty := len(p.buffer) == 0
		p.mu.Unlock()
		if empty {
			return
		}
		if err := p.Flush(ctx); err != nil {
			logger.Persister().Error().Err(err).Msg("Final flush failed, dropping remaining buffer")
			return
		}
	}
}

// handleJob decodes a queue delivery into the buffer. Decode failures are
// permanent and bubble up so the queue dead-letters the job.
func (p *Persister) handleJob(ctx context.Context, payload []byte) error {
	var job PingJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode ping job: %w", err)
	}

	p.Add(job)
	return nil
}

// Add buffers one ping and triggers a flush when the batch size is hit.
func (p *Persister) Add(job PingJob) {
	row := db.PingRow{
		SessionID:  job.SessionID,
		UserID:     job.UserID,
		Lat:        job.Lat,
		Lon:        job.Lon,
		AltitudeM:  job.Altitude,
		SpeedMps:   job.Speed,
		AccuracyM:  job.Accuracy,
		HeadingDeg: job.Heading,
		CapturedAt: time.UnixMilli(job.Timestamp).UTC(),
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, row)
	full := len(p.buffer) >= p.config.BatchSize
	p.mu.Unlock()

	if full {
		select {
		case p.flushNow <- struct{}{}:
		default:
		}
	}
}

func (p *Persister) flushLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.flushNow:
		case <-p.stop:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := p.Flush(ctx); err != nil {
			logger.Persister().Error().Err(err).Msg("Flush failed, batch returned to buffer")
		}
		cancel()
	}
}

// Flush detaches up to one batch from the buffer and writes it in a single
// transaction: the multi-row ping insert plus one aggregate update per
// session in the batch. On failure the batch is returned to the head of
// the buffer for the next cycle.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return nil
	}
	n := len(p.buffer)
	if n > p.config.BatchSize {
		n = p.config.BatchSize
	}
	batch := p.buffer[:n]
	p.buffer = append([]db.PingRow{}, p.buffer[n:]...)
	p.mu.Unlock()

	if err := p.writeBatch(ctx, batch); err != nil {
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		p.mu.Unlock()
		return err
	}

	logger.Persister().Debug().Int("pings", len(batch)).Msg("Batch flushed")
	return nil
}

func (p *Persister) writeBatch(ctx context.Context, batch []db.PingRow) error {
	tx, txCtx, cancel, err := p.pings.Begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	if err := p.pings.InsertBatch(txCtx, tx, batch); err != nil {
		return err
	}

	for sessionID, rows := range groupBySession(batch) {
		agg := ComputeAggregates(rows)
		if err := p.sessions.ApplySessionAggregates(txCtx, tx, sessionID, agg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ping batch: %w", err)
	}
	return nil
}

// groupBySession partitions a batch preserving order within each group.
func groupBySession(batch []db.PingRow) map[string][]db.PingRow {
	groups := make(map[string][]db.PingRow)
	for _, row := range batch {
		groups[row.SessionID] = append(groups[row.SessionID], row)
	}
	return groups
}

// ComputeAggregates folds one session's batch slice, iterated in capture
// order, into its distance, descent and speed contributions. Ascents
// contribute zero descent.
func ComputeAggregates(rows []db.PingRow) db.SessionAggregates {
	sorted := append([]db.PingRow{}, rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CapturedAt.Before(sorted[j].CapturedAt)
	})

	agg := db.SessionAggregates{}
	for i, row := range sorted {
		if row.SpeedMps > agg.MaxSpeedMps {
			agg.MaxSpeedMps = row.SpeedMps
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		agg.AdditionalDistanceM += geo.Haversine(prev.Lat, prev.Lon, row.Lat, row.Lon)
		if descent := prev.AltitudeM - row.AltitudeM; descent > 0 {
			agg.VerticalDescentM += descent
		}
	}
	return agg
}
