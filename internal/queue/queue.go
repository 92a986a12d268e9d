// Package queue provides the durable job queue over NATS.
//
// Jobs are published as JSON envelopes on per-topic subjects and consumed
// by queue-group subscribers, so each job lands on exactly one node of the
// fleet. Delivery is at-least-once: consumers must be idempotent.
//
// A job that fails is re-published with an incremented attempt counter
// after an exponential backoff (base 1s, doubling). When attempts are
// exhausted the envelope moves to the topic's dead-letter subject.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/skimate/realtime/internal/logger"
)

// Config holds queue connection configuration.
type Config struct {
	URL      string
	User     string
	Password string
}

// Options tune per-job retry behavior.
type Options struct {
	// Attempts is the total delivery attempts before dead-lettering.
	// Zero means the default of 3.
	Attempts int

	// Backoff is the base delay before a retry; doubles per attempt.
	// Zero means the default of 1s.
	Backoff time.Duration
}

// Job is the wire envelope of one queued unit of work.
type Job struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Attempt    int             `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	BackoffMs  int64           `json:"backoff_ms"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Handler processes one job payload. A non-nil error triggers a retry.
type Handler func(ctx context.Context, payload []byte) error

// Queue is the NATS-backed job queue.
type Queue struct {
	conn    *nats.Conn
	enabled bool
	subs    []*nats.Subscription

	// publish is indirected for tests.
	publish func(subject string, data []byte) error
}

// NewQueue connects to NATS. If no URL is configured the queue is disabled
// and every enqueue fails loudly so callers can log the loss.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.URL == "" {
		logger.Queue().Warn().Msg("NATS_URL not configured, job queue disabled")
		return &Queue{enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("skimate-realtime"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Queue().Error().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Queue().Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Queue().Error().Err(err).Msg("NATS subscription error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Queue().Info().Str("url", conn.ConnectedUrl()).Msg("Job queue connected")

	q := &Queue{conn: conn, enabled: true}
	q.publish = conn.Publish
	return q, nil
}

// NewQueueForTesting builds a queue whose publishes go through the given
// function instead of a live connection.
func NewQueueForTesting(publish func(subject string, data []byte) error) *Queue {
	return &Queue{enabled: true, publish: publish}
}

// IsEnabled returns whether the queue has a live connection.
func (q *Queue) IsEnabled() bool {
	return q.enabled
}

// Close drains subscriptions and closes the connection.
func (q *Queue) Close() {
	if q.conn != nil {
		for _, sub := range q.subs {
			sub.Unsubscribe()
		}
		q.conn.Drain()
		q.conn.Close()
	}
}

// Enqueue publishes a payload on a topic with the given retry options.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload interface{}, opts Options) error {
	if !q.enabled {
		return fmt.Errorf("job queue disabled")
	}

	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Backoff == 0 {
		opts.Backoff = time.Second
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload for %s: %w", topic, err)
	}

	job := Job{
		ID:          uuid.New().String(),
		Topic:       topic,
		Attempt:     1,
		MaxAttempts: opts.Attempts,
		BackoffMs:   opts.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now().UTC(),
		Payload:     raw,
	}
	return q.publishJob(job)
}

func (q *Queue) publishJob(job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := q.publish(job.Topic, data); err != nil {
		return fmt.Errorf("failed to publish job %s on %s: %w", job.ID, job.Topic, err)
	}
	return nil
}

// Consume subscribes the node's worker to a topic. Handlers run on the
// subscription goroutine; failed jobs are re-published after backoff and
// dead-lettered once attempts are exhausted.
func (q *Queue) Consume(topic string, handler Handler) error {
	if !q.enabled {
		logger.Queue().Warn().Str("topic", topic).Msg("Job queue disabled, not consuming")
		return nil
	}
	if q.conn == nil {
		return fmt.Errorf("cannot consume without a connection")
	}

	sub, err := q.conn.QueueSubscribe(topic, WorkerGroup, func(msg *nats.Msg) {
		q.dispatch(msg.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	q.subs = append(q.subs, sub)

	logger.Queue().Info().Str("topic", topic).Msg("Consuming jobs")
	return nil
}

// dispatch runs one delivery through the handler and applies the retry and
// dead-letter policy.
func (q *Queue) dispatch(data []byte, handler Handler) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		logger.Queue().Error().Err(err).Msg("Dropping undecodable job")
		return
	}

	err := handler(context.Background(), job.Payload)
	if err == nil {
		return
	}

	logger.Queue().Error().
		Err(err).
		Str("job_id", job.ID).
		Str("topic", job.Topic).
		Int("attempt", job.Attempt).
		Msg("Job failed")

	if job.Attempt >= job.MaxAttempts {
		q.deadLetter(job)
		return
	}

	delay := RetryDelay(job)
	retry := job
	retry.Attempt++
	time.AfterFunc(delay, func() {
		if err := q.publishJob(retry); err != nil {
			logger.Queue().Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue job")
			q.deadLetter(retry)
		}
	})
}

// RetryDelay computes the backoff before the next attempt of a job:
// base * 2^(attempt-1).
func RetryDelay(job Job) time.Duration {
	base := time.Duration(job.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	return base << (job.Attempt - 1)
}

func (q *Queue) deadLetter(job Job) {
	data, err := json.Marshal(job)
	if err != nil {
		logger.Queue().Error().Err(err).Str("job_id", job.ID).Msg("Failed to marshal dead letter")
		return
	}
	if err := q.publish(DLQSubject(job.Topic), data); err != nil {
		logger.Queue().Error().Err(err).Str("job_id", job.ID).Msg("Failed to dead-letter job")
		return
	}
	logger.Queue().Warn().
		Str("job_id", job.ID).
		Str("topic", job.Topic).
		Int("attempts", job.Attempt).
		Msg("Job dead-lettered")
}
