package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture collects published (subject, data) pairs.
type capture struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (c *capture) publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *capture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.subjects...)
}

func (c *capture) payload(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloads[i]
}

func TestDLQSubject(t *testing.T) {
	assert.Equal(t, "skimate.dlq.skimate.pings.persist", DLQSubject(SubjectPingPersist))
}

func TestEnqueue_WrapsPayloadInJobEnvelope(t *testing.T) {
	cap := &capture{}
	q := NewQueueForTesting(cap.publish)

	err := q.Enqueue(context.Background(), SubjectPingPersist,
		map[string]string{"session_id": "s-1"}, Options{})
	require.NoError(t, err)

	require.Equal(t, []string{SubjectPingPersist}, cap.snapshot())

	var job Job
	require.NoError(t, json.Unmarshal(cap.payload(0), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, SubjectPingPersist, job.Topic)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, int64(1000), job.BackoffMs)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "s-1", payload["session_id"])
}

func TestEnqueue_DisabledQueueFailsLoudly(t *testing.T) {
	q := &Queue{enabled: false}
	err := q.Enqueue(context.Background(), SubjectPingPersist, "x", Options{})
	assert.Error(t, err)
}

func TestRetryDelay_ExponentialFromBase(t *testing.T) {
	job := Job{BackoffMs: 1000, Attempt: 1}
	assert.Equal(t, time.Second, RetryDelay(job))

	job.Attempt = 2
	assert.Equal(t, 2*time.Second, RetryDelay(job))

	job.Attempt = 3
	assert.Equal(t, 4*time.Second, RetryDelay(job))
}

func TestRetryDelay_DefaultsBase(t *testing.T) {
	assert.Equal(t, time.Second, RetryDelay(Job{Attempt: 1}))
}

func TestDispatch_SuccessPublishesNothing(t *testing.T) {
	cap := &capture{}
	q := NewQueueForTesting(cap.publish)

	data, _ := json.Marshal(Job{ID: "j-1", Topic: "t", Attempt: 1, MaxAttempts: 3, BackoffMs: 1, Payload: []byte(`{}`)})
	q.dispatch(data, func(ctx context.Context, payload []byte) error { return nil })

	assert.Empty(t, cap.snapshot())
}

func TestDispatch_FailureRequeuesWithIncrementedAttempt(t *testing.T) {
	cap := &capture{}
	q := NewQueueForTesting(cap.publish)

	data, _ := json.Marshal(Job{ID: "j-1", Topic: "t", Attempt: 1, MaxAttempts: 3, BackoffMs: 1, Payload: []byte(`{}`)})
	q.dispatch(data, func(ctx context.Context, payload []byte) error { return errors.New("boom") })

	// Requeue fires on a timer keyed to the (1ms) backoff.
	require.Eventually(t, func() bool { return len(cap.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "t", cap.snapshot()[0])

	var retried Job
	require.NoError(t, json.Unmarshal(cap.payload(0), &retried))
	assert.Equal(t, 2, retried.Attempt)
}

func TestDispatch_ExhaustedAttemptsDeadLetter(t *testing.T) {
	cap := &capture{}
	q := NewQueueForTesting(cap.publish)

	data, _ := json.Marshal(Job{ID: "j-1", Topic: "t", Attempt: 3, MaxAttempts: 3, BackoffMs: 1, Payload: []byte(`{}`)})
	q.dispatch(data, func(ctx context.Context, payload []byte) error { return errors.New("boom") })

	require.Equal(t, []string{DLQSubject("t")}, cap.snapshot())
}

func TestDispatch_UndecodableJobDropped(t *testing.T) {
	cap := &capture{}
	q := NewQueueForTesting(cap.publish)

	q.dispatch([]byte("not json"), func(ctx context.Context, payload []byte) error {
		t.Fatal("handler must not run for an undecodable job")
		return nil
	})

	assert.Empty(t, cap.snapshot())
}
