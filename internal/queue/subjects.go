package queue

// NATS subject constants for realtime core jobs.
// Format: skimate.<domain>.<action>

const (
	// SubjectPingPersist carries accepted location pings to the persister.
	SubjectPingPersist = "skimate.pings.persist"

	// SubjectChatAfterWrite carries post-send chat work (push, analytics).
	SubjectChatAfterWrite = "skimate.chat.afterwrite"

	// SubjectDLQPrefix is the dead letter queue prefix.
	SubjectDLQPrefix = "skimate.dlq"

	// WorkerGroup is the queue group shared by all nodes so each job is
	// consumed by exactly one worker.
	WorkerGroup = "skimate-workers"
)

// DLQSubject returns the dead letter queue subject for a given subject.
// Example: DLQSubject(SubjectPingPersist) -> "skimate.dlq.skimate.pings.persist"
func DLQSubject(subject string) string {
	return SubjectDLQPrefix + "." + subject
}
