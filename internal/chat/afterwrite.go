// Package chat - afterwrite.go
//
// Consumer for the after-write job enqueued by every durable send. Push
// notification and analytics sinks hang off this hook; the shipped
// consumer records delivery stats.
package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skimate/realtime/internal/logger"
	"github.com/skimate/realtime/internal/queue"
)

// StartAfterWriteConsumer subscribes the node's worker to the after-write
// topic.
func StartAfterWriteConsumer(q *queue.Queue) error {
	return q.Consume(queue.SubjectChatAfterWrite, handleAfterWrite)
}

func handleAfterWrite(ctx context.Context, payload []byte) error {
	var job AfterWriteJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode after-write job: %w", err)
	}

	logger.Chat().Debug().
		Str("message_id", job.MessageID).
		Str("room_id", job.RoomID).
		Str("sender_id", job.SenderID).
		Msg("Message after-write processed")
	return nil
}
