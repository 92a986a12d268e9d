// Package chat implements the realtime chat fabric: authorization-scoped
// rooms, message send with a write-through hot cache, history with cache
// refill, and typing/read-receipt state.
//
// Room identity is derived, never stored: group rooms from the group id,
// DM rooms from the canonically ordered user pair. Every access check hits
// the durable store so a revoked membership or friendship takes effect
// immediately; no node-local authorization cache exists.
package chat

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/skimate/realtime/internal/backplane"
	"github.com/skimate/realtime/internal/db"
	"github.com/skimate/realtime/internal/hot"
	"github.com/skimate/realtime/internal/logger"
	"github.com/skimate/realtime/internal/protocol"
	"github.com/skimate/realtime/internal/queue"
)

// MaxContentRunes bounds message content after sanitization.
const MaxContentRunes = 2000

// Conn is the engine's view of a joined connection.
type Conn interface {
	UserID() string

	// AddRoom records a join, reporting whether the room is newly joined
	// on this connection.
	AddRoom(roomID string) bool
	RemoveRoom(roomID string) bool
	Rooms() []string
	Deliver(payload []byte) bool
}

// Config tunes the chat fabric.
type Config struct {
	CacheSize     int           // messages kept per room, default 50
	CacheTTL      time.Duration // room cache TTL, default 1h
	TypingTTL     time.Duration // typing flag TTL, default 5s
	MaxHistory    int           // hard cap on history limit, default 100
	MembershipTTL time.Duration // room membership record TTL, default 24h
}

func (c *Config) applyDefaults() {
	if c.CacheSize == 0 {
		c.CacheSize = 50
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = 5 * time.Second
	}
	if c.MaxHistory == 0 {
		c.MaxHistory = 100
	}
	if c.MembershipTTL == 0 {
		c.MembershipTTL = 24 * time.Hour
	}
}

// AfterWriteJob is enqueued after every durable send for cross-cutting
// consumers (push notifications, analytics).
type AfterWriteJob struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
}

// Engine is the chat fabric.
type Engine struct {
	config    Config
	hot       *hot.Client
	messages  *db.MessageDB
	social    *db.SocialDB
	queue     *queue.Queue
	backplane *backplane.Backplane
	sanitizer *bluemonday.Policy
}

// NewEngine wires the engine to its collaborators.
func NewEngine(config Config, hotClient *hot.Client, messages *db.MessageDB, social *db.SocialDB, q *queue.Queue, bp *backplane.Backplane) *Engine {
	config.applyDefaults()
	return &Engine{
		config:    config,
		hot:       hotClient,
		messages:  messages,
		social:    social,
		queue:     q,
		backplane: bp,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// resolveRoom derives the canonical room from a request carrying exactly
// one of groupId / recipientId, and verifies the caller's access. Denials
// and malformed addressing both come back as !ok with no reason attached.
func (e *Engine) resolveRoom(ctx context.Context, userID, groupID, recipientID string) (protocol.Room, bool) {
	switch {
	case groupID != "" && recipientID == "":
		member, err := e.social.IsGroupMember(ctx, groupID, userID)
		if err != nil {
			logger.Chat().Error().Err(err).Str("group_id", groupID).Msg("Failed to check group membership")
			return protocol.Room{}, false
		}
		if !member {
			return protocol.Room{}, false
		}
		return protocol.RoomFromGroup(groupID), true

	case recipientID != "" && groupID == "" && recipientID != userID:
		friends, err := e.social.AreFriends(ctx, userID, recipientID)
		if err != nil {
			logger.Chat().Error().Err(err).Str("recipient_id", recipientID).Msg("Failed to check friendship")
			return protocol.Room{}, false
		}
		if !friends {
			return protocol.Room{}, false
		}
		return protocol.RoomFromDM(userID, recipientID), true

	default:
		return protocol.Room{}, false
	}
}

// verifyRoomAccess re-checks access for an already-derived room.
func (e *Engine) verifyRoomAccess(ctx context.Context, userID string, room protocol.Room) bool {
	if room.Kind == protocol.RoomGroup {
		member, err := e.social.IsGroupMember(ctx, room.GroupID, userID)
		if err != nil || !member {
			return false
		}
		return true
	}
	if room.UserA != userID && room.UserB != userID {
		return false
	}
	friends, err := e.social.AreFriends(ctx, room.UserA, room.UserB)
	return err == nil && friends
}

// Join resolves the room, verifies access, subscribes the node to the room
// channel (reference-counted by the backplane) and records the membership
// in the hot store.
func (e *Engine) Join(ctx context.Context, conn Conn, req protocol.RoomRequest) protocol.Ack {
	room, ok := e.resolveRoom(ctx, conn.UserID(), req.GroupID, req.RecipientID)
	if !ok {
		return protocol.Failure()
	}
	roomID := room.ID()

	// A repeated join is a no-op success; the channel reference is only
	// taken once per connection so leave/disconnect stay balanced.
	if conn.AddRoom(roomID) {
		if err := e.backplane.Subscribe(room.Channel()); err != nil {
			logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to subscribe room channel")
			conn.RemoveRoom(roomID)
			return protocol.Failure()
		}
		if err := e.hot.AddRoomMembership(ctx, conn.UserID(), roomID, e.config.MembershipTTL); err != nil {
			logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to record room membership")
		}
	}

	return protocol.Ack{Success: true, RoomID: roomID}
}

// Leave is the inverse of Join. The user's typing flag is deleted and a
// final isTyping=false is emitted to the room.
func (e *Engine) Leave(ctx context.Context, conn Conn, req protocol.ChatLeaveRequest) protocol.Ack {
	room, err := protocol.ParseRoomID(req.RoomID)
	if err != nil {
		return protocol.Failure()
	}
	roomID := room.ID()

	if !conn.RemoveRoom(roomID) {
		return protocol.Failure()
	}
	if err := e.backplane.Unsubscribe(room.Channel()); err != nil {
		logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to unsubscribe room channel")
	}
	if err := e.hot.RemoveRoomMembership(ctx, conn.UserID(), roomID); err != nil {
		logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to remove room membership")
	}

	e.clearTypingAndBroadcast(ctx, room, conn.UserID())

	return protocol.Ack{Success: true}
}

// Send runs the authoritative send algorithm: access check, durable
// insert, write-through cache, after-write job, room broadcast, implicit
// stopped-typing.
func (e *Engine) Send(ctx context.Context, userID string, req protocol.ChatSendRequest) protocol.Ack {
	room, ok := e.resolveRoom(ctx, userID, req.GroupID, req.RecipientID)
	if !ok {
		return protocol.Failure()
	}
	roomID := room.ID()

	content := e.sanitizer.Sanitize(req.Content)
	if content == "" || utf8.RuneCountInString(content) > MaxContentRunes {
		return protocol.Failure()
	}

	msg := &db.Message{
		SenderID:    userID,
		GroupID:     req.GroupID,
		RecipientID: req.RecipientID,
		Content:     content,
	}
	if req.Metadata != nil {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return protocol.Failure()
		}
		msg.Metadata = raw
	}

	stored, err := e.messages.InsertMessage(ctx, msg)
	if err != nil {
		logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to store message")
		return protocol.Failure()
	}

	wire := protocol.ChatMessage{
		ID:          stored.ID,
		SenderID:    stored.SenderID,
		GroupID:     stored.GroupID,
		RecipientID: stored.RecipientID,
		Content:     stored.Content,
		Metadata:    req.Metadata,
		SentAt:      stored.SentAt,
	}
	serialized, err := json.Marshal(wire)
	if err != nil {
		logger.Chat().Error().Err(err).Str("message_id", stored.ID).Msg("Failed to serialize message")
		return protocol.Failure()
	}

	// The cache is only written after the durable insert succeeded.
	if err := e.hot.PushMessage(ctx, roomID, serialized, int64(e.config.CacheSize), e.config.CacheTTL); err != nil {
		logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to cache message")
	}

	job := AfterWriteJob{MessageID: stored.ID, RoomID: roomID, SenderID: userID}
	if err := e.queue.Enqueue(ctx, queue.SubjectChatAfterWrite, job, queue.Options{}); err != nil {
		logger.Chat().Error().Err(err).Str("message_id", stored.ID).Msg("Failed to enqueue after-write job")
	}

	frame := protocol.OutboundFrame{Event: protocol.EventChatMessage, Data: wire}
	if payload, err := frame.Encode(); err == nil {
		if err := e.backplane.Publish(ctx, room.Channel(), payload); err != nil {
			logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to publish message")
		}
	}

	// Sending implies the user stopped typing.
	e.clearTypingAndBroadcast(ctx, room, userID)

	sentAt := stored.SentAt
	return protocol.Ack{Success: true, MessageID: stored.ID, SentAt: &sentAt}
}

// Typing sets or clears the caller's typing flag and broadcasts the state
// to the room. This event carries no acknowledgement by contract.
func (e *Engine) Typing(ctx context.Context, userID string, req protocol.ChatTypingRequest) {
	room, ok := e.resolveRoom(ctx, userID, req.GroupID, req.RecipientID)
	if !ok {
		return
	}

	if req.IsTyping {
		if err := e.hot.SetTyping(ctx, room.ID(), userID, e.config.TypingTTL); err != nil {
			logger.Chat().Error().Err(err).Str("room_id", room.ID()).Msg("Failed to set typing flag")
			return
		}
		e.broadcastTyping(ctx, room, userID, true)
		return
	}

	e.clearTypingAndBroadcast(ctx, room, userID)
}

// Read idempotently adds the caller to the message's readBy set and
// broadcasts the receipt to the room.
func (e *Engine) Read(ctx context.Context, userID string, req protocol.ChatReadRequest) protocol.Ack {
	if req.MessageID == "" {
		return protocol.Failure()
	}

	msg, err := e.messages.GetMessage(ctx, req.MessageID)
	if err != nil {
		logger.Chat().Error().Err(err).Str("message_id", req.MessageID).Msg("Failed to load message")
		return protocol.Failure()
	}

	var room protocol.Room
	if msg.GroupID != "" {
		room = protocol.RoomFromGroup(msg.GroupID)
	} else {
		room = protocol.RoomFromDM(msg.SenderID, msg.RecipientID)
	}
	if !e.verifyRoomAccess(ctx, userID, room) {
		return protocol.Failure()
	}

	readAt, err := e.messages.AppendMessageRead(ctx, req.MessageID, userID)
	if err != nil {
		logger.Chat().Error().Err(err).Str("message_id", req.MessageID).Msg("Failed to record read receipt")
		return protocol.Failure()
	}

	frame := protocol.OutboundFrame{
		Event: protocol.EventChatRead,
		Data: protocol.ReadBroadcast{
			MessageID: req.MessageID,
			UserID:    userID,
			ReadAt:    readAt,
		},
	}
	if payload, err := frame.Encode(); err == nil {
		if err := e.backplane.Publish(ctx, room.Channel(), payload); err != nil {
			logger.Chat().Error().Err(err).Str("room_id", room.ID()).Msg("Failed to publish read receipt")
		}
	}

	return protocol.Ack{Success: true}
}

// History reads the room tail from the hot cache, falling back to the
// durable store and warming the cache on a miss. A cache hit is returned
// newest-first as cached; the durable path returns chronological order.
func (e *Engine) History(ctx context.Context, userID string, req protocol.ChatHistoryRequest) protocol.Ack {
	room, ok := e.resolveRoom(ctx, userID, req.GroupID, req.RecipientID)
	if !ok {
		return protocol.Failure()
	}
	roomID := room.ID()

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > e.config.MaxHistory {
		limit = e.config.MaxHistory
	}

	cached, err := e.hot.RecentMessages(ctx, roomID, int64(limit), e.config.CacheTTL)
	if err != nil {
		logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to read message cache")
		return protocol.Failure()
	}
	if len(cached) > 0 {
		messages := make([]protocol.ChatMessage, 0, len(cached))
		for _, entry := range cached {
			var msg protocol.ChatMessage
			if err := json.Unmarshal([]byte(entry), &msg); err != nil {
				logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Dropping undecodable cache entry")
				continue
			}
			messages = append(messages, msg)
		}
		return protocol.Ack{Success: true, Messages: messages}
	}

	var stored []*db.Message
	if room.Kind == protocol.RoomGroup {
		stored, err = e.messages.RecentGroupMessages(ctx, room.GroupID, limit)
	} else {
		stored, err = e.messages.RecentDMMessages(ctx, room.UserA, room.UserB, limit)
	}
	if err != nil {
		logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to load history")
		return protocol.Failure()
	}

	// stored is newest-first; the response and the cache refill both want
	// chronological order.
	messages := make([]protocol.ChatMessage, 0, len(stored))
	refill := make([][]byte, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		wire := toWireMessage(stored[i])
		messages = append(messages, wire)
		if serialized, err := json.Marshal(wire); err == nil {
			refill = append(refill, serialized)
		}
	}

	if len(refill) > 0 {
		if err := e.hot.PushMessages(ctx, roomID, refill, int64(e.config.CacheSize), e.config.CacheTTL); err != nil {
			logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to warm message cache")
		}
	}

	return protocol.Ack{Success: true, Messages: messages}
}

// ClearTypingOnDisconnect is called by the gateway for every room a closing
// connection had joined.
func (e *Engine) ClearTypingOnDisconnect(ctx context.Context, roomID, userID string) {
	room, err := protocol.ParseRoomID(roomID)
	if err != nil {
		return
	}
	e.clearTypingAndBroadcast(ctx, room, userID)
}

// RemoveMembershipOnDisconnect drops the user's membership records for a
// room. The gateway calls it only when the user's last connection anywhere
// is gone; connections elsewhere in the fleet keep the records alive.
func (e *Engine) RemoveMembershipOnDisconnect(ctx context.Context, roomID, userID string) {
	if err := e.hot.RemoveRoomMembership(ctx, userID, roomID); err != nil {
		logger.Chat().Error().Err(err).Str("room_id", roomID).Msg("Failed to remove room membership on disconnect")
	}
}

func (e *Engine) clearTypingAndBroadcast(ctx context.Context, room protocol.Room, userID string) {
	if err := e.hot.ClearTyping(ctx, room.ID(), userID); err != nil {
		logger.Chat().Error().Err(err).Str("room_id", room.ID()).Msg("Failed to clear typing flag")
	}
	e.broadcastTyping(ctx, room, userID, false)
}

func (e *Engine) broadcastTyping(ctx context.Context, room protocol.Room, userID string, isTyping bool) {
	frame := protocol.OutboundFrame{
		Event: protocol.EventChatTyping,
		Data: protocol.TypingBroadcast{
			RoomID:   room.ID(),
			UserID:   userID,
			IsTyping: isTyping,
		},
	}
	payload, err := frame.Encode()
	if err != nil {
		return
	}
	if err := e.backplane.Publish(ctx, room.Channel(), payload); err != nil {
		logger.Chat().Error().Err(err).Str("room_id", room.ID()).Msg("Failed to publish typing state")
	}
}

// toWireMessage converts a stored message to its broadcast form.
func toWireMessage(msg *db.Message) protocol.ChatMessage {
	wire := protocol.ChatMessage{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		GroupID:     msg.GroupID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		SentAt:      msg.SentAt,
	}
	if len(msg.Metadata) > 0 {
		var meta protocol.MessageMetadata
		if err := json.Unmarshal(msg.Metadata, &meta); err == nil {
			wire.Metadata = &meta
		}
	}
	return wire
}
