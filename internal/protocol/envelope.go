// Package protocol defines the framed JSON wire model spoken over the
// WebSocket gateway and the canonical room identity shared by the chat
// and location engines.
//
// Every inbound frame is an Envelope {event, data, ackId?}. The event tag
// selects a typed payload; an unknown tag is a validation failure and is
// rejected with no side effects.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client -> server event names.
const (
	EventAuth = "auth"

	EventSessionStart      = "session:start"
	EventSessionEnd        = "session:end"
	EventLocationPing      = "location:ping"
	EventLocationSubscribe = "location:subscribe"
	EventLocationFriends   = "location:friends"

	EventChatJoin    = "chat:join"
	EventChatLeave   = "chat:leave"
	EventChatSend    = "chat:send"
	EventChatTyping  = "chat:typing"
	EventChatRead    = "chat:read"
	EventChatHistory = "chat:history"
)

// Server -> client event names.
const (
	EventAck               = "ack"
	EventLocationUpdate    = "location:update"
	EventLocationProximity = "location:proximity"
	EventChatMessage       = "chat:message"
	// chat:typing and chat:read are re-used for server broadcasts.
)

// Envelope is a single inbound frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	AckID string          `json:"ackId,omitempty"`
}

// OutboundFrame is a single server -> client frame.
type OutboundFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	AckID string      `json:"ackId,omitempty"`
}

// Encode serializes an outbound frame.
func (f OutboundFrame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Event, err)
	}
	return b, nil
}

// ParseEnvelope decodes an inbound frame. An empty event tag is rejected.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("malformed frame: missing event")
	}
	return &env, nil
}

// DecodeData decodes the envelope payload into the given typed struct.
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		// A missing data object decodes as the zero payload; required-field
		// validation happens in the handlers.
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Event, err)
	}
	return nil
}

// AuthRequest carries the bearer token on the handshake envelope.
type AuthRequest struct {
	Token string `json:"token"`
}

// SessionStartRequest starts a new tracking session.
type SessionStartRequest struct {
	ResortID string `json:"resortId,omitempty"`
}

// SessionEndRequest ends a tracking session.
type SessionEndRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionSummary is returned by session:end.
type SessionSummary struct {
	TotalVertical   float64 `json:"totalVertical"`
	TotalDistance   float64 `json:"totalDistance"`
	MaxSpeed        float64 `json:"maxSpeed"`
	DurationSeconds int64   `json:"durationSeconds"`
}

// PingRequest is a single GPS sample.
type PingRequest struct {
	SessionID string  `json:"sessionId"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Altitude  float64 `json:"altitude"`
	Speed     float64 `json:"speed"`
	Accuracy  float64 `json:"accuracy"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp int64   `json:"timestamp"` // epoch milliseconds of capture
}

// SubscribeRequest declares interest in a set of friends' locations.
type SubscribeRequest struct {
	FriendIDs []string `json:"friendIds"`
}

// LocationUpdate is fanned out to friends of a pinging user.
type LocationUpdate struct {
	UserID    string  `json:"userId"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Altitude  float64 `json:"altitude"`
	Speed     float64 `json:"speed"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// ProximityAlert is delivered to the pinging user when a friend is close.
type ProximityAlert struct {
	FriendID   string  `json:"friendId"`
	FriendName string  `json:"friendName"`
	Distance   float64 `json:"distance"` // meters
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// NearbyFriend is one entry of the location:friends response.
type NearbyFriend struct {
	FriendID   string  `json:"friendId"`
	FriendName string  `json:"friendName"`
	Distance   float64 `json:"distance"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// RoomRequest addresses a room by exactly one of groupId or recipientId.
// Used by chat:join.
type RoomRequest struct {
	GroupID     string `json:"groupId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

// ChatLeaveRequest leaves a previously joined room.
type ChatLeaveRequest struct {
	RoomID string `json:"roomId"`
}

// MessageMetadata is the optional typed variant attached to a message.
type MessageMetadata struct {
	Type     string  `json:"type"` // text | image | location | meetup-request
	URL      string  `json:"url,omitempty"`
	Lat      float64 `json:"lat,omitempty"`
	Lon      float64 `json:"lon,omitempty"`
	MeetupID string  `json:"meetupId,omitempty"`
}

// ChatSendRequest sends a message to a room.
type ChatSendRequest struct {
	GroupID     string           `json:"groupId,omitempty"`
	RecipientID string           `json:"recipientId,omitempty"`
	Content     string           `json:"content"`
	Metadata    *MessageMetadata `json:"metadata,omitempty"`
}

// ChatTypingRequest sets or clears the caller's typing flag.
type ChatTypingRequest struct {
	GroupID     string `json:"groupId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// ChatReadRequest acknowledges a message as read.
type ChatReadRequest struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId,omitempty"`
}

// ChatHistoryRequest fetches the recent message tail of a room.
type ChatHistoryRequest struct {
	GroupID     string `json:"groupId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// ChatMessage is the broadcast form of a stored message.
type ChatMessage struct {
	ID          string           `json:"id"`
	SenderID    string           `json:"senderId"`
	GroupID     string           `json:"groupId,omitempty"`
	RecipientID string           `json:"recipientId,omitempty"`
	Content     string           `json:"content"`
	Metadata    *MessageMetadata `json:"metadata,omitempty"`
	SentAt      time.Time        `json:"sentAt"`
}

// TypingBroadcast notifies a room that a user started or stopped typing.
type TypingBroadcast struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadBroadcast notifies a room that a user read a message.
type ReadBroadcast struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// Ack is the acknowledgement payload for a handled frame.
type Ack struct {
	Success   bool        `json:"success"`
	Throttled bool        `json:"throttled,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	StartTime *time.Time  `json:"startTime,omitempty"`
	Summary   *SessionSummary `json:"summary,omitempty"`
	RoomID    string      `json:"roomId,omitempty"`
	MessageID string      `json:"messageId,omitempty"`
	SentAt    *time.Time  `json:"sentAt,omitempty"`
	Messages  interface{} `json:"messages,omitempty"`
	Friends   interface{} `json:"friends,omitempty"`
}

// Failure is the generic failed ack. Access denials reuse it so the reason
// never leaks to the caller.
func Failure() Ack {
	return Ack{Success: false}
}

// Throttle is the backpressure ack for pings inside the throttle window.
func Throttle() Ack {
	return Ack{Success: false, Throttled: true}
}
