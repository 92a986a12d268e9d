package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skimate/realtime/internal/backplane"
	"github.com/skimate/realtime/internal/db"
	"github.com/skimate/realtime/internal/hot"
	"github.com/skimate/realtime/internal/protocol"
	"github.com/skimate/realtime/internal/queue"
)

// fakeConn implements Conn for engine tests.
type fakeConn struct {
	user  string
	rooms map[string]struct{}
	sent  [][]byte
}

func newFakeConn(user string) *fakeConn {
	return &fakeConn{user: user, rooms: map[string]struct{}{}}
}

func (f *fakeConn) UserID() string { return f.user }
func (f *fakeConn) AddRoom(roomID string) bool {
	if _, ok := f.rooms[roomID]; ok {
		return false
	}
	f.rooms[roomID] = struct{}{}
	return true
}
func (f *fakeConn) RemoveRoom(roomID string) bool {
	if _, ok := f.rooms[roomID]; !ok {
		return false
	}
	delete(f.rooms, roomID)
	return true
}
func (f *fakeConn) Rooms() []string {
	rooms := []string{}
	for id := range f.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}
func (f *fakeConn) Deliver(payload []byte) bool {
	f.sent = append(f.sent, payload)
	return true
}

type chatFixture struct {
	engine *Engine
	mock   sqlmock.Sqlmock
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	hot    *hot.Client
	jobs   *[]string
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	database := db.NewDatabaseForTesting(mockDB)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	hotClient := hot.NewClientForTesting(rdb)

	jobs := &[]string{}
	q := queue.NewQueueForTesting(func(subject string, data []byte) error {
		*jobs = append(*jobs, subject)
		return nil
	})

	bp := backplane.New(hotClient, func(channel string, payload []byte) {})
	bp.Start()
	t.Cleanup(bp.Stop)

	engine := NewEngine(Config{}, hotClient, db.NewMessageDB(database), db.NewSocialDB(database), q, bp)
	return &chatFixture{engine: engine, mock: mock, mr: mr, rdb: rdb, hot: hotClient, jobs: jobs}
}

func (f *chatFixture) expectFriends(result bool) {
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(result))
}

func (f *chatFixture) expectGroupMember(result bool) {
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(result))
}

func TestJoin_DMCanonicalFromEitherSide(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.expectFriends(true)
	connA := newFakeConn("ua-1")
	ackA := f.engine.Join(ctx, connA, protocol.RoomRequest{RecipientID: "ub-2"})
	require.True(t, ackA.Success)
	assert.Equal(t, "dm:ua-1_ub-2", ackA.RoomID)

	f.expectFriends(true)
	connB := newFakeConn("ub-2")
	ackB := f.engine.Join(ctx, connB, protocol.RoomRequest{RecipientID: "ua-1"})
	require.True(t, ackB.Success)
	assert.Equal(t, "dm:ua-1_ub-2", ackB.RoomID)

	assert.Contains(t, connA.rooms, "dm:ua-1_ub-2")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestJoin_DeniedWithoutFriendship(t *testing.T) {
	f := newChatFixture(t)

	f.expectFriends(false)
	conn := newFakeConn("uc-3")
	ack := f.engine.Join(context.Background(), conn, protocol.RoomRequest{RecipientID: "ua-1"})

	assert.False(t, ack.Success)
	assert.Empty(t, ack.RoomID, "denial leaks nothing")
	assert.Empty(t, conn.rooms)
}

func TestJoin_GroupRequiresMembership(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.expectGroupMember(true)
	conn := newFakeConn("u-1")
	ack := f.engine.Join(ctx, conn, protocol.RoomRequest{GroupID: "g-1"})
	require.True(t, ack.Success)
	assert.Equal(t, "group:g-1", ack.RoomID)

	f.expectGroupMember(false)
	outsider := newFakeConn("u-9")
	ack = f.engine.Join(ctx, outsider, protocol.RoomRequest{GroupID: "g-1"})
	assert.False(t, ack.Success)
}

func TestJoin_RejectsAmbiguousAddressing(t *testing.T) {
	f := newChatFixture(t)
	conn := newFakeConn("u-1")

	ack := f.engine.Join(context.Background(), conn, protocol.RoomRequest{GroupID: "g-1", RecipientID: "u-2"})
	assert.False(t, ack.Success)

	ack = f.engine.Join(context.Background(), conn, protocol.RoomRequest{})
	assert.False(t, ack.Success)

	// Self-DM is not a room.
	ack = f.engine.Join(context.Background(), conn, protocol.RoomRequest{RecipientID: "u-1"})
	assert.False(t, ack.Success)
}

func TestSend_StoresCachesBroadcastsAndAcks(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	sentAt := time.Now().UTC()
	f.expectFriends(true)
	f.mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows([]string{"sent_at"}).AddRow(sentAt))

	// A lingering typing flag is cleared by the send.
	require.NoError(t, f.hot.SetTyping(ctx, "dm:ua-1_ub-2", "ua-1", 5*time.Second))

	// Listen on the room channel to observe the broadcast.
	sub := f.rdb.Subscribe(ctx, "room:dm:ua-1_ub-2")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ack := f.engine.Send(ctx, "ua-1", protocol.ChatSendRequest{RecipientID: "ub-2", Content: "hi"})

	require.True(t, ack.Success)
	assert.NotEmpty(t, ack.MessageID)
	require.NotNil(t, ack.SentAt)

	// The message is broadcast to the room.
	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	broadcast, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	var frame struct {
		Event string               `json:"event"`
		Data  protocol.ChatMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(broadcast.Payload), &frame))
	assert.Equal(t, protocol.EventChatMessage, frame.Event)
	assert.Equal(t, "hi", frame.Data.Content)

	// Write-through cache holds the message at the head.
	entries, err := f.rdb.LRange(ctx, hot.ChatMessagesKey("dm:ua-1_ub-2"), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var cached protocol.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &cached))
	assert.Equal(t, "hi", cached.Content)
	assert.Equal(t, "ua-1", cached.SenderID)

	// After-write job enqueued.
	assert.Equal(t, []string{queue.SubjectChatAfterWrite}, *f.jobs)

	// Implicit stopped-typing.
	assert.False(t, f.mr.Exists(hot.TypingKey("dm:ua-1_ub-2", "ua-1")))

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSend_DeniedWithoutAccess(t *testing.T) {
	f := newChatFixture(t)

	f.expectFriends(false)
	ack := f.engine.Send(context.Background(), "uc-3", protocol.ChatSendRequest{RecipientID: "ua-1", Content: "hi"})

	assert.False(t, ack.Success)
	assert.False(t, f.mr.Exists(hot.ChatMessagesKey("dm:ua-1_uc-3")), "cache untouched on denial")
}

func TestSend_EmptyAfterSanitizeRejected(t *testing.T) {
	f := newChatFixture(t)

	f.expectFriends(true)
	ack := f.engine.Send(context.Background(), "ua-1", protocol.ChatSendRequest{RecipientID: "ub-2", Content: "<b></b>"})
	assert.False(t, ack.Success)
}

func TestSend_CacheBoundHolds(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	// Room cache already at capacity.
	for i := 0; i < 50; i++ {
		payload := []byte(fmt.Sprintf(`{"id":"m-%d"}`, i))
		require.NoError(t, f.hot.PushMessage(ctx, "dm:ua-1_ub-2", payload, 50, time.Hour))
	}

	f.expectFriends(true)
	f.mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows([]string{"sent_at"}).AddRow(time.Now()))

	ack := f.engine.Send(ctx, "ua-1", protocol.ChatSendRequest{RecipientID: "ub-2", Content: "newest"})
	require.True(t, ack.Success)

	length, err := f.rdb.LLen(ctx, hot.ChatMessagesKey("dm:ua-1_ub-2")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(50), length)
}

func TestHistory_CacheHitIsNewestFirst(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	older, _ := json.Marshal(protocol.ChatMessage{ID: "m-1", Content: "first"})
	newer, _ := json.Marshal(protocol.ChatMessage{ID: "m-2", Content: "second"})
	require.NoError(t, f.hot.PushMessage(ctx, "dm:ua-1_ub-2", older, 50, time.Hour))
	require.NoError(t, f.hot.PushMessage(ctx, "dm:ua-1_ub-2", newer, 50, time.Hour))

	f.expectFriends(true)
	ack := f.engine.History(ctx, "ua-1", protocol.ChatHistoryRequest{RecipientID: "ub-2"})

	require.True(t, ack.Success)
	messages := ack.Messages.([]protocol.ChatMessage)
	require.Len(t, messages, 2)
	assert.Equal(t, "m-2", messages[0].ID)
	assert.Equal(t, "m-1", messages[1].ID)

	// No durable query on a cache hit.
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHistory_CacheMissReadsWarmAndRefills(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "sender_id", "group_id", "recipient_id",
		"content", "metadata", "read_by", "sent_at"})
	// Newest first, as the store returns them.
	for i := 9; i >= 0; i-- {
		rows.AddRow(fmt.Sprintf("m-%d", i), "ua-1", "", "ub-2",
			fmt.Sprintf("msg %d", i), nil, []byte("{}"), now.Add(time.Duration(i)*time.Second))
	}

	f.expectFriends(true)
	f.mock.ExpectQuery("SELECT (.+) FROM messages WHERE").
		WillReturnRows(rows)

	ack := f.engine.History(ctx, "ua-1", protocol.ChatHistoryRequest{RecipientID: "ub-2", Limit: 50})

	require.True(t, ack.Success)
	messages := ack.Messages.([]protocol.ChatMessage)
	require.Len(t, messages, 10)
	// Chronological order from the durable path.
	assert.Equal(t, "m-0", messages[0].ID)
	assert.Equal(t, "m-9", messages[9].ID)

	// Cache warmed with the newest at the head.
	entries, err := f.rdb.LRange(ctx, hot.ChatMessagesKey("dm:ua-1_ub-2"), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 10)
	var head protocol.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &head))
	assert.Equal(t, "m-9", head.ID)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHistory_LimitClamped(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.expectFriends(true)
	f.mock.ExpectQuery("SELECT (.+) FROM messages WHERE").
		WithArgs("ua-1", "ub-2", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "group_id", "recipient_id",
			"content", "metadata", "read_by", "sent_at"}))

	ack := f.engine.History(ctx, "ua-1", protocol.ChatHistoryRequest{RecipientID: "ub-2", Limit: 500})
	assert.True(t, ack.Success)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTyping_SetsFlagWithTTL(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.expectFriends(true)
	f.engine.Typing(ctx, "ua-1", protocol.ChatTypingRequest{RecipientID: "ub-2", IsTyping: true})

	key := hot.TypingKey("dm:ua-1_ub-2", "ua-1")
	assert.True(t, f.mr.Exists(key))
	assert.Equal(t, 5*time.Second, f.mr.TTL(key))

	f.expectFriends(true)
	f.engine.Typing(ctx, "ua-1", protocol.ChatTypingRequest{RecipientID: "ub-2", IsTyping: false})
	assert.False(t, f.mr.Exists(key))
}

func TestTyping_DeniedSilently(t *testing.T) {
	f := newChatFixture(t)

	f.expectFriends(false)
	f.engine.Typing(context.Background(), "uc-3", protocol.ChatTypingRequest{RecipientID: "ua-1", IsTyping: true})

	assert.False(t, f.mr.Exists(hot.TypingKey("dm:ua-1_uc-3", "uc-3")))
}

func TestRead_RecordsReceipt(t *testing.T) {
	f := newChatFixture(t)

	f.mock.ExpectQuery("SELECT (.+) FROM messages WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "group_id", "recipient_id",
			"content", "metadata", "read_by", "sent_at"}).
			AddRow("m-1", "ua-1", "", "ub-2", "hi", nil, []byte("{}"), time.Now()))
	f.expectFriends(true) // participant access check
	f.mock.ExpectExec("UPDATE messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ack := f.engine.Read(context.Background(), "ub-2", protocol.ChatReadRequest{MessageID: "m-1"})

	assert.True(t, ack.Success)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRead_NonParticipantDenied(t *testing.T) {
	f := newChatFixture(t)

	f.mock.ExpectQuery("SELECT (.+) FROM messages WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "group_id", "recipient_id",
			"content", "metadata", "read_by", "sent_at"}).
			AddRow("m-1", "ua-1", "", "ub-2", "hi", nil, []byte("{}"), time.Now()))

	ack := f.engine.Read(context.Background(), "uc-3", protocol.ChatReadRequest{MessageID: "m-1"})

	assert.False(t, ack.Success)
}

func TestLeave_ClearsStateAndTyping(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.expectFriends(true)
	conn := newFakeConn("ua-1")
	join := f.engine.Join(ctx, conn, protocol.RoomRequest{RecipientID: "ub-2"})
	require.True(t, join.Success)

	require.NoError(t, f.hot.SetTyping(ctx, join.RoomID, "ua-1", 5*time.Second))

	ack := f.engine.Leave(ctx, conn, protocol.ChatLeaveRequest{RoomID: join.RoomID})

	assert.True(t, ack.Success)
	assert.Empty(t, conn.rooms)
	assert.False(t, f.mr.Exists(hot.TypingKey(join.RoomID, "ua-1")))
}

func TestJoin_RepeatedJoinTakesOneChannelReference(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	conn := newFakeConn("ua-1")
	f.expectFriends(true)
	require.True(t, f.engine.Join(ctx, conn, protocol.RoomRequest{RecipientID: "ub-2"}).Success)
	f.expectFriends(true)
	require.True(t, f.engine.Join(ctx, conn, protocol.RoomRequest{RecipientID: "ub-2"}).Success)

	// One leave fully releases the room: the join path took a single
	// channel reference for the connection.
	f.engine.Leave(ctx, conn, protocol.ChatLeaveRequest{RoomID: "dm:ua-1_ub-2"})
	assert.Empty(t, conn.rooms)
	assert.False(t, f.engine.backplane.Subscribed("room:dm:ua-1_ub-2"))
}

func TestLeave_NotJoinedFails(t *testing.T) {
	f := newChatFixture(t)
	conn := newFakeConn("ua-1")

	ack := f.engine.Leave(context.Background(), conn, protocol.ChatLeaveRequest{RoomID: "dm:ua-1_ub-2"})
	assert.False(t, ack.Success)
}

func TestRemoveMembershipOnDisconnect(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.expectFriends(true)
	conn := newFakeConn("ua-1")
	join := f.engine.Join(ctx, conn, protocol.RoomRequest{RecipientID: "ub-2"})
	require.True(t, join.Success)

	members, err := f.rdb.SMembers(ctx, hot.RoomMembersKey(join.RoomID)).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"ua-1"}, members)

	f.engine.RemoveMembershipOnDisconnect(ctx, join.RoomID, "ua-1")

	count, err := f.rdb.SCard(ctx, hot.RoomMembersKey(join.RoomID)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	rooms, err := f.rdb.SCard(ctx, hot.UserRoomsKey("ua-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), rooms)
}
