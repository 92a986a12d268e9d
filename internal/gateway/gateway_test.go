package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skimate/realtime/internal/auth"
	"github.com/skimate/realtime/internal/backplane"
	"github.com/skimate/realtime/internal/chat"
	"github.com/skimate/realtime/internal/db"
	"github.com/skimate/realtime/internal/hot"
	"github.com/skimate/realtime/internal/location"
	"github.com/skimate/realtime/internal/protocol"
	"github.com/skimate/realtime/internal/queue"
	"github.com/skimate/realtime/internal/registry"
)

// staticVerifier accepts a fixed token -> user mapping.
type staticVerifier struct {
	tokens map[string]string
}

func (v *staticVerifier) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	userID, ok := v.tokens[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Identity{UserID: userID}, nil
}

type gatewayFixture struct {
	server *httptest.Server
	mock   sqlmock.Sqlmock
	gw     *Gateway
	rdb    *redis.Client
	hot    *hot.Client
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	q := queue.NewQueueForTesting(func(subject string, data []byte) error { return nil })
	reg := registry.New(hotClient)

	var gw *Gateway
	bp := backplane.New(hotClient, func(channel string, payload []byte) {
		gw.DeliverFromBackplane(channel, payload)
	})
	bp.Start()
	t.Cleanup(bp.Stop)

	locationEngine := location.NewEngine(location.Config{}, hotClient, db.NewSessionDB(database), db.NewSocialDB(database), q, bp)
	chatEngine := chat.NewEngine(chat.Config{}, hotClient, db.NewMessageDB(database), db.NewSocialDB(database), q, bp)

	verifier := &staticVerifier{tokens: map[string]string{"good-token": "u-1"}}
	gw = New(Config{}, verifier, reg, locationEngine, chatEngine, bp)

	router := gin.New()
	gw.Routes(router.Group(""))

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayFixture{server: server, mock: mock, gw: gw, rdb: rdb, hot: hotClient}
}

func (f *gatewayFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type ackFrame struct {
	Event string       `json:"event"`
	Data  protocol.Ack `json:"data"`
	AckID string       `json:"ackId"`
}

func readAck(t *testing.T, conn *websocket.Conn) ackFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame ackFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, protocol.EventAck, frame.Event)
	return frame
}

func TestServe_RejectsInvalidToken(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, "?token=wrong")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "handshake fails closed")
}

func TestServe_AuthViaQueryToken(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, "?token=good-token")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"nonsense:event","ackId":"1"}`)))

	ack := readAck(t, conn)
	assert.Equal(t, "1", ack.AckID)
	assert.False(t, ack.Data.Success, "unknown events fail closed")
}

func TestServe_AuthViaFirstFrameEnvelope(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"auth","data":{"token":"good-token"}}`)))

	// Re-auth after the handshake is a no-op success.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"auth","data":{"token":"good-token"},"ackId":"2"}`)))

	ack := readAck(t, conn)
	assert.Equal(t, "2", ack.AckID)
	assert.True(t, ack.Data.Success)
}

func TestServe_BadFirstFrameFailsHandshake(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"location:ping","data":{}}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServe_MalformedFrameAcksFailureWithoutClosing(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, "?token=good-token")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	ack := readAck(t, conn)
	assert.False(t, ack.Data.Success)

	// The connection survives and keeps serving.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"still:unknown","ackId":"3"}`)))
	ack = readAck(t, conn)
	assert.Equal(t, "3", ack.AckID)
}

func TestServe_SessionStartEndToEnd(t *testing.T) {
	f := newGatewayFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE ski_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec("INSERT INTO ski_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	conn := f.dial(t, "?token=good-token")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"session:start","data":{"resortId":"resort-7"},"ackId":"5"}`)))

	ack := readAck(t, conn)
	assert.Equal(t, "5", ack.AckID)
	assert.True(t, ack.Data.Success)
	assert.NotEmpty(t, ack.Data.SessionID)
}

func TestServe_ChatHistoryEndToEnd(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	// Cold cache: the request falls through to the durable store and the
	// response warms the room cache.
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "sender_id", "group_id", "recipient_id",
		"content", "metadata", "read_by", "sent_at"}).
		AddRow("m-3", "ub-2", "", "u-1", "third", nil, []byte("{}"), now).
		AddRow("m-2", "u-1", "", "ub-2", "second", nil, []byte("{}"), now.Add(-time.Minute)).
		AddRow("m-1", "u-1", "", "ub-2", "first", nil, []byte("{}"), now.Add(-2*time.Minute))

	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	f.mock.ExpectQuery("SELECT (.+) FROM messages WHERE").
		WillReturnRows(rows)

	conn := f.dial(t, "?token=good-token")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"chat:history","data":{"recipientId":"ub-2","limit":50},"ackId":"8"}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Event string `json:"event"`
		AckID string `json:"ackId"`
		Data  struct {
			Success  bool                   `json:"success"`
			Messages []protocol.ChatMessage `json:"messages"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, protocol.EventAck, frame.Event)
	assert.Equal(t, "8", frame.AckID)
	require.True(t, frame.Data.Success)

	// Durable path returns chronological order.
	require.Len(t, frame.Data.Messages, 3)
	assert.Equal(t, "m-1", frame.Data.Messages[0].ID)
	assert.Equal(t, "m-3", frame.Data.Messages[2].ID)

	// Cache refilled with the newest at the head.
	entries, err := f.rdb.LRange(ctx, hot.ChatMessagesKey("dm:u-1_ub-2"), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	var head protocol.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &head))
	assert.Equal(t, "m-3", head.ID)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestServe_ChatHistoryCacheHit(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	older, _ := json.Marshal(protocol.ChatMessage{ID: "m-1", Content: "first"})
	newer, _ := json.Marshal(protocol.ChatMessage{ID: "m-2", Content: "second"})
	require.NoError(t, f.hot.PushMessage(ctx, "dm:u-1_ub-2", older, 50, time.Hour))
	require.NoError(t, f.hot.PushMessage(ctx, "dm:u-1_ub-2", newer, 50, time.Hour))

	// Access check still hits the durable store; the messages do not.
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	conn := f.dial(t, "?token=good-token")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"chat:history","data":{"recipientId":"ub-2"},"ackId":"9"}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Event string `json:"event"`
		Data  struct {
			Success  bool                   `json:"success"`
			Messages []protocol.ChatMessage `json:"messages"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.True(t, frame.Data.Success)

	// Cache hits come back as cached: head = newest.
	require.Len(t, frame.Data.Messages, 2)
	assert.Equal(t, "m-2", frame.Data.Messages[0].ID)
	assert.Equal(t, "m-1", frame.Data.Messages[1].ID)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestServe_InvalidPayloadTypeAcksFailure(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, "?token=good-token")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"location:ping","data":{"lat":"north"},"ackId":"9"}`)))

	ack := readAck(t, conn)
	assert.Equal(t, "9", ack.AckID)
	assert.False(t, ack.Data.Success)
}

func TestCheckOrigin(t *testing.T) {
	newReq := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	assert.True(t, checkOrigin(newReq("")), "non-browser clients pass")
	assert.True(t, checkOrigin(newReq("http://localhost:3000")))
	assert.True(t, checkOrigin(newReq("http://127.0.0.1:9999")))
	assert.False(t, checkOrigin(newReq("https://evil.example.com")))
}

func TestTypingSender(t *testing.T) {
	typing := []byte(`{"event":"chat:typing","data":{"roomId":"dm:a_b","userId":"u-1","isTyping":true}}`)
	assert.Equal(t, "u-1", typingSender(typing))

	message := []byte(`{"event":"chat:message","data":{"senderId":"u-1"}}`)
	assert.Equal(t, "", typingSender(message))

	assert.Equal(t, "", typingSender([]byte("junk")))
}
