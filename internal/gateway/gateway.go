// Package gateway terminates the WebSocket transport: it authenticates the
// handshake, demultiplexes frames to the location and chat engines, acks
// every handled frame except chat:typing, and runs disconnect accounting.
//
// Authentication happens once per connection: a bearer token arrives as a
// ?token= query parameter or, failing that, in an auth envelope that must
// be the first frame. Tokens are not re-verified per frame; connections
// are expected to be shorter-lived than the token.
//
// Frames received from the backplane are fanned out here to matching local
// connections: user channels reach every connection of that user, room
// channels reach connections that joined the room. Typing broadcasts skip
// the typing user's own connections.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skimate/realtime/internal/auth"
	"github.com/skimate/realtime/internal/backplane"
	"github.com/skimate/realtime/internal/chat"
	"github.com/skimate/realtime/internal/location"
	"github.com/skimate/realtime/internal/logger"
	"github.com/skimate/realtime/internal/protocol"
	"github.com/skimate/realtime/internal/registry"
)

const (
	// maxFrameBytes bounds a single inbound frame.
	maxFrameBytes = 64 * 1024

	// authWait is how long the first (auth) frame may take to arrive when
	// the token did not come in the query string.
	authWait = 10 * time.Second
)

// Config tunes the gateway.
type Config struct {
	// FrameRate limits raw inbound frames per connection, on top of the
	// location throttle. Defaults: 20/s with a burst of 40.
	FrameRate  float64
	FrameBurst int
}

func (c *Config) applyDefaults() {
	if c.FrameRate == 0 {
		c.FrameRate = 20
	}
	if c.FrameBurst == 0 {
		c.FrameBurst = 40
	}
}

// Gateway is the WebSocket endpoint.
type Gateway struct {
	config   Config
	verifier auth.TokenVerifier
	registry *registry.Registry
	location *location.Engine
	chat     *chat.Engine
	bp       *backplane.Backplane
	upgrader websocket.Upgrader
}

// New creates the gateway. Call Routes to mount it.
func New(config Config, verifier auth.TokenVerifier, reg *registry.Registry, loc *location.Engine, chatEngine *chat.Engine, bp *backplane.Backplane) *Gateway {
	config.applyDefaults()
	return &Gateway{
		config:   config,
		verifier: verifier,
		registry: reg,
		location: loc,
		chat:     chatEngine,
		bp:       bp,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// checkOrigin validates the Origin header of upgrade requests against the
// CORS_ALLOWED_ORIGINS list; non-browser clients without an Origin pass.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	var allowed []string
	if env := os.Getenv("CORS_ALLOWED_ORIGINS"); env != "" {
		for _, o := range strings.Split(env, ",") {
			allowed = append(allowed, strings.TrimSpace(o))
		}
	}
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000", "http://localhost:8000"}
	}

	for _, o := range allowed {
		if origin == o {
			return true
		}
	}
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		return true
	}
	return false
}

// Routes mounts the WebSocket endpoints. The two namespaces share one
// handler; the event tag selects the engine.
func (g *Gateway) Routes(router *gin.RouterGroup) {
	router.GET("/ws", g.Serve)
	router.GET("/ws/location", g.Serve)
	router.GET("/ws/chat", g.Serve)
}

// Serve upgrades the request and runs the connection to completion.
func (g *Gateway) Serve(c *gin.Context) {
	token := c.Query("token")

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	identity, err := g.authenticate(conn, token)
	if err != nil {
		logger.Gateway().Debug().Err(err).Msg("Handshake authentication failed")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := newClient(g, conn, uuid.New().String(), identity.UserID)

	ctx, cancel := context.WithTimeout(client.ctx, time.Second)
	err = g.registry.Add(ctx, client)
	cancel()
	if err != nil {
		logger.Gateway().Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to register connection")
		conn.Close()
		return
	}

	// Reaching this user from any node goes through their user channel.
	if err := g.bp.Subscribe(protocol.UserChannel(identity.UserID)); err != nil {
		logger.Gateway().Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to subscribe user channel")
	}

	logger.Gateway().Info().
		Str("handle_id", client.handleID).
		Str("user_id", identity.UserID).
		Msg("Connection established")

	go client.writePump()
	go client.readPump()
}

// authenticate verifies the query token, or waits for the auth envelope as
// the first frame.
func (g *Gateway) authenticate(conn *websocket.Conn, queryToken string) (*auth.Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), authWait)
	defer cancel()

	if queryToken != "" {
		return g.verifier.Verify(ctx, queryToken)
	}

	conn.SetReadDeadline(time.Now().Add(authWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, auth.ErrInvalidToken
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))

	env, err := protocol.ParseEnvelope(raw)
	if err != nil || env.Event != protocol.EventAuth {
		return nil, auth.ErrInvalidToken
	}
	var req protocol.AuthRequest
	if err := env.DecodeData(&req); err != nil {
		return nil, auth.ErrInvalidToken
	}
	return g.verifier.Verify(ctx, req.Token)
}

// dispatch handles one inbound frame on the connection's reader goroutine.
// Frames are processed strictly in arrival order; the ack for frame N is
// queued before frame N+1 is read.
func (g *Gateway) dispatch(c *Client, raw []byte) {
	if !c.limiter.Allow() {
		g.ack(c, "", protocol.Throttle())
		return
	}

	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		g.ack(c, "", protocol.Failure())
		return
	}

	switch env.Event {
	case protocol.EventAuth:
		// Already authenticated at handshake; re-auth is a no-op success.
		g.ack(c, env.AckID, protocol.Ack{Success: true})

	case protocol.EventSessionStart:
		var req protocol.SessionStartRequest
		if err := env.DecodeData(&req); err != nil {
			g.ack(c, env.AckID, protocol.Failure())
			return
		}
		g.ack(c, env.AckID, g.location.StartSession(c.ctx, c.userID, req))

	case protocol.EventSessionEnd:
		var req protocol.SessionEndRequest
		if err := env.DecodeData(&req); err != nil {
			g.ack(c, env.AckID, protocol.Failure())
			return
		}
		g.ack(c, env.AckID, g.location.EndSession(c.ctx, c.userID, req))

	case protocol.EventLocationPing:
		var req protocol.PingRequest
		if err := env.DecodeData(&req); err != nil {
			g.ack(c, env.AckID, protocol.Failure())
			return
		}
		g.ack(c, env.AckID, g.location.HandlePing(c.ctx, c, req))

	case protocol.EventLocationSubscribe:
		var req protocol.SubscribeRequest
		if err := env.DecodeData(&req); err != nil {
			g.ack(c, env.AckID, protocol.Failure())
			return
		}
		g.ack(c, env.AckID, g.location.Subscribe(c.ctx, c.userID, req))

	case protocol.EventLocationFriends:
		g.ack(c, env.AckID, g.location.Friends(c.ctx, c.userID))

	case protocol.EventChatJoin:
		var req protocol.RoomRequest
		if err := env.DecodeData(&req); err != nil {
			g.ack(c, env.AckID, protocol.Failure())
			return
		}
		g.ack(c, env.AckID, g.chat.Join(c.ctx, c, req))

	case protocol.EventChatLeave:
		var req protocol.ChatLeaveRequest
		if err := env.DecodeData(&req); err != nil {
			g.ack(c, env.AckID, protocol.Failure())
			return
		}
		g.ack(c, env.AckID, g.chat.Leave(c.ctx, c, req))

	case protocol.EventChatSend:
		var req protocol.ChatSendRequest
		if err := env.DecodeData(&req); err != nil {
			g.ack(c, env.AckID, protocol.Failure())
			return
		}
		g.ack(c, env.AckID, g.chat.Send(c.ctx, c.userID, req))

	case protocol.EventChatHistory:
		var req protocol.ChatHistoryRequest
		if err := env.DecodeData(&req); err != nil {
			g.ack(c, env.AckID, protocol.Failure())
			return
		}
		g.ack(c, env.AckID, g.chat.History(c.ctx, c.userID, req))

	case protocol.EventChatTyping:
		// No acknowledgement for typing, by contract.
		var req protocol.ChatTypingRequest
		if err := env.DecodeData(&req); err != nil {
			return
		}
		g.chat.Typing(c.ctx, c.userID, req)

	case protocol.EventChatRead:
		var req protocol.ChatReadRequest
		if err := env.DecodeData(&req); err != nil {
			g.ack(c, env.AckID, protocol.Failure())
			return
		}
		g.ack(c, env.AckID, g.chat.Read(c.ctx, c.userID, req))

	default:
		// Unknown events fail closed with no side effects.
		g.ack(c, env.AckID, protocol.Failure())
	}
}

func (g *Gateway) ack(c *Client, ackID string, ack protocol.Ack) {
	frame := protocol.OutboundFrame{Event: protocol.EventAck, Data: ack, AckID: ackID}
	payload, err := frame.Encode()
	if err != nil {
		return
	}
	c.Deliver(payload)
}

// handleDisconnect runs the accounting for a closing connection: registry
// removal, last-disconnect presence cleanup, per-room typing cleanup, and
// backplane unsubscription.
func (g *Gateway) handleDisconnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remaining, err := g.registry.Remove(ctx, c)
	if err != nil {
		logger.Gateway().Error().Err(err).Str("user_id", c.userID).Msg("Failed to deregister connection")
	}
	if remaining == 0 {
		// The user's last connection anywhere: drop the hot presence. The
		// session stays open for reconnects.
		g.location.HandleUserOffline(ctx, c.userID)
	}

	for _, roomID := range c.Rooms() {
		g.chat.ClearTypingOnDisconnect(ctx, roomID, c.userID)
		if remaining == 0 {
			// Membership records are per-user; they only go with the
			// user's last connection, like the rest of the presence model.
			g.chat.RemoveMembershipOnDisconnect(ctx, roomID, c.userID)
		}
		if room, err := protocol.ParseRoomID(roomID); err == nil {
			if err := g.bp.Unsubscribe(room.Channel()); err != nil {
				logger.Gateway().Error().Err(err).Str("room_id", roomID).Msg("Failed to release room channel")
			}
		}
	}

	if err := g.bp.Unsubscribe(protocol.UserChannel(c.userID)); err != nil {
		logger.Gateway().Error().Err(err).Str("user_id", c.userID).Msg("Failed to release user channel")
	}

	logger.Gateway().Info().
		Str("handle_id", c.handleID).
		Str("user_id", c.userID).
		Msg("Connection closed")
}

// DeliverFromBackplane fans a bus payload out to matching local
// connections. It is the backplane's delivery callback.
func (g *Gateway) DeliverFromBackplane(channel string, payload []byte) {
	switch {
	case strings.HasPrefix(channel, "user:"):
		userID := strings.TrimPrefix(channel, "user:")
		for _, conn := range g.registry.LocalConnsForUser(userID) {
			conn.Deliver(payload)
		}

	case strings.HasPrefix(channel, "room:"):
		roomID := strings.TrimPrefix(channel, "room:")
		skipUser := typingSender(payload)
		for _, conn := range g.localRoomConns(roomID) {
			if skipUser != "" && conn.UserID() == skipUser {
				continue
			}
			conn.Deliver(payload)
		}
	}
}

// localRoomConns returns this node's connections joined to a room.
func (g *Gateway) localRoomConns(roomID string) []*Client {
	conns := []*Client{}
	for _, rc := range g.registry.AllLocalConns() {
		if client, ok := rc.(*Client); ok && client.InRoom(roomID) {
			conns = append(conns, client)
		}
	}
	return conns
}

// typingSender extracts the typing user from a chat:typing broadcast so
// their own connections can be skipped; other frames return "".
func typingSender(payload []byte) string {
	var probe struct {
		Event string `json:"event"`
		Data  struct {
			UserID string `json:"userId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	if probe.Event != protocol.EventChatTyping {
		return ""
	}
	return probe.Data.UserID
}
