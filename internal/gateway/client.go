// Package gateway - client.go
//
// One Client per WebSocket connection. The read pump parses and dispatches
// frames in arrival order; the write pump serializes all outbound traffic
// and keeps the connection alive with pings. A slow client whose send
// buffer fills is disconnected rather than allowed to block broadcasts.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/skimate/realtime/internal/logger"
)

const (
	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long the connection may stay silent before the read
	// deadline trips. Pings go out at a fraction of this.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// sendBufferSize is the outbound queue per connection.
	sendBufferSize = 256
)

// Client is a single authenticated WebSocket connection.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn

	handleID string
	userID   string

	// send is the buffered channel of outbound frames.
	send chan []byte

	// lastPing is the throttle state; only the read pump touches it.
	lastPing time.Time

	// limiter bounds raw inbound frames; only the read pump touches it.
	limiter *rate.Limiter

	// rooms the connection has joined, for delivery filtering and cleanup.
	roomsMu sync.RWMutex
	rooms   map[string]struct{}

	// ctx is canceled when the connection closes, cancelling in-flight
	// downstream calls.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn, handleID, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		gateway:  g,
		conn:     conn,
		handleID: handleID,
		userID:   userID,
		send:     make(chan []byte, sendBufferSize),
		limiter:  rate.NewLimiter(rate.Limit(g.config.FrameRate), g.config.FrameBurst),
		rooms:    make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// HandleID uniquely identifies the connection across the fleet.
func (c *Client) HandleID() string { return c.handleID }

// UserID is the authenticated user bound to the connection.
func (c *Client) UserID() string { return c.userID }

// LastPingAt returns the throttle timestamp.
func (c *Client) LastPingAt() time.Time { return c.lastPing }

// SetLastPingAt advances the throttle timestamp.
func (c *Client) SetLastPingAt(t time.Time) { c.lastPing = t }

// Deliver enqueues a raw frame for the write pump. Returns false when the
// buffer is full or the connection is closing.
func (c *Client) Deliver(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.ctx.Done():
		return false
	default:
		// Buffer full: the client is too slow, drop the connection.
		logger.Gateway().Warn().
			Str("handle_id", c.handleID).
			Str("user_id", c.userID).
			Msg("Send buffer full, disconnecting slow client")
		c.close()
		return false
	}
}

// AddRoom records a joined room, reporting whether it is newly joined.
func (c *Client) AddRoom(roomID string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

// RemoveRoom forgets a joined room, reporting whether it was joined.
func (c *Client) RemoveRoom(roomID string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// InRoom reports whether the connection has joined the room.
func (c *Client) InRoom(roomID string) bool {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms snapshots the joined room ids.
func (c *Client) Rooms() []string {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

// readPump reads frames from the connection and dispatches them in arrival
// order. It owns the read side; on exit the gateway runs disconnect
// accounting.
func (c *Client) readPump() {
	defer func() {
		c.gateway.handleDisconnect(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Gateway().Debug().Err(err).Str("handle_id", c.handleID).Msg("WebSocket closed unexpectedly")
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.gateway.dispatch(c, message)
	}
}

// writePump writes queued frames and keepalive pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
