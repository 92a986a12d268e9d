// Package location implements the live location engine: session lifecycle,
// ping ingestion with throttling, the hot geo index, and friend-proximity
// fan-out.
//
// The hot path of a ping is the contract: the geo index and latest-ping
// hash are updated synchronously, while durable persistence rides the job
// queue and may lag. Fan-out crosses nodes exclusively via the backplane's
// user channels.
package location

import (
	"context"
	"time"

	"github.com/skimate/realtime/internal/backplane"
	"github.com/skimate/realtime/internal/db"
	"github.com/skimate/realtime/internal/geo"
	"github.com/skimate/realtime/internal/hot"
	"github.com/skimate/realtime/internal/logger"
	"github.com/skimate/realtime/internal/persister"
	"github.com/skimate/realtime/internal/protocol"
	"github.com/skimate/realtime/internal/queue"
)

// Conn is the engine's view of the pinging connection. The throttle state
// is per-connection and is only touched from that connection's reader
// goroutine, so access never needs a lock.
type Conn interface {
	UserID() string
	LastPingAt() time.Time
	SetLastPingAt(t time.Time)
	Deliver(payload []byte) bool
}

// Config tunes the engine.
type Config struct {
	ThrottleWindow  time.Duration // hard floor between accepted pings, default 1s
	ProximityRadius float64       // friend search radius in meters, default 500
	AlertDistance   float64       // proximity alert threshold in meters, default 100
	PresenceTTL     time.Duration // sliding TTL of the hot presence, default 300s
}

func (c *Config) applyDefaults() {
	if c.ThrottleWindow == 0 {
		c.ThrottleWindow = time.Second
	}
	if c.ProximityRadius == 0 {
		c.ProximityRadius = 500
	}
	if c.AlertDistance == 0 {
		c.AlertDistance = 100
	}
	if c.PresenceTTL == 0 {
		c.PresenceTTL = 300 * time.Second
	}
}

// Engine is the live location engine.
type Engine struct {
	config    Config
	hot       *hot.Client
	sessions  *db.SessionDB
	social    *db.SocialDB
	queue     *queue.Queue
	backplane *backplane.Backplane

	// now is indirected for tests.
	now func() time.Time
}

// NewEngine wires the engine to its collaborators.
func NewEngine(config Config, hotClient *hot.Client, sessions *db.SessionDB, social *db.SocialDB, q *queue.Queue, bp *backplane.Backplane) *Engine {
	config.applyDefaults()
	return &Engine{
		config:    config,
		hot:       hotClient,
		sessions:  sessions,
		social:    social,
		queue:     q,
		backplane: bp,
		now:       time.Now,
	}
}

// StartSession pre-closes any prior active session for the user and
// creates a new one. The close/insert pair is one database transaction, so
// concurrent starts from two connections of the same user leave exactly
// one session active.
func (e *Engine) StartSession(ctx context.Context, userID string, req protocol.SessionStartRequest) protocol.Ack {
	session, err := e.sessions.StartSession(ctx, userID, req.ResortID)
	if err != nil {
		logger.Location().Error().Err(err).Str("user_id", userID).Msg("Failed to start session")
		return protocol.Failure()
	}

	start := session.StartTime
	return protocol.Ack{Success: true, SessionID: session.ID, StartTime: &start}
}

// EndSession marks the session inactive, returns the summary and removes
// the user from the hot presence. On a database failure the hot presence
// is left alone so the client can retry.
func (e *Engine) EndSession(ctx context.Context, userID string, req protocol.SessionEndRequest) protocol.Ack {
	if req.SessionID == "" {
		return protocol.Failure()
	}

	session, err := e.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		logger.Location().Error().Err(err).Str("session_id", req.SessionID).Msg("Failed to load session")
		return protocol.Failure()
	}
	if session.UserID != userID {
		return protocol.Failure()
	}

	endTime := e.now().UTC()
	ended, err := e.sessions.EndSession(ctx, req.SessionID, endTime)
	if err != nil {
		logger.Location().Error().Err(err).Str("session_id", req.SessionID).Msg("Failed to end session")
		return protocol.Failure()
	}

	if err := e.hot.RemovePresence(ctx, userID); err != nil {
		// The session is already closed; presence expires on its own TTL.
		logger.Location().Error().Err(err).Str("user_id", userID).Msg("Failed to clear presence on session end")
	}

	summary := &protocol.SessionSummary{
		TotalVertical:   ended.TotalVerticalM,
		TotalDistance:   ended.TotalDistanceM,
		MaxSpeed:        ended.MaxSpeedMps,
		DurationSeconds: int64(endTime.Sub(ended.StartTime).Seconds()),
	}
	return protocol.Ack{Success: true, Summary: summary}
}

// HandlePing runs the authoritative ping algorithm: throttle, validate,
// hot update, enqueue persistence, fan out to nearby friends.
func (e *Engine) HandlePing(ctx context.Context, conn Conn, req protocol.PingRequest) protocol.Ack {
	userID := conn.UserID()
	if userID == "" {
		return protocol.Failure()
	}

	// Hard 1s floor, no burst credit. The timestamp is advanced for every
	// ping outside the window, before validation; a throttled ping leaves it.
	now := e.now()
	if now.Sub(conn.LastPingAt()) < e.config.ThrottleWindow {
		return protocol.Throttle()
	}
	conn.SetLastPingAt(now)

	if req.SessionID == "" || !geo.ValidCoordinates(req.Lat, req.Lon) ||
		req.Accuracy < 0 || req.Speed < 0 {
		return protocol.Failure()
	}
	if req.Heading != nil && !geo.ValidHeading(*req.Heading) {
		return protocol.Failure()
	}

	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = now.UnixMilli()
	}

	rec := hot.PresenceRecord{
		SessionID: req.SessionID,
		Lat:       req.Lat,
		Lon:       req.Lon,
		Altitude:  req.Altitude,
		Speed:     req.Speed,
		Accuracy:  req.Accuracy,
		Heading:   req.Heading,
		Timestamp: timestamp,
	}
	if err := e.hot.UpdatePresence(ctx, userID, rec, e.config.PresenceTTL); err != nil {
		logger.Location().Error().Err(err).Str("user_id", userID).Msg("Failed to update hot presence")
		return protocol.Failure()
	}

	// Persistence is enqueued only after the hot update succeeded; losing
	// the job is logged but never fails the ping.
	job := persister.PingJob{
		SessionID: req.SessionID,
		UserID:    userID,
		Lat:       req.Lat,
		Lon:       req.Lon,
		Altitude:  req.Altitude,
		Speed:     req.Speed,
		Accuracy:  req.Accuracy,
		Heading:   req.Heading,
		Timestamp: timestamp,
	}
	if err := e.queue.Enqueue(ctx, queue.SubjectPingPersist, job, queue.Options{}); err != nil {
		logger.Location().Error().Err(err).Str("user_id", userID).Msg("Failed to enqueue ping persistence")
	}

	e.fanOut(ctx, conn, userID, req, timestamp)

	return protocol.Ack{Success: true}
}

// fanOut delivers location:update frames to nearby friends and proximity
// alerts back to the pinger. Best-effort: failures are logged, never
// surfaced to the pinger.
func (e *Engine) fanOut(ctx context.Context, conn Conn, userID string, req protocol.PingRequest, timestamp int64) {
	friends, err := e.NearbyFriends(ctx, userID, req.Lon, req.Lat)
	if err != nil {
		logger.Location().Error().Err(err).Str("user_id", userID).Msg("Failed to compute nearby friends")
		return
	}

	update := protocol.OutboundFrame{
		Event: protocol.EventLocationUpdate,
		Data: protocol.LocationUpdate{
			UserID:    userID,
			Lat:       req.Lat,
			Lon:       req.Lon,
			Altitude:  req.Altitude,
			Speed:     req.Speed,
			Heading:   req.Heading,
			Timestamp: timestamp,
		},
	}
	payload, err := update.Encode()
	if err != nil {
		logger.Location().Error().Err(err).Msg("Failed to encode location update")
		return
	}

	for _, friend := range friends {
		// Whichever node hosts the friend's connections receives this and
		// fans out locally; the pinger's own node included.
		if err := e.backplane.Publish(ctx, protocol.UserChannel(friend.FriendID), payload); err != nil {
			logger.Location().Error().Err(err).Str("friend_id", friend.FriendID).Msg("Failed to publish location update")
		}

		if friend.Distance < e.config.AlertDistance {
			alert := protocol.OutboundFrame{
				Event: protocol.EventLocationProximity,
				Data: protocol.ProximityAlert{
					FriendID:   friend.FriendID,
					FriendName: friend.FriendName,
					Distance:   friend.Distance,
					Lat:        friend.Lat,
					Lon:        friend.Lon,
				},
			}
			if alertPayload, err := alert.Encode(); err == nil {
				conn.Deliver(alertPayload)
			}
		}
	}
}

// NearbyFriends returns the caller's accepted friends currently visible in
// the geo index within the proximity radius of (lon, lat), ordered by
// distance ascending. A friend whose presence TTL has lapsed is simply
// absent.
func (e *Engine) NearbyFriends(ctx context.Context, userID string, lon, lat float64) ([]protocol.NearbyFriend, error) {
	friendIDs, err := e.social.FriendIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(friendIDs) == 0 {
		return nil, nil
	}
	friendSet := make(map[string]struct{}, len(friendIDs))
	for _, id := range friendIDs {
		friendSet[id] = struct{}{}
	}

	members, err := e.hot.NearbyUsers(ctx, lon, lat, e.config.ProximityRadius)
	if err != nil {
		return nil, err
	}

	result := []protocol.NearbyFriend{}
	for _, member := range members {
		if member.ID == userID {
			continue
		}
		if _, ok := friendSet[member.ID]; !ok {
			continue
		}
		// The latest-ping hash carries the per-user TTL; a geo member whose
		// hash has lapsed is not visible.
		presence, err := e.hot.GetPresence(ctx, member.ID)
		if err != nil {
			return nil, err
		}
		if presence == nil {
			continue
		}
		name, found, err := e.social.DisplayName(ctx, member.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		result = append(result, protocol.NearbyFriend{
			FriendID:   member.ID,
			FriendName: name,
			Distance:   member.Distance,
			Lat:        member.Lat,
			Lon:        member.Lon,
		})
	}
	return result, nil
}

// Subscribe records the caller's declared interest. Fan-out stays gated by
// friendship alone; the declared set only scopes future notification
// products.
func (e *Engine) Subscribe(ctx context.Context, userID string, req protocol.SubscribeRequest) protocol.Ack {
	if err := e.hot.SetSubscriptions(ctx, userID, req.FriendIDs, e.config.PresenceTTL); err != nil {
		logger.Location().Error().Err(err).Str("user_id", userID).Msg("Failed to record subscriptions")
		return protocol.Failure()
	}
	return protocol.Ack{Success: true}
}

// Friends answers location:friends: the caller's tracked friends around
// their own latest position, for painting the map on (re)connect.
func (e *Engine) Friends(ctx context.Context, userID string) protocol.Ack {
	presence, err := e.hot.GetPresence(ctx, userID)
	if err != nil {
		logger.Location().Error().Err(err).Str("user_id", userID).Msg("Failed to read own presence")
		return protocol.Failure()
	}
	if presence == nil {
		return protocol.Ack{Success: true, Friends: []protocol.NearbyFriend{}}
	}

	friends, err := e.NearbyFriends(ctx, userID, presence.Lon, presence.Lat)
	if err != nil {
		logger.Location().Error().Err(err).Str("user_id", userID).Msg("Failed to list tracked friends")
		return protocol.Failure()
	}
	if friends == nil {
		friends = []protocol.NearbyFriend{}
	}
	return protocol.Ack{Success: true, Friends: friends}
}

// HandleUserOffline clears the hot presence when a user's last connection
// is gone. The session itself stays open; the reaper or an explicit
// session:end closes it.
func (e *Engine) HandleUserOffline(ctx context.Context, userID string) {
	if err := e.hot.RemovePresence(ctx, userID); err != nil {
		logger.Location().Error().Err(err).Str("user_id", userID).Msg("Failed to clear presence on disconnect")
	}
}
