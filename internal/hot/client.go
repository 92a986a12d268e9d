// Package hot provides the typed client for the shared in-memory datastore.
//
// The datastore (Redis-shaped) holds all ephemeral realtime state: the geo
// index of tracked users, per-user latest-ping hashes, cross-node connection
// sets, chat message caches, typing flags, and the pub/sub bus the backplane
// rides on. Durable state never lives here.
//
// Every call is bounded by a configurable timeout (default 1s); expiry
// surfaces as an error to the caller, which converts it to a failed ack.
//
// Thread Safety:
// - The underlying go-redis client is safe for concurrent use.
package hot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the shared datastore with the operations the core needs.
type Client struct {
	client  *redis.Client
	timeout time.Duration
}

// Config holds datastore connection configuration.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int

	// Timeout bounds every operation. Zero means the 1s default.
	Timeout time.Duration
}

// NewClient connects to the datastore and verifies the connection.
func NewClient(config Config) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,

		// Connection pool settings for optimal performance
		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping hot store: %w", err)
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = time.Second
	}

	return &Client{client: client, timeout: timeout}, nil
}

// NewClientForTesting wraps an existing redis client (e.g. one pointed at
// miniredis) without the connection check.
func NewClientForTesting(client *redis.Client) *Client {
	return &Client{client: client, timeout: time.Second}
}

// Close closes the datastore connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping verifies the datastore is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Raw exposes the underlying client for the backplane's pub/sub receiver.
func (c *Client) Raw() *redis.Client {
	return c.client
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// --- Presence -------------------------------------------------------------

// PresenceRecord is the full latest ping stored in location:{userId}.
type PresenceRecord struct {
	SessionID string
	Lat       float64
	Lon       float64
	Altitude  float64
	Speed     float64
	Accuracy  float64
	Heading   *float64
	Timestamp int64
}

// UpdatePresence writes the geo member and the latest-ping hash for a user
// and refreshes both TTLs. The two records move together: either both are
// written or the call fails.
func (c *Client) UpdatePresence(ctx context.Context, userID string, rec PresenceRecord, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	fields := map[string]interface{}{
		"sessionId": rec.SessionID,
		"lat":       rec.Lat,
		"lon":       rec.Lon,
		"altitude":  rec.Altitude,
		"speed":     rec.Speed,
		"accuracy":  rec.Accuracy,
		"timestamp": rec.Timestamp,
	}
	if rec.Heading != nil {
		fields["heading"] = *rec.Heading
	}

	pipe := c.client.TxPipeline()
	pipe.GeoAdd(ctx, GeoUsersKey, &redis.GeoLocation{
		Name:      userID,
		Longitude: rec.Lon,
		Latitude:  rec.Lat,
	})
	pipe.HSet(ctx, LocationKey(userID), fields)
	pipe.Expire(ctx, LocationKey(userID), ttl)
	pipe.Expire(ctx, GeoUsersKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update presence for user %s: %w", userID, err)
	}
	return nil
}

// RemovePresence deletes a user's geo member and latest-ping hash.
func (c *Client) RemovePresence(ctx context.Context, userID string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.ZRem(ctx, GeoUsersKey, userID)
	pipe.Del(ctx, LocationKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove presence for user %s: %w", userID, err)
	}
	return nil
}

// GetPresence reads a user's latest-ping hash. Returns nil when absent.
func (c *Client) GetPresence(ctx context.Context, userID string) (*PresenceRecord, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, LocationKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get presence for user %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &PresenceRecord{SessionID: fields["sessionId"]}
	rec.Lat, _ = strconv.ParseFloat(fields["lat"], 64)
	rec.Lon, _ = strconv.ParseFloat(fields["lon"], 64)
	rec.Altitude, _ = strconv.ParseFloat(fields["altitude"], 64)
	rec.Speed, _ = strconv.ParseFloat(fields["speed"], 64)
	rec.Accuracy, _ = strconv.ParseFloat(fields["accuracy"], 64)
	rec.Timestamp, _ = strconv.ParseInt(fields["timestamp"], 10, 64)
	if h, ok := fields["heading"]; ok {
		heading, err := strconv.ParseFloat(h, 64)
		if err == nil {
			rec.Heading = &heading
		}
	}
	return rec, nil
}

// GeoMember is one radius-query result.
type GeoMember struct {
	ID       string
	Distance float64 // meters from the query center
	Lon      float64
	Lat      float64
}

// NearbyUsers runs a radius query on the geo index, returning members with
// distance and coordinates, ordered by distance ascending with ties broken
// by member id ascending.
func (c *Client) NearbyUsers(ctx context.Context, lon, lat, radiusMeters float64) ([]GeoMember, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	locs, err := c.client.GeoRadius(ctx, GeoUsersKey, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby users: %w", err)
	}

	members := make([]GeoMember, 0, len(locs))
	for _, loc := range locs {
		members = append(members, GeoMember{
			ID:       loc.Name,
			Distance: loc.Dist,
			Lon:      loc.Longitude,
			Lat:      loc.Latitude,
		})
	}
	// Redis orders by distance; equal distances need a stable tie-break.
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Distance != members[j].Distance {
			return members[i].Distance < members[j].Distance
		}
		return members[i].ID < members[j].ID
	})
	return members, nil
}

// --- Connection sets ------------------------------------------------------

// AddConnection records a connection handle in the user's fleet-wide set.
func (c *Client) AddConnection(ctx context.Context, userID, handleID string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.client.SAdd(ctx, ConnectionsKey(userID), handleID).Err(); err != nil {
		return fmt.Errorf("failed to add connection for user %s: %w", userID, err)
	}
	return nil
}

// RemoveConnection removes a handle and returns how many remain.
func (c *Client) RemoveConnection(ctx context.Context, userID, handleID string) (int64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, ConnectionsKey(userID), handleID)
	card := pipe.SCard(ctx, ConnectionsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to remove connection for user %s: %w", userID, err)
	}
	return card.Val(), nil
}

// ConnectionCount returns the size of the user's connection set.
func (c *Client) ConnectionCount(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	count, err := c.client.SCard(ctx, ConnectionsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count connections for user %s: %w", userID, err)
	}
	return count, nil
}

// Connections lists the user's connection handles across the fleet.
func (c *Client) Connections(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	handles, err := c.client.SMembers(ctx, ConnectionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list connections for user %s: %w", userID, err)
	}
	return handles, nil
}

// --- Chat cache -----------------------------------------------------------

// PushMessage prepends a serialized message to the room cache, trims the
// list to maxLen and refreshes the TTL.
func (c *Client) PushMessage(ctx context.Context, roomID string, payload []byte, maxLen int64, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	key := ChatMessagesKey(roomID)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache message for room %s: %w", roomID, err)
	}
	return nil
}

// PushMessages rebuilds the room cache from messages given oldest-first so
// the head ends up newest, then trims and sets the TTL.
func (c *Client) PushMessages(ctx context.Context, roomID string, oldestFirst [][]byte, maxLen int64, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	key := ChatMessagesKey(roomID)
	pipe := c.client.TxPipeline()
	for _, payload := range oldestFirst {
		pipe.LPush(ctx, key, payload)
	}
	pipe.LTrim(ctx, key, 0, maxLen-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to warm cache for room %s: %w", roomID, err)
	}
	return nil
}

// RecentMessages reads up to limit serialized messages (head = newest) and
// refreshes the cache TTL on access.
func (c *Client) RecentMessages(ctx context.Context, roomID string, limit int64, ttl time.Duration) ([]string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	key := ChatMessagesKey(roomID)
	entries, err := c.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache for room %s: %w", roomID, err)
	}
	if len(entries) > 0 {
		// Sliding TTL: reading the tail keeps the cache warm.
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return nil, fmt.Errorf("failed to refresh cache ttl for room %s: %w", roomID, err)
		}
	}
	return entries, nil
}

// --- Typing flags ---------------------------------------------------------

// SetTyping writes the typing flag with its fixed TTL.
func (c *Client) SetTyping(ctx context.Context, roomID, userID string, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.client.SetEx(ctx, TypingKey(roomID, userID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set typing flag for user %s in room %s: %w", userID, roomID, err)
	}
	return nil
}

// ClearTyping deletes the typing flag.
func (c *Client) ClearTyping(ctx context.Context, roomID, userID string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.client.Del(ctx, TypingKey(roomID, userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear typing flag for user %s in room %s: %w", userID, roomID, err)
	}
	return nil
}

// --- Room membership ------------------------------------------------------

// AddRoomMembership records a join in both directions: the user's room set
// and the room's member set. Both keys carry a sliding TTL refreshed on
// every join so records of vanished users age out like the rest of the
// presence model.
func (c *Client) AddRoomMembership(ctx context.Context, userID, roomID string, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, UserRoomsKey(userID), roomID)
	pipe.Expire(ctx, UserRoomsKey(userID), ttl)
	pipe.SAdd(ctx, RoomMembersKey(roomID), userID)
	pipe.Expire(ctx, RoomMembersKey(roomID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record membership of %s in room %s: %w", userID, roomID, err)
	}
	return nil
}

// RemoveRoomMembership removes a join in both directions.
func (c *Client) RemoveRoomMembership(ctx context.Context, userID, roomID string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, UserRoomsKey(userID), roomID)
	pipe.SRem(ctx, RoomMembersKey(roomID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove membership of %s in room %s: %w", userID, roomID, err)
	}
	return nil
}

// --- Subscriptions --------------------------------------------------------

// SetSubscriptions replaces a user's declared location interest.
func (c *Client) SetSubscriptions(ctx context.Context, userID string, friendIDs []string, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	key := SubscriptionsKey(userID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(friendIDs) > 0 {
		members := make([]interface{}, len(friendIDs))
		for i, id := range friendIDs {
			members[i] = id
		}
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set subscriptions for user %s: %w", userID, err)
	}
	return nil
}

// --- Pub/sub --------------------------------------------------------------

// Publish sends a payload on a channel of the shared bus.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the shared bus. The returned PubSub is
// owned by the caller; pub/sub receives are not bounded by the client
// timeout because they block until a message arrives.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}
