// Package presence tracks which sessions are connected to the dev chat
// backend and which conversation rooms each has joined. State lives in Redis
// with a TTL so crashed instances leave nothing behind.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "presence:session:"

	// RoomsPrefix is the Redis key prefix for per-session joined-room sets.
	RoomsPrefix = "presence:rooms:"

	// SessionTTL is the time-to-live for presence keys. Refreshed on
	// activity; a stale key means the session is gone.
	SessionTTL = 1 * time.Hour
)

// Session is a connected session's presence record.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which backend instance holds the socket
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Client exposes the underlying Redis client so other Redis-backed components
// (e.g. the rate limiter) can share the connection.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Create registers a newly-connected session.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence: create session: %w", err)
	}
	return nil
}

// Touch refreshes a session's last-active timestamp and TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, RoomsPrefix+sessionID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// JoinRoom records a session's room membership.
func (s *Store) JoinRoom(ctx context.Context, sessionID, conversationID string) error {
	key := RoomsPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, conversationID)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// LeaveRoom removes a session's room membership.
func (s *Store) LeaveRoom(ctx context.Context, sessionID, conversationID string) error {
	return s.client.SRem(ctx, RoomsPrefix+sessionID, conversationID).Err()
}

// Rooms returns the conversations a session has joined.
func (s *Store) Rooms(ctx context.Context, sessionID string) ([]string, error) {
	rooms, err := s.client.SMembers(ctx, RoomsPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: rooms: %w", err)
	}
	return rooms, nil
}

// Delete removes a session and its room memberships, called on disconnect.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.Del(ctx, RoomsPrefix+sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
