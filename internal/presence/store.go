// Package presence manages participant records and online state in Redis.
// Each participant has a durable hash (identity and credential hash) plus a
// short-lived online marker that expires on its own when a gateway stops
// refreshing it, so a crashed gateway never leaves ghosts online.
package presence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ParticipantPrefix is the Redis key prefix for participant hashes.
	ParticipantPrefix = "participant:"

	// OnlinePrefix is the Redis key prefix for online markers.
	OnlinePrefix = "online:"

	// OnlineTTL is how long an online marker survives without a refresh.
	OnlineTTL = 90 * time.Second
)

// Participant is a chat participant's durable record.
type Participant struct {
	ID             string `redis:"id"`
	DisplayName    string `redis:"display_name"`
	CredentialHash string `redis:"credential_hash"`
	CreatedAt      int64  `redis:"created_at"`
	LastActive     int64  `redis:"last_active"`
}

// Store manages participant state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// HashCredential returns the hex SHA-256 of a credential. Only the hash is
// ever stored.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Register stores or refreshes a participant's durable record.
func (s *Store) Register(ctx context.Context, id, displayName, credential string) error {
	key := ParticipantPrefix + id
	now := time.Now().Unix()
	return s.client.HSet(ctx, key, map[string]interface{}{
		"id":              id,
		"display_name":    displayName,
		"credential_hash": HashCredential(credential),
		"created_at":      now,
		"last_active":     now,
	}).Err()
}

// VerifyCredential checks a credential against the participant's stored
// hash. An unknown participant or a mismatching credential both return
// false without error; errors are Redis failures only.
func (s *Store) VerifyCredential(ctx context.Context, id, credential string) (bool, error) {
	key := ParticipantPrefix + id
	stored, err := s.client.HGet(ctx, key, "credential_hash").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: credential lookup: %w", err)
	}
	return stored == HashCredential(credential), nil
}

// Get retrieves a participant's durable record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Participant, error) {
	key := ParticipantPrefix + id
	var p Participant
	if err := s.client.HGetAll(ctx, key).Scan(&p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, nil // not found
	}
	return &p, nil
}

// SetOnline writes the online marker with its TTL and touches last_active.
func (s *Store) SetOnline(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.Set(ctx, OnlinePrefix+id, "1", OnlineTTL)
	pipe.HSet(ctx, ParticipantPrefix+id, "last_active", time.Now().Unix())
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshOnline extends the online marker of a still-connected participant.
func (s *Store) RefreshOnline(ctx context.Context, id string) error {
	return s.client.Expire(ctx, OnlinePrefix+id, OnlineTTL).Err()
}

// SetOffline removes the online marker immediately.
func (s *Store) SetOffline(ctx context.Context, id string) error {
	return s.client.Del(ctx, OnlinePrefix+id).Err()
}

// IsOnline reports whether the participant currently has an online marker.
func (s *Store) IsOnline(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, OnlinePrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a participant's durable record and online marker.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, ParticipantPrefix+id)
	pipe.Del(ctx, OnlinePrefix+id)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
