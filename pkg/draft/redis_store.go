package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"postpilot/pkg/domain"
)

const defaultDraftTTL = 7 * 24 * time.Hour

// RedisStore keeps one draft slot per (user, content type) in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a Redis-backed draft store.
func NewRedisStore(addr, password, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "postpilot:draft"
	}
	if ttl <= 0 {
		ttl = defaultDraftTTL
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(userID string, ct domain.ContentType) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, userID, ct)
}

// Put overwrites the slot. Last write wins.
func (s *RedisStore) Put(ctx context.Context, userID string, ct domain.ContentType, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID, ct), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write draft: %w", err)
	}
	return nil
}

// Get reads the slot. A missing key or an unparsable value is reported as
// no draft; corrupt payloads are dropped so they cannot wedge recovery.
func (s *RedisStore) Get(ctx context.Context, userID string, ct domain.ContentType) (Snapshot, bool, error) {
	data, err := s.client.Get(ctx, s.key(userID, ct)).Bytes()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read draft: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = s.client.Del(ctx, s.key(userID, ct)).Err()
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

// Delete removes the slot.
func (s *RedisStore) Delete(ctx context.Context, userID string, ct domain.ContentType) error {
	if err := s.client.Del(ctx, s.key(userID, ct)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}
