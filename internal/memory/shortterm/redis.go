package shortterm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inflo-ai/relay/internal/types"
)

const redisKeyPrefix = "relay:stm:"

// RedisStore implements Store on Redis. Expiry is delegated to Redis TTLs,
// so a restarted relay instance sees the same live set as the one that
// wrote it.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed short-term store. The client is owned
// by the store and closed with it.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		now:    time.Now,
	}
}

// Put stores a record, mapping its ExpiresAt to a Redis TTL. Records without
// an expiry persist until deleted.
func (s *RedisStore) Put(ctx context.Context, record types.MemoryRecord) error {
	if record.Key == "" {
		return types.NewError(types.VALIDATION_ERROR, "record key is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return types.WrapError(types.INTERNAL_ERROR, "failed to encode record", err)
	}

	var ttl time.Duration
	if record.ExpiresAt != nil {
		ttl = record.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			// Already expired; storing it would resurrect a dead key.
			return nil
		}
	}

	if err := s.client.Set(ctx, redisKeyPrefix+record.Key, data, ttl).Err(); err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "redis set failed", err)
	}

	return nil
}

// Get retrieves a live record by key.
func (s *RedisStore) Get(ctx context.Context, key string) (types.MemoryRecord, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.MemoryRecord{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("short-term key not found: %s", key))
	}
	if err != nil {
		return types.MemoryRecord{}, types.WrapRetryableError(types.UNAVAILABLE, "redis get failed", err)
	}

	var record types.MemoryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return types.MemoryRecord{}, types.WrapError(types.INTERNAL_ERROR, "failed to decode record", err)
	}

	record.LastAccessedAt = s.now()

	return record, nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "redis del failed", err)
	}
	return nil
}

// List scans the key prefix and returns all live records.
func (s *RedisStore) List(ctx context.Context) ([]types.MemoryRecord, error) {
	var records []types.MemoryRecord

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between scan and get.
			continue
		}
		if err != nil {
			return nil, types.WrapRetryableError(types.UNAVAILABLE, "redis get failed", err)
		}

		var record types.MemoryRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, types.WrapError(types.INTERNAL_ERROR, "failed to decode record", err)
		}
		records = append(records, record)
	}
	if err := iter.Err(); err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "redis scan failed", err)
	}

	return records, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
