package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/dataqueryagent/server/internal/core/error"
	"github.com/dataqueryagent/server/internal/warehouse"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

// RedisStore persists spilled results in Redis with a TTL per entry, making
// them readable after a crash-resume within the TTL window.
type RedisStore struct {
	rdb      redis.Cmdable
	ttl      time.Duration
	deadline time.Duration
}

// NewRedisStore creates a Redis-backed store. ttl bounds entry lifetime;
// deadline bounds each operation.
func NewRedisStore(rdb redis.Cmdable, ttl, deadline time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, deadline: deadline}
}

func (s *RedisStore) entryStorageKey(key string) string {
	return "memory:entry:" + key
}

func (s *RedisStore) sessionIndexKey(sessionID string) string {
	return "memory:session:" + sessionID
}

func (s *RedisStore) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.deadline)
}

func (s *RedisStore) Put(ctx context.Context, sessionID string, queryIdx, attempt int, rows []warehouse.Row, schema []warehouse.Field) (string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	key := entryKey(sessionID, queryIdx, attempt)
	entry := &Entry{
		Key:       key,
		SessionID: sessionID,
		QueryIdx:  queryIdx,
		Schema:    schema,
		RowCount:  len(rows),
		CreatedAt: time.Now().UTC(),
		Payload:   rows,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to marshal memory entry")
		return "", fmt.Errorf("marshal memory entry: %w", err)
	}

	if err := s.rdb.Set(ctx, s.entryStorageKey(key), b, s.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to store memory entry")
		return "", errx.WrapRedis(err)
	}
	idx := s.sessionIndexKey(sessionID)
	if err := s.rdb.SAdd(ctx, idx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", idx).Msg("failed to index memory entry")
		return "", errx.WrapRedis(err)
	}
	// keep the index alive as long as its newest entry
	if s.ttl > 0 {
		if err := s.rdb.Expire(ctx, idx, s.ttl).Err(); err != nil {
			logx.Warn().Err(err).Str("key", idx).Msg("failed to set TTL on session index")
		}
	}
	return key, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	raw, err := s.rdb.Get(ctx, s.entryStorageKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &ErrNotFound{Key: key}
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load memory entry")
		return nil, errx.WrapRedis(err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal memory entry %s: %w", key, err)
	}
	return &entry, nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	keys, err := s.rdb.SMembers(ctx, s.sessionIndexKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errx.WrapRedis(err)
	}
	return keys, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	entry, err := s.Get(ctx, key)
	if err != nil {
		var nf *ErrNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}

	if err := s.rdb.Del(ctx, s.entryStorageKey(key)).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	if err := s.rdb.SRem(ctx, s.sessionIndexKey(entry.SessionID), key).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

func (s *RedisStore) Sweep(ctx context.Context, olderThan time.Time) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "memory:entry:*", 100).Result()
		if err != nil {
			return errx.WrapRedis(err)
		}
		for _, storageKey := range keys {
			raw, err := s.rdb.Get(ctx, storageKey).Result()
			if err != nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				continue
			}
			if entry.CreatedAt.Before(olderThan) {
				if err := s.Delete(ctx, entry.Key); err != nil {
					logx.Warn().Err(err).Str("key", entry.Key).Msg("sweep delete failed")
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

var _ Store = (*RedisStore)(nil)
