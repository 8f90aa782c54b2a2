// Package redisstore keeps the small amount of cross-process state that
// lives in Redis: the clock checkpoint and the no-show sweep lock.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mealslot/internal/clock"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	clockKey = "clock:checkpoint"
	// checkpoints older than this are not worth restoring
	clockTTL = 7 * 24 * time.Hour
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another instance")

type Store struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "mealslot"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(name string) string {
	return s.prefix + ":" + name
}

// SaveClock implements clock.Checkpointer.
func (s *Store) SaveClock(ctx context.Context, st clock.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(clockKey), data, clockTTL).Err()
}

// LoadClock returns nil when no checkpoint exists.
func (s *Store) LoadClock(ctx context.Context) (*clock.State, error) {
	val, err := s.rdb.Get(ctx, s.key(clockKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st clock.State
	if err := json.Unmarshal(val, &st); err != nil {
		return nil, fmt.Errorf("decode clock checkpoint: %w", err)
	}
	return &st, nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes the named lock for ttl. The returned function releases it
// and is safe to call after the lock expired or was taken over.
func (s *Store) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := s.key("lock:" + name)
	token := uuid.NewString()

	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, s.rdb, []string{key}, token).Err()
	}, nil
}

// Ping is used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
