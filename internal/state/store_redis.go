package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ltibridge:launch:"

// RedisStore shares pending launches across instances. GETDEL makes
// consumption atomic, so two launch POSTs racing on the same state value
// cannot both succeed.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, l Launch, ttl time.Duration) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+l.State, raw, ttl).Err()
}

func (s *RedisStore) Consume(ctx context.Context, stateValue string) (Launch, error) {
	raw, err := s.client.GetDel(ctx, redisKeyPrefix+stateValue).Result()
	if errors.Is(err, redis.Nil) {
		return Launch{}, ErrNotFound
	}
	if err != nil {
		return Launch{}, err
	}
	var l Launch
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return Launch{}, err
	}
	return l, nil
}
