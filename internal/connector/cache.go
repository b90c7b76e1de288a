package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token is a cached platform access token. A token is never served at or
// past ExpiresAt.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenCache stores access tokens per (registration, scope set) key.
// Implementations may be process-local or shared; shared backing keeps
// concurrently running instances from re-authenticating independently.
type TokenCache interface {
	Get(ctx context.Context, key string) (Token, bool, error)
	Set(ctx context.Context, key string, tok Token) error
}

// MemoryTokenCache is the default process-local cache.
type MemoryTokenCache struct {
	mu     sync.RWMutex
	tokens map[string]Token
	now    func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{tokens: make(map[string]Token), now: time.Now}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (Token, bool, error) {
	c.mu.RLock()
	tok, ok := c.tokens[key]
	c.mu.RUnlock()
	if !ok || !tok.ExpiresAt.After(c.now()) {
		return Token{}, false, nil
	}
	return tok, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key string, tok Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = tok
	return nil
}

const redisTokenPrefix = "ltibridge:token:"

// RedisTokenCache shares tokens across instances; the redis TTL mirrors the
// token expiry so stale entries evict themselves.
type RedisTokenCache struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client, now: time.Now}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (Token, bool, error) {
	raw, err := c.client.Get(ctx, redisTokenPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return Token{}, false, err
	}
	if !tok.ExpiresAt.After(c.now()) {
		return Token{}, false, nil
	}
	return tok, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key string, tok Token) error {
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisTokenPrefix+key, raw, ttl).Err()
}
