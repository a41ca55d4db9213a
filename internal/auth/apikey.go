package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 5 * time.Minute

type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max tokens per minute
	Backends  []string  `json:"backends,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

func (a *APIKey) identity() *Identity {
	return &Identity{
		TenantID:  a.TenantID,
		KeyID:     a.ID,
		RateLimit: a.RateLimit,
		Backends:  a.Backends,
	}
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

// Cache holds recently validated keys by hash. Get returns redis.Nil on a miss.
type Cache interface {
	Get(ctx context.Context, keyHash string) (*APIKey, error)
	Set(ctx context.Context, keyHash string, apiKey *APIKey, ttl time.Duration) error
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	if err := c.client.Get(ctx, cacheKey(keyHash)).Scan(&k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (c *RedisCache) Set(ctx context.Context, keyHash string, apiKey *APIKey, ttl time.Duration) error {
	return c.client.Set(ctx, cacheKey(keyHash), apiKey, ttl).Err()
}

func cacheKey(keyHash string) string {
	return fmt.Sprintf("auth:%s", keyHash)
}

// APIKeyProvider validates bearer keys against the cache, then the store.
type APIKeyProvider struct {
	store  Store
	cache  Cache
	logger *slog.Logger
}

func NewAPIKeyProvider(store Store, cache Cache, logger *slog.Logger) *APIKeyProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyProvider{store: store, cache: cache, logger: logger}
}

func (p *APIKeyProvider) Authenticate(r *http.Request) (*Identity, error) {
	ctx := r.Context()

	key, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	keyHash := HashKey(key)

	if p.cache != nil {
		cached, err := p.cache.Get(ctx, keyHash)
		if err == nil {
			return cached.identity(), nil
		}
		if !errors.Is(err, redis.Nil) {
			p.logger.Warn("auth: cache lookup failed", "error", err)
		}
	}

	apiKey, err := p.store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, keyHash, apiKey, cacheTTL); err != nil {
			p.logger.Warn("auth: cache write failed", "error", err)
		}
	}
	return apiKey.identity(), nil
}

// HashKey is the form keys are stored and cached under.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
