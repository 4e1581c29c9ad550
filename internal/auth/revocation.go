package auth

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"chatrelay/internal/redis"
)

const revokedKeyPrefix = "blacklist:"

// RevocationStore remembers tokens that must no longer authenticate.
// Entries only need to outlive the token itself.
type RevocationStore interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// RedisRevocations keeps revoked tokens in redis so every instance sees them.
type RedisRevocations struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// NewRedisRevocations uses client for storage. defaultTTL applies when Revoke gets ttl <= 0.
func NewRedisRevocations(client *redis.Client, defaultTTL time.Duration) *RedisRevocations {
	return &RedisRevocations{client: client, defaultTTL: defaultTTL}
}

// Revoke records token. A token already revoked keeps its original expiry.
func (r *RedisRevocations) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if _, err := r.client.SetNX(ctx, revokedKeyPrefix+token, "1", ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether token has been revoked and not yet aged out.
func (r *RedisRevocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	ok, err := r.client.Exists(ctx, revokedKeyPrefix+token)
	if err != nil {
		return false, fmt.Errorf("lookup revoked token: %w", err)
	}
	return ok, nil
}

// MemoryRevocations is an in-process revocation list for single instance deployments.
type MemoryRevocations struct {
	cache      *gocache.Cache
	defaultTTL time.Duration
}

// NewMemoryRevocations creates an empty list; expired entries are swept every minute.
func NewMemoryRevocations(defaultTTL time.Duration) *MemoryRevocations {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &MemoryRevocations{
		cache:      gocache.New(defaultTTL, time.Minute),
		defaultTTL: defaultTTL,
	}
}

func (m *MemoryRevocations) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	// Add refuses existing keys, so the first expiry sticks.
	if err := m.cache.Add(revokedKeyPrefix+token, struct{}{}, ttl); err != nil {
		if _, found := m.cache.Get(revokedKeyPrefix + token); found {
			return nil
		}
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (m *MemoryRevocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	_, found := m.cache.Get(revokedKeyPrefix + token)
	return found, nil
}
