package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const defaultRevocationPrefix = "docstore:revoked:"

// RedisRevocations keeps revoked access tokens in Redis until they would have
// expired anyway.
type RedisRevocations struct {
	client *redis.Client
	prefix string
}

func NewRedisRevocations(client *redis.Client, prefix string) *RedisRevocations {
	if prefix == "" {
		prefix = defaultRevocationPrefix
	}
	return &RedisRevocations{client: client, prefix: prefix}
}

func (r *RedisRevocations) key(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return r.prefix + hex.EncodeToString(sum[:])
}

// Revoke marks raw as revoked for ttl.
func (r *RedisRevocations) Revoke(ctx context.Context, raw string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(raw), "1", ttl).Err()
}

// IsRevoked returns true when raw is on the revocation list.
func (r *RedisRevocations) IsRevoked(ctx context.Context, raw string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(raw)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpiresIn reports how long raw remains valid according to its exp claim,
// without verifying the signature. Used to size revocation entries.
func ExpiresIn(raw string, now time.Time) (time.Duration, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return 0, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}
	return exp.Sub(now), true
}
